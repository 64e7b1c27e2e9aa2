package models

import "strings"

// Default and maximum number of neighbours returned when the caller does not say.
const (
	DefaultK = 10
	MaxK     = 1000
)

// SimilarQuery is a nearest-neighbour request. Exactly one of Vector or ArtworkID is set.
type SimilarQuery struct {
	Vector    []float32 `json:"vector,omitempty"`
	ArtworkID string    `json:"artwork_id,omitempty"`
	K         int       `json:"k,omitempty"`
	Exclude   []string  `json:"exclude,omitempty"`
}

// Validate checks the query and fills in the default k. maxK <= 0 means MaxK.
func (q *SimilarQuery) Validate(defaultK, maxK int) error {
	if len(q.Vector) == 0 && q.ArtworkID == "" {
		return invalidf("either vector or artwork_id is required")
	}
	if len(q.Vector) > 0 && q.ArtworkID != "" {
		return invalidf("vector and artwork_id are mutually exclusive")
	}
	if q.K < 0 {
		return invalidf("k must be positive, got %d", q.K)
	}
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	if maxK <= 0 {
		maxK = MaxK
	}
	if q.K == 0 {
		q.K = defaultK
	}
	if q.K > maxK {
		q.K = maxK
	}
	return nil
}

// TextQuery is a full-text search over artwork records.
type TextQuery struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Fuzzy  bool   `json:"fuzzy,omitempty"`
}

// Validate ensures the text query has a query string and sets defaults.
func (q *TextQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return invalidf("query cannot be empty")
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return nil
}
