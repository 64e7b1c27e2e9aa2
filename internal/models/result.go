package models

// SimilarResult is a single nearest-neighbour hit joined back to its record.
type SimilarResult struct {
	Record *ArtworkRecord `json:"record"`
	Score  float64        `json:"score"`
	Rank   int            `json:"rank"`
}

// SimilarResponse is the response for a similarity request.
type SimilarResponse struct {
	Results   []*SimilarResult `json:"results"`
	Total     int              `json:"total"`
	IndexType string           `json:"index_type"`
	QueryTime int64            `json:"query_time_ms"`
}

// TextResult is a full-text hit over artwork records.
type TextResult struct {
	Record *ArtworkRecord `json:"record"`
	Score  float64        `json:"score"`
	Rank   int            `json:"rank"`
}

// TextResponse is the response for a full-text request.
type TextResponse struct {
	Results   []*TextResult `json:"results"`
	Total     int           `json:"total"`
	Query     string        `json:"query"`
	QueryTime int64         `json:"query_time_ms"`
}
