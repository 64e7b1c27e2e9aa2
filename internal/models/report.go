package models

import "time"

// Candidate is what a metadata provider knows about an artwork. Empty fields are unknown.
type Candidate struct {
	Provider  string  `json:"provider"`
	ObjectID  string  `json:"object_id,omitempty"`
	Title     string  `json:"title,omitempty"`
	Artist    string  `json:"artist,omitempty"`
	Year      *int    `json:"year,omitempty"`
	Style     string  `json:"style,omitempty"`
	Movement  string  `json:"movement,omitempty"`
	SourceURL string  `json:"source_url,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

// AnalysisReport is the merged result of analysing one image.
type AnalysisReport struct {
	ID               string           `json:"id"`
	Title            *string          `json:"title,omitempty"`
	Artist           *string          `json:"artist,omitempty"`
	Year             *int             `json:"year,omitempty"`
	Style            *string          `json:"style,omitempty"`
	Movement         *string          `json:"movement,omitempty"`
	SourceURL        *string          `json:"source_url,omitempty"`
	ArtistConfidence *float64         `json:"artist_confidence,omitempty"`
	Similar          []*SimilarResult `json:"similar"`
	Warnings         []string         `json:"warnings,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Fill copies the fields of c that are still missing in the report.
// It returns true when at least one field was filled.
func (r *AnalysisReport) Fill(c *Candidate) bool {
	if c == nil {
		return false
	}
	filled := false
	set := func(dst **string, v string) {
		if *dst == nil {
			if p := String(v); p != nil {
				*dst = p
				filled = true
			}
		}
	}
	set(&r.Title, c.Title)
	set(&r.Artist, c.Artist)
	set(&r.Style, c.Style)
	set(&r.Movement, c.Movement)
	set(&r.SourceURL, c.SourceURL)
	if r.Year == nil && c.Year != nil {
		r.Year = Int(*c.Year)
		filled = true
	}
	return filled
}
