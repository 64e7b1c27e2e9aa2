// Package models defines core data structures for artworks, similarity queries and analysis reports.
package models

import (
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxIDLength is the maximum length of an artwork identifier in bytes.
	MaxIDLength = 256
	// MinYear and MaxYear bound the accepted creation year.
	MinYear = -5000
	MaxYear = 3000
)

// ArtworkRecord is the descriptive metadata of one artwork. Optional fields are nil when unknown.
// Records are immutable once ingested.
type ArtworkRecord struct {
	ID          string            `json:"id"`
	Title       *string           `json:"title,omitempty"`
	Artist      *string           `json:"artist,omitempty"`
	Year        *int              `json:"year,omitempty"`
	Style       *string           `json:"style,omitempty"`
	Movement    *string           `json:"movement,omitempty"`
	SourceURL   *string           `json:"source_url,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ArtworkInput is the input for ingesting one artwork: its record and feature vector.
// An empty ID asks the store to assign one.
type ArtworkInput struct {
	Record ArtworkRecord `json:"record"`
	Vector []float32     `json:"vector"`
}

// Field returns the value of an optional string field, or "" when absent.
func Field(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// String returns a pointer to s, or nil when s is blank.
func String(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}

// Normalize trims optional strings, drops blank ones and blank external ids.
func (r *ArtworkRecord) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	for _, p := range []**string{&r.Title, &r.Artist, &r.Style, &r.Movement, &r.SourceURL} {
		if *p != nil {
			*p = String(**p)
		}
	}
	if len(r.ExternalIDs) > 0 {
		ids := make(map[string]string, len(r.ExternalIDs))
		for k, v := range r.ExternalIDs {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k == "" || v == "" {
				continue
			}
			ids[k] = v
		}
		r.ExternalIDs = ids
	}
	if len(r.ExternalIDs) == 0 {
		r.ExternalIDs = nil
	}
}

// Validate checks the record fields. The identifier may be empty (assigned later);
// use ValidateID once it is known.
func (r *ArtworkRecord) Validate() error {
	if r.ID != "" {
		if err := ValidateID(r.ID); err != nil {
			return err
		}
	}
	if r.Year != nil && (*r.Year < MinYear || *r.Year > MaxYear) {
		return invalidf("year %d out of range [%d, %d]", *r.Year, MinYear, MaxYear)
	}
	if r.SourceURL != nil {
		u, err := url.Parse(*r.SourceURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalidf("source_url %q is not an absolute http(s) URL", *r.SourceURL)
		}
	}
	for k := range r.ExternalIDs {
		if strings.TrimSpace(k) == "" {
			return invalidf("external id with empty provider key")
		}
	}
	return nil
}

// ValidateID checks that id is usable as an artwork identifier.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalidf("identifier cannot be empty")
	}
	if len(id) > MaxIDLength {
		return invalidf("identifier longer than %d bytes", MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return invalidf("identifier is not valid UTF-8")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return invalidf("identifier contains control characters")
		}
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *ArtworkRecord) Clone() *ArtworkRecord {
	if r == nil {
		return nil
	}
	out := *r
	cp := func(p *string) *string {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	out.Title, out.Artist, out.Style = cp(r.Title), cp(r.Artist), cp(r.Style)
	out.Movement, out.SourceURL = cp(r.Movement), cp(r.SourceURL)
	if r.Year != nil {
		out.Year = Int(*r.Year)
	}
	if r.ExternalIDs != nil {
		out.ExternalIDs = make(map[string]string, len(r.ExternalIDs))
		for k, v := range r.ExternalIDs {
			out.ExternalIDs[k] = v
		}
	}
	return &out
}
