// Package keyword provides full-text search over artwork records.
//
// The text index is derived data: it can always be rebuilt from the catalog and is
// never consulted to decide whether an artwork exists.
package keyword

import (
	"context"

	"github.com/hyperjump/kanshou/internal/models"
)

// SearchOptions optional parameters for text search. Nil means use defaults.
type SearchOptions struct {
	// TitleBoost multiplies matches in the title field. Artist matches get half of it.
	TitleBoost float64
	// FuzzyEnabled tolerates typos in query terms.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance when FuzzyEnabled (1 or 2, default 1).
	Fuzziness int
}

// TextIndex defines full-text operations over artwork records.
type TextIndex interface {
	Index(ctx context.Context, records ...*models.ArtworkRecord) error
	Search(ctx context.Context, query string, limit, offset int, opts *SearchOptions) (*Results, error)
	Delete(ctx context.Context, ids ...string) error
	IDs(ctx context.Context) ([]string, error)
	DocCount() (uint64, error)
	Close() error
}

// KeywordResult is a single text search hit.
type KeywordResult struct {
	ID    string
	Score float64
}

// Results is one page of hits plus the total number of matches.
type Results struct {
	Hits  []*KeywordResult
	Total uint64
}
