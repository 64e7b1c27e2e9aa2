// Package provider defines the metadata sources consulted during analysis and
// the call policy (timeout, rate limit, bounded retries) every call goes through.
package provider

import (
	"context"

	"github.com/hyperjump/kanshou/internal/models"
)

// ReverseImageSearcher finds candidate artworks that look like an image.
type ReverseImageSearcher interface {
	Name() string
	ReverseImageSearch(ctx context.Context, image []byte) ([]models.Candidate, error)
}

// KnowledgeBase describes an artwork given its title. It returns nil, nil when
// nothing matches.
type KnowledgeBase interface {
	Name() string
	LookupByTitle(ctx context.Context, title string) (*models.Candidate, error)
}

// Collection describes an artwork given its object identifier in that
// collection. It returns nil, nil when the object does not exist.
type Collection interface {
	Name() string
	LookupByID(ctx context.Context, objectID string) (*models.Candidate, error)
}
