// Package search answers similarity and text queries over the artwork repository.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/featurestore"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
	"github.com/hyperjump/kanshou/internal/vector"
)

// ErrTextSearchDisabled is returned by SearchText when no text index is configured.
var ErrTextSearchDisabled = errors.New("text search is not configured")

// Index is the lazily rebuilt similarity index over repository snapshots.
type Index = vector.LazyIndex[*repository.Snapshot]

// Engine runs similarity and text queries.
type Engine struct {
	repo      *repository.Repository
	index     *Index
	textIndex keyword.TextIndex
	config    *config.SearchConfig
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTextIndex enables SearchText.
func WithTextIndex(idx keyword.TextIndex) EngineOption {
	return func(e *Engine) {
		e.textIndex = idx
	}
}

// NewEngine creates a search engine over repo. index must be built from repo snapshots.
func NewEngine(repo *repository.Repository, index *Index, cfg *config.SearchConfig, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = &config.SearchConfig{DefaultK: models.DefaultK, MaxK: models.MaxK}
	}
	e := &Engine{repo: repo, index: index, config: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewIndex returns a lazy index that always rebuilds from the latest repository snapshot.
func NewIndex(repo *repository.Repository, opts vector.Options) *Index {
	return vector.NewLazyIndex(opts, repo.Snapshot)
}

// FindSimilar returns the k stored artworks most similar to vec, best first.
func (e *Engine) FindSimilar(ctx context.Context, vec []float32, k int) ([]*models.SimilarResult, error) {
	if k <= 0 {
		return nil, errs.Invalid(errs.CodeQueryInvalid, "k must be positive, got %d", k)
	}
	resp, err := e.search(ctx, vec, k, nil)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// FindSimilarTo returns the k artworks most similar to the stored artwork id, excluding id itself.
func (e *Engine) FindSimilarTo(ctx context.Context, id string, k int) ([]*models.SimilarResult, error) {
	if k <= 0 {
		return nil, errs.Invalid(errs.CodeQueryInvalid, "k must be positive, got %d", k)
	}
	resp, err := e.Similar(ctx, &models.SimilarQuery{ArtworkID: id, K: k})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Similar runs a validated similarity query by vector or by stored artwork.
func (e *Engine) Similar(ctx context.Context, q *models.SimilarQuery) (*models.SimilarResponse, error) {
	if err := q.Validate(e.config.DefaultK, e.config.MaxK); err != nil {
		return nil, err
	}
	vec := q.Vector
	exclude := q.Exclude
	if q.ArtworkID != "" {
		snap := e.repo.Snapshot()
		stored, err := snap.Vector(q.ArtworkID)
		if err != nil {
			return nil, err
		}
		vec = stored
		exclude = append([]string{q.ArtworkID}, exclude...)
	}
	return e.search(ctx, vec, q.K, exclude)
}

func (e *Engine) search(ctx context.Context, vec []float32, k int, excludeIDs []string) (*models.SimilarResponse, error) {
	start := time.Now()
	snap := e.repo.Snapshot()
	if snap.Len() == 0 {
		return nil, errs.EmptyStore()
	}
	if len(vec) != snap.Dimension() {
		return nil, errs.DimensionMismatch(errs.CodeQueryDimensionMismatch, snap.Dimension(), len(vec))
	}
	if err := featurestore.ValidateVector(errs.CodeQueryInvalid, vec); err != nil {
		return nil, err
	}

	built, err := e.index.Ensure(ctx, snap)
	if err != nil {
		return nil, err
	}
	defer built.Release()

	// Hits address rows of the snapshot the index was built from, which may be newer than snap.
	src := built.Source
	if err := src.Consistent(); err != nil {
		return nil, err
	}

	k = min(k, src.Len())

	var exclude *roaring.Bitmap
	for _, id := range excludeIDs {
		if row, ok := src.Rows.Row(id); ok {
			if exclude == nil {
				exclude = roaring.New()
			}
			exclude.Add(uint32(row))
		}
	}

	hits, err := built.Index.Search(ctx, vec, k, exclude)
	if err != nil {
		return nil, err
	}
	results := make([]*models.SimilarResult, 0, len(hits))
	for i, hit := range hits {
		rec, err := src.Resolve(hit.Row)
		if err != nil {
			return nil, err
		}
		results = append(results, &models.SimilarResult{Record: rec, Score: hit.Score, Rank: i + 1})
	}
	e.logger.Debug("similarity search",
		zap.Int("k", k),
		zap.Int("results", len(results)),
		zap.Int("artworks", src.Len()),
		zap.Duration("duration", time.Since(start)))
	return &models.SimilarResponse{
		Results:   results,
		Total:     len(results),
		IndexType: built.Index.Type(),
		QueryTime: time.Since(start).Milliseconds(),
	}, nil
}

// SearchText runs a full-text query over titles, artists, styles and movements.
func (e *Engine) SearchText(ctx context.Context, q *models.TextQuery) (*models.TextResponse, error) {
	start := time.Now()
	if e.textIndex == nil {
		return nil, ErrTextSearchDisabled
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	res, err := e.textIndex.Search(ctx, q.Query, q.Limit, q.Offset, &keyword.SearchOptions{FuzzyEnabled: q.Fuzzy})
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	snap := e.repo.Snapshot()
	resp := &models.TextResponse{
		Results: make([]*models.TextResult, 0, len(res.Hits)),
		Total:   int(res.Total),
		Query:   q.Query,
	}
	for _, hit := range res.Hits {
		rec, err := snap.Get(hit.ID)
		if err != nil {
			// Text index entries are derived and may briefly lead the snapshot.
			e.logger.Debug("text hit without record", zap.String("id", hit.ID))
			continue
		}
		resp.Results = append(resp.Results, &models.TextResult{
			Record: rec,
			Score:  hit.Score,
			Rank:   q.Offset + len(resp.Results) + 1,
		})
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// IndexStats describes the similarity index.
type IndexStats struct {
	Type     string    `json:"type"`
	Size     int       `json:"size"`
	Dirty    bool      `json:"dirty"`
	Rebuilds int64     `json:"rebuilds"`
	BuiltAt  time.Time `json:"built_at,omitempty"`
}

// Stats returns the state of the similarity index without rebuilding it.
func (e *Engine) Stats() IndexStats {
	st := IndexStats{Dirty: e.index.Dirty(), Rebuilds: e.index.Rebuilds()}
	if cur := e.index.Current(); cur != nil {
		st.Type = cur.Index.Type()
		st.Size = cur.Source.Len()
		st.BuiltAt = cur.BuiltAt
	}
	return st
}
