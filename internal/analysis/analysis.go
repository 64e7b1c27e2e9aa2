// Package analysis identifies an artwork image by combining its embedding, the
// metadata providers and the similarity engine into one report.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/provider"
)

// Similarity finds stored artworks close to a vector.
type Similarity interface {
	FindSimilar(ctx context.Context, vec []float32, k int) ([]*models.SimilarResult, error)
}

// History records finished reports.
type History interface {
	SaveReport(ctx context.Context, report *models.AnalysisReport) error
}

// Orchestrator runs the analysis pipeline.
type Orchestrator struct {
	extractor   embedding.Extractor
	similarity  Similarity
	reverse     provider.ReverseImageSearcher
	knowledge   []provider.KnowledgeBase
	collections []provider.Collection
	history     History
	k           int
	now         func() time.Time
	logger      *zap.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithReverseSearch sets the reverse image search provider.
func WithReverseSearch(r provider.ReverseImageSearcher) Option {
	return func(o *Orchestrator) { o.reverse = r }
}

// WithKnowledgeBase adds a title lookup source. Sources are consulted in the order added.
func WithKnowledgeBase(kb provider.KnowledgeBase) Option {
	return func(o *Orchestrator) {
		if kb != nil {
			o.knowledge = append(o.knowledge, kb)
		}
	}
}

// WithCollection adds an object id lookup source.
func WithCollection(c provider.Collection) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.collections = append(o.collections, c)
		}
	}
}

// WithHistory records every report.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithK sets the number of similar artworks in a report.
func WithK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.k = k
		}
	}
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator returns an orchestrator over extractor and similarity.
func NewOrchestrator(extractor embedding.Extractor, similarity Similarity, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		extractor:  extractor,
		similarity: similarity,
		k:          models.DefaultK,
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Analyze builds the report for image. Only an embedding failure or a store
// integrity error fails the whole analysis; provider failures become warnings.
func (o *Orchestrator) Analyze(ctx context.Context, image []byte) (*models.AnalysisReport, error) {
	if len(image) == 0 {
		return nil, errs.Invalid(errs.CodeQueryInvalid, "image is empty")
	}

	report := &models.AnalysisReport{
		ID:        uuid.NewString(),
		Similar:   []*models.SimilarResult{},
		CreatedAt: o.now().UTC(),
	}

	var (
		vec        []float32
		candidates []models.Candidate
		reverseErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := o.extractor.Extract(gctx, image)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errs.ErrEmbeddingFailure) {
				return err
			}
			// An undecodable image stays invalid input as well.
			return errs.Embedding(err)
		}
		vec = v
		return nil
	})
	if o.reverse != nil {
		g.Go(func() error {
			candidates, reverseErr = o.reverse.ReverseImageSearch(gctx, image)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if reverseErr != nil {
		o.warn(report, o.reverse.Name(), reverseErr)
	}

	o.merge(ctx, report, candidates)

	similar, err := o.similarity.FindSimilar(ctx, vec, o.k)
	switch {
	case errors.Is(err, errs.ErrEmptyStore):
		report.Warnings = append(report.Warnings, "no artworks have been ingested; similar list is empty")
	case err != nil:
		return nil, fmt.Errorf("find similar: %w", err)
	default:
		report.Similar = similar
	}
	report.ArtistConfidence = ArtistConfidence(models.Field(report.Artist), report.Similar)

	if o.history != nil {
		if err := o.history.SaveReport(context.WithoutCancel(ctx), report); err != nil {
			o.logger.Warn("Failed to record analysis", zap.String("id", report.ID), zap.Error(err))
		}
	}
	o.logger.Debug("Analyzed image",
		zap.String("id", report.ID),
		zap.String("title", models.Field(report.Title)),
		zap.Int("similar", len(report.Similar)),
		zap.Int("warnings", len(report.Warnings)))
	return report, nil
}

// merge fills the report from the first titled candidate, then the knowledge
// bases by title, then the collections by object id.
func (o *Orchestrator) merge(ctx context.Context, report *models.AnalysisReport, candidates []models.Candidate) {
	var objectID string
	for i := range candidates {
		c := &candidates[i]
		if strings.TrimSpace(c.Title) == "" {
			continue
		}
		report.Fill(c)
		objectID = strings.TrimSpace(c.ObjectID)
		break
	}

	if title := models.Field(report.Title); title != "" {
		for _, kb := range o.knowledge {
			if complete(report) {
				break
			}
			c, err := kb.LookupByTitle(ctx, title)
			if err != nil {
				o.warn(report, kb.Name(), err)
				continue
			}
			report.Fill(c)
			if c != nil && objectID == "" {
				objectID = strings.TrimSpace(c.ObjectID)
			}
		}
	}

	if objectID == "" {
		return
	}
	for _, col := range o.collections {
		if complete(report) {
			break
		}
		c, err := col.LookupByID(ctx, objectID)
		if err != nil {
			o.warn(report, col.Name(), err)
			continue
		}
		report.Fill(c)
	}
}

func complete(r *models.AnalysisReport) bool {
	return r.Title != nil && r.Artist != nil && r.Year != nil &&
		r.Style != nil && r.Movement != nil && r.SourceURL != nil
}

func (o *Orchestrator) warn(report *models.AnalysisReport, name string, err error) {
	o.logger.Warn("Provider call failed", zap.String("provider", name), zap.Error(err))
	report.Warnings = append(report.Warnings, fmt.Sprintf("%s: %v", name, err))
}

// ArtistConfidence is the share of positive similarity mass held by results
// whose artist matches artist, ignoring case. It is nil when artist is empty or
// there are no results.
func ArtistConfidence(artist string, similar []*models.SimilarResult) *float64 {
	artist = strings.TrimSpace(artist)
	if artist == "" || len(similar) == 0 {
		return nil
	}
	var total, matched float64
	for _, s := range similar {
		if s == nil || s.Score <= 0 {
			continue
		}
		total += s.Score
		if s.Record != nil && strings.EqualFold(strings.TrimSpace(models.Field(s.Record.Artist)), artist) {
			matched += s.Score
		}
	}
	conf := 0.0
	if total > 0 {
		conf = matched / total
	}
	return &conf
}
