package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kanshou/internal/models"
)

const (
	defaultTitleBoost = 3.0
	batchSize         = 500
)

var textFields = []string{"title", "artist", "style", "movement"}

// BleveIndex implements TextIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer, no stemming: "Monet" must not match "money".
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	for _, f := range textFields {
		docMapping.AddFieldMappingsAt(f, text)
	}
	docMapping.AddFieldMappingsAt("id", bleve.NewKeywordFieldMapping())
	year := bleve.NewNumericFieldMapping()
	docMapping.AddFieldMappingsAt("year", year)
	im.AddDocumentMapping("artwork", docMapping)
	im.DefaultType = "artwork"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path keeps the
// index in memory, which is enough because it can be rebuilt from the catalog.
// If the mapping changes, remove the index directory to force a full rebuild.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func document(rec *models.ArtworkRecord) map[string]any {
	doc := map[string]any{
		"id":       rec.ID,
		"title":    models.Field(rec.Title),
		"artist":   models.Field(rec.Artist),
		"style":    models.Field(rec.Style),
		"movement": models.Field(rec.Movement),
	}
	if rec.Year != nil {
		doc["year"] = float64(*rec.Year)
	}
	return doc
}

// Index adds records to the index in batches.
func (b *BleveIndex) Index(ctx context.Context, records ...*models.ArtworkRecord) error {
	batch := b.index.NewBatch()
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := batch.Index(rec.ID, document(rec)); err != nil {
			return fmt.Errorf("failed to index %q: %w", rec.ID, err)
		}
		if batch.Size() >= batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.index.Batch(batch); err != nil {
				return fmt.Errorf("failed to write Bleve batch: %w", err)
			}
			batch.Reset()
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to write Bleve batch: %w", err)
	}
	return nil
}

// Search matches query against title, artist, style and movement. Title hits
// are boosted, then artist hits, so "Monet" ranks his works above works that
// only mention him in the movement.
func (b *BleveIndex) Search(ctx context.Context, query string, limit, offset int, opts *SearchOptions) (*Results, error) {
	if strings.TrimSpace(query) == "" {
		return &Results{Hits: []*KeywordResult{}}, nil
	}
	titleBoost := defaultTitleBoost
	fuzziness := 0
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		if opts.FuzzyEnabled {
			fuzziness = opts.Fuzziness
			if fuzziness <= 0 || fuzziness > 2 {
				fuzziness = 1
			}
		}
	}

	boosts := map[string]float64{
		"title":    titleBoost,
		"artist":   max(titleBoost/2, 1),
		"style":    1,
		"movement": 1,
	}
	queries := make([]blevequery.Query, 0, len(textFields))
	for _, field := range textFields {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(field)
		mq.SetBoost(boosts[field])
		if fuzziness > 0 {
			mq.SetFuzziness(fuzziness)
		}
		queries = append(queries, mq)
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(queries...), limit, offset, false)
	req.SortBy([]string{"-_score", "_id"})
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := &Results{Hits: make([]*KeywordResult, len(results.Hits)), Total: results.Total}
	for i, hit := range results.Hits {
		out.Hits[i] = &KeywordResult{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// Delete removes records from the index.
func (b *BleveIndex) Delete(ctx context.Context, ids ...string) error {
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete from Bleve index: %w", err)
	}
	return nil
}

// IDs returns the identifiers of every indexed record.
func (b *BleveIndex) IDs(ctx context.Context) ([]string, error) {
	count, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count Bleve documents: %w", err)
	}
	ids := make([]string, 0, count)
	for from := 0; ; from += batchSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), batchSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to list Bleve documents: %w", err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < batchSize {
			return ids, nil
		}
	}
}

// DocCount returns the total number of records in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// Sync rebuilds idx from records when its document count disagrees with len(records):
// documents without a record are removed and every record is re-indexed.
// It reports whether a rebuild happened.
func Sync(ctx context.Context, idx TextIndex, records []*models.ArtworkRecord) (bool, error) {
	count, err := idx.DocCount()
	if err != nil {
		return false, fmt.Errorf("failed to count text index documents: %w", err)
	}
	if count == uint64(len(records)) {
		return false, nil
	}
	if count > uint64(len(records)) {
		ids, err := idx.IDs(ctx)
		if err != nil {
			return false, err
		}
		keep := make(map[string]struct{}, len(records))
		for _, rec := range records {
			keep[rec.ID] = struct{}{}
		}
		var stale []string
		for _, id := range ids {
			if _, ok := keep[id]; !ok {
				stale = append(stale, id)
			}
		}
		if err := idx.Delete(ctx, stale...); err != nil {
			return false, err
		}
	}
	if err := idx.Index(ctx, records...); err != nil {
		return false, err
	}
	return true, nil
}
