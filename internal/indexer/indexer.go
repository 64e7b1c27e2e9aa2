// Package indexer ingests artworks into the repository: it validates records and
// vectors, commits them as one transaction, and marks derived indexes stale.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/featurestore"
	"github.com/hyperjump/kanshou/internal/fileid"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
)

// DefaultBatchSize is the number of files committed together by IndexDirectory.
const DefaultBatchSize = 32

// SidecarExt is the extension of the JSON record that may accompany an image.
const SidecarExt = ".json"

// DirtyMarker is told about every successful commit. The similarity index implements it.
type DirtyMarker interface {
	MarkDirty()
}

// Indexer is the single writer of the artwork repository.
type Indexer struct {
	repo      *repository.Repository
	index     DirtyMarker
	textIndex keyword.TextIndex
	extractor embedding.Extractor
	batchSize int
	now       func() time.Time
	logger    *zap.Logger // optional; when set, logs debug events

	mu sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (artwork added, file skipped, etc.).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithTextIndex keeps a text index in step with the repository.
func WithTextIndex(t keyword.TextIndex) IndexerOption {
	return func(idx *Indexer) { idx.textIndex = t }
}

// WithExtractor sets the extractor used to turn image files into vectors.
func WithExtractor(e embedding.Extractor) IndexerOption {
	return func(idx *Indexer) { idx.extractor = e }
}

// WithBatchSize sets how many files IndexDirectory commits at once.
func WithBatchSize(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

// WithClock overrides the time source for CreatedAt.
func WithClock(now func() time.Time) IndexerOption {
	return func(idx *Indexer) { idx.now = now }
}

// NewIndexer creates an indexer writing to repo. index may be nil.
func NewIndexer(repo *repository.Repository, index DirtyMarker, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		repo:      repo,
		index:     index,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Has reports whether an artwork with id is stored.
func (idx *Indexer) Has(id string) bool {
	return idx.repo.Snapshot().Catalog.Has(id)
}

// AddArtwork ingests one artwork and returns its identifier.
func (idx *Indexer) AddArtwork(ctx context.Context, input *models.ArtworkInput) (string, error) {
	ids, err := idx.AddArtworks(ctx, []*models.ArtworkInput{input})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddArtworks ingests inputs as one all-or-nothing commit and returns their
// identifiers in input order. Inputs without an identifier get a random UUID.
// The context is only consulted before the commit starts.
func (idx *Indexer) AddArtworks(ctx context.Context, inputs []*models.ArtworkInput) ([]string, error) {
	if len(inputs) == 0 {
		return []string{}, nil
	}
	createdAt := idx.now().UTC()
	entries := make([]repository.Entry, 0, len(inputs))
	records := make([]*models.ArtworkRecord, 0, len(inputs))
	ids := make([]string, 0, len(inputs))
	seen := make(map[string]struct{}, len(inputs))
	for i, input := range inputs {
		if input == nil {
			return nil, errs.Invalid(errs.CodeRecordInvalid, "artwork %d: missing input", i)
		}
		rec, err := prepare(input, createdAt)
		if err != nil {
			return nil, fmt.Errorf("artwork %d: %w", i, err)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, errs.Duplicate(rec.ID)
		}
		seen[rec.ID] = struct{}{}
		vec := append([]float32(nil), input.Vector...)
		entries = append(entries, repository.Entry{ID: rec.ID, Record: rec, Vector: vec})
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	idx.mu.Lock()
	snap, err := idx.repo.Commit(entries)
	if err == nil && idx.index != nil {
		idx.index.MarkDirty()
	}
	idx.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if idx.textIndex != nil {
		// Derived data; a failure here is repaired by keyword.Sync on the next start.
		if terr := idx.textIndex.Index(context.WithoutCancel(ctx), records...); terr != nil && idx.logger != nil {
			idx.logger.Warn("text index update failed", zap.Int("artworks", len(records)), zap.Error(terr))
		}
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer artworks added",
			zap.Int("added", len(ids)),
			zap.Int("artworks", snap.Len()),
			zap.Uint64("generation", snap.Generation))
	}
	return ids, nil
}

// prepare returns the normalized, validated record to store for input.
func prepare(input *models.ArtworkInput, createdAt time.Time) (*models.ArtworkRecord, error) {
	rec := input.Record.Clone()
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if err := featurestore.ValidateVector(errs.CodeFeatureInvalid, input.Vector); err != nil {
		return nil, err
	}
	rec.CreatedAt = createdAt
	return rec, nil
}

// PrepareFile reads an image and its optional sidecar record (same name, .json
// extension) and returns the input to ingest with its identifier. When the
// sidecar has no id, the id is derived from the image content. The input is nil
// when that artwork is already stored. Files whose extension is not in
// allowedExts are rejected.
func (idx *Indexer) PrepareFile(ctx context.Context, path string, allowedExts []string) (*models.ArtworkInput, string, error) {
	input, err := idx.prepareFile(ctx, path, allowedExts)
	if err != nil {
		return nil, "", err
	}
	id := input.Record.ID
	if input.Vector == nil {
		return nil, id, nil
	}
	return input, id, nil
}

func (idx *Indexer) prepareFile(ctx context.Context, path string, allowedExts []string) (*models.ArtworkInput, error) {
	if idx.extractor == nil {
		return nil, fmt.Errorf("no extractor configured for image files")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(absPath))
	if len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts) {
		return nil, fmt.Errorf("extension %q not in allowed list", ext)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}

	input := &models.ArtworkInput{}
	if err := readSidecar(sidecarPath(absPath), &input.Record); err != nil {
		return nil, err
	}
	input.Record.ID = strings.TrimSpace(input.Record.ID)
	if input.Record.ID == "" {
		input.Record.ID = fileid.ImageID(content)
	}
	if idx.repo.Snapshot().Catalog.Has(input.Record.ID) {
		if idx.logger != nil {
			idx.logger.Debug("indexer skipping known artwork", zap.String("path", absPath), zap.String("id", input.Record.ID))
		}
		return input, nil
	}
	if input.Record.ExternalIDs == nil {
		input.Record.ExternalIDs = map[string]string{}
	}
	if _, ok := input.Record.ExternalIDs["file"]; !ok {
		input.Record.ExternalIDs["file"] = filepath.Base(absPath)
	}

	vec, err := idx.extractor.Extract(ctx, content)
	if err != nil {
		if !errors.Is(err, errs.ErrInvalidInput) && !errors.Is(err, errs.ErrExternalService) {
			err = errs.Embedding(err)
		}
		return nil, fmt.Errorf("extract %s: %w", absPath, err)
	}
	input.Vector = vec
	return input, nil
}

func sidecarPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + SidecarExt
}

func readSidecar(path string, rec *models.ArtworkRecord) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return errs.Invalid(errs.CodeRecordInvalid, "sidecar %s: %v", path, err)
	}
	return nil
}

// IndexFile ingests one image file and returns the artwork identifier. A file
// whose artwork is already stored is skipped and its identifier returned.
func (idx *Indexer) IndexFile(ctx context.Context, path string, allowedExts []string) (string, error) {
	if idx.logger != nil {
		idx.logger.Debug("indexer indexing file", zap.String("path", path))
	}
	input, id, err := idx.PrepareFile(ctx, path, allowedExts)
	if err != nil {
		return "", err
	}
	if input == nil {
		return id, nil
	}
	return idx.AddArtwork(ctx, input)
}

// IndexDirectory walks dir recursively and ingests each regular file whose extension
// is in allowedExts (if non-empty; otherwise all files except sidecars), committing
// in batches. Returns the number of artworks added and the first error encountered.
func (idx *Indexer) IndexDirectory(ctx context.Context, dir string, allowedExts []string) (n int, err error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return 0, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("not a directory: %s", absDir)
	}

	var batch []*models.ArtworkInput
	pending := map[string]struct{}{}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ids, err := idx.AddArtworks(ctx, batch)
		if err != nil {
			return err
		}
		n += len(ids)
		batch = batch[:0]
		clear(pending)
		return nil
	}

	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == SidecarExt || (len(allowedExts) > 0 && !extensionAllowed(ext, allowedExts)) {
			return nil
		}
		// Resolve symlinks so we only index regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		input, id, err := idx.PrepareFile(ctx, path, allowedExts)
		if err != nil {
			return err
		}
		if input == nil {
			return nil
		}
		if _, dup := pending[id]; dup {
			if idx.logger != nil {
				idx.logger.Debug("indexer skipping duplicate image", zap.String("path", path), zap.String("id", id))
			}
			return nil
		}
		pending[id] = struct{}{}
		batch = append(batch, input)
		if len(batch) >= idx.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, flush()
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
