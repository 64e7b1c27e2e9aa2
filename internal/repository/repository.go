// Package repository keeps the feature store, the metadata catalog and the row
// index consistent on disk.
//
// Each commit writes a new generation of the feature and catalog files and then
// replaces MANIFEST, which names them. The MANIFEST rename is the commit point:
// a crash before it leaves the previous generation in effect, a crash after it
// leaves the new one. Older generations are removed once the new manifest is
// published.
package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/catalog"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/featurestore"
	"github.com/hyperjump/kanshou/internal/fsutil"
	"github.com/hyperjump/kanshou/internal/models"
)

var generationFile = regexp.MustCompile(`^(features|catalog)-\d+\.(bin|json)$`)

// Entry is one artwork to commit.
type Entry struct {
	ID     string
	Record *models.ArtworkRecord
	Vector []float32
}

// Repository owns the on-disk artwork store.
type Repository struct {
	dir    string
	fs     fsutil.FileSystem
	logger *zap.Logger

	writeMu sync.Mutex
	mu      sync.RWMutex
	snap    *Snapshot
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithFileSystem replaces the file system, mainly for fault injection in tests.
func WithFileSystem(fsys fsutil.FileSystem) Option {
	return func(r *Repository) {
		if fsys != nil {
			r.fs = fsys
		}
	}
}

// Open loads the repository in dir, creating the directory if needed. A missing
// MANIFEST means an empty repository. Unparseable files fail with
// errs.ErrCorruptState and divergent files with errs.ErrStoreInconsistency.
func Open(dir string, opts ...Option) (*Repository, error) {
	r := &Repository{dir: dir, fs: fsutil.Default, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	snap, err := r.load()
	if err != nil {
		return nil, err
	}
	r.snap = snap
	r.removeStale(snap.Generation)
	r.logger.Info("repository opened",
		zap.String("dir", dir),
		zap.Uint64("generation", snap.Generation),
		zap.Int("artworks", snap.Len()),
		zap.Int("dimension", snap.Dimension()))
	return r, nil
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Snapshot returns the current published state.
func (r *Repository) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *Repository) load() (*Snapshot, error) {
	manifestPath := filepath.Join(r.dir, ManifestName)
	data, err := fsutil.ReadFile(r.fs, manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return emptySnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Corrupt(manifestPath, "parse: %v", err)
	}
	if m.FormatVersion != manifestFormatVersion {
		return nil, errs.Corrupt(manifestPath, "unsupported format version %d", m.FormatVersion)
	}
	if m.FeaturesFile == "" || m.CatalogFile == "" {
		return nil, errs.Corrupt(manifestPath, "missing file references")
	}

	featuresPath := filepath.Join(r.dir, m.FeaturesFile)
	features, err := featurestore.Load(r.fs, featuresPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.Corrupt(featuresPath, "referenced by %s but missing", ManifestName)
	}
	if err != nil {
		return nil, err
	}
	catalogPath := filepath.Join(r.dir, m.CatalogFile)
	cat, err := catalog.Load(r.fs, catalogPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.Corrupt(catalogPath, "referenced by %s but missing", ManifestName)
	}
	if err != nil {
		return nil, err
	}
	rows, err := NewRowIndex(m.RowIDs)
	if err != nil {
		return nil, err
	}

	if features.Rows() != m.Count {
		return nil, errs.Inconsistent("%s holds %d rows, manifest records %d", featuresPath, features.Rows(), m.Count)
	}
	if m.Count > 0 && features.Dimension() != m.Dimension {
		return nil, errs.Inconsistent("%s has dimension %d, manifest records %d", featuresPath, features.Dimension(), m.Dimension)
	}
	snap := &Snapshot{Generation: m.Generation, Features: features, Catalog: cat, Rows: rows}
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Commit appends entries as one all-or-nothing transaction and returns the new
// snapshot. On error neither the published snapshot nor the files referenced
// by MANIFEST change.
func (r *Repository) Commit(entries []Entry) (*Snapshot, error) {
	if len(entries) == 0 {
		return r.Snapshot(), nil
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.Snapshot()
	features := cur.Features.Clone()
	cat := cur.Catalog.Clone()
	rows := cur.Rows.clone()
	for _, e := range entries {
		if cat.Has(e.ID) {
			return nil, errs.Duplicate(e.ID)
		}
		if _, err := features.Append(e.Vector); err != nil {
			return nil, fmt.Errorf("artwork %q: %w", e.ID, err)
		}
		if err := cat.Put(e.ID, e.Record); err != nil {
			return nil, fmt.Errorf("artwork %q: %w", e.ID, err)
		}
		if err := rows.add(e.ID); err != nil {
			return nil, err
		}
	}

	next := &Snapshot{Generation: cur.Generation + 1, Features: features, Catalog: cat, Rows: rows}
	if err := next.Verify(); err != nil {
		return nil, err
	}
	if err := r.persist(next); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.snap = next
	r.removeStaleLocked(next.Generation)
	r.mu.Unlock()

	r.logger.Debug("generation committed",
		zap.Uint64("generation", next.Generation),
		zap.Int("added", len(entries)),
		zap.Int("artworks", next.Len()))
	return next, nil
}

func (r *Repository) persist(next *Snapshot) (err error) {
	featuresName := featuresFileName(next.Generation)
	catalogName := catalogFileName(next.Generation)
	featuresPath := filepath.Join(r.dir, featuresName)
	catalogPath := filepath.Join(r.dir, catalogName)

	defer func() {
		if err != nil {
			_ = r.fs.Remove(featuresPath)
			_ = r.fs.Remove(catalogPath)
			err = errs.Wrap(err, errs.CodeStoreWriteFailure, "commit generation", "generation", next.Generation)
		}
	}()

	if err := next.Features.Save(r.fs, featuresPath); err != nil {
		return fmt.Errorf("write features: %w", err)
	}
	if err := next.Catalog.Save(r.fs, catalogPath); err != nil {
		return fmt.Errorf("write catalog: %w", err)
	}

	m := &Manifest{
		FormatVersion: manifestFormatVersion,
		Generation:    next.Generation,
		Dimension:     next.Dimension(),
		Count:         next.Len(),
		FeaturesFile:  featuresName,
		CatalogFile:   catalogName,
		RowIDs:        next.Rows.IDs(),
	}
	manifestPath := filepath.Join(r.dir, ManifestName)
	tmp, err := fsutil.WriteTemp(r.fs, manifestPath, m.encode)
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := r.fs.Rename(tmp, manifestPath); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("publish manifest: %w", err)
	}
	// Published. A failed directory sync only weakens durability of this generation.
	if err := fsutil.SyncDir(r.fs, r.dir); err != nil {
		r.logger.Warn("sync data dir after commit", zap.String("dir", r.dir), zap.Error(err))
	}
	return nil
}

func (r *Repository) removeStale(current uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeStaleLocked(current)
}

// removeStaleLocked deletes temporary files and generation files other than current.
func (r *Repository) removeStaleLocked(current uint64) {
	entries, err := r.fs.ReadDir(r.dir)
	if err != nil {
		r.logger.Warn("list data dir", zap.String("dir", r.dir), zap.Error(err))
		return
	}
	keep := map[string]bool{}
	if current > 0 {
		keep[featuresFileName(current)] = true
		keep[catalogFileName(current)] = true
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] {
			continue
		}
		if !strings.HasSuffix(name, fsutil.TempSuffix) && !generationFile.MatchString(name) {
			continue
		}
		if err := r.fs.Remove(filepath.Join(r.dir, name)); err != nil {
			r.logger.Warn("remove stale file", zap.String("file", name), zap.Error(err))
			continue
		}
		r.logger.Debug("removed stale file", zap.String("file", name))
	}
}

// Files returns the paths of MANIFEST and the files it references.
func (r *Repository) Files() []string {
	snap := r.Snapshot()
	if snap.Generation == 0 {
		return nil
	}
	return []string{
		filepath.Join(r.dir, ManifestName),
		filepath.Join(r.dir, featuresFileName(snap.Generation)),
		filepath.Join(r.dir, catalogFileName(snap.Generation)),
	}
}

// WithFiles calls fn with the current generation's files while holding off
// commits from removing them.
func (r *Repository) WithFiles(fn func(snap *Snapshot, files []string) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return fn(r.Snapshot(), r.Files())
}
