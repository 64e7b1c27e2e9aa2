// Package watcher ingests image files dropped into inbox directories. Files are
// debounced with fsnotify, then handed to the ingester in batches so each batch
// is one repository commit.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
)

const (
	defaultDebounce      = 400 * time.Millisecond
	defaultFlushInterval = time.Second
	defaultBatchSize     = 32
	sidecarExt           = ".json"
)

// Ingester turns image files into artworks. *indexer.Indexer implements it.
type Ingester interface {
	PrepareFile(ctx context.Context, path string, allowedExts []string) (*models.ArtworkInput, string, error)
	AddArtworks(ctx context.Context, inputs []*models.ArtworkInput) ([]string, error)
}

// Watcher watches inbox directories and ingests new image files.
type Watcher struct {
	ingester      Ingester
	roots         []string
	extensions    []string
	recursive     bool
	debounce      time.Duration
	flushInterval time.Duration
	batchSize     int
	onBatch       func(ids []string)
	logger        *zap.Logger

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	debounceMap map[string]*time.Timer
	rootPaths   map[string][]string // root -> watched directories under it
	pending     []string
	queued      map[string]struct{}
	ctx         context.Context
	flushCh     chan struct{}
	flushMu     sync.Mutex
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must be quiet before it is queued.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFlushInterval sets how often a partial batch is ingested.
func WithFlushInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithBatchSize sets the number of files committed together.
func WithBatchSize(n int) WatcherOption {
	return func(w *Watcher) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithOnBatch registers a callback receiving the ids added by each flush.
func WithOnBatch(fn func(ids []string)) WatcherOption {
	return func(w *Watcher) { w.onBatch = fn }
}

// NewWatcher creates a watcher feeding ingester. roots are the initial inbox
// directories; extensions filter image files (empty = all except sidecars).
func NewWatcher(ingester Ingester, roots []string, extensions []string, recursive bool, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		ingester:      ingester,
		roots:         append([]string(nil), roots...),
		extensions:    extensions,
		recursive:     recursive,
		debounce:      defaultDebounce,
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		logger:        zap.NewNop(),
		debounceMap:   make(map[string]*time.Timer),
		rootPaths:     make(map[string][]string),
		queued:        make(map[string]struct{}),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	w.started = true
	w.logger.Info("Watching inbox",
		zap.Strings("roots", w.roots),
		zap.Strings("extensions", w.extensions),
		zap.Bool("recursive", w.recursive))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()
	go w.run(ctx, fw)
	go w.batcher()
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) batcher() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.Flush()
		case <-w.flushCh:
			w.Flush()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !w.underRoot(path) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			w.handleNewDirectory(path)
			return
		}
		w.handleFile(path)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// Ingested artworks are immutable; a removed inbox file only cancels pending work.
		w.cancelDebounce(path)
	}
}

// handleFile debounces an image. A sidecar change re-debounces its image so the
// record is read together with the pixels.
func (w *Watcher) handleFile(path string) {
	if strings.EqualFold(filepath.Ext(path), sidecarExt) {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		for _, img := range w.imagesFor(base) {
			w.debounceQueue(img)
		}
		return
	}
	if w.matchExtension(path) {
		w.debounceQueue(path)
	}
}

func (w *Watcher) imagesFor(base string) []string {
	matches, err := filepath.Glob(globEscape(base) + ".*")
	if err != nil {
		return nil
	}
	var out []string
	for _, m := range matches {
		if strings.EqualFold(filepath.Ext(m), sidecarExt) || !w.matchExtension(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}

// handleNewDirectory watches a directory created or moved into an inbox and
// queues the images already inside it.
func (w *Watcher) handleNewDirectory(dirPath string) {
	w.mu.Lock()
	recursive := w.recursive
	fw := w.watcher
	w.mu.Unlock()
	if fw == nil {
		return
	}

	if recursive {
		_ = filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if err := fw.Add(path); err != nil {
					w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
				}
			}
			return nil
		})
	} else if err := fw.Add(dirPath); err != nil {
		w.logger.Debug("watcher failed to add directory", zap.String("path", dirPath), zap.Error(err))
	}
	w.syncDirectory(dirPath)
}

func (w *Watcher) underRoot(path string) bool {
	w.mu.Lock()
	roots := append([]string(nil), w.roots...)
	w.mu.Unlock()
	clean := filepath.Clean(path)
	for _, root := range roots {
		rootClean := filepath.Clean(root)
		if rootClean == clean || inDir(rootClean, clean) {
			return true
		}
	}
	return false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) matchExtension(path string) bool {
	return matchExtension(path, w.extensions)
}

func matchExtension(path string, extensions []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == strings.TrimPrefix(sidecarExt, ".") {
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceQueue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	w.debounceMap[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		w.mu.Unlock()
		w.enqueue(path)
	})
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if _, ok := w.queued[path]; ok {
		w.mu.Unlock()
		return
	}
	w.queued[path] = struct{}{}
	w.pending = append(w.pending, path)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()
	w.logger.Debug("watcher queued file", zap.String("path", path))
	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of files waiting for the next flush.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush ingests the queued files in batches and returns the ids added. Files
// that cannot be read or embedded are logged and dropped. When a batch commit
// fails its files are retried one at a time so one bad file does not hold back
// the others.
func (w *Watcher) Flush() []string {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	paths := w.pending
	w.pending = nil
	clear(w.queued)
	ctx := w.ctx
	w.mu.Unlock()
	if len(paths) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)

	var added []string
	for start := 0; start < len(paths); start += w.batchSize {
		end := min(start+w.batchSize, len(paths))
		added = append(added, w.ingestBatch(ctx, paths[start:end])...)
	}
	if len(added) > 0 {
		w.logger.Info("Ingested inbox files", zap.Int("artworks", len(added)), zap.Int("files", len(paths)))
		if w.onBatch != nil {
			w.onBatch(added)
		}
	}
	return added
}

func (w *Watcher) ingestBatch(ctx context.Context, paths []string) []string {
	inputs := make([]*models.ArtworkInput, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		input, id, err := w.ingester.PrepareFile(ctx, path, w.extensions)
		if err != nil {
			w.logger.Warn("Skipping inbox file", zap.String("path", path), zap.Error(err))
			continue
		}
		if input == nil {
			w.logger.Debug("watcher skipping known artwork", zap.String("path", path), zap.String("id", id))
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		inputs = append(inputs, input)
	}
	if len(inputs) == 0 {
		return nil
	}
	ids, err := w.ingester.AddArtworks(ctx, inputs)
	if err == nil {
		return ids
	}
	if len(inputs) == 1 {
		w.logInsertError(inputs[0], err)
		return nil
	}
	w.logger.Warn("Batch commit failed, retrying files individually", zap.Int("files", len(inputs)), zap.Error(err))
	var added []string
	for _, input := range inputs {
		ids, err := w.ingester.AddArtworks(ctx, []*models.ArtworkInput{input})
		if err != nil {
			w.logInsertError(input, err)
			continue
		}
		added = append(added, ids...)
	}
	return added
}

func (w *Watcher) logInsertError(input *models.ArtworkInput, err error) {
	level := w.logger.Warn
	if errors.Is(err, errs.ErrDuplicateIdentifier) {
		level = w.logger.Debug
	}
	level("Failed to ingest inbox file", zap.String("id", input.Record.ID), zap.Error(err))
}

// AddDirectory adds an inbox root and optionally queues the files already in it.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	for _, r := range w.roots {
		if filepath.Clean(r) == filepath.Clean(abs) {
			w.mu.Unlock()
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		w.mu.Unlock()
		return err
	}
	w.roots = append(w.roots, abs)
	w.mu.Unlock()
	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		w.syncDirectory(abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	root = filepath.Clean(root)
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	}
	var paths []string
	if w.recursive {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				return nil
			}
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		if err := w.watcher.Add(root); err != nil {
			return err
		}
		paths = append(paths, root)
	}
	w.rootPaths[root] = paths
	return nil
}

// syncDirectory queues the matching images under root.
func (w *Watcher) syncDirectory(root string) {
	w.mu.Lock()
	recursive := w.recursive
	w.mu.Unlock()
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if w.matchExtension(path) {
			w.enqueue(path)
		}
		return nil
	})
}

// RemoveDirectory stops watching the given root. Ingested artworks stay.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if filepath.Clean(r) == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.watcher.Remove(p)
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Debug("watcher directory removed", zap.String("path", abs))
	return nil
}

// Directories returns a copy of the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles queues every image already present in the roots. Call it
// after Start to pick up files dropped while the process was down.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root)
	}
}

// Stop stops watching and ingests whatever is still queued.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
	w.Flush()
}
