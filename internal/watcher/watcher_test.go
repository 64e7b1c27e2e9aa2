package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/indexer"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
)

type fakeIngester struct {
	mu      sync.Mutex
	batches [][]string
	failIDs map[string]bool
}

func (f *fakeIngester) PrepareFile(ctx context.Context, path string, exts []string) (*models.ArtworkInput, string, error) {
	id := filepath.Base(path)
	if strings.HasPrefix(id, "unreadable") {
		return nil, "", errors.New("cannot decode")
	}
	return &models.ArtworkInput{Record: models.ArtworkRecord{ID: id}, Vector: []float32{1}}, id, nil
}

func (f *fakeIngester) AddArtworks(ctx context.Context, inputs []*models.ArtworkInput) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if f.failIDs[in.Record.ID] {
			return nil, errors.New("rejected " + in.Record.ID)
		}
		ids = append(ids, in.Record.ID)
	}
	f.batches = append(f.batches, ids)
	return ids, nil
}

func TestWatcher_AddRemoveDirectories(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(&fakeIngester{}, nil, []string{".jpg"}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	dirs := w.Directories()
	if len(dirs) != 1 || filepath.Clean(dirs[0]) != filepath.Clean(dir) {
		t.Errorf("Directories() = %v", dirs)
	}
	if err := w.AddDirectory(dir, false); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 1 {
		t.Errorf("duplicate root added: %v", w.Directories())
	}

	if err := w.RemoveDirectory(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Directories()) != 0 {
		t.Errorf("after remove: %v", w.Directories())
	}
}

func TestWatcher_FlushBatches(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg", "d.png", "e.jpg", "notes.txt", "a.json"} {
		if err := writeFile(filepath.Join(dir, name), name); err != nil {
			t.Fatal(err)
		}
	}
	ing := &fakeIngester{}
	w := NewWatcher(ing, []string{dir}, []string{".jpg", ".png"}, false, WithBatchSize(2))
	w.SyncExistingFiles()
	if w.Pending() != 5 {
		t.Fatalf("Pending() = %d, want 5", w.Pending())
	}

	ids := w.Flush()
	sort.Strings(ids)
	want := []string{"a.jpg", "b.jpg", "c.jpg", "d.png", "e.jpg"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("ids = %v", ids)
	}
	if len(ing.batches) != 3 {
		t.Errorf("batches = %v, want 3 commits", ing.batches)
	}
	if w.Pending() != 0 {
		t.Errorf("Pending() after flush = %d", w.Pending())
	}
	if again := w.Flush(); len(again) != 0 {
		t.Errorf("second flush added %v", again)
	}
}

func TestWatcher_FlushIsolatesBadFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"good1.jpg", "bad.jpg", "good2.jpg", "unreadable.jpg"} {
		if err := writeFile(filepath.Join(dir, name), name); err != nil {
			t.Fatal(err)
		}
	}
	ing := &fakeIngester{failIDs: map[string]bool{"bad.jpg": true}}
	w := NewWatcher(ing, []string{dir}, []string{".jpg"}, false)
	w.SyncExistingFiles()

	ids := w.Flush()
	sort.Strings(ids)
	if strings.Join(ids, ",") != "good1.jpg,good2.jpg" {
		t.Errorf("ids = %v", ids)
	}
}

func TestWatcher_SyncRespectsRecursive(t *testing.T) {
	dir := t.TempDir()
	if err := mkdirAll(filepath.Join(dir, "sub")); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "top.jpg"), "x"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "sub", "deep.jpg"), "y"); err != nil {
		t.Fatal(err)
	}

	flat := NewWatcher(&fakeIngester{}, []string{dir}, []string{".jpg"}, false)
	flat.SyncExistingFiles()
	if flat.Pending() != 1 {
		t.Errorf("non-recursive pending = %d, want 1", flat.Pending())
	}
	deep := NewWatcher(&fakeIngester{}, []string{dir}, []string{".jpg"}, true)
	deep.SyncExistingFiles()
	if deep.Pending() != 2 {
		t.Errorf("recursive pending = %d, want 2", deep.Pending())
	}
}

func TestWatcher_IngestsDroppedImageWithSidecar(t *testing.T) {
	dir := t.TempDir()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	ing := indexer.NewIndexer(repo, nil, indexer.WithExtractor(embedding.NewMockExtractor(8)))

	var mu sync.Mutex
	var added []string
	w := NewWatcher(ing, []string{dir}, []string{".jpg"}, true,
		WithDebounce(20*time.Millisecond),
		WithFlushInterval(50*time.Millisecond),
		WithOnBatch(func(ids []string) {
			mu.Lock()
			added = append(added, ids...)
			mu.Unlock()
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	inbox := filepath.Join(dir, "new-folder")
	if err := mkdirAll(inbox); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(inbox, "starry.json"), `{"id":"starry","title":"The Starry Night"}`); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(inbox, "starry.jpg"), "pixels"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if repo.Snapshot().Len() == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, err := repo.Snapshot().Get("starry")
	if err != nil {
		t.Fatalf("artwork not ingested: %v", err)
	}
	if models.Field(rec.Title) != "The Starry Night" {
		t.Errorf("title = %q", models.Field(rec.Title))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(added) != 1 || added[0] != "starry" {
		t.Errorf("onBatch ids = %v", added)
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")
	w := NewWatcher(&fakeIngester{}, []string{root}, []string{".jpg"}, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.jpg", []string{".jpg"}, true},
		{"/a/b.JPG", []string{"jpg"}, true},
		{"/a/b.png", []string{".jpg"}, false},
		{"/a/b", nil, true},
		{"/a/b.json", nil, false},
		{"/a/b.json", []string{".json"}, false},
	}
	for _, tt := range tests {
		got := matchExtension(tt.path, tt.extensions)
		if got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.jpg", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		got := inDir(tt.dir, tt.path)
		if got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func mkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
