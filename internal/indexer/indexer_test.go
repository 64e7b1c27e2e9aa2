package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/fileid"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
)

type dirtyCounter struct{ n atomic.Int32 }

func (d *dirtyCounter) MarkDirty() { d.n.Add(1) }

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".jpg", []string{".jpg", ".png"}, true},
		{".JPG", []string{".jpg"}, true},
		{".png", []string{"jpg", "png"}, true},
		{".json", []string{".jpg"}, false},
		{"", []string{".jpg"}, false},
	}
	for _, tt := range tests {
		got := extensionAllowed(tt.ext, tt.allowed)
		if got != tt.want {
			t.Errorf("extensionAllowed(%q, %v) = %v, want %v", tt.ext, tt.allowed, got, tt.want)
		}
	}
}

func testIndexer(t *testing.T, opts ...IndexerOption) (*Indexer, *repository.Repository, *dirtyCounter) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	dirty := &dirtyCounter{}
	opts = append([]IndexerOption{WithClock(func() time.Time { return fixedTime })}, opts...)
	return NewIndexer(repo, dirty, opts...), repo, dirty
}

func input(id string, vec ...float32) *models.ArtworkInput {
	return &models.ArtworkInput{Record: models.ArtworkRecord{ID: id}, Vector: vec}
}

func TestAddArtwork(t *testing.T) {
	idx, repo, dirty := testIndexer(t)
	ctx := context.Background()

	in := &models.ArtworkInput{
		Record: models.ArtworkRecord{
			ID:     "  starry-night ",
			Title:  models.String("The Starry Night"),
			Artist: models.String("  Vincent van Gogh "),
			Style:  models.String("   "),
			Year:   models.Int(1889),
		},
		Vector: []float32{0.1, 0.2, 0.3},
	}
	id, err := idx.AddArtwork(ctx, in)
	if err != nil {
		t.Fatalf("AddArtwork: %v", err)
	}
	if id != "starry-night" {
		t.Errorf("id = %q", id)
	}
	rec, err := repo.Snapshot().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if models.Field(rec.Artist) != "Vincent van Gogh" || rec.Style != nil || *rec.Year != 1889 {
		t.Errorf("record not normalized: %+v", rec)
	}
	if !rec.CreatedAt.Equal(fixedTime) {
		t.Errorf("CreatedAt = %v", rec.CreatedAt)
	}
	if dirty.n.Load() != 1 {
		t.Errorf("MarkDirty calls = %d, want 1", dirty.n.Load())
	}
	// The caller's input is not modified.
	if in.Record.ID != "  starry-night " {
		t.Errorf("input mutated: %q", in.Record.ID)
	}
}

func TestAddArtwork_AssignsUUID(t *testing.T) {
	idx, repo, _ := testIndexer(t)
	id, err := idx.AddArtwork(context.Background(), input("", 1, 0))
	if err != nil {
		t.Fatalf("AddArtwork: %v", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 4 {
		t.Errorf("id %q is not a UUIDv4: %v", id, err)
	}
	if !repo.Snapshot().Catalog.Has(id) {
		t.Error("assigned id not stored")
	}
}

func TestAddArtworks_Rejections(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		inputs []*models.ArtworkInput
		want   error
	}{
		{"dimension in batch", []*models.ArtworkInput{input("a", 1, 0), input("b", 1, 0, 0)}, errs.ErrDimensionMismatch},
		{"dimension vs store", []*models.ArtworkInput{input("c", 1, 0, 0)}, errs.ErrDimensionMismatch},
		{"duplicate in batch", []*models.ArtworkInput{input("d", 1, 0), input("d", 0, 1)}, errs.ErrDuplicateIdentifier},
		{"duplicate vs store", []*models.ArtworkInput{input("seed", 1, 0)}, errs.ErrDuplicateIdentifier},
		{"zero vector", []*models.ArtworkInput{input("e", 0, 0)}, errs.ErrInvalidInput},
		{"empty vector", []*models.ArtworkInput{input("f")}, errs.ErrInvalidInput},
		{"bad year", []*models.ArtworkInput{{Record: models.ArtworkRecord{ID: "g", Year: models.Int(9999)}, Vector: []float32{1, 1}}}, errs.ErrInvalidInput},
		{"bad url", []*models.ArtworkInput{{Record: models.ArtworkRecord{ID: "h", SourceURL: models.String("ftp://x")}, Vector: []float32{1, 1}}}, errs.ErrInvalidInput},
		{"nil input", []*models.ArtworkInput{nil}, errs.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, repo, dirty := testIndexer(t)
			if _, err := idx.AddArtwork(ctx, input("seed", 0, 1)); err != nil {
				t.Fatalf("seed: %v", err)
			}
			before := repo.Snapshot()
			_, err := idx.AddArtworks(ctx, tt.inputs)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			after := repo.Snapshot()
			if after != before || after.Len() != 1 {
				t.Errorf("store changed: %d artworks, generation %d -> %d", after.Len(), before.Generation, after.Generation)
			}
			if dirty.n.Load() != 1 {
				t.Errorf("MarkDirty calls = %d, want 1", dirty.n.Load())
			}
		})
	}
}

func TestAddArtworks_BatchIsOneCommit(t *testing.T) {
	idx, repo, dirty := testIndexer(t)
	ids, err := idx.AddArtworks(context.Background(), []*models.ArtworkInput{
		input("a", 1, 0), input("", 0, 1), input("c", 1, 1),
	})
	if err != nil {
		t.Fatalf("AddArtworks: %v", err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" || ids[1] == "" {
		t.Errorf("ids = %v", ids)
	}
	snap := repo.Snapshot()
	if snap.Generation != 1 || snap.Len() != 3 {
		t.Errorf("generation %d with %d artworks, want 1 with 3", snap.Generation, snap.Len())
	}
	if dirty.n.Load() != 1 {
		t.Errorf("MarkDirty calls = %d, want 1", dirty.n.Load())
	}
}

func TestAddArtworks_CancelledBeforeCommit(t *testing.T) {
	idx, repo, _ := testIndexer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := idx.AddArtwork(ctx, input("a", 1, 0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if repo.Snapshot().Len() != 0 {
		t.Error("cancelled ingestion was committed")
	}
}

func TestAddArtworks_UpdatesTextIndex(t *testing.T) {
	text, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = text.Close() })
	idx, _, _ := testIndexer(t, WithTextIndex(text))

	in := input("wave", 1, 0)
	in.Record.Title = models.String("The Great Wave")
	if _, err := idx.AddArtwork(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	res, err := text.Search(context.Background(), "wave", 10, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hits) != 1 || res.Hits[0].ID != "wave" {
		t.Errorf("hits = %+v", res.Hits)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexFile_withSidecar(t *testing.T) {
	dir := t.TempDir()
	idx, repo, _ := testIndexer(t, WithExtractor(embedding.NewMockExtractor(8)))
	ctx := context.Background()

	img := filepath.Join(dir, "wave.jpg")
	writeFile(t, img, "fake image bytes")
	writeFile(t, filepath.Join(dir, "wave.json"), `{"id":"hokusai-wave","title":"The Great Wave","artist":"Hokusai","year":1831}`)

	id, err := idx.IndexFile(ctx, img, []string{".jpg"})
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if id != "hokusai-wave" {
		t.Errorf("id = %q", id)
	}
	rec, err := repo.Snapshot().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if models.Field(rec.Artist) != "Hokusai" || rec.ExternalIDs["file"] != "wave.jpg" {
		t.Errorf("record = %+v", rec)
	}

	// Indexing again is a no-op.
	id2, err := idx.IndexFile(ctx, img, []string{".jpg"})
	if err != nil || id2 != id {
		t.Fatalf("re-index = %q, %v", id2, err)
	}
	if repo.Snapshot().Generation != 1 {
		t.Errorf("re-index committed a new generation")
	}
}

func TestIndexFile_contentID(t *testing.T) {
	dir := t.TempDir()
	idx, _, _ := testIndexer(t, WithExtractor(embedding.NewMockExtractor(8)))
	img := filepath.Join(dir, "a.png")
	writeFile(t, img, "pixels")
	id, err := idx.IndexFile(context.Background(), img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id != fileid.ImageID([]byte("pixels")) {
		t.Errorf("id = %q", id)
	}
}

func TestIndexFile_rejections(t *testing.T) {
	dir := t.TempDir()
	idx, _, _ := testIndexer(t, WithExtractor(embedding.NewMockExtractor(8)))
	ctx := context.Background()
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	writeFile(t, filepath.Join(dir, "bad.jpg"), "x")
	writeFile(t, filepath.Join(dir, "bad.json"), "{not json")

	if _, err := idx.IndexFile(ctx, filepath.Join(dir, "notes.txt"), []string{".jpg"}); err == nil {
		t.Error("expected extension error")
	}
	if _, err := idx.IndexFile(ctx, dir, nil); err == nil {
		t.Error("expected error for directory")
	}
	if _, err := idx.IndexFile(ctx, filepath.Join(dir, "missing.jpg"), nil); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := idx.IndexFile(ctx, filepath.Join(dir, "bad.jpg"), nil); !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("bad sidecar: err = %v", err)
	}

	noExtractor, _, _ := testIndexer(t)
	if _, err := noExtractor.IndexFile(ctx, filepath.Join(dir, "bad.jpg"), nil); err == nil {
		t.Error("expected error without extractor")
	}
}

func TestIndexDirectory(t *testing.T) {
	dir := t.TempDir()
	idx, repo, dirty := testIndexer(t, WithExtractor(embedding.NewMockExtractor(8)), WithBatchSize(2))
	writeFile(t, filepath.Join(dir, "a.jpg"), "image a")
	writeFile(t, filepath.Join(dir, "sub", "b.png"), "image b")
	writeFile(t, filepath.Join(dir, "sub", "b.json"), `{"title":"B"}`)
	writeFile(t, filepath.Join(dir, "sub", "c.jpg"), "image c")
	writeFile(t, filepath.Join(dir, "copy-of-a.jpg"), "image a")
	writeFile(t, filepath.Join(dir, "readme.txt"), "ignored")

	n, err := idx.IndexDirectory(context.Background(), dir, []string{".jpg", ".png"})
	if err != nil {
		t.Fatalf("IndexDirectory: %v", err)
	}
	if n != 3 {
		t.Errorf("indexed %d, want 3", n)
	}
	snap := repo.Snapshot()
	if snap.Len() != 3 {
		t.Errorf("stored %d artworks, want 3", snap.Len())
	}
	if dirty.n.Load() != 2 {
		t.Errorf("commits = %d, want 2 batches", dirty.n.Load())
	}

	n, err = idx.IndexDirectory(context.Background(), dir, []string{".jpg", ".png"})
	if err != nil || n != 0 {
		t.Errorf("second walk = %d, %v; want 0, nil", n, err)
	}

	if _, err := idx.IndexDirectory(context.Background(), filepath.Join(dir, "a.jpg"), nil); err == nil {
		t.Error("expected error for non-directory")
	}
}
