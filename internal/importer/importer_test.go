package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/fileid"
	"github.com/hyperjump/kanshou/internal/indexer"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
)

func newIndexer(t *testing.T) (*indexer.Indexer, *repository.Repository) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatal(err)
	}
	return indexer.NewIndexer(repo, nil, indexer.WithExtractor(embedding.NewMockExtractor(8))), repo
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

func TestImportFile_CSVVectors(t *testing.T) {
	ing, repo := newIndexer(t)
	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.csv")
	writeFile(t, manifest, strings.Join([]string{
		"ID,Title,Artist,Year,vector,ext:met",
		`A,Alpha,Anon,1890,"[1, 0]",100`,
		"B,Beta,,,0 1,",
		"C,Gamma,,not-a-year,0.9 0.1,",
		",,,,,",
		"A,Duplicate,,,1 0,",
		"D,Wrong dims,,,1 0 0,",
		"E,No vector,,,,",
	}, "\n"))

	im := New(ing, WithBatchSize(2))
	res, err := im.ImportFile(context.Background(), manifest)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	if res.Rows != 6 {
		t.Errorf("Rows = %d, want 6", res.Rows)
	}
	if strings.Join(res.Added, ",") != "A,B" {
		t.Errorf("Added = %v", res.Added)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d", res.Skipped)
	}
	rows := map[int]bool{}
	for _, e := range res.Errors {
		rows[e.Row] = true
	}
	if len(res.Errors) != 3 || !rows[4] || !rows[7] || !rows[8] {
		t.Errorf("Errors = %v", res.Errors)
	}

	snap := repo.Snapshot()
	if snap.Len() != 2 {
		t.Fatalf("stored %d artworks", snap.Len())
	}
	a, err := snap.Get("A")
	if err != nil {
		t.Fatal(err)
	}
	if models.Field(a.Title) != "Alpha" || a.Year == nil || *a.Year != 1890 || a.ExternalIDs["met"] != "100" {
		t.Errorf("A = %+v", a)
	}
	b, _ := snap.Get("B")
	if b.Artist != nil || b.Year != nil {
		t.Errorf("B should have no artist or year: %+v", b)
	}

	again, err := im.ImportFile(context.Background(), manifest)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Added) != 0 || again.Skipped != 3 {
		t.Errorf("re-import added=%v skipped=%d", again.Added, again.Skipped)
	}
}

func TestImportFile_XLSXImages(t *testing.T) {
	ing, repo := newIndexer(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "img", "starry.jpg"), "starry pixels")
	writeFile(t, filepath.Join(dir, "img", "starry.json"), `{"title":"Sidecar title","style":"Oil"}`)
	writeFile(t, filepath.Join(dir, "img", "lilies.png"), "lily pixels")

	manifest := filepath.Join(dir, "manifest.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{
		{"id", "title", "artist", "year", "image"},
		{"", "The Starry Night", "Vincent van Gogh", 1889, "img/starry.jpg"},
		{"lilies", "", "Claude Monet", "", "img/lilies.png"},
		{"missing", "", "", "", "img/missing.jpg"},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.SaveAs(manifest); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	res, err := New(ing, WithExtensions([]string{".jpg", ".png"})).ImportFile(context.Background(), manifest)
	if err != nil {
		t.Fatalf("ImportFile: %v", err)
	}
	starryID := fileid.ImageID([]byte("starry pixels"))
	if len(res.Added) != 2 || res.Added[0] != starryID || res.Added[1] != "lilies" {
		t.Errorf("Added = %v", res.Added)
	}
	if len(res.Errors) != 1 || res.Errors[0].Row != 4 {
		t.Errorf("Errors = %v", res.Errors)
	}

	starry, err := repo.Snapshot().Get(starryID)
	if err != nil {
		t.Fatal(err)
	}
	if models.Field(starry.Title) != "The Starry Night" {
		t.Errorf("row title must override sidecar, got %q", models.Field(starry.Title))
	}
	if models.Field(starry.Style) != "Oil" {
		t.Errorf("sidecar style lost: %q", models.Field(starry.Style))
	}
	if starry.Year == nil || *starry.Year != 1889 {
		t.Errorf("year = %v", starry.Year)
	}
	if starry.ExternalIDs["file"] != "starry.jpg" {
		t.Errorf("external ids = %v", starry.ExternalIDs)
	}
}

func TestImportFile_Unsupported(t *testing.T) {
	ing, _ := newIndexer(t)
	_, err := New(ing).ImportFile(context.Background(), "manifest.txt")
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestImportFile_HeaderWithoutSource(t *testing.T) {
	ing, _ := newIndexer(t)
	manifest := filepath.Join(t.TempDir(), "m.csv")
	writeFile(t, manifest, "id,title\nA,Alpha\n")
	if _, err := New(ing).ImportFile(context.Background(), manifest); !errors.Is(err, errs.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestParseVector(t *testing.T) {
	tests := []struct {
		in      string
		want    []float32
		wantErr bool
	}{
		{"1 2 3", []float32{1, 2, 3}, false},
		{"[0.5, -1]", []float32{0.5, -1}, false},
		{"1;2", []float32{1, 2}, false},
		{"", nil, true},
		{"[]", nil, true},
		{"1 x", nil, true},
	}
	for _, tt := range tests {
		got, err := ParseVector(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVector(%q) error = %v", tt.in, err)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("ParseVector(%q) = %v", tt.in, got)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ParseVector(%q) = %v", tt.in, got)
				break
			}
		}
	}
}
