package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/indexer"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
	"github.com/hyperjump/kanshou/internal/search"
	"github.com/hyperjump/kanshou/internal/storage"
	"github.com/hyperjump/kanshou/internal/vector"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type stubAnalyzer struct {
	reports storage.ReportStore
	got     []byte
}

func (a *stubAnalyzer) Analyze(ctx context.Context, image []byte) (*models.AnalysisReport, error) {
	a.got = image
	r := &models.AnalysisReport{
		ID:        "report-1",
		Title:     models.String("Nighthawks"),
		Similar:   []*models.SimilarResult{},
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if a.reports != nil {
		if err := a.reports.SaveReport(ctx, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

type fixture struct {
	repo    *repository.Repository
	reports *storage.SQLiteStorage
	srv     *Server
	handler http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	repo, err := repository.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	text, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = text.Close() })
	reports, err := storage.NewSQLiteStorage(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reports.Close() })

	index := search.NewIndex(repo, vector.Options{Type: "memory"})
	t.Cleanup(func() { _ = index.Close() })
	engine := search.NewEngine(repo, index, &config.SearchConfig{DefaultK: 10, MaxK: 100}, search.WithTextIndex(text))
	idx := indexer.NewIndexer(repo, index, indexer.WithTextIndex(text))
	cfg := &config.Config{
		Storage: config.StorageConfig{DataDir: filepath.Join(dir, "data"), DatabasePath: filepath.Join(dir, "history.db")},
		Vector:  config.VectorConfig{IndexType: "memory"},
	}
	opts = append([]Option{WithReports(reports), WithTextIndex(text)}, opts...)
	srv := NewServer(repo, engine, idx, cfg, zap.NewNop(), opts...)
	return &fixture{repo: repo, reports: reports, srv: srv, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	inputs := []*models.ArtworkInput{
		{Record: models.ArtworkRecord{ID: "A", Title: models.String("Water Lilies"), Artist: models.String("Claude Monet")}, Vector: []float32{1, 0}},
		{Record: models.ArtworkRecord{ID: "B", Title: models.String("Nighthawks"), Artist: models.String("Edward Hopper")}, Vector: []float32{0, 1}},
		{Record: models.ArtworkRecord{ID: "C", Title: models.String("Haystacks"), Artist: models.String("Claude Monet")}, Vector: []float32{0.9, 0.1}},
	}
	w := f.do(t, http.MethodPost, "/api/v1/artworks/batch", map[string]interface{}{"artworks": inputs})
	if w.Code != http.StatusCreated {
		t.Fatalf("batch: status %d body %s", w.Code, w.Body.String())
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var out errorBody
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return out
}

func TestHandleAddAndGetArtwork(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/artworks", models.ArtworkInput{
		Record: models.ArtworkRecord{Title: models.String(" The Scream ")},
		Vector: []float32{0.6, 0.8},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" {
		t.Fatal("expected an assigned id")
	}

	w = f.do(t, http.MethodGet, "/api/v1/artworks/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	var rec models.ArtworkRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatal(err)
	}
	if models.Field(rec.Title) != "The Scream" || rec.CreatedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}

func TestHandleArtworkErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errs.Code
	}{
		{"dimension mismatch", http.MethodPost, "/api/v1/artworks",
			models.ArtworkInput{Record: models.ArtworkRecord{ID: "D"}, Vector: []float32{1, 0, 0}},
			http.StatusBadRequest, errs.CodeFeatureDimensionMismatch},
		{"duplicate", http.MethodPost, "/api/v1/artworks",
			models.ArtworkInput{Record: models.ArtworkRecord{ID: "A"}, Vector: []float32{1, 0}},
			http.StatusConflict, errs.CodeCatalogDuplicate},
		{"zero vector", http.MethodPost, "/api/v1/artworks",
			models.ArtworkInput{Record: models.ArtworkRecord{ID: "Z"}, Vector: []float32{0, 0}},
			http.StatusBadRequest, errs.CodeFeatureInvalid},
		{"missing artwork", http.MethodGet, "/api/v1/artworks/nope", nil,
			http.StatusNotFound, errs.CodeCatalogNotFound},
		{"query dimension", http.MethodPost, "/api/v1/similar",
			models.SimilarQuery{Vector: []float32{1}},
			http.StatusBadRequest, errs.CodeQueryDimensionMismatch},
		{"bad k", http.MethodGet, "/api/v1/artworks/A/similar?k=abc", nil,
			http.StatusBadRequest, errs.CodeQueryInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status: got %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
			if got := decodeError(t, w); got.Code != string(tt.code) {
				t.Errorf("code: got %q, want %q", got.Code, tt.code)
			}
		})
	}

	if f.repo.Snapshot().Len() != 3 {
		t.Errorf("failed requests changed the store: %d artworks", f.repo.Snapshot().Len())
	}
}

func TestHandleInvalidBody(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/artworks", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleOversizedBody(t *testing.T) {
	f := newFixture(t)
	body := `{"title":"` + strings.Repeat("a", maxJSONBytes) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/api/v1/artworks/batch", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := decodeError(t, w); !strings.Contains(got.Error, "larger than") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestHandleSimilar(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/similar", models.SimilarQuery{Vector: []float32{1, 0}, K: 2})
	if w.Code != http.StatusConflict {
		t.Fatalf("empty store: got %d", w.Code)
	}
	if got := decodeError(t, w); got.Code != string(errs.CodeQueryEmptyStore) {
		t.Errorf("code = %q", got.Code)
	}

	f.seed(t)
	w = f.do(t, http.MethodPost, "/api/v1/similar", models.SimilarQuery{Vector: []float32{1, 0}, K: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var resp models.SimilarResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Record.ID != "A" || resp.Results[1].Record.ID != "C" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Score < 0.999999 || resp.Results[1].Rank != 2 {
		t.Errorf("scores/ranks = %+v", resp.Results)
	}

	w = f.do(t, http.MethodGet, "/api/v1/artworks/A/similar?k=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("similar to: got %d", w.Code)
	}
	resp = models.SimilarResponse{}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 || resp.Results[0].Record.ID != "C" {
		t.Errorf("similar to A = %+v", resp.Results)
	}
}

func TestHandleListArtworks(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	w := f.do(t, http.MethodGet, "/api/v1/artworks?offset=1&limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Artworks []models.ArtworkRecord `json:"artworks"`
		Total    int                    `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 3 || len(out.Artworks) != 1 || out.Artworks[0].ID != "B" {
		t.Errorf("list = %+v", out)
	}
}

func TestHandleSearchText(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	w := f.do(t, http.MethodGet, "/api/v1/artworks/search?q=monet", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var resp models.TextResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("results = %d, want 2", len(resp.Results))
	}

	w = f.do(t, http.MethodGet, "/api/v1/artworks/search?q=", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d", w.Code)
	}
}

func TestHandleSearchText_NotEnabled(t *testing.T) {
	repo, err := repository.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	index := search.NewIndex(repo, vector.Options{})
	defer index.Close()
	engine := search.NewEngine(repo, index, nil)
	srv := NewServer(repo, engine, indexer.NewIndexer(repo, index), nil, nil)
	r := httptest.NewRequest(http.MethodGet, "/api/v1/artworks/search?q=x", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleAnalyze(t *testing.T) {
	f := newFixture(t)
	analyzer := &stubAnalyzer{reports: f.reports}
	f.srv.analyzer = analyzer
	f.handler = f.srv.Handler()

	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", bytes.NewReader([]byte("raw image")))
	r.Header.Set("Content-Type", "image/jpeg")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("raw: status %d body %s", w.Code, w.Body.String())
	}
	if string(analyzer.got) != "raw image" {
		t.Errorf("analyzer got %q", analyzer.got)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "starry.jpg")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = part.Write([]byte("multipart image"))
	_ = mw.Close()
	r = httptest.NewRequest(http.MethodPost, "/api/v1/analyze", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("multipart: status %d body %s", w.Code, w.Body.String())
	}
	if string(analyzer.got) != "multipart image" {
		t.Errorf("analyzer got %q", analyzer.got)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty body: got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/v1/analyses", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list analyses: %d", w.Code)
	}
	var list struct {
		Analyses []models.AnalysisReport `json:"analyses"`
		Total    int64                   `json:"total"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 || len(list.Analyses) != 1 {
		t.Errorf("analyses = %+v", list)
	}

	w = f.do(t, http.MethodGet, "/api/v1/analyses/report-1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get analysis: %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/analyses/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing analysis: %d", w.Code)
	}
}

func TestHandleAnalyze_NotEnabled(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader("x"))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	if w := f.do(t, http.MethodPost, "/api/v1/similar", models.SimilarQuery{Vector: []float32{1, 0}}); w.Code != http.StatusOK {
		t.Fatalf("similar: %d", w.Code)
	}

	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var st Status
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Artworks != 3 || st.Dimension != 2 || st.Generation != 1 {
		t.Errorf("store = %+v", st)
	}
	if st.Index.Size != 3 || st.Index.Dirty || st.Index.Type != "memory" {
		t.Errorf("index = %+v", st.Index)
	}
	if st.TextDocuments == nil || *st.TextDocuments != 3 {
		t.Errorf("text documents = %v", st.TextDocuments)
	}
	if st.Reports == nil || *st.Reports != 0 {
		t.Errorf("reports = %v", st.Reports)
	}
	if st.DiskUsageBytes == nil || *st.DiskUsageBytes < 1 {
		t.Errorf("disk usage = %v", st.DiskUsageBytes)
	}
}

func TestHandleHealthAndCORS(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/similar", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHandleWatchDirectories(t *testing.T) {
	dir := t.TempDir()
	mock := &mockWatchService{dirs: []string{"/tmp/inbox"}}
	f := newFixture(t, WithWatch(mock, ""))

	w := f.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/inbox" {
		t.Errorf("directories: got %v", out.Directories)
	}

	w = f.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": dir})
	if w.Code != http.StatusCreated {
		t.Errorf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.Directories()) != 2 {
		t.Errorf("expected 2 directories, got %v", mock.Directories())
	}

	w = f.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": dir + "/nonexistent"})
	if w.Code != http.StatusNotFound {
		t.Errorf("add missing: got %d", w.Code)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil)
	if w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.Directories()) != 1 {
		t.Errorf("expected 1 directory, got %v", mock.Directories())
	}
}

func TestHandleWatchDirectories_NotEnabled(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestHandleWatchDirectories_PersistsConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	mock := &mockWatchService{}
	f := newFixture(t, WithWatch(mock, cfgPath))

	w := f.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": dir, "sync": false})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: %d", w.Code)
	}
	saved, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(saved.Watch.Directories) != 1 || saved.Watch.Directories[0] != dir {
		t.Errorf("saved directories = %v", saved.Watch.Directories)
	}
}
