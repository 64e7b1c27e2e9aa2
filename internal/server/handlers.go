package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/errs"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/search"
)

type batchRequest struct {
	Artworks []*models.ArtworkInput `json:"artworks"`
}

func (s *Server) handleAddArtwork(w http.ResponseWriter, r *http.Request) {
	var input models.ArtworkInput
	if !s.decode(w, r, &input) {
		return
	}
	s.logger.Debug("add artwork request", zap.String("id", input.Record.ID), zap.Int("dimension", len(input.Vector)))
	id, err := s.indexer.AddArtwork(r.Context(), &input)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id, "status": "ingested"})
}

func (s *Server) handleAddArtworks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Artworks) == 0 {
		s.respondErr(w, errs.Invalid(errs.CodeRecordInvalid, "artworks is required"))
		return
	}
	s.logger.Debug("add artworks request", zap.Int("artworks", len(req.Artworks)))
	ids, err := s.indexer.AddArtworks(r.Context(), req.Artworks)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"ids": ids, "count": len(ids)})
}

func (s *Server) handleListArtworks(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pagination(r, 50, 1000)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	snap := s.repo.Snapshot()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"artworks": snap.List(offset, limit),
		"total":    snap.Len(),
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleGetArtwork(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.repo.Snapshot().Get(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSearchText(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := pagination(r, 10, 100)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	q := &models.TextQuery{
		Query:  r.URL.Query().Get("q"),
		Limit:  limit,
		Offset: offset,
		Fuzzy:  r.URL.Query().Get("fuzzy") == "true",
	}
	s.logger.Debug("text search request", zap.String("query", q.Query), zap.Int("limit", q.Limit))
	resp, err := s.engine.SearchText(r.Context(), q)
	if errors.Is(err, search.ErrTextSearchDisabled) {
		s.respondError(w, http.StatusNotImplemented, "", err.Error())
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimilarTo(w http.ResponseWriter, r *http.Request) {
	k, err := intParam(r, "k", 0)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	q := &models.SimilarQuery{ArtworkID: chi.URLParam(r, "id"), K: k}
	resp, err := s.engine.Similar(r.Context(), q)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	var q models.SimilarQuery
	if !s.decode(w, r, &q) {
		return
	}
	s.logger.Debug("similar request", zap.Int("k", q.K), zap.String("artwork_id", q.ArtworkID), zap.Int("dimension", len(q.Vector)))
	resp, err := s.engine.Similar(r.Context(), &q)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		s.respondError(w, http.StatusNotImplemented, "", "analysis not enabled")
		return
	}
	image, err := readImage(r)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("analyze request", zap.Int("bytes", len(image)))
	report, err := s.analyzer.Analyze(r.Context(), image)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// readImage returns the uploaded image from a multipart "image" field or the raw body.
func readImage(r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, maxImageBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = body
		if err := r.ParseMultipartForm(maxImageBytes); err != nil {
			return nil, errs.Invalid(errs.CodeQueryInvalid, "invalid multipart body: %v", err)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, errs.Invalid(errs.CodeQueryInvalid, "multipart field %q is required", "image")
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errs.Invalid(errs.CodeQueryInvalid, "image larger than %d bytes", maxImageBytes)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, errs.Invalid(errs.CodeQueryInvalid, "image body is empty")
	}
	return data, nil
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.respondError(w, http.StatusNotImplemented, "", "report history not enabled")
		return
	}
	offset, limit, err := pagination(r, 20, 100)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	list, err := s.reports.ListReports(r.Context(), offset, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	total, err := s.reports.CountReports(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"analyses": list,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.respondError(w, http.StatusNotImplemented, "", "report history not enabled")
		return
	}
	report, err := s.reports.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := CollectStatus(r.Context(), s.repo, s.engine, s.textIndex, s.reports, s.config)
	if s.watch != nil {
		st.Watch = s.watch.Directories()
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "", "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "", "watch not enabled")
		return
	}
	var req watchAddRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "", "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "", "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "", "directory not found")
			return
		}
		s.respondErr(w, err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "", "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.respondErr(w, err)
		return
	}
	s.persistWatchConfig()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "", "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "", "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "", "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.respondErr(w, err)
		return
	}
	s.persistWatchConfig()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchConfig() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondErr(w, errs.Invalid(errs.CodeRecordInvalid, "request body larger than %d bytes", maxJSONBytes))
			return false
		}
		s.respondErr(w, errs.Invalid(errs.CodeRecordInvalid, "invalid request body: %v", err))
		return false
	}
	return true
}

func pagination(r *http.Request, defaultLimit, maxLimit int) (offset, limit int, err error) {
	if offset, err = intParam(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit, err = intParam(r, "limit", defaultLimit); err != nil {
		return 0, 0, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Invalid(errs.CodeQueryInvalid, "%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondErr maps err to its status and machine-readable code.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, string(errs.CodeOf(err)), err.Error())
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	s.respondJSON(w, status, body)
}
