// Package server provides the HTTP API for kanshou.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/indexer"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/repository"
	"github.com/hyperjump/kanshou/internal/search"
	"github.com/hyperjump/kanshou/internal/storage"
)

// maxImageBytes bounds the body of an analyze request.
const maxImageBytes = 32 << 20

// maxJSONBytes bounds JSON request bodies.
const maxJSONBytes = 8 << 20

// Analyzer produces analysis reports. *analysis.Orchestrator implements it.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) (*models.AnalysisReport, error)
}

// WatchService manages the watched inbox directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the kanshou API.
type Server struct {
	repo      *repository.Repository
	engine    *search.Engine
	indexer   *indexer.Indexer
	analyzer  Analyzer
	reports   storage.ReportStore
	textIndex keyword.TextIndex
	watch     WatchService
	config    *config.Config
	logger    *zap.Logger
	server    *http.Server

	configPath string
	configMu   sync.Mutex
}

// Option configures optional server features.
type Option func(*Server)

// WithAnalyzer enables POST /api/v1/analyze.
func WithAnalyzer(a Analyzer) Option {
	return func(s *Server) { s.analyzer = a }
}

// WithReports enables the analysis history endpoints.
func WithReports(r storage.ReportStore) Option {
	return func(s *Server) { s.reports = r }
}

// WithTextIndex reports the text index size in status.
func WithTextIndex(t keyword.TextIndex) Option {
	return func(s *Server) { s.textIndex = t }
}

// WithWatch enables the watch directory endpoints. When configPath is set,
// directory changes are saved back to the config file.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// NewServer creates a server with the given dependencies. logger may be nil.
func NewServer(
	repo *repository.Repository,
	engine *search.Engine,
	idx *indexer.Indexer,
	cfg *config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	s := &Server{
		repo:    repo,
		engine:  engine,
		indexer: idx,
		config:  cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Post("/artworks", s.handleAddArtwork)
		r.Post("/artworks/batch", s.handleAddArtworks)
		r.Get("/artworks", s.handleListArtworks)
		r.Get("/artworks/search", s.handleSearchText)
		r.Get("/artworks/{id}", s.handleGetArtwork)
		r.Get("/artworks/{id}/similar", s.handleSimilarTo)
		r.Post("/similar", s.handleSimilar)

		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyses", s.handleListAnalyses)
		r.Get("/analyses/{id}", s.handleGetAnalysis)

		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
