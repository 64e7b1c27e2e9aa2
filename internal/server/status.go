package server

import (
	"context"

	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/repository"
	"github.com/hyperjump/kanshou/internal/search"
	"github.com/hyperjump/kanshou/internal/storage"
)

// Status summarises the store, its derived indexes and the report history.
type Status struct {
	Artworks       int               `json:"artworks"`
	Dimension      int               `json:"dimension"`
	Generation     uint64            `json:"generation"`
	Index          search.IndexStats `json:"index"`
	TextDocuments  *uint64           `json:"text_documents,omitempty"`
	Reports        *int64            `json:"reports,omitempty"`
	DiskUsageBytes *int64            `json:"disk_usage_bytes,omitempty"`
	Config         StatusConfig      `json:"config"`
	Watch          []string          `json:"watch_directories,omitempty"`
}

// StatusConfig echoes the settings that shape query results.
type StatusConfig struct {
	IndexType           string `json:"vector_index_type"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	DataDir             string `json:"data_dir,omitempty"`
	DatabasePath        string `json:"database_path,omitempty"`
	BleveIndexPath      string `json:"bleve_index_path,omitempty"`
}

// CollectStatus gathers the status. engine, textIndex and reports may be nil;
// their parts are then omitted. Failures of optional parts are skipped.
func CollectStatus(ctx context.Context, repo *repository.Repository, engine *search.Engine, textIndex keyword.TextIndex, reports storage.ReportStore, cfg *config.Config) Status {
	snap := repo.Snapshot()
	st := Status{
		Artworks:   snap.Len(),
		Dimension:  snap.Dimension(),
		Generation: snap.Generation,
	}
	if engine != nil {
		st.Index = engine.Stats()
	}
	if textIndex != nil {
		if n, err := textIndex.DocCount(); err == nil {
			st.TextDocuments = &n
		}
	}
	if reports != nil {
		if n, err := reports.CountReports(ctx); err == nil {
			st.Reports = &n
		}
	}
	if cfg != nil {
		st.Config = StatusConfig{
			IndexType:           cfg.Vector.IndexType,
			EmbeddingDimensions: cfg.Embedding.Dimensions,
			DataDir:             cfg.Storage.DataDir,
			DatabasePath:        cfg.Storage.DatabasePath,
			BleveIndexPath:      cfg.Storage.BleveIndexPath,
		}
		if n, err := storage.DiskUsageBytes(repo.Dir(), cfg.Storage.DatabasePath, cfg.Storage.BleveIndexPath); err == nil {
			st.DiskUsageBytes = &n
		}
	}
	return st
}
