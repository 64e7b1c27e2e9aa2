package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/usr/local/var/kanshou/data/store"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kanshou/data/db/reports.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/kanshou/data/indices/bleve"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.ImageSize == 0 {
		cfg.Embedding.ImageSize = 224
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Embedding.InputName == "" {
		cfg.Embedding.InputName = "pixel_values"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "image_embeds"
	}
	if cfg.Vector.IndexType == "" {
		cfg.Vector.IndexType = "memory"
	}
	if cfg.Vector.HNSW.M == 0 {
		cfg.Vector.HNSW.M = 16
	}
	if cfg.Vector.HNSW.EFConstruction == 0 {
		cfg.Vector.HNSW.EFConstruction = 200
	}
	if cfg.Vector.HNSW.EFSearch == 0 {
		cfg.Vector.HNSW.EFSearch = 64
	}
	if cfg.Vector.HNSW.ExactThreshold == 0 {
		cfg.Vector.HNSW.ExactThreshold = 1000
	}
	if cfg.Vector.HNSW.Seed == 0 {
		cfg.Vector.HNSW.Seed = 42
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 10
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 1000
	}
	if cfg.Providers.Timeout == 0 {
		cfg.Providers.Timeout = 10 * time.Second
	}
	if cfg.Providers.MaxRetries == 0 {
		cfg.Providers.MaxRetries = 2
	}
	if cfg.Providers.Backoff == 0 {
		cfg.Providers.Backoff = 200 * time.Millisecond
	}
	if cfg.Providers.RateLimit == 0 {
		cfg.Providers.RateLimit = 5
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	}
	if cfg.Watch.BatchSize == 0 {
		cfg.Watch.BatchSize = 32
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if cfg.Backup.Prefix == "" {
		cfg.Backup.Prefix = "kanshou/"
	}
}
