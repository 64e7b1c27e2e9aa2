// Package config provides configuration loading and structs for the kanshou server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Search    SearchConfig    `yaml:"search"`
	Providers ProvidersConfig `yaml:"providers"`
	Watch     WatchConfig     `yaml:"watch"`
	Backup    BackupConfig    `yaml:"backup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the artwork repository, the report database and the text index.
type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// EmbeddingConfig holds image model settings. An empty model path selects the
// deterministic mock extractor, which is only useful for development.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	ImageSize  int    `yaml:"image_size"`
	CacheSize  int    `yaml:"cache_size"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
}

// VectorConfig selects the nearest-neighbour index strategy.
type VectorConfig struct {
	IndexType string     `yaml:"index_type"`
	HNSW      HNSWConfig `yaml:"hnsw"`
}

// HNSWConfig tunes the hnsw strategy.
type HNSWConfig struct {
	M              int   `yaml:"m"`
	EFConstruction int   `yaml:"ef_construction"`
	EFSearch       int   `yaml:"ef_search"`
	ExactThreshold int   `yaml:"exact_threshold"`
	Seed           int64 `yaml:"seed"`
}

// SearchConfig holds similarity query limits.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
}

// ProvidersConfig holds metadata provider endpoints and call budgets.
type ProvidersConfig struct {
	Timeout          time.Duration  `yaml:"timeout"`
	MaxRetries       int            `yaml:"max_retries"`
	Backoff          time.Duration  `yaml:"backoff"`
	RateLimit        float64        `yaml:"rate_limit"`
	ReverseSearchURL string         `yaml:"reverse_search_url"`
	Wikipedia        ProviderConfig `yaml:"wikipedia"`
	Met              ProviderConfig `yaml:"met"`
}

// ProviderConfig enables one provider and optionally overrides its base URL.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// WatchConfig holds inbox directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
	BatchSize   int      `yaml:"batch_size"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// BackupConfig holds the S3-compatible bucket used by backup and restore.
// An empty endpoint keeps archives local.
type BackupConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Load reads and parses the config file at path, expands paths, applies defaults and validates.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	switch c.Vector.IndexType {
	case "memory", "hnsw", "sqlitevec", "faiss":
	default:
		return fmt.Errorf("invalid config: vector.index_type %q (supported: memory, hnsw, sqlitevec, faiss)", c.Vector.IndexType)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d", c.Server.Port)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("invalid config: embedding.dimensions must be positive")
	}
	if c.Search.DefaultK > c.Search.MaxK {
		return fmt.Errorf("invalid config: search.default_k (%d) exceeds search.max_k (%d)", c.Search.DefaultK, c.Search.MaxK)
	}
	if c.Providers.MaxRetries < 0 {
		return fmt.Errorf("invalid config: providers.max_retries must not be negative")
	}
	if c.Providers.RateLimit < 0 {
		return fmt.Errorf("invalid config: providers.rate_limit must not be negative")
	}
	if c.Backup.Endpoint != "" && c.Backup.Bucket == "" {
		return fmt.Errorf("invalid config: backup.bucket is required when backup.endpoint is set")
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
