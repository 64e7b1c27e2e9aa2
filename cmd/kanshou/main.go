// Package main is the kanshou CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kanshou/internal/analysis"
	"github.com/hyperjump/kanshou/internal/backup"
	"github.com/hyperjump/kanshou/internal/cli"
	"github.com/hyperjump/kanshou/internal/config"
	"github.com/hyperjump/kanshou/internal/embedding"
	"github.com/hyperjump/kanshou/internal/importer"
	"github.com/hyperjump/kanshou/internal/indexer"
	"github.com/hyperjump/kanshou/internal/keyword"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/provider"
	"github.com/hyperjump/kanshou/internal/provider/met"
	"github.com/hyperjump/kanshou/internal/provider/reverse"
	"github.com/hyperjump/kanshou/internal/provider/wikipedia"
	"github.com/hyperjump/kanshou/internal/repository"
	"github.com/hyperjump/kanshou/internal/search"
	"github.com/hyperjump/kanshou/internal/server"
	"github.com/hyperjump/kanshou/internal/storage"
	"github.com/hyperjump/kanshou/internal/vector"
	"github.com/hyperjump/kanshou/internal/watcher"
	"github.com/hyperjump/kanshou/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kanshou/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "import":
		runImport()
	case "similar":
		runSimilar()
	case "analyze":
		runAnalyze()
	case "get":
		runGet()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "backup":
		runBackup()
	case "restore":
		runRestore()
	case "version", "--version", "-v":
		fmt.Printf("kanshou version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// argsReorder moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse() sees them.
func argsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads the config and builds the logger shared by every command.
func setup(configPath string, debug bool) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || debug)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	return cfg, resolved, logger
}

func parseFormat(s string) cli.OutputFormat {
	switch s {
	case "json":
		return cli.OutputJSON
	case "text":
		return cli.OutputText
	default:
		fail("Unknown output format %q; use text or json", s)
		return cli.OutputText
	}
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (ingestion, index rebuilds, provider calls)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger := setup(*configPath, *debug)
	defer logger.Sync()
	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.Bool("debug", cfg.Debug || *debug))

	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchSvc := watcher.NewWatcher(
		components.Indexer,
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(logger),
		watcher.WithBatchSize(cfg.Watch.BatchSize),
	)
	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Repo,
		components.Engine,
		components.Indexer,
		cfg,
		logger,
		server.WithAnalyzer(components.Analyzer),
		server.WithReports(components.Reports),
		server.WithTextIndex(components.TextIndex),
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	watchSvc.Stop()
	watchCancel()
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: kanshou ingest [flags] <image-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)

	cfg, _, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	info, err := os.Stat(path)
	if err != nil {
		fail("Failed to stat path: %v", err)
	}
	if info.IsDir() {
		n, err := components.Indexer.IndexDirectory(ctx, path, cfg.Watch.Extensions)
		if err != nil {
			fail("Ingesting directory failed after %d artwork(s): %v", n, err)
		}
		fmt.Printf("Ingested %d artwork(s) from %s\n", n, path)
		return
	}
	// Single file: no extension filter
	id, err := components.Indexer.IndexFile(ctx, path, nil)
	if err != nil {
		fail("Ingest failed: %v", err)
	}
	fmt.Printf("Artwork ingested: %s\n", id)
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	batchSize := fs.Int("batch-size", 0, "rows per commit (default from watch.batch_size)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: kanshou import [flags] <manifest.csv|manifest.xlsx>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	cfg, _, logger := setup(*configPath, *debug)
	defer logger.Sync()
	ctx := context.Background()
	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize", zap.Error(err))
	}
	defer components.Close()

	size := *batchSize
	if size <= 0 {
		size = cfg.Watch.BatchSize
	}
	im := importer.New(components.Indexer,
		importer.WithLogger(logger),
		importer.WithBatchSize(size),
		importer.WithExtensions(cfg.Watch.Extensions))
	res, err := im.ImportFile(ctx, fs.Arg(0))
	if err != nil {
		fail("Import failed: %v", err)
	}
	if err := cli.WriteImportResult(os.Stdout, res, format); err != nil {
		fail("Output failed: %v", err)
	}
	if len(res.Errors) > 0 {
		os.Exit(2)
	}
}

// parseVectorFlag parses a comma or space separated list of numbers.
func parseVectorFlag(s string) ([]float32, error) {
	return importer.ParseVector(s)
}

// similarQuery builds the query for the similar command. Exactly one of id,
// vector and image must be set; image is resolved by the caller.
func similarQuery(id, vec string, k int) (*models.SimilarQuery, error) {
	q := &models.SimilarQuery{ArtworkID: strings.TrimSpace(id), K: k}
	if vec != "" {
		v, err := parseVectorFlag(vec)
		if err != nil {
			return nil, err
		}
		q.Vector = v
	}
	return q, nil
}

func runSimilar() {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (image extraction and direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly when the server is not running)")
	id := fs.String("id", "", "stored artwork id to find neighbours of")
	vec := fs.String("vector", "", "query vector, comma separated")
	k := fs.Int("k", 0, "number of results (default from search.default_k)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	imagePath := fs.Arg(0)
	set := 0
	for _, v := range []string{*id, *vec, imagePath} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		fmt.Println("Usage: kanshou similar [flags] (<image> | --id <artwork-id> | --vector <v1,v2,...>)")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	q, err := similarQuery(*id, *vec, *k)
	if err != nil {
		fail("Invalid query: %v", err)
	}

	ctx := context.Background()
	if imagePath != "" {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		extractor, err := newExtractor(cfg, logger)
		if err != nil {
			fail("Failed to initialize extractor: %v", err)
		}
		data, err := os.ReadFile(imagePath)
		if err != nil {
			fail("Failed to read image: %v", err)
		}
		q.Vector, err = extractor.Extract(ctx, data)
		_ = extractor.Close()
		if err != nil {
			fail("Feature extraction failed: %v", err)
		}
	}

	var response *models.SimilarResponse
	if *serverURL != "" {
		// Use the HTTP API when the server is running; it owns the store.
		response, err = similarViaHTTP(*serverURL, q)
	} else {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		components, initErr := initializeComponents(ctx, cfg, logger)
		if initErr != nil {
			fail("Failed to initialize: %v", initErr)
		}
		defer components.Close()
		response, err = components.Engine.Similar(ctx, q)
	}
	if err != nil {
		fail("Similar failed: %v", err)
	}
	if err := cli.WriteSimilarResults(os.Stdout, response, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runAnalyze() {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = run the analysis in-process)")
	debug := fs.Bool("debug", false, "enable debug logging (direct mode)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: kanshou analyze [flags] <image>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fail("Failed to read image: %v", err)
	}

	var report *models.AnalysisReport
	if *serverURL != "" {
		report, err = analyzeViaHTTP(*serverURL, data)
	} else {
		cfg, _, logger := setup(*configPath, *debug)
		defer logger.Sync()
		ctx := context.Background()
		components, initErr := initializeComponents(ctx, cfg, logger)
		if initErr != nil {
			fail("Failed to initialize: %v", initErr)
		}
		defer components.Close()
		report, err = components.Analyzer.Analyze(ctx, data)
	}
	if err != nil {
		fail("Analysis failed: %v", err)
	}
	if err := cli.WriteReport(os.Stdout, report, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runGet() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: kanshou get [flags] <artwork-id>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)
	id := fs.Arg(0)

	var rec *models.ArtworkRecord
	var err error
	if *serverURL != "" {
		rec = &models.ArtworkRecord{}
		err = getJSON(*serverURL+"/api/v1/artworks/"+url.PathEscape(id), rec)
	} else {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		repo, openErr := repository.Open(cfg.Storage.DataDir, repository.WithLogger(logger))
		if openErr != nil {
			fail("Failed to open store: %v", openErr)
		}
		rec, err = repo.Snapshot().Get(id)
	}
	if err != nil {
		fail("Get failed: %v", err)
	}
	if err := cli.WriteRecord(os.Stdout, rec, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])
	format := parseFormat(*outputFormat)

	var status server.Status
	if *serverURL != "" {
		if err := getJSON(*serverURL+"/api/v1/status", &status); err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		cfg, _, logger := setup(*configPath, false)
		defer logger.Sync()
		ctx := context.Background()
		components, err := initializeComponents(ctx, cfg, logger)
		if err != nil {
			fail("Failed to initialize: %v", err)
		}
		defer components.Close()
		status = server.CollectStatus(ctx, components.Repo, components.Engine, components.TextIndex, components.Reports, cfg)
	}
	if err := cli.WriteStatus(os.Stdout, status, format); err != nil {
		fail("Output failed: %v", err)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kanshou watch <add|remove|list> [path]")
		fmt.Println("  kanshou watch add <path>     Add inbox directory to watch")
		fmt.Println("  kanshou watch remove <path>  Remove inbox directory from watch")
		fmt.Println("  kanshou watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(argsReorder(os.Args[3:]))
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: kanshou watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		var out map[string]string
		if err := sendJSON(http.MethodPost, *serverURL+"/api/v1/watch/directories", map[string]interface{}{"path": path, "sync": true}, &out); err != nil {
			fail("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: kanshou watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		var out map[string]string
		if err := sendJSON(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil, &out); err != nil {
			fail("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := getJSON(*serverURL+"/api/v1/watch/directories", &out); err != nil {
			fail("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}

func runBackup() {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outDir := fs.String("dir", ".", "directory to write the archive to")
	upload := fs.Bool("upload", false, "upload the archive to the configured backup bucket")
	list := fs.Bool("list", false, "list archives in the configured backup bucket")
	_ = fs.Parse(os.Args[2:])

	cfg, _, logger := setup(*configPath, false)
	defer logger.Sync()
	ctx := context.Background()

	if *list {
		remote := mustRemote(cfg)
		names, err := remote.List(ctx)
		if err != nil {
			fail("List failed: %v", err)
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	}

	repo, err := repository.Open(cfg.Storage.DataDir, repository.WithLogger(logger))
	if err != nil {
		fail("Failed to open store: %v", err)
	}
	path := filepath.Join(*outDir, backup.Name(repo.Snapshot().Generation, time.Now()))
	info, err := backup.ExportFile(ctx, repo, path)
	if err != nil {
		fail("Backup failed: %v", err)
	}
	fmt.Printf("Backed up generation %d (%d artworks, %s) to %s\n", info.Generation, info.Artworks, cli.FormatBytes(info.Bytes), path)
	if *upload {
		key, err := mustRemote(cfg).Upload(ctx, path)
		if err != nil {
			fail("Upload failed: %v", err)
		}
		fmt.Printf("Uploaded: %s/%s\n", cfg.Backup.Bucket, key)
	}
}

func runRestore() {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	target := fs.String("target", "", "directory to restore into (default: storage.data_dir); must be empty")
	fromRemote := fs.Bool("remote", false, "download the named archive from the backup bucket first")
	_ = fs.Parse(argsReorder(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: kanshou restore [flags] <archive>")
		os.Exit(1)
	}
	cfg, _, logger := setup(*configPath, false)
	defer logger.Sync()
	ctx := context.Background()

	dir := *target
	if dir == "" {
		dir = cfg.Storage.DataDir
	}
	archive := fs.Arg(0)
	if *fromRemote {
		tmp, err := os.MkdirTemp("", "kanshou-restore-")
		if err != nil {
			fail("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		local := filepath.Join(tmp, filepath.Base(archive))
		if err := mustRemote(cfg).Download(ctx, archive, local); err != nil {
			fail("Download failed: %v", err)
		}
		archive = local
	}
	info, err := backup.RestoreFile(ctx, archive, dir)
	if err != nil {
		fail("Restore failed: %v", err)
	}
	logger.Info("store restored", zap.String("dir", dir), zap.Uint64("generation", info.Generation))
	fmt.Printf("Restored generation %d (%d artworks) into %s\n", info.Generation, info.Artworks, dir)
	if cfg.Storage.BleveIndexPath != "" {
		fmt.Println("The text index is rebuilt from the restored catalog on the next start.")
	}
}

func mustRemote(cfg *config.Config) *backup.Remote {
	remote, err := backup.NewRemote(cfg.Backup)
	if err != nil {
		fail("Backup bucket not available: %v", err)
	}
	return remote
}

// apiError is the error body returned by the server.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		var e apiError
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			if e.Code != "" {
				return fmt.Errorf("server returned %d (%s): %s", resp.StatusCode, e.Code, e.Error)
			}
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func getJSON(u string, out interface{}) error {
	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func sendJSON(method, u string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func similarViaHTTP(serverURL string, q *models.SimilarQuery) (*models.SimilarResponse, error) {
	var response models.SimilarResponse
	if err := sendJSON(http.MethodPost, serverURL+"/api/v1/similar", q, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func analyzeViaHTTP(serverURL string, image []byte) (*models.AnalysisReport, error) {
	resp, err := http.Post(serverURL+"/api/v1/analyze", "application/octet-stream", bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	var report models.AnalysisReport
	if err := decodeResponse(resp, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Components holds initialized services.
type Components struct {
	Repo      *repository.Repository
	Index     *search.Index
	Engine    *search.Engine
	Indexer   *indexer.Indexer
	TextIndex *keyword.BleveIndex
	Extractor embedding.Extractor
	Reports   *storage.SQLiteStorage
	Analyzer  *analysis.Orchestrator
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.TextIndex != nil {
		_ = c.TextIndex.Close()
	}
	if c.Extractor != nil {
		_ = c.Extractor.Close()
	}
	if c.Reports != nil {
		_ = c.Reports.Close()
	}
}

// newExtractor returns the ONNX extractor when a model is configured, and the
// deterministic mock otherwise. Either is wrapped in the embedding cache.
func newExtractor(cfg *config.Config, logger *zap.Logger) (embedding.Extractor, error) {
	var extractor embedding.Extractor
	if cfg.Embedding.ModelPath != "" {
		onnx, err := embedding.NewONNXExtractor(embedding.ONNXOptions{
			ModelPath:  cfg.Embedding.ModelPath,
			Dimensions: cfg.Embedding.Dimensions,
			ImageSize:  cfg.Embedding.ImageSize,
			InputName:  cfg.Embedding.InputName,
			OutputName: cfg.Embedding.OutputName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load image model: %w", err)
		}
		extractor = onnx
	} else {
		logger.Warn("embedding.model_path not set; using the mock extractor",
			zap.Int("dimensions", cfg.Embedding.Dimensions))
		extractor = embedding.NewMockExtractor(cfg.Embedding.Dimensions)
	}
	return embedding.WithCache(extractor, cfg.Embedding.CacheSize), nil
}

// newProviders wires the enabled metadata providers behind the shared call policy.
func newProviders(cfg *config.Config, logger *zap.Logger) []analysis.Option {
	caller := provider.NewCaller(provider.Policy{
		Timeout:    cfg.Providers.Timeout,
		MaxRetries: cfg.Providers.MaxRetries,
		Backoff:    cfg.Providers.Backoff,
		RateLimit:  cfg.Providers.RateLimit,
	}, logger)
	client := provider.NewHTTPClient(cfg.Providers.Timeout)

	var opts []analysis.Option
	if cfg.Providers.ReverseSearchURL != "" {
		opts = append(opts, analysis.WithReverseSearch(caller.Reverse(reverse.New(cfg.Providers.ReverseSearchURL, client))))
	}
	if cfg.Providers.Wikipedia.Enabled {
		opts = append(opts, analysis.WithKnowledgeBase(caller.KnowledgeBase(wikipedia.New(cfg.Providers.Wikipedia.BaseURL, client))))
	}
	if cfg.Providers.Met.Enabled {
		m := met.New(cfg.Providers.Met.BaseURL, client)
		opts = append(opts,
			analysis.WithKnowledgeBase(caller.KnowledgeBase(m)),
			analysis.WithCollection(caller.Collection(m)))
	}
	return opts
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Repo, err = repository.Open(cfg.Storage.DataDir, repository.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open artwork store: %w", err)
	}
	if dim := c.Repo.Snapshot().Dimension(); dim != 0 && dim != cfg.Embedding.Dimensions {
		logger.Warn("store dimension differs from embedding.dimensions",
			zap.Int("store", dim),
			zap.Int("config", cfg.Embedding.Dimensions))
	}

	if err := vector.ValidateType(cfg.Vector.IndexType); err != nil {
		return nil, err
	}
	c.Index = search.NewIndex(c.Repo, vector.Options{
		Type: cfg.Vector.IndexType,
		HNSW: vector.HNSWOptions{
			M:              cfg.Vector.HNSW.M,
			EFConstruction: cfg.Vector.HNSW.EFConstruction,
			EFSearch:       cfg.Vector.HNSW.EFSearch,
			ExactThreshold: cfg.Vector.HNSW.ExactThreshold,
			Seed:           cfg.Vector.HNSW.Seed,
		},
		Logger: logger,
	})
	logger.Info("vector index configured",
		zap.String("type", cfg.Vector.IndexType),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()))

	c.TextIndex, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize text index: %w", err)
	}
	rebuilt, err := keyword.Sync(ctx, c.TextIndex, c.Repo.Snapshot().List(0, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to sync text index: %w", err)
	}
	if rebuilt {
		logger.Info("text index rebuilt from catalog", zap.Int("artworks", c.Repo.Snapshot().Len()))
	}

	c.Extractor, err = newExtractor(cfg, logger)
	if err != nil {
		return nil, err
	}

	c.Engine = search.NewEngine(c.Repo, c.Index, &cfg.Search,
		search.WithLogger(logger),
		search.WithTextIndex(c.TextIndex))
	c.Indexer = indexer.NewIndexer(c.Repo, c.Index,
		indexer.WithExtractor(c.Extractor),
		indexer.WithTextIndex(c.TextIndex),
		indexer.WithBatchSize(cfg.Watch.BatchSize),
		indexer.WithLogger(logger))

	c.Reports, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize report history: %w", err)
	}

	opts := append(newProviders(cfg, logger),
		analysis.WithLogger(logger),
		analysis.WithHistory(c.Reports),
		analysis.WithK(cfg.Search.DefaultK))
	c.Analyzer = analysis.NewOrchestrator(c.Extractor, c.Engine, opts...)
	return c, nil
}

func printUsage() {
	fmt.Println(`kanshou - Artwork feature store and similarity engine

Usage:
  kanshou server [flags]             Start the HTTP server
  kanshou ingest [flags] <path>      Ingest an image or a directory of images
  kanshou import [flags] <manifest>  Import artworks from a CSV or XLSX manifest
  kanshou similar [flags] <image>    Find stored artworks similar to an image
  kanshou analyze [flags] <image>    Identify an artwork and find similar ones
  kanshou get [flags] <id>           Show a stored artwork
  kanshou status [flags]             Show store, index and history status
  kanshou watch <add|remove|list>    Manage watched inbox directories
  kanshou backup [flags]             Write a snapshot archive of the store
  kanshou restore [flags] <archive>  Restore a snapshot archive into an empty directory
  kanshou version                    Show version
  kanshou help                       Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/kanshou/config.yaml, or ./config.yaml when present)
  --debug            Enable debug logging
  --output string    Output format: text or json (default: text)

Similar Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the store directly.
  --id string        Query by stored artwork id
  --vector string    Query by vector, comma separated
  --k int            Number of results (default: search.default_k)

Backup Flags:
  --dir string       Directory to write the archive to (default: .)
  --upload           Upload the archive to the configured bucket
  --list             List archives in the configured bucket

Restore Flags:
  --target string    Directory to restore into (default: storage.data_dir)
  --remote           Download the archive from the configured bucket first

Examples:
  kanshou server
  kanshou ingest ~/Pictures/collection
  kanshou import collection.xlsx
  kanshou similar starry-night.jpg --k 5
  kanshou similar --id met-436535 --output json
  kanshou analyze photo.jpg
  kanshou status --server ""
  kanshou backup --dir /var/backups --upload
  kanshou restore --target /tmp/store kanshou-000012-20240301T120000Z.tar.zst`)
}
