// Package main is the entry point for the fsweb file gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsweb/fsweb/internal/config"
	"github.com/fsweb/fsweb/internal/handlers"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/janitor"
	"github.com/fsweb/fsweb/internal/journal"
	"github.com/fsweb/fsweb/internal/lifecycle"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/media"
	"github.com/fsweb/fsweb/internal/metrics"
	"github.com/fsweb/fsweb/internal/office"
	"github.com/fsweb/fsweb/internal/procrun"
	"github.com/fsweb/fsweb/internal/retrieve"
	"github.com/fsweb/fsweb/internal/server"
	"github.com/fsweb/fsweb/internal/storage"
	"github.com/fsweb/fsweb/internal/tasks"
	"github.com/fsweb/fsweb/internal/video"
)

func main() {
	configPath := flag.String("config", "fsweb.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 8080)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	backend := flag.String("backend", "", "override storage backend: s3, minio, gcs, azure, local, memory")
	tempDir := flag.String("temp-dir", "", "override the directory uploads are staged in")
	workers := flag.Int("workers", 0, "override the number of background transcode workers")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *tempDir != "" {
		cfg.Temp.Dir = *tempDir
	}
	if *workers != 0 {
		cfg.Tasks.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging.
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.IsEnabled() {
		metrics.Register()
	}

	if err := run(cfg); err != nil {
		slog.Error("fsweb exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Temp.Dir, 0o755); err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing storage backend: %w", err)
	}
	// An unreachable store at boot is fatal; later outages fail requests.
	if err := store.EnsureNamespace(ctx); err != nil {
		return fmt.Errorf("preparing namespace %q: %w", cfg.Storage.Namespace, err)
	}
	slog.Info("Storage backend initialized", "backend", cfg.Storage.Backend, "namespace", cfg.Storage.Namespace)

	// Every boot is recovery: transcodes that were pending when the
	// previous process died are marked abandoned and their files removed.
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), 0o755); err != nil {
		return fmt.Errorf("creating journal directory: %w", err)
	}
	jrnl, err := journal.Open(cfg.Journal.Path, nil)
	if err != nil {
		return err
	}
	defer jrnl.Close()
	if abandoned, err := jrnl.Recover(ctx); err != nil {
		slog.Warn("Journal recovery failed", "error", err)
	} else if len(abandoned) > 0 {
		slog.Warn("Abandoned unfinished transcodes", "count", len(abandoned))
	}

	runner := procrun.NewExecRunner(nil)
	taskRunner := tasks.New(cfg.Tasks.Workers, nil)
	ingestor := ingest.New(store, nil)
	parser := &ingest.Parser{Dir: cfg.Temp.Dir, Logger: logging.For("ingest")}

	officePipeline := office.NewPipeline(office.NewConverter(runner, cfg.Tools, nil), ingestor, cfg.Temp.Dir, nil)
	adapter := media.NewAdapter(runner, cfg.Tools, media.PresetFromConfig(cfg.Video.Preset), nil)
	videoPipeline := video.NewPipeline(adapter, ingestor, taskRunner, jrnl, cfg.Video, cfg.Temp.Dir, nil)

	uploads := handlers.NewUploadHandler(parser, ingestor, officePipeline, videoPipeline, cfg.Server.MaxUploadSize, nil)
	files := handlers.NewFileHandler(retrieve.New(store, nil), lifecycle.New(store, ingestor, nil), parser, cfg.Server.MaxUploadSize, nil)

	srv, err := server.New(cfg, store, uploads, files)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sweeper := janitor.New(cfg.Temp.Dir, time.Duration(cfg.Temp.MaxAge)*time.Second, jrnl, nil)
	if err := sweeper.Start(ctx, cfg.Temp.SweepSchedule); err != nil {
		return fmt.Errorf("starting temp janitor: %w", err)
	}
	defer sweeper.Stop()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("fsweb listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	// One budget covers in-flight requests and then background transcodes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
	if err := taskRunner.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Background tasks did not finish", "inflight", taskRunner.Inflight(), "error", err)
	}
	slog.Info("Server stopped")
	return nil
}

// openStore constructs the configured blob store backend.
func openStore(ctx context.Context, sc config.StorageConfig) (storage.Store, error) {
	switch sc.Backend {
	case "s3":
		return storage.NewS3Store(ctx, sc.Namespace, sc.Region, sc.Endpoint, sc.PathStyle, sc.AccessKey, sc.SecretKey)
	case "minio":
		return storage.NewMinioStore(sc.Endpoint, sc.Namespace, sc.Region, sc.AccessKey, sc.SecretKey, sc.UseSSL, sc.PathStyle)
	case "gcs":
		return storage.NewGCSStore(ctx, sc.Namespace, sc.GCS.Project, sc.GCS.Location, sc.GCS.Endpoint, sc.GCS.WithoutAuth)
	case "azure":
		return storage.NewAzureStore(sc.Namespace, sc.Azure.AccountURL, sc.Azure.ConnectionString, sc.Azure.UseManagedIdentity)
	case "local":
		return storage.NewLocalStore(sc.Local.RootDir, sc.Namespace)
	case "memory":
		slog.Warn("Using the in-memory store; objects are lost on restart")
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}
