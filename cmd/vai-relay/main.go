package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vango-go/vai-relay/pkg/relay/call"
	"github.com/vango-go/vai-relay/pkg/relay/callstore"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
	relayserver "github.com/vango-go/vai-relay/pkg/relay/server"
	"github.com/vango-go/vai-relay/pkg/relay/storage"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
	"github.com/vango-go/vai-relay/pkg/relay/upstream/gemini"
)

type journal interface {
	call.Journal
	Close() error
}

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newConnector func(context.Context, config.Config) (upstream.Connector, error)
	newPersister func(context.Context, config.Config) (storage.Persister, func() error, error)
	openJournal  func(context.Context, config.Config) (journal, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:   config.LoadFromEnv,
		newConnector: newGeminiConnector,
		newPersister: newPersister,
		openJournal:  openJournal,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newGeminiConnector(ctx context.Context, cfg config.Config) (upstream.Connector, error) {
	c, err := gemini.NewConnector(ctx, cfg.GeminiAPIKey, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newPersister(ctx context.Context, cfg config.Config) (storage.Persister, func() error, error) {
	switch cfg.StorageBackend {
	case config.StorageGCS:
		g, err := storage.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	case config.StorageS3:
		s, err := storage.NewS3(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	default:
		return nil, func() error { return nil }, nil
	}
}

func openJournal(ctx context.Context, cfg config.Config) (journal, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	store, err := callstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, stderr io.Writer, deps relayDeps) error {
	if deps.loadConfig == nil || deps.newConnector == nil || deps.newPersister == nil || deps.openJournal == nil {
		return errors.New("missing backend dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("recordings dir: %w", err)
	}

	connector, err := deps.newConnector(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gemini connector: %w", err)
	}
	persister, closePersister, err := deps.newPersister(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage backend %s: %w", cfg.StorageBackend, err)
	}
	defer func() {
		if closePersister != nil {
			if err := closePersister(); err != nil {
				logger.Warn("close storage backend", "error", err)
			}
		}
	}()

	backends := relayserver.Deps{
		Connector: connector,
		Persister: persister,
		Registry:  registry.New(),
	}
	jr, err := deps.openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("call journal: %w", err)
	}
	if jr != nil {
		backends.Journal = jr
		defer jr.Close()
	}
	backends.Metrics = metrics.New("", backends.Registry)

	srv := relayserver.New(cfg, backends, logger)
	reg := srv.Registry()
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"model", cfg.GeminiModel,
		"storage_backend", cfg.StorageBackend,
		"journal", jr != nil,
		"recordings_dir", cfg.RecordingsDir,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	reg.SetDraining(true)
	warned := reg.WarnAll("server_draining", "relay is shutting down")
	logger.Info("draining connections", "warned", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !reg.Wait(waitCtx) {
		canceled := reg.CancelAll()
		logger.Warn("grace period elapsed, canceling connections", "canceled", canceled)
		// Canceled calls still finalize and upload.
		finalCtx, finalCancel := context.WithTimeout(context.Background(), cfg.PersistTimeout)
		defer finalCancel()
		if !reg.Wait(finalCtx) {
			logger.Error("connections still open after cancel", "active", reg.Snapshot().ActiveConnections)
		}
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-relay: load .env: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
