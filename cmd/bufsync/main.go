package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/bufsync/internal/config"
	"github.com/alexjbarnes/bufsync/internal/engine"
	"github.com/alexjbarnes/bufsync/internal/feed"
	"github.com/alexjbarnes/bufsync/internal/logging"
	"github.com/alexjbarnes/bufsync/internal/observe"
	"github.com/alexjbarnes/bufsync/internal/sandbox"
	"github.com/alexjbarnes/bufsync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("bufsync starting",
		slog.String("version", Version),
		slog.String("root", cfg.Root),
		slog.Bool("auto_reload", cfg.AutoReload),
		slog.Bool("feed", cfg.FeedAddr != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baselines, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state database: %w", err)
	}
	defer baselines.Close()

	box := sandbox.New(cfg.Root)

	eng := engine.New(box, baselines, engine.Options{
		TokenTTL:          cfg.TokenTTL(),
		UndoTTL:           cfg.UndoTTL(),
		AutoReload:        cfg.AutoReload,
		DefaultResolution: cfg.Resolution(),
		Logger:            logger,
	})
	defer eng.Dispose()

	obs := newObserver(cfg, eng, logger)
	eng.SetObserver(obs)

	if err := obs.Observe(cfg.Root, observe.Options{Recursive: true}); err != nil {
		return fmt.Errorf("observing %s: %w", cfg.Root, err)
	}

	extras, err := cfg.LoadRoots()
	if err != nil {
		return fmt.Errorf("loading roots file: %w", err)
	}

	for _, root := range extras {
		if err := obs.Observe(root.Path, observe.Options{Recursive: root.Recursive}); err != nil {
			logger.Warn("skipping extra root",
				slog.String("path", root.Path),
				slog.String("error", err.Error()),
			)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.FeedAddr != "" {
		g.Go(func() error {
			return runFeed(gctx, cfg, eng, logger)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		return nil
	})

	return g.Wait()
}

// newObserver picks the change-detection strategy. The probe prefers
// native notifications and falls back to polling; ForcePolling skips
// the probe for filesystems where notifications misbehave.
func newObserver(cfg *config.Config, eng *engine.Engine, logger *slog.Logger) observe.Observer {
	if cfg.ForcePolling {
		return observe.NewPolling(eng.HandleChanges, cfg.PollInterval(), logger)
	}

	return observe.New(eng.HandleChanges, cfg.PollInterval(), logger)
}

// runFeed serves the WebSocket status feed until the context ends.
func runFeed(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	feedLogger := logger.With(slog.String("service", "feed"))

	mux := feed.NewMux(feed.MuxConfig{Engine: eng, Logger: feedLogger})

	server := &http.Server{
		Addr:              cfg.FeedAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	feedLogger.Info("starting feed server", slog.String("listen", cfg.FeedAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		feedLogger.Info("shutting down feed server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("feed server error: %w", err)
	}

	return nil
}
