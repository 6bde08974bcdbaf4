package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wolfeidau/offline-cache/config"
	"github.com/wolfeidau/offline-cache/queue"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

type serveCmd struct {
	ShutdownTimeout time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s"`
	Watch           bool          `help:"Reload the config file on change; a new worker version is installed live." default:"true" negatable:""`
}

func (c *serveCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := g.load(ctx)
	if err != nil {
		return err
	}
	logger, err := g.logger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, cfg.TelemetryConfig(version))
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	w, cleanup, err := openWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// A failed install still leaves the worker passing requests through.
	if err := w.Start(ctx); err != nil {
		logger.Error("worker version not installed", "version", cfg.Worker.Version, "error", err)
	}

	srv, err := server.New(cfg.ServerConfig(logger), w)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if c.Watch && g.Config != "" {
		watcher, err := g.loader().Watch(ctx, func(next config.Config) {
			reload(ctx, g, w, next, logger)
		}, func(err error) {
			logger.Warn("config reload failed", "error", err)
		})
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", cfg.Worker.Origin,
		"version", cfg.Worker.Version,
		"strategy", cfg.Worker.Strategy,
		"backend", cfg.Storage.Backend,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// reload applies a changed config file to a running worker. Only the log
// level and the worker version are applied live; other changes need a
// restart.
func reload(ctx context.Context, g *Globals, w *worker.Worker, next config.Config, logger *slog.Logger) {
	if g.LogLevel == "" {
		if level, err := config.ParseLevel(next.Logging.Level); err == nil {
			logLevel.Set(level)
		}
	}

	v := next.Version()
	if active, ok := w.Lifecycle().Active(); ok && active.Version.Tag == v.Tag {
		return
	}
	logger.Info("config changed, installing version", "version", v.Tag)
	if err := w.Update(ctx, v); err != nil {
		logger.Error("version update failed", "version", v.Tag, "error", err)
	}
}

type replayCmd struct {
	Timeout time.Duration `help:"Give up after this long." default:"2m"`
}

func (c *replayCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cfg, err := g.load(ctx)
	if err != nil {
		return err
	}
	logger, err := g.logger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	w, cleanup, err := openWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := w.Sync(ctx, worker.SyncTag)
	if err != nil {
		return fmt.Errorf("replaying queue: %w", err)
	}

	for _, item := range res.Items {
		fmt.Printf("%-12s %s %s", item.Outcome, item.ID, item.URL)
		if item.Err != nil {
			fmt.Printf(" (%v)", item.Err)
		}
		fmt.Println()
	}
	fmt.Printf("delivered=%d retained=%d dead=%d in %s\n",
		res.Count(queue.Delivered), res.Count(queue.Retained), res.Count(queue.DeadLettered),
		res.Duration.Round(time.Millisecond))

	if n := res.Count(queue.Retained); n > 0 {
		return fmt.Errorf("%d submissions still pending", n)
	}
	return nil
}

type cachesCmd struct {
	Expire bool `help:"Run one expiry pass over the dynamic cache first."`
}

func (c *cachesCmd) Run(g *Globals) error {
	ctx := context.Background()

	cfg, err := g.load(ctx)
	if err != nil {
		return err
	}
	logger, err := g.logger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}

	w, cleanup, err := openWorker(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := w.Lifecycle().Restore(ctx); err != nil {
		logger.Warn("failed to restore registration", "error", err)
	}

	if c.Expire {
		res := w.Expire(ctx)
		logger.Info("expiry pass complete", "deleted", res.Deleted(), "bytes_freed", res.BytesFreed)
	}

	stats, err := w.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
