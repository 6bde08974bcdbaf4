// Command offline-cache runs an offline worker in front of a single web
// origin: precached app shell, dynamic cache and a queue of submissions made
// while the origin was unreachable.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/config"
	"github.com/wolfeidau/offline-cache/worker"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    string `help:"YAML config file." type:"path" env:"OFFLINE_CACHE_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file."`
	LogFormat string `help:"Log format (text, json). Overrides the config file."`
}

// logLevel stays adjustable so config reloads can change it.
var logLevel = new(slog.LevelVar)

type cli struct {
	Globals

	Version kong.VersionFlag `help:"Print the version and exit."`

	Serve  serveCmd  `cmd:"" default:"1" help:"Run the worker and its HTTP server."`
	Replay replayCmd `cmd:"" help:"Replay queued submissions once and exit."`
	Caches cachesCmd `cmd:"" help:"Show cache namespaces, versions and queue depth."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("offline-cache"),
		kong.Description("Offline caching and sync worker for a single web origin."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&c.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loader returns the config loader for the selected file.
func (g *Globals) loader() *config.Loader {
	return config.NewLoader(config.EnvPrefix, g.Config)
}

// load resolves the configuration and applies the logging flags.
func (g *Globals) load(ctx context.Context) (config.Config, error) {
	cfg, err := g.loader().Load(ctx)
	if err != nil {
		return config.Config{}, err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	return cfg, nil
}

// logger builds the process logger.
func (g *Globals) logger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logLevel.Set(level)

	var handler slog.Handler
	switch cfg.Format {
	case "text", "":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
		})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// openWorker opens the backend and builds a worker over it. The returned
// cleanup closes both.
func openWorker(cfg config.Config, logger *slog.Logger) (*worker.Worker, func(), error) {
	b, err := backend.Open(cfg.BackendConfig(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}

	wcfg, err := cfg.WorkerConfig(logger)
	if err != nil {
		_ = b.Close()
		return nil, nil, err
	}
	w, err := worker.New(b, wcfg)
	if err != nil {
		_ = b.Close()
		return nil, nil, fmt.Errorf("creating worker: %w", err)
	}

	cleanup := func() {
		w.Close()
		if err := b.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}
	return w, cleanup, nil
}
