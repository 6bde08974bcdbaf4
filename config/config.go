// Package config loads the worker configuration from defaults, a YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/cachestore"
	"github.com/wolfeidau/offline-cache/expiry"
	"github.com/wolfeidau/offline-cache/fetch"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/server"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

// Config is the full runtime configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Worker       WorkerConfig       `koanf:"worker"`
	Storage      StorageConfig      `koanf:"storage"`
	Fetch        FetchConfig        `koanf:"fetch"`
	Queue        QueueConfig        `koanf:"queue"`
	Expiry       ExpiryConfig       `koanf:"expiry"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Logging      LoggingConfig      `koanf:"logging"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address            string `koanf:"address"`
	AuthToken          string `koanf:"authToken"`
	CaptureFailedPosts bool   `koanf:"captureFailedPosts"`
	MaxCaptureBody     int64  `koanf:"maxCaptureBody"`
}

// WorkerConfig names the origin and the version to serve.
type WorkerConfig struct {
	Origin       string   `koanf:"origin"`
	Version      string   `koanf:"version"`
	PrecacheName string   `koanf:"precacheName"`
	DynamicName  string   `koanf:"dynamicName"`
	Manifest     []string `koanf:"manifest"`
	Strategy     string   `koanf:"strategy"`
	// DiscoverAssets adds the assets referenced by manifest pages to the
	// precache.
	DiscoverAssets bool `koanf:"discoverAssets"`
}

// StorageConfig selects the backend.
type StorageConfig struct {
	Backend string       `koanf:"backend"`
	Path    string       `koanf:"path"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig configures the valkey backend.
type ValkeyConfig struct {
	Address  string `koanf:"address"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// FetchConfig bounds network fetches.
type FetchConfig struct {
	Timeout     time.Duration `koanf:"timeout"`
	MaxBodySize int64         `koanf:"maxBodySize"`
}

// QueueConfig configures the submission queue.
type QueueConfig struct {
	MaxAttempts int  `koanf:"maxAttempts"`
	KeyByURL    bool `koanf:"keyByURL"`
	Concurrency int  `koanf:"concurrency"`
}

// ExpiryConfig bounds the dynamic cache.
type ExpiryConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	MaxEntries    int           `koanf:"maxEntries"`
	MaxSize       int64         `koanf:"maxSize"`
	CheckInterval time.Duration `koanf:"checkInterval"`
}

// ConnectivityConfig configures the origin probe. A zero interval disables
// it.
type ConnectivityConfig struct {
	Interval  time.Duration `koanf:"interval"`
	ProbePath string        `koanf:"probePath"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Prometheus    bool          `koanf:"prometheus"`
	OTLPEndpoint  string        `koanf:"otlpEndpoint"`
	FlushInterval time.Duration `koanf:"flushInterval"`
}

// DefaultConfig returns the built-in defaults, matching the loyalty app the
// worker was first written for.
func DefaultConfig() Config {
	exp := expiry.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Address:        ":8080",
			MaxCaptureBody: 1 << 20,
		},
		Worker: WorkerConfig{
			Origin:       "http://localhost:5000",
			Version:      "v1",
			PrecacheName: "loyalty-app",
			DynamicName:  "loyalty-dynamic",
			Manifest: []string{
				"/",
				"/static/style.css",
				"/static/app.js",
				"/auth/login",
				"/dashboard/",
			},
			Strategy: string(fetch.CacheFirst),
		},
		Storage: StorageConfig{
			Backend: backend.TypeBolt,
			Path:    "./data/offline-cache.db",
			Valkey: ValkeyConfig{
				Address: "localhost:6379",
				Prefix:  "offline-cache:",
			},
		},
		Fetch: FetchConfig{
			Timeout:     10 * time.Second,
			MaxBodySize: 32 << 20,
		},
		Queue: QueueConfig{
			Concurrency: 4,
		},
		Expiry: ExpiryConfig{
			TTL:           exp.TTL,
			MaxEntries:    exp.MaxEntries,
			MaxSize:       exp.MaxSize,
			CheckInterval: exp.CheckInterval,
		},
		Connectivity: ConnectivityConfig{
			Interval:  30 * time.Second,
			ProbePath: "/",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Prometheus:    true,
			FlushInterval: 10 * time.Second,
		},
	}
}

// Validate rejects configurations the worker cannot run with.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Version().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: worker: %w", err))
	}

	switch c.Storage.Backend {
	case backend.TypeMemory, backend.TypeBolt, backend.TypeFilesystem, backend.TypeLevelDB:
		if c.Storage.Backend != backend.TypeMemory && c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("config: storage.path is required for %s", c.Storage.Backend))
		}
	case backend.TypeValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("config: storage.valkey.address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend))
	}

	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("config: fetch.timeout must be positive"))
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("config: queue.maxAttempts must not be negative"))
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown logging format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// OriginURL parses the worker origin. Only http and https origins are
// accepted.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Worker.Origin)
	if err != nil {
		return nil, fmt.Errorf("config: worker.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("config: worker.origin %q must be an http or https URL", c.Worker.Origin)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("config: worker.origin %q has no host", c.Worker.Origin)
	}
	return u, nil
}

// Version builds the lifecycle version described by the worker section.
func (c Config) Version() lifecycle.Version {
	v := lifecycle.Version{
		Tag:      c.Worker.Version,
		Precache: cachestore.Namespace{Name: c.Worker.PrecacheName, Version: c.Worker.Version},
		Manifest: append([]string(nil), c.Worker.Manifest...),
		Strategy: fetch.Policy(c.Worker.Strategy),
	}
	if c.Worker.DynamicName != "" {
		v.Dynamic = cachestore.Namespace{Name: c.Worker.DynamicName, Version: c.Worker.Version}
	}
	return v
}

// BackendConfig returns the storage backend configuration.
func (c Config) BackendConfig(logger *slog.Logger) backend.Config {
	return backend.Config{
		Type: c.Storage.Backend,
		Path: c.Storage.Path,
		Valkey: backend.ValkeyConfig{
			Address:  c.Storage.Valkey.Address,
			Username: c.Storage.Valkey.Username,
			Password: c.Storage.Valkey.Password,
			DB:       c.Storage.Valkey.DB,
			Prefix:   c.Storage.Valkey.Prefix,
		},
		Logger: logger,
	}
}

// WorkerConfig returns the worker configuration. Call Validate first.
func (c Config) WorkerConfig(logger *slog.Logger) (worker.Config, error) {
	origin, err := c.OriginURL()
	if err != nil {
		return worker.Config{}, err
	}
	return worker.Config{
		Origin:            origin,
		Version:           c.Version(),
		DiscoverAssets:    c.Worker.DiscoverAssets,
		FetchTimeout:      c.Fetch.Timeout,
		MaxBodySize:       c.Fetch.MaxBodySize,
		QueueMaxAttempts:  c.Queue.MaxAttempts,
		QueueKeyByURL:     c.Queue.KeyByURL,
		ReplayConcurrency: c.Queue.Concurrency,
		Expiry: expiry.Config{
			TTL:           c.Expiry.TTL,
			MaxEntries:    c.Expiry.MaxEntries,
			MaxSize:       c.Expiry.MaxSize,
			CheckInterval: c.Expiry.CheckInterval,
			Logger:        logger,
		},
		ProbeInterval: c.Connectivity.Interval,
		ProbePath:     c.Connectivity.ProbePath,
		Logger:        logger,
	}, nil
}

// ServerConfig returns the HTTP server configuration.
func (c Config) ServerConfig(logger *slog.Logger) server.Config {
	return server.Config{
		Address:            c.Server.Address,
		AuthToken:          c.Server.AuthToken,
		CaptureFailedPosts: c.Server.CaptureFailedPosts,
		MaxCaptureBody:     c.Server.MaxCaptureBody,
		Logger:             logger,
	}
}

// TelemetryConfig returns the metrics configuration.
func (c Config) TelemetryConfig(serviceVersion string) telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		ServiceName:      "offline-cache",
		ServiceVersion:   serviceVersion,
		OTLPEndpoint:     c.Metrics.OTLPEndpoint,
		EnablePrometheus: c.Metrics.Prometheus,
		FlushInterval:    c.Metrics.FlushInterval,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}
