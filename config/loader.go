package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "OFFLINE_CACHE"

// Loader resolves the configuration with env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader returns a loader reading the given files in order. The format
// follows the extension: YAML, JSON or TOML. Empty
// paths are skipped; missing files are an error.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configured file paths.
func (l *Loader) Files() []string {
	var out []string
	for _, f := range l.files {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Load builds and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	// Env keys arrive lowercased; map them back onto the camelCase keys the
	// defaults declare. Keys whose default is a list take comma separated
	// values.
	canonical := make(map[string]string)
	lists := make(map[string]bool)
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
		if _, ok := k.Get(key).([]string); ok {
			lists[key] = true
		}
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(name, value string) (string, any) {
			// OFFLINE_CACHE_WORKER__PRECACHE_NAME -> worker.precacheName
			key := strings.TrimPrefix(name, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				key = mapped
			}
			if lists[key] {
				return key, splitList(value)
			}
			return key, value
		}
		if err := k.Load(env.ProviderWithValue(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList splits a comma separated env value, dropping empty items.
func splitList(value string) []string {
	var out []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %q", ext)
	}
}

// structToMap converts the defaults into a map for the confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"address":            cfg.Server.Address,
			"authToken":          cfg.Server.AuthToken,
			"captureFailedPosts": cfg.Server.CaptureFailedPosts,
			"maxCaptureBody":     cfg.Server.MaxCaptureBody,
		},
		"worker": map[string]any{
			"origin":         cfg.Worker.Origin,
			"version":        cfg.Worker.Version,
			"precacheName":   cfg.Worker.PrecacheName,
			"dynamicName":    cfg.Worker.DynamicName,
			"manifest":       cfg.Worker.Manifest,
			"strategy":       cfg.Worker.Strategy,
			"discoverAssets": cfg.Worker.DiscoverAssets,
		},
		"storage": map[string]any{
			"backend": cfg.Storage.Backend,
			"path":    cfg.Storage.Path,
			"valkey": map[string]any{
				"address":  cfg.Storage.Valkey.Address,
				"username": cfg.Storage.Valkey.Username,
				"password": cfg.Storage.Valkey.Password,
				"db":       cfg.Storage.Valkey.DB,
				"prefix":   cfg.Storage.Valkey.Prefix,
			},
		},
		"fetch": map[string]any{
			"timeout":     cfg.Fetch.Timeout,
			"maxBodySize": cfg.Fetch.MaxBodySize,
		},
		"queue": map[string]any{
			"maxAttempts": cfg.Queue.MaxAttempts,
			"keyByURL":    cfg.Queue.KeyByURL,
			"concurrency": cfg.Queue.Concurrency,
		},
		"expiry": map[string]any{
			"ttl":           cfg.Expiry.TTL,
			"maxEntries":    cfg.Expiry.MaxEntries,
			"maxSize":       cfg.Expiry.MaxSize,
			"checkInterval": cfg.Expiry.CheckInterval,
		},
		"connectivity": map[string]any{
			"interval":  cfg.Connectivity.Interval,
			"probePath": cfg.Connectivity.ProbePath,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"metrics": map[string]any{
			"prometheus":    cfg.Metrics.Prometheus,
			"otlpEndpoint":  cfg.Metrics.OTLPEndpoint,
			"flushInterval": cfg.Metrics.FlushInterval,
		},
	}
}
