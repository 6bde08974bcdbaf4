package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/offline-cache/backend"
	"github.com/wolfeidau/offline-cache/fetch"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline-cache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr string
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, DefaultConfig(), cfg)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, `
worker:
  origin: https://loyalty.example.com
  version: v7
  strategy: network-first
  manifest:
    - /
    - /static/app.js
fetch:
  timeout: 3s
expiry:
  ttl: 1h
  maxEntries: 20
`)}
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, "https://loyalty.example.com", cfg.Worker.Origin)
				assert.Equal(t, "v7", cfg.Worker.Version)
				assert.Equal(t, string(fetch.NetworkFirst), cfg.Worker.Strategy)
				assert.Equal(t, []string{"/", "/static/app.js"}, cfg.Worker.Manifest)
				assert.Equal(t, 3*time.Second, cfg.Fetch.Timeout)
				assert.Equal(t, time.Hour, cfg.Expiry.TTL)
				assert.Equal(t, 20, cfg.Expiry.MaxEntries)
				// untouched keys keep their defaults
				assert.Equal(t, "loyalty-app", cfg.Worker.PrecacheName)
				assert.Equal(t, ":8080", cfg.Server.Address)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeConfig(t, "worker:\n  version: v7\n")
				t.Setenv("OFFLINE_CACHE_WORKER__VERSION", "v8")
				t.Setenv("OFFLINE_CACHE_WORKER__PRECACHE_NAME", "rewards-app")
				t.Setenv("OFFLINE_CACHE_QUEUE__KEYBYURL", "true")
				t.Setenv("OFFLINE_CACHE_QUEUE__MAX_ATTEMPTS", "9")
				t.Setenv("OFFLINE_CACHE_STORAGE__BACKEND", backend.TypeMemory)
				t.Setenv("OFFLINE_CACHE_CONNECTIVITY__INTERVAL", "5s")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, "v8", cfg.Worker.Version)
				assert.Equal(t, "rewards-app", cfg.Worker.PrecacheName)
				assert.True(t, cfg.Queue.KeyByURL)
				assert.Equal(t, 9, cfg.Queue.MaxAttempts)
				assert.Equal(t, backend.TypeMemory, cfg.Storage.Backend)
				assert.Equal(t, 5*time.Second, cfg.Connectivity.Interval)
			},
		},
		{
			name: "splits manifest from env",
			setup: func(t *testing.T) []string {
				t.Setenv("OFFLINE_CACHE_WORKER__MANIFEST", "/,/offline.html")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, []string{"/", "/offline.html"}, cfg.Worker.Manifest)
			},
		},
		{
			name: "env manifest overrides file",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "offline-cache.yaml")
				require.NoError(t, os.WriteFile(path, []byte("worker:\n  manifest:\n    - /from-file\n"), 0o600))
				t.Setenv("OFFLINE_CACHE_WORKER__MANIFEST", " /dashboard/ , /static/app.js,")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, []string{"/dashboard/", "/static/app.js"}, cfg.Worker.Manifest)
			},
		},
		{
			name: "reads json",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "offline-cache.json")
				require.NoError(t, os.WriteFile(path, []byte(`{"worker":{"version":"v3"},"queue":{"maxAttempts":4}}`), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, "v3", cfg.Worker.Version)
				assert.Equal(t, 4, cfg.Queue.MaxAttempts)
			},
		},
		{
			name: "reads toml",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "offline-cache.toml")
				require.NoError(t, os.WriteFile(path, []byte("[worker]\nversion = \"v4\"\nstrategy = \"network-first\"\n"), 0o600))
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				assert.Equal(t, "v4", cfg.Worker.Version)
				assert.Equal(t, string(fetch.NetworkFirst), cfg.Worker.Strategy)
			},
		},
		{
			name: "unsupported extension",
			setup: func(t *testing.T) []string {
				path := filepath.Join(t.TempDir(), "offline-cache.ini")
				require.NoError(t, os.WriteFile(path, []byte("version=v1\n"), 0o600))
				return []string{path}
			},
			wantErr: "unsupported config file extension",
		},
		{
			name: "missing file",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "absent.yaml")}
			},
			wantErr: "not found",
		},
		{
			name: "invalid result",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, "worker:\n  strategy: fastest\n")}
			},
			wantErr: "fastest",
		},
		{
			name: "malformed yaml",
			setup: func(t *testing.T) []string {
				return []string{writeConfig(t, "worker: [\n")}
			},
			wantErr: "load file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files := tt.setup(t)
			cfg, err := NewLoader(EnvPrefix, files...).Load(context.Background())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.assert(t, cfg)
		})
	}
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoader(EnvPrefix, writeConfig(t, "worker:\n  version: v2\n")).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		_, err := ParseLevel(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"/", "/offline.html"}, splitList("/,/offline.html"))
	assert.Equal(t, []string{"/"}, splitList(" / ,, "))
	assert.Nil(t, splitList(""))
}
