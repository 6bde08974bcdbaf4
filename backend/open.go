package backend

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend type names accepted by Open.
const (
	TypeMemory     = "memory"
	TypeBolt       = "bolt"
	TypeFilesystem = "filesystem"
	TypeLevelDB    = "leveldb"
	TypeValkey     = "valkey"
)

// Config selects and configures a backend.
type Config struct {
	// Type is one of memory, bolt, filesystem, leveldb or valkey.
	Type string
	// Path is the bolt file, leveldb directory or filesystem root.
	Path   string
	Valkey ValkeyConfig
	Logger *slog.Logger
}

// Open builds the configured backend wrapped with metrics.
func Open(cfg Config) (Backend, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		b   Backend
		err error
	)
	switch cfg.Type {
	case TypeMemory:
		b = NewMemory()
	case TypeBolt, "":
		cfg.Type = TypeBolt
		if err := ensureParent(cfg.Path); err != nil {
			return nil, err
		}
		b, err = NewBolt(cfg.Path, WithBoltLogger(cfg.Logger))
	case TypeFilesystem:
		b, err = NewFilesystem(cfg.Path)
	case TypeLevelDB:
		b, err = NewLevelDB(cfg.Path)
	case TypeValkey:
		b, err = NewValkey(cfg.Valkey)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Type, err)
	}

	cfg.Logger.Info("storage backend opened", "type", cfg.Type, "path", cfg.Path)
	return NewInstrumentedBackend(b, cfg.Type), nil
}

func ensureParent(path string) error {
	if path == "" {
		return fmt.Errorf("bolt backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	return nil
}
