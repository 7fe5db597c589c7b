package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Kind names a Store implementation.
type Kind string

const (
	KindMemory     Kind = "memory"
	KindFilesystem Kind = "filesystem"
	KindBolt       Kind = "bolt"
	KindSQLite     Kind = "sqlite"
)

// OpenConfig selects and configures a Store.
type OpenConfig struct {
	Kind Kind

	// Path is the directory (filesystem) or database file (bolt, sqlite).
	Path string

	// Compress wraps the store with zstd compression for large values.
	Compress bool

	Logger *slog.Logger
}

// Open builds the configured Store wrapped with metrics instrumentation.
// The caller should release it with Close.
func Open(ctx context.Context, cfg OpenConfig) (Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		s   Store
		err error
	)
	switch cfg.Kind {
	case KindMemory, "":
		s = NewMemory()
	case KindFilesystem:
		s, err = NewFilesystem(cfg.Path)
	case KindBolt:
		if err = ensureParent(cfg.Path); err == nil {
			s, err = OpenBolt(cfg.Path, WithBoltLogger(cfg.Logger))
		}
	case KindSQLite:
		if err = ensureParent(cfg.Path); err == nil {
			s, err = OpenSQLite(ctx, cfg.Path)
		}
	default:
		return nil, fmt.Errorf("unknown store kind: %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Kind, err)
	}

	if cfg.Compress {
		c, err := NewCompressed(s)
		if err != nil {
			_ = Close(s)
			return nil, err
		}
		s = c
	}

	name := string(cfg.Kind)
	if name == "" {
		name = string(KindMemory)
	}
	return NewInstrumented(s, name), nil
}

func ensureParent(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}
