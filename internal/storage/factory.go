package storage

import (
	"context"
	"fmt"
	"log"

	"github.com/pickwatt/pickwatt/internal/migrate"
)

// Config controls how the storage backend is opened.
type Config struct {
	Driver string
	DSN    string
	Homes  []HouseAddress
}

// Open constructs a Storage based on the given configuration. The gorm
// drivers auto-migrate their schema on open; postgrespool runs the goose
// migrations instead, since the pgx backend never creates tables itself.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	drv := cfg.Driver
	if drv == "" {
		drv = "memory"
	}
	switch drv {
	case "memory":
		log.Printf("storage: using in-memory backend")
		if len(cfg.Homes) > 0 {
			return NewMemoryWithHomes(cfg.Homes), nil
		}
		return NewMemory(), nil

	case "sqlite", "postgres":
		log.Printf("storage: using gorm driver=%s", drv)
		st, err := NewGormStorage(drv, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("storage migrate: %w", err)
		}
		return st, nil

	case "postgrespool":
		log.Printf("storage: using pgxpool backend")
		if err := migrate.Up(ctx, drv, cfg.DSN); err != nil {
			return nil, fmt.Errorf("storage migrate: %w", err)
		}
		return OpenPostgresPool(ctx, cfg.DSN)

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", drv)
	}
}
