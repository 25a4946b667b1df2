// Package config reads service configuration from PICKWATT_-prefixed
// environment variables, with sane defaults for local development.
package config

import (
	"os"
	"strconv"
)

type Config struct {
	// Port the HTTP API listens on.
	Port string
	// DBDriver selects the storage backend: memory, sqlite, postgres, or
	// postgrespool.
	DBDriver string
	// DBDSN is the driver-specific connection string.
	DBDSN string

	// DraftEndpoint is the AI draft-parser URL; empty disables AI drafting
	// and the extractors run on their own.
	DraftEndpoint string
	DraftAPIKey   string

	// OffersEndpoint is the marketplace offers API; empty disables live
	// offer fetches, leaving only stored snapshots.
	OffersEndpoint string
	OffersAPIKey   string

	// EflCacheDir, when set, archives fetched EFL PDFs by content hash.
	EflCacheDir string

	// WorkerIntervalSeconds is how often the worker scans for due homes.
	// A DB setting named pipeline_scan_interval_seconds overrides it.
	WorkerIntervalSeconds int
}

// FromEnv builds a Config from environment variables, with sane defaults.
func FromEnv() Config {
	return Config{
		Port:                  getenv("PICKWATT_PORT", "8080"),
		DBDriver:              getenv("PICKWATT_DB_DRIVER", "sqlite"),
		DBDSN:                 getenv("PICKWATT_DB_DSN", "pickwatt.db"),
		DraftEndpoint:         os.Getenv("PICKWATT_DRAFT_ENDPOINT"),
		DraftAPIKey:           os.Getenv("PICKWATT_DRAFT_API_KEY"),
		OffersEndpoint:        os.Getenv("PICKWATT_OFFERS_ENDPOINT"),
		OffersAPIKey:          os.Getenv("PICKWATT_OFFERS_API_KEY"),
		EflCacheDir:           os.Getenv("PICKWATT_EFL_CACHE_DIR"),
		WorkerIntervalSeconds: getenvInt("PICKWATT_WORKER_INTERVAL_SECONDS", 300),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
