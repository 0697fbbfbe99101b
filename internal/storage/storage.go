// Package storage opens the configured ledger store and brings its schema
// up to date.
package storage

import (
	"fmt"

	"github.com/davidahmann/surmed/internal/config"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/ledger/pgstore"
	"github.com/davidahmann/surmed/internal/ledger/sqlstore"
)

// Store is a ledger store that holds resources until closed.
type Store interface {
	ledger.Store
	Close() error
}

type memoryStore struct {
	*ledger.InMemoryStore
}

func (memoryStore) Close() error { return nil }

// Open returns the store named by cfg. SQL stores are migrated before they
// are returned.
func Open(cfg config.DBConfig) (Store, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return memoryStore{ledger.NewInMemoryStore()}, nil
	}
	driver, err := ledger.ParseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	switch driver {
	case ledger.DBSQLite:
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := ledger.Migrate(s.DB(), driver); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, nil
	default:
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := ledger.Migrate(s.DB(), driver); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, nil
	}
}
