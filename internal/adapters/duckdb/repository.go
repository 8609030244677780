// Package duckdb opens the embedded job store.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/sqlstore"
)

// NewRepository opens (or creates) the DuckDB file at path. An empty path
// opens a private in-memory database. DuckDB allows one writer, so the pool
// is pinned to a single connection.
func NewRepository(ctx context.Context, path string, migrate bool) (*sqlstore.Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
	}

	store := sqlstore.New(db)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate duckdb: %w", err)
		}
	}
	return store, nil
}
