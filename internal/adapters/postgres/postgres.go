// Package postgres opens the job store on the web application's PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/sqlstore"
)

// Open connects with a lib/pq DSN such as
// "postgres://npsat:secret@db:5432/npsat?sslmode=disable".
func Open(ctx context.Context, dsn string, migrate bool) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := sqlstore.New(db)
	if migrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return store, nil
}
