// Package jobstore picks the job store backend named in the config.
package jobstore

import (
	"context"
	"fmt"

	"github.com/manthysbr/npsat-dispatch/internal/adapters/duckdb"
	"github.com/manthysbr/npsat-dispatch/internal/adapters/postgres"
	"github.com/manthysbr/npsat-dispatch/internal/adapters/sqlstore"
	"github.com/manthysbr/npsat-dispatch/internal/config"
)

func Open(ctx context.Context, cfg config.StoreConfig) (*sqlstore.Store, error) {
	switch cfg.Driver {
	case "duckdb":
		return duckdb.NewRepository(ctx, cfg.DSN, cfg.Migrate)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.Migrate)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
