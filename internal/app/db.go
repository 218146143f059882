package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbConnectPingTimeout = 3 * time.Second
	dbMaxConnIdleTime    = 5 * time.Minute
	dbHealthCheckPeriod  = 30 * time.Second
	dbApplicationName    = "parley"
)

// NewDBPool builds a pgxpool from cfg and validates connectivity before
// handing it out. It does NOT run migrations; schema management is handled
// externally.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db config: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	pcfg.MaxConnIdleTime = dbMaxConnIdleTime
	pcfg.HealthCheckPeriod = dbHealthCheckPeriod

	// Identify the service in pg_stat_activity unless the URL already does.
	if pcfg.ConnConfig.RuntimeParams["application_name"] == "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = dbApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db pool: %w", err)
	}

	if err := PingDB(ctx, pool, dbConnectPingTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	return pool, nil
}

// PingDB verifies a round-trip to the database within timeout. Used at
// startup and by the readiness endpoint.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return pool.Ping(ctx)
}
