package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	dbschema "github.com/joseph-ayodele/invoice-pipeline/db"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

// DB is an open SQL handle and the dialect it speaks. For Postgres the handle
// is backed by a pgx pool.
type DB struct {
	SQL     *sql.DB
	Dialect dbschema.Dialect
	pool    *pgxpool.Pool
}

// Open connects to the configured driver. The "memory" driver has no SQL
// handle; callers use NewMemoryInvoiceRepository instead.
func Open(ctx context.Context, cfg common.DatabaseConfig, logger *zap.SugaredLogger) (*DB, error) {
	switch cfg.Driver {
	case string(dbschema.Postgres):
		return OpenPostgres(ctx, cfg, logger)
	case string(dbschema.SQLite):
		return OpenSQLite(ctx, cfg.DSN, logger)
	default:
		return nil, errors.Newf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenPostgres creates a pgx pool and wraps it as *sql.DB.
func OpenPostgres(ctx context.Context, cfg common.DatabaseConfig, logger *zap.SugaredLogger) (*DB, error) {
	logger = logging.OrNop(logger)
	logger.Infow("db.connect", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Errorw("db.connect.error", "err", err)
		return nil, common.DatabaseError(err, "parse postgres dsn")
	}

	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MinConns = cfg.MinConns
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "invoice-pipeline"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = cfg.StatementTimeout.String()
	}

	dialCtx, cancel := common.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Errorw("db.connect.error", "err", err)
		return nil, common.DatabaseError(err, "connect postgres")
	}

	logger.Infow("db.connect.ok", "driver", "postgres", "max_conns", pc.MaxConns)
	return &DB{SQL: stdlib.OpenDBFromPool(pool), Dialect: dbschema.Postgres, pool: pool}, nil
}

// OpenSQLite opens a modernc SQLite database. In-memory databases are pinned
// to one connection so every query sees the same schema.
func OpenSQLite(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*DB, error) {
	logger = logging.OrNop(logger)
	logger.Infow("db.connect", "driver", "sqlite", "dsn", dsn)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, common.DatabaseError(err, "open sqlite")
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		conn.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			_ = conn.Close()
			return nil, common.DatabaseError(err, pragma)
		}
	}

	logger.Infow("db.connect.ok", "driver", "sqlite")
	return &DB{SQL: conn, Dialect: dbschema.SQLite}, nil
}

// Migrate applies the embedded schema for the handle's dialect.
func (d *DB) Migrate(ctx context.Context, logger *zap.SugaredLogger) error {
	if err := dbschema.Migrate(ctx, d.SQL, d.Dialect, logger); err != nil {
		return common.DatabaseError(err, "migrate")
	}
	return nil
}

// Close closes the database connections gracefully.
func (d *DB) Close(logger *zap.SugaredLogger) {
	logger = logging.OrNop(logger)
	logger.Infow("db.close")
	if err := d.SQL.Close(); err != nil {
		logger.Errorw("db.close.error", "err", err)
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

// HealthCheck pings the database to catch DSN issues early.
func (d *DB) HealthCheck(ctx context.Context, timeout time.Duration, logger *zap.SugaredLogger) error {
	logger = logging.OrNop(logger)
	logger.Debugw("db.ping")
	ctx, cancel := common.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	if d.pool != nil {
		err = d.pool.Ping(ctx)
	} else {
		err = d.SQL.PingContext(ctx)
	}
	if err != nil {
		return common.DatabaseError(err, "ping")
	}
	logger.Debugw("db.ping.ok")
	return nil
}
