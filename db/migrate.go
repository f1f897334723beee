// Package db holds the embedded schema migrations for both supported dialects.
package db

import (
	"context"
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Dialect names a SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Placeholder returns the bind-variable format for d.
func (d Dialect) Placeholder() sq.PlaceholderFormat {
	if d == Postgres {
		return sq.Dollar
	}
	return sq.Question
}

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrations embed.FS

// Migrate applies every migration for dialect that schema_migrations does not
// yet record. 000 creates schema_migrations itself and then records itself.
func Migrate(ctx context.Context, conn *sql.DB, dialect Dialect, logger *zap.SugaredLogger) error {
	dir := path.Join("migrations", string(dialect))
	entries, err := migrations.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "read migrations for %s", dialect)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	builder := sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder())
	applied := 0
	for _, name := range files {
		version := strings.SplitN(name, "_", 2)[0]

		var n int
		q, args, _ := builder.Select("COUNT(*)").From("schema_migrations").Where(sq.Eq{"version": version}).ToSql()
		if err := conn.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
			if version != "000" {
				return errors.Newf("schema_migrations table missing, but migration is not 000: %s", name)
			}
		} else if n > 0 {
			if logger != nil {
				logger.Debugw("db.migrate.skip", "migration", name)
			}
			continue
		}

		body, err := migrations.ReadFile(path.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if logger != nil {
			logger.Infow("db.migrate.apply", "migration", name, "dialect", dialect)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", name)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "execute %s", name)
		}
		ins, insArgs, _ := builder.Insert("schema_migrations").Columns("version").Values(version).ToSql()
		if _, err := tx.ExecContext(ctx, ins, insArgs...); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "record %s", name)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", name)
		}
		applied++
	}

	if logger != nil {
		logger.Infow("db.migrate.ok", "dialect", dialect, "total", len(files), "applied", applied)
	}
	return nil
}
