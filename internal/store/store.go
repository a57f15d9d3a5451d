// Package store opens the SQL database that backs the credential and share
// repositories and applies the embedded schema migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"drivepulse/internal/common"
	"drivepulse/internal/store/migrations"
)

// DBTX is the subset of database/sql used by the repositories.
// Both *sql.DB and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders to $1, $2, ... for postgres. Queries are
// written with ? and never contain literal question marks.
func (d Dialect) Rebind(q string) string {
	if d != Postgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) gooseDialect() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite3"
}

type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
// A sqlite dsn is a file path (its directory is created) or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var (
		db  *sql.DB
		d   Dialect
		err error
	)
	switch Dialect(driver) {
	case SQLite:
		d = SQLite
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err == nil {
			// One writer; also keeps ":memory:" a single database.
			db.SetMaxOpenConns(1)
		}
	case Postgres:
		d = Postgres
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported sql driver %q", common.ErrConfiguration, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := Migrate(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{DB: db, Dialect: d}, nil
}

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Migrate applies the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.gooseDialect()); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
