package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"drivepulse/internal/common"
	"drivepulse/internal/store"
)

// SQLRepository stores share times as unix nanoseconds.
type SQLRepository struct {
	db      store.DBTX
	dialect store.Dialect
}

func NewSQLRepository(db store.DBTX, dialect store.Dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect}
}

func (r *SQLRepository) Put(ctx context.Context, rec Record) error {
	query := r.dialect.Rebind(
		`INSERT INTO shares (token, username, rel_path, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?)`)

	_, err := r.db.ExecContext(ctx, query,
		rec.Token, rec.Username, rec.RelPath, rec.ExpiresAt.UnixNano(), rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, token string) (Record, error) {
	query := r.dialect.Rebind(
		`SELECT username, rel_path, expires_at, created_at FROM shares
		 WHERE token = ?`)

	rec := Record{Token: token}
	var exp, created int64
	err := r.db.QueryRowContext(ctx, query, token).Scan(&rec.Username, &rec.RelPath, &exp, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, common.ErrNotFound
		}
		return Record{}, fmt.Errorf("db error: %w", err)
	}
	rec.ExpiresAt = time.Unix(0, exp)
	rec.CreatedAt = time.Unix(0, created)
	return rec, nil
}

func (r *SQLRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	query := r.dialect.Rebind(`DELETE FROM shares WHERE expires_at <= ?`)

	res, err := r.db.ExecContext(ctx, query, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}
