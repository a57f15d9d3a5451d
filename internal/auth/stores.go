package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"drivepulse/internal/common"
	"drivepulse/internal/store"
)

// JSONStore keeps credentials in users.json as a flat username -> hash map.
type JSONStore struct {
	f *store.JSONFile
}

func NewJSONStore(f *store.JSONFile) *JSONStore {
	return &JSONStore{f: f}
}

func (s *JSONStore) Get(ctx context.Context, username string) (Credential, error) {
	var m map[string]string
	if err := s.f.View(&m); err != nil {
		return Credential{}, err
	}
	h, ok := m[username]
	if !ok {
		return Credential{}, common.ErrNotFound
	}
	return Credential{Username: username, PasswordHash: h}, nil
}

func (s *JSONStore) Insert(ctx context.Context, c Credential) error {
	var m map[string]string
	return s.f.Update(&m, func() error {
		if m == nil {
			m = map[string]string{}
		}
		if _, ok := m[c.Username]; ok {
			return common.ErrAlreadyExists
		}
		m[c.Username] = c.PasswordHash
		return nil
	})
}

func (s *JSONStore) UpdateHash(ctx context.Context, username, hash string) error {
	var m map[string]string
	return s.f.Update(&m, func() error {
		if _, ok := m[username]; !ok {
			return common.ErrNotFound
		}
		m[username] = hash
		return nil
	})
}

func (s *JSONStore) Delete(ctx context.Context, username string) error {
	var m map[string]string
	return s.f.Update(&m, func() error {
		delete(m, username)
		return nil
	})
}

type SQLStore struct {
	db      store.DBTX
	dialect store.Dialect
}

func NewSQLStore(db store.DBTX, dialect store.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Get(ctx context.Context, username string) (Credential, error) {
	query := s.dialect.Rebind(
		`SELECT username, password_hash, created_at FROM users
		 WHERE username = ?`)

	var c Credential
	var created int64
	err := s.db.QueryRowContext(ctx, query, username).Scan(&c.Username, &c.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, common.ErrNotFound
		}
		return Credential{}, fmt.Errorf("db error: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0)
	return c, nil
}

func (s *SQLStore) Insert(ctx context.Context, c Credential) error {
	query := s.dialect.Rebind(
		`INSERT INTO users (username, password_hash, created_at)
		 VALUES (?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query, c.Username, c.PasswordHash, c.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateHash(ctx context.Context, username, hash string) error {
	query := s.dialect.Rebind(`UPDATE users SET password_hash = ? WHERE username = ?`)

	res, err := s.db.ExecContext(ctx, query, hash, username)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, username string) error {
	query := s.dialect.Rebind(`DELETE FROM users WHERE username = ?`)

	if _, err := s.db.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// isUniqueViolation matches postgres SQLSTATE 23505 and sqlite's
// "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// MemoryStore is an in-process Store for tests and throwaway servers.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[string]Credential{}}
}

func (s *MemoryStore) Get(_ context.Context, username string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[username]
	if !ok {
		return Credential{}, common.ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Insert(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[c.Username]; ok {
		return common.ErrAlreadyExists
	}
	s.m[c.Username] = c
	return nil
}

func (s *MemoryStore) UpdateHash(_ context.Context, username, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.m[username]
	if !ok {
		return common.ErrNotFound
	}
	c.PasswordHash = hash
	s.m[username] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, username)
	return nil
}
