// Package share mints and redeems time-limited public links to one file in a
// user's sandbox.
package share

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"drivepulse/internal/common"
	"drivepulse/internal/logging"
)

const (
	DefaultTTL = 24 * time.Hour
	// TokenBytes of crypto/rand, hex encoded to 32 characters.
	TokenBytes = 16
)

// Record is one issued link. Multiple fetches are allowed until ExpiresAt.
type Record struct {
	Token     string
	Username  string
	RelPath   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Repository persists records keyed by token.
type Repository interface {
	Put(ctx context.Context, r Record) error
	// Get returns common.ErrNotFound for an unknown token.
	Get(ctx context.Context, token string) (Record, error)
	// DeleteExpired removes records whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type Issuer struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
	log  logging.Logger
}

type Option func(*Issuer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(i *Issuer) { i.log = l }
}

func NewIssuer(repo Repository, ttl time.Duration, opts ...Option) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{repo: repo, ttl: ttl, now: time.Now, log: logging.Nop()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Issue mints a token for username's file at relPath, valid for the TTL.
// relPath should already have been resolved against the caller's sandbox.
func (i *Issuer) Issue(ctx context.Context, username, relPath string) (Record, error) {
	if username == "" || relPath == "" {
		return Record{}, fmt.Errorf("%w: username and path required", common.ErrInvalidInput)
	}
	tok, err := common.MakeRandHexString(TokenBytes)
	if err != nil {
		return Record{}, fmt.Errorf("token: %w", err)
	}
	now := i.now()
	rec := Record{
		Token:     tok,
		Username:  username,
		RelPath:   relPath,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}
	if err := i.repo.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	i.log.Info(ctx, "share issued", "user", username, "path", relPath, "expires", rec.ExpiresAt.UTC().Format(time.RFC3339))
	return rec, nil
}

// Redeem looks up token. Malformed tokens are ErrInvalidToken, unknown ones
// ErrNotFound, and expired ones ErrTokenExpired.
func (i *Issuer) Redeem(ctx context.Context, token string) (Record, error) {
	if !ValidToken(token) {
		return Record{}, common.ErrInvalidToken
	}
	rec, err := i.repo.Get(ctx, token)
	if err != nil {
		return Record{}, err
	}
	if rec.Expired(i.now()) {
		return Record{}, common.ErrTokenExpired
	}
	return rec, nil
}

// PurgeExpired drops records that can no longer be redeemed.
func (i *Issuer) PurgeExpired(ctx context.Context) (int, error) {
	n, err := i.repo.DeleteExpired(ctx, i.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.log.Info(ctx, "expired shares purged", "count", n)
	}
	return n, nil
}

// ValidToken reports whether s looks like an issued token.
func ValidToken(s string) bool {
	if len(s) != TokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
