package share

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/internal/common"
	"drivepulse/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newJSONIssuer(t *testing.T, c *clock) (*Issuer, *JSONRepository) {
	t.Helper()
	f, err := store.OpenJSONFile(filepath.Join(t.TempDir(), "shares.json"))
	require.NoError(t, err)
	repo := NewJSONRepository(f)
	return NewIssuer(repo, 0, WithClock(c.now)), repo
}

func TestIssue_ExpiryIsExactly24h(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	iss, repo := newJSONIssuer(t, c)

	rec, err := iss.Issue(context.Background(), "alice", "docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, c.t.Add(24*time.Hour), rec.ExpiresAt)
	assert.Equal(t, c.t, rec.CreatedAt)
	assert.True(t, ValidToken(rec.Token))

	stored, err := repo.Get(context.Background(), rec.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username)
	assert.Equal(t, "docs/a.pdf", stored.RelPath)
	assert.True(t, rec.ExpiresAt.Equal(stored.ExpiresAt))
}

func TestJSONRepository_KeepsSubSecondExpiry(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 750_000_000, time.UTC)}
	iss, repo := newJSONIssuer(t, c)
	ctx := context.Background()

	rec, err := iss.Issue(ctx, "alice", "a.txt")
	require.NoError(t, err)
	stored, err := repo.Get(ctx, rec.Token)
	require.NoError(t, err)
	assert.True(t, c.t.Add(24*time.Hour).Equal(stored.ExpiresAt), stored.ExpiresAt)
	assert.True(t, c.t.Equal(stored.CreatedAt))

	c.t = c.t.Add(24*time.Hour - time.Millisecond)
	_, err = iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)
	c.t = c.t.Add(time.Millisecond)
	_, err = iss.Redeem(ctx, rec.Token)
	require.ErrorIs(t, err, common.ErrTokenExpired)
}

func TestJSONRepository_ReadsSecondsExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.json")
	tok := "00112233445566778899aabbccddeeff"
	body := `{"` + tok + `": {"username": "alice", "file": "a.txt", "expiry": 1700000000}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	f, err := store.OpenJSONFile(path)
	require.NoError(t, err)

	rec, err := NewJSONRepository(f).Get(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, time.Unix(1_700_000_000, 0).Equal(rec.ExpiresAt))

	n, err := NewJSONRepository(f).DeleteExpired(context.Background(), time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIssue_TokensUnique(t *testing.T) {
	iss := NewIssuer(newMemRepo(), time.Hour)
	seen := make(map[string]struct{}, 2000)
	for i := 0; i < 2000; i++ {
		rec, err := iss.Issue(context.Background(), "alice", "f.txt")
		require.NoError(t, err)
		require.Len(t, rec.Token, 32)
		_, dup := seen[rec.Token]
		require.False(t, dup, "duplicate token %s", rec.Token)
		seen[rec.Token] = struct{}{}
	}
}

func TestIssue_InvalidInput(t *testing.T) {
	iss := NewIssuer(newMemRepo(), time.Hour)
	_, err := iss.Issue(context.Background(), "", "f")
	require.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = iss.Issue(context.Background(), "alice", "")
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestRedeem(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	iss, _ := newJSONIssuer(t, c)
	ctx := context.Background()

	rec, err := iss.Issue(ctx, "alice", "v.mp4")
	require.NoError(t, err)

	got, err := iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, "v.mp4", got.RelPath)

	// Repeated redemption is allowed.
	_, err = iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)

	c.t = c.t.Add(24*time.Hour - time.Second)
	_, err = iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)

	c.t = c.t.Add(time.Second)
	_, err = iss.Redeem(ctx, rec.Token)
	require.ErrorIs(t, err, common.ErrTokenExpired)

	_, err = iss.Redeem(ctx, "not-a-token")
	require.ErrorIs(t, err, common.ErrInvalidToken)
	_, err = iss.Redeem(ctx, "00112233445566778899aabbccddeeff")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestPurgeExpired(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	iss, repo := newJSONIssuer(t, c)
	ctx := context.Background()

	old, err := iss.Issue(ctx, "alice", "old.txt")
	require.NoError(t, err)
	c.t = c.t.Add(12 * time.Hour)
	fresh, err := iss.Issue(ctx, "alice", "fresh.txt")
	require.NoError(t, err)

	c.t = c.t.Add(12 * time.Hour)
	n, err := iss.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, old.Token)
	require.ErrorIs(t, err, common.ErrNotFound)
	_, err = repo.Get(ctx, fresh.Token)
	require.NoError(t, err)
}

type memRepo struct{ m map[string]Record }

func newMemRepo() *memRepo { return &memRepo{m: map[string]Record{}} }

func (r *memRepo) Put(_ context.Context, rec Record) error {
	r.m[rec.Token] = rec
	return nil
}

func (r *memRepo) Get(_ context.Context, token string) (Record, error) {
	rec, ok := r.m[token]
	if !ok {
		return Record{}, common.ErrNotFound
	}
	return rec, nil
}

func (r *memRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for k, rec := range r.m {
		if rec.Expired(now) {
			delete(r.m, k)
			n++
		}
	}
	return n, nil
}
