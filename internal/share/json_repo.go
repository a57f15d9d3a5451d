package share

import (
	"context"
	"time"

	"drivepulse/internal/common"
	"drivepulse/internal/store"
)

// fileRecord is the shares.json value layout: token -> {username, file, expiry}.
// expiry is whole unix seconds and only read when expires_at is absent.
type fileRecord struct {
	Username  string    `json:"username"`
	File      string    `json:"file"`
	Expiry    int64     `json:"expiry"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (fr fileRecord) expires() time.Time {
	if !fr.ExpiresAt.IsZero() {
		return fr.ExpiresAt
	}
	return time.Unix(fr.Expiry, 0)
}

type JSONRepository struct {
	f *store.JSONFile
}

func NewJSONRepository(f *store.JSONFile) *JSONRepository {
	return &JSONRepository{f: f}
}

func (r *JSONRepository) Put(ctx context.Context, rec Record) error {
	var m map[string]fileRecord
	return r.f.Update(&m, func() error {
		if m == nil {
			m = map[string]fileRecord{}
		}
		m[rec.Token] = fileRecord{
			Username:  rec.Username,
			File:      rec.RelPath,
			Expiry:    rec.ExpiresAt.Unix(),
			ExpiresAt: rec.ExpiresAt,
			CreatedAt: rec.CreatedAt,
		}
		return nil
	})
}

func (r *JSONRepository) Get(ctx context.Context, token string) (Record, error) {
	var m map[string]fileRecord
	if err := r.f.View(&m); err != nil {
		return Record{}, err
	}
	fr, ok := m[token]
	if !ok {
		return Record{}, common.ErrNotFound
	}
	return Record{
		Token:     token,
		Username:  fr.Username,
		RelPath:   fr.File,
		ExpiresAt: fr.expires(),
		CreatedAt: fr.CreatedAt,
	}, nil
}

func (r *JSONRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var m map[string]fileRecord
	n := 0
	err := r.f.Update(&m, func() error {
		for tok, fr := range m {
			if !now.Before(fr.expires()) {
				delete(m, tok)
				n++
			}
		}
		return nil
	})
	return n, err
}
