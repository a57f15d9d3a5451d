package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
)

// Credential is a stored username -> password hash record.
type Credential struct {
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Repository is the identity boundary used by the HTTP layer and the CLI.
type Repository interface {
	// Authenticate returns common.ErrUnauthorized for an unknown user or a
	// wrong password.
	Authenticate(ctx context.Context, username, password string) error
	Lookup(ctx context.Context, username string) (Credential, error)
	Create(ctx context.Context, username, password string) error
	SetPassword(ctx context.Context, username, password string) error
	Delete(ctx context.Context, username string) error
}

// Store is the persistence behind Users. Get and Update return
// common.ErrNotFound for unknown users; Insert returns
// common.ErrAlreadyExists for a taken name.
type Store interface {
	Get(ctx context.Context, username string) (Credential, error)
	Insert(ctx context.Context, c Credential) error
	UpdateHash(ctx context.Context, username, hash string) error
	Delete(ctx context.Context, username string) error
}

// Users implements Repository with bcrypt over a Store.
type Users struct {
	store Store
	cost  int
	now   func() time.Time
}

func NewUsers(store Store, cost int) *Users {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Users{store: store, cost: cost, now: time.Now}
}

// dummyHash keeps the unknown-user path about as slow as a real check.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("drivepulse"), bcrypt.MinCost)

func (u *Users) Authenticate(ctx context.Context, username, password string) error {
	c, err := u.store.Get(ctx, username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrUnauthorized
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return common.ErrUnauthorized
	}
	return nil
}

func (u *Users) Lookup(ctx context.Context, username string) (Credential, error) {
	return u.store.Get(ctx, username)
}

func (u *Users) Create(ctx context.Context, username, password string) error {
	if !fsutil.ValidUsername(username) {
		return fmt.Errorf("%w: invalid username", common.ErrInvalidInput)
	}
	hash, err := u.hash(password)
	if err != nil {
		return err
	}
	return u.store.Insert(ctx, Credential{Username: username, PasswordHash: hash, CreatedAt: u.now()})
}

func (u *Users) SetPassword(ctx context.Context, username, password string) error {
	hash, err := u.hash(password)
	if err != nil {
		return err
	}
	return u.store.UpdateHash(ctx, username, hash)
}

func (u *Users) Delete(ctx context.Context, username string) error {
	return u.store.Delete(ctx, username)
}

func (u *Users) hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("%w: empty password", common.ErrInvalidInput)
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), u.cost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}
	return string(b), nil
}

// HashPassword is the bcrypt hash used for stored credentials.
func HashPassword(password string) (string, error) {
	return NewUsers(nil, 0).hash(password)
}
