package share

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/internal/common"
	"drivepulse/internal/store"
)

func newRepoWithMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return NewSQLRepository(db, store.Postgres), mock, db
}

func TestSQLRepository_Put_Postgres(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^INSERT\s+INTO\s+shares\s*\(token,\s*username,\s*rel_path,\s*expires_at,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5\)$`
	mock.ExpectExec(q).
		WithArgs("tok", "alice", "a.txt", int64(200_000_000_500), int64(100_000_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Put(context.Background(), Record{
		Token: "tok", Username: "alice", RelPath: "a.txt",
		ExpiresAt: time.Unix(200, 500), CreatedAt: time.Unix(100, 0),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRepository_Put_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+shares`).WillReturnError(errors.New("db down"))

	err := repo.Put(context.Background(), Record{Token: "tok"})
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestSQLRepository_Get_Postgres(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	q := `(?s)^SELECT\s+username,\s*rel_path,\s*expires_at,\s*created_at\s+FROM\s+shares\s+WHERE\s+token\s*=\s*\$1$`
	rows := sqlmock.NewRows([]string{"username", "rel_path", "expires_at", "created_at"}).
		AddRow("alice", "a.txt", int64(200_000_000_500), int64(100_000_000_000))
	mock.ExpectQuery(q).WithArgs("tok").WillReturnRows(rows)

	rec, err := repo.Get(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Username)
	assert.True(t, time.Unix(200, 500).Equal(rec.ExpiresAt))

	mock.ExpectQuery(q).WithArgs("ghost").WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLRepository_DeleteExpired_Postgres(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^DELETE\s+FROM\s+shares\s+WHERE\s+expires_at\s*<=\s*\$1$`).
		WithArgs(int64(500_000_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpired(context.Background(), time.Unix(500, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSQLRepository_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	c := &clock{t: time.Unix(1_700_000_000, 987_654_321)}
	iss := NewIssuer(NewSQLRepository(db, db.Dialect), time.Hour, WithClock(c.now))

	rec, err := iss.Issue(ctx, "alice", "x/y.mkv")
	require.NoError(t, err)
	got, err := iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, "x/y.mkv", got.RelPath)
	assert.True(t, c.t.Add(time.Hour).Equal(got.ExpiresAt), got.ExpiresAt)

	c.t = c.t.Add(time.Hour - time.Nanosecond)
	_, err = iss.Redeem(ctx, rec.Token)
	require.NoError(t, err)

	c.t = c.t.Add(time.Nanosecond)
	_, err = iss.Redeem(ctx, rec.Token)
	require.ErrorIs(t, err, common.ErrTokenExpired)

	n, err := iss.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
