package maintenance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/internal/fsutil"
)

type countingPurger struct {
	calls atomic.Int32
	err   error
}

func (p *countingPurger) PurgeExpired(context.Context) (int, error) {
	p.calls.Add(1)
	return 1, p.err
}

func TestRunOnce(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "alice", fsutil.HomeDir)
	staging := filepath.Join(root, "alice", fsutil.StagingDirName)
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.MkdirAll(staging, 0o755))

	stale := filepath.Join(staging, "aa.part")
	fresh := filepath.Join(staging, "bb.part")
	done := filepath.Join(home, "done.bin.part")
	for _, p := range []string{stale, fresh, done} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	now := time.Now()
	old := now.Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(done, old, old))

	p := &countingPurger{}
	m := NewManager(Options{Schedule: "@hourly", StorageRoot: root, StaleAfter: 48 * time.Hour}, p, nil)
	m.now = func() time.Time { return now }
	m.RunOnce()

	assert.Equal(t, int32(1), p.calls.Load())
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, done)
}

func TestRunOnce_PurgeErrorIsLogged(t *testing.T) {
	p := &countingPurger{err: errors.New("db down")}
	m := NewManager(Options{Schedule: "@hourly"}, p, nil)
	assert.NotPanics(t, m.RunOnce)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestStart(t *testing.T) {
	m := NewManager(Options{Schedule: "not a schedule"}, &countingPurger{}, nil)
	require.Error(t, m.Start())

	m = NewManager(Options{}, &countingPurger{}, nil)
	require.Error(t, m.Start())

	m = NewManager(Options{Schedule: "@every 1h"}, &countingPurger{}, nil)
	require.NoError(t, m.Start())
	assert.Len(t, m.cron.Entries(), 2)
	m.Stop()
}
