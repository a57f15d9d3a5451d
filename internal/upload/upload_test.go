package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
)

func newSandbox(t *testing.T) *fsutil.Sandbox {
	t.Helper()
	sb, err := fsutil.OpenSandbox(t.TempDir(), "alice")
	require.NoError(t, err)
	return sb
}

func dest(t *testing.T, sb *fsutil.Sandbox, name string) fsutil.ResolvedPath {
	t.Helper()
	p, err := sb.ResolveForCreate(name)
	require.NoError(t, err)
	return p
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i * 7) % 253)
	}
	return b
}

func TestWriteChunk_SinglePass(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{BufferSize: MinBufferSize}, nil)
	data := payload(50_000)
	d := dest(t, sb, "movie.mp4")

	res, err := w.WriteChunk(context.Background(), d, bytes.NewReader(data), 0, int64(len(data)))
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, int64(len(data)), res.Size)

	got, err := os.ReadFile(d.Abs())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.NoFileExists(t, StagingPath(d))

	st, err := os.Stat(d.Abs())
	require.NoError(t, err)
	assert.Equal(t, DefaultFileMode, st.Mode().Perm()&DefaultFileMode)
}

func TestWriteChunk_ResumableAnySplit(t *testing.T) {
	const n = 20_000
	data := payload(n)

	for _, strict := range []bool{false, true} {
		w := New(Options{BufferSize: MinBufferSize, StrictOffsets: strict}, nil)
		for _, k := range []int{0, 1, 8191, 8192, 8193, n / 2, n - 1, n} {
			sb := newSandbox(t)
			d := dest(t, sb, "f.bin")
			ctx := context.Background()

			res, err := w.WriteChunk(ctx, d, bytes.NewReader(data[:k]), 0, n)
			require.NoError(t, err, "k=%d", k)
			if k < n {
				assert.False(t, res.Complete)
				assert.NoFileExists(t, d.Abs(), "partial upload must not be visible")
			}

			res, err = w.WriteChunk(ctx, d, bytes.NewReader(data[k:]), int64(k), n)
			require.NoError(t, err, "k=%d", k)
			assert.True(t, res.Complete, "k=%d", k)

			got, err := os.ReadFile(d.Abs())
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "k=%d strict=%v", k, strict)
			assert.NoFileExists(t, StagingPath(d))
		}
	}
}

func TestWriteChunk_RetriedChunkOverwritesInPlace(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{}, nil)
	d := dest(t, sb, "f.bin")
	ctx := context.Background()
	data := payload(300)

	_, err := w.WriteChunk(ctx, d, bytes.NewReader(data[:200]), 0, 300)
	require.NoError(t, err)
	// Client retries the second hundred bytes, then finishes.
	_, err = w.WriteChunk(ctx, d, bytes.NewReader(data[100:200]), 100, 300)
	require.NoError(t, err)
	res, err := w.WriteChunk(ctx, d, bytes.NewReader(data[200:]), 200, 300)
	require.NoError(t, err)
	require.True(t, res.Complete)

	got, err := os.ReadFile(d.Abs())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestWriteChunk_StrictOffsetMismatch(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{StrictOffsets: true}, nil)
	d := dest(t, sb, "f.bin")
	ctx := context.Background()

	_, err := w.WriteChunk(ctx, d, bytes.NewReader(payload(10)), 0, 100)
	require.NoError(t, err)

	_, err = w.WriteChunk(ctx, d, bytes.NewReader(payload(10)), 50, 100)
	require.ErrorIs(t, err, common.ErrOffsetMismatch)
	staged, complete := w.Offset(d)
	assert.Equal(t, int64(10), staged)
	assert.False(t, complete)

	// Lenient mode seeks past the end instead.
	lenient := New(Options{}, nil)
	res, err := lenient.WriteChunk(ctx, d, bytes.NewReader(payload(10)), 50, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Size)
}

type failingReader struct {
	data []byte
	done bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.done {
		return 0, errors.New("connection reset")
	}
	f.done = true
	return copy(p, f.data), nil
}

func TestWriteChunk_FailureRemovesStaging(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{}, nil)
	d := dest(t, sb, "f.bin")
	ctx := context.Background()

	_, err := w.WriteChunk(ctx, d, bytes.NewReader(payload(100)), 0, 1000)
	require.NoError(t, err)
	require.FileExists(t, StagingPath(d))

	_, err = w.WriteChunk(ctx, d, &failingReader{data: payload(50)}, 100, 1000)
	require.ErrorIs(t, err, common.ErrChunkWriteFailed)
	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CausePartial, ue.Cause)
	assert.Equal(t, "f.bin", ue.File)

	assert.NoFileExists(t, StagingPath(d))
	assert.NoFileExists(t, d.Abs())
}

func TestWriteChunk_CancelledContext(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{}, nil)
	d := dest(t, sb, "f.bin")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.WriteChunk(ctx, d, bytes.NewReader(payload(10)), 0, 10)
	require.ErrorIs(t, err, common.ErrChunkWriteFailed)
	assert.NoFileExists(t, StagingPath(d))
}

func TestWriteChunk_Limits(t *testing.T) {
	sb := newSandbox(t)
	ctx := context.Background()

	w := New(Options{MaxChunkBytes: 16, BlockedExtensions: []string{"EXE", ".php"}}, nil)

	_, err := w.WriteChunk(ctx, dest(t, sb, "big.bin"), bytes.NewReader(payload(17)), 0, 17)
	var ue *Error
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CauseIniSize, ue.Cause)
	assert.NoFileExists(t, StagingPath(dest(t, sb, "big.bin")))

	_, err = w.WriteChunk(ctx, dest(t, sb, "ok.bin"), bytes.NewReader(payload(16)), 0, 16)
	require.NoError(t, err)

	for _, name := range []string{"setup.exe", "x.PHP"} {
		_, err = w.WriteChunk(ctx, dest(t, sb, name), bytes.NewReader(payload(1)), 0, 1)
		require.True(t, errors.As(err, &ue), name)
		assert.Equal(t, CauseExtension, ue.Cause)
	}

	_, err = w.WriteChunk(ctx, dest(t, sb, "nil.bin"), nil, 0, 1)
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, CauseNoFile, ue.Cause)

	_, err = w.WriteChunk(ctx, dest(t, sb, "neg.bin"), bytes.NewReader(nil), -1, 1)
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestWriteChunk_EmptyFile(t *testing.T) {
	sb := newSandbox(t)
	d := dest(t, sb, "empty.txt")
	res, err := New(Options{}, nil).WriteChunk(context.Background(), d, bytes.NewReader(nil), 0, 0)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.FileExists(t, d.Abs())
}

func TestWriteChunk_FolderInTheWay(t *testing.T) {
	sb := newSandbox(t)
	require.NoError(t, os.Mkdir(filepath.Join(sb.Root().Abs(), "dir"), 0o755))
	_, err := New(Options{}, nil).WriteChunk(context.Background(), dest(t, sb, "dir"), bytes.NewReader(payload(1)), 0, 1)
	require.ErrorIs(t, err, common.ErrAlreadyExists)
}

func TestWriteBatch_IndependentElements(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{BlockedExtensions: []string{".exe"}}, nil)

	items := []Item{
		{Name: "a.txt", Data: bytes.NewReader([]byte("aaa")), Total: 3},
		{Name: "bad.exe", Data: bytes.NewReader([]byte("x")), Total: 1},
		{Name: "../escape.txt", Data: bytes.NewReader([]byte("x")), Total: 1},
		{Name: "partial.bin", Cause: CausePartial},
		{Name: "b.txt", Data: bytes.NewReader([]byte("bb")), Total: 2},
	}
	results, errs := w.WriteBatch(context.Background(), sb.Root(), items)

	require.Len(t, results, 2)
	assert.Equal(t, "a.txt", results[0].Name)
	assert.Equal(t, "b.txt", results[1].Name)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "Upload error for bad.exe")
	assert.ErrorIs(t, errs[1], common.ErrInvalidInput)
	assert.Contains(t, errs[2].Error(), CausePartial.String())

	assert.FileExists(t, filepath.Join(sb.Root().Abs(), "a.txt"))
	assert.FileExists(t, filepath.Join(sb.Root().Abs(), "b.txt"))
}

func TestOffset(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{}, nil)
	d := dest(t, sb, "f.bin")

	staged, complete := w.Offset(d)
	assert.Zero(t, staged)
	assert.False(t, complete)

	_, err := w.WriteChunk(context.Background(), d, bytes.NewReader(payload(5)), 0, 10)
	require.NoError(t, err)
	staged, _ = w.Offset(d)
	assert.Equal(t, int64(5), staged)

	_, err = w.WriteChunk(context.Background(), d, io.LimitReader(bytes.NewReader(payload(5)), 5), 5, 10)
	require.NoError(t, err)
	staged, complete = w.Offset(d)
	assert.Equal(t, int64(10), staged)
	assert.True(t, complete)
}

func TestWriteChunk_StagingOutsideHome(t *testing.T) {
	sb := newSandbox(t)
	w := New(Options{}, nil)
	ctx := context.Background()

	a := dest(t, sb, "a.txt")
	_, err := w.WriteChunk(ctx, a, bytes.NewReader(payload(4)), 0, 8)
	require.NoError(t, err)
	assert.Equal(t, sb.StagingDir(), filepath.Dir(StagingPath(a)))

	// A user file whose name ends in .part is an ordinary destination.
	ap := dest(t, sb, "a.txt.part")
	res, err := w.WriteChunk(ctx, ap, bytes.NewReader(payload(3)), 0, 3)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.FileExists(t, ap.Abs())

	staged, complete := w.Offset(a)
	assert.Equal(t, int64(4), staged)
	assert.False(t, complete)

	des, err := os.ReadDir(sb.Root().Abs())
	require.NoError(t, err)
	require.Len(t, des, 1)
	assert.Equal(t, "a.txt.part", des[0].Name())

	w.Discard(ctx, a)
	assert.NoFileExists(t, StagingPath(a))
	w.Discard(ctx, a)
}

func TestReclaim(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	old := filepath.Join(root, "alice", fsutil.StagingDirName, "0123.part")
	fresh := filepath.Join(root, "bob", fsutil.StagingDirName, "4567.part")
	userPart := filepath.Join(root, "alice", "Home", "backup.part")
	keep := filepath.Join(root, "alice", "Home", "done.bin")
	for _, p := range []string{old, fresh, userPart, keep} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))
	stale := now.Add(-72 * time.Hour)
	for _, p := range []string{old, userPart, keep} {
		require.NoError(t, os.Chtimes(p, stale, stale))
	}

	n, err := Reclaim(context.Background(), root, 48*time.Hour, now, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, userPart)
	assert.FileExists(t, keep)

	n, err = Reclaim(context.Background(), filepath.Join(root, "missing"), time.Hour, now, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}
