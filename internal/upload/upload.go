package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/logging"
)

// A chunked, resumable upload protocol with no server-side session object:
//   - the client posts chunks with (file_name, chunk_start, total_size)
//   - offset 0 creates or truncates the staging file, later offsets seek into it
//   - once it holds at least total_size bytes it is renamed to <dest>
//
// Staging files live in the user's staging directory beside Home, named by a
// hash of the destination's relative path, so they never appear in or collide
// with the user's own tree. The staging file's size is the only resume state.

const (
	DefaultBufferSize = 1 << 20
	MinBufferSize     = 8 << 10

	DefaultFileMode fs.FileMode = 0o664
)

type Options struct {
	// BufferSize bounds each copy call, clamped to 8KiB..1MiB.
	BufferSize int
	// MaxChunkBytes rejects chunk bodies larger than this (0 = unlimited).
	MaxChunkBytes int64
	// StrictOffsets rejects a non-zero offset that differs from the staged
	// size, instead of seeking to it.
	StrictOffsets bool
	// BlockedExtensions like ".exe"; matched case-insensitively.
	BlockedExtensions []string
	FileMode          fs.FileMode
}

type Writer struct {
	opts    Options
	blocked map[string]struct{}
	log     logging.Logger
}

// Result reports the state of one destination after a chunk.
type Result struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Total    int64  `json:"total"`
	Complete bool   `json:"complete"`
}

func New(opts Options, log logging.Logger) *Writer {
	if opts.BufferSize <= 0 || opts.BufferSize > DefaultBufferSize {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BufferSize < MinBufferSize {
		opts.BufferSize = MinBufferSize
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultFileMode
	}
	if log == nil {
		log = logging.Nop()
	}
	blocked := make(map[string]struct{}, len(opts.BlockedExtensions))
	for _, ext := range opts.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = struct{}{}
	}
	return &Writer{opts: opts, blocked: blocked, log: log}
}

// StagingPath is where chunks for dest accumulate.
func StagingPath(dest fsutil.ResolvedPath) string {
	sum := sha256.Sum256([]byte(dest.Rel()))
	return filepath.Join(dest.StagingDir(), hex.EncodeToString(sum[:16])+fsutil.StagingSuffix)
}

// Allowed reports whether the extension of name is accepted.
func (w *Writer) Allowed(name string) bool {
	_, bad := w.blocked[strings.ToLower(filepath.Ext(name))]
	return !bad
}

// Discard drops any staged bytes for dest. It is called when dest is deleted
// so an abandoned upload does not linger until the next reclaim.
func (w *Writer) Discard(ctx context.Context, dest fsutil.ResolvedPath) {
	if err := os.Remove(StagingPath(dest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn(ctx, "discard staging file", "dest", dest.Rel(), "err", err)
	}
}

// Offset returns how many bytes are staged for dest, which is where the next
// chunk should start. A finished file reports its full size.
func (w *Writer) Offset(dest fsutil.ResolvedPath) (staged int64, complete bool) {
	if st, err := os.Stat(StagingPath(dest)); err == nil {
		return st.Size(), false
	}
	if st, err := os.Stat(dest.Abs()); err == nil && st.Mode().IsRegular() {
		return st.Size(), true
	}
	return 0, false
}

// WriteChunk copies data into dest's staging file at offset. declaredTotal is
// the final size the client announced; once reached the staging file replaces
// dest. On a mid-chunk failure the staging file is removed entirely.
func (w *Writer) WriteChunk(ctx context.Context, dest fsutil.ResolvedPath, data io.Reader, offset, declaredTotal int64) (Result, error) {
	name := dest.Name()
	res := Result{Name: name, Path: dest.Rel(), Total: declaredTotal}

	if dest.IsZero() || dest.IsRoot() {
		return res, newError(name, CauseUnknown, common.ErrOutOfBounds)
	}
	if offset < 0 || declaredTotal < 0 {
		return res, newError(name, CauseUnknown, fmt.Errorf("%w: negative offset or size", common.ErrInvalidInput))
	}
	if !w.Allowed(name) {
		return res, newError(name, CauseExtension, nil)
	}
	if data == nil {
		return res, newError(name, CauseNoFile, nil)
	}
	if st, err := os.Stat(dest.Abs()); err == nil && st.IsDir() {
		return res, newError(name, CauseCantWrite, fmt.Errorf("%w: a folder named %s exists", common.ErrAlreadyExists, name))
	}

	part := StagingPath(dest)
	if offset > 0 && offset >= declaredTotal {
		// Retried final chunk of an upload that already completed.
		if _, err := os.Stat(part); errors.Is(err, fs.ErrNotExist) {
			if st, err := os.Stat(dest.Abs()); err == nil && st.Size() == declaredTotal {
				res.Size, res.Complete = st.Size(), true
				return res, nil
			}
		}
	}
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	} else if w.opts.StrictOffsets {
		var have int64
		if st, err := os.Stat(part); err == nil {
			have = st.Size()
		}
		if have != offset {
			return res, newError(name, CauseUnknown, fmt.Errorf("%w: have %d, got %d", common.ErrOffsetMismatch, have, offset))
		}
	}

	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		w.log.Error(ctx, "create staging directory", "dir", filepath.Dir(part), "err", err)
		return res, newError(name, CauseNoTmpDir, mapOpenErr(err))
	}
	f, err := os.OpenFile(part, flags, w.opts.FileMode)
	if err != nil {
		w.log.Warn(ctx, "open staging file", "dest", dest.Rel(), "err", err)
		return res, newError(name, CauseCantWrite, mapOpenErr(err))
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			return w.fail(ctx, dest, CauseCantWrite, err)
		}
	}

	written, cause, err := w.copy(ctx, f, data)
	if cerr := f.Close(); err == nil && cerr != nil {
		cause, err = CauseCantWrite, cerr
	}
	if err != nil {
		return w.fail(ctx, dest, cause, err)
	}
	_ = os.Chmod(part, w.opts.FileMode)

	st, err := os.Stat(part)
	if err != nil {
		return w.fail(ctx, dest, CauseCantWrite, err)
	}
	res.Size = st.Size()
	w.log.Debug(ctx, "chunk written", "dest", dest.Rel(), "offset", offset, "bytes", written, "size", res.Size, "total", declaredTotal)

	if res.Size >= declaredTotal {
		if err := os.Rename(part, dest.Abs()); err != nil {
			return w.fail(ctx, dest, CauseCantWrite, err)
		}
		res.Complete = true
		w.log.Info(ctx, "upload complete", "dest", dest.Rel(), "size", res.Size)
	}
	return res, nil
}

// copy moves src into dst through a bounded buffer, checking ctx between
// reads. A read failure is a partial upload; a write failure is a disk error.
func (w *Writer) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, Cause, error) {
	if w.opts.MaxChunkBytes > 0 {
		src = io.LimitReader(src, w.opts.MaxChunkBytes+1)
	}
	buf := make([]byte, w.opts.BufferSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, CausePartial, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if w.opts.MaxChunkBytes > 0 && n+int64(nr) > w.opts.MaxChunkBytes {
				return n, CauseIniSize, fmt.Errorf("chunk exceeds %d bytes", w.opts.MaxChunkBytes)
			}
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, CauseCantWrite, werr
			}
			if nw != nr {
				return n, CauseCantWrite, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return n, 0, nil
		}
		if rerr != nil {
			return n, CausePartial, rerr
		}
	}
}

func (w *Writer) fail(ctx context.Context, dest fsutil.ResolvedPath, cause Cause, err error) (Result, error) {
	w.log.Warn(ctx, "chunk write failed", "dest", dest.Rel(), "cause", cause.String(), "err", err)
	if rerr := os.Remove(StagingPath(dest)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		w.log.Error(ctx, "remove staging file", "dest", dest.Rel(), "err", rerr)
	}
	return Result{Name: dest.Name(), Path: dest.Rel()}, newError(dest.Name(), cause, fmt.Errorf("%w: %v", common.ErrChunkWriteFailed, err))
}

func mapOpenErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", common.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", common.ErrChunkWriteFailed, err)
}

// Item is one element of a multi-file upload request.
type Item struct {
	Name   string
	Data   io.Reader
	Offset int64
	Total  int64
	// Cause is set when the transport already failed this element.
	Cause Cause
}

// WriteBatch writes each item into dir independently; one failure does not
// stop the others. errs holds one entry per failed item.
func (w *Writer) WriteBatch(ctx context.Context, dir fsutil.ResolvedPath, items []Item) (results []Result, errs []error) {
	for _, it := range items {
		if it.Cause != 0 {
			errs = append(errs, newError(it.Name, it.Cause, nil))
			continue
		}
		dest, err := dir.Child(strings.TrimSpace(it.Name))
		if err != nil {
			errs = append(errs, newError(it.Name, CauseUnknown, err))
			continue
		}
		res, err := w.WriteChunk(ctx, dest, it.Data, it.Offset, it.Total)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// Reclaim removes staging files not modified for olderThan from the staging
// directory of every user under storageRoot. Nothing inside a Home is
// touched. It returns how many were removed.
func Reclaim(ctx context.Context, storageRoot string, olderThan time.Duration, now time.Time, log logging.Logger) (int, error) {
	if log == nil {
		log = logging.Nop()
	}
	users, err := os.ReadDir(storageRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-olderThan)
	removed := 0
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !u.IsDir() {
			continue
		}
		dir := filepath.Join(storageRoot, u.Name(), fsutil.StagingDirName)
		des, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn(ctx, "read staging directory", "dir", dir, "err", err)
			}
			continue
		}
		for _, de := range des {
			if !de.Type().IsRegular() || !strings.HasSuffix(de.Name(), fsutil.StagingSuffix) {
				continue
			}
			fi, err := de.Info()
			if err != nil || fi.ModTime().After(cutoff) {
				continue
			}
			p := filepath.Join(dir, de.Name())
			if err := os.Remove(p); err != nil {
				log.Warn(ctx, "reclaim staging file", "path", p, "err", err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
