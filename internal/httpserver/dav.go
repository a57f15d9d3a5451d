package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"golang.org/x/net/webdav"

	"drivepulse/internal/auth"
	"drivepulse/internal/common"
	"drivepulse/internal/fileops"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/upload"
)

const davPrefix = "/dav"

// handleDAV mounts the caller's own Home at /dav/. WebDAV clients only speak
// BasicAuth, so anonymous requests get a challenge rather than a redirect.
func (s *Server) handleDAV(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if user == "" {
		auth.Challenge(w)
		return
	}
	sb, err := s.sandbox(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	fsys := &davFS{sb: sb, ops: s.ops, uploads: s.uploads}

	// MOVE with Overwrite deletes the destination before renaming, so the
	// extension lock has to be checked up front.
	if r.Method == "MOVE" {
		if err := fsys.checkMove(r); err != nil {
			s.log.Info(r.Context(), "webdav move refused", "path", r.URL.Path, "err", err)
			httpError(w, err)
			return
		}
	}

	h := &webdav.Handler{
		Prefix:     davPrefix,
		FileSystem: fsys,
		LockSystem: s.davLockSystem(user),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Debug(r.Context(), "webdav", "method", r.Method, "path", r.URL.Path, "err", err)
			}
		},
	}
	h.ServeHTTP(w, r)
}

// davLockSystem keeps one in-memory lock table per user so locks survive
// across requests.
func (s *Server) davLockSystem(user string) webdav.LockSystem {
	s.davMu.Lock()
	defer s.davMu.Unlock()
	ls, ok := s.davLocks[user]
	if !ok {
		ls = webdav.NewMemLS()
		s.davLocks[user] = ls
	}
	return ls
}

// davFS serves WebDAV from a sandbox. Every name goes through the sandbox
// resolver and every mutation through the file operations engine, so DAV
// clients get the same confinement and rename rules as the browser.
type davFS struct {
	sb      *fsutil.Sandbox
	ops     *fileops.Engine
	uploads *upload.Writer
}

var _ webdav.FileSystem = (*davFS)(nil)

func (d *davFS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	parent, base, err := d.parent(name)
	if err != nil {
		return davErr("mkdir", name, err)
	}
	created, err := d.ops.CreateFolder(ctx, parent, base)
	if err != nil {
		return davErr("mkdir", name, err)
	}
	if !created {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	return nil
}

func (d *davFS) OpenFile(_ context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	var (
		p   fsutil.ResolvedPath
		err error
	)
	if flag&os.O_CREATE != 0 {
		p, err = d.sb.ResolveForCreate(name)
		if err == nil && !d.uploads.Allowed(p.Name()) {
			err = common.ErrPermissionDenied
		}
	} else {
		p, err = d.sb.Resolve(name)
	}
	if err != nil {
		return nil, davErr("open", name, err)
	}
	f, err := os.OpenFile(p.Abs(), flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *davFS) RemoveAll(ctx context.Context, name string) error {
	target, err := d.sb.ResolveEntry(name)
	if err == nil {
		err = d.ops.DeleteEntry(ctx, target)
	}
	if err != nil {
		return davErr("remove", name, err)
	}
	d.uploads.Discard(ctx, target)
	return nil
}

func (d *davFS) Rename(ctx context.Context, oldName, newName string) error {
	old, err := d.sb.ResolveEntry(oldName)
	if err != nil {
		return davErr("rename", oldName, err)
	}
	dir, base, err := d.parent(newName)
	if err != nil {
		return davErr("rename", newName, err)
	}
	if _, err := d.ops.Move(ctx, old, dir, base); err != nil {
		return davErr("rename", oldName, err)
	}
	return nil
}

func (d *davFS) Stat(_ context.Context, name string) (os.FileInfo, error) {
	p, err := d.sb.Resolve(name)
	if err != nil {
		return nil, davErr("stat", name, err)
	}
	return os.Stat(p.Abs())
}

// parent resolves the existing directory that would contain name, plus the
// leaf name itself.
func (d *davFS) parent(name string) (fsutil.ResolvedPath, string, error) {
	clean, err := fsutil.CleanRelPath(name)
	if err != nil {
		return fsutil.ResolvedPath{}, "", err
	}
	if clean == "" {
		return fsutil.ResolvedPath{}, "", common.ErrOutOfBounds
	}
	dir, err := d.sb.Resolve(path.Dir(clean))
	if err != nil {
		return fsutil.ResolvedPath{}, "", err
	}
	return dir, path.Base(clean), nil
}

// checkMove applies the file extension lock to a MOVE request. Requests it
// cannot interpret are left to the webdav handler to reject.
func (d *davFS) checkMove(r *http.Request) error {
	u, err := url.Parse(r.Header.Get("Destination"))
	if err != nil || !strings.HasPrefix(u.Path, davPrefix+"/") {
		return nil
	}
	src, err := d.sb.Resolve(strings.TrimPrefix(r.URL.Path, davPrefix))
	if err != nil {
		return nil
	}
	if isDir(src) {
		return nil
	}
	return fileops.CheckFileRename(src.Name(), path.Base(strings.TrimPrefix(u.Path, davPrefix)))
}

// davErr converts sandbox errors to the os errors the webdav package turns
// into status codes. Out-of-bounds paths look missing.
func davErr(op, name string, err error) error {
	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrOutOfBounds):
		err = os.ErrNotExist
	case errors.Is(err, common.ErrAlreadyExists):
		err = os.ErrExist
	case errors.Is(err, common.ErrPermissionDenied):
		err = os.ErrPermission
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}
