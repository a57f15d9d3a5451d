package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"drivepulse/internal/common"
)

// HomeDir is the sandbox directory name under each user's storage directory.
// Listings also show it as the display root, so a leading "Home/" in a
// relative path is redundant and stripped.
const HomeDir = "Home"

// StagingDirName is the per-user directory beside Home holding unfinished
// uploads. It is outside the sandbox, so no user path can name it, and
// ValidUsername rejects it as a user name.
const StagingDirName = ".uploads"

// StagingSuffix is the extension of files in the staging directory.
const StagingSuffix = ".part"

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidUsername reports whether name can be used as a storage directory name.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name) && !strings.Contains(name, "..")
}

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", "Home/a" and
// returns a slash-based relative path with no leading slash ("" means root).
// Literal ".." segments are dropped before cleaning, never resolved.
func CleanRelPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: nul byte in path", common.ErrInvalidInput)
	}
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")

	segs := strings.Split(p, "/")
	kept := segs[:0]
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			continue
		}
		kept = append(kept, s)
	}
	p = path.Clean("/" + strings.Join(kept, "/"))
	p = strings.TrimPrefix(p, "/")

	if p == HomeDir {
		return "", nil
	}
	return strings.TrimPrefix(p, HomeDir+"/"), nil
}

// Sandbox is one user's confinement root. Every ResolvedPath it hands out is
// the root itself or a descendant of it.
type Sandbox struct {
	root string
}

// OpenSandbox returns the sandbox for username, creating
// <storageRoot>/<username>/Home when missing. Failure to establish the root is
// a configuration error.
func OpenSandbox(storageRoot, username string) (*Sandbox, error) {
	if !ValidUsername(username) {
		return nil, fmt.Errorf("%w: invalid username %q", common.ErrInvalidInput, username)
	}
	dir := filepath.Join(storageRoot, username, HomeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create sandbox: %v", common.ErrConfiguration, err)
	}
	return NewSandbox(dir)
}

// NewSandbox wraps an existing directory.
func NewSandbox(dir string) (*Sandbox, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConfiguration, err)
	}
	st, err := os.Stat(real)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: sandbox root is not a directory", common.ErrConfiguration)
	}
	return &Sandbox{root: real}, nil
}

// StagingDir is the user's upload staging directory. It may not exist yet.
func (s *Sandbox) StagingDir() string {
	return s.Root().StagingDir()
}

// Root returns the sandbox root as a ResolvedPath.
func (s *Sandbox) Root() ResolvedPath {
	return ResolvedPath{abs: s.root, root: s.root}
}

// Resolve maps a user-relative path to an existing file or directory inside
// the sandbox. Symlinks are followed and the real target must stay inside.
func (s *Sandbox) Resolve(rel string) (ResolvedPath, error) {
	clean, err := CleanRelPath(rel)
	if err != nil {
		return ResolvedPath{}, err
	}
	if clean == "" {
		return s.Root(), nil
	}
	return s.canonical(filepath.Join(s.root, filepath.FromSlash(clean)))
}

// ResolveForCreate resolves a path that may not exist yet. Only the parent has
// to exist; it is canonicalized and checked, then the leaf name is appended.
// An existing leaf is resolved like Resolve so a symlink cannot point a write
// outside the sandbox.
func (s *Sandbox) ResolveForCreate(rel string) (ResolvedPath, error) {
	clean, err := CleanRelPath(rel)
	if err != nil {
		return ResolvedPath{}, err
	}
	if clean == "" {
		return ResolvedPath{}, fmt.Errorf("%w: empty name", common.ErrInvalidInput)
	}
	parent, err := s.Resolve(path.Dir(clean))
	if err != nil {
		return ResolvedPath{}, err
	}
	return parent.Child(path.Base(clean))
}

// ResolveEntry resolves a path naming an entry to act on (delete, rename)
// without following a trailing symlink, so a link is handled as itself. The
// entry must exist and must not be the sandbox root.
func (s *Sandbox) ResolveEntry(rel string) (ResolvedPath, error) {
	clean, err := CleanRelPath(rel)
	if err != nil {
		return ResolvedPath{}, err
	}
	if clean == "" {
		return ResolvedPath{}, common.ErrOutOfBounds
	}
	parent, err := s.Resolve(path.Dir(clean))
	if err != nil {
		return ResolvedPath{}, err
	}
	p := filepath.Join(parent.abs, path.Base(clean))
	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ResolvedPath{}, common.ErrPermissionDenied
		}
		return ResolvedPath{}, common.ErrNotFound
	}
	return ResolvedPath{abs: p, root: s.root}, nil
}

func (s *Sandbox) canonical(p string) (ResolvedPath, error) {
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ResolvedPath{}, common.ErrPermissionDenied
		}
		return ResolvedPath{}, common.ErrNotFound
	}
	if real, err = filepath.Abs(real); err != nil {
		return ResolvedPath{}, common.ErrNotFound
	}
	if !within(s.root, real) {
		return ResolvedPath{}, common.ErrOutOfBounds
	}
	return ResolvedPath{abs: real, root: s.root}, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

// ResolvedPath is an absolute path proven to lie inside a sandbox root. The
// zero value is invalid; only Sandbox and ResolvedPath methods construct one.
type ResolvedPath struct {
	abs  string
	root string
}

func (p ResolvedPath) IsZero() bool { return p.abs == "" }

// Abs is the absolute filesystem path.
func (p ResolvedPath) Abs() string { return p.abs }

// SandboxRoot is the absolute root the path was resolved against.
func (p ResolvedPath) SandboxRoot() string { return p.root }

func (p ResolvedPath) IsRoot() bool { return p.abs == p.root }

// StagingDir is the staging directory of the sandbox p belongs to.
func (p ResolvedPath) StagingDir() string {
	return filepath.Join(filepath.Dir(p.root), StagingDirName)
}

// Rel is the slash-separated path relative to the sandbox root ("" for root).
func (p ResolvedPath) Rel() string {
	if p.IsRoot() {
		return ""
	}
	return filepath.ToSlash(strings.TrimPrefix(p.abs, p.root+string(filepath.Separator)))
}

// Name is the last element, or HomeDir for the root.
func (p ResolvedPath) Name() string {
	if p.IsRoot() {
		return HomeDir
	}
	return filepath.Base(p.abs)
}

// Parent returns the containing directory; the root is its own parent.
func (p ResolvedPath) Parent() ResolvedPath {
	if p.IsRoot() {
		return p
	}
	return ResolvedPath{abs: filepath.Dir(p.abs), root: p.root}
}

// Child appends a single path segment. name must not contain separators or
// be "." / "..". If the child exists and is a symlink, its target is checked.
func (p ResolvedPath) Child(name string) (ResolvedPath, error) {
	if p.IsZero() {
		return ResolvedPath{}, common.ErrNotFound
	}
	if !ValidName(name) {
		return ResolvedPath{}, fmt.Errorf("%w: bad name %q", common.ErrInvalidInput, name)
	}
	c := filepath.Join(p.abs, name)
	if fi, err := os.Lstat(c); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		s := &Sandbox{root: p.root}
		return s.canonical(c)
	}
	return ResolvedPath{abs: c, root: p.root}, nil
}

// ValidName reports whether name is usable as one path segment.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
