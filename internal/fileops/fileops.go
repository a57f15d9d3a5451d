// Package fileops implements folder creation, recursive delete and renames
// inside a sandbox. Every operation reports failure to the caller.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"drivepulse/internal/common"
	"drivepulse/internal/fsutil"
	"drivepulse/internal/logging"
)

const DefaultDirMode fs.FileMode = 0o755

type Engine struct {
	log     logging.Logger
	dirMode fs.FileMode
}

func New(log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{log: log, dirMode: DefaultDirMode}
}

// CreateFolder makes parent/name. An existing entry with that name is left
// alone and reported as created=false with no error.
func (e *Engine) CreateFolder(ctx context.Context, parent fsutil.ResolvedPath, name string) (created bool, err error) {
	name = strings.TrimSpace(name)
	dst, err := parent.Child(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(dst.Abs()); err == nil {
		e.log.Debug(ctx, "folder exists", "path", dst.Rel())
		return false, nil
	}
	if err := os.Mkdir(dst.Abs(), e.dirMode); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		e.log.Warn(ctx, "create folder", "path", dst.Rel(), "err", err)
		return false, mapErr("create folder", err)
	}
	e.log.Info(ctx, "folder created", "path", dst.Rel())
	return true, nil
}

// DeleteEntry unlinks a file, or removes a directory and everything below it.
// The sandbox root itself cannot be deleted.
func (e *Engine) DeleteEntry(ctx context.Context, target fsutil.ResolvedPath) error {
	if target.IsZero() || target.IsRoot() {
		return common.ErrOutOfBounds
	}
	fi, err := os.Lstat(target.Abs())
	if err != nil {
		return mapErr("delete", err)
	}
	if fi.IsDir() {
		err = removeTree(ctx, target.Abs())
	} else {
		err = os.Remove(target.Abs())
	}
	if err != nil {
		e.log.Warn(ctx, "delete", "path", target.Rel(), "err", err)
		return mapErr("delete", err)
	}
	e.log.Info(ctx, "deleted", "path", target.Rel(), "dir", fi.IsDir())
	return nil
}

// removeTree deletes children depth-first, then dir. Symlinks are removed, not
// followed.
func removeTree(ctx context.Context, dir string) error {
	des, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(dir, de.Name())
		if de.IsDir() {
			err = removeTree(ctx, p)
		} else {
			err = os.Remove(p)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return os.Remove(dir)
}

// RenameFolder renames a directory within its parent.
func (e *Engine) RenameFolder(ctx context.Context, old fsutil.ResolvedPath, newName string) (fsutil.ResolvedPath, error) {
	fi, err := entryInfo(old)
	if err != nil {
		return fsutil.ResolvedPath{}, err
	}
	if !fi.IsDir() {
		return fsutil.ResolvedPath{}, fmt.Errorf("%w: %s is not a folder", common.ErrInvalidInput, old.Name())
	}
	return e.rename(ctx, old, newName)
}

// RenameFile renames a file within its parent. The extension may not change
// (compared case-insensitively).
func (e *Engine) RenameFile(ctx context.Context, old fsutil.ResolvedPath, newName string) (fsutil.ResolvedPath, error) {
	fi, err := entryInfo(old)
	if err != nil {
		return fsutil.ResolvedPath{}, err
	}
	if fi.IsDir() {
		return fsutil.ResolvedPath{}, fmt.Errorf("%w: %s is a folder", common.ErrInvalidInput, old.Name())
	}
	if err := CheckFileRename(old.Name(), newName); err != nil {
		return fsutil.ResolvedPath{}, err
	}
	return e.rename(ctx, old, newName)
}

// CheckFileRename reports ErrExtensionMismatch when newName would change the
// extension of a file called oldName.
func CheckFileRename(oldName, newName string) error {
	if !strings.EqualFold(filepath.Ext(oldName), filepath.Ext(strings.TrimSpace(newName))) {
		return common.ErrExtensionMismatch
	}
	return nil
}

// Move relocates old into the directory dstDir under newName. Files keep the
// extension lock of RenameFile; an existing destination is never replaced.
func (e *Engine) Move(ctx context.Context, old, dstDir fsutil.ResolvedPath, newName string) (fsutil.ResolvedPath, error) {
	fi, err := entryInfo(old)
	if err != nil {
		return fsutil.ResolvedPath{}, err
	}
	if !fi.IsDir() {
		if err := CheckFileRename(old.Name(), newName); err != nil {
			return fsutil.ResolvedPath{}, err
		}
	} else if dstDir.Abs() == old.Abs() || strings.HasPrefix(dstDir.Abs(), old.Abs()+string(filepath.Separator)) {
		return fsutil.ResolvedPath{}, fmt.Errorf("%w: cannot move a folder into itself", common.ErrInvalidInput)
	}
	return e.moveTo(ctx, old, dstDir, newName)
}

func (e *Engine) rename(ctx context.Context, old fsutil.ResolvedPath, newName string) (fsutil.ResolvedPath, error) {
	return e.moveTo(ctx, old, old.Parent(), newName)
}

func (e *Engine) moveTo(ctx context.Context, old, dstDir fsutil.ResolvedPath, newName string) (fsutil.ResolvedPath, error) {
	newName = strings.TrimSpace(newName)
	dst, err := dstDir.Child(newName)
	if err != nil {
		return fsutil.ResolvedPath{}, err
	}
	if _, err := os.Lstat(dst.Abs()); err == nil {
		return fsutil.ResolvedPath{}, common.ErrAlreadyExists
	}
	if err := os.Rename(old.Abs(), dst.Abs()); err != nil {
		e.log.Warn(ctx, "rename", "from", old.Rel(), "to", dst.Rel(), "err", err)
		return fsutil.ResolvedPath{}, mapErr("rename", err)
	}
	e.log.Info(ctx, "renamed", "from", old.Rel(), "to", dst.Rel())
	return dst, nil
}

func entryInfo(p fsutil.ResolvedPath) (fs.FileInfo, error) {
	if p.IsZero() || p.IsRoot() {
		return nil, common.ErrOutOfBounds
	}
	fi, err := os.Lstat(p.Abs())
	if err != nil {
		return nil, mapErr("stat", err)
	}
	return fi, nil
}

func mapErr(op string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", op, common.ErrPermissionDenied)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
