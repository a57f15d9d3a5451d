// Package catalog lists sandbox directories and totals their size for the
// quota indicator. Nothing is cached; every call reads the filesystem.
package catalog

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"drivepulse/internal/fsutil"
	"drivepulse/internal/logging"
)

type Kind int

const (
	Folder Kind = iota
	File
)

func (k Kind) String() string {
	if k == Folder {
		return "folder"
	}
	return "file"
}

type Entry struct {
	Name    string    `json:"name"`
	Kind    Kind      `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
	// Preview is "image", "video" or "" (see PreviewKind).
	Preview string `json:"preview,omitempty"`
}

type Listing struct {
	Folders []Entry `json:"folders"`
	Files   []Entry `json:"files"`
}

// Usage is the quota indicator shown next to a listing.
type Usage struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
}

type Catalog struct {
	log logging.Logger
}

func New(log logging.Logger) *Catalog {
	if log == nil {
		log = logging.Nop()
	}
	return &Catalog{log: log}
}

// List returns the immediate children of dir, folders and files each sorted
// ascending by name. An unreadable directory yields an empty listing.
func (c *Catalog) List(ctx context.Context, dir fsutil.ResolvedPath) Listing {
	out := Listing{Folders: []Entry{}, Files: []Entry{}}
	des, err := os.ReadDir(dir.Abs())
	if err != nil {
		c.log.Warn(ctx, "list directory", "dir", dir.Rel(), "err", err)
		return out
	}
	for _, de := range des {
		name := de.Name()
		if name == "." || name == ".." {
			continue
		}
		// Stat follows symlinks so a link to a directory is listed as one.
		fi, err := os.Stat(filepath.Join(dir.Abs(), name))
		if err != nil {
			// Removed between ReadDir and Stat, or a dangling link.
			continue
		}
		e := Entry{Name: name, ModTime: fi.ModTime()}
		if fi.IsDir() {
			e.Kind = Folder
			out.Folders = append(out.Folders, e)
			continue
		}
		e.Kind = File
		e.Size = fi.Size()
		e.Preview = PreviewKind(name)
		out.Files = append(out.Files, e)
	}
	sort.Slice(out.Folders, func(i, j int) bool { return out.Folders[i].Name < out.Folders[j].Name })
	sort.Slice(out.Files, func(i, j int) bool { return out.Files[i].Name < out.Files[j].Name })
	return out
}

// TotalSize sums the sizes of all regular files below root. Entries that
// disappear mid-walk are skipped. Symlinks are not followed.
func (c *Catalog) TotalSize(ctx context.Context, root fsutil.ResolvedPath) int64 {
	return sumTree(ctx, root.Abs())
}

func sumTree(ctx context.Context, dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// Usage walks root and reports it against quota, percent rounded to two
// decimals. For a sandbox root, bytes of unfinished uploads count too.
func (c *Catalog) Usage(ctx context.Context, root fsutil.ResolvedPath, quota int64) Usage {
	used := c.TotalSize(ctx, root)
	if root.IsRoot() {
		used += sumTree(ctx, root.StagingDir())
	}
	u := Usage{Used: used, Total: quota}
	if quota > 0 {
		u.Percent = math.Round(float64(used)/float64(quota)*10000) / 100
	}
	return u
}

var previewExt = map[string]string{
	".png":  "image",
	".jpg":  "image",
	".jpeg": "image",
	".gif":  "image",
	".heic": "image",
	".webp": "image",
	".mp4":  "video",
	".webm": "video",
	".mov":  "video",
	".avi":  "video",
	".mkv":  "video",
}

// PreviewKind classifies a file name for the preview modal.
func PreviewKind(name string) string {
	return previewExt[strings.ToLower(filepath.Ext(name))]
}
