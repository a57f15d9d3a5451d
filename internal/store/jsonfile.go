package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/pretty"
)

// JSONFile is a small JSON document on disk (users.json, shares.json), read
// and rewritten whole under a mutex. Writes go through a temp file and rename.
type JSONFile struct {
	path string
	mu   sync.Mutex
}

// OpenJSONFile creates path as "{}" when it does not exist.
func OpenJSONFile(path string) (*JSONFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			return nil, err
		}
	}
	return &JSONFile{path: path}, nil
}

func (f *JSONFile) Path() string { return f.path }

// View decodes the document into v.
func (f *JSONFile) View(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(v)
}

// Update decodes into v, runs fn, and writes v back if fn succeeds.
func (f *JSONFile) Update(v any, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.read(v); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return f.write(v)
}

func (f *JSONFile) read(v any) error {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(f.path), err)
	}
	if len(b) == 0 {
		b = []byte("{}")
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(f.path), err)
	}
	return nil
}

func (f *JSONFile) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = pretty.PrettyOptions(b, &pretty.Options{Width: 80, Indent: "    ", SortKeys: true})
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
