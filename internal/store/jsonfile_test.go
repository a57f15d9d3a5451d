package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFile_UpdateAndView(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "users.json")
	f, err := OpenJSONFile(path)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, f.View(&m))
	assert.Empty(t, m)

	require.NoError(t, f.Update(&m, func() error {
		m["bob"] = "h2"
		m["alice"] = "h1"
		return nil
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Pretty printed with sorted keys.
	assert.Less(t, strings.Index(string(raw), "alice"), strings.Index(string(raw), "bob"))
	assert.Contains(t, string(raw), "\n    \"alice\"")

	var again map[string]string
	require.NoError(t, f.View(&again))
	assert.Equal(t, map[string]string{"alice": "h1", "bob": "h2"}, again)
}

func TestJSONFile_UpdateAbort(t *testing.T) {
	f, err := OpenJSONFile(filepath.Join(t.TempDir(), "x.json"))
	require.NoError(t, err)

	var m map[string]int
	err = f.Update(&m, func() error {
		m["a"] = 1
		return errors.New("nope")
	})
	require.Error(t, err)

	var got map[string]int
	require.NoError(t, f.View(&got))
	assert.Empty(t, got)
}

func TestJSONFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	f, err := OpenJSONFile(path)
	require.NoError(t, err)
	var m map[string]int
	require.Error(t, f.View(&m))
}
