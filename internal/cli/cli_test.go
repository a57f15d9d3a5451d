package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"drivepulse/internal/config"
)

func init() {
	color.NoColor = true
}

func withPipedStdin(t *testing.T) {
	t.Helper()
	prev := isTerminal
	isTerminal = func(int) bool { return false }
	t.Cleanup(func() { isTerminal = prev })
}

func writeConfig(t *testing.T, driver string) (path, base string) {
	t.Helper()
	base = t.TempDir()
	path = filepath.Join(base, "drivepulse.yaml")
	body := fmt.Sprintf("storage_root: %s\nstate_dir: %s\ndb:\n  driver: %s\n",
		filepath.Join(base, "users"), filepath.Join(base, "state"), driver)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path, base
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUserAddAndPasswd(t *testing.T) {
	for _, driver := range []string{config.DriverJSON, config.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			withPipedStdin(t)
			cfgPath, base := writeConfig(t, driver)

			out, err := run(t, "s3cret\n", "--config", cfgPath, "user", "add", "alice")
			require.NoError(t, err)
			assert.Contains(t, out, "created alice")
			assert.DirExists(t, filepath.Join(base, "users", "alice", "Home"))

			_, err = run(t, "other\n", "--config", cfgPath, "user", "add", "alice")
			require.Error(t, err)

			_, err = run(t, "x\n", "--config", cfgPath, "user", "passwd", "ghost")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "set password for ghost")

			out, err = run(t, "n3w\n", "--config", cfgPath, "user", "passwd", "alice")
			require.NoError(t, err)
			assert.Contains(t, out, "password updated for alice")

			cfg, err := (&app{v: viper.New(), cfgFile: cfgPath}).config()
			require.NoError(t, err)
			be, err := openBackends(context.Background(), cfg)
			require.NoError(t, err)
			defer be.close()
			require.NoError(t, be.users.Authenticate(context.Background(), "alice", "n3w"))
		})
	}
}

func TestUserAdd_InvalidName(t *testing.T) {
	withPipedStdin(t)
	cfgPath, base := writeConfig(t, config.DriverJSON)

	_, err := run(t, "pw\n", "--config", cfgPath, "user", "add", "../evil")
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(base, "evil"))
}

func TestHash(t *testing.T) {
	withPipedStdin(t)

	out, err := run(t, "pw\n", "hash", "--cost", "4")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("pw")))

	_, err = run(t, "pw\n", "hash", "--cost", "99")
	require.Error(t, err)

	_, err = run(t, "", "hash", "--cost", "4")
	require.Error(t, err)
}

func TestReadSecret_Terminal(t *testing.T) {
	prevTerm, prevRead := isTerminal, readPassword
	t.Cleanup(func() { isTerminal, readPassword = prevTerm, prevRead })
	isTerminal = func(int) bool { return true }

	answers := []string{"one", "two"}
	readPassword = func(int) ([]byte, error) {
		a := answers[0]
		answers = answers[1:]
		return []byte(a), nil
	}
	var out bytes.Buffer
	_, err := readSecret(nil, &out, true)
	require.EqualError(t, err, "passwords do not match")
	assert.Contains(t, out.String(), "Repeat password: ")

	answers = []string{"same", "same"}
	pw, err := readSecret(nil, &out, true)
	require.NoError(t, err)
	assert.Equal(t, "same", pw)
}
