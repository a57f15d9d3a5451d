// Package cli is the drivepulse command line: the server and the account
// maintenance commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"drivepulse/internal/auth"
	"drivepulse/internal/config"
	"drivepulse/internal/share"
	"drivepulse/internal/store"
)

type app struct {
	v       *viper.Viper
	cfgFile string
}

// NewRootCommand builds the drivepulse command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	root := &cobra.Command{
		Use:           "drivepulse",
		Short:         "Self-hosted file manager for the browser",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default: drivepulse.{yaml,json} in ., $HOME/.drivepulse, /etc/drivepulse)")
	root.PersistentFlags().String("storage-root", "", "directory holding one folder per user")
	root.PersistentFlags().String("state-dir", "", "directory for databases and thumbnails")
	_ = a.v.BindPFlag("storage_root", root.PersistentFlags().Lookup("storage-root"))
	_ = a.v.BindPFlag("state_dir", root.PersistentFlags().Lookup("state-dir"))

	root.AddCommand(
		newServeCommand(a),
		newUserCommand(a),
		newHashCommand(),
	)
	return root
}

// Execute runs the command tree with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) config() (config.Config, error) {
	return config.Load(a.v, a.cfgFile)
}

// backends are the credential and share repositories for the configured
// driver.
type backends struct {
	users  *auth.Users
	shares share.Repository
	close  func() error
}

func openBackends(ctx context.Context, cfg config.Config) (*backends, error) {
	if cfg.DB.Driver == config.DriverJSON {
		uf, err := store.OpenJSONFile(filepath.Join(cfg.DB.DSN, "users.json"))
		if err != nil {
			return nil, fmt.Errorf("open users.json: %w", err)
		}
		sf, err := store.OpenJSONFile(filepath.Join(cfg.DB.DSN, "shares.json"))
		if err != nil {
			return nil, fmt.Errorf("open shares.json: %w", err)
		}
		return &backends{
			users:  auth.NewUsers(auth.NewJSONStore(uf), 0),
			shares: share.NewJSONRepository(sf),
			close:  func() error { return nil },
		}, nil
	}

	db, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return nil, err
	}
	return &backends{
		users:  auth.NewUsers(auth.NewSQLStore(db, db.Dialect), 0),
		shares: share.NewSQLRepository(db, db.Dialect),
		close:  db.Close,
	}, nil
}

var (
	okColor   = color.New(color.FgGreen)
	infoColor = color.New(color.FgCyan)
)

func success(w io.Writer, format string, args ...any) {
	_, _ = okColor.Fprintf(w, format+"\n", args...)
}

func info(w io.Writer, format string, args ...any) {
	_, _ = infoColor.Fprintf(w, format+"\n", args...)
}
