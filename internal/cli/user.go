package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"drivepulse/internal/fsutil"
)

func newUserCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
		Example: `  drivepulse user add alice
  echo 's3cret' | drivepulse user passwd alice`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <username>",
			Short: "Create an account and its Home folder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.userAdd(cmd, args[0])
			},
		},
		&cobra.Command{
			Use:   "passwd <username>",
			Short: "Set a new password",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.userPasswd(cmd, args[0])
			},
		},
	)
	return cmd
}

func (a *app) userAdd(cmd *cobra.Command, username string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	be, err := openBackends(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	pw, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	if err := be.users.Create(cmd.Context(), username, pw); err != nil {
		return fmt.Errorf("create %s: %w", username, err)
	}
	sb, err := fsutil.OpenSandbox(cfg.StorageRoot, username)
	if err != nil {
		_ = be.users.Delete(cmd.Context(), username)
		return fmt.Errorf("create home for %s: %w", username, err)
	}
	success(cmd.OutOrStdout(), "created %s (home %s)", username, sb.Root().Abs())
	return nil
}

func (a *app) userPasswd(cmd *cobra.Command, username string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	be, err := openBackends(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = be.close() }()

	pw, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	if err := be.users.SetPassword(cmd.Context(), username, pw); err != nil {
		return fmt.Errorf("set password for %s: %w", username, err)
	}
	success(cmd.OutOrStdout(), "password updated for %s", username)
	return nil
}

func newHashCommand() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print a bcrypt hash for a password read from stdin or the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
			}
			pw, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			if pw == "" {
				return fmt.Errorf("empty password")
			}
			h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
			if err != nil {
				return fmt.Errorf("bcrypt: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(h))
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
