package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"drivepulse/internal/httpserver"
	"drivepulse/internal/logging"
	"drivepulse/internal/maintenance"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Example: `  drivepulse serve --addr :8080 --storage-root /srv/drivepulse/users
  DRIVEPULSE_DB_DRIVER=sqlite drivepulse serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default 0.0.0.0:8080)")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	_ = a.v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = a.v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	return cmd
}

func (a *app) serve(cmd *cobra.Command) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	defer func() { _ = be.close() }()

	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Users:  be.users,
		Shares: be.shares,
		Log:    log,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	if cfg.Maintenance.Schedule != "" {
		m := maintenance.NewManager(maintenance.Options{
			Schedule:    cfg.Maintenance.Schedule,
			StorageRoot: cfg.StorageRoot,
			StaleAfter:  cfg.Upload.StaleAfter,
		}, srv.Issuer(), log.With("component", "maintenance"))
		if err := m.Start(); err != nil {
			return err
		}
		defer m.Stop()
	}

	hs := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()

	out := cmd.OutOrStdout()
	success(out, "drivepulse listening on http://%s (storage=%s)", cfg.Addr, cfg.StorageRoot)
	if cfg.WebDAV {
		info(out, "webdav endpoint: http://%s/dav/ (BasicAuth)", cfg.Addr)
	}
	log.Info(ctx, "server started", "addr", cfg.Addr, "driver", cfg.DB.Driver)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info(shutdownCtx, "shutting down")
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
