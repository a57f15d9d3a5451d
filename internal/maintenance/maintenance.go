// Package maintenance runs the periodic cleanup jobs: expired share links and
// abandoned upload staging files.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"drivepulse/internal/logging"
	"drivepulse/internal/upload"
)

const (
	sharePurgeTimeout = time.Minute
	reclaimTimeout    = 10 * time.Minute
)

// SharePurger is satisfied by *share.Issuer.
type SharePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type Options struct {
	// Schedule is a cron spec ("@hourly", "*/15 * * * *").
	Schedule    string
	StorageRoot string
	// StaleAfter is how old a staged upload must be before it is removed.
	StaleAfter time.Duration
}

// Manager manages cron jobs
type Manager struct {
	cron   *cron.Cron
	opts   Options
	shares SharePurger
	log    logging.Logger
	now    func() time.Time
}

func NewManager(opts Options, shares SharePurger, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{
		cron:   cron.New(),
		opts:   opts,
		shares: shares,
		log:    log,
		now:    time.Now,
	}
}

// Start registers both jobs on the schedule and starts the scheduler.
func (m *Manager) Start() error {
	if m.opts.Schedule == "" {
		return errors.New("maintenance: empty schedule")
	}
	if _, err := m.cron.AddFunc(m.opts.Schedule, m.purgeShares); err != nil {
		return fmt.Errorf("add share purge job: %w", err)
	}
	if _, err := m.cron.AddFunc(m.opts.Schedule, m.reclaimUploads); err != nil {
		return fmt.Errorf("add upload reclaim job: %w", err)
	}
	m.cron.Start()
	m.log.Info(context.Background(), "maintenance started", "schedule", m.opts.Schedule)
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info(context.Background(), "maintenance stopped")
}

// RunOnce runs both jobs immediately.
func (m *Manager) RunOnce() {
	m.purgeShares()
	m.reclaimUploads()
}

func (m *Manager) purgeShares() {
	if m.shares == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharePurgeTimeout)
	defer cancel()

	if _, err := m.shares.PurgeExpired(ctx); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			m.log.Error(ctx, "share purge timed out", "timeout", sharePurgeTimeout.String())
		} else {
			m.log.Error(ctx, "share purge failed", "err", err)
		}
	}
}

func (m *Manager) reclaimUploads() {
	if m.opts.StorageRoot == "" || m.opts.StaleAfter <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reclaimTimeout)
	defer cancel()

	n, err := upload.Reclaim(ctx, m.opts.StorageRoot, m.opts.StaleAfter, m.now(), m.log)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			m.log.Error(ctx, "upload reclaim timed out", "timeout", reclaimTimeout.String())
		} else {
			m.log.Error(ctx, "upload reclaim failed", "err", err)
		}
		return
	}
	if n > 0 {
		m.log.Info(ctx, "stale uploads removed", "count", n)
	}
}
