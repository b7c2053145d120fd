// Package scheduler drives the time-based side of the engine: periodic
// batch reconciliation, daily channel renewal, audit pruning, and
// notification ticks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/kairos-app/kairos-sync/internal"
)

type Storage interface {
	DueAccounts(ctx context.Context, now time.Time, priorityInterval, standardInterval time.Duration) ([]*internal.Account, error)
	PruneSyncJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

type SyncTrigger interface {
	SyncAccount(ctx context.Context, accountID string, trigger internal.Trigger) (*internal.SyncResult, error)
}

type ChannelManager interface {
	EnsureWatches(ctx context.Context) error
	RenewExpiring(ctx context.Context) error
}

type Notifier interface {
	SendDailyDigests(ctx context.Context, hour int) error
	SendEventReminders(ctx context.Context) error
}

type Config struct {
	SyncInterval     time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	PriorityInterval time.Duration
	StandardInterval time.Duration
	JobRetention     time.Duration
}

// Scheduler owns the gocron jobs and the batch loop. Account failures
// inside a batch are isolated; the batch always runs to completion.
type Scheduler struct {
	cfg      Config
	storage  Storage
	engine   SyncTrigger
	channels ChannelManager
	notifier Notifier
	logger   *slog.Logger
	cron     *gocron.Scheduler

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func New(cfg Config, storage Storage, engine SyncTrigger, channels ChannelManager, notifier Notifier, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		storage:  storage,
		engine:   engine,
		channels: channels,
		notifier: notifier,
		logger:   logger.With("component", "scheduler"),
		cron:     gocron.NewScheduler(time.UTC),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Start registers all recurring jobs and launches the scheduler in the
// background.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.Every(s.cfg.SyncInterval).Do(func() {
		if err := s.RunBatch(ctx); err != nil {
			s.logger.Error("batch run", "error", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.Every(1).Day().At("03:00").Do(func() {
		if err := s.channels.RenewExpiring(ctx); err != nil {
			s.logger.Error("channel renewal", "error", err)
		}
		if err := s.channels.EnsureWatches(ctx); err != nil {
			s.logger.Error("watch sweep", "error", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.Every(1).Day().At("04:00").Do(func() {
		pruned, err := s.storage.PruneSyncJobs(ctx, s.now().UTC().Add(-s.cfg.JobRetention))
		if err != nil {
			s.logger.Error("pruning sync jobs", "error", err)
			return
		}
		if pruned > 0 {
			s.logger.Info("pruned sync jobs", "count", pruned)
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.Every(1).Hour().Do(func() {
		if err := s.notifier.SendDailyDigests(ctx, s.now().UTC().Hour()); err != nil {
			s.logger.Error("sending digests", "error", err)
		}
	})
	if err != nil {
		return err
	}

	_, err = s.cron.Every(1).Minute().Do(func() {
		if err := s.notifier.SendEventReminders(ctx); err != nil {
			s.logger.Error("sending reminders", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.cron.StartAsync()
	s.logger.Info("scheduler started",
		"sync_interval", s.cfg.SyncInterval, "batch_size", s.cfg.BatchSize)
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RunBatch syncs every due account in fixed-size batches with an
// inter-batch delay, keeping call volume under provider rate limits.
func (s *Scheduler) RunBatch(ctx context.Context) error {
	accounts, err := s.storage.DueAccounts(ctx, s.now().UTC(), s.cfg.PriorityInterval, s.cfg.StandardInterval)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}
	s.logger.Info("batch run starting", "due_accounts", len(accounts))

	for start := 0; start < len(accounts); start += s.cfg.BatchSize {
		if start > 0 {
			s.sleep(ctx, s.cfg.BatchDelay)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		end := start + s.cfg.BatchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		for _, acc := range accounts[start:end] {
			s.syncOne(ctx, acc.ID)
		}
	}
	return nil
}

// syncOne isolates a single account's failure from the rest of the
// batch.
func (s *Scheduler) syncOne(ctx context.Context, accountID string) {
	_, err := s.engine.SyncAccount(ctx, accountID, internal.TriggerCron)
	switch {
	case err == nil:
	case internal.ReauthRequired(err):
		s.logger.Warn("account needs reauthorization, skipping",
			"account_id", accountID)
	case errors.Is(err, internal.ErrSyncInFlight):
		// Coalesced with a webhook-triggered run.
	default:
		s.logger.Error("account sync failed", "account_id", accountID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
