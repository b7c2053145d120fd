// Package syncer reconciles the local event store against provider
// state, one account at a time.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kairos-app/kairos-sync/internal"
)

type Storage interface {
	AccountByID(ctx context.Context, id string) (*internal.Account, error)
	SetAccountCooldown(ctx context.Context, id string, until time.Time) error

	UpsertCalendar(ctx context.Context, cal *internal.Calendar) (*internal.Calendar, bool, error)
	SyncEnabledCalendars(ctx context.Context, accountID string) ([]*internal.Calendar, error)
	SetCalendarLastSync(ctx context.Context, calendarID string, t time.Time) error

	UpsertEvent(ctx context.Context, ev *internal.Event) (internal.UpsertOutcome, error)
	RecordSyncJob(ctx context.Context, job *internal.SyncJob) error
}

// Provider is the slice of the calendar client the engine needs.
type Provider interface {
	Calendars(ctx context.Context, accountID string) ([]*internal.Calendar, error)
	Events(ctx context.Context, accountID, calendarProviderID string, from, to time.Time) ([]*internal.Event, error)
}

const (
	// lookback catches same-day edits to events that already started.
	lookback = 24 * time.Hour
	// rateLimitCooldown delays the account's next scheduled attempt
	// after the provider pushes back.
	rateLimitCooldown = 15 * time.Minute
)

// Engine runs SyncAccount. At most one execution per account is in
// flight at a time; a second trigger is coalesced, not queued.
type Engine struct {
	storage  Storage
	provider Provider
	logger   *slog.Logger
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

func New(storage Storage, provider Provider, logger *slog.Logger, window time.Duration) *Engine {
	return &Engine{
		storage:  storage,
		provider: provider,
		logger:   logger.With("component", "syncer"),
		window:   window,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
}

// SyncAccount reconciles every sync-enabled calendar of one account.
// A calendar that fails partway keeps its old last_synced_at so the
// next pass retries it whole; other calendars are unaffected.
func (e *Engine) SyncAccount(ctx context.Context, accountID string, trigger internal.Trigger) (*internal.SyncResult, error) {
	if !e.begin(accountID) {
		return nil, internal.ErrSyncInFlight
	}
	defer e.end(accountID)

	acc, err := e.storage.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.SyncEligible() {
		return nil, &internal.AuthError{AccountID: accountID, Reauth: true,
			Err: fmt.Errorf("account status is %s", acc.Status)}
	}

	res := &internal.SyncResult{
		AccountID: accountID,
		Trigger:   trigger,
		StartedAt: e.now().UTC(),
	}

	cals, err := e.provider.Calendars(ctx, accountID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("listing calendars: %v", err))
		e.finish(ctx, res, err)
		return res, err
	}
	for _, cal := range cals {
		_, changed, err := e.storage.UpsertCalendar(ctx, cal)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("calendar %s: %v", cal, err))
			e.finish(ctx, res, nil)
			return res, err
		}
		if changed {
			res.CalendarsUpdated++
		}
	}

	localCals, err := e.storage.SyncEnabledCalendars(ctx, accountID)
	if err != nil {
		e.finish(ctx, res, nil)
		return res, err
	}

	for _, cal := range localCals {
		if err := ctx.Err(); err != nil {
			e.finish(ctx, res, nil)
			return res, err
		}

		err := e.syncCalendar(ctx, accountID, cal, res)
		if err == nil {
			continue
		}
		res.Errors = append(res.Errors, fmt.Sprintf("calendar %s: %v", cal, err))

		// A revoked account or a rate-limited provider makes the
		// remaining calendars pointless this round.
		if internal.ReauthRequired(err) || internal.RateLimited(err) {
			e.finish(ctx, res, err)
			return res, err
		}
		e.logger.Warn("calendar pass failed, will retry next run",
			"calendar", cal.String(), "error", err)
	}

	e.finish(ctx, res, nil)
	e.logger.Info("account synced",
		"account_id", accountID,
		"trigger", trigger,
		"calendars_updated", res.CalendarsUpdated,
		"events_upserted", res.EventsUpserted(),
		"errors", len(res.Errors))
	return res, nil
}

func (e *Engine) syncCalendar(ctx context.Context, accountID string, cal *internal.Calendar, res *internal.SyncResult) error {
	now := e.now().UTC()
	from := now.Add(-lookback)
	to := now.Add(e.window)

	events, err := e.provider.Events(ctx, accountID, cal.ProviderID, from, to)
	if err != nil {
		return err
	}

	for _, ev := range events {
		ev.CalendarID = cal.ID
		outcome, err := e.storage.UpsertEvent(ctx, ev)
		if err != nil {
			return err
		}
		switch {
		case outcome == internal.UpsertUnchanged:
		case ev.Cancelled():
			res.EventsCancelled++
		case outcome == internal.UpsertCreated:
			res.EventsCreated++
		default:
			res.EventsUpdated++
		}
	}

	// Only a fully successful pass moves the marker; a partial failure
	// above returns early and the whole calendar is retried next run.
	return e.storage.SetCalendarLastSync(ctx, cal.ID, now)
}

// finish stamps the result and writes the audit row. A rate-limit
// failure additionally imposes a cooldown on the account.
func (e *Engine) finish(ctx context.Context, res *internal.SyncResult, cause error) {
	res.FinishedAt = e.now().UTC()

	if internal.RateLimited(cause) {
		until := e.now().UTC().Add(rateLimitCooldown)
		if err := e.storage.SetAccountCooldown(ctx, res.AccountID, until); err != nil {
			e.logger.Error("setting cooldown", "account_id", res.AccountID, "error", err)
		}
	}

	job := &internal.SyncJob{
		AccountID:        res.AccountID,
		Trigger:          res.Trigger,
		CalendarsUpdated: res.CalendarsUpdated,
		EventsUpserted:   res.EventsUpserted(),
		Error:            strings.Join(res.Errors, "; "),
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
	}
	if err := e.storage.RecordSyncJob(ctx, job); err != nil {
		e.logger.Error("recording sync job", "account_id", res.AccountID, "error", err)
	}
}

func (e *Engine) begin(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inflight[accountID] {
		return false
	}
	e.inflight[accountID] = true
	return true
}

func (e *Engine) end(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, accountID)
}
