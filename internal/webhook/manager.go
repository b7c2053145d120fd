// Package webhook manages provider push-notification channels: one live
// registration per watched calendar, renewed before expiry, and turns
// incoming notifications into sync triggers.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kairos-app/kairos-sync/internal"
)

// resourceStateSync is the handshake message the provider sends as the
// very first notification on a new channel. It signals nothing changed.
const resourceStateSync = "sync"

// renewalWindow is how close to expiry a channel gets replaced.
const renewalWindow = 24 * time.Hour

type Storage interface {
	CalendarByID(ctx context.Context, id string) (*internal.Calendar, error)
	CalendarsWithoutChannel(ctx context.Context, now time.Time) ([]*internal.Calendar, error)

	ReplaceChannel(ctx context.Context, ch *internal.WebhookChannel) error
	ChannelByChannelID(ctx context.Context, channelID string) (*internal.WebhookChannel, error)
	ChannelByCalendar(ctx context.Context, calendarID string) (*internal.WebhookChannel, error)
	ExpiringChannels(ctx context.Context, before time.Time) ([]*internal.WebhookChannel, error)
}

type WatchClient interface {
	Watch(ctx context.Context, accountID, calendarProviderID, channelID, address string) (resourceID string, expiresAt time.Time, err error)
	StopChannel(ctx context.Context, accountID, channelID, resourceID string) error
}

type SyncTrigger interface {
	SyncAccount(ctx context.Context, accountID string, trigger internal.Trigger) (*internal.SyncResult, error)
}

type Manager struct {
	storage     Storage
	client      WatchClient
	engine      SyncTrigger
	callbackURL string
	logger      *slog.Logger
	now         func() time.Time
}

func NewManager(storage Storage, client WatchClient, engine SyncTrigger, callbackURL string, logger *slog.Logger) *Manager {
	return &Manager{
		storage:     storage,
		client:      client,
		engine:      engine,
		callbackURL: callbackURL,
		logger:      logger.With("component", "webhook"),
		now:         time.Now,
	}
}

// EnsureWatch registers a push channel for the calendar unless a live
// one already exists. Called when sync is first enabled and as the
// scheduler's safety sweep.
func (m *Manager) EnsureWatch(ctx context.Context, cal *internal.Calendar) error {
	if m.callbackURL == "" {
		return nil
	}

	existing, err := m.storage.ChannelByCalendar(ctx, cal.ID)
	if err != nil {
		return err
	}
	if existing != nil && !existing.ExpiresWithin(m.now(), renewalWindow) {
		return nil
	}
	return m.replace(ctx, cal, existing)
}

// EnsureWatches sweeps calendars that have no live channel, covering
// cold starts and channels that expired without renewal.
func (m *Manager) EnsureWatches(ctx context.Context) error {
	if m.callbackURL == "" {
		return nil
	}

	cals, err := m.storage.CalendarsWithoutChannel(ctx, m.now())
	if err != nil {
		return err
	}

	var errs []error
	for _, cal := range cals {
		if err := m.EnsureWatch(ctx, cal); err != nil {
			m.logger.Warn("registering watch", "calendar", cal.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenewExpiring replaces channels expiring within the renewal window.
// Runs on a daily schedule. One channel's failure does not stop the
// others.
func (m *Manager) RenewExpiring(ctx context.Context) error {
	chans, err := m.storage.ExpiringChannels(ctx, m.now().Add(renewalWindow))
	if err != nil {
		return err
	}

	var errs []error
	for _, ch := range chans {
		cal, err := m.storage.CalendarByID(ctx, ch.CalendarID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := m.replace(ctx, cal, ch); err != nil {
			m.logger.Warn("renewing channel",
				"calendar", cal.String(), "channel_id", ch.ChannelID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// replace is a single logical operation: register the new channel,
// persist it over the old row, then stop the old registration. A crash
// partway leaves the old, still-valid channel active rather than none.
func (m *Manager) replace(ctx context.Context, cal *internal.Calendar, old *internal.WebhookChannel) error {
	channelID := uuid.NewString()
	resourceID, expiresAt, err := m.client.Watch(ctx, cal.AccountID, cal.ProviderID, channelID, m.callbackURL)
	if err != nil {
		return err
	}

	err = m.storage.ReplaceChannel(ctx, &internal.WebhookChannel{
		CalendarID: cal.ID,
		ChannelID:  channelID,
		ResourceID: resourceID,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return err
	}
	m.logger.Info("watch channel registered",
		"calendar", cal.String(), "channel_id", channelID, "expires_at", expiresAt)

	if old != nil {
		// Best effort; the provider drops it at expiry anyway.
		if err := m.client.StopChannel(ctx, cal.AccountID, old.ChannelID, old.ResourceID); err != nil {
			m.logger.Warn("stopping replaced channel",
				"channel_id", old.ChannelID, "error", err)
		}
	}
	return nil
}

// HandleNotification maps a provider push to a sync trigger. Handshake
// messages and unknown or stale channel ids are acknowledged and
// dropped; the provider never retries a 2xx.
func (m *Manager) HandleNotification(ctx context.Context, channelID, resourceID, state string) error {
	if state == resourceStateSync {
		m.logger.Info("channel handshake acknowledged", "channel_id", channelID)
		return nil
	}

	ch, err := m.storage.ChannelByChannelID(ctx, channelID)
	if errors.Is(err, internal.ErrChannelUnknown) {
		m.logger.Info("dropping notification for unknown channel", "channel_id", channelID)
		return nil
	}
	if err != nil {
		return err
	}
	if resourceID != "" && ch.ResourceID != resourceID {
		m.logger.Info("dropping notification for stale resource",
			"channel_id", channelID, "resource_id", resourceID)
		return nil
	}

	cal, err := m.storage.CalendarByID(ctx, ch.CalendarID)
	if err != nil {
		return err
	}

	_, err = m.engine.SyncAccount(ctx, cal.AccountID, internal.TriggerWebhook)
	if errors.Is(err, internal.ErrSyncInFlight) {
		// A run is already picking up this change.
		return nil
	}
	return err
}
