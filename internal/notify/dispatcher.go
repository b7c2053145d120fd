// Package notify turns sync results and per-account preferences into
// user-facing pushes: refresh signals, daily digests, and pre-event
// reminders. Delivery goes through an external push transport.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kairos-app/kairos-sync/internal"
)

type Storage interface {
	Preferences(ctx context.Context) ([]*internal.NotificationPreference, error)
	DevicesByAccount(ctx context.Context, accountID string) ([]*internal.Device, error)
	DeleteDevice(ctx context.Context, token string) error
	AccountEventsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*internal.Event, error)
}

type Dispatcher struct {
	storage   Storage
	transport Transport
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func NewDispatcher(storage Storage, transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		storage:   storage,
		transport: transport,
		logger:    logger.With("component", "notify"),
		now:       time.Now,
		sent:      make(map[string]time.Time),
	}
}

// DispatchSyncResult sends a silent refresh push when a sync actually
// changed something, so clients re-render without polling.
func (d *Dispatcher) DispatchSyncResult(ctx context.Context, res *internal.SyncResult) error {
	if res == nil || res.EventsUpserted() == 0 {
		return nil
	}
	return d.send(ctx, res.AccountID, "", "", map[string]string{
		"type":       "calendar_refresh",
		"account_id": res.AccountID,
	})
}

// SendDailyDigests delivers the agenda digest to every account whose
// preferred hour matches. One account's failure never blocks the rest.
func (d *Dispatcher) SendDailyDigests(ctx context.Context, hour int) error {
	prefs, err := d.storage.Preferences(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, pref := range prefs {
		if !pref.DigestEnabled || pref.DigestHour != hour {
			continue
		}
		if err := d.sendDigest(ctx, pref.AccountID); err != nil {
			d.logger.Warn("digest delivery failed", "account_id", pref.AccountID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) sendDigest(ctx context.Context, accountID string) error {
	now := d.now().UTC()
	dayEnd := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	events, err := d.storage.AccountEventsBetween(ctx, accountID, now, dayEnd)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	body := fmt.Sprintf("%d events left today. Next: %s at %s.",
		len(events), events[0].Title, events[0].StartsAt.Format("15:04"))
	if events[0].AllDay {
		body = fmt.Sprintf("%d events left today. Next: %s (all day).",
			len(events), events[0].Title)
	}
	return d.send(ctx, accountID, "Today's agenda", body, map[string]string{
		"type": "digest",
	})
}

// SendEventReminders pushes a reminder for events starting within the
// account's lead window. Each event reminds at most once.
func (d *Dispatcher) SendEventReminders(ctx context.Context) error {
	prefs, err := d.storage.Preferences(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, pref := range prefs {
		if !pref.RemindersEnabled {
			continue
		}
		if err := d.remindAccount(ctx, pref); err != nil {
			d.logger.Warn("reminder delivery failed", "account_id", pref.AccountID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) remindAccount(ctx context.Context, pref *internal.NotificationPreference) error {
	now := d.now().UTC()
	events, err := d.storage.AccountEventsBetween(ctx, pref.AccountID, now, now.Add(pref.ReminderLeadMargin))
	if err != nil {
		return err
	}

	var errs []error
	for _, ev := range events {
		if ev.AllDay || !d.markSent(ev) {
			continue
		}
		body := fmt.Sprintf("%s starts at %s", ev.Title, ev.StartsAt.Format("15:04"))
		if ev.Location != "" {
			body += " · " + ev.Location
		}
		err := d.send(ctx, pref.AccountID, "Upcoming event", body, map[string]string{
			"type":     "reminder",
			"event_id": ev.ProviderID,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// send fans one notification out to all of the account's devices and
// prunes tokens the transport reports as no longer registered.
func (d *Dispatcher) send(ctx context.Context, accountID, title, body string, data map[string]string) error {
	devices, err := d.storage.DevicesByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}

	msgs := make([]PushMessage, len(devices))
	for i, dev := range devices {
		msgs[i] = PushMessage{Token: dev.Token, Title: title, Body: body, Data: data}
	}

	statuses, err := d.transport.Send(ctx, msgs)
	if err != nil {
		return &internal.DeliveryError{Err: err}
	}

	for _, st := range statuses {
		switch st.Status {
		case StatusOK:
		case StatusNotRegistered:
			d.logger.Info("pruning unregistered device", "account_id", accountID)
			if err := d.storage.DeleteDevice(ctx, st.Token); err != nil {
				d.logger.Error("deleting device", "error", err)
			}
		default:
			d.logger.Warn("delivery failed for device",
				"account_id", accountID, "error", st.Error)
		}
	}
	return nil
}

// markSent records a reminder key and reports whether it was new.
// Old entries are dropped so the map stays bounded.
func (d *Dispatcher) markSent(ev *internal.Event) bool {
	key := ev.CalendarID + "/" + ev.ProviderID + "/" + ev.StartsAt.Format(time.RFC3339)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sent[key]; ok {
		return false
	}
	d.sent[key] = d.now()

	cutoff := d.now().Add(-24 * time.Hour)
	for k, t := range d.sent {
		if t.Before(cutoff) {
			delete(d.sent, k)
		}
	}
	return true
}
