package notify

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kairos-app/kairos-sync/internal"
)

type fakeNotifyStorage struct {
	prefs   []*internal.NotificationPreference
	devices map[string][]*internal.Device
	events  map[string][]*internal.Event
	deleted []string
}

func (s *fakeNotifyStorage) Preferences(ctx context.Context) ([]*internal.NotificationPreference, error) {
	return s.prefs, nil
}

func (s *fakeNotifyStorage) DevicesByAccount(ctx context.Context, accountID string) ([]*internal.Device, error) {
	return s.devices[accountID], nil
}

func (s *fakeNotifyStorage) DeleteDevice(ctx context.Context, token string) error {
	s.deleted = append(s.deleted, token)
	return nil
}

func (s *fakeNotifyStorage) AccountEventsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*internal.Event, error) {
	var res []*internal.Event
	for _, ev := range s.events[accountID] {
		if !ev.StartsAt.Before(from) && ev.StartsAt.Before(to) {
			res = append(res, ev)
		}
	}
	return res, nil
}

type fakeTransport struct {
	batches  [][]PushMessage
	statuses []DeliveryStatus
	err      error
}

func (t *fakeTransport) Send(ctx context.Context, msgs []PushMessage) ([]DeliveryStatus, error) {
	t.batches = append(t.batches, msgs)
	if t.err != nil {
		return nil, t.err
	}
	if t.statuses != nil {
		return t.statuses, nil
	}
	statuses := make([]DeliveryStatus, len(msgs))
	for i, m := range msgs {
		statuses[i] = DeliveryStatus{Token: m.Token, Status: StatusOK}
	}
	return statuses, nil
}

func (t *fakeTransport) sentMessages() []PushMessage {
	var all []PushMessage
	for _, b := range t.batches {
		all = append(all, b...)
	}
	return all
}

func newTestDispatcher(storage *fakeNotifyStorage, transport *fakeTransport) *Dispatcher {
	if storage.devices == nil {
		storage.devices = map[string][]*internal.Device{}
	}
	return NewDispatcher(storage, transport, slog.Default())
}

func TestDispatchSyncResult(t *testing.T) {
	storage := &fakeNotifyStorage{
		devices: map[string][]*internal.Device{
			"acc-1": {{Token: "tok-1", AccountID: "acc-1", Platform: "ios"}},
		},
	}
	transport := &fakeTransport{}
	d := newTestDispatcher(storage, transport)

	// A run that changed nothing stays silent.
	err := d.DispatchSyncResult(context.Background(), &internal.SyncResult{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Empty(t, transport.batches)

	err = d.DispatchSyncResult(context.Background(), &internal.SyncResult{
		AccountID:     "acc-1",
		EventsCreated: 2,
	})
	require.NoError(t, err)
	msgs := transport.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tok-1", msgs[0].Token)
	assert.Empty(t, msgs[0].Title)
	assert.Equal(t, "calendar_refresh", msgs[0].Data["type"])
}

func TestSend_PrunesUnregisteredTokens(t *testing.T) {
	storage := &fakeNotifyStorage{
		devices: map[string][]*internal.Device{
			"acc-1": {
				{Token: "tok-live", AccountID: "acc-1", Platform: "ios"},
				{Token: "tok-gone", AccountID: "acc-1", Platform: "android"},
			},
		},
	}
	transport := &fakeTransport{
		statuses: []DeliveryStatus{
			{Token: "tok-live", Status: StatusOK},
			{Token: "tok-gone", Status: StatusNotRegistered},
		},
	}
	d := newTestDispatcher(storage, transport)

	err := d.DispatchSyncResult(context.Background(), &internal.SyncResult{
		AccountID:     "acc-1",
		EventsUpdated: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-gone"}, storage.deleted)
}

func TestSendDailyDigests_MatchesPreferredHour(t *testing.T) {
	now := time.Date(2026, 8, 24, 8, 5, 0, 0, time.UTC)
	storage := &fakeNotifyStorage{
		prefs: []*internal.NotificationPreference{
			{AccountID: "acc-eight", DigestEnabled: true, DigestHour: 8},
			{AccountID: "acc-nine", DigestEnabled: true, DigestHour: 9},
			{AccountID: "acc-off", DigestEnabled: false, DigestHour: 8},
		},
		devices: map[string][]*internal.Device{
			"acc-eight": {{Token: "tok-8", AccountID: "acc-eight", Platform: "ios"}},
			"acc-nine":  {{Token: "tok-9", AccountID: "acc-nine", Platform: "ios"}},
		},
		events: map[string][]*internal.Event{
			"acc-eight": {{
				CalendarID: "cal-1", ProviderID: "standup", Title: "Standup",
				StartsAt: now.Add(time.Hour), Status: internal.EventConfirmed,
			}},
			"acc-nine": {{
				CalendarID: "cal-2", ProviderID: "review", Title: "Review",
				StartsAt: now.Add(2 * time.Hour), Status: internal.EventConfirmed,
			}},
		},
	}
	transport := &fakeTransport{}
	d := newTestDispatcher(storage, transport)
	d.now = func() time.Time { return now }

	require.NoError(t, d.SendDailyDigests(context.Background(), 8))

	msgs := transport.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "tok-8", msgs[0].Token)
	assert.Equal(t, "Today's agenda", msgs[0].Title)
	assert.Contains(t, msgs[0].Body, "Standup")
}

func TestSendEventReminders_OncePerEvent(t *testing.T) {
	now := time.Date(2026, 8, 24, 9, 55, 0, 0, time.UTC)
	storage := &fakeNotifyStorage{
		prefs: []*internal.NotificationPreference{
			{AccountID: "acc-1", RemindersEnabled: true, ReminderLeadMargin: 10 * time.Minute},
		},
		devices: map[string][]*internal.Device{
			"acc-1": {{Token: "tok-1", AccountID: "acc-1", Platform: "ios"}},
		},
		events: map[string][]*internal.Event{
			"acc-1": {
				{
					CalendarID: "cal-1", ProviderID: "standup", Title: "Standup",
					StartsAt: now.Add(5 * time.Minute), Status: internal.EventConfirmed,
				},
				{
					CalendarID: "cal-1", ProviderID: "offsite", Title: "Offsite",
					StartsAt: now.Add(5 * time.Minute), AllDay: true,
					Status: internal.EventConfirmed,
				},
			},
		},
	}
	transport := &fakeTransport{}
	d := newTestDispatcher(storage, transport)
	d.now = func() time.Time { return now }

	require.NoError(t, d.SendEventReminders(context.Background()))
	msgs := transport.sentMessages()
	require.Len(t, msgs, 1, "all-day events get no reminder")
	assert.Equal(t, "reminder", msgs[0].Data["type"])
	assert.Equal(t, "standup", msgs[0].Data["event_id"])

	// The next tick still sees the event inside the window but must not
	// remind twice.
	d.now = func() time.Time { return now.Add(time.Minute) }
	require.NoError(t, d.SendEventReminders(context.Background()))
	assert.Len(t, transport.sentMessages(), 1)
}

func TestSend_TransportFailure(t *testing.T) {
	storage := &fakeNotifyStorage{
		devices: map[string][]*internal.Device{
			"acc-1": {{Token: "tok-1", AccountID: "acc-1", Platform: "ios"}},
		},
	}
	transport := &fakeTransport{err: assert.AnError}
	d := newTestDispatcher(storage, transport)

	err := d.DispatchSyncResult(context.Background(), &internal.SyncResult{
		AccountID:     "acc-1",
		EventsCreated: 1,
	})
	require.Error(t, err)

	var derr *internal.DeliveryError
	require.ErrorAs(t, err, &derr)
}

func TestSend_NoDevicesIsNoop(t *testing.T) {
	storage := &fakeNotifyStorage{}
	transport := &fakeTransport{}
	d := newTestDispatcher(storage, transport)

	err := d.DispatchSyncResult(context.Background(), &internal.SyncResult{
		AccountID:     "acc-1",
		EventsCreated: 1,
	})
	require.NoError(t, err)
	assert.Empty(t, transport.batches)
}
