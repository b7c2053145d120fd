package syncer_test

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kairos-app/kairos-sync/internal"
	"github.com/kairos-app/kairos-sync/internal/sqlite"
	"github.com/kairos-app/kairos-sync/internal/syncer"
)

type fakeProvider struct {
	mu            sync.Mutex
	calendars     []*internal.Calendar
	events        map[string][]*internal.Event
	eventsErr     map[string]error
	calendarCalls int
	eventCalls    int

	enterCalendars chan struct{}
	releaseGate    chan struct{}
}

func (p *fakeProvider) Calendars(ctx context.Context, accountID string) ([]*internal.Calendar, error) {
	p.mu.Lock()
	p.calendarCalls++
	p.mu.Unlock()

	if p.enterCalendars != nil {
		p.enterCalendars <- struct{}{}
		<-p.releaseGate
	}

	res := make([]*internal.Calendar, len(p.calendars))
	for i, cal := range p.calendars {
		c := *cal
		c.AccountID = accountID
		res[i] = &c
	}
	return res, nil
}

func (p *fakeProvider) Events(ctx context.Context, accountID, calendarProviderID string, from, to time.Time) ([]*internal.Event, error) {
	p.mu.Lock()
	p.eventCalls++
	p.mu.Unlock()

	if err := p.eventsErr[calendarProviderID]; err != nil {
		return nil, err
	}

	events := make([]*internal.Event, len(p.events[calendarProviderID]))
	for i, ev := range p.events[calendarProviderID] {
		e := *ev
		events[i] = &e
	}
	return events, nil
}

func newTestEngine(t *testing.T, provider *fakeProvider) (*syncer.Engine, *sqlite.Storage, *internal.Account) {
	t.Helper()

	db, err := sql.Open(sqlite.DriverName, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	storage := sqlite.NewStorage(db)
	acc := &internal.Account{Email: "user@example.com"}
	require.NoError(t, storage.CreateAccount(context.Background(), acc))

	engine := syncer.New(storage, provider, slog.Default(), 30*24*time.Hour)
	return engine, storage, acc
}

func TestSyncAccount_UpstreamChanges(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	eventA := &internal.Event{
		ProviderID: "a", Title: "Unchanged",
		StartsAt: now.Add(2 * time.Hour), EndsAt: now.Add(3 * time.Hour),
		Status: internal.EventConfirmed,
	}
	eventB := &internal.Event{
		ProviderID: "b", Title: "Moved",
		StartsAt: now.Add(4 * time.Hour), EndsAt: now.Add(5 * time.Hour),
		Status: internal.EventConfirmed,
	}
	eventC := &internal.Event{
		ProviderID: "c", Title: "Doomed",
		StartsAt: now.Add(6 * time.Hour), EndsAt: now.Add(7 * time.Hour),
		Status: internal.EventConfirmed,
	}

	provider := &fakeProvider{
		calendars: []*internal.Calendar{{ProviderID: "primary", Name: "Personal", SyncEnabled: true}},
		events:    map[string][]*internal.Event{"primary": {eventA, eventB, eventC}},
	}
	engine, storage, acc := newTestEngine(t, provider)

	res, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CalendarsUpdated)
	assert.Equal(t, 3, res.EventsCreated)

	// Upstream: B moved, C cancelled, A untouched.
	movedB := *eventB
	movedB.StartsAt = movedB.StartsAt.Add(time.Hour)
	movedB.EndsAt = movedB.EndsAt.Add(time.Hour)
	provider.events["primary"] = []*internal.Event{
		eventA,
		&movedB,
		{ProviderID: "c", Status: internal.EventCancelled},
	}

	res, err = engine.SyncAccount(ctx, acc.ID, internal.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, 0, res.EventsCreated)
	assert.Equal(t, 1, res.EventsUpdated)
	assert.Equal(t, 1, res.EventsCancelled)

	cals, err := storage.SyncEnabledCalendars(ctx, acc.ID)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	cal := cals[0]
	assert.False(t, cal.NeverSynced())

	storedA, err := storage.EventByKey(ctx, cal.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, internal.EventConfirmed, storedA.Status)
	assert.True(t, storedA.StartsAt.Equal(eventA.StartsAt))

	storedB, err := storage.EventByKey(ctx, cal.ID, "b")
	require.NoError(t, err)
	assert.True(t, storedB.StartsAt.Equal(movedB.StartsAt))
	assert.True(t, storedB.EndsAt.Equal(movedB.EndsAt))

	// C is tombstoned, never hard-deleted.
	storedC, err := storage.EventByKey(ctx, cal.ID, "c")
	require.NoError(t, err)
	require.NotNil(t, storedC)
	assert.Equal(t, internal.EventCancelled, storedC.Status)

	jobs, err := storage.SyncJobsByAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestSyncAccount_CoalescesConcurrentTriggers(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		calendars:      []*internal.Calendar{{ProviderID: "primary", Name: "Personal", SyncEnabled: true}},
		events:         map[string][]*internal.Event{},
		enterCalendars: make(chan struct{}),
		releaseGate:    make(chan struct{}),
	}
	engine, _, acc := newTestEngine(t, provider)

	done := make(chan error, 1)
	go func() {
		_, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerWebhook)
		done <- err
	}()

	// Wait until the first run is mid-flight, then trigger again.
	<-provider.enterCalendars
	_, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerCron)
	assert.ErrorIs(t, err, internal.ErrSyncInFlight)

	close(provider.releaseGate)
	require.NoError(t, <-done)

	assert.Equal(t, 1, provider.calendarCalls, "coalesced trigger must not call the provider")
}

func TestSyncAccount_PartialFailureRetriesWholeCalendar(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		calendars: []*internal.Calendar{
			{ProviderID: "cal-ok", Name: "Personal", SyncEnabled: true},
			{ProviderID: "cal-bad", Name: "Work", SyncEnabled: true},
		},
		events: map[string][]*internal.Event{
			"cal-ok":  {},
			"cal-bad": {},
		},
		eventsErr: map[string]error{
			"cal-bad": &internal.ProviderError{Kind: internal.ProviderServerError, Err: assert.AnError},
		},
	}
	engine, storage, acc := newTestEngine(t, provider)

	res, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerCron)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)

	cals, err := storage.SyncEnabledCalendars(ctx, acc.ID)
	require.NoError(t, err)
	for _, cal := range cals {
		switch cal.ProviderID {
		case "cal-ok":
			assert.False(t, cal.NeverSynced())
		case "cal-bad":
			assert.True(t, cal.NeverSynced(), "failed calendar keeps its sync marker for retry")
		}
	}

	// The provider recovers; the next pass completes the calendar.
	provider.eventsErr = nil
	res, err = engine.SyncAccount(ctx, acc.ID, internal.TriggerCron)
	require.NoError(t, err)
	assert.Empty(t, res.Errors)

	cals, err = storage.SyncEnabledCalendars(ctx, acc.ID)
	require.NoError(t, err)
	for _, cal := range cals {
		assert.False(t, cal.NeverSynced())
	}
}

func TestSyncAccount_RevokedShortCircuits(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	engine, storage, acc := newTestEngine(t, provider)
	require.NoError(t, storage.SetAccountStatus(ctx, acc.ID, internal.AccountNeedsReauth))

	_, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerWebhook)
	require.Error(t, err)
	assert.True(t, internal.ReauthRequired(err))
	assert.Equal(t, 0, provider.calendarCalls, "revoked account must not reach the provider")
}

func TestSyncAccount_RateLimitImposesCooldown(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{
		calendars: []*internal.Calendar{{ProviderID: "primary", Name: "Personal", SyncEnabled: true}},
		events:    map[string][]*internal.Event{},
		eventsErr: map[string]error{
			"primary": &internal.ProviderError{Kind: internal.ProviderRateLimited, Err: assert.AnError},
		},
	}
	engine, storage, acc := newTestEngine(t, provider)

	res, err := engine.SyncAccount(ctx, acc.ID, internal.TriggerCron)
	require.Error(t, err)
	assert.True(t, internal.RateLimited(err))
	require.NotNil(t, res)

	got, err := storage.AccountByID(ctx, acc.ID)
	require.NoError(t, err)
	assert.True(t, got.CooldownUntil.After(time.Now().UTC()))
}
