package webhook

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kairos-app/kairos-sync/internal"
	"github.com/kairos-app/kairos-sync/internal/sqlite"
)

type fakeWatchClient struct {
	watched   []string
	stopped   []string
	expiresAt time.Time
}

func (c *fakeWatchClient) Watch(ctx context.Context, accountID, calendarProviderID, channelID, address string) (string, time.Time, error) {
	c.watched = append(c.watched, channelID)
	return "res-" + channelID, c.expiresAt, nil
}

func (c *fakeWatchClient) StopChannel(ctx context.Context, accountID, channelID, resourceID string) error {
	c.stopped = append(c.stopped, channelID)
	return nil
}

type fakeTrigger struct {
	accounts []string
	err      error
}

func (tr *fakeTrigger) SyncAccount(ctx context.Context, accountID string, trigger internal.Trigger) (*internal.SyncResult, error) {
	tr.accounts = append(tr.accounts, accountID)
	if tr.err != nil {
		return nil, tr.err
	}
	return &internal.SyncResult{AccountID: accountID, Trigger: trigger}, nil
}

type fixture struct {
	manager *Manager
	storage *sqlite.Storage
	client  *fakeWatchClient
	trigger *fakeTrigger
	cal     *internal.Calendar
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sql.Open(sqlite.DriverName, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	storage := sqlite.NewStorage(db)

	acc := &internal.Account{Email: "user@example.com"}
	require.NoError(t, storage.CreateAccount(ctx, acc))
	cal, _, err := storage.UpsertCalendar(ctx, &internal.Calendar{
		AccountID:   acc.ID,
		ProviderID:  "primary",
		Name:        "Personal",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	client := &fakeWatchClient{expiresAt: now.Add(7 * 24 * time.Hour)}
	trigger := &fakeTrigger{}

	m := NewManager(storage, client, trigger, "https://sync.example.com/webhooks/google", slog.Default())
	m.now = func() time.Time { return now }

	return &fixture{manager: m, storage: storage, client: client, trigger: trigger, cal: cal, now: now}
}

func (f *fixture) seedChannel(t *testing.T, channelID string, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, f.storage.ReplaceChannel(context.Background(), &internal.WebhookChannel{
		CalendarID: f.cal.ID,
		ChannelID:  channelID,
		ResourceID: "res-" + channelID,
		ExpiresAt:  expiresAt,
	}))
}

func TestEnsureWatch_RegistersMissingChannel(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.manager.EnsureWatch(context.Background(), f.cal))
	require.Len(t, f.client.watched, 1)

	ch, err := f.storage.ChannelByCalendar(context.Background(), f.cal.ID)
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, f.client.watched[0], ch.ChannelID)
	assert.True(t, ch.ExpiresAt.After(f.now))
}

func TestEnsureWatch_NoopWhileChannelLive(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "live", f.now.Add(3*24*time.Hour))

	require.NoError(t, f.manager.EnsureWatch(context.Background(), f.cal))
	assert.Empty(t, f.client.watched)
}

func TestEnsureWatch_ReplacesExpiringChannel(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "old", f.now.Add(time.Hour))

	require.NoError(t, f.manager.EnsureWatch(context.Background(), f.cal))
	require.Len(t, f.client.watched, 1)
	assert.Equal(t, []string{"old"}, f.client.stopped)

	// Exactly one channel per calendar, and it is the replacement.
	ch, err := f.storage.ChannelByCalendar(context.Background(), f.cal.ID)
	require.NoError(t, err)
	assert.Equal(t, f.client.watched[0], ch.ChannelID)

	_, err = f.storage.ChannelByChannelID(context.Background(), "old")
	assert.ErrorIs(t, err, internal.ErrChannelUnknown)
}

func TestEnsureWatch_NoopWithoutCallbackURL(t *testing.T) {
	f := newFixture(t)
	f.manager.callbackURL = ""

	require.NoError(t, f.manager.EnsureWatch(context.Background(), f.cal))
	assert.Empty(t, f.client.watched)
}

func TestRenewExpiring(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	freshCal, _, err := f.storage.UpsertCalendar(ctx, &internal.Calendar{
		AccountID:   f.cal.AccountID,
		ProviderID:  "work",
		Name:        "Work",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	f.seedChannel(t, "expiring", f.now.Add(6*time.Hour))
	require.NoError(t, f.storage.ReplaceChannel(ctx, &internal.WebhookChannel{
		CalendarID: freshCal.ID,
		ChannelID:  "fresh",
		ResourceID: "res-fresh",
		ExpiresAt:  f.now.Add(5 * 24 * time.Hour),
	}))

	require.NoError(t, f.manager.RenewExpiring(ctx))
	assert.Len(t, f.client.watched, 1)
	assert.Equal(t, []string{"expiring"}, f.client.stopped)

	ch, err := f.storage.ChannelByChannelID(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, freshCal.ID, ch.CalendarID)
}

func TestHandleNotification_HandshakeAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "ch-1", f.now.Add(24*time.Hour))

	err := f.manager.HandleNotification(context.Background(), "ch-1", "res-ch-1", "sync")
	require.NoError(t, err)
	assert.Empty(t, f.trigger.accounts, "handshake must not trigger a sync")
}

func TestHandleNotification_UnknownChannelDropped(t *testing.T) {
	f := newFixture(t)

	err := f.manager.HandleNotification(context.Background(), "never-seen", "res", "exists")
	require.NoError(t, err)
	assert.Empty(t, f.trigger.accounts)
}

func TestHandleNotification_StaleResourceDropped(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "ch-1", f.now.Add(24*time.Hour))

	err := f.manager.HandleNotification(context.Background(), "ch-1", "res-previous", "exists")
	require.NoError(t, err)
	assert.Empty(t, f.trigger.accounts)
}

func TestHandleNotification_TriggersSync(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "ch-1", f.now.Add(24*time.Hour))

	err := f.manager.HandleNotification(context.Background(), "ch-1", "res-ch-1", "exists")
	require.NoError(t, err)
	assert.Equal(t, []string{f.cal.AccountID}, f.trigger.accounts)
}

func TestHandleNotification_SwallowsInFlight(t *testing.T) {
	f := newFixture(t)
	f.seedChannel(t, "ch-1", f.now.Add(24*time.Hour))
	f.trigger.err = internal.ErrSyncInFlight

	err := f.manager.HandleNotification(context.Background(), "ch-1", "res-ch-1", "exists")
	require.NoError(t, err)
}
