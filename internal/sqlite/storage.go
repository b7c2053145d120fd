package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kairos-app/kairos-sync/internal"
)

const DriverName = "sqlite3"

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sql.DB) *Storage {
	s := &Storage{
		db: sqlx.NewDb(db, DriverName),
	}
	err := s.RunMigrations()
	if err != nil {
		panic(fmt.Sprintf("sqlite: running migrations: %v", err))
	}
	return s
}

func (s *Storage) CreateAccount(ctx context.Context, acc *internal.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if acc.Status == "" {
		acc.Status = internal.AccountActive
	}
	if acc.Tier == "" {
		acc.Tier = internal.TierStandard
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, status, tier, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email;
	`, acc.ID, acc.Email, acc.Status, acc.Tier, acc.CreatedAt)
	return err
}

func (s *Storage) AccountByID(ctx context.Context, id string) (*internal.Account, error) {
	var acc account
	err := s.db.GetContext(ctx, &acc, `
		SELECT id, email, status, tier, cooldown_until, created_at
		FROM accounts WHERE id = ?
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internal.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acc.Convert(), nil
}

func (s *Storage) SetAccountStatus(ctx context.Context, id string, status internal.AccountStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ? WHERE id = ?
	`, status, id)
	return err
}

func (s *Storage) SetAccountCooldown(ctx context.Context, id string, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET cooldown_until = ? WHERE id = ?
	`, until, id)
	return err
}

// DeleteAccount removes the account and everything hanging off it.
// Used on disconnect and on irrecoverable credential revocation.
func (s *Storage) DeleteAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM webhook_channels WHERE calendar_id IN (SELECT id FROM calendars WHERE account_id = ?)`,
		`DELETE FROM events WHERE calendar_id IN (SELECT id FROM calendars WHERE account_id = ?)`,
		`DELETE FROM calendars WHERE account_id = ?`,
		`DELETE FROM credentials WHERE account_id = ?`,
		`DELETE FROM notification_prefs WHERE account_id = ?`,
		`DELETE FROM devices WHERE account_id = ?`,
		`DELETE FROM accounts WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Storage) Accounts(ctx context.Context) ([]*internal.Account, error) {
	var accs []account
	err := s.db.SelectContext(ctx, &accs, `
		SELECT id, email, status, tier, cooldown_until, created_at
		FROM accounts ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Account, len(accs))
	for i, a := range accs {
		res[i] = a.Convert()
	}
	return res, nil
}

// DueAccounts selects active accounts that need a scheduled sync: a
// sync-enabled calendar that was never synced or is older than the
// tier interval, or a sync-enabled calendar with no live webhook
// channel. Accounts cooling down after a rate limit are skipped.
func (s *Storage) DueAccounts(ctx context.Context, now time.Time, priorityInterval, standardInterval time.Duration) ([]*internal.Account, error) {
	priorityCutoff := now.Add(-priorityInterval)
	standardCutoff := now.Add(-standardInterval)

	var accs []account
	err := s.db.SelectContext(ctx, &accs, `
		SELECT a.id, a.email, a.status, a.tier, a.cooldown_until, a.created_at
		FROM accounts a
		WHERE a.status = 'active'
			AND (a.cooldown_until IS NULL OR a.cooldown_until <= ?)
			AND (
				EXISTS (
					SELECT 1 FROM calendars c
					WHERE c.account_id = a.id AND c.sync_enabled
						AND (c.last_synced_at IS NULL
							OR c.last_synced_at < CASE WHEN a.tier = 'priority' THEN ? ELSE ? END)
				)
				OR EXISTS (
					SELECT 1 FROM calendars c
					LEFT JOIN webhook_channels w
						ON w.calendar_id = c.id AND w.expires_at > ?
					WHERE c.account_id = a.id AND c.sync_enabled AND w.calendar_id IS NULL
				)
			)
		ORDER BY a.created_at
	`, now, priorityCutoff, standardCutoff, now)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Account, len(accs))
	for i, a := range accs {
		res[i] = a.Convert()
	}
	return res, nil
}

func (s *Storage) CredentialByAccount(ctx context.Context, accountID string) (*internal.Credential, error) {
	var cred credential
	err := s.db.GetContext(ctx, &cred, `
		SELECT account_id, access_token, refresh_token, expiry, scope, updated_at
		FROM credentials WHERE account_id = ?
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internal.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred.Convert(), nil
}

// ReplaceCredential stores the one live credential for the account,
// overwriting whatever was there. Refreshing replaces, never appends.
func (s *Storage) ReplaceCredential(ctx context.Context, cred *internal.Credential) error {
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (account_id, access_token, refresh_token, expiry, scope, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expiry = excluded.expiry,
			scope = excluded.scope,
			updated_at = excluded.updated_at;
	`, cred.AccountID, cred.AccessToken, cred.RefreshToken, cred.Expiry, cred.Scope, cred.UpdatedAt)
	return err
}

func (s *Storage) DeleteCredential(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM credentials WHERE account_id = ?
	`, accountID)
	return err
}

// UpsertCalendar inserts or updates a calendar keyed by
// (account, provider calendar id) and returns the stored row. The
// sync_enabled flag and last_synced_at are owned locally and are left
// untouched on update; only provider-owned fields are refreshed.
func (s *Storage) UpsertCalendar(ctx context.Context, cal *internal.Calendar) (*internal.Calendar, bool, error) {
	var existing calendar
	err := s.db.GetContext(ctx, &existing, `
		SELECT id, account_id, provider_id, name, color, sync_enabled, last_synced_at
		FROM calendars WHERE account_id = ? AND provider_id = ?
	`, cal.AccountID, cal.ProviderID)
	if errors.Is(err, sql.ErrNoRows) {
		cal.ID = uuid.NewString()
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO calendars (id, account_id, provider_id, name, color, sync_enabled)
			VALUES (?, ?, ?, ?, ?, ?)
		`, cal.ID, cal.AccountID, cal.ProviderID, cal.Name, cal.Color, cal.SyncEnabled)
		if err != nil {
			return nil, false, err
		}
		return cal, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	stored := existing.Convert()
	if stored.Name == cal.Name && stored.Color == cal.Color {
		return stored, false, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE calendars SET name = ?, color = ? WHERE id = ?
	`, cal.Name, cal.Color, stored.ID)
	if err != nil {
		return nil, false, err
	}
	stored.Name = cal.Name
	stored.Color = cal.Color
	return stored, true, nil
}

func (s *Storage) CalendarByID(ctx context.Context, id string) (*internal.Calendar, error) {
	var cal calendar
	err := s.db.GetContext(ctx, &cal, `
		SELECT id, account_id, provider_id, name, color, sync_enabled, last_synced_at
		FROM calendars WHERE id = ?
	`, id)
	if err != nil {
		return nil, err
	}
	return cal.Convert(), nil
}

func (s *Storage) SyncEnabledCalendars(ctx context.Context, accountID string) ([]*internal.Calendar, error) {
	var cals []calendar
	err := s.db.SelectContext(ctx, &cals, `
		SELECT id, account_id, provider_id, name, color, sync_enabled, last_synced_at
		FROM calendars
		WHERE account_id = ? AND sync_enabled
		ORDER BY provider_id
	`, accountID)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Calendar, len(cals))
	for i, c := range cals {
		res[i] = c.Convert()
	}
	return res, nil
}

func (s *Storage) SetCalendarLastSync(ctx context.Context, calendarID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE calendars SET last_synced_at = ? WHERE id = ?
	`, t, calendarID)
	return err
}

// CalendarsWithoutChannel lists sync-enabled calendars lacking a live
// webhook channel, so watches can be (re)established.
func (s *Storage) CalendarsWithoutChannel(ctx context.Context, now time.Time) ([]*internal.Calendar, error) {
	var cals []calendar
	err := s.db.SelectContext(ctx, &cals, `
		SELECT c.id, c.account_id, c.provider_id, c.name, c.color, c.sync_enabled, c.last_synced_at
		FROM calendars c
		LEFT JOIN webhook_channels w ON w.calendar_id = c.id AND w.expires_at > ?
		WHERE c.sync_enabled AND w.calendar_id IS NULL
	`, now)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Calendar, len(cals))
	for i, c := range cals {
		res[i] = c.Convert()
	}
	return res, nil
}

func (s *Storage) EventByKey(ctx context.Context, calendarID, providerID string) (*internal.Event, error) {
	var ev event
	err := s.db.GetContext(ctx, &ev, `
		SELECT calendar_id, provider_id, title, description, location,
			starts_at, ends_at, all_day, status, updated_at
		FROM events WHERE calendar_id = ? AND provider_id = ?
	`, calendarID, providerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev.Convert(), nil
}

// UpsertEvent writes an event keyed by (calendar, provider event id).
// Unchanged events are a no-op so reapplying the same provider payload
// is idempotent. Cancelled events overwrite in place as tombstones.
func (s *Storage) UpsertEvent(ctx context.Context, ev *internal.Event) (internal.UpsertOutcome, error) {
	existing, err := s.EventByKey(ctx, ev.CalendarID, ev.ProviderID)
	if err != nil {
		return internal.UpsertUnchanged, err
	}
	ev.UpdatedAt = time.Now().UTC()

	if existing == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO events (calendar_id, provider_id, title, description, location,
				starts_at, ends_at, all_day, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.CalendarID, ev.ProviderID, ev.Title, ev.Description, ev.Location,
			ev.StartsAt, ev.EndsAt, ev.AllDay, ev.Status, ev.UpdatedAt)
		if err != nil {
			return internal.UpsertUnchanged, err
		}
		return internal.UpsertCreated, nil
	}

	if existing.Equal(*ev) {
		return internal.UpsertUnchanged, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE events SET title = ?, description = ?, location = ?,
			starts_at = ?, ends_at = ?, all_day = ?, status = ?, updated_at = ?
		WHERE calendar_id = ? AND provider_id = ?
	`, ev.Title, ev.Description, ev.Location,
		ev.StartsAt, ev.EndsAt, ev.AllDay, ev.Status, ev.UpdatedAt,
		ev.CalendarID, ev.ProviderID)
	if err != nil {
		return internal.UpsertUnchanged, err
	}
	return internal.UpsertUpdated, nil
}

func (s *Storage) AccountEventsBetween(ctx context.Context, accountID string, from, to time.Time) ([]*internal.Event, error) {
	var evs []event
	err := s.db.SelectContext(ctx, &evs, `
		SELECT e.calendar_id, e.provider_id, e.title, e.description, e.location,
			e.starts_at, e.ends_at, e.all_day, e.status, e.updated_at
		FROM events e
		INNER JOIN calendars c ON c.id = e.calendar_id
		WHERE c.account_id = ? AND e.status != 'cancelled'
			AND e.starts_at >= ? AND e.starts_at < ?
		ORDER BY e.starts_at
	`, accountID, from, to)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Event, len(evs))
	for i, e := range evs {
		res[i] = e.Convert()
	}
	return res, nil
}

// ReplaceChannel stores the single live channel for a calendar,
// replacing any prior registration.
func (s *Storage) ReplaceChannel(ctx context.Context, ch *internal.WebhookChannel) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_channels (calendar_id, channel_id, resource_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
			channel_id = excluded.channel_id,
			resource_id = excluded.resource_id,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at;
	`, ch.CalendarID, ch.ChannelID, ch.ResourceID, ch.ExpiresAt, ch.CreatedAt)
	return err
}

func (s *Storage) ChannelByChannelID(ctx context.Context, channelID string) (*internal.WebhookChannel, error) {
	var ch webhookChannel
	err := s.db.GetContext(ctx, &ch, `
		SELECT calendar_id, channel_id, resource_id, expires_at, created_at
		FROM webhook_channels WHERE channel_id = ?
	`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, internal.ErrChannelUnknown
	}
	if err != nil {
		return nil, err
	}
	return ch.Convert(), nil
}

func (s *Storage) ChannelByCalendar(ctx context.Context, calendarID string) (*internal.WebhookChannel, error) {
	var ch webhookChannel
	err := s.db.GetContext(ctx, &ch, `
		SELECT calendar_id, channel_id, resource_id, expires_at, created_at
		FROM webhook_channels WHERE calendar_id = ?
	`, calendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ch.Convert(), nil
}

func (s *Storage) ExpiringChannels(ctx context.Context, before time.Time) ([]*internal.WebhookChannel, error) {
	var chs []webhookChannel
	err := s.db.SelectContext(ctx, &chs, `
		SELECT calendar_id, channel_id, resource_id, expires_at, created_at
		FROM webhook_channels WHERE expires_at < ?
		ORDER BY expires_at
	`, before)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.WebhookChannel, len(chs))
	for i, ch := range chs {
		res[i] = ch.Convert()
	}
	return res, nil
}

func (s *Storage) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_channels WHERE channel_id = ?
	`, channelID)
	return err
}

func (s *Storage) RecordSyncJob(ctx context.Context, job *internal.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, account_id, trigger_source, calendars_updated,
			events_upserted, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.AccountID, job.Trigger, job.CalendarsUpdated,
		job.EventsUpserted, job.Error, job.StartedAt, job.FinishedAt)
	return err
}

func (s *Storage) SyncJobsByAccount(ctx context.Context, accountID string) ([]*internal.SyncJob, error) {
	var jobs []struct {
		ID               string    `db:"id"`
		AccountID        string    `db:"account_id"`
		Trigger          string    `db:"trigger_source"`
		CalendarsUpdated int       `db:"calendars_updated"`
		EventsUpserted   int       `db:"events_upserted"`
		Error            string    `db:"error"`
		StartedAt        time.Time `db:"started_at"`
		FinishedAt       time.Time `db:"finished_at"`
	}
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT id, account_id, trigger_source, calendars_updated,
			events_upserted, error, started_at, finished_at
		FROM sync_jobs WHERE account_id = ?
		ORDER BY started_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.SyncJob, len(jobs))
	for i, j := range jobs {
		res[i] = &internal.SyncJob{
			ID:               j.ID,
			AccountID:        j.AccountID,
			Trigger:          internal.Trigger(j.Trigger),
			CalendarsUpdated: j.CalendarsUpdated,
			EventsUpserted:   j.EventsUpserted,
			Error:            j.Error,
			StartedAt:        j.StartedAt,
			FinishedAt:       j.FinishedAt,
		}
	}
	return res, nil
}

func (s *Storage) PruneSyncJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_jobs WHERE finished_at < ?
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) UpsertPreference(ctx context.Context, pref *internal.NotificationPreference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_prefs (account_id, digest_enabled, digest_hour,
			reminders_enabled, reminder_lead_minutes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			digest_enabled = excluded.digest_enabled,
			digest_hour = excluded.digest_hour,
			reminders_enabled = excluded.reminders_enabled,
			reminder_lead_minutes = excluded.reminder_lead_minutes;
	`, pref.AccountID, pref.DigestEnabled, pref.DigestHour,
		pref.RemindersEnabled, int(pref.ReminderLeadMargin.Minutes()))
	return err
}

func (s *Storage) PreferenceByAccount(ctx context.Context, accountID string) (*internal.NotificationPreference, error) {
	var pref notificationPref
	err := s.db.GetContext(ctx, &pref, `
		SELECT account_id, digest_enabled, digest_hour, reminders_enabled, reminder_lead_minutes
		FROM notification_prefs WHERE account_id = ?
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pref.Convert(), nil
}

// Preferences lists every account's notification settings, joined so
// accounts needing reauthorization are excluded from delivery.
func (s *Storage) Preferences(ctx context.Context) ([]*internal.NotificationPreference, error) {
	var prefs []notificationPref
	err := s.db.SelectContext(ctx, &prefs, `
		SELECT p.account_id, p.digest_enabled, p.digest_hour,
			p.reminders_enabled, p.reminder_lead_minutes
		FROM notification_prefs p
		INNER JOIN accounts a ON a.id = p.account_id
		WHERE a.status = 'active'
		ORDER BY p.account_id
	`)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.NotificationPreference, len(prefs))
	for i, p := range prefs {
		res[i] = p.Convert()
	}
	return res, nil
}

func (s *Storage) AddDevice(ctx context.Context, d *internal.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, account_id, platform, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET account_id = excluded.account_id;
	`, d.Token, d.AccountID, d.Platform, d.CreatedAt)
	return err
}

func (s *Storage) DevicesByAccount(ctx context.Context, accountID string) ([]*internal.Device, error) {
	var devs []device
	err := s.db.SelectContext(ctx, &devs, `
		SELECT token, account_id, platform, created_at
		FROM devices WHERE account_id = ?
		ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, err
	}

	res := make([]*internal.Device, len(devs))
	for i, d := range devs {
		res[i] = d.Convert()
	}
	return res, nil
}

func (s *Storage) DeleteDevice(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM devices WHERE token = ?
	`, token)
	return err
}
