package sqlite

import (
	"database/sql"
	"time"

	"github.com/kairos-app/kairos-sync/internal"
)

type account struct {
	ID            string       `db:"id"`
	Email         string       `db:"email"`
	Status        string       `db:"status"`
	Tier          string       `db:"tier"`
	CooldownUntil sql.NullTime `db:"cooldown_until"`
	CreatedAt     time.Time    `db:"created_at"`
}

func (a account) Convert() *internal.Account {
	acc := &internal.Account{
		ID:        a.ID,
		Email:     a.Email,
		Status:    internal.AccountStatus(a.Status),
		Tier:      internal.AccountTier(a.Tier),
		CreatedAt: a.CreatedAt,
	}
	if a.CooldownUntil.Valid {
		acc.CooldownUntil = a.CooldownUntil.Time
	}
	return acc
}

type credential struct {
	AccountID    string    `db:"account_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	Expiry       time.Time `db:"expiry"`
	Scope        string    `db:"scope"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (c credential) Convert() *internal.Credential {
	return &internal.Credential{
		AccountID:    c.AccountID,
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.Expiry,
		Scope:        c.Scope,
		UpdatedAt:    c.UpdatedAt,
	}
}

type calendar struct {
	ID           string       `db:"id"`
	AccountID    string       `db:"account_id"`
	ProviderID   string       `db:"provider_id"`
	Name         string       `db:"name"`
	Color        string       `db:"color"`
	SyncEnabled  bool         `db:"sync_enabled"`
	LastSyncedAt sql.NullTime `db:"last_synced_at"`
}

func (c calendar) Convert() *internal.Calendar {
	cal := &internal.Calendar{
		ID:          c.ID,
		AccountID:   c.AccountID,
		ProviderID:  c.ProviderID,
		Name:        c.Name,
		Color:       c.Color,
		SyncEnabled: c.SyncEnabled,
	}
	if c.LastSyncedAt.Valid {
		cal.LastSyncedAt = c.LastSyncedAt.Time
	}
	return cal
}

type event struct {
	CalendarID  string    `db:"calendar_id"`
	ProviderID  string    `db:"provider_id"`
	Title       string    `db:"title"`
	Description string    `db:"description"`
	Location    string    `db:"location"`
	StartsAt    time.Time `db:"starts_at"`
	EndsAt      time.Time `db:"ends_at"`
	AllDay      bool      `db:"all_day"`
	Status      string    `db:"status"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (e event) Convert() *internal.Event {
	return &internal.Event{
		CalendarID:  e.CalendarID,
		ProviderID:  e.ProviderID,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
		StartsAt:    e.StartsAt,
		EndsAt:      e.EndsAt,
		AllDay:      e.AllDay,
		Status:      internal.EventStatus(e.Status),
		UpdatedAt:   e.UpdatedAt,
	}
}

type webhookChannel struct {
	CalendarID string    `db:"calendar_id"`
	ChannelID  string    `db:"channel_id"`
	ResourceID string    `db:"resource_id"`
	ExpiresAt  time.Time `db:"expires_at"`
	CreatedAt  time.Time `db:"created_at"`
}

func (ch webhookChannel) Convert() *internal.WebhookChannel {
	return &internal.WebhookChannel{
		CalendarID: ch.CalendarID,
		ChannelID:  ch.ChannelID,
		ResourceID: ch.ResourceID,
		ExpiresAt:  ch.ExpiresAt,
		CreatedAt:  ch.CreatedAt,
	}
}

type notificationPref struct {
	AccountID           string `db:"account_id"`
	DigestEnabled       bool   `db:"digest_enabled"`
	DigestHour          int    `db:"digest_hour"`
	RemindersEnabled    bool   `db:"reminders_enabled"`
	ReminderLeadMinutes int    `db:"reminder_lead_minutes"`
}

func (p notificationPref) Convert() *internal.NotificationPreference {
	return &internal.NotificationPreference{
		AccountID:          p.AccountID,
		DigestEnabled:      p.DigestEnabled,
		DigestHour:         p.DigestHour,
		RemindersEnabled:   p.RemindersEnabled,
		ReminderLeadMargin: time.Duration(p.ReminderLeadMinutes) * time.Minute,
	}
}

type device struct {
	Token     string    `db:"token"`
	AccountID string    `db:"account_id"`
	Platform  string    `db:"platform"`
	CreatedAt time.Time `db:"created_at"`
}

func (d device) Convert() *internal.Device {
	return &internal.Device{
		Token:     d.Token,
		AccountID: d.AccountID,
		Platform:  d.Platform,
		CreatedAt: d.CreatedAt,
	}
}
