package internal

import "time"

// NotificationPreference holds per-account delivery settings. It is
// written by the user-facing settings surface and only read here.
type NotificationPreference struct {
	AccountID          string
	DigestEnabled      bool
	DigestHour         int
	RemindersEnabled   bool
	ReminderLeadMargin time.Duration
}

// Device is a push-transport recipient token registered by one of the
// user's devices. Tokens reported as no longer valid are pruned.
type Device struct {
	Token     string
	AccountID string
	Platform  string
	CreatedAt time.Time
}
