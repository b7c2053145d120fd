package internal

import "time"

// WebhookChannel is a provider push-notification subscription for one
// calendar. A calendar never has more than one non-expired channel;
// renewal replaces the row.
type WebhookChannel struct {
	CalendarID string
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// ExpiresWithin reports whether the channel expires before now+d.
func (ch WebhookChannel) ExpiresWithin(now time.Time, d time.Duration) bool {
	return ch.ExpiresAt.Before(now.Add(d))
}
