package internal

import "time"

// Calendar is a provider calendar owned by one account. Calendars with
// SyncEnabled=false are excluded from scheduled and webhook-triggered sync.
type Calendar struct {
	ID           string
	AccountID    string
	ProviderID   string
	Name         string
	Color        string
	SyncEnabled  bool
	LastSyncedAt time.Time
}

func (c Calendar) String() string {
	return c.AccountID + "/" + c.ProviderID
}

// NeverSynced reports whether the calendar has completed a full pass yet.
func (c Calendar) NeverSynced() bool {
	return c.LastSyncedAt.IsZero()
}
