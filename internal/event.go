package internal

import "time"

type EventStatus string

func (s EventStatus) String() string {
	return string(s)
}

var (
	EventConfirmed EventStatus = "confirmed"
	EventCancelled EventStatus = "cancelled"
)

// Event is a single calendar entry. (CalendarID, ProviderID) is the
// idempotency key for every upsert; cancelled events are kept as
// tombstones rather than deleted.
type Event struct {
	CalendarID  string
	ProviderID  string
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	AllDay      bool
	Status      EventStatus
	UpdatedAt   time.Time
}

// Equal reports whether the sync-relevant fields of two events match.
// UpdatedAt is bookkeeping, not content, so it is ignored.
func (e Event) Equal(o Event) bool {
	return e.Title == o.Title &&
		e.Description == o.Description &&
		e.Location == o.Location &&
		e.StartsAt.Equal(o.StartsAt) &&
		e.EndsAt.Equal(o.EndsAt) &&
		e.AllDay == o.AllDay &&
		e.Status == o.Status
}

// Cancelled reports whether the event is tombstoned.
func (e Event) Cancelled() bool {
	return e.Status == EventCancelled
}

// UpsertOutcome describes what an event upsert actually did. Applying
// the same provider event twice is a no-op, never a duplicate insert.
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)
