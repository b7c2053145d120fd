package internal

import "time"

// Trigger records what started a reconciliation run.
type Trigger string

var (
	TriggerWebhook Trigger = "webhook"
	TriggerCron    Trigger = "cron"
	TriggerManual  Trigger = "manual"
)

// SyncResult is the outcome of one SyncAccount execution. It is returned
// to the caller and consumed by the notification dispatcher; it is also
// persisted as a SyncJob audit row.
type SyncResult struct {
	AccountID        string
	Trigger          Trigger
	CalendarsUpdated int
	EventsCreated    int
	EventsUpdated    int
	EventsCancelled  int
	Errors           []string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// EventsUpserted is the total number of event rows written.
func (r SyncResult) EventsUpserted() int {
	return r.EventsCreated + r.EventsUpdated + r.EventsCancelled
}

// Failed reports whether any calendar pass ended in error.
func (r SyncResult) Failed() bool {
	return len(r.Errors) > 0
}

// SyncJob is the persisted audit record of a reconciliation run.
// Rows are pruned after a bounded retention window.
type SyncJob struct {
	ID               string
	AccountID        string
	Trigger          Trigger
	CalendarsUpdated int
	EventsUpserted   int
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
}
