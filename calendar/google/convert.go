package google

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/kairos-app/kairos-sync/internal"
)

const dateFormat = "2006-01-02"

func newCalendar(accountID string, entry *calendar.CalendarListEntry) *internal.Calendar {
	return &internal.Calendar{
		AccountID:   accountID,
		ProviderID:  entry.Id,
		Name:        entry.Summary,
		Color:       entry.BackgroundColor,
		SyncEnabled: true,
	}
}

// newEvent normalizes a provider event. All-day events carry a
// date-only start/end; the two representations collapse into AllDay.
// Cancelled events arrive nearly empty and become tombstones.
func newEvent(event *calendar.Event) *internal.Event {
	if event.Status == "cancelled" {
		return &internal.Event{
			ProviderID: event.Id,
			Status:     internal.EventCancelled,
		}
	}

	ev := &internal.Event{
		ProviderID:  event.Id,
		Title:       event.Summary,
		Description: event.Description,
		Location:    event.Location,
		Status:      internal.EventConfirmed,
	}
	ev.StartsAt, ev.AllDay = parseEventTime(event.Start)
	ev.EndsAt, _ = parseEventTime(event.End)
	return ev
}

func parseEventTime(t *calendar.EventDateTime) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	if t.Date != "" {
		parsed, _ := time.ParseInLocation(dateFormat, t.Date, time.UTC)
		return parsed, true
	}
	parsed, _ := time.Parse(time.RFC3339, t.DateTime)
	return parsed.UTC(), false
}

func newGoogleEvent(event *internal.Event) *calendar.Event {
	gevent := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Reminders: &calendar.EventReminders{
			UseDefault: true,
		},
	}
	if event.AllDay {
		gevent.Start = &calendar.EventDateTime{Date: event.StartsAt.Format(dateFormat)}
		gevent.End = &calendar.EventDateTime{Date: event.EndsAt.Format(dateFormat)}
	} else {
		gevent.Start = &calendar.EventDateTime{DateTime: event.StartsAt.Format(time.RFC3339)}
		gevent.End = &calendar.EventDateTime{DateTime: event.EndsAt.Format(time.RFC3339)}
	}
	return gevent
}
