// Package calendar writes coursework due dates into an external calendar and
// renders them as an ICS feed.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sevenofnine/coursework-sync/internal/domain"
)

var (
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrEventGone means the mapped event was deleted on the calendar side.
	ErrEventGone = errors.New("calendar event no longer exists")
)

// TimedEventLength is how long before the due instant a timed event starts.
const TimedEventLength = 30 * time.Minute

type Event struct {
	ID         string
	CalendarID string
	Status     string
	Link       string
}

type EventMutation struct {
	Title       string
	Description string
	SourceURL   string
	AllDay      bool
	// Start and End are UTC. For all-day events only the date matters and
	// End is exclusive.
	Start time.Time
	End   time.Time
}

type Provider interface {
	Name() string
	CreateEvent(ctx context.Context, token, calendarID string, in EventMutation) (Event, error)
	UpdateEvent(ctx context.Context, token, calendarID, eventID string, in EventMutation) (Event, error)
}

type NotSupportedError struct {
	Operation string
}

func (e NotSupportedError) Error() string {
	if e.Operation == "" {
		return ErrNotSupported.Error()
	}
	return fmt.Sprintf("%s: %v", e.Operation, ErrNotSupported)
}

func (e NotSupportedError) Unwrap() error {
	return ErrNotSupported
}

// Disabled is used when no calendar credentials are configured.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) CreateEvent(context.Context, string, string, EventMutation) (Event, error) {
	return Event{}, NotSupportedError{Operation: "create_event"}
}

func (Disabled) UpdateEvent(context.Context, string, string, string, EventMutation) (Event, error) {
	return Event{}, NotSupportedError{Operation: "update_event"}
}

// MutationFor builds the event for a coursework item. ok is false when the
// item has no usable due date.
func MutationFor(item domain.CourseworkItem, courseName string) (EventMutation, bool) {
	if item.Due == nil || !item.Due.Valid() {
		return EventMutation{}, false
	}
	title := item.Title
	if courseName != "" {
		title = fmt.Sprintf("%s (%s)", item.Title, courseName)
	}
	m := EventMutation{
		Title:       title,
		Description: item.Description,
		SourceURL:   item.AlternateLink,
	}
	if item.Due.HasTime {
		m.End = item.Due.Instant()
		m.Start = m.End.Add(-TimedEventLength)
	} else {
		m.AllDay = true
		m.Start = item.Due.Date()
		m.End = m.Start.AddDate(0, 0, 1)
	}
	return m, true
}
