package models

import (
	"strings"
	"time"
)

// SourceEvent is a full event record from the membership platform.
// It is treated as immutable once fetched.
type SourceEvent struct {
	ID               int64     // Platform event identifier
	Name             string    // Event title
	Start            time.Time // Start time of the event
	End              time.Time // End time of the event, zero when the platform has none
	DescriptionHTML  string    // Raw HTML description
	Location         string    // Free-form location
	URL              string    // Link back to the event on the platform
	RegistrantEmails []string  // Emails of registered members, only loaded on request
}

// EventSummary is the short form returned by the event listing endpoint.
type EventSummary struct {
	ID    int64
	Name  string
	Start time.Time
}

// DestinationEvent is an event as stored in the shared calendar.
type DestinationEvent struct {
	ID          string    // Assigned by the calendar service, empty before insertion
	Title       string    // Summary or title of the event
	Start       time.Time // Zero for all-day events
	End         time.Time
	Description string
	Location    string
	SourceURL   string // Where the event came from
	SourceTitle string
	Attendees   []string
	TimeZone    string // IANA zone sent along with start and end
}

// MatchKey is the only identity shared by the source platform and the calendar.
// Two events with the same title and start instant are the same event.
type MatchKey struct {
	Title string
	Start string
}

// KeyOf builds the MatchKey for a title and start time.
func KeyOf(title string, start time.Time) MatchKey {
	return MatchKey{Title: title, Start: start.UTC().Format(time.RFC3339)}
}

// Key returns the MatchKey of a source event.
func (e SourceEvent) Key() MatchKey {
	return KeyOf(e.Name, e.Start)
}

// Key returns the MatchKey of a destination event.
func (e DestinationEvent) Key() MatchKey {
	return KeyOf(e.Title, e.Start)
}

// ListQuery selects one page of destination events.
type ListQuery struct {
	TimeMin   time.Time // Zero means no lower bound
	PageToken string
}

// EventPage is one page of a destination listing.
type EventPage struct {
	Events        []DestinationEvent
	NextPageToken string
}

// ParseTime accepts the timestamp shapes both APIs emit: RFC 3339 with an
// offset, or a bare local date-time which is read in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02T15:04:05", s, loc)
}
