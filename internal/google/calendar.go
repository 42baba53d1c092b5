package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"wasync/internal/models"
)

// maxRateLimitRetries bounds how often a call is resent after a 429.
const maxRateLimitRetries = 3

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	limiter *RateLimiter
}

// NewClient creates a Google Calendar client from the saved token at tokenFile.
// Refreshed tokens are written back to the same file.
func NewClient(ctx context.Context, logger *slog.Logger, config *oauth2.Config, tokenFile string) (*CalendarClient, error) {
	token, err := TokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token from %s: %w. Please run the 'auth' command first", tokenFile, err)
	}

	ts := NewPersistingTokenSource(logger, config.TokenSource(ctx, token), tokenFile, token)
	service, err := calendar.NewService(ctx, option.WithTokenSource(oauth2.ReuseTokenSource(token, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{service: service, logger: logger, limiter: NewRateLimiter(DefaultRateLimit)}, nil
}

// NewClientFromHTTP creates a client from a pre-configured HTTP client.
func NewClientFromHTTP(ctx context.Context, logger *slog.Logger, httpClient *http.Client) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, limiter: NewRateLimiter(DefaultRateLimit)}, nil
}

// call paces fn through the limiter and resends it after a 429.
func (c *CalendarClient) call(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) || attempt >= maxRateLimitRetries {
			return WrapError(err)
		}
		wait := retryAfter(err)
		c.logger.Warn("Google Calendar rate limited the request, backing off", "attempt", attempt+1, "retryAfter", wait)
		c.limiter.RecordRateLimitError(wait)
	}
}

// ListEvents fetches one page of events, expanded into single occurrences and
// ordered by start time.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, q models.ListQuery) (*models.EventPage, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "timeMin", q.TimeMin, "pageToken", q.PageToken)

	req := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		OrderBy("startTime")
	if !q.TimeMin.IsZero() {
		req = req.TimeMin(q.TimeMin.UTC().Format(time.RFC3339))
	}
	if q.PageToken != "" {
		req = req.PageToken(q.PageToken)
	}

	var events *calendar.Events
	err := c.call(ctx, func() error {
		var err error
		events, err = req.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Debug("Fetched events from Google Calendar", "count", len(events.Items), "calendarID", calendarID)
	return &models.EventPage{
		Events:        toInternalEvents(events.Items),
		NextPageToken: events.NextPageToken,
	}, nil
}

// InsertEvent creates an event and returns its id.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, ev models.DestinationEvent) (string, error) {
	var created *calendar.Event
	err := c.call(ctx, func() error {
		var err error
		created, err = c.service.Events.Insert(calendarID, toGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create calendar event: %w", err)
	}
	return created.Id, nil
}

// UpdateEvent replaces an existing event with ev.
func (c *CalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, ev models.DestinationEvent) error {
	err := c.call(ctx, func() error {
		_, err := c.service.Events.Update(calendarID, eventID, toGoogleEvent(ev)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update calendar event %s: %w", eventID, err)
	}
	return nil
}

// DeleteEvent removes an event.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.call(ctx, func() error {
		return c.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("failed to delete calendar event %s: %w", eventID, err)
	}
	return nil
}

// EnsureCalendar returns the id of the calendar whose summary is name,
// creating it when no such calendar exists. created reports which happened.
func (c *CalendarClient) EnsureCalendar(ctx context.Context, name, description, timeZone string) (id string, created bool, err error) {
	pageToken := ""
	for {
		req := c.service.CalendarList.List()
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var list *calendar.CalendarList
		err := c.call(ctx, func() error {
			var err error
			list, err = req.Context(ctx).Do()
			return err
		})
		if err != nil {
			return "", false, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, item := range list.Items {
			if item.Summary == name {
				return item.Id, false, nil
			}
		}
		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	var cal *calendar.Calendar
	err = c.call(ctx, func() error {
		var err error
		cal, err = c.service.Calendars.Insert(&calendar.Calendar{
			Summary:     name,
			Description: description,
			TimeZone:    timeZone,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to create calendar %q: %w", name, err)
	}
	c.logger.Info("Created Google calendar", "name", name, "id", cal.Id)
	return cal.Id, true, nil
}

// toInternalEvents converts Google Calendar events to the internal model.
// All-day events keep a zero Start.
func toInternalEvents(items []*calendar.Event) []models.DestinationEvent {
	out := make([]models.DestinationEvent, 0, len(items))
	for _, item := range items {
		ev := models.DestinationEvent{
			ID:          item.Id,
			Title:       item.Summary,
			Description: item.Description,
			Location:    item.Location,
		}
		if item.Start != nil && item.Start.DateTime != "" {
			ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
			ev.TimeZone = item.Start.TimeZone
		}
		if item.End != nil && item.End.DateTime != "" {
			ev.End, _ = time.Parse(time.RFC3339, item.End.DateTime)
		}
		if item.Source != nil {
			ev.SourceURL = item.Source.Url
			ev.SourceTitle = item.Source.Title
		}
		for _, a := range item.Attendees {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
		out = append(out, ev)
	}
	return out
}

// toGoogleEvent converts an internal event to the API representation.
func toGoogleEvent(ev models.DestinationEvent) *calendar.Event {
	g := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start: &calendar.EventDateTime{
			DateTime: ev.Start.Format(time.RFC3339),
			TimeZone: ev.TimeZone,
		},
		End: &calendar.EventDateTime{
			DateTime: ev.End.Format(time.RFC3339),
			TimeZone: ev.TimeZone,
		},
	}
	if ev.SourceURL != "" {
		g.Source = &calendar.EventSource{Title: ev.SourceTitle, Url: ev.SourceURL}
	}
	for _, email := range ev.Attendees {
		g.Attendees = append(g.Attendees, &calendar.EventAttendee{Email: email})
	}
	return g
}
