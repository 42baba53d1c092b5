package icloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"wasync/internal/models"
)

const (
	// DefaultEndpoint is iCloud's CalDAV server.
	DefaultEndpoint = "https://caldav.icloud.com/"

	productID = "-//wasync//EN"

	// listHorizonYears bounds the time-range of a listing.
	listHorizonYears = 10
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "wasync/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient writes events to a CalDAV calendar. Calendar ids are the
// calendar collection paths and event ids are the object paths.
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
}

// NewClient creates a CalDAV client. An empty endpoint means iCloud.
func NewClient(logger *slog.Logger, endpoint, username, password string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	return &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
	}, nil
}

// EnsureCalendar returns the path of the calendar named name. CalDAV servers
// such as iCloud do not let clients create calendars here, so a missing
// calendar is an error and created is always false.
func (c *CalDAVClient) EnsureCalendar(ctx context.Context, name, _, _ string) (string, bool, error) {
	c.logger.Info("Finding CalDAV calendar", "calendarName", name)
	p, err := c.findCalendar(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("could not find calendar '%s': %w", name, err)
	}
	c.logger.Info("Successfully found CalDAV calendar", "path", p)
	return p, false, nil
}

// ListEvents returns the events overlapping the ten years from q.TimeMin, or
// every event when TimeMin is zero, in one page ordered by start. Recurring
// events are returned as their master component.
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarPath string, q models.ListQuery) (*models.EventPage, error) {
	filter := caldav.CompFilter{Name: ical.CompEvent}
	if !q.TimeMin.IsZero() {
		// A time-range always carries both bounds.
		filter.Start = q.TimeMin.UTC()
		filter.End = q.TimeMin.UTC().AddDate(listHorizonYears, 0, 0)
	}
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{filter},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []models.DestinationEvent
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		for _, ev := range obj.Data.Events() {
			events = append(events, fromICal(ev.Component, obj.Path))
		}
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	c.logger.Debug("Fetched events from CalDAV calendar", "count", len(events), "path", calendarPath)
	return &models.EventPage{Events: events}, nil
}

// InsertEvent stores ev as a new calendar object and returns its path.
func (c *CalDAVClient) InsertEvent(ctx context.Context, calendarPath string, ev models.DestinationEvent) (string, error) {
	uid := GenerateUID()
	objectPath := path.Join(calendarPath, uid+".ics")
	if err := c.put(ctx, objectPath, uid, ev); err != nil {
		return "", err
	}
	return objectPath, nil
}

// UpdateEvent overwrites the object at eventPath, keeping its UID.
func (c *CalDAVClient) UpdateEvent(ctx context.Context, _ string, eventPath string, ev models.DestinationEvent) error {
	obj, err := c.caldavClient.GetCalendarObject(ctx, eventPath)
	if err != nil {
		return fmt.Errorf("failed to load event %s: %w", eventPath, err)
	}
	uid := strings.TrimSuffix(path.Base(eventPath), ".ics")
	if obj.Data != nil {
		for _, existing := range obj.Data.Events() {
			if v, err := existing.Props.Text(ical.PropUID); err == nil && v != "" {
				uid = v
				break
			}
		}
	}
	return c.put(ctx, eventPath, uid, ev)
}

// DeleteEvent removes the object at eventPath.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, _ string, eventPath string) error {
	if err := c.webdavClient.RemoveAll(ctx, eventPath); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventPath, err)
	}
	return nil
}

func (c *CalDAVClient) put(ctx context.Context, objectPath, uid string, ev models.DestinationEvent) error {
	c.logger.Debug("Writing event to CalDAV", "eventTitle", ev.Title, "uid", uid)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(ev, uid, time.Now().UTC()))

	if _, err := c.caldavClient.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return fmt.Errorf("failed to write event to CalDAV server: %w", err)
	}
	return nil
}

// toICal converts an internal event to a VEVENT component.
func toICal(ev models.DestinationEvent, uid string, stamp time.Time) *ical.Component {
	start, end := ev.Start, ev.End
	if ev.TimeZone != "" {
		if loc, err := time.LoadLocation(ev.TimeZone); err == nil {
			start, end = start.In(loc), end.In(loc)
		}
	}

	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	ve.Props.SetDateTime(ical.PropDateTimeStart, start)
	ve.Props.SetDateTime(ical.PropDateTimeEnd, end)

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if u, err := url.Parse(ev.SourceURL); err == nil && ev.SourceURL != "" {
		p := ical.NewProp(ical.PropURL)
		p.SetValueType(ical.ValueURI)
		p.Value = u.String()
		ve.Props.Set(p)
	}
	for _, attendee := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}
	return ve
}

// fromICal converts a VEVENT back to the internal model. Date-only events keep
// a zero Start.
func fromICal(comp *ical.Component, objectPath string) models.DestinationEvent {
	ev := models.DestinationEvent{ID: objectPath}
	ev.Title, _ = comp.Props.Text(ical.PropSummary)
	ev.Description, _ = comp.Props.Text(ical.PropDescription)
	ev.Location, _ = comp.Props.Text(ical.PropLocation)
	if p := comp.Props.Get(ical.PropURL); p != nil {
		ev.SourceURL = p.Value
	}

	event := ical.Event{Component: comp}
	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() != ical.ValueDate {
		ev.Start, _ = event.DateTimeStart(time.UTC)
		if tz := p.Params.Get(ical.ParamTimezoneID); tz != "" {
			ev.TimeZone = tz
		}
	}
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil && p.ValueType() != ical.ValueDate {
		ev.End, _ = event.DateTimeEnd(time.UTC)
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		ev.Attendees = append(ev.Attendees, strings.TrimPrefix(p.Value, "mailto:"))
	}
	return ev
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
