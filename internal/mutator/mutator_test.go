package mutator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/models"
	"wasync/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCalendar keeps events in memory and pages them pageSize at a time.
// Page tokens are offsets into a snapshot taken by the first page request.
type fakeCalendar struct {
	events   []models.DestinationEvent
	pageSize int
	nextID   int
	failOn   string
	calls    []string
	queries  []models.ListQuery
	snapshot []models.DestinationEvent
}

func (c *fakeCalendar) ListEvents(_ context.Context, calendarID string, q models.ListQuery) (*models.EventPage, error) {
	c.calls = append(c.calls, "list")
	c.queries = append(c.queries, q)
	if q.PageToken == "" {
		c.snapshot = nil
		for _, ev := range c.events {
			if q.TimeMin.IsZero() || !ev.Start.Before(q.TimeMin) {
				c.snapshot = append(c.snapshot, ev)
			}
		}
	}
	offset := 0
	if q.PageToken != "" {
		offset, _ = strconv.Atoi(q.PageToken)
	}
	end := min(offset+c.pageSize, len(c.snapshot))
	page := &models.EventPage{Events: append([]models.DestinationEvent(nil), c.snapshot[offset:end]...)}
	if end < len(c.snapshot) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (c *fakeCalendar) InsertEvent(_ context.Context, calendarID string, ev models.DestinationEvent) (string, error) {
	c.calls = append(c.calls, "insert:"+ev.Title)
	if c.failOn == ev.Title {
		return "", errors.New("insert failed")
	}
	c.nextID++
	ev.ID = fmt.Sprintf("id-%d", c.nextID)
	c.events = append(c.events, ev)
	return ev.ID, nil
}

func (c *fakeCalendar) UpdateEvent(_ context.Context, calendarID, eventID string, ev models.DestinationEvent) error {
	c.calls = append(c.calls, "update:"+eventID)
	for i := range c.events {
		if c.events[i].ID == eventID {
			ev.ID = eventID
			c.events[i] = ev
			return nil
		}
	}
	return errors.New("not found")
}

func (c *fakeCalendar) DeleteEvent(_ context.Context, calendarID, eventID string) error {
	c.calls = append(c.calls, "delete:"+eventID)
	for i := range c.events {
		if c.events[i].ID == eventID {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

var base = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func seeded(n, pageSize int) *fakeCalendar {
	c := &fakeCalendar{pageSize: pageSize}
	for i := 0; i < n; i++ {
		c.events = append(c.events, models.DestinationEvent{
			ID:    fmt.Sprintf("e%d", i),
			Title: fmt.Sprintf("Event %d", i),
			Start: base.Add(time.Duration(i) * time.Hour),
		})
	}
	return c
}

func TestApplyAll_InOrder(t *testing.T) {
	cal := seeded(1, 10)
	m := New(testLogger(), cal, false)

	ops := []reconcile.Op{
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "A", Start: base}},
		{Kind: reconcile.KindSkip, Reason: reconcile.SkipFiltered},
		{Kind: reconcile.KindUpdate, DestinationID: "e0", Event: models.DestinationEvent{Title: "Event 0 v2", Start: base}},
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "B", Start: base}},
	}
	applied, err := m.ApplyAll(context.Background(), "cal", ops)
	require.NoError(t, err)

	assert.Equal(t, 3, applied)
	assert.Equal(t, []string{"insert:A", "update:e0", "insert:B"}, cal.calls)
	assert.Equal(t, "Event 0 v2", cal.events[0].Title)
}

func TestApplyAll_StopsAtFirstFailure(t *testing.T) {
	cal := &fakeCalendar{pageSize: 10, failOn: "B"}
	m := New(testLogger(), cal, false)

	ops := []reconcile.Op{
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "A"}},
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "B"}},
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "C"}},
	}
	applied, err := m.ApplyAll(context.Background(), "cal", ops)

	require.Error(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{"insert:A", "insert:B"}, cal.calls)
	require.Len(t, cal.events, 1)
	assert.Equal(t, "A", cal.events[0].Title)
}

func TestApply_DryRunSendsNothing(t *testing.T) {
	cal := seeded(2, 10)
	m := New(testLogger(), cal, true)

	_, err := m.ApplyAll(context.Background(), "cal", []reconcile.Op{
		{Kind: reconcile.KindAdd, Event: models.DestinationEvent{Title: "A"}},
		{Kind: reconcile.KindUpdate, DestinationID: "e0"},
		{Kind: reconcile.KindDelete, DestinationID: "e1"},
	})
	require.NoError(t, err)

	assert.Empty(t, cal.calls)
	assert.Len(t, cal.events, 2)
}

func TestApply_UnknownKind(t *testing.T) {
	m := New(testLogger(), &fakeCalendar{}, false)
	err := m.Apply(context.Background(), "cal", reconcile.Op{Kind: reconcile.Kind(99)})
	assert.Error(t, err)
}

func TestListUpcoming_FollowsPages(t *testing.T) {
	cal := seeded(7, 3)
	m := New(testLogger(), cal, false)

	events, err := m.ListUpcoming(context.Background(), "cal", base.Add(2*time.Hour))
	require.NoError(t, err)

	require.Len(t, events, 5)
	assert.Equal(t, "e2", events[0].ID)
	assert.Equal(t, "e6", events[4].ID)
	require.Len(t, cal.queries, 2)
	for _, q := range cal.queries {
		assert.True(t, q.TimeMin.Equal(base.Add(2*time.Hour)))
	}
	assert.Equal(t, "3", cal.queries[1].PageToken)
}

func TestDeleteAll(t *testing.T) {
	cal := seeded(8, 3)
	m := New(testLogger(), cal, false)

	n, err := m.DeleteAll(context.Background(), "cal")
	require.NoError(t, err)

	assert.Equal(t, 8, n)
	assert.Empty(t, cal.events)
	for _, q := range cal.queries {
		assert.True(t, q.TimeMin.IsZero())
	}
}

func TestDeleteAll_EmptyCalendar(t *testing.T) {
	cal := &fakeCalendar{pageSize: 3}
	m := New(testLogger(), cal, false)

	n, err := m.DeleteAll(context.Background(), "cal")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
