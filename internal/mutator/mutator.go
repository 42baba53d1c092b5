// Package mutator applies planned operations to the destination calendar.
package mutator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wasync/internal/models"
	"wasync/internal/reconcile"
)

// Calendar is the destination calendar service.
type Calendar interface {
	// ListEvents returns one page of events. Recurring events are expanded
	// into single occurrences and ordered by start time.
	ListEvents(ctx context.Context, calendarID string, q models.ListQuery) (*models.EventPage, error)
	InsertEvent(ctx context.Context, calendarID string, ev models.DestinationEvent) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev models.DestinationEvent) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// Mutator runs ops one at a time. There is no transaction: a failure leaves
// earlier ops applied and later ones unattempted.
type Mutator struct {
	cal    Calendar
	logger *slog.Logger
	dryRun bool
}

// New creates a Mutator. In dry-run mode ops are logged and not sent.
func New(logger *slog.Logger, cal Calendar, dryRun bool) *Mutator {
	return &Mutator{cal: cal, logger: logger, dryRun: dryRun}
}

// Apply runs a single op.
func (m *Mutator) Apply(ctx context.Context, calendarID string, op reconcile.Op) error {
	if op.Kind == reconcile.KindSkip {
		return nil
	}
	if m.dryRun {
		m.logger.Info("[DRY RUN] Would apply change", "op", op.Kind.String(),
			"title", op.Event.Title, "start", op.Event.Start, "destinationID", op.DestinationID)
		return nil
	}

	switch op.Kind {
	case reconcile.KindAdd:
		id, err := m.cal.InsertEvent(ctx, calendarID, op.Event)
		if err != nil {
			return fmt.Errorf("failed to add event %q: %w", op.Event.Title, err)
		}
		m.logger.Info("Added event", "title", op.Event.Title, "start", op.Event.Start, "id", id)
	case reconcile.KindUpdate:
		if err := m.cal.UpdateEvent(ctx, calendarID, op.DestinationID, op.Event); err != nil {
			return fmt.Errorf("failed to update event %q: %w", op.Event.Title, err)
		}
		m.logger.Info("Updated event", "title", op.Event.Title, "start", op.Event.Start, "id", op.DestinationID)
	case reconcile.KindDelete:
		if err := m.cal.DeleteEvent(ctx, calendarID, op.DestinationID); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", op.DestinationID, err)
		}
		m.logger.Debug("Deleted event", "id", op.DestinationID)
	default:
		return fmt.Errorf("unknown op kind %v", op.Kind)
	}
	return nil
}

// ApplyAll runs ops in order and stops at the first failure. It returns how
// many ops were applied.
func (m *Mutator) ApplyAll(ctx context.Context, calendarID string, ops []reconcile.Op) (int, error) {
	applied := 0
	for _, op := range ops {
		if op.Kind == reconcile.KindSkip {
			continue
		}
		if err := m.Apply(ctx, calendarID, op); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// ListUpcoming returns every event starting at or after now, across all pages.
func (m *Mutator) ListUpcoming(ctx context.Context, calendarID string, now time.Time) ([]models.DestinationEvent, error) {
	return m.listAll(ctx, calendarID, now)
}

// DeleteAll removes every event on the calendar, one at a time, following the
// page token until the listing is exhausted.
func (m *Mutator) DeleteAll(ctx context.Context, calendarID string) (int, error) {
	deleted := 0
	q := models.ListQuery{}
	for {
		page, err := m.cal.ListEvents(ctx, calendarID, q)
		if err != nil {
			return deleted, fmt.Errorf("failed to list events for deletion: %w", err)
		}
		for _, ev := range page.Events {
			if err := m.Apply(ctx, calendarID, reconcile.Op{Kind: reconcile.KindDelete, DestinationID: ev.ID}); err != nil {
				return deleted, err
			}
			deleted++
		}
		if page.NextPageToken == "" {
			break
		}
		q.PageToken = page.NextPageToken
	}
	m.logger.Info("Deleted all events from calendar", "calendarID", calendarID, "count", deleted)
	return deleted, nil
}

func (m *Mutator) listAll(ctx context.Context, calendarID string, timeMin time.Time) ([]models.DestinationEvent, error) {
	var all []models.DestinationEvent
	q := models.ListQuery{TimeMin: timeMin}
	for {
		page, err := m.cal.ListEvents(ctx, calendarID, q)
		if err != nil {
			return nil, fmt.Errorf("failed to list calendar events: %w", err)
		}
		all = append(all, page.Events...)
		if page.NextPageToken == "" {
			return all, nil
		}
		q.PageToken = page.NextPageToken
	}
}
