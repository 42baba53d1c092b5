package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"wasync/internal/fetcher"
	"wasync/internal/models"
	"wasync/internal/mutator"
	"wasync/internal/reconcile"
	"wasync/internal/wildapricot"
)

// Source is the membership platform as seen by a sync cycle.
type Source interface {
	fetcher.Source
	Authenticate(ctx context.Context) error
	ListEvents(ctx context.Context, since time.Time) (*wildapricot.Listing, error)
	RegistrantEmails(ctx context.Context, eventID int64) ([]string, error)
}

// Options configure every cycle the Syncer runs.
type Options struct {
	CalendarID string
	// Location decides what "today" means when StartDate is zero.
	Location        *time.Location
	StartDate       time.Time
	FullRefresh     bool
	WithRegistrants bool
	DryRun          bool
	Fetch           fetcher.Options
	Reconcile       reconcile.Options
}

// Result holds the counters of one cycle.
type Result struct {
	RunID     string
	Listed    int
	Malformed int
	Fetched   int
	Cached    int
	Dropped   int
	Deleted   int
	Added     int
	Updated   int
	Skipped   int
	Invalid   int
	Applied   int
}

// Syncer orchestrates the synchronization from the membership platform to the calendar.
type Syncer struct {
	logger   *slog.Logger
	source   Source
	calendar mutator.Calendar
	cache    fetcher.Cache
	opts     Options
	now      func() time.Time
}

// NewSyncer creates a new Syncer. The cache must stay open for as long as the
// Syncer is used.
func NewSyncer(logger *slog.Logger, source Source, cal mutator.Calendar, cache fetcher.Cache, opts Options) *Syncer {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Syncer{
		logger:   logger,
		source:   source,
		calendar: cal,
		cache:    cache,
		opts:     opts,
		now:      time.Now,
	}
}

// Sync performs a full synchronization cycle. On failure the returned Result
// still holds whatever was counted before the error.
func (s *Syncer) Sync(ctx context.Context) (*Result, error) {
	res := &Result{RunID: uuid.NewString()}
	logger := s.logger.With("run", res.RunID)
	logger.Info("Starting sync cycle.", "dryRun", s.opts.DryRun, "fullRefresh", s.opts.FullRefresh)

	if err := s.source.Authenticate(ctx); err != nil {
		return res, fmt.Errorf("failed to authenticate with the event source: %w", err)
	}

	since := s.since()
	listing, err := s.source.ListEvents(ctx, since)
	if err != nil {
		return res, fmt.Errorf("failed to list events: %w", err)
	}
	res.Listed = len(listing.Events)
	res.Malformed = listing.Malformed
	logger.Info("Listed upcoming events.", "since", since.Format(time.DateOnly), "count", res.Listed)

	fetched, err := fetcher.New(logger, s.source, s.cache, s.opts.Fetch).Fetch(ctx, listing.Events)
	if fetched != nil {
		res.Fetched = len(fetched.Events)
		res.Cached = fetched.Cached
		res.Dropped = fetched.Dropped
	}
	if err != nil {
		return res, fmt.Errorf("failed to fetch event details: %w", err)
	}
	events := fetched.Events

	rec := reconcile.New(logger, s.opts.Reconcile)
	if s.opts.WithRegistrants {
		s.loadRegistrants(ctx, logger, rec, events)
	}

	mut := mutator.New(logger, s.calendar, s.opts.DryRun)
	var existing []models.DestinationEvent
	if s.opts.FullRefresh {
		res.Deleted, err = mut.DeleteAll(ctx, s.opts.CalendarID)
		if err != nil {
			return res, fmt.Errorf("failed to clear calendar: %w", err)
		}
	} else {
		existing, err = mut.ListUpcoming(ctx, s.opts.CalendarID, since)
		if err != nil {
			return res, fmt.Errorf("failed to list calendar events: %w", err)
		}
	}

	plan := rec.Reconcile(events, existing)
	res.Added = plan.Added
	res.Updated = plan.Updated
	res.Skipped = plan.Skipped()
	res.Invalid = plan.Invalid

	res.Applied, err = mut.ApplyAll(ctx, s.opts.CalendarID, plan.Ops)
	if err != nil {
		return res, fmt.Errorf("failed to apply changes: %w", err)
	}

	logger.Info("Sync cycle finished.",
		"added", res.Added, "updated", res.Updated, "skipped", res.Skipped, "invalid", res.Invalid,
		"deleted", res.Deleted, "dropped", res.Dropped, "cached", res.Cached)
	return res, nil
}

// since is the first day whose events are synced.
func (s *Syncer) since() time.Time {
	if !s.opts.StartDate.IsZero() {
		return s.opts.StartDate
	}
	y, m, d := s.now().In(s.opts.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.opts.Location)
}

// loadRegistrants attaches registrant emails to the events that pass the
// keyword filter. A looked-up event always gets a non-nil list, so an empty
// registration clears stale attendees. A failed lookup leaves the list nil.
func (s *Syncer) loadRegistrants(ctx context.Context, logger *slog.Logger, rec *reconcile.Reconciler, events []models.SourceEvent) {
	for i := range events {
		if events[i].ID == 0 || !rec.Matches(events[i].Name) {
			continue
		}
		emails, err := s.source.RegistrantEmails(ctx, events[i].ID)
		if err != nil {
			logger.Warn("Could not load registrants.", "eventID", events[i].ID, "error", err)
			continue
		}
		if emails == nil {
			emails = []string{}
		}
		events[i].RegistrantEmails = emails
	}
}
