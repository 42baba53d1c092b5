// Package reconcile decides what to do with each source event given what the
// destination calendar already holds.
package reconcile

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"wasync/internal/models"
	"wasync/internal/sanitize"
)

// Kind tags an Op.
type Kind int

const (
	KindAdd Kind = iota
	KindUpdate
	KindDelete
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindSkip:
		return "skip"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SkipReason says why a source event produced no mutation.
type SkipReason string

const (
	SkipFiltered  SkipReason = "filtered"
	SkipUnchanged SkipReason = "unchanged"
	SkipInvalid   SkipReason = "invalid"
)

// Op is one planned mutation. Which fields are set depends on Kind:
// Add carries Event, Update carries DestinationID and Event, Delete carries
// DestinationID, Skip carries Reason.
type Op struct {
	Kind          Kind
	SourceID      int64
	DestinationID string
	Event         models.DestinationEvent
	Reason        SkipReason
}

// Plan is the outcome of a reconciliation.
type Plan struct {
	Ops     []Op
	Added   int
	Updated int
	// Filtered counts events dropped by the keyword filter.
	Filtered int
	// Unchanged counts matched events whose calendar copy is already current.
	Unchanged int
	// Invalid counts records that were not well formed.
	Invalid int
}

// Skipped is the number of well-formed events that need no mutation.
func (p Plan) Skipped() int {
	return p.Filtered + p.Unchanged
}

// Options shape how source events become calendar events.
type Options struct {
	// Keywords, when non-empty, keeps only events whose title contains one of
	// them, ignoring case.
	Keywords        []string
	TimeZone        string
	DefaultDuration time.Duration
	SourceTitle     string
}

const (
	DefaultDuration    = 2 * time.Hour
	DefaultSourceTitle = "Wild Apricot"
)

// Reconciler classifies source events against the destination calendar.
type Reconciler struct {
	logger *slog.Logger
	opts   Options
}

// New creates a Reconciler.
func New(logger *slog.Logger, opts Options) *Reconciler {
	if opts.DefaultDuration <= 0 {
		opts.DefaultDuration = DefaultDuration
	}
	if opts.SourceTitle == "" {
		opts.SourceTitle = DefaultSourceTitle
	}
	kw := make([]string, 0, len(opts.Keywords))
	for _, k := range opts.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			kw = append(kw, strings.ToLower(k))
		}
	}
	opts.Keywords = kw
	return &Reconciler{logger: logger, opts: opts}
}

// Reconcile yields exactly one Op per source event, in source order.
// When several destination events share a MatchKey the first one listed wins.
func (r *Reconciler) Reconcile(source []models.SourceEvent, dest []models.DestinationEvent) Plan {
	existing := make(map[models.MatchKey]models.DestinationEvent, len(dest))
	for _, d := range dest {
		if d.Start.IsZero() || d.ID == "" {
			continue
		}
		k := d.Key()
		if _, taken := existing[k]; !taken {
			existing[k] = d
		}
	}

	plan := Plan{Ops: make([]Op, 0, len(source))}
	for _, ev := range source {
		if reason := malformed(ev); reason != "" {
			r.logger.Warn("Skipping malformed event.", "eventID", ev.ID, "reason", reason)
			plan.Ops = append(plan.Ops, Op{Kind: KindSkip, SourceID: ev.ID, Reason: SkipInvalid})
			plan.Invalid++
			continue
		}
		if !r.Matches(ev.Name) {
			r.logger.Debug("Event filtered out by keywords.", "title", ev.Name)
			plan.Ops = append(plan.Ops, Op{Kind: KindSkip, SourceID: ev.ID, Reason: SkipFiltered})
			plan.Filtered++
			continue
		}

		body := r.Body(ev)
		if d, ok := existing[ev.Key()]; ok {
			if current(d, body, ev.RegistrantEmails != nil) {
				plan.Ops = append(plan.Ops, Op{Kind: KindSkip, SourceID: ev.ID, DestinationID: d.ID, Reason: SkipUnchanged})
				plan.Unchanged++
				continue
			}
			plan.Ops = append(plan.Ops, Op{Kind: KindUpdate, SourceID: ev.ID, DestinationID: d.ID, Event: body})
			plan.Updated++
			continue
		}
		plan.Ops = append(plan.Ops, Op{Kind: KindAdd, SourceID: ev.ID, Event: body})
		plan.Added++
	}
	return plan
}

// Matches reports whether a title passes the keyword filter.
func (r *Reconciler) Matches(title string) bool {
	if len(r.opts.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, k := range r.opts.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Body builds the calendar event written for a source event.
func (r *Reconciler) Body(ev models.SourceEvent) models.DestinationEvent {
	end := ev.End
	if end.IsZero() || end.Before(ev.Start) {
		end = ev.Start.Add(r.opts.DefaultDuration)
	}

	desc := sanitize.Sanitize(ev.DescriptionHTML)
	if ev.URL != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += "Original event: " + ev.URL
	}

	return models.DestinationEvent{
		Title:       ev.Name,
		Start:       ev.Start,
		End:         end,
		Description: desc,
		Location:    ev.Location,
		SourceURL:   ev.URL,
		SourceTitle: r.opts.SourceTitle,
		Attendees:   append([]string(nil), ev.RegistrantEmails...),
		TimeZone:    r.opts.TimeZone,
	}
}

// current reports whether the calendar copy already matches what would be
// written. Attendees only count when the registrants were loaded.
func current(d, body models.DestinationEvent, withAttendees bool) bool {
	return d.Title == body.Title &&
		d.Start.Equal(body.Start) &&
		d.End.Equal(body.End) &&
		d.Description == body.Description &&
		d.Location == body.Location &&
		d.SourceURL == body.SourceURL &&
		(!withAttendees || sameAttendees(d.Attendees, body.Attendees))
}

// sameAttendees compares two attendee lists as sets of lowercased emails.
func sameAttendees(a, b []string) bool {
	return slices.Equal(normalizedEmails(a), normalizedEmails(b))
}

func normalizedEmails(emails []string) []string {
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			out = append(out, e)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func malformed(ev models.SourceEvent) string {
	switch {
	case ev.ID == 0:
		return "missing id"
	case strings.TrimSpace(ev.Name) == "":
		return "missing name"
	case ev.Start.IsZero():
		return "missing start"
	default:
		return ""
	}
}
