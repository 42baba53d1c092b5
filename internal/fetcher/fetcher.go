// Package fetcher loads full event records in small batches, reusing the
// on-disk cache and backing off when the platform rate limits.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wasync/internal/models"
	"wasync/internal/wildapricot"
)

const (
	DefaultBatchSize      = 5
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 2 * time.Second
	DefaultBatchDelay     = 4 * time.Second
)

// Source is the part of the event API the fetcher needs.
type Source interface {
	EventPath(id int64) string
	Batch(ctx context.Context, reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error)
	ParseEvent(raw []byte) (models.SourceEvent, error)
}

// Cache stores raw detail records by event id.
type Cache interface {
	Get(id int64) (json.RawMessage, bool)
	Put(id int64, raw json.RawMessage)
	Save() error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Options tune batching and backoff. Zero values fall back to the defaults.
// A negative BatchDelay turns the pause between batches off.
type Options struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	BatchDelay     time.Duration
	Sleep          SleepFunc
}

// Result is what a fetch produced.
type Result struct {
	Events []models.SourceEvent
	// Cached is how many events were served from the cache.
	Cached int
	// Dropped counts uncached events lost to exhausted retries.
	Dropped int
	// Skipped counts events whose sub-response could not be used.
	Skipped int
}

// Fetcher retrieves event details one batch at a time.
type Fetcher struct {
	source Source
	cache  Cache
	logger *slog.Logger
	opts   Options
}

// New creates a Fetcher.
func New(logger *slog.Logger, source Source, cache Cache, opts Options) *Fetcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	switch {
	case opts.BatchDelay == 0:
		opts.BatchDelay = DefaultBatchDelay
	case opts.BatchDelay < 0:
		opts.BatchDelay = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	return &Fetcher{source: source, cache: cache, logger: logger, opts: opts}
}

// Sleep is the real-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Fetch returns the full record for every summary it could obtain. Order of
// the result is not tied to the input order. BatchDelay separates consecutive
// batches whatever their outcome. The cache is saved once at the end, also
// when the fetch fails partway.
func (f *Fetcher) Fetch(ctx context.Context, summaries []models.EventSummary) (res *Result, err error) {
	res = &Result{}
	defer func() {
		if saveErr := f.cache.Save(); saveErr != nil {
			f.logger.Error("Failed to save event cache", "error", saveErr)
			if err == nil {
				err = fmt.Errorf("failed to save event cache: %w", saveErr)
			}
		}
	}()

	batches := partition(summaries, f.opts.BatchSize)
	for i, batch := range batches {
		if err := f.fetchBatch(ctx, i, batch, res); err != nil {
			return res, err
		}
		if i < len(batches)-1 && f.opts.BatchDelay > 0 {
			if err := f.opts.Sleep(ctx, f.opts.BatchDelay); err != nil {
				return res, err
			}
		}
	}

	f.logger.Info("Fetched event details.",
		"total", len(res.Events), "cached", res.Cached, "dropped", res.Dropped, "skipped", res.Skipped)
	return res, nil
}

// fetchBatch handles one batch.
func (f *Fetcher) fetchBatch(ctx context.Context, index int, batch []models.EventSummary, res *Result) error {
	var reqs []wildapricot.BatchRequest
	for _, s := range batch {
		if raw, ok := f.cache.Get(s.ID); ok {
			ev, err := f.source.ParseEvent(raw)
			if err == nil {
				res.Events = append(res.Events, ev)
				res.Cached++
				continue
			}
			f.logger.Warn("Cached record is unreadable, fetching again.", "eventID", s.ID, "error", err)
		}
		reqs = append(reqs, wildapricot.BatchRequest{
			ID:          strconv.FormatInt(s.ID, 10),
			Method:      http.MethodGet,
			RelativeURL: f.source.EventPath(s.ID),
		})
	}
	if len(reqs) == 0 {
		return nil
	}

	resps, err := f.sendWithBackoff(ctx, index, reqs)
	if errors.Is(err, wildapricot.ErrRateLimited) {
		f.logger.Warn("Giving up on batch after repeated rate limiting.",
			"batch", index, "attempts", f.opts.MaxAttempts, "dropped", len(reqs))
		res.Dropped += len(reqs)
		return nil
	}
	if err != nil {
		return err
	}

	pending := make(map[string]bool, len(reqs))
	for _, r := range reqs {
		pending[r.ID] = true
	}
	for _, r := range resps {
		delete(pending, r.ID)
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			f.logger.Warn("Skipping sub-response with unknown id.", "id", r.ID)
			res.Skipped++
			continue
		}
		if r.StatusCode != http.StatusOK {
			f.logger.Warn("Skipping event, detail request failed.", "eventID", id, "status", r.StatusCode)
			res.Skipped++
			continue
		}
		ev, err := f.source.ParseEvent([]byte(r.Body))
		if err != nil {
			f.logger.Warn("Skipping event, detail record is unparsable.", "eventID", id, "error", err)
			res.Skipped++
			continue
		}
		f.cache.Put(id, json.RawMessage(r.Body))
		res.Events = append(res.Events, ev)
	}
	for _, r := range reqs {
		if pending[r.ID] {
			f.logger.Warn("Skipping event, batch reply has no sub-response for it.", "eventID", r.ID)
			res.Skipped++
		}
	}
	return nil
}

// sendWithBackoff retries the batch while it is rate limited, doubling the wait
// each time. It returns ErrRateLimited once MaxAttempts are used up.
func (f *Fetcher) sendWithBackoff(ctx context.Context, index int, reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
	delay := f.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		resps, err := f.source.Batch(ctx, reqs)
		if err == nil && hasRateLimitedPart(resps) {
			err = wildapricot.ErrRateLimited
		}
		if err == nil {
			return resps, nil
		}
		if !wildapricot.IsRateLimited(err) {
			return nil, err
		}
		if attempt >= f.opts.MaxAttempts {
			return nil, wildapricot.ErrRateLimited
		}

		f.logger.Info("Rate limited, backing off.", "batch", index, "attempt", attempt, "delay", delay)
		if err := f.opts.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}
}

func hasRateLimitedPart(resps []wildapricot.BatchResponse) bool {
	for _, r := range resps {
		if r.StatusCode == http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

func partition(summaries []models.EventSummary, size int) [][]models.EventSummary {
	var out [][]models.EventSummary
	for start := 0; start < len(summaries); start += size {
		end := min(start+size, len(summaries))
		out = append(out, summaries[start:end])
	}
	return out
}
