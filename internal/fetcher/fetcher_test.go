package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/models"
	"wasync/internal/wildapricot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource answers batches from a script of outcomes, one per call.
// Once the script runs out every sub-request succeeds.
type fakeSource struct {
	script  []int
	calls   [][]wildapricot.BatchRequest
	failErr error
	bodies  map[string]string
}

func (s *fakeSource) EventPath(id int64) string {
	return fmt.Sprintf("/v2.2/accounts/1/events/%d", id)
}

func (s *fakeSource) Batch(_ context.Context, reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
	s.calls = append(s.calls, reqs)
	if s.failErr != nil {
		return nil, s.failErr
	}
	status := http.StatusOK
	if len(s.calls) <= len(s.script) {
		status = s.script[len(s.calls)-1]
	}
	if status == http.StatusTooManyRequests {
		return nil, fmt.Errorf("batch request failed: %w", wildapricot.ErrRateLimited)
	}

	out := make([]wildapricot.BatchResponse, 0, len(reqs))
	for _, r := range reqs {
		body, ok := s.bodies[r.ID]
		if !ok {
			body = fmt.Sprintf(`{"Id":%s,"Name":"Event %s","StartDate":"2024-06-01T09:00:00Z"}`, r.ID, r.ID)
		}
		out = append(out, wildapricot.BatchResponse{ID: r.ID, StatusCode: http.StatusOK, Body: body})
	}
	return out, nil
}

func (s *fakeSource) ParseEvent(raw []byte) (models.SourceEvent, error) {
	return wildapricot.ParseEvent(raw, time.UTC)
}

type memCache struct {
	entries map[int64]json.RawMessage
	saves   int
}

func newMemCache() *memCache {
	return &memCache{entries: map[int64]json.RawMessage{}}
}

func (c *memCache) Get(id int64) (json.RawMessage, bool) {
	raw, ok := c.entries[id]
	return raw, ok
}

func (c *memCache) Put(id int64, raw json.RawMessage) { c.entries[id] = raw }

func (c *memCache) Save() error {
	c.saves++
	return nil
}

// clock records every sleep instead of waiting.
type clock struct {
	sleeps []time.Duration
}

func (c *clock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

func summaries(ids ...int64) []models.EventSummary {
	out := make([]models.EventSummary, len(ids))
	for i, id := range ids {
		out[i] = models.EventSummary{ID: id, Name: "Event " + strconv.FormatInt(id, 10)}
	}
	return out
}

func ids(events []models.SourceEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestFetch_BatchesOfFive(t *testing.T) {
	src := &fakeSource{}
	cache := newMemCache()
	clk := &clock{}
	f := New(testLogger(), src, cache, Options{Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12))
	require.NoError(t, err)

	require.Len(t, src.calls, 3)
	assert.Len(t, src.calls[0], 5)
	assert.Len(t, src.calls[1], 5)
	assert.Len(t, src.calls[2], 2)
	assert.Equal(t, "/v2.2/accounts/1/events/1", src.calls[0][0].RelativeURL)
	assert.Equal(t, http.MethodGet, src.calls[0][0].Method)

	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, ids(res.Events))
	// Inter-batch delay between batches, not after the last one.
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, clk.sleeps)
	assert.Len(t, cache.entries, 12)
	assert.Equal(t, 1, cache.saves)
}

func TestFetch_CachedIDsAreNeverRequested(t *testing.T) {
	src := &fakeSource{}
	cache := newMemCache()
	cache.entries[2] = json.RawMessage(`{"Id":2,"Name":"From cache","StartDate":"2024-06-01T09:00:00Z"}`)
	cache.entries[4] = json.RawMessage(`{"Id":4,"Name":"From cache","StartDate":"2024-06-01T09:00:00Z"}`)
	clk := &clock{}
	f := New(testLogger(), src, cache, Options{Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3, 4))
	require.NoError(t, err)

	require.Len(t, src.calls, 1)
	var requested []string
	for _, r := range src.calls[0] {
		requested = append(requested, r.ID)
	}
	assert.Equal(t, []string{"1", "3"}, requested)
	assert.ElementsMatch(t, []int64{1, 2, 3, 4}, ids(res.Events))
	assert.Equal(t, 2, res.Cached)
}

func TestFetch_FullyCachedBatchSendsNothing(t *testing.T) {
	src := &fakeSource{}
	cache := newMemCache()
	for _, id := range []int64{1, 2} {
		cache.entries[id] = json.RawMessage(fmt.Sprintf(`{"Id":%d,"Name":"x","StartDate":"2024-06-01T09:00:00Z"}`, id))
	}
	clk := &clock{}
	f := New(testLogger(), src, cache, Options{Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2))
	require.NoError(t, err)

	assert.Empty(t, src.calls)
	assert.Empty(t, clk.sleeps)
	assert.Len(t, res.Events, 2)
}

func TestFetch_DelayFollowsCachedBatchToo(t *testing.T) {
	src := &fakeSource{}
	cache := newMemCache()
	for _, id := range []int64{1, 2} {
		cache.entries[id] = json.RawMessage(fmt.Sprintf(`{"Id":%d,"Name":"x","StartDate":"2024-06-01T09:00:00Z"}`, id))
	}
	clk := &clock{}
	f := New(testLogger(), src, cache, Options{BatchSize: 2, Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3, 4, 5))
	require.NoError(t, err)

	assert.Len(t, src.calls, 2)
	// Three batches, two gaps between them.
	assert.Equal(t, []time.Duration{4 * time.Second, 4 * time.Second}, clk.sleeps)
	assert.Len(t, res.Events, 5)
}

func TestFetch_BackoffThenSuccess(t *testing.T) {
	src := &fakeSource{script: []int{http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusOK}}
	clk := &clock{}
	f := New(testLogger(), src, newMemCache(), Options{Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1))
	require.NoError(t, err)

	assert.Len(t, src.calls, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clk.sleeps)
	assert.Equal(t, []int64{1}, ids(res.Events))
}

func TestFetch_RateLimitedSubResponseRetriesWholeBatch(t *testing.T) {
	calls := 0
	src := &scriptedSource{fn: func(reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
		calls++
		out := []wildapricot.BatchResponse{
			{ID: "1", StatusCode: http.StatusOK, Body: `{"Id":1,"Name":"a","StartDate":"2024-06-01T09:00:00Z"}`},
			{ID: "2", StatusCode: http.StatusOK, Body: `{"Id":2,"Name":"b","StartDate":"2024-06-01T09:00:00Z"}`},
		}
		if calls == 1 {
			out[1].StatusCode = http.StatusTooManyRequests
		}
		return out, nil
	}}
	clk := &clock{}
	f := New(testLogger(), src, newMemCache(), Options{Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, []time.Duration{2 * time.Second}, clk.sleeps)
	assert.ElementsMatch(t, []int64{1, 2}, ids(res.Events))
}

func TestFetch_ExhaustedRetriesDropBatchAndContinue(t *testing.T) {
	script := make([]int, 5)
	for i := range script {
		script[i] = http.StatusTooManyRequests
	}
	src := &fakeSource{script: script}
	cache := newMemCache()
	cache.entries[3] = json.RawMessage(`{"Id":3,"Name":"cached","StartDate":"2024-06-01T09:00:00Z"}`)
	clk := &clock{}
	f := New(testLogger(), src, cache, Options{BatchSize: 3, Sleep: clk.Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3, 4))
	require.NoError(t, err)

	// Five attempts for the first batch, one for the second.
	assert.Len(t, src.calls, 6)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, // backoff
		4 * time.Second, // inter-batch delay
	}, clk.sleeps)
	assert.Equal(t, 2, res.Dropped)
	// The cached member of the dropped batch still comes back.
	assert.ElementsMatch(t, []int64{3, 4}, ids(res.Events))
	assert.NotContains(t, cache.entries, int64(1))
}

func TestFetch_UnusableSubResponsesAreSkipped(t *testing.T) {
	src := &scriptedSource{fn: func(reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
		return []wildapricot.BatchResponse{
			{ID: "1", StatusCode: http.StatusOK, Body: `<<not json>>`},
			{ID: "2", StatusCode: http.StatusNotFound, Body: `{}`},
			{ID: "3", StatusCode: http.StatusOK, Body: `{"Id":3,"Name":"ok","StartDate":"2024-06-01T09:00:00Z"}`},
		}, nil
	}}
	cache := newMemCache()
	f := New(testLogger(), src, cache, Options{Sleep: (&clock{}).Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3))
	require.NoError(t, err)

	assert.Equal(t, []int64{3}, ids(res.Events))
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, cache.entries, 1)
}

func TestFetch_MissingSubResponseIsSkipped(t *testing.T) {
	src := &scriptedSource{fn: func(reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
		return []wildapricot.BatchResponse{
			{ID: "1", StatusCode: http.StatusOK, Body: `{"Id":1,"Name":"ok","StartDate":"2024-06-01T09:00:00Z"}`},
		}, nil
	}}
	cache := newMemCache()
	f := New(testLogger(), src, cache, Options{Sleep: (&clock{}).Sleep})

	res, err := f.Fetch(context.Background(), summaries(1, 2, 3))
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, ids(res.Events))
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Dropped)
	assert.NotContains(t, cache.entries, int64(2))
}

func TestFetch_FatalErrorAbortsButSavesCache(t *testing.T) {
	boom := &wildapricot.APIError{StatusCode: http.StatusInternalServerError, Body: "boom"}
	src := &fakeSource{failErr: boom}
	cache := newMemCache()
	f := New(testLogger(), src, cache, Options{Sleep: (&clock{}).Sleep})

	_, err := f.Fetch(context.Background(), summaries(1, 2))
	require.Error(t, err)

	var apiErr *wildapricot.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Len(t, src.calls, 1)
	assert.Equal(t, 1, cache.saves)
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	src := &fakeSource{script: []int{http.StatusTooManyRequests}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := New(testLogger(), src, newMemCache(), Options{Sleep: Sleep})

	_, err := f.Fetch(ctx, summaries(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPartition(t *testing.T) {
	assert.Empty(t, partition(nil, 5))
	parts := partition(summaries(1, 2, 3, 4, 5, 6, 7), 5)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 5)
	assert.Len(t, parts[1], 2)
}

type scriptedSource struct {
	fn func([]wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error)
}

func (s *scriptedSource) EventPath(id int64) string { return fmt.Sprintf("/events/%d", id) }

func (s *scriptedSource) Batch(_ context.Context, reqs []wildapricot.BatchRequest) ([]wildapricot.BatchResponse, error) {
	return s.fn(reqs)
}

func (s *scriptedSource) ParseEvent(raw []byte) (models.SourceEvent, error) {
	return wildapricot.ParseEvent(raw, time.UTC)
}
