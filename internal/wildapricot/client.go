// Package wildapricot is a small client for the membership platform's event API.
package wildapricot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"wasync/internal/models"
)

const (
	DefaultAPIURL   = "https://api.wildapricot.org"
	DefaultTokenURL = "https://oauth.wildapricot.org/auth/token"

	apiVersion = "v2.2"
	// The platform expects this literal client id when authenticating with an API key.
	apiKeyClientID = "APIKEY"
)

// Config holds what the client needs to reach one account.
type Config struct {
	APIKey    string
	AccountID int64
	APIURL    string
	TokenURL  string
	// Location is used for timestamps that carry no offset.
	Location *time.Location
}

// Client talks to the event API on behalf of one account.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	base       *http.Client
	httpClient *http.Client
}

// NewClient creates a client. base may be nil, in which case http.DefaultClient
// is used for the token exchange and the API calls.
func NewClient(logger *slog.Logger, cfg Config, base *http.Client) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cfg.APIURL = strings.TrimSuffix(cfg.APIURL, "/")
	return &Client{cfg: cfg, logger: logger, base: base}
}

// Authenticate exchanges the API key for a bearer token. Later calls reuse and
// refresh that token.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	cc := &clientcredentials.Config{
		ClientID:     apiKeyClientID,
		ClientSecret: c.cfg.APIKey,
		TokenURL:     c.cfg.TokenURL,
		Scopes:       []string{"auto"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ts := cc.TokenSource(ctx)
	if _, err := ts.Token(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	c.httpClient = oauth2.NewClient(ctx, ts)
	c.logger.Debug("Authenticated with Wild Apricot.", "accountID", c.cfg.AccountID)
	return nil
}

// AccountID returns the account the client is bound to.
func (c *Client) AccountID() int64 {
	return c.cfg.AccountID
}

// Location returns the zone used for offset-less timestamps.
func (c *Client) Location() *time.Location {
	return c.cfg.Location
}

// ListEvents returns summaries of events starting on or after since.
// Entries that cannot be decoded are logged and counted, not returned.
func (c *Client) ListEvents(ctx context.Context, since time.Time) (*Listing, error) {
	q := url.Values{}
	q.Set("$filter", "StartDate ge "+since.Format("2006-01-02"))
	endpoint := fmt.Sprintf("%s/%s/accounts/%d/events?%s", c.cfg.APIURL, apiVersion, c.cfg.AccountID, q.Encode())

	var list eventList
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := &Listing{}
	for i, raw := range list.Events {
		s, err := parseSummary(raw, c.cfg.Location)
		if err != nil {
			c.logger.Warn("Skipping malformed event record.", "index", i, "error", err)
			out.Malformed++
			continue
		}
		out.Events = append(out.Events, s)
	}
	c.logger.Info("Listed events from Wild Apricot.", "count", len(out.Events), "malformed", out.Malformed)
	return out, nil
}

// EventPath is the relative URL of an event's detail record, for use in a batch.
func (c *Client) EventPath(id int64) string {
	return fmt.Sprintf("/%s/accounts/%d/events/%d", apiVersion, c.cfg.AccountID, id)
}

// Batch sends several sub-requests in one call. A 429 on the call itself is
// reported as ErrRateLimited; sub-request statuses are left to the caller.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest) ([]BatchResponse, error) {
	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var resps []BatchResponse
	if err := c.do(ctx, http.MethodPost, c.cfg.APIURL+"/batch", body, &resps); err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	return resps, nil
}

// RegistrantEmails returns the email addresses of everyone registered for an event.
func (c *Client) RegistrantEmails(ctx context.Context, eventID int64) ([]string, error) {
	endpoint := fmt.Sprintf("%s/%s/accounts/%d/eventregistrations?eventId=%s",
		c.cfg.APIURL, apiVersion, c.cfg.AccountID, strconv.FormatInt(eventID, 10))

	var regs []registration
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &regs); err != nil {
		return nil, fmt.Errorf("failed to list registrations for event %d: %w", eventID, err)
	}

	var emails []string
	for _, r := range regs {
		if e := r.email(); e != "" {
			emails = append(emails, e)
		}
	}
	return emails, nil
}

// ParseEvent decodes a detail record using the client's location.
func (c *Client) ParseEvent(raw []byte) (models.SourceEvent, error) {
	return ParseEvent(raw, c.cfg.Location)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if c.httpClient == nil {
		return ErrNotAuthenticated
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return statusError(resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
