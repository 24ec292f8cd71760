package raidlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal raidline HTTP API client.
type Client struct {
	BaseURL     string
	Community   string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout bounds each request. Removal and create calls may wait for a question to be
	// answered, so keep it above the server's question timeout.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, community string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Community: community,
		Timeout:   6 * time.Minute,
	}
}

// Raid represents the API raid summary.
type Raid struct {
	ID         string    `json:"id"`
	Community  string    `json:"community"`
	OwnerID    string    `json:"owner_id"`
	Owner      string    `json:"owner"`
	Venue      string    `json:"venue"`
	WindowOpen time.Time `json:"window_open"`
	Deadline   time.Time `json:"deadline"`
	Reserved   int       `json:"reserved"`
	Members    []string  `json:"members"`
	Free       int       `json:"free"`
	Full       bool      `json:"full"`
	State      string    `json:"state,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateRaid holds the attributes of a new raid.
type CreateRaid struct {
	Venue      string    `json:"venue"`
	WindowOpen time.Time `json:"window_open"`
	Deadline   time.Time `json:"deadline"`
	Reserved   int       `json:"reserved"`
	Nickname   string    `json:"nickname,omitempty"`
}

// RaidRef picks a raid for join and leave. The zero value lets the server choose.
type RaidRef struct {
	RaidID   string `json:"raid_id,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Deadline string `json:"deadline,omitempty"`
}

// Question is an open question addressed to the caller.
type Question struct {
	ID        string    `json:"id"`
	Community string    `json:"community"`
	Op        string    `json:"op"`
	Text      string    `json:"text"`
	Options   []string  `json:"options,omitempty"`
	AskedAt   time.Time `json:"asked_at"`
}

// Participant is the caller's registration.
type Participant struct {
	ID              string `json:"id"`
	Nickname        string `json:"nickname,omitempty"`
	Registered      bool   `json:"registered"`
	Muted           bool   `json:"muted"`
	FirstNoticeSent bool   `json:"first_notice_sent"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Community  string `json:"community"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRaid creates a raid in the client's community.
func (c *Client) CreateRaid(ctx context.Context, in CreateRaid) (Raid, error) {
	var resp Raid
	err := c.do(ctx, http.MethodPost, c.communityPath("raids"), in, &resp)
	return resp, err
}

// ListRaids lists the community's live raids.
func (c *Client) ListRaids(ctx context.Context) ([]Raid, error) {
	var resp []Raid
	err := c.do(ctx, http.MethodGet, c.communityPath("raids"), nil, &resp)
	return resp, err
}

// GetRaid fetches a raid by id.
func (c *Client) GetRaid(ctx context.Context, id string) (Raid, error) {
	var resp Raid
	err := c.do(ctx, http.MethodGet, c.communityPath("raids/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Join joins the referenced raid.
func (c *Client) Join(ctx context.Context, ref RaidRef) (Raid, error) {
	var resp Raid
	err := c.do(ctx, http.MethodPost, c.communityPath("join"), ref, &resp)
	return resp, err
}

// Leave leaves the referenced raid.
func (c *Client) Leave(ctx context.Context, ref RaidRef) (Raid, error) {
	var resp Raid
	err := c.do(ctx, http.MethodPost, c.communityPath("leave"), ref, &resp)
	return resp, err
}

// RemoveRaid removes one of the caller's raids. The call returns once the confirmation
// question was answered.
func (c *Client) RemoveRaid(ctx context.Context, raidID string, deadline time.Time) (Raid, error) {
	q := url.Values{}
	if raidID != "" {
		q.Set("raid_id", raidID)
	}
	if !deadline.IsZero() {
		q.Set("deadline", deadline.UTC().Format(time.RFC3339))
	}
	endpoint := c.communityPath("raids")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Raid
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Questions lists open questions addressed to the caller.
func (c *Client) Questions(ctx context.Context) ([]Question, error) {
	var resp []Question
	err := c.do(ctx, http.MethodGet, "v0/questions", nil, &resp)
	return resp, err
}

// Answer answers a question with yes, no or a 1-based option number.
func (c *Client) Answer(ctx context.Context, questionID, answer string) error {
	endpoint := fmt.Sprintf("v0/questions/%s/answer", url.PathEscape(questionID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"answer": answer}, nil)
}

// Me returns the caller's registration.
func (c *Client) Me(ctx context.Context) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodGet, "v0/participants/me", nil, &resp)
	return resp, err
}

// Register sets the caller's nickname.
func (c *Client) Register(ctx context.Context, nickname string) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodPut, "v0/participants/me", map[string]any{"nickname": nickname}, &resp)
	return resp, err
}

// SetMuted turns reminders off or on for the caller.
func (c *Client) SetMuted(ctx context.Context, muted bool) (Participant, error) {
	var resp Participant
	err := c.do(ctx, http.MethodPatch, "v0/participants/me", map[string]any{"muted": muted}, &resp)
	return resp, err
}

// EventsPage returns a page of audit events after cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) communityPath(p string) string {
	community := url.PathEscape(c.Community)
	return fmt.Sprintf("v0/communities/%s/%s", community, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
