package handoffsdk

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

// Client is a minimal Handoff HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// AuditEntry is one step of a draft's history.
type AuditEntry struct {
	Action    string `json:"action"`
	Agent     string `json:"agent"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Draft represents the API draft model.
type Draft struct {
	ID           string       `json:"draft_id"`
	Domain       string       `json:"domain"`
	Title        string       `json:"title"`
	Body         string       `json:"body"`
	Status       string       `json:"status"`
	Author       string       `json:"author"`
	Approver     *string      `json:"approver"`
	RejectReason *string      `json:"reject_reason"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
	AuditTrail   []AuditEntry `json:"audit_trail"`
}

// Execution is the outcome of running an approved draft's action.
type Execution struct {
	DraftID   string `json:"draft_id"`
	Domain    string `json:"domain"`
	Title     string `json:"title"`
	Action    string `json:"action"`
	Details   string `json:"details"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Approval pairs the approved draft with its execution.
type Approval struct {
	Draft     Draft     `json:"draft"`
	Execution Execution `json:"execution"`
}

// Agent is one agent's liveness as derived from its heartbeat.
type Agent struct {
	Name          string   `json:"agent_name"`
	Status        string   `json:"status"`
	Healthy       bool     `json:"healthy"`
	CurrentTask   *string  `json:"current_task"`
	LastHeartbeat *string  `json:"last_heartbeat"`
	AgeSeconds    *float64 `json:"age_seconds"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Agents returns every agent with a heartbeat.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp struct {
		Items []Agent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath("agents"), nil, &resp)
	return resp.Items, err
}

// AvailableTasks returns unclaimed task refs, optionally for one domain.
func (c *Client) AvailableTasks(ctx context.Context, domain string) ([]string, error) {
	var resp struct {
		Items []string `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("tasks/available"), "domain", domain), nil, &resp)
	return resp.Items, err
}

// PendingDrafts returns drafts awaiting approval.
func (c *Client) PendingDrafts(ctx context.Context, domain string) ([]Draft, error) {
	var resp struct {
		Items []Draft `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.apiPath("drafts/pending"), "domain", domain), nil, &resp)
	return resp.Items, err
}

// GetDraft fetches a draft by id.
func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.apiPath("drafts/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AuditTrail returns a draft's history.
func (c *Client) AuditTrail(ctx context.Context, id string) ([]AuditEntry, error) {
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.apiPath(fmt.Sprintf("drafts/%s/audit", url.PathEscape(id))), nil, &resp)
	return resp.Items, err
}

// Approve approves a pending draft; the server executes it immediately.
func (c *Client) Approve(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.apiPath(fmt.Sprintf("drafts/%s/approve", url.PathEscape(id))), nil, &resp)
	return resp, err
}

// Reject rejects a pending draft with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Draft, error) {
	var resp Draft
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, c.apiPath(fmt.Sprintf("drafts/%s/reject", url.PathEscape(id))), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.apiPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	endpoint = withQuery(endpoint, "cursor", cursor)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", endpoint, sep, key, url.QueryEscape(value))
}
