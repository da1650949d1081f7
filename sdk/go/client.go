package proofreelsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal proofreel HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind"`
	Title           string   `json:"title"`
	ClientID        *string  `json:"client_id,omitempty"`
	AssigneeID      *string  `json:"assignee_id,omitempty"`
	Deadline        *string  `json:"deadline,omitempty"`
	Status          string   `json:"status"`
	EffectiveStatus string   `json:"effective_status"`
	RevisionCount   int      `json:"revision_count"`
	RowVersion      int64    `json:"row_version"`
	AllowedActions  []string `json:"allowed_actions"`
}

// Delivery is one submitted version.
type Delivery struct {
	ID            string  `json:"id"`
	WorkItemID    string  `json:"work_item_id"`
	VersionNumber int     `json:"version_number"`
	Type          string  `json:"delivery_type"`
	MediaHandle   *string `json:"media_handle,omitempty"`
	URL           *string `json:"url,omitempty"`
	Late          bool    `json:"late"`
	SubmittedAt   string  `json:"submitted_at"`
}

// ReviewLink is a client review link.
type ReviewLink struct {
	ID              string `json:"id"`
	WorkItemID      string `json:"work_item_id"`
	DeliveryVersion int    `json:"delivery_version"`
	Token           string `json:"token"`
	ExpiresAt       string `json:"expires_at"`
	IsActive        bool   `json:"is_active"`
	ViewsCount      int    `json:"views_count"`
}

// Playback is a resolved media URL.
type Playback struct {
	Handle    string     `json:"handle"`
	Action    string     `json:"action"`
	URL       string     `json:"url"`
	Signed    bool       `json:"signed"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Redemption is what a review link shows the client.
type Redemption struct {
	Link     ReviewLink `json:"link"`
	WorkItem WorkItem   `json:"work_item"`
	Delivery Delivery   `json:"delivery"`
	Playback *Playback  `json:"playback,omitempty"`
}

// Feedback is the client's decision on a review link.
type Feedback struct {
	ID         string `json:"id"`
	Decision   string `json:"decision"`
	Rating     *int   `json:"rating,omitempty"`
	Notes      string `json:"notes,omitempty"`
	ReviewedAt string `json:"reviewed_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an *APIError with the given error code, e.g.
// "link_expired" or "invalid_state_transition".
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type deliveryResult struct {
	Delivery Delivery `json:"delivery"`
	WorkItem WorkItem `json:"work_item"`
}

// CreateWorkItem creates a work item.
func (c *Client) CreateWorkItem(ctx context.Context, kind, title, clientID, assigneeID string, deadline time.Time) (WorkItem, error) {
	body := map[string]any{
		"kind":        kind,
		"title":       title,
		"client_id":   clientID,
		"assignee_id": assigneeID,
	}
	if !deadline.IsZero() {
		body["deadline"] = deadline.UTC().Format(time.RFC3339)
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work-items", body, &resp)
	return resp, err
}

// GetWorkItem fetches a work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, itemPath(id, ""), nil, &resp)
	return resp, err
}

// Transition applies a lifecycle action such as "start", "escalate" or "cancel".
func (c *Client) Transition(ctx context.Context, id, action, notes string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, itemPath(id, "transitions"), map[string]any{"action": action, "notes": notes}, &resp)
	return resp, err
}

// SubmitLink records an external link as the item's next delivery.
func (c *Client) SubmitLink(ctx context.Context, id, linkURL, linkKind, notes string) (Delivery, WorkItem, error) {
	body := map[string]any{
		"delivery_type": "link",
		"url":           linkURL,
		"link_kind":     linkKind,
		"notes":         notes,
	}
	var resp deliveryResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "deliveries"), body, &resp)
	return resp.Delivery, resp.WorkItem, err
}

// UploadFile sends size bytes of src through an upload session in the chunks
// the server plans and records the file as the item's next delivery.
func (c *Client) UploadFile(ctx context.Context, id, title string, src io.ReaderAt, size int64) (Delivery, WorkItem, error) {
	var plan struct {
		SessionID string `json:"session_id"`
		UploadURL string `json:"upload_url"`
		ChunkSize int64  `json:"chunk_size"`
		Offset    int64  `json:"offset"`
	}
	if err := c.do(ctx, http.MethodPost, itemPath(id, "uploads"), map[string]any{"size": size, "title": title}, &plan); err != nil {
		return Delivery{}, WorkItem{}, err
	}
	if plan.ChunkSize <= 0 {
		plan.ChunkSize = size
	}
	for offset := plan.Offset; offset < size; {
		n := min(plan.ChunkSize, size-offset)
		target := plan.UploadURL + "&offset=" + strconv.FormatInt(offset, 10)
		var written struct {
			Offset int64 `json:"offset"`
		}
		if err := c.send(ctx, http.MethodPut, target, "application/octet-stream", io.NewSectionReader(src, offset, n), &written); err != nil {
			return Delivery{}, WorkItem{}, fmt.Errorf("upload chunk at %d: %w", offset, err)
		}
		offset = written.Offset
	}
	var resp deliveryResult
	err := c.do(ctx, http.MethodPost, itemPath(id, "uploads/"+url.PathEscape(plan.SessionID)+"/complete"), map[string]any{}, &resp)
	return resp.Delivery, resp.WorkItem, err
}

// IssueReviewLink replaces the item's active review link.
func (c *Client) IssueReviewLink(ctx context.Context, id string, ttl time.Duration) (ReviewLink, error) {
	body := map[string]any{}
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	var resp ReviewLink
	err := c.do(ctx, http.MethodPost, itemPath(id, "review-links"), body, &resp)
	return resp, err
}

// RedeemReviewLink opens a review link. It needs no credentials.
func (c *Client) RedeemReviewLink(ctx context.Context, token string) (Redemption, error) {
	var resp Redemption
	err := c.do(ctx, http.MethodGet, "v0/review/"+url.PathEscape(token), nil, &resp)
	return resp, err
}

// SubmitFeedback approves ("approved") or requests a revision
// ("revision_requested") through a review link.
func (c *Client) SubmitFeedback(ctx context.Context, token, decision string, rating int, notes string) (Feedback, WorkItem, error) {
	body := map[string]any{"decision": decision, "notes": notes}
	if rating > 0 {
		body["rating"] = rating
	}
	var resp struct {
		Feedback Feedback `json:"feedback"`
		WorkItem WorkItem `json:"work_item"`
	}
	err := c.do(ctx, http.MethodPost, "v0/review/"+url.PathEscape(token)+"/feedback", body, &resp)
	return resp.Feedback, resp.WorkItem, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, workItemID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if workItemID != "" {
		q.Set("work_item_id", workItemID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
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
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, target, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func itemPath(id, sub string) string {
	p := "v0/work-items/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
