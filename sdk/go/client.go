package stagegatesdk

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

// Client is a minimal Stagegate HTTP API client.
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
		Timeout: 10 * time.Second,
	}
}

// Instance represents the API instance model (partial).
type Instance struct {
	ID                string   `json:"id"`
	DefinitionID      string   `json:"definition_id"`
	DefinitionVersion int      `json:"definition_version"`
	EntityType        string   `json:"entity_type"`
	EntityID          string   `json:"entity_id"`
	CurrentStage      int      `json:"current_stage"`
	StageName         string   `json:"stage_name,omitempty"`
	Status            string   `json:"status"`
	Priority          string   `json:"priority,omitempty"`
	NextApprovers     []string `json:"next_approvers,omitempty"`
}

// Assignment represents one approver's slot in a stage.
type Assignment struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StageIndex int     `json:"stage_index"`
	AssigneeID string  `json:"assignee_id"`
	Status     string  `json:"status"`
	Outcome    *string `json:"outcome,omitempty"`
	Comments   *string `json:"comments,omitempty"`
}

// InstanceStatus is the full status view.
type InstanceStatus struct {
	Instance    Instance     `json:"instance"`
	Assignments []Assignment `json:"assignments"`
	Pending     []string     `json:"pending,omitempty"`
}

// Decision is the result of recording a verdict.
type Decision struct {
	Instance       Instance `json:"instance"`
	StageConcluded bool     `json:"stage_concluded"`
	StageOutcome   string   `json:"stage_outcome,omitempty"`
}

// Event represents one audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	InstanceID string         `json:"instance_id"`
	Type       string         `json:"type"`
	FromState  string         `json:"from_state,omitempty"`
	ToState    string         `json:"to_state,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// QueueItem is one open approval waiting on an assignee.
type QueueItem struct {
	InstanceID     string `json:"instance_id"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	StageIndex     int    `json:"stage_index"`
	Priority       string `json:"priority,omitempty"`
	AssignedAt     string `json:"assigned_at"`
	InstanceStatus string `json:"instance_status"`
}

// InitiateRequest starts a workflow instance for an entity.
type InitiateRequest struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	Definition    string         `json:"definition,omitempty"`
	Priority      string         `json:"priority,omitempty"`
	RequiredRoles []string       `json:"required_roles,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Initiate starts a workflow instance.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodPost, "v1/instances", req, &resp)
	return resp, err
}

// RecordDecision records an approval verdict on a stage.
func (c *Client) RecordDecision(ctx context.Context, instanceID string, stageIndex int, outcome, comments string) (Decision, error) {
	body := map[string]any{
		"stage_index": stageIndex,
		"outcome":     outcome,
		"comments":    comments,
	}
	var resp Decision
	endpoint := fmt.Sprintf("v1/instances/%s/decisions", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Status returns the live status of an instance.
func (c *Client) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	var resp InstanceStatus
	endpoint := fmt.Sprintf("v1/instances/%s", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns the audit trail for an instance.
func (c *Client) History(ctx context.Context, instanceID string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("v1/instances/%s/history", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Queue returns open approvals for the authenticated actor, or for assignee
// when non-empty.
func (c *Client) Queue(ctx context.Context, assignee string, limit int) ([]QueueItem, error) {
	endpoint := "v1/queue"
	params := url.Values{}
	if assignee != "" {
		params.Set("assignee", assignee)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []QueueItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Hold pauses an instance.
func (c *Client) Hold(ctx context.Context, instanceID, reason string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v1/instances/%s/hold", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Resume reactivates a held instance.
func (c *Client) Resume(ctx context.Context, instanceID string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v1/instances/%s/resume", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Cancel terminates an instance without an outcome.
func (c *Client) Cancel(ctx context.Context, instanceID, reason string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v1/instances/%s/cancel", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
