package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the teamforge API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. Code carries the
// membership error code when the server supplied one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	switch {
	case e.Message == "":
		return fmt.Sprintf("api request failed with status %d", e.Status)
	case e.Code != "":
		return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
	default:
		return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
	}
}

// Temporary reports whether the request may succeed if sent again unchanged.
func (e APIError) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// ErrorCode extracts the membership error code from err, if any.
func ErrorCode(err error) string {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	req, err := c.newRequest(ctx, method, path, body, token)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(resp *http.Response) APIError {
	apiErr := APIError{Status: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = strings.TrimSpace(payload.Error)
	return apiErr
}

// Team reflects API team payloads.
type Team struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	Name         string    `json:"name"`
	LeaderUserID string    `json:"leader_user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Member is one entry of a team roster.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Leader      bool   `json:"leader"`
}

// TeamDetail is a team with its roster.
type TeamDetail struct {
	Team
	Members  []Member `json:"members"`
	Capacity int      `json:"capacity"`
}

// JoinRequest reflects API join request payloads.
type JoinRequest struct {
	ID          string     `json:"id"`
	TeamID      string     `json:"team_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Approval is the result of approving a join request.
type Approval struct {
	Request            JoinRequest `json:"request"`
	CascadedRejections int64       `json:"cascaded_rejections"`
}

// Event is a committed membership change delivered by the event stream.
type Event struct {
	Type       string    `json:"type"`
	TeamID     string    `json:"team_id"`
	TeamSlug   string    `json:"team_slug"`
	UserID     string    `json:"user_id,omitempty"`
	ActorID    string    `json:"actor_id,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Cascaded   int64     `json:"cascaded_rejections,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func teamPath(slug string, parts ...string) string {
	path := "/teams/" + url.PathEscape(slug)
	for _, p := range parts {
		path += "/" + url.PathEscape(p)
	}
	return path
}

// CreateTeam creates a team led by the caller.
func (c *Client) CreateTeam(ctx context.Context, token, name string) (Team, error) {
	var team Team
	if err := c.do(ctx, http.MethodPost, "/teams", map[string]string{"name": name}, token, &team); err != nil {
		return Team{}, err
	}
	return team, nil
}

// GetTeam fetches a team and its members.
func (c *Client) GetTeam(ctx context.Context, token, slug string) (TeamDetail, error) {
	var detail TeamDetail
	if err := c.do(ctx, http.MethodGet, teamPath(slug), nil, token, &detail); err != nil {
		return TeamDetail{}, err
	}
	return detail, nil
}

// Apply submits a join request for the caller.
func (c *Client) Apply(ctx context.Context, token, slug string) (JoinRequest, error) {
	var jr JoinRequest
	if err := c.do(ctx, http.MethodPost, teamPath(slug, "join"), nil, token, &jr); err != nil {
		return JoinRequest{}, err
	}
	return jr, nil
}

// ListRequests lists a team's join requests; an empty status means PENDING.
func (c *Client) ListRequests(ctx context.Context, token, slug, status string) ([]JoinRequest, error) {
	path := teamPath(slug, "requests")
	if s := strings.TrimSpace(status); s != "" {
		path += "?status=" + url.QueryEscape(s)
	}
	var requests []JoinRequest
	if err := c.do(ctx, http.MethodGet, path, nil, token, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// Approve accepts a pending join request.
func (c *Client) Approve(ctx context.Context, token, slug, requestID string) (Approval, error) {
	var approval Approval
	if err := c.do(ctx, http.MethodPost, teamPath(slug, "requests", requestID, "approve"), nil, token, &approval); err != nil {
		return Approval{}, err
	}
	return approval, nil
}

// Reject declines a pending join request.
func (c *Client) Reject(ctx context.Context, token, slug, requestID string) (JoinRequest, error) {
	var jr JoinRequest
	if err := c.do(ctx, http.MethodPost, teamPath(slug, "requests", requestID, "reject"), nil, token, &jr); err != nil {
		return JoinRequest{}, err
	}
	return jr, nil
}

// Leave removes the caller from the team.
func (c *Client) Leave(ctx context.Context, token, slug string) error {
	return c.do(ctx, http.MethodPost, teamPath(slug, "leave"), nil, token, nil)
}

// RemoveMember removes another member; only the leader may do this.
func (c *Client) RemoveMember(ctx context.Context, token, slug, memberID string) error {
	return c.do(ctx, http.MethodDelete, teamPath(slug, "members", memberID), nil, token, nil)
}

// Watch streams a team's events until ctx ends or the server closes the
// stream, calling fn for each one. A non-nil error from fn stops the stream.
func (c *Client) Watch(ctx context.Context, token, slug string, fn func(Event) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, teamPath(slug, "events"), nil, token)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := *c.httpClient
	stream.Timeout = 0
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var evt Event
			if err := json.Unmarshal([]byte(data.String()), &evt); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			data.Reset()
			if err := fn(evt); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}
