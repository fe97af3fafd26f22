package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reporthub/reporthub/pkg/types"
)

// SessionHeader mirrors the header the server reads the session id from
const SessionHeader = "X-Session-Token"

// Client wraps the ReportHub HTTP API for easy programmatic usage
type Client struct {
	baseURL   string
	sessionID string
	http      *http.Client
}

// New creates a client against the server at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetSession installs a session id on every following request
func (c *Client) SetSession(sessionID string) {
	c.sessionID = sessionID
}

// Login authenticates and installs the resulting session
func (c *Client) Login(username, password string) error {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(http.MethodPost, "/auth/login",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return err
	}
	c.sessionID = resp.SessionID
	return nil
}

// Logout invalidates the installed session
func (c *Client) Logout() error {
	if err := c.do(http.MethodPost, "/auth/logout", nil, nil); err != nil {
		return err
	}
	c.sessionID = ""
	return nil
}

// GetTask fetches a task record. With consume set, a terminal record is
// marked observed.
func (c *Client) GetTask(token string, consume bool) (*types.TaskRecord, error) {
	path := "/tasks/" + url.PathEscape(token)
	if consume {
		path += "?consume=true"
	}
	var rec types.TaskRecord
	if err := c.do(http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AwaitTask long-polls until the task turns terminal or timeout passes.
// The returned record may still be non-terminal on timeout.
func (c *Client) AwaitTask(token string, timeout time.Duration) (*types.TaskRecord, error) {
	path := fmt.Sprintf("/tasks/%s/await?timeout=%s", url.PathEscape(token), timeout)
	var rec types.TaskRecord
	if err := c.do(http.MethodGet, path, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTasks queries task records with a filter
func (c *Client) ListTasks(filter types.TaskFilter) ([]*types.TaskRecord, error) {
	var records []*types.TaskRecord
	if err := c.do(http.MethodPost, "/tasks/list", filter, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// CancelTask requests cooperative cancellation. Returns whether the flag
// was newly set.
func (c *Client) CancelTask(token string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(http.MethodPost, "/tasks/"+url.PathEscape(token)+"/cancel", nil, &resp)
	return resp.Cancelled, err
}

// CommentTask appends a comment to a task
func (c *Client) CommentTask(token, body string) error {
	return c.do(http.MethodPost, "/tasks/"+url.PathEscape(token)+"/comments",
		map[string]string{"body": body}, nil)
}

// CreateDemoTask allocates and pushes an echo task (demo endpoint)
func (c *Client) CreateDemoTask(summary string, payload json.RawMessage, withDataDir bool) (*types.TaskRecord, error) {
	var rec types.TaskRecord
	err := c.do(http.MethodPost, "/tasks/demo", map[string]interface{}{
		"summary":       summary,
		"payload":       payload,
		"with_data_dir": withDataDir,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListProducts returns the products visible to the session
func (c *Client) ListProducts() ([]types.ProductSummary, error) {
	var products []types.ProductSummary
	if err := c.do(http.MethodGet, "/products/", nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

// AddProduct creates a product
func (c *Client) AddProduct(p types.Product) (*types.ProductSummary, error) {
	var summary types.ProductSummary
	if err := c.do(http.MethodPost, "/products/", p, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// RemoveProduct deletes a product definition
func (c *Client) RemoveProduct(endpoint string) error {
	return c.do(http.MethodDelete, "/products/"+url.PathEscape(endpoint), nil, nil)
}

// Permissions returns the caller's permissions on a scope
func (c *Client) Permissions(productEndpoint string) ([]types.Permission, error) {
	path := "/auth/permissions"
	if productEndpoint != "" {
		path += "?product=" + url.QueryEscape(productEndpoint)
	}
	var resp struct {
		Permissions []types.Permission `json:"permissions"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// HasPermission reports whether the session holds a permission on a scope.
// An empty productEndpoint asks about the server-wide scope.
func (c *Client) HasPermission(perm types.Permission, productEndpoint string) (bool, error) {
	path := "/auth/hasPermission?permission=" + url.QueryEscape(string(perm))
	if productEndpoint != "" {
		path += "&product=" + url.QueryEscape(productEndpoint)
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return false, err
	}
	return resp.Allowed, nil
}

// APIError carries the server's error body plus the HTTP status. Kind is
// the machine-readable tag from the error taxonomy, e.g. "not_found" or
// "backpressure".
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Message)
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var eb struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eb)
		return &APIError{Status: resp.StatusCode, Kind: eb.Kind, Message: eb.Message}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
