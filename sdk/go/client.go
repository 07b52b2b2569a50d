package gatehwsdk

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

// Client is a minimal gatehw HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Params tunes an operation. Zero values select server defaults.
type Params struct {
	ID              string `json:"id,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	Continuous      bool   `json:"continuous,omitempty"`
	Channels        []int  `json:"channels,omitempty"`
	HoldMillis      int    `json:"hold_ms,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Channel         int    `json:"channel,omitempty"`
	Path            string `json:"path,omitempty"`
	BaudRate        int    `json:"baud_rate,omitempty"`
}

// Operation represents an operation status snapshot.
type Operation struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Role        string         `json:"role"`
	Status      string         `json:"status"`
	Phase       string         `json:"phase"`
	Details     []string       `json:"details"`
	DetailCount int            `json:"detail_count"`
	Result      map[string]any `json:"result"`
	Relays      []bool         `json:"relays"`
	StartedAt   string         `json:"started_at"`
	UpdatedAt   string         `json:"updated_at"`
	FinishedAt  string         `json:"finished_at"`
}

// Terminal reports whether the operation has finished.
func (o Operation) Terminal() bool {
	switch o.Status {
	case "success", "warning", "error", "stopped":
		return true
	}
	return false
}

// Assignment binds a role to a device.
type Assignment struct {
	Role       string `json:"role"`
	DeviceKey  string `json:"device_key"`
	DevicePath string `json:"device_path,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// ConnectionResult is the outcome of a connection test.
type ConnectionResult struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Error       string `json:"error"`
}

// AccessEvent is one access decision.
type AccessEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Identifier  string `json:"identifier"`
	Granted     bool   `json:"granted"`
	Reason      string `json:"reason"`
	OperationID string `json:"operation_id"`
}

// Inventory lists attached hardware. Entries are left undecoded.
type Inventory struct {
	USBDevices  []map[string]any `json:"usb_devices"`
	SerialPorts []map[string]any `json:"serial_ports"`
	HIDDevices  []map[string]any `json:"hid_devices"`
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

// Busy reports whether the request was rejected because a role is held.
func (e *APIError) Busy() bool { return e.StatusCode == http.StatusConflict && e.Code == "busy" }

// StartOperation starts an operation and returns its id.
func (c *Client) StartOperation(ctx context.Context, kind, role string, params Params) (string, error) {
	body := map[string]any{
		"kind":   kind,
		"params": params,
	}
	if role != "" {
		body["role"] = role
	}
	var resp struct {
		Accepted    bool   `json:"accepted"`
		OperationID string `json:"operation_id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/operations", body, &resp)
	return resp.OperationID, err
}

// Operation fetches a snapshot. Details holds only the lines after the first since.
func (c *Client) Operation(ctx context.Context, id string, since int) (Operation, error) {
	endpoint := fmt.Sprintf("v0/operations/%s", url.PathEscape(id))
	if since > 0 {
		endpoint = fmt.Sprintf("%s?since=%d", endpoint, since)
	}
	var resp Operation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StopOperation requests a stop. It reports whether the operation was still live.
func (c *Client) StopOperation(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Stopped bool `json:"stopped"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/operations/%s/stop", url.PathEscape(id)), nil, &resp)
	return resp.Stopped, err
}

// ListOperations returns the operations held by the server, newest first.
func (c *Client) ListOperations(ctx context.Context) ([]Operation, error) {
	var resp []Operation
	err := c.do(ctx, http.MethodGet, "v0/operations", nil, &resp)
	return resp, err
}

// Follow polls an operation until it is terminal. onDetail sees every detail line once,
// in order.
func (c *Client) Follow(ctx context.Context, id string, interval time.Duration, onDetail func(string)) (Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	seen := 0
	for {
		op, err := c.Operation(ctx, id, seen)
		if err != nil {
			return Operation{}, err
		}
		for _, line := range op.Details {
			if onDetail != nil {
				onDetail(line)
			}
		}
		seen = op.DetailCount
		if op.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Assignments lists device assignments.
func (c *Client) Assignments(ctx context.Context) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodGet, "v0/hardware/assignments", nil, &resp)
	return resp, err
}

// SaveAssignments upserts assignments and returns the full list.
func (c *Client) SaveAssignments(ctx context.Context, list []Assignment) ([]Assignment, error) {
	var resp []Assignment
	err := c.do(ctx, http.MethodPut, "v0/hardware/assignments", map[string]any{"assignments": list}, &resp)
	return resp, err
}

// TestConnection runs a connection test for role. An empty path tests the saved assignment.
func (c *Client) TestConnection(ctx context.Context, role, path string) (ConnectionResult, error) {
	var body any
	if path != "" {
		body = map[string]any{"path": path}
	}
	var resp ConnectionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/hardware/assignments/%s/test", url.PathEscape(role)), body, &resp)
	return resp, err
}

// Detect returns the attached hardware inventory.
func (c *Client) Detect(ctx context.Context) (Inventory, error) {
	var resp Inventory
	err := c.do(ctx, http.MethodGet, "v0/hardware/detect", nil, &resp)
	return resp, err
}

// AccessEvents returns recent access decisions.
func (c *Client) AccessEvents(ctx context.Context, limit int) ([]AccessEvent, error) {
	endpoint := "v0/access/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AccessEvent
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
