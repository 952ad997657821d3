package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// Header names understood by the portal node
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserRole    = "X-User-Role"
	HeaderPermissions = "X-User-Permissions"
)

// Response is the raw outcome of one call
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Latency    time.Duration
}

// APIError is a non 2xx answer from the portal node. Kind and
// CurrentStatus are set for rejected submissions.
type APIError struct {
	StatusCode    int             `json:"-"`
	Message       string          `json:"error"`
	Kind          string          `json:"kind,omitempty"`
	CurrentStatus workflow.Status `json:"current_status,omitempty"`
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Event is the body of batch creation and event submission. Details may be
// any of the workflow detail types.
type Event struct {
	Type      workflow.EventType `json:"type,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Performer workflow.Performer `json:"performer"`
	Location  workflow.Location  `json:"location"`
	Details   interface{}        `json:"details"`
}

// Worklist is one portal's batch list
type Worklist struct {
	Role    string           `json:"role"`
	Access  string           `json:"access"`
	Count   int              `json:"count"`
	Batches []workflow.Batch `json:"batches"`
}

// HTTPClient talks to a portal node on behalf of one identity
type HTTPClient struct {
	BaseURL  string
	Client   *http.Client
	Identity portal.Identity
}

func NewHTTPClient(baseURL string, who portal.Identity) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout: 30 * time.Second,
		},
		Identity: who,
	}
}

// As returns a client sharing the connection pool but acting as another
// identity.
func (c *HTTPClient) As(who portal.Identity) *HTTPClient {
	return &HTTPClient{BaseURL: c.BaseURL, Client: c.Client, Identity: who}
}

// Call sends one request and reads the whole body
func (c *HTTPClient) Call(ctx context.Context, method, endpoint string, body interface{}) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyJSON, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewBuffer(bodyJSON)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Identity.UserID != "" {
		req.Header.Set(HeaderUserID, c.Identity.UserID)
	}
	if c.Identity.Role != "" {
		req.Header.Set(HeaderUserRole, string(c.Identity.Role))
	}
	for i, p := range c.Identity.Permissions {
		if i == 0 {
			req.Header.Set(HeaderPermissions, p)
			continue
		}
		req.Header.Set(HeaderPermissions, req.Header.Get(HeaderPermissions)+","+p)
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

// CreateBatch opens a batch with a Collection event
func (c *HTTPClient) CreateBatch(ctx context.Context, event Event) (*portal.Submission, error) {
	var out portal.Submission
	if err := c.do(ctx, http.MethodPost, "/batches", event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit records the caller role's event on a batch
func (c *HTTPClient) Submit(ctx context.Context, batchID string, event Event) (*portal.Submission, error) {
	var out portal.Submission
	if err := c.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(batchID)+"/events", event, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Batch(ctx context.Context, batchID string) (*workflow.Batch, error) {
	var out workflow.Batch
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Trace(ctx context.Context, batchID string) (*portal.Trace, error) {
	var out portal.Trace
	if err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/trace", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Worklist(ctx context.Context, role workflow.Role, access workflow.AccessType) (*Worklist, error) {
	endpoint := "/worklist/" + url.PathEscape(string(role))
	if access != "" {
		endpoint += "?access=" + url.QueryEscape(string(access))
	}
	var out Worklist
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AccessCheck(ctx context.Context, role workflow.Role, batchID string, access workflow.AccessType) (*portal.AccessReport, error) {
	endpoint := "/access/" + url.PathEscape(string(role)) + "/" + url.PathEscape(batchID)
	if access != "" {
		endpoint += "?access=" + url.QueryEscape(string(access))
	}
	var out portal.AccessReport
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) LedgerStatus(ctx context.Context) (*repository.FacadeStatus, error) {
	var out repository.FacadeStatus
	if err := c.do(ctx, http.MethodGet, "/ledger/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, target interface{}) error {
	resp, err := c.Call(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(resp.Body, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	return UnmarshalBody(resp, target)
}

func UnmarshalBody(resp *Response, target interface{}) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body")
	}

	err := json.Unmarshal(resp.Body, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
