package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// CAInfo is the subset of the certificate authority's cainfo answer we keep
type CAInfo struct {
	CAName  string `json:"CAName"`
	Version string `json:"Version"`
}

// CAClient checks that the certificate authority knows this node's
// enrollment before the service claims verified credentials.
type CAClient struct {
	baseURL    string
	enrollID   string
	httpClient *http.Client
}

// NewCAClient creates a client for the authority at baseURL
func NewCAClient(baseURL, enrollID string) *CAClient {
	return &CAClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		enrollID: enrollID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Verify fetches the authority's info. A failure means credentials could
// not be verified; callers keep running without that claim.
func (c *CAClient) Verify(ctx context.Context) (*CAInfo, error) {
	if c.baseURL == "" {
		return nil, &RepositoryError{Code: CodeInvalidArgument, Message: "Certificate authority url is not configured"}
	}
	if c.enrollID == "" {
		return nil, &RepositoryError{Code: CodeInvalidArgument, Message: "Enrollment id is not configured"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/cainfo", nil)
	if err != nil {
		return nil, fmt.Errorf("build cainfo request: %w", err)
	}
	req.Header.Set("X-Enrollment-ID", c.enrollID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable("Certificate authority unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, unavailable("Failed to read certificate authority response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &RepositoryError{
			Code:    CodeUnavailable,
			Message: "Certificate authority refused the request",
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	// Fabric style authorities wrap the payload in {"result": ..., "success": ...}
	var envelope struct {
		Success bool   `json:"success"`
		Result  CAInfo `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RepositoryError{Code: CodeSerialization, Message: "Invalid certificate authority response", Detail: err.Error()}
	}
	if !envelope.Success {
		return nil, &RepositoryError{Code: CodeUnavailable, Message: "Certificate authority reported failure"}
	}
	return &envelope.Result, nil
}
