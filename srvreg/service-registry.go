package srvreg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Identity headers set by the auth provider in front of the portal
const (
	HeaderUserID      = "X-User-Id"
	HeaderUserRole    = "X-User-Role"
	HeaderPermissions = "X-User-Permissions"
)

const maxBodyBytes = 1 << 20

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query,omitempty"`
	Params     map[string]string `json:"params,omitempty"` // filled from the matched route pattern
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"` // Unique ID for the request
	Timestamp  time.Time         `json:"timestamp"`
}

// Identity reads the caller identity headers. The role is taken verbatim.
func (r *Request) Identity() portal.Identity {
	who := portal.Identity{
		UserID: r.Headers[HeaderUserID],
		Role:   workflow.Role(strings.ToLower(strings.TrimSpace(r.Headers[HeaderUserRole]))),
	}
	for _, p := range strings.Split(r.Headers[HeaderPermissions], ",") {
		if p = strings.TrimSpace(p); p != "" {
			who.Permissions = append(who.Permissions, p)
		}
	}
	return who
}

// Response represents the computed response from a server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(context.Context, *Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	service     *portal.Service
	logger      cmtlog.Logger
}

// ConvertHttpRequestToRequest converts an http.Request to Request
func ConvertHttpRequestToRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[http.CanonicalHeaderKey(name)] = values[0]
		}
	}

	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		body = compactJSON(strings.TrimSpace(string(bodyBytes)))
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Query:      query,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(service *portal.Service, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		service:     service,
		logger:      logger,
	}
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the handler for a path. For pattern routes the
// values of the ":name" segments are returned as params.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, map[string]string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	method = strings.ToUpper(method)

	// Try exact match first
	key := RouteKey{Method: method, Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, nil, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != method || sr.exactRoutes[routeKey] {
			continue
		}
		if params, ok := matchPath(routeKey.Path, path); ok {
			return handler, params, true
		}
	}

	return nil, nil, false
}

// matchPath matches patterns like "/batches/:id" against "/batches/123"
// and returns the captured segments.
func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(strings.TrimSuffix(pattern, "/"), "/")
	pathParts := strings.Split(strings.TrimSuffix(path, "/"), "/")

	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i := range len(patternParts) {
		if name, ok := strings.CutPrefix(patternParts[i], ":"); ok {
			if pathParts[i] == "" {
				return nil, false
			}
			params[name] = pathParts[i]
			continue
		}
		if patternParts[i] != pathParts[i] {
			return nil, false
		}
	}

	return params, true
}

// RegisterDefaultServices sets up the portal endpoints
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Farmer portal: open a batch
	sr.RegisterHandler("POST", "/batches", true, sr.CreateBatchHandler)
	// Any portal: submit the role's event
	sr.RegisterHandler("POST", "/batches/:id/events", false, sr.SubmitEventHandler)
	sr.RegisterHandler("GET", "/batches/:id", false, sr.GetBatchHandler)
	// Consumer provenance view
	sr.RegisterHandler("GET", "/batches/:id/trace", false, sr.TraceHandler)
	sr.RegisterHandler("GET", "/worklist/:role", false, sr.WorklistHandler)
	sr.RegisterHandler("GET", "/access/:role/:id", false, sr.AccessCheckHandler)
	sr.RegisterHandler("GET", "/ledger/status", true, sr.LedgerStatusHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(ctx context.Context, services *ServiceRegistry) (*Response, error) {
	handler, params, found := services.GetHandlerForPath(req.Method, req.Path)
	if !found {
		services.logger.Debug("Service registry handler not found", "method", req.Method, "path", req.Path)
		return jsonError(http.StatusNotFound, fmt.Sprintf("Service not found for %s %s", req.Method, req.Path)), nil
	}
	req.Params = params

	return handler(ctx, req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// Not JSON, keep the trimmed original
		return strings.TrimSpace(body)
	}
	return buf.String()
}
