package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// eventBody is the JSON body of batch creation and event submission.
// Details are decoded into the variant of the event type.
type eventBody struct {
	Type      workflow.EventType `json:"type,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Performer workflow.Performer `json:"performer"`
	Location  workflow.Location  `json:"location"`
	Details   json.RawMessage    `json:"details"`
}

func (b *eventBody) input(defaultType workflow.EventType) (portal.EventInput, error) {
	eventType := b.Type
	if eventType == "" {
		eventType = defaultType
	}
	input := portal.EventInput{
		Timestamp: b.Timestamp,
		Performer: b.Performer,
		Location:  b.Location,
	}
	if eventType == "" {
		return input, nil
	}
	details, err := workflow.DecodeDetails(eventType, b.Details)
	if err != nil {
		return input, err
	}
	input.Details = details
	return input, nil
}

func parseEventBody(req *Request) (*eventBody, *Response) {
	var body eventBody
	if req.Body == "" {
		return &body, nil
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return nil, jsonError(http.StatusUnprocessableEntity, fmt.Sprintf("Failed to parse body: %s", err.Error()))
	}
	return &body, nil
}

func requireRole(req *Request) (portal.Identity, *Response) {
	who := req.Identity()
	if who.Role == "" {
		return who, jsonError(http.StatusUnauthorized, "missing "+HeaderUserRole+" header")
	}
	return who, nil
}

// CreateBatchHandler opens a batch with its Collection event
func (sr *ServiceRegistry) CreateBatchHandler(ctx context.Context, req *Request) (*Response, error) {
	who, resp := requireRole(req)
	if resp != nil {
		return resp, nil
	}
	body, resp := parseEventBody(req)
	if resp != nil {
		return resp, nil
	}
	input, err := body.input(workflow.EventCollection)
	if err != nil {
		return jsonError(http.StatusUnprocessableEntity, err.Error()), nil
	}

	submission, err := sr.service.CreateBatch(ctx, who, input)
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusCreated, submission), nil
}

// SubmitEventHandler appends the caller's event to a batch
func (sr *ServiceRegistry) SubmitEventHandler(ctx context.Context, req *Request) (*Response, error) {
	who, resp := requireRole(req)
	if resp != nil {
		return resp, nil
	}
	body, resp := parseEventBody(req)
	if resp != nil {
		return resp, nil
	}
	defaultType, _ := workflow.EventTypeFor(who.Role)
	input, err := body.input(defaultType)
	if err != nil {
		return jsonError(http.StatusUnprocessableEntity, err.Error()), nil
	}

	submission, err := sr.service.Submit(ctx, who, req.Params["id"], input)
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusCreated, submission), nil
}

// GetBatchHandler returns one batch
func (sr *ServiceRegistry) GetBatchHandler(ctx context.Context, req *Request) (*Response, error) {
	who, resp := requireRole(req)
	if resp != nil {
		return resp, nil
	}
	batch, err := sr.service.Batch(ctx, who, req.Params["id"])
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, batch), nil
}

// TraceHandler returns the provenance trail of a batch
func (sr *ServiceRegistry) TraceHandler(ctx context.Context, req *Request) (*Response, error) {
	who, resp := requireRole(req)
	if resp != nil {
		return resp, nil
	}
	trace, err := sr.service.Trace(ctx, who, req.Params["id"])
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, trace), nil
}

type worklistResponse struct {
	Role    string           `json:"role"`
	Access  string           `json:"access"`
	Count   int              `json:"count"`
	Batches []workflow.Batch `json:"batches"`
}

// WorklistHandler lists the batches of a portal. Access defaults to view.
func (sr *ServiceRegistry) WorklistHandler(ctx context.Context, req *Request) (*Response, error) {
	role := req.Params["role"]
	access := req.Query["access"]
	if access == "" {
		access = string(workflow.AccessView)
	}

	batches, err := sr.service.Worklist(ctx, role, access)
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, worklistResponse{
		Role:    role,
		Access:  access,
		Count:   len(batches),
		Batches: batches,
	}), nil
}

// AccessCheckHandler reports whether a role may view or edit a batch
func (sr *ServiceRegistry) AccessCheckHandler(ctx context.Context, req *Request) (*Response, error) {
	access := req.Query["access"]
	if access == "" {
		access = string(workflow.AccessView)
	}
	report, err := sr.service.AccessCheck(ctx, req.Params["role"], req.Params["id"], access)
	if err != nil {
		return sr.errorResponse(err), nil
	}
	return jsonResponse(http.StatusOK, report), nil
}

// LedgerStatusHandler reports the active storage mode
func (sr *ServiceRegistry) LedgerStatusHandler(_ context.Context, _ *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, sr.service.LedgerStatus()), nil
}

type rejectionBody struct {
	Accepted      bool                   `json:"accepted"`
	Error         string                 `json:"error"`
	Kind          workflow.RejectionKind `json:"kind"`
	CurrentStatus workflow.Status        `json:"current_status,omitempty"`
}

// errorResponse maps service errors to status codes. Unexpected errors are
// logged and answered without internals.
func (sr *ServiceRegistry) errorResponse(err error) *Response {
	var rejection *workflow.Rejection
	if errors.As(err, &rejection) {
		status := http.StatusBadRequest
		switch rejection.Kind {
		case workflow.RejectAccessDenied:
			status = http.StatusForbidden
		case workflow.RejectAlreadyActed:
			status = http.StatusConflict
		}
		return jsonResponse(status, rejectionBody{
			Error:         rejection.Reason,
			Kind:          rejection.Kind,
			CurrentStatus: rejection.CurrentStatus,
		})
	}

	switch {
	case errors.Is(err, portal.ErrInvalidArgument):
		return jsonError(http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		return jsonError(http.StatusNotFound, "batch not found")
	case errors.Is(err, repository.ErrExhausted), repository.IsUnavailable(err):
		sr.logger.Error("Storage cannot serve request", "err", err)
		return jsonError(http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, &repository.RepositoryError{Code: repository.CodeConflict}),
		errors.Is(err, repository.ErrLedgerRejected):
		return jsonError(http.StatusConflict, "write conflicts with the ledger state")
	}

	sr.logger.Error("Request failed", "err", err)
	return jsonError(http.StatusInternalServerError, "Internal server error")
}

func jsonResponse(status int, v interface{}) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return jsonError(http.StatusInternalServerError, "Internal server error")
	}
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body)}
}

func jsonError(status int, message string) *Response {
	body, _ := json.Marshal(map[string]string{"error": message})
	return &Response{StatusCode: status, Headers: defaultHeaders, Body: string(body), Error: message}
}
