// Package portal runs the custody workflow for the role portals: batch
// creation, event submission, worklists and access checks over the ledger
// facade.
package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/notify"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrInvalidArgument marks malformed requests
var ErrInvalidArgument = errors.New("invalid argument")

// Identity is the caller as reported by the auth provider. Role is trusted
// verbatim.
type Identity struct {
	UserID      string        `json:"user_id"`
	Role        workflow.Role `json:"role"`
	Permissions []string      `json:"permissions,omitempty"`
}

// EventInput is the caller supplied part of an event. The event id and
// type are assigned by the service.
type EventInput struct {
	Timestamp time.Time          `json:"timestamp"`
	Performer workflow.Performer `json:"performer"`
	Location  workflow.Location  `json:"location"`
	Details   workflow.Details   `json:"details"`
}

// Submission is an accepted event
type Submission struct {
	Accepted   bool            `json:"accepted"`
	NextStatus workflow.Status `json:"next_status"`
	Receipt    *models.Receipt `json:"receipt"`
	Batch      *workflow.Batch `json:"batch"`
}

// AccessReport answers an access check
type AccessReport struct {
	Allowed         bool            `json:"allowed"`
	Reason          string          `json:"reason"`
	HasAlreadyActed bool            `json:"has_already_acted"`
	DerivedStatus   workflow.Status `json:"derived_status"`
}

// Service is the portal API. It is stateless apart from its injected
// collaborators.
type Service struct {
	facade   *repository.Facade
	notifier notify.Notifier
	metrics  *Metrics
	logger   cmtlog.Logger
	now      func() time.Time
	newID    func() string
}

// NewService wires the portal service. A nil notifier drops notifications;
// nil metrics register on a private registry.
func NewService(facade *repository.Facade, notifier notify.Notifier, metrics *Metrics, logger cmtlog.Logger) *Service {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry(), nil)
	}
	return &Service{
		facade:   facade,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// CreateBatch opens a new batch with its Collection event and a freshly
// generated external id.
func (s *Service) CreateBatch(ctx context.Context, who Identity, input EventInput) (*Submission, error) {
	if !workflow.CanCreate(who.Role) {
		s.countSubmission(who.Role, string(workflow.RejectAccessDenied))
		return nil, &workflow.Rejection{
			Kind:   workflow.RejectAccessDenied,
			Reason: fmt.Sprintf("role %s cannot create batches", who.Role),
		}
	}
	if input.Details == nil {
		input.Details = workflow.CollectionDetails{}
	}
	if input.Details.EventType() != workflow.EventCollection {
		s.countSubmission(who.Role, string(workflow.RejectNoTransition))
		return nil, &workflow.Rejection{
			Kind:   workflow.RejectNoTransition,
			Reason: fmt.Sprintf("no allowed transition: a new batch starts with %s", workflow.EventCollection),
		}
	}

	batchID := s.newID()
	start := time.Now()
	receipt, batch, err := s.facade.Update(ctx, batchID, func(current *workflow.Batch) (*workflow.Event, error) {
		if current != nil {
			return nil, &repository.RepositoryError{Code: repository.CodeConflict, Message: "Batch id already in use", Detail: batchID}
		}
		e := s.buildEvent(who, workflow.EventCollection, input)
		return &e, nil
	})
	s.metrics.SubmitLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.countSubmission(who.Role, "error")
		s.logger.Error("Batch creation failed", "batch", batchID, "err", err)
		return nil, err
	}

	s.countSubmission(who.Role, "accepted")
	s.logger.Info("Batch created", "batch", batchID, "user", who.UserID, "seq", receipt.Sequence)
	s.announce(ctx, batch, receipt.EventID)
	return &Submission{Accepted: true, NextStatus: batch.Status, Receipt: receipt, Batch: batch}, nil
}

// Submit validates and appends the role's event to an existing batch. A
// refused submission returns a *workflow.Rejection.
func (s *Service) Submit(ctx context.Context, who Identity, batchID string, input EventInput) (*Submission, error) {
	var next workflow.Status
	start := time.Now()
	receipt, batch, err := s.facade.Update(ctx, batchID, func(current *workflow.Batch) (*workflow.Event, error) {
		if current == nil {
			return nil, repository.ErrNotFound
		}
		status, rejection := workflow.ValidateSubmission(*current, who.Role, input.Details)
		if rejection != nil {
			return nil, rejection
		}
		next = status
		eventType, _ := workflow.EventTypeFor(who.Role)
		e := s.buildEvent(who, eventType, input)
		// An event dated before the batch's history would sort below it and
		// leave the derived status behind the accepted transition.
		if newest := current.NewestEventTime(); e.Timestamp.Before(newest) {
			s.logger.Info("Event timestamp predates batch history, clamped",
				"batch", batchID, "role", who.Role, "timestamp", e.Timestamp, "newest", newest)
			e.Timestamp = newest
		}
		return &e, nil
	})
	s.metrics.SubmitLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		var rejection *workflow.Rejection
		switch {
		case errors.As(err, &rejection):
			s.countSubmission(who.Role, string(rejection.Kind))
			s.logger.Info("Submission rejected", "batch", batchID, "role", who.Role, "kind", rejection.Kind, "reason", rejection.Reason)
		case errors.Is(err, repository.ErrNotFound):
			s.countSubmission(who.Role, "not_found")
		default:
			s.countSubmission(who.Role, "error")
			s.logger.Error("Submission failed", "batch", batchID, "role", who.Role, "err", err)
		}
		return nil, err
	}

	s.countSubmission(who.Role, "accepted")
	s.logger.Info("Submission accepted", "batch", batchID, "role", who.Role, "status", next, "seq", receipt.Sequence)
	s.announce(ctx, batch, receipt.EventID)
	return &Submission{Accepted: true, NextStatus: next, Receipt: receipt, Batch: batch}, nil
}

// Batch returns a batch the caller's portal may view
func (s *Service) Batch(ctx context.Context, who Identity, batchID string) (*workflow.Batch, error) {
	batch, err := s.facade.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if access := workflow.CheckAccess(who.Role, batch.Status, workflow.AccessView); !access.Allowed {
		return nil, &workflow.Rejection{Kind: workflow.RejectAccessDenied, Reason: access.Reason, CurrentStatus: batch.Status}
	}
	return batch, nil
}

// Worklist lists the batches relevant to role's portal
func (s *Service) Worklist(ctx context.Context, role, access string) ([]workflow.Batch, error) {
	r, ok := workflow.ParseRole(role)
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, role)
	}
	a, ok := workflow.ParseAccessType(access)
	if !ok {
		return nil, fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, access)
	}

	all, err := s.facade.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.Worklists.WithLabelValues(string(r), string(a)).Inc()
	return workflow.WorklistFor(all, r, a), nil
}

// AccessCheck reports whether role may view or edit a batch
func (s *Service) AccessCheck(ctx context.Context, role, batchID, access string) (*AccessReport, error) {
	a, ok := workflow.ParseAccessType(access)
	if !ok {
		return nil, fmt.Errorf("%w: unknown access type %q", ErrInvalidArgument, access)
	}
	batch, err := s.facade.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}

	r := workflow.Role(role)
	result := workflow.CheckAccess(r, batch.Status, a)
	return &AccessReport{
		Allowed:         result.Allowed,
		Reason:          result.Reason,
		HasAlreadyActed: workflow.HasAlreadyActed(*batch, r),
		DerivedStatus:   batch.Status,
	}, nil
}

// LedgerStatus reports which store backs the portal
func (s *Service) LedgerStatus() repository.FacadeStatus {
	return s.facade.Status()
}

func (s *Service) buildEvent(who Identity, eventType workflow.EventType, input EventInput) workflow.Event {
	performer := input.Performer
	if performer.ID == "" {
		performer.ID = who.UserID
	}
	performer.Role = who.Role

	ts := input.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return workflow.Event{
		ID:        s.newID(),
		Type:      eventType,
		Timestamp: ts,
		Performer: performer,
		Location:  input.Location,
		Details:   input.Details,
	}
}

// announce notifies the portal that acts next. The event is already
// stored, so failures are only logged.
func (s *Service) announce(ctx context.Context, batch *workflow.Batch, eventID string) {
	role, ok := notify.RecipientFor(batch.Status)
	if !ok {
		return
	}
	err := s.notifier.BatchReady(ctx, notify.ReadyPayload{
		BatchID: batch.ID,
		EventID: eventID,
		Status:  batch.Status,
		Role:    role,
		At:      s.now(),
	})
	if err != nil {
		s.metrics.Notifications.WithLabelValues("failed").Inc()
		s.logger.Error("Notification failed", "batch", batch.ID, "portal", role, "err", err)
		return
	}
	s.metrics.Notifications.WithLabelValues("sent").Inc()
}

func (s *Service) countSubmission(role workflow.Role, outcome string) {
	s.metrics.Submissions.WithLabelValues(string(role), outcome).Inc()
}
