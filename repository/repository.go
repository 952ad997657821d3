package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// PostgreSQL error classes and codes mapError distinguishes
const (
	// Classes whose errors mean the server cannot take work right now
	PgClassConnectionException   = "08"
	PgClassInsufficientResources = "53"
	PgClassOperatorIntervention  = "57"

	PgErrUniqueViolation      = "23505" // unique_violation
	PgErrSerializationFailure = "40001" // serialization_failure
	PgErrDeadlockDetected     = "40P01" // deadlock_detected
)

// Repository error codes
const (
	CodeNotFound         = "ENTITY_NOT_FOUND"
	CodeUnavailable      = "STORAGE_UNAVAILABLE"
	CodeExhausted        = "STORAGE_EXHAUSTED"
	CodeSerialization    = "SERIALIZATION_ERROR"
	CodeCorrupted        = "CORRUPTED_RECORD"
	CodeConsensusError   = "CONSENSUS_ERROR"
	CodeConsensusTimeout = "CONSENSUS_TIMEOUT"
	CodeLedgerRejected   = "LEDGER_REJECTED"
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeConflict         = "CONFLICT"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
)

// RepositoryError represent an error in the repository layer (db/rpc/ledger)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

// Is matches any RepositoryError with the same code
func (e *RepositoryError) Is(target error) bool {
	t, ok := target.(*RepositoryError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrNotFound         = &RepositoryError{Code: CodeNotFound, Message: "Batch does not exist"}
	ErrUnavailable      = &RepositoryError{Code: CodeUnavailable, Message: "Storage backend unavailable"}
	ErrExhausted        = &RepositoryError{Code: CodeExhausted, Message: "Storage capacity exhausted"}
	ErrCorrupted        = &RepositoryError{Code: CodeCorrupted, Message: "Stored record is corrupted"}
	ErrConsensusTimeout = &RepositoryError{Code: CodeConsensusTimeout, Message: "Consensus operation timed out"}
	ErrLedgerRejected   = &RepositoryError{Code: CodeLedgerRejected, Message: "Ledger rejected transaction"}
)

func notFound(batchID string) *RepositoryError {
	return &RepositoryError{
		Code:    CodeNotFound,
		Message: "Batch does not exist",
		Detail:  fmt.Sprintf("Batch with id %s does not exist", batchID),
	}
}

func unavailable(message string, err error) *RepositoryError {
	return &RepositoryError{Code: CodeUnavailable, Message: message, Detail: err.Error()}
}

func corrupted(batchID string, err error) *RepositoryError {
	return &RepositoryError{
		Code:    CodeCorrupted,
		Message: "Stored record is corrupted",
		Detail:  fmt.Sprintf("batch %s: %v", batchID, err),
	}
}

// IsUnavailable reports whether err means the backend could not be reached
// in time, as opposed to the backend answering with a refusal.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConsensusTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Store is an ordered event log per batch key. Implementations permit
// duplicate event types; workflow rules are enforced by callers.
type Store interface {
	// Append stores event at the end of the list for batchID, creating the
	// batch when absent.
	Append(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error)
	// Get returns the full event list for batchID or ErrNotFound.
	Get(ctx context.Context, batchID string) (*workflow.Batch, error)
	// ScanAll returns every known batch without any access filtering.
	ScanAll(ctx context.Context) ([]workflow.Batch, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Name() string
	Close() error
}

func validateAppend(batchID string, event workflow.Event) error {
	if batchID == "" {
		return &RepositoryError{Code: CodeInvalidArgument, Message: "Batch id is required"}
	}
	if event.ID == "" || event.Type == "" {
		return &RepositoryError{
			Code:    CodeInvalidArgument,
			Message: "Event id and type are required",
			Detail:  fmt.Sprintf("batch %s", batchID),
		}
	}
	return nil
}
