package workflow

import "fmt"

// RejectionKind classifies why a submission was refused
type RejectionKind string

const (
	RejectAccessDenied RejectionKind = "AccessDenied"
	RejectAlreadyActed RejectionKind = "AlreadyActed"
	RejectNoTransition RejectionKind = "NoTransition"
)

// Rejection is a refused submission. It carries the derived status so
// clients can re-render without another request.
type Rejection struct {
	Kind          RejectionKind `json:"kind"`
	Reason        string        `json:"reason"`
	CurrentStatus Status        `json:"current_status"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s (current status %s)", r.Kind, r.Reason, r.CurrentStatus)
}

type transitionKey struct {
	from Status
	role Role
}

// transitions lists the one allowed edge per (status, role). The regulator
// edge resolves through the decision carried in the payload.
var transitions = map[transitionKey]func(Details) (Status, bool){
	{StatusCollected, RoleProcessor}: func(Details) (Status, bool) { return StatusProcessed, true },
	{StatusProcessed, RoleLab}:       func(Details) (Status, bool) { return StatusTested, true },
	{StatusTested, RoleRegulator}: func(d Details) (Status, bool) {
		switch decisionOf(d) {
		case DecisionApproved:
			return StatusApproved, true
		case DecisionRejected:
			return StatusRejected, true
		}
		return "", false
	},
}

// NextActionStatus returns the status a role acts on next, for roles that
// act on existing batches.
func NextActionStatus(role Role) (Status, bool) {
	for key := range transitions {
		if key.role == role {
			return key.from, true
		}
	}
	return "", false
}

// ValidateSubmission decides the status a batch moves to when role submits
// details. It never mutates the batch; the caller builds and appends the
// event.
//
// Checks run in this order: terminal status, already acted, edit access,
// payload type, transition table.
func ValidateSubmission(batch Batch, role Role, details Details) (Status, *Rejection) {
	current := DeriveStatus(batch.Events)
	reject := func(kind RejectionKind, reason string) (Status, *Rejection) {
		return "", &Rejection{Kind: kind, Reason: reason, CurrentStatus: current}
	}

	if current.IsTerminal() {
		return reject(RejectNoTransition, fmt.Sprintf("no allowed transition: batch is %s and final", current))
	}
	if HasAlreadyActed(batch, role) {
		return reject(RejectAlreadyActed, "already processed by this role")
	}
	if access := CheckAccess(role, current, AccessEdit); !access.Allowed {
		return reject(RejectAccessDenied, access.Reason)
	}

	want, _ := EventTypeFor(role)
	if details == nil || details.EventType() != want {
		got := EventType("none")
		if details != nil {
			got = details.EventType()
		}
		return reject(RejectNoTransition, fmt.Sprintf("no allowed transition: role %s must submit %s, got %s", role, want, got))
	}

	next, ok := transitions[transitionKey{current, role}]
	if !ok {
		return reject(RejectNoTransition, fmt.Sprintf("no allowed transition from %s for role %s", current, role))
	}
	status, ok := next(details)
	if !ok {
		return reject(RejectNoTransition, fmt.Sprintf("no allowed transition: decision must be %s or %s", DecisionApproved, DecisionRejected))
	}
	return status, nil
}
