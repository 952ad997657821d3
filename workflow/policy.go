package workflow

import "fmt"

// PortalPolicy is the access row of one role
type PortalPolicy struct {
	CanCreate bool
	CanView   map[Status]bool
	CanEdit   map[Status]bool
}

func statusSet(statuses ...Status) map[Status]bool {
	set := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return set
}

// policies holds exactly one row per role. View sets include historical
// statuses for audit; edit sets hold the single status the role acts on.
var policies = map[Role]PortalPolicy{
	RoleFarmer: {
		CanCreate: true,
		CanView:   statusSet(Statuses...),
		CanEdit:   statusSet(),
	},
	RoleProcessor: {
		CanView: statusSet(StatusCollected, StatusProcessed, StatusTested, StatusApproved, StatusRejected),
		CanEdit: statusSet(StatusCollected),
	},
	RoleLab: {
		CanView: statusSet(StatusProcessed, StatusTested, StatusApproved, StatusRejected),
		CanEdit: statusSet(StatusProcessed),
	},
	RoleRegulator: {
		CanView: statusSet(StatusTested, StatusApproved, StatusRejected),
		CanEdit: statusSet(StatusTested),
	},
	RoleConsumer: {
		CanView: statusSet(StatusApproved),
		CanEdit: statusSet(),
	},
	RoleManagement: {
		CanView: statusSet(Statuses...),
		CanEdit: statusSet(),
	},
}

// PolicyFor returns the access row for role
func PolicyFor(role Role) (PortalPolicy, bool) {
	p, ok := policies[role]
	return p, ok
}

// AccessResult is the outcome of CheckAccess. Reason is always set and is
// safe to show to API clients.
type AccessResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// CheckAccess decides whether role may view or edit a batch in status
func CheckAccess(role Role, status Status, access AccessType) AccessResult {
	policy, ok := policies[role]
	if !ok {
		return AccessResult{Reason: fmt.Sprintf("unknown role %q", role)}
	}

	var set map[Status]bool
	switch access {
	case AccessView:
		set = policy.CanView
	case AccessEdit:
		set = policy.CanEdit
	default:
		return AccessResult{Reason: fmt.Sprintf("unknown access type %q", access)}
	}

	if !set[status] {
		return AccessResult{
			Reason: fmt.Sprintf("role %s cannot %s batches in status %s", role, access, status),
		}
	}
	return AccessResult{
		Allowed: true,
		Reason:  fmt.Sprintf("role %s may %s batches in status %s", role, access, status),
	}
}

// CanCreate reports whether role may open a new batch
func CanCreate(role Role) bool {
	return policies[role].CanCreate
}

var canonicalEventType = map[Role]EventType{
	RoleFarmer:    EventCollection,
	RoleProcessor: EventProcessing,
	RoleLab:       EventLaboratoryTesting,
	RoleRegulator: EventRegulatoryReview,
}

// EventTypeFor returns the event type role produces, if any
func EventTypeFor(role Role) (EventType, bool) {
	t, ok := canonicalEventType[role]
	return t, ok
}

// RoleFor returns the role that produces events of type t, if any
func RoleFor(t EventType) (Role, bool) {
	for role, et := range canonicalEventType {
		if et == t {
			return role, true
		}
	}
	return "", false
}

// HasAlreadyActed reports whether batch already holds an event of the type
// role produces. Roles without an event type never act.
func HasAlreadyActed(batch Batch, role Role) bool {
	t, ok := canonicalEventType[role]
	if !ok {
		return false
	}
	for _, e := range batch.Events {
		if e.Type == t {
			return true
		}
	}
	return false
}
