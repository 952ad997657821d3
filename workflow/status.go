package workflow

import "sort"

// DeriveStatus maps an event list to exactly one lifecycle status.
//
// Events are ordered by timestamp, newest first, and the first event with a
// known mapping decides the status. Events sharing a timestamp are ordered by
// position in the list, later appends first. Events without a timestamp sort
// as the oldest. An empty or unrecognised list yields StatusCollected.
func DeriveStatus(events []Event) Status {
	if len(events) == 0 {
		return StatusCollected
	}

	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ta, tb := events[order[a]].Timestamp, events[order[b]].Timestamp
		if ta.Equal(tb) {
			return order[a] > order[b]
		}
		return ta.After(tb)
	})

	for _, i := range order {
		if status, ok := statusForEvent(events[i]); ok {
			return status
		}
	}
	return StatusCollected
}

func statusForEvent(e Event) (Status, bool) {
	switch e.Type {
	case EventRegulatoryReview:
		switch decisionOf(e.Details) {
		case DecisionApproved:
			return StatusApproved, true
		case DecisionRejected:
			return StatusRejected, true
		}
		// a review without a recognised decision does not move the batch
		return "", false
	case EventLaboratoryTesting:
		return StatusTested, true
	case EventProcessing:
		return StatusProcessed, true
	case EventCollection:
		return StatusCollected, true
	}
	return "", false
}

func decisionOf(d Details) Decision {
	switch v := d.(type) {
	case RegulatoryDetails:
		return v.Decision
	case *RegulatoryDetails:
		if v != nil {
			return v.Decision
		}
	}
	return ""
}
