package workflow

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   Status
	}{
		{"empty", nil, StatusCollected},
		{"collection only", []Event{collection(at(0))}, StatusCollected},
		{"processed", []Event{collection(at(0)), processing(at(5))}, StatusProcessed},
		{"tested", []Event{collection(at(0)), processing(at(5)), labTest(at(10))}, StatusTested},
		{"approved", []Event{collection(at(0)), processing(at(5)), labTest(at(10)), review(at(15), DecisionApproved)}, StatusApproved},
		{"rejected", []Event{collection(at(0)), processing(at(5)), labTest(at(10)), review(at(15), DecisionRejected)}, StatusRejected},
		{
			"unordered input uses timestamps",
			[]Event{labTest(at(10)), collection(at(0)), processing(at(5))},
			StatusTested,
		},
		{
			"review without decision is skipped",
			[]Event{collection(at(0)), processing(at(5)), labTest(at(10)), review(at(15), "")},
			StatusTested,
		},
		{
			"unknown types only",
			[]Event{ev("Shipment", at(1), UnknownDetails{Type: "Shipment"})},
			StatusCollected,
		},
		{
			"unknown type newest is skipped",
			[]Event{collection(at(0)), processing(at(5)), ev("Shipment", at(9), UnknownDetails{Type: "Shipment"})},
			StatusProcessed,
		},
		{
			"missing timestamps sort oldest",
			[]Event{collection(at(0)), ev(EventLaboratoryTesting, time.Time{}, LabTestDetails{}), processing(at(5))},
			StatusProcessed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.events))
		})
	}
}

func TestDeriveStatusTieBreaksOnAppendOrder(t *testing.T) {
	same := at(30)
	events := []Event{collection(at(0)), processing(same), labTest(same)}
	assert.Equal(t, StatusTested, DeriveStatus(events))

	events = []Event{collection(at(0)), labTest(same), processing(same)}
	assert.Equal(t, StatusProcessed, DeriveStatus(events))
}

func TestDeriveStatusDoesNotReorderInput(t *testing.T) {
	events := []Event{labTest(at(10)), collection(at(0))}
	DeriveStatus(events)
	assert.Equal(t, EventLaboratoryTesting, events[0].Type)
	assert.Equal(t, EventCollection, events[1].Type)
}

func TestDeriveStatusIsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	types := []EventType{EventCollection, EventProcessing, EventLaboratoryTesting, EventRegulatoryReview, "Unknown", ""}
	decisions := []Decision{DecisionApproved, DecisionRejected, "", "maybe"}
	valid := map[Status]bool{}
	for _, s := range Statuses {
		valid[s] = true
	}

	for i := 0; i < 500; i++ {
		n := rng.Intn(8)
		events := make([]Event, n)
		for j := range events {
			typ := types[rng.Intn(len(types))]
			var ts time.Time
			if rng.Intn(4) > 0 {
				ts = at(rng.Intn(20))
			}
			var d Details
			switch typ {
			case EventRegulatoryReview:
				d = RegulatoryDetails{Decision: decisions[rng.Intn(len(decisions))]}
			case EventCollection, EventProcessing, EventLaboratoryTesting:
				d, _ = DecodeDetails(typ, nil)
			default:
				if rng.Intn(2) == 0 {
					d = UnknownDetails{Type: typ}
				}
			}
			events[j] = Event{Type: typ, Timestamp: ts, Details: d}
		}
		require.NotPanics(t, func() {
			got := DeriveStatus(events)
			require.True(t, valid[got], "unexpected status %q", got)
		})
	}
}

func TestStatusRankIsMonotonicAlongLifecycle(t *testing.T) {
	for _, decision := range []Decision{DecisionApproved, DecisionRejected} {
		trail := []Event{collection(at(0)), processing(at(5)), labTest(at(10)), review(at(15), decision)}
		last := -1
		for i := 1; i <= len(trail); i++ {
			rank := StatusRank(DeriveStatus(trail[:i]))
			assert.GreaterOrEqual(t, rank, last)
			last = rank
		}
		assert.Equal(t, 3, last)
	}
}
