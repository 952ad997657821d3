package workflow

import (
	"fmt"
	"time"
)

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func ev(t EventType, ts time.Time, d Details) Event {
	return Event{
		ID:        fmt.Sprintf("%s-%d", t, ts.UnixNano()),
		Type:      t,
		Timestamp: ts,
		Details:   d,
	}
}

func collection(ts time.Time) Event {
	return ev(EventCollection, ts, CollectionDetails{Species: "Withania somnifera", QuantityKg: 40})
}

func processing(ts time.Time) Event {
	return ev(EventProcessing, ts, ProcessingDetails{Method: "shade drying"})
}

func labTest(ts time.Time) Event {
	return ev(EventLaboratoryTesting, ts, LabTestDetails{Passed: true, MoisturePercent: 8.5})
}

func review(ts time.Time, d Decision) Event {
	return ev(EventRegulatoryReview, ts, RegulatoryDetails{Decision: d})
}

func batchWith(id string, events ...Event) Batch {
	b := Batch{ID: id, Events: events}
	b.Refresh()
	return b
}
