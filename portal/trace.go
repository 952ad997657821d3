package portal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// Stage is one step of a batch's provenance trail
type Stage struct {
	EventID   string             `json:"event_id"`
	Type      workflow.EventType `json:"type"`
	Role      workflow.Role      `json:"role,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Performer workflow.Performer `json:"performer"`
	Location  workflow.Location  `json:"location"`
	Summary   string             `json:"summary"`
}

// Trace is the consumer facing provenance view of a batch
type Trace struct {
	BatchID     string          `json:"batch_id"`
	QRCode      string          `json:"qr_code"`
	Status      workflow.Status `json:"status"`
	LastUpdated time.Time       `json:"last_updated"`
	Stages      []Stage         `json:"stages"`
}

// Trace returns the batch's events oldest first. Events sharing a
// timestamp keep their append order.
func (s *Service) Trace(ctx context.Context, who Identity, batchID string) (*Trace, error) {
	batch, err := s.Batch(ctx, who, batchID)
	if err != nil {
		return nil, err
	}

	stages := make([]Stage, 0, len(batch.Events))
	for _, e := range batch.Events {
		role, _ := workflow.RoleFor(e.Type)
		stages = append(stages, Stage{
			EventID:   e.ID,
			Type:      e.Type,
			Role:      role,
			Timestamp: e.Timestamp,
			Performer: e.Performer,
			Location:  e.Location,
			Summary:   summarize(e.Details),
		})
	}
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Timestamp.Before(stages[j].Timestamp)
	})

	return &Trace{
		BatchID:     batch.ID,
		QRCode:      batch.QRCode(),
		Status:      batch.Status,
		LastUpdated: batch.LastUpdated,
		Stages:      stages,
	}, nil
}

func summarize(d workflow.Details) string {
	switch v := d.(type) {
	case workflow.CollectionDetails:
		name := v.Species
		if v.CommonName != "" {
			name = fmt.Sprintf("%s (%s)", v.CommonName, v.Species)
		}
		return strings.TrimSpace(fmt.Sprintf("Collected %.1f kg %s", v.QuantityKg, name))
	case workflow.ProcessingDetails:
		if v.Method == "" {
			return "Processed"
		}
		return "Processed by " + v.Method
	case workflow.LabTestDetails:
		if v.Passed {
			return "Laboratory tests passed"
		}
		return "Laboratory tests failed"
	case workflow.RegulatoryDetails:
		return fmt.Sprintf("Regulatory review: %s", v.Decision)
	case nil:
		return ""
	}
	return string(d.EventType())
}
