package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// Batch is the relational row of one traceable batch. Status is a cache of
// the derived status written on every append.
type Batch struct {
	ID          string    `gorm:"column:batch_id;primaryKey;type:varchar(64)"`
	Status      string    `gorm:"column:status;type:varchar(20);not null"`
	EventCount  int       `gorm:"column:event_count;not null;default:0"`
	LastUpdated time.Time `gorm:"column:last_updated"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`

	// Relationships
	Events []Event `gorm:"foreignKey:BatchID"`
}

// Event is one appended custody event. Payload holds the full JSON encoding
// of the workflow event.
type Event struct {
	ID        string    `gorm:"column:event_id;primaryKey;type:varchar(64)"`
	BatchID   string    `gorm:"column:batch_id;type:varchar(64);not null;uniqueIndex:idx_batch_sequence"`
	Sequence  int       `gorm:"column:sequence;not null;uniqueIndex:idx_batch_sequence"`
	Type      string    `gorm:"column:event_type;type:varchar(40);not null"`
	Timestamp time.Time `gorm:"column:event_timestamp"`
	Payload   string    `gorm:"column:payload;type:jsonb;not null"`
}

// NewEventRow encodes e as the sequence-th event of batchID
func NewEventRow(batchID string, sequence int, e workflow.Event) (*Event, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return &Event{
		ID:        e.ID,
		BatchID:   batchID,
		Sequence:  sequence,
		Type:      string(e.Type),
		Timestamp: e.Timestamp,
		Payload:   string(payload),
	}, nil
}

// ToWorkflow decodes the row and its preloaded events. Events must be
// ordered by sequence.
func (b *Batch) ToWorkflow() (*workflow.Batch, error) {
	out := &workflow.Batch{
		ID:          b.ID,
		Events:      make([]workflow.Event, 0, len(b.Events)),
		LastUpdated: b.LastUpdated,
		Status:      workflow.Status(b.Status),
	}
	for _, row := range b.Events {
		var e workflow.Event
		if err := json.Unmarshal([]byte(row.Payload), &e); err != nil {
			return nil, fmt.Errorf("decode event %s of batch %s: %w", row.ID, b.ID, err)
		}
		out.Events = append(out.Events, e)
	}
	return out, nil
}
