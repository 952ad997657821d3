package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// BatchKeyPrefix prefixes every batch record key in key-value stores
const BatchKeyPrefix = "batch:"

// BatchKey returns the key-value key of a batch record
func BatchKey(id string) []byte {
	return []byte(BatchKeyPrefix + id)
}

// BatchRecord is the persisted layout of a batch in key-value stores: the
// ordered event list plus cached status and last update time.
type BatchRecord struct {
	ID          string           `json:"id"`
	Events      []workflow.Event `json:"events"`
	Status      workflow.Status  `json:"status"`
	LastUpdated time.Time        `json:"last_updated"`
}

// Append adds e and refreshes the cached fields
func (r *BatchRecord) Append(e workflow.Event, acceptedAt time.Time) {
	r.Events = append(r.Events, e)
	r.Status = workflow.DeriveStatus(r.Events)
	r.LastUpdated = acceptedAt
}

// ToWorkflow returns the record as a workflow batch
func (r *BatchRecord) ToWorkflow() *workflow.Batch {
	return &workflow.Batch{
		ID:          r.ID,
		Events:      append([]workflow.Event(nil), r.Events...),
		LastUpdated: r.LastUpdated,
		Status:      r.Status,
	}
}

// EncodeRecord serializes a record for storage
func EncodeRecord(r *BatchRecord) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", r.ID, err)
	}
	return b, nil
}

// DecodeRecord parses a stored record
func DecodeRecord(data []byte) (*BatchRecord, error) {
	var r BatchRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, fmt.Errorf("record has no batch id")
	}
	return &r, nil
}
