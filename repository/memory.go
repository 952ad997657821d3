package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
)

// MemoryStore keeps batches in a map guarded by one RWMutex. ScanAll
// returns batches in creation order.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*models.BatchRecord
	order    []string
	events   int
	capacity int
	now      func() time.Time
}

// NewMemoryStore constructs a MemoryStore. capacity bounds the total number
// of stored events; zero means unbounded.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*models.BatchRecord),
		capacity: capacity,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// Append adds event to the batch, creating it when needed
func (m *MemoryStore) Append(_ context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	if err := validateAppend(batchID, event); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capacity > 0 && m.events >= m.capacity {
		return nil, &RepositoryError{
			Code:    CodeExhausted,
			Message: "Storage capacity exhausted",
			Detail:  fmt.Sprintf("memory store holds %d events", m.events),
		}
	}

	rec, ok := m.records[batchID]
	if !ok {
		rec = &models.BatchRecord{ID: batchID}
		m.records[batchID] = rec
		m.order = append(m.order, batchID)
	}
	acceptedAt := m.now()
	rec.Append(event, acceptedAt)
	m.events++

	return &models.Receipt{
		BatchID:    batchID,
		EventID:    event.ID,
		AcceptedAt: acceptedAt,
	}, nil
}

// Get returns a copy of the batch
func (m *MemoryStore) Get(_ context.Context, batchID string) (*workflow.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[batchID]
	if !ok {
		return nil, notFound(batchID)
	}
	return rec.ToWorkflow(), nil
}

// ScanAll returns copies of every batch
func (m *MemoryStore) ScanAll(context.Context) ([]workflow.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]workflow.Batch, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id].ToWorkflow())
	}
	return out, nil
}

// Has reports whether batchID is stored
func (m *MemoryStore) Has(batchID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[batchID]
	return ok
}

// Load replaces stored copies with batches read from an authoritative store
// whenever the event-ID sequences differ. Batches that do not fit in the
// remaining capacity are skipped and counted.
func (m *MemoryStore) Load(batches ...workflow.Batch) (skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range batches {
		if !m.loadLocked(b, false) {
			skipped++
		}
	}
	return skipped
}

// Merge is Load for snapshots that may race with mirrored appends: a stored
// copy that already extends the incoming batch is kept.
func (m *MemoryStore) Merge(batches ...workflow.Batch) (skipped int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range batches {
		if !m.loadLocked(b, true) {
			skipped++
		}
	}
	return skipped
}

// Remove drops a batch and its events
func (m *MemoryStore) Remove(batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[batchID]
	if !ok {
		return
	}
	m.events -= len(rec.Events)
	delete(m.records, batchID)
	for i, id := range m.order {
		if id == batchID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// loadLocked reports false only when b does not fit
func (m *MemoryStore) loadLocked(b workflow.Batch, keepExtension bool) bool {
	existing, ok := m.records[b.ID]
	held := 0
	if ok {
		held = len(existing.Events)
		if sameEventIDs(existing.Events, b.Events) {
			return true
		}
		if keepExtension && held > len(b.Events) && sameEventIDs(existing.Events[:len(b.Events)], b.Events) {
			return true
		}
	}
	grow := len(b.Events) - held
	if grow > 0 && m.capacity > 0 && m.events+grow > m.capacity {
		return false
	}
	m.records[b.ID] = &models.BatchRecord{
		ID:          b.ID,
		Events:      append([]workflow.Event(nil), b.Events...),
		Status:      workflow.DeriveStatus(b.Events),
		LastUpdated: b.LastUpdated,
	}
	if !ok {
		m.order = append(m.order, b.ID)
	}
	m.events += grow
	return true
}

func sameEventIDs(a, b []workflow.Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

// EventCount returns the number of stored events
func (m *MemoryStore) EventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events
}
