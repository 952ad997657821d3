// Package notify tells portals that a batch entered their worklist.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
	"github.com/hibiken/asynq"
)

const (
	// BatchReadyTask is enqueued each time an accepted event moves a batch
	// into another portal's worklist.
	BatchReadyTask = "batch:ready"

	queuePrefix = "worklist-"
)

// ReadyPayload is serialized into the task payload
type ReadyPayload struct {
	BatchID string          `json:"batch_id"`
	EventID string          `json:"event_id"`
	Status  workflow.Status `json:"status"`
	Role    workflow.Role   `json:"role"`
	At      time.Time       `json:"at"`
}

// Notifier publishes worklist changes. Failures never undo an accepted
// event; callers log them.
type Notifier interface {
	BatchReady(ctx context.Context, payload ReadyPayload) error
}

// RecipientFor returns the portal that acts on or receives a batch in
// status. Approved batches go to consumers and rejected ones to management.
func RecipientFor(status workflow.Status) (workflow.Role, bool) {
	switch status {
	case workflow.StatusApproved:
		return workflow.RoleConsumer, true
	case workflow.StatusRejected:
		return workflow.RoleManagement, true
	}
	for _, role := range workflow.Roles {
		if next, ok := workflow.NextActionStatus(role); ok && next == status {
			return role, true
		}
	}
	return "", false
}

// QueueFor is the asynq queue carrying a portal's notifications
func QueueFor(role workflow.Role) string {
	return queuePrefix + string(role)
}

// Queues returns the worker queue table, one queue per portal
func Queues() map[string]int {
	queues := make(map[string]int, len(workflow.Roles))
	for _, role := range workflow.Roles {
		queues[QueueFor(role)] = 1
	}
	// regulators decide, so their queue drains first
	queues[QueueFor(workflow.RoleRegulator)] = 3
	return queues
}

// QueueNotifier enqueues notifications on redis through asynq
type QueueNotifier struct {
	client   *asynq.Client
	maxRetry int
}

// NewQueueNotifier constructs a notifier over an asynq client
func NewQueueNotifier(client *asynq.Client, maxRetry int) *QueueNotifier {
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &QueueNotifier{client: client, maxRetry: maxRetry}
}

// NewTask builds the task for payload
func NewTask(payload ReadyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(BatchReadyTask, data), nil
}

func (n *QueueNotifier) BatchReady(ctx context.Context, payload ReadyPayload) error {
	task, err := NewTask(payload)
	if err != nil {
		return err
	}
	if _, err := n.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(n.maxRetry),
		asynq.Queue(QueueFor(payload.Role)),
	); err != nil {
		return fmt.Errorf("enqueue batch ready task: %w", err)
	}
	return nil
}

// NopNotifier drops every notification
type NopNotifier struct{}

func (NopNotifier) BatchReady(context.Context, ReadyPayload) error { return nil }
