package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/hibiken/asynq"
)

// Processor is plugged into the asynq worker loop. It keeps the latest
// notifications per portal in a bounded inbox.
type Processor struct {
	logger cmtlog.Logger
	limit  int

	mu    sync.Mutex
	inbox map[workflow.Role][]ReadyPayload
}

// NewProcessor constructs a worker processor
func NewProcessor(logger cmtlog.Logger, limit int) *Processor {
	if limit <= 0 {
		limit = 100
	}
	return &Processor{
		logger: logger,
		limit:  limit,
		inbox:  make(map[workflow.Role][]ReadyPayload),
	}
}

// Handler registers the batch ready handler
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(BatchReadyTask, p.handleReady)
	return mux
}

func (p *Processor) handleReady(_ context.Context, task *asynq.Task) error {
	var payload ReadyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
	}
	if _, ok := workflow.ParseRole(string(payload.Role)); !ok {
		return fmt.Errorf("unknown role %q: %w", payload.Role, asynq.SkipRetry)
	}

	p.mu.Lock()
	items := append(p.inbox[payload.Role], payload)
	if len(items) > p.limit {
		items = items[len(items)-p.limit:]
	}
	p.inbox[payload.Role] = items
	p.mu.Unlock()

	p.logger.Info("Batch ready", "portal", payload.Role, "batch", payload.BatchID, "status", payload.Status)
	return nil
}

// Inbox returns the notifications held for role, oldest first
func (p *Processor) Inbox(role workflow.Role) []ReadyPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ReadyPayload(nil), p.inbox[role]...)
}
