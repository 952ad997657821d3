package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// Mode names the backend a facade was configured with
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeCA     Mode = "ca"
	ModeLedger Mode = "ledger"
)

// ParseMode validates a configured ledger mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeMemory, ModeCA, ModeLedger:
		return m, nil
	}
	return "", &RepositoryError{Code: CodeInvalidArgument, Message: "Unknown ledger mode", Detail: s}
}

// FacadeConfig tunes the facade
type FacadeConfig struct {
	Mode Mode
	// Timeout bounds every call to the primary store.
	Timeout time.Duration
	// RetryInterval is the minimum time between recovery probes while
	// degraded.
	RetryInterval time.Duration
	// CredentialsVerified records whether the certificate authority accepted
	// this node at startup.
	CredentialsVerified bool
}

// FacadeStatus describes which store is answering and what it backs
type FacadeStatus struct {
	Mode                Mode       `json:"mode"`
	Backend             string     `json:"backend"`
	Degraded            bool       `json:"degraded"`
	Reason              string     `json:"reason,omitempty"`
	DegradedSince       *time.Time `json:"degraded_since,omitempty"`
	TransactionIDs      bool       `json:"transaction_ids"`
	CredentialsVerified bool       `json:"credentials_verified"`
	WriteCount          uint64     `json:"write_count"`
	FallbackWrites      uint64     `json:"fallback_writes"`
	PendingReplay       int        `json:"pending_replay"`
	ReplayConflicts     uint64     `json:"replay_conflicts"`
}

type pendingWrite struct {
	batchID string
	event   workflow.Event
}

// Facade is the single entry point to batch storage. It serializes
// read-validate-append per batch key, bounds primary calls with a timeout
// and serves from an in-memory store while the primary is unreachable.
// Writes taken while degraded are replayed to the primary, in order, once
// it answers again.
type Facade struct {
	primary  Store
	fallback *MemoryStore
	mirror   bool
	config   FacadeConfig
	logger   cmtlog.Logger
	locks    *keyLocks
	now      func() time.Time

	txCounter atomic.Uint64

	// beforeFallback runs between the decision to write to the fallback and
	// the write itself. Tests use it to interleave a recovery.
	beforeFallback func()

	// mu guards everything below
	mu              sync.Mutex
	degraded        bool
	reason          string
	degradedSince   time.Time
	lastProbe       time.Time
	replaying       bool
	pending         []pendingWrite
	fallbackWrites  uint64
	replayConflicts uint64
}

// NewFacade wires a primary store with its fallback. When primary is itself
// the fallback memory store, no mirroring takes place.
func NewFacade(primary Store, fallback *MemoryStore, config FacadeConfig, logger cmtlog.Logger) *Facade {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 10 * time.Second
	}
	if fallback == nil {
		fallback = NewMemoryStore(0)
	}
	mirror := true
	if m, ok := primary.(*MemoryStore); ok && m == fallback {
		mirror = false
	}
	return &Facade{
		primary:  primary,
		fallback: fallback,
		mirror:   mirror,
		config:   config,
		logger:   logger,
		locks:    newKeyLocks(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Warm loads every batch from the primary into the fallback store
func (f *Facade) Warm(ctx context.Context) error {
	batches, err := f.ScanAll(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("Fallback store warmed", "batches", len(batches), "backend", f.primary.Name())
	return nil
}

// Append stores event under batchID
func (f *Facade) Append(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	unlock := f.locks.lock(batchID)
	defer unlock()
	return f.appendLocked(ctx, batchID, event, false)
}

// Get returns the batch under batchID
func (f *Facade) Get(ctx context.Context, batchID string) (*workflow.Batch, error) {
	unlock := f.locks.lock(batchID)
	defer unlock()
	return f.getLocked(ctx, batchID)
}

// UpdateFunc receives the current batch, nil when it does not exist yet,
// and returns the event to append.
type UpdateFunc func(current *workflow.Batch) (*workflow.Event, error)

// Update runs read-validate-append for one key while holding its lock, so
// two exclusive submissions cannot both observe the same state. The batch
// returned includes the appended event.
func (f *Facade) Update(ctx context.Context, batchID string, fn UpdateFunc) (*models.Receipt, *workflow.Batch, error) {
	unlock := f.locks.lock(batchID)
	defer unlock()

	current, err := f.getLocked(ctx, batchID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	event, err := fn(current)
	if err != nil {
		return nil, nil, err
	}

	receipt, err := f.appendLocked(ctx, batchID, *event, current == nil)
	if err != nil {
		return nil, nil, err
	}

	updated := workflow.Batch{ID: batchID}
	if current != nil {
		updated = current.Clone()
	}
	updated.Events = append(updated.Events, *event)
	updated.LastUpdated = receipt.AcceptedAt
	updated.Refresh()
	return receipt, &updated, nil
}

// ScanAll returns every batch known to the active store
func (f *Facade) ScanAll(ctx context.Context) ([]workflow.Batch, error) {
	if f.usePrimary(ctx) {
		batches, err := f.callPrimaryScan(ctx)
		if err == nil {
			if f.mirror {
				if skipped := f.fallback.Merge(batches...); skipped > 0 {
					f.logger.Error("Fallback store is full, batches not mirrored", "skipped", skipped)
				}
			}
			return batches, nil
		}
		if !f.shouldDegrade(ctx, err) {
			return nil, err
		}
	}
	return f.fallback.ScanAll(ctx)
}

// Status reports the active mode
func (f *Facade) Status() FacadeStatus {
	f.mu.Lock()
	defer f.mu.Unlock()

	st := FacadeStatus{
		Mode:                f.config.Mode,
		Backend:             f.primary.Name(),
		Degraded:            f.degraded,
		Reason:              f.reason,
		TransactionIDs:      f.config.Mode == ModeLedger && !f.degraded,
		CredentialsVerified: f.config.CredentialsVerified,
		WriteCount:          f.txCounter.Load(),
		FallbackWrites:      f.fallbackWrites,
		PendingReplay:       len(f.pending),
		ReplayConflicts:     f.replayConflicts,
	}
	if f.degraded {
		st.Backend = f.fallback.Name()
		since := f.degradedSince
		st.DegradedSince = &since
	}
	return st
}

// Ping reports whether the primary store answers
func (f *Facade) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()
	return f.primary.Ping(pctx)
}

// Close releases the primary store
func (f *Facade) Close() error {
	return f.primary.Close()
}

func (f *Facade) getLocked(ctx context.Context, batchID string) (*workflow.Batch, error) {
	if f.usePrimary(ctx) {
		pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		batch, err := f.primary.Get(pctx, batchID)
		cancel()
		if err == nil {
			if f.mirror {
				if skipped := f.fallback.Load(*batch); skipped > 0 {
					f.logger.Error("Fallback store is full, batch not mirrored", "batch", batchID)
				}
			}
			batch.Refresh()
			return batch, nil
		}
		if !f.shouldDegrade(ctx, err) {
			if !errors.Is(err, ErrNotFound) {
				f.logger.Error("Primary read failed", "batch", batchID, "err", err)
			}
			return nil, err
		}
	}
	batch, err := f.fallback.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	batch.Refresh()
	return batch, nil
}

func (f *Facade) appendLocked(ctx context.Context, batchID string, event workflow.Event, creating bool) (*models.Receipt, error) {
	for {
		if f.usePrimary(ctx) {
			pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
			receipt, err := f.primary.Append(pctx, batchID, event)
			cancel()
			if err == nil {
				f.mirrorAppend(ctx, batchID, event, creating)
				receipt.Sequence = f.txCounter.Add(1)
				return receipt, nil
			}
			if !f.shouldDegrade(ctx, err) {
				return nil, err
			}
		}
		if f.beforeFallback != nil {
			f.beforeFallback()
		}
		receipt, err := f.appendFallback(ctx, batchID, event)
		if errors.Is(err, errRecovered) {
			continue
		}
		return receipt, err
	}
}

// mirrorAppend copies an accepted primary write into the fallback. A batch
// the fallback does not hold yet is loaded whole from the primary so the
// mirror never starts from the middle of a batch.
func (f *Facade) mirrorAppend(ctx context.Context, batchID string, event workflow.Event, creating bool) {
	if !f.mirror {
		return
	}
	if creating || f.fallback.Has(batchID) {
		if _, err := f.fallback.Append(ctx, batchID, event); err != nil {
			f.logger.Error("Fallback mirror write failed", "batch", batchID, "err", err)
		}
		return
	}
	pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	batch, err := f.primary.Get(pctx, batchID)
	cancel()
	if err != nil {
		f.logger.Error("Fallback mirror read failed", "batch", batchID, "err", err)
		return
	}
	if skipped := f.fallback.Load(*batch); skipped > 0 {
		f.logger.Error("Fallback store is full, batch not mirrored", "batch", batchID)
	}
}

// errRecovered tells appendLocked the primary came back between its routing
// decision and the fallback write.
var errRecovered = errors.New("primary recovered")

// appendFallback writes to the memory store and journals the write for
// replay. It holds mu throughout so a concurrent recovery cannot finish
// between the write and its journal entry, and it refuses the write when a
// recovery finished before mu was taken.
func (f *Facade) appendFallback(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.degraded {
		return nil, errRecovered
	}
	receipt, err := f.fallback.Append(ctx, batchID, event)
	if err != nil {
		f.logger.Error("Fallback store rejected write", "batch", batchID, "err", err)
		return nil, err
	}
	f.pending = append(f.pending, pendingWrite{batchID: batchID, event: event})
	f.fallbackWrites++
	receipt.Sequence = f.txCounter.Add(1)
	return receipt, nil
}

// usePrimary decides where the next call goes. While degraded it probes the
// primary at most once per retry interval and replays journaled writes
// when the probe succeeds.
func (f *Facade) usePrimary(ctx context.Context) bool {
	f.mu.Lock()
	if !f.degraded {
		f.mu.Unlock()
		return true
	}
	if f.replaying || f.now().Sub(f.lastProbe) < f.config.RetryInterval {
		f.mu.Unlock()
		return false
	}
	f.lastProbe = f.now()
	f.replaying = true
	f.mu.Unlock()

	recovered := f.recover(ctx)

	f.mu.Lock()
	f.replaying = false
	f.mu.Unlock()
	return recovered
}

func (f *Facade) recover(ctx context.Context) bool {
	if err := f.Ping(ctx); err != nil {
		f.logger.Debug("Primary still unavailable", "backend", f.primary.Name(), "err", err)
		return false
	}

	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.degraded = false
			f.reason = ""
			f.mu.Unlock()
			f.logger.Info("Primary backend recovered", "backend", f.primary.Name())
			return true
		}
		next := f.pending[0]
		f.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
		_, err := f.primary.Append(pctx, next.batchID, next.event)
		cancel()
		if err != nil && IsUnavailable(err) {
			f.logger.Error("Replay interrupted, staying on fallback", "batch", next.batchID, "err", err)
			return false
		}
		if err != nil {
			f.logger.Error("Primary refused replayed write", "batch", next.batchID, "event", next.event.ID, "err", err)
			if !f.reconcile(ctx, next.batchID) {
				return false
			}
			continue
		}

		f.mu.Lock()
		f.pending = f.pending[1:]
		f.mu.Unlock()
	}
}

// reconcile runs after the primary refused the journal head. The fallback
// copy of that batch is rebuilt from the primary plus the writes still
// waiting in the journal, and the refused write is dropped.
func (f *Facade) reconcile(ctx context.Context, batchID string) bool {
	pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	batch, err := f.primary.Get(pctx, batchID)
	cancel()
	if err != nil && !errors.Is(err, ErrNotFound) {
		f.logger.Error("Replay reconcile read failed, staying on fallback", "batch", batchID, "err", err)
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = f.pending[1:]
	f.replayConflicts++
	if batch != nil {
		f.fallback.Load(*batch)
	} else {
		f.fallback.Remove(batchID)
	}
	for _, p := range f.pending {
		if p.batchID != batchID {
			continue
		}
		if _, err := f.fallback.Append(ctx, p.batchID, p.event); err != nil {
			f.logger.Error("Fallback reconcile write failed", "batch", batchID, "event", p.event.ID, "err", err)
		}
	}
	return true
}

// shouldDegrade switches to the fallback store when err means the primary
// did not answer. Failures caused by the caller's own context do not count.
func (f *Facade) shouldDegrade(ctx context.Context, err error) bool {
	if !IsUnavailable(err) || ctx.Err() != nil || !f.mirror {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		f.degraded = true
		f.reason = err.Error()
		f.degradedSince = f.now()
		f.lastProbe = f.now()
		f.logger.Error("Primary backend unavailable, serving from fallback store",
			"backend", f.primary.Name(), "err", err)
	}
	return true
}

func (f *Facade) callPrimaryScan(ctx context.Context) ([]workflow.Batch, error) {
	pctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()
	return f.primary.ScanAll(pctx)
}
