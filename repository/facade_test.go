package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/repository/models"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore wraps a memory store that can be switched off or made to hang
type flakyStore struct {
	*MemoryStore
	down   atomic.Bool
	hang   atomic.Bool
	refuse atomic.Bool
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore(0)}
}

func (s *flakyStore) Name() string { return "flaky" }

func (s *flakyStore) gate(ctx context.Context) error {
	if s.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.down.Load() {
		return &RepositoryError{Code: CodeUnavailable, Message: "backend down"}
	}
	return nil
}

func (s *flakyStore) Append(ctx context.Context, batchID string, event workflow.Event) (*models.Receipt, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	if s.refuse.Load() {
		return nil, &RepositoryError{Code: CodeLedgerRejected, Message: "refused"}
	}
	return s.MemoryStore.Append(ctx, batchID, event)
}

func (s *flakyStore) Get(ctx context.Context, batchID string) (*workflow.Batch, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	return s.MemoryStore.Get(ctx, batchID)
}

func (s *flakyStore) ScanAll(ctx context.Context) ([]workflow.Batch, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	return s.MemoryStore.ScanAll(ctx)
}

func (s *flakyStore) Ping(ctx context.Context) error { return s.gate(ctx) }

func newTestFacade(primary Store, retry time.Duration) (*Facade, *MemoryStore) {
	fallback := NewMemoryStore(0)
	f := NewFacade(primary, fallback, FacadeConfig{
		Mode:          ModeCA,
		Timeout:       50 * time.Millisecond,
		RetryInterval: retry,
	}, cmtlog.NewNopLogger())
	return f, fallback
}

func TestFacadeCounterIsMonotonic(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(0)
	f := NewFacade(mem, mem, FacadeConfig{Mode: ModeMemory}, cmtlog.NewNopLogger())

	var last uint64
	for i, e := range []workflow.Event{collectionEvent("e1"), processingEvent("e2"), labEvent("e3")} {
		receipt, err := f.Append(ctx, "B1", e)
		require.NoError(t, err)
		assert.Greater(t, receipt.Sequence, last, "append %d", i)
		last = receipt.Sequence
	}

	st := f.Status()
	assert.Equal(t, uint64(3), st.WriteCount)
	assert.Equal(t, ModeMemory, st.Mode)
	assert.False(t, st.TransactionIDs)
	assert.False(t, st.Degraded)
}

func TestFacadeFallsBackWhenPrimaryIsDown(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, _ := newTestFacade(primary, time.Hour)

	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	_, err = f.Get(ctx, "B1")
	require.NoError(t, err)

	primary.down.Store(true)
	receipt, err := f.Append(ctx, "B1", processingEvent("e2"))
	require.NoError(t, err)
	assert.Empty(t, receipt.TxHash)

	batch, err := f.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, batch.Status)

	st := f.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, "memory", st.Backend)
	assert.Equal(t, uint64(1), st.FallbackWrites)
	assert.Equal(t, 1, st.PendingReplay)
	assert.NotNil(t, st.DegradedSince)
	assert.NotEmpty(t, st.Reason)
}

func TestFacadeFallsBackOnTimeout(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, _ := newTestFacade(primary, time.Hour)

	primary.hang.Store(true)
	start := time.Now()
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, f.Status().Degraded)

	all, err := f.ScanAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFacadeCallerCancellationDoesNotDegrade(t *testing.T) {
	primary := newFlakyStore()
	primary.hang.Store(true)
	f, _ := newTestFacade(primary, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.Error(t, err)
	assert.False(t, f.Status().Degraded)
}

func TestFacadeReplaysAfterRecovery(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, _ := newTestFacade(primary, time.Millisecond)

	primary.down.Store(true)
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	_, err = f.Append(ctx, "B1", processingEvent("e2"))
	require.NoError(t, err)
	assert.False(t, primary.Has("B1"))

	primary.down.Store(false)
	time.Sleep(5 * time.Millisecond)

	batch, err := f.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)

	stored, err := primary.MemoryStore.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, stored.Events, 2)
	assert.Equal(t, "e1", stored.Events[0].ID)
	assert.Equal(t, "e2", stored.Events[1].ID)

	st := f.Status()
	assert.False(t, st.Degraded)
	assert.Zero(t, st.PendingReplay)
	assert.Equal(t, uint64(2), st.FallbackWrites)
}

func TestFacadeCountsReplayConflicts(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, _ := newTestFacade(primary, time.Millisecond)

	primary.down.Store(true)
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)

	primary.refuse.Store(true)
	primary.down.Store(false)
	time.Sleep(5 * time.Millisecond)

	_, err = f.ScanAll(ctx)
	require.NoError(t, err)
	st := f.Status()
	assert.False(t, st.Degraded)
	assert.Equal(t, uint64(1), st.ReplayConflicts)
}

func TestFacadeReloadsBatchAfterRefusedReplay(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Millisecond)

	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)

	primary.down.Store(true)
	_, err = f.Append(ctx, "B1", processingEvent("e2"))
	require.NoError(t, err)
	_, err = f.Append(ctx, "B1", labEvent("e3"))
	require.NoError(t, err)
	assert.Equal(t, 3, fallback.EventCount())

	primary.refuse.Store(true)
	primary.down.Store(false)
	time.Sleep(5 * time.Millisecond)

	_, err = f.ScanAll(ctx)
	require.NoError(t, err)
	st := f.Status()
	assert.False(t, st.Degraded)
	assert.Zero(t, st.PendingReplay)
	assert.Equal(t, uint64(2), st.ReplayConflicts)

	mirrored, err := fallback.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, mirrored.Events, 1, "refused writes leave the fallback")
	assert.Equal(t, "e1", mirrored.Events[0].ID)
	assert.Equal(t, workflow.StatusCollected, mirrored.Status)
}

func TestFacadeDropsRefusedBatchFromFallback(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Millisecond)

	primary.down.Store(true)
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)

	primary.refuse.Store(true)
	primary.down.Store(false)
	time.Sleep(5 * time.Millisecond)

	_, err = f.ScanAll(ctx)
	require.NoError(t, err)
	assert.False(t, fallback.Has("B1"))
	assert.Zero(t, fallback.EventCount())
}

func TestFacadeGetReplacesDivergedFallbackCopy(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Hour)

	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	_, err = primary.MemoryStore.Append(ctx, "B1", processingEvent("remote"))
	require.NoError(t, err)
	_, err = fallback.Append(ctx, "B1", processingEvent("local"))
	require.NoError(t, err)

	batch, err := f.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, "remote", batch.Events[1].ID)

	mirrored, err := fallback.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, mirrored.Events, 2)
	assert.Equal(t, "remote", mirrored.Events[1].ID)
}

func TestFacadeAppendMirrorsWholeBatch(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Hour)

	_, err := primary.MemoryStore.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	require.False(t, fallback.Has("B1"))

	_, err = f.Append(ctx, "B1", processingEvent("e2"))
	require.NoError(t, err)

	mirrored, err := fallback.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, mirrored.Events, 2, "mirror starts from the collection")
	assert.Equal(t, "e1", mirrored.Events[0].ID)

	primary.down.Store(true)
	batch, err := f.Get(ctx, "B1")
	require.NoError(t, err)
	assert.True(t, f.Status().Degraded)
	assert.Equal(t, workflow.StatusProcessed, batch.Status)
}

func TestFacadeRetriesPrimaryWhenRecoveryWinsRace(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Hour)

	primary.down.Store(true)
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	require.True(t, f.Status().Degraded)

	var hooked atomic.Int32
	f.beforeFallback = func() {
		if hooked.Add(1) > 1 {
			return
		}
		primary.down.Store(false)
		f.mu.Lock()
		f.lastProbe = time.Time{}
		f.mu.Unlock()
		require.True(t, f.usePrimary(ctx), "recovery completes inside the window")
	}

	_, err = f.Append(ctx, "B1", processingEvent("e2"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hooked.Load())

	st := f.Status()
	assert.False(t, st.Degraded)
	assert.Zero(t, st.PendingReplay, "no write is stranded in the journal")
	assert.Equal(t, uint64(1), st.FallbackWrites)

	stored, err := primary.MemoryStore.Get(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, stored.Events, 2)
	assert.Equal(t, "e2", stored.Events[1].ID)
	assert.Equal(t, 2, fallback.EventCount())
}

func TestFacadeDoesNotDegradeOnRefusal(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	primary.refuse.Store(true)
	f, _ := newTestFacade(primary, time.Hour)

	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	assert.True(t, errors.Is(err, ErrLedgerRejected))
	assert.False(t, f.Status().Degraded)
}

func TestFacadeFallbackExhaustionFailsRequest(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f := NewFacade(primary, NewMemoryStore(1), FacadeConfig{Mode: ModeCA, Timeout: 20 * time.Millisecond, RetryInterval: time.Hour}, cmtlog.NewNopLogger())

	primary.down.Store(true)
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)
	_, err = f.Append(ctx, "B2", collectionEvent("e2"))
	assert.True(t, errors.Is(err, ErrExhausted))
}

func TestFacadeUpdateSerializesPerKey(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(0)
	f := NewFacade(mem, mem, FacadeConfig{Mode: ModeMemory}, cmtlog.NewNopLogger())
	_, err := f.Append(ctx, "B1", collectionEvent("e1"))
	require.NoError(t, err)

	var accepted, refused atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _, err := f.Update(ctx, "B1", func(current *workflow.Batch) (*workflow.Event, error) {
				if _, rejection := workflow.ValidateSubmission(*current, workflow.RoleProcessor, workflow.ProcessingDetails{}); rejection != nil {
					return nil, rejection
				}
				e := processingEvent("p" + string(rune('a'+i)))
				return &e, nil
			})
			if err != nil {
				refused.Add(1)
				return
			}
			accepted.Add(1)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(1), refused.Load())
	batch, err := f.Get(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)
}

func TestFacadeUpdateCreatesBatch(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyStore()
	f, fallback := newTestFacade(primary, time.Hour)

	receipt, batch, err := f.Update(ctx, "B1", func(current *workflow.Batch) (*workflow.Event, error) {
		assert.Nil(t, current)
		e := collectionEvent("e1")
		return &e, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "B1", receipt.BatchID)
	assert.Equal(t, workflow.StatusCollected, batch.Status)
	assert.True(t, fallback.Has("B1"), "new batches are mirrored")
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"memory", "ca", "ledger"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("fabric")
	assert.Error(t, err)
}
