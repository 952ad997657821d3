package portal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/herbtrace/notify"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.ReadyPayload
	fail bool
}

func (n *recordingNotifier) BatchReady(_ context.Context, p notify.ReadyPayload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("redis: connection refused")
	}
	n.sent = append(n.sent, p)
	return nil
}

func (n *recordingNotifier) roles() []workflow.Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]workflow.Role, 0, len(n.sent))
	for _, p := range n.sent {
		out = append(out, p.Role)
	}
	return out
}

var (
	farmer    = Identity{UserID: "u-farmer", Role: workflow.RoleFarmer}
	processor = Identity{UserID: "u-processor", Role: workflow.RoleProcessor}
	lab       = Identity{UserID: "u-lab", Role: workflow.RoleLab}
	regulator = Identity{UserID: "u-regulator", Role: workflow.RoleRegulator}
	consumer  = Identity{UserID: "u-consumer", Role: workflow.RoleConsumer}
	manager   = Identity{UserID: "u-manager", Role: workflow.RoleManagement}
)

type fixture struct {
	svc      *Service
	notifier *recordingNotifier
	metrics  *Metrics
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := repository.NewMemoryStore(0)
	facade := repository.NewFacade(mem, mem, repository.FacadeConfig{Mode: repository.ModeMemory}, cmtlog.NewNopLogger())
	f := &fixture{
		notifier: &recordingNotifier{},
		metrics:  NewMetrics(prometheus.NewRegistry(), facade),
		clock:    time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(facade, f.notifier, f.metrics, cmtlog.NewNopLogger())
	f.svc.now = func() time.Time {
		f.clock = f.clock.Add(time.Minute)
		return f.clock
	}
	return f
}

func (f *fixture) create(t *testing.T) string {
	t.Helper()
	sub, err := f.svc.CreateBatch(context.Background(), farmer, EventInput{
		Details: workflow.CollectionDetails{Species: "Withania somnifera", QuantityKg: 40},
	})
	require.NoError(t, err)
	return sub.Batch.ID
}

func rejectionOf(t *testing.T, err error) *workflow.Rejection {
	t.Helper()
	var rejection *workflow.Rejection
	require.True(t, errors.As(err, &rejection), "expected rejection, got %v", err)
	return rejection
}

func TestEndToEndApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	sub, err := f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{Method: "shade drying"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, sub.NextStatus)

	sub, err = f.svc.Submit(ctx, lab, id, EventInput{Details: workflow.LabTestDetails{Passed: true}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusTested, sub.NextStatus)

	sub, err = f.svc.Submit(ctx, regulator, id, EventInput{Details: workflow.RegulatoryDetails{Decision: workflow.DecisionApproved}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, sub.NextStatus)
	assert.Equal(t, workflow.StatusApproved, sub.Batch.Status)
	assert.Len(t, sub.Batch.Events, 4)

	for _, who := range []Identity{farmer, processor, lab, regulator, consumer, manager} {
		_, err := f.svc.Submit(ctx, who, id, EventInput{Details: workflow.ProcessingDetails{}})
		rejection := rejectionOf(t, err)
		assert.Equal(t, workflow.RejectNoTransition, rejection.Kind, who.Role)
		assert.Equal(t, workflow.StatusApproved, rejection.CurrentStatus)
	}

	assert.Equal(t, []workflow.Role{
		workflow.RoleProcessor, workflow.RoleLab, workflow.RoleRegulator, workflow.RoleConsumer,
	}, f.notifier.roles())

	batch, err := f.svc.Batch(ctx, consumer, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, batch.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Submissions.WithLabelValues("processor", "accepted")))
}

func TestRejectedBatchNotifiesManagement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, lab, id, EventInput{Details: workflow.LabTestDetails{Passed: false}})
	require.NoError(t, err)
	sub, err := f.svc.Submit(ctx, regulator, id, EventInput{Details: workflow.RegulatoryDetails{Decision: workflow.DecisionRejected}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, sub.NextStatus)

	roles := f.notifier.roles()
	assert.Equal(t, workflow.RoleManagement, roles[len(roles)-1])

	_, err = f.svc.Batch(ctx, consumer, id)
	assert.Equal(t, workflow.RejectAccessDenied, rejectionOf(t, err).Kind)
}

func TestSecondProcessorSubmissionIsAlreadyActed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	_, err := f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{}})
	rejection := rejectionOf(t, err)
	assert.Equal(t, workflow.RejectAlreadyActed, rejection.Kind)
	assert.Equal(t, "already processed by this role", rejection.Reason)
	assert.Equal(t, workflow.StatusProcessed, rejection.CurrentStatus)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Submissions.WithLabelValues("processor", "AlreadyActed")))
}

func TestConcurrentExclusiveSubmissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	var accepted, alreadyActed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{Method: "milling"}})
			if err == nil {
				accepted.Add(1)
				return
			}
			var rejection *workflow.Rejection
			if errors.As(err, &rejection) && rejection.Kind == workflow.RejectAlreadyActed {
				alreadyActed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(7), alreadyActed.Load())

	batch, err := f.svc.Batch(ctx, manager, id)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 2)
}

func TestCreateBatchPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateBatch(ctx, processor, EventInput{Details: workflow.CollectionDetails{}})
	assert.Equal(t, workflow.RejectAccessDenied, rejectionOf(t, err).Kind)

	_, err = f.svc.CreateBatch(ctx, farmer, EventInput{Details: workflow.ProcessingDetails{}})
	assert.Equal(t, workflow.RejectNoTransition, rejectionOf(t, err).Kind)

	sub, err := f.svc.CreateBatch(ctx, farmer, EventInput{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCollected, sub.NextStatus)
	assert.NotEmpty(t, sub.Batch.QRCode())
	ev := sub.Batch.Events[0]
	assert.Equal(t, workflow.EventCollection, ev.Type)
	assert.Equal(t, "u-farmer", ev.Performer.ID)
	assert.Equal(t, workflow.RoleFarmer, ev.Performer.Role)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubmitUnknownBatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), processor, "missing", EventInput{Details: workflow.ProcessingDetails{}})
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestSubmitWrongPayloadType(t *testing.T) {
	f := newFixture(t)
	id := f.create(t)
	_, err := f.svc.Submit(context.Background(), processor, id, EventInput{Details: workflow.LabTestDetails{}})
	assert.Equal(t, workflow.RejectNoTransition, rejectionOf(t, err).Kind)
}

func TestNotificationFailureKeepsEvent(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true
	id := f.create(t)

	sub, err := f.svc.Submit(context.Background(), processor, id, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)
	assert.True(t, sub.Accepted)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Notifications.WithLabelValues("failed")))
}

func TestWorklist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	collected := f.create(t)
	processed := f.create(t)
	tested := f.create(t)

	_, err := f.svc.Submit(ctx, processor, processed, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, processor, tested, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, lab, tested, EventInput{Details: workflow.LabTestDetails{Passed: true}})
	require.NoError(t, err)

	ids := func(batches []workflow.Batch) []string {
		out := make([]string, 0, len(batches))
		for _, b := range batches {
			out = append(out, b.ID)
		}
		return out
	}

	labView, err := f.svc.Worklist(ctx, "lab", "view")
	require.NoError(t, err)
	assert.Equal(t, []string{processed}, ids(labView))

	procView, err := f.svc.Worklist(ctx, "processor", "view")
	require.NoError(t, err)
	assert.Equal(t, []string{collected}, ids(procView))

	regEdit, err := f.svc.Worklist(ctx, "regulator", "edit")
	require.NoError(t, err)
	assert.Equal(t, []string{tested}, ids(regEdit))

	mgmt, err := f.svc.Worklist(ctx, "management", "view")
	require.NoError(t, err)
	assert.Len(t, mgmt, 3)

	_, err = f.svc.Worklist(ctx, "auditor", "view")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	_, err = f.svc.Worklist(ctx, "lab", "delete")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestAccessCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	_, err := f.svc.Submit(ctx, processor, id, EventInput{Details: workflow.ProcessingDetails{}})
	require.NoError(t, err)

	report, err := f.svc.AccessCheck(ctx, "processor", id, "edit")
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	assert.True(t, report.HasAlreadyActed)
	assert.Equal(t, workflow.StatusProcessed, report.DerivedStatus)
	assert.Equal(t, "role processor cannot edit batches in status processed", report.Reason)

	report, err = f.svc.AccessCheck(ctx, "lab", id, "edit")
	require.NoError(t, err)
	assert.True(t, report.Allowed)
	assert.False(t, report.HasAlreadyActed)

	_, err = f.svc.AccessCheck(ctx, "lab", "missing", "view")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestTraceIsChronological(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)

	late := f.clock.Add(time.Hour)
	_, err := f.svc.Submit(ctx, processor, id, EventInput{Timestamp: late, Details: workflow.ProcessingDetails{Method: "washing"}})
	require.NoError(t, err)

	trace, err := f.svc.Trace(ctx, manager, id)
	require.NoError(t, err)
	require.Len(t, trace.Stages, 2)
	assert.Equal(t, workflow.RoleFarmer, trace.Stages[0].Role)
	assert.Equal(t, "Collected 40.0 kg Withania somnifera", trace.Stages[0].Summary)
	assert.Equal(t, workflow.EventProcessing, trace.Stages[1].Type)
	assert.Equal(t, "Processed by washing", trace.Stages[1].Summary)
	assert.True(t, trace.Stages[1].Timestamp.Equal(late))
	assert.Equal(t, id, trace.QRCode)

	_, err = f.svc.Trace(ctx, consumer, id)
	assert.Equal(t, workflow.RejectAccessDenied, rejectionOf(t, err).Kind)
}

func TestBackdatedSubmissionStillAdvancesBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t)
	created, err := f.svc.Batch(ctx, manager, id)
	require.NoError(t, err)
	collectedAt := created.Events[0].Timestamp

	skewed := collectedAt.Add(-5 * time.Minute)
	sub, err := f.svc.Submit(ctx, processor, id, EventInput{Timestamp: skewed, Details: workflow.ProcessingDetails{Method: "sun drying"}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, sub.NextStatus)
	assert.Equal(t, workflow.StatusProcessed, sub.Batch.Status)
	assert.True(t, sub.Batch.Events[1].Timestamp.Equal(collectedAt), "timestamp is raised to the newest event")

	stored, err := f.svc.Batch(ctx, manager, id)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusProcessed, stored.Status)

	labView, err := f.svc.Worklist(ctx, "lab", "view")
	require.NoError(t, err)
	require.Len(t, labView, 1)
	assert.Equal(t, id, labView[0].ID)

	sub, err = f.svc.Submit(ctx, lab, id, EventInput{Timestamp: skewed, Details: workflow.LabTestDetails{Passed: true}})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusTested, sub.Batch.Status)
}

func TestLedgerStatus(t *testing.T) {
	f := newFixture(t)
	f.create(t)
	st := f.svc.LedgerStatus()
	assert.Equal(t, repository.ModeMemory, st.Mode)
	assert.Equal(t, uint64(1), st.WriteCount)
	assert.False(t, st.TransactionIDs)
}
