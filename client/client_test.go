package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ahmadzakiakmal/herbtrace/portal"
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/ahmadzakiakmal/herbtrace/server"
	service_registry "github.com/ahmadzakiakmal/herbtrace/srvreg"
	"github.com/ahmadzakiakmal/herbtrace/workflow"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T) *httptest.Server {
	t.Helper()
	logger := cmtlog.NewNopLogger()
	mem := repository.NewMemoryStore(0)
	facade := repository.NewFacade(mem, mem, repository.FacadeConfig{Mode: repository.ModeMemory}, logger)
	reg := prometheus.NewRegistry()
	svc := portal.NewService(facade, nil, portal.NewMetrics(reg, facade), logger)
	sr := service_registry.NewServiceRegistry(svc, logger)
	sr.RegisterDefaultServices()
	ts := httptest.NewServer(server.NewWebServer("0", logger, sr, svc, server.Options{Gatherer: reg}).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestClientLifecycle(t *testing.T) {
	ts := newNode(t)
	ctx := context.Background()
	farmer := NewHTTPClient(ts.URL, portal.Identity{UserID: "u-1", Role: workflow.RoleFarmer})

	created, err := farmer.CreateBatch(ctx, Event{
		Details: workflow.CollectionDetails{Species: "Curcuma longa", QuantityKg: 25},
	})
	require.NoError(t, err)
	require.True(t, created.Accepted)
	batchID := created.Batch.ID

	steps := []struct {
		role    workflow.Role
		details interface{}
		want    workflow.Status
	}{
		{workflow.RoleProcessor, workflow.ProcessingDetails{Method: "boiling"}, workflow.StatusProcessed},
		{workflow.RoleLab, workflow.LabTestDetails{Passed: true}, workflow.StatusTested},
		{workflow.RoleRegulator, workflow.RegulatoryDetails{Decision: workflow.DecisionApproved}, workflow.StatusApproved},
	}
	for _, step := range steps {
		sub, err := farmer.As(portal.Identity{UserID: "u-" + string(step.role), Role: step.role}).
			Submit(ctx, batchID, Event{Details: step.details})
		require.NoError(t, err, step.role)
		assert.Equal(t, step.want, sub.NextStatus)
	}

	consumer := farmer.As(portal.Identity{UserID: "u-c", Role: workflow.RoleConsumer})
	trace, err := consumer.Trace(ctx, batchID)
	require.NoError(t, err)
	assert.Len(t, trace.Stages, 4)
	assert.Equal(t, workflow.StatusApproved, trace.Status)

	list, err := consumer.Worklist(ctx, workflow.RoleConsumer, workflow.AccessView)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	report, err := consumer.AccessCheck(ctx, workflow.RoleLab, batchID, workflow.AccessEdit)
	require.NoError(t, err)
	assert.False(t, report.Allowed)

	st, err := consumer.LedgerStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.ModeMemory, st.Mode)
}

func TestClientRejection(t *testing.T) {
	ts := newNode(t)
	ctx := context.Background()
	farmer := NewHTTPClient(ts.URL, portal.Identity{UserID: "u-1", Role: workflow.RoleFarmer})
	created, err := farmer.CreateBatch(ctx, Event{Details: workflow.CollectionDetails{Species: "Aloe vera", QuantityKg: 5}})
	require.NoError(t, err)

	// the lab cannot test a batch that has not been processed
	lab := farmer.As(portal.Identity{UserID: "u-lab", Role: workflow.RoleLab})
	_, err = lab.Submit(ctx, created.Batch.ID, Event{Details: workflow.LabTestDetails{Passed: true}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), err)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, workflow.StatusCollected, apiErr.CurrentStatus)
	assert.NotEmpty(t, apiErr.Kind)

	_, err = lab.Batch(ctx, "nope")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestIdentityHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, portal.Identity{UserID: "u-7", Role: workflow.RoleRegulator, Permissions: []string{"batch:read", "batch:approve"}})
	_, err := c.Call(context.Background(), http.MethodGet, "/ledger/status", nil)
	require.NoError(t, err)
	assert.Equal(t, "u-7", got.Get(HeaderUserID))
	assert.Equal(t, "regulator", got.Get(HeaderUserRole))
	assert.Equal(t, "batch:read,batch:approve", got.Get(HeaderPermissions))
}
