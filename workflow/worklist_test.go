package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixtureBatches() []Batch {
	return []Batch{
		batchWith("C1", collection(at(0))),
		batchWith("P1", collection(at(0)), processing(at(5))),
		batchWith("T1", collection(at(0)), processing(at(5)), labTest(at(10))),
		batchWith("A1", collection(at(0)), processing(at(5)), labTest(at(10)), review(at(15), DecisionApproved)),
	}
}

func ids(batches []Batch) []string {
	out := make([]string, 0, len(batches))
	for _, b := range batches {
		out = append(out, b.ID)
	}
	return out
}

func TestWorklistViewShowsNextActionOnly(t *testing.T) {
	all := fixtureBatches()
	assert.Equal(t, []string{"C1"}, ids(WorklistFor(all, RoleProcessor, AccessView)))
	assert.Equal(t, []string{"P1"}, ids(WorklistFor(all, RoleLab, AccessView)))
	assert.Equal(t, []string{"T1"}, ids(WorklistFor(all, RoleRegulator, AccessView)))
}

func TestWorklistViewForRolesWithoutNextAction(t *testing.T) {
	all := fixtureBatches()
	assert.Equal(t, []string{"A1"}, ids(WorklistFor(all, RoleConsumer, AccessView)))
	assert.Equal(t, []string{"C1", "P1", "T1", "A1"}, ids(WorklistFor(all, RoleManagement, AccessView)))
}

func TestWorklistEditUsesEditSet(t *testing.T) {
	all := fixtureBatches()
	assert.Equal(t, []string{"P1"}, ids(WorklistFor(all, RoleLab, AccessEdit)))
	assert.Empty(t, WorklistFor(all, RoleConsumer, AccessEdit))
	assert.Empty(t, WorklistFor(all, RoleFarmer, AccessEdit))
}

func TestWorklistDeduplicatesKeepingFirst(t *testing.T) {
	first := batchWith("P1", collection(at(0)), processing(at(5)))
	dup := batchWith("P1", collection(at(0)))
	got := WorklistFor([]Batch{first, dup}, RoleLab, AccessView)
	if assert.Len(t, got, 1) {
		assert.Len(t, got[0].Events, 2)
	}
	assert.Empty(t, WorklistFor([]Batch{first, dup}, RoleProcessor, AccessView))
}

func TestWorklistDoesNotExcludeAlreadyActed(t *testing.T) {
	// processing stamped earlier than collection: derived collected, but the
	// processor already acted; listing still shows it
	b := batchWith("X1", processing(at(0)), collection(at(5)))
	assert.Equal(t, []string{"X1"}, ids(WorklistFor([]Batch{b}, RoleProcessor, AccessEdit)))
}

func TestWorklistRefreshesCachedStatus(t *testing.T) {
	stale := Batch{ID: "S1", Events: []Event{collection(at(0)), processing(at(5))}, Status: StatusCollected}
	got := WorklistFor([]Batch{stale}, RoleLab, AccessView)
	if assert.Len(t, got, 1) {
		assert.Equal(t, StatusProcessed, got[0].Status)
	}
}

func TestWorklistUnknownRoleOrAccess(t *testing.T) {
	all := fixtureBatches()
	assert.Empty(t, WorklistFor(all, "auditor", AccessView))
	assert.Empty(t, WorklistFor(all, RoleLab, "delete"))
}
