package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateProjectRejectsDuplicateName(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)

	_, err = st.CreateProject(ctx, "acme", "")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateAgentRejectsDuplicateNameWithinProject(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)

	_, err = st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", nil)
	require.NoError(t, err)

	_, err = st.CreateAgent(ctx, p.ID, "reader", "python3 other.py", nil)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateRunFallsBackToAgentChaosConfig(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	a, err := st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", []byte(`{"seed":7}`))
	require.NoError(t, err)

	run, err := st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"seed":7}`, string(run.ChaosConfig))
}

func TestCreateRunChaosConfigOverridesAgentDefault(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	a, err := st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", []byte(`{"seed":7}`))
	require.NoError(t, err)

	run, err := st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", []byte(`{"seed":99}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"seed":99}`, string(run.ChaosConfig))
}

func TestUpdateRunStatusRejectsBackwardTransition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "", domain.RunKindProxy, "echo", nil)
	require.NoError(t, err)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, domain.RunStatusRunning, nil))
	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, domain.RunStatusCompleted, nil))

	err = st.UpdateRunStatus(ctx, run.ID, domain.RunStatusRunning, nil)
	require.ErrorIs(t, err, domain.ErrBackwardStatus)
}

func TestCleanupStaleRunsPromotesOrphanedRunningRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	a, err := st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", nil)
	require.NoError(t, err)

	stale, err := st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateRunStatus(ctx, stale.ID, domain.RunStatusRunning, nil))

	_, err = st.InsertEvent(ctx, &domain.Event{RunID: stale.ID, Kind: domain.EventToolCall, Tool: "read_file"})
	require.NoError(t, err)

	_, err = st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", nil)
	require.NoError(t, err)

	refreshed, err := st.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, refreshed.Status)
	require.NotNil(t, refreshed.EndedAt)
	require.Equal(t, 1, refreshed.TotalCalls)
}

func TestCascadeDeleteProjectRemovesAgentsRunsAndEvents(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	a, err := st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", nil)
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", nil)
	require.NoError(t, err)
	_, err = st.InsertEvent(ctx, &domain.Event{RunID: run.ID, Kind: domain.EventSessionStart})
	require.NoError(t, err)

	require.NoError(t, st.DeleteProject(ctx, p.ID))

	_, err = st.GetAgent(ctx, a.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = st.GetRun(ctx, run.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	events, err := st.GetEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestInsertEventAssignsStrictlyIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "", domain.RunKindProxy, "echo", nil)
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := st.InsertEvent(ctx, &domain.Event{RunID: run.ID, Kind: domain.EventRPCRequest})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}
}

func TestListRunsFiltersByStatusAndKind(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	p, err := st.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	a, err := st.CreateAgent(ctx, p.ID, "reader", "python3 server.py", nil)
	require.NoError(t, err)

	proxyRun, err := st.CreateRun(ctx, a.ID, domain.RunKindProxy, "python3 server.py", nil)
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, a.ID, domain.RunKindStress, "python3 server.py", nil)
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{AgentID: a.ID, Kind: domain.RunKindProxy})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, proxyRun.ID, runs[0].ID)
}
