package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fo := fanout.New()
	go fo.Run()

	return NewServer(st, fo), st
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsSubscriberCount(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 0, body["subscribers"])
}

func TestCreateProjectThenGetRoundTrips(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doRequest(t, srv, http.MethodGet, "/v1/projects/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateProjectMissingNameIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateProjectDuplicateNameIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetUnknownProjectIsNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/v1/projects/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func createTestAgent(t *testing.T, srv *Server) (domain.Project, domain.Agent) {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p domain.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	rec = doRequest(t, srv, http.MethodPost, "/v1/agents", map[string]interface{}{
		"project_id": p.ID,
		"name":       "reader",
		"target":     "python3 server.py",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var a domain.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return p, a
}

func TestCreateAgentLoadsChaosConfigFromFile(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p domain.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	path := filepath.Join(t.TempDir(), "chaos.yaml")
	require.NoError(t, os.WriteFile(path, []byte("seed: 7\nrule:\n  failRate: 0.5\n"), 0o644))

	rec = doRequest(t, srv, http.MethodPost, "/v1/agents", map[string]interface{}{
		"project_id":        p.ID,
		"name":              "reader",
		"target":            "python3 server.py",
		"chaos_config_file": path,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var a domain.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	require.JSONEq(t, `{"seed":7,"rule":{"failRate":0.5}}`, string(a.ChaosConfig))
}

func TestCreateAgentRejectsUnreadableChaosConfigFile(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/projects", map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p domain.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	rec = doRequest(t, srv, http.MethodPost, "/v1/agents", map[string]interface{}{
		"project_id":        p.ID,
		"name":              "reader",
		"target":            "python3 server.py",
		"chaos_config_file": filepath.Join(t.TempDir(), "does-not-exist.yaml"),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRunAndListEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	_, agent := createTestAgent(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/v1/runs", map[string]interface{}{
		"agent_id": agent.ID,
		"kind":     domain.RunKindProxy,
		"target":   agent.Target,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = doRequest(t, srv, http.MethodGet, "/v1/runs/"+run.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Empty(t, body["events"])
}

func TestPushEventAppendsAndFansOut(t *testing.T) {
	srv, st := newTestServer(t)
	_, agent := createTestAgent(t, srv)

	rec := doRequest(t, srv, http.MethodPost, "/v1/runs", map[string]interface{}{
		"agent_id": agent.ID,
		"kind":     domain.RunKindProxy,
		"target":   agent.Target,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var run domain.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))

	rec = doRequest(t, srv, http.MethodPost, "/internal/events", map[string]interface{}{
		"run_id": run.ID,
		"event": map[string]interface{}{
			"kind": domain.EventSessionStart,
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := st.GetEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventSessionStart, events[0].Kind)
}

func TestDiffRunsComparesToolCallSequences(t *testing.T) {
	srv, st := newTestServer(t)
	_, agent := createTestAgent(t, srv)
	ctx := context.Background()

	baseline, err := st.CreateRun(ctx, agent.ID, domain.RunKindProxy, agent.Target, nil)
	require.NoError(t, err)
	current, err := st.CreateRun(ctx, agent.ID, domain.RunKindProxy, agent.Target, nil)
	require.NoError(t, err)

	latency := int64(50)
	_, err = st.InsertEvent(ctx, &domain.Event{
		RunID: baseline.ID, Kind: domain.EventToolCall, Tool: "read_file",
		CorrelationID: "1", Params: json.RawMessage(`{"path":"a.txt"}`),
	})
	require.NoError(t, err)
	_, err = st.InsertEvent(ctx, &domain.Event{
		RunID: baseline.ID, Kind: domain.EventToolResult, CorrelationID: "1", LatencyMs: &latency,
	})
	require.NoError(t, err)

	currentLatency := int64(120)
	_, err = st.InsertEvent(ctx, &domain.Event{
		RunID: current.ID, Kind: domain.EventToolCall, Tool: "read_file",
		CorrelationID: "1", Params: json.RawMessage(`{"path":"a.txt"}`),
	})
	require.NoError(t, err)
	_, err = st.InsertEvent(ctx, &domain.Event{
		RunID: current.ID, Kind: domain.EventToolResult, CorrelationID: "1", LatencyMs: &currentLatency,
	})
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/v1/runs/"+baseline.ID+"/diff/"+current.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	latencyChanges := report["latency_changes"].([]interface{})
	require.Len(t, latencyChanges, 1)
}
