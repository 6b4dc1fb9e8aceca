package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/neilt93/mcp-chaos/internal/chaosengine"
	"github.com/neilt93/mcp-chaos/internal/diffengine"
	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/spawn"
	"github.com/neilt93/mcp-chaos/internal/stress"
	"github.com/neilt93/mcp-chaos/internal/store"
)

// Handler holds the dependencies every route needs.
type Handler struct {
	store  store.Store
	fanout *fanout.Hub
	stress *stress.Runner
}

func errJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": h.fanout.SubscriberCount(),
	})
}

// --- Projects -----------------------------------------------------------

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) CreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}
	p, err := h.store.CreateProject(c.Request().Context(), req.Name, req.Description)
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListProjects(c echo.Context) error {
	projects, err := h.store.ListProjects(c.Request().Context())
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"projects": projects})
}

func (h *Handler) GetProject(c echo.Context) error {
	p, err := h.store.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProject(c echo.Context) error {
	if err := h.store.DeleteProject(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Agents ---------------------------------------------------------------

type createAgentRequest struct {
	ProjectID       string          `json:"project_id"`
	Name            string          `json:"name"`
	Target          string          `json:"target"`
	ChaosConfig     json.RawMessage `json:"chaos_config,omitempty"`
	ChaosConfigFile string          `json:"chaos_config_file,omitempty"`
}

// CreateAgent registers an agent. Its chaos default may be given inline as
// chaos_config, or as a path to a YAML chaos config file on the server's
// filesystem via chaos_config_file (SPEC_FULL.md §3.2); the inline value
// wins if both are set.
func (h *Handler) CreateAgent(c echo.Context) error {
	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	if req.ProjectID == "" || req.Name == "" || req.Target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "project_id, name, and target are required"})
	}

	chaosConfig := req.ChaosConfig
	if len(chaosConfig) == 0 && req.ChaosConfigFile != "" {
		_, asJSON, err := chaosengine.LoadConfigFile(req.ChaosConfigFile)
		if err != nil {
			return errJSON(c, http.StatusBadRequest, err)
		}
		chaosConfig = asJSON
	}

	a, err := h.store.CreateAgent(c.Request().Context(), req.ProjectID, req.Name, req.Target, chaosConfig)
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAgent(c echo.Context) error {
	a, err := h.store.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.store.ListAgents(c.Request().Context(), c.Param("project_id"))
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

func (h *Handler) DeleteAgent(c echo.Context) error {
	if err := h.store.DeleteAgent(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) LatestStressSummary(c echo.Context) error {
	run, err := h.store.LatestStressSummary(c.Request().Context(), c.Param("id"))
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// StartStress creates a stress Run for the agent and starts the sweep in the
// background: the response (202 Accepted with the newly created run) is sent
// right away, and the sweep continues after it.
func (h *Handler) StartStress(c echo.Context) error {
	ctx := c.Request().Context()
	agentID := c.Param("id")

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return classifyStoreError(c, err)
	}

	run, err := h.store.CreateRun(ctx, agentID, domain.RunKindStress, agent.Target, nil)
	if err != nil {
		return classifyStoreError(c, err)
	}

	go func() {
		sweepCtx := context.Background()
		if err := h.stress.Sweep(sweepCtx, run.ID, agent.Target, spawn.OSRunner{}); err != nil {
			_ = h.fanout.PublishJSON(fanout.RunTopic(run.ID), map[string]interface{}{
				"type": "run_updated", "run_id": run.ID, "status": domain.RunStatusFailed, "error": err.Error(),
			})
		}
	}()

	return c.JSON(http.StatusAccepted, run)
}

// --- Runs -------------------------------------------------------------------

type createRunRequest struct {
	AgentID     string          `json:"agent_id,omitempty"`
	Kind        domain.RunKind  `json:"kind"`
	Target      string          `json:"target"`
	ChaosConfig json.RawMessage `json:"chaos_config,omitempty"`
}

func (h *Handler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	if req.Target == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "target is required"})
	}
	run, err := h.store.CreateRun(c.Request().Context(), req.AgentID, req.Kind, req.Target, req.ChaosConfig)
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return classifyStoreError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) ListRuns(c echo.Context) error {
	filter := store.RunFilter{
		AgentID:        c.QueryParam("agent_id"),
		Status:         domain.RunStatus(c.QueryParam("status")),
		Kind:           domain.RunKind(c.QueryParam("kind")),
		TargetContains: c.QueryParam("target"),
	}
	runs, err := h.store.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) DeleteRun(c echo.Context) error {
	if err := h.store.DeleteRun(c.Request().Context(), c.Param("id")); err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListEvents(c echo.Context) error {
	events, err := h.store.GetEvents(c.Request().Context(), c.Param("id"), 0, 0)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// DiffRuns reduces two runs to their tool-call lists and returns the Diff
// Engine's report (spec.md §4.7).
func (h *Handler) DiffRuns(c echo.Context) error {
	ctx := c.Request().Context()
	baseline, err := toolCalls(ctx, h.store, c.Param("baseline_id"))
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	current, err := toolCalls(ctx, h.store, c.Param("current_id"))
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, diffengine.Diff(baseline, current))
}

// toolCalls reduces a run's journal to its ordered tool_call list, pairing
// each with its matching tool_result's latency by correlation id.
func toolCalls(ctx context.Context, st store.Store, runID string) ([]diffengine.Call, error) {
	events, err := st.GetEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, err
	}

	latencyByCorrelation := make(map[string]*int64)
	for _, ev := range events {
		if ev.Kind == domain.EventToolResult && ev.LatencyMs != nil {
			latencyByCorrelation[ev.CorrelationID] = ev.LatencyMs
		}
	}

	var calls []diffengine.Call
	for _, ev := range events {
		if ev.Kind != domain.EventToolCall {
			continue
		}
		calls = append(calls, diffengine.Call{
			Tool:      ev.Tool,
			Args:      ev.Params,
			LatencyMs: latencyByCorrelation[ev.CorrelationID],
		})
	}
	return calls, nil
}

// --- Notification endpoint -------------------------------------------------

type pushEventRequest struct {
	RunID string       `json:"run_id"`
	Event domain.Event `json:"event"`
}

// PushEvent lets a split proxy process append an event to the Journal and
// fan it out, without owning the store connection itself (spec.md §6).
func (h *Handler) PushEvent(c echo.Context) error {
	var req pushEventRequest
	if err := c.Bind(&req); err != nil {
		return errJSON(c, http.StatusBadRequest, err)
	}
	req.Event.RunID = req.RunID

	id, err := h.store.InsertEvent(c.Request().Context(), &req.Event)
	if err != nil {
		return errJSON(c, http.StatusInternalServerError, err)
	}
	_ = h.fanout.PublishJSON(fanout.RunTopic(req.RunID), req.Event)
	_ = h.fanout.PublishJSON(fanout.GlobalTopic, req.Event)

	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "event_id": id})
}

func classifyStoreError(c echo.Context, err error) error {
	switch {
	case isNotFound(err):
		return errJSON(c, http.StatusNotFound, err)
	case isConflict(err):
		return errJSON(c, http.StatusConflict, err)
	default:
		return errJSON(c, http.StatusInternalServerError, err)
	}
}
