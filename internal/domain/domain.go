// Package domain defines the core entities shared across the journal store,
// the proxy, the stress runner, and the transports.
package domain

import (
	"encoding/json"
	"time"
)

// RunKind distinguishes a proxy pass-through session from a stress sweep.
type RunKind string

const (
	RunKindProxy  RunKind = "proxy"
	RunKindStress RunKind = "stress"
)

// RunStatus is the lifecycle state of a Run. Transitions are monotonic:
// pending -> running -> {completed, failed}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// statusRank gives the monotonic ordering used to reject backwards transitions.
var statusRank = map[RunStatus]int{
	RunStatusPending:   0,
	RunStatusRunning:   1,
	RunStatusCompleted: 2,
	RunStatusFailed:    2,
}

// CanTransition reports whether from -> to is a forward-only move.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return false
	}
	return statusRank[to] > statusRank[from]
}

// EventKind is the closed set of journal event kinds (spec.md §3).
type EventKind string

const (
	EventSessionStart   EventKind = "session_start"
	EventSessionEnd     EventKind = "session_end"
	EventRPCRequest     EventKind = "rpc_request"
	EventRPCResponse    EventKind = "rpc_response"
	EventToolCall       EventKind = "tool_call"
	EventToolResult     EventKind = "tool_result"
	EventStressMutation EventKind = "stress_mutation"
	EventChatMessage    EventKind = "chat_message"
)

// Outcome is the closed set of stress-probe classifications.
type Outcome string

const (
	OutcomePass         Outcome = "pass"
	OutcomeGracefulFail Outcome = "graceful_fail"
	OutcomeCrashOrHang  Outcome = "crash_or_hang"
)

// MutationKind is the closed set of mutation-generator labels.
type MutationKind string

const (
	MutationValid           MutationKind = "valid"
	MutationMissingRequired MutationKind = "missing_required"
	MutationWrongType       MutationKind = "wrong_type"
	MutationNullValue       MutationKind = "null_value"
	MutationEmptyValue      MutationKind = "empty_value"
	MutationBoundary        MutationKind = "boundary"
	MutationExtraField      MutationKind = "extra_field"
)

// Project is the top-level grouping for agents.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is a named, configured tool-server invocation within a Project.
type Agent struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Name        string          `json:"name"`
	Target      string          `json:"target"`
	ChaosConfig json.RawMessage `json:"chaos_config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Run is one recorded proxy pass-through or stress sweep.
type Run struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Kind        RunKind         `json:"kind"`
	Target      string          `json:"target"`
	ChaosConfig json.RawMessage `json:"chaos_config,omitempty"`
	Status      RunStatus       `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`

	TotalCalls  int `json:"total_calls"`
	TotalErrors int `json:"total_errors"`

	StressPassed   int `json:"stress_passed"`
	StressGraceful int `json:"stress_graceful"`
	StressCrashed  int `json:"stress_crashed"`
	StressScore    int `json:"stress_score"`

	CreatedAt time.Time `json:"created_at"`
}

// Event is a single journaled observation within a Run. Payload fields are
// opaque JSON blobs from the store's point of view; they are parsed only at
// classification/comparison time by the packages that need them.
type Event struct {
	ID            int64           `json:"id"`
	RunID         string          `json:"run_id"`
	Kind          EventKind       `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	Method        string          `json:"method,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	LatencyMs     *int64          `json:"latency_ms,omitempty"`
	ChaosApplied  json.RawMessage `json:"chaos_applied,omitempty"`
	Outcome       Outcome         `json:"outcome,omitempty"`
}
