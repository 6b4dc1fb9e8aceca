// Package store is the Journal Store: a durable catalog of Projects, Agents,
// and Runs plus an append-only Event log, backed by SQLite.
package store

import (
	"context"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

// RunFilter narrows list_runs queries (spec.md §4.2).
type RunFilter struct {
	AgentID        string
	Status         domain.RunStatus
	Kind           domain.RunKind
	TargetContains string
	Limit          int
	Offset         int
}

// Store is the contract the rest of the engine depends on. SQLiteStore is the
// only implementation; the interface exists so components under test (proxy,
// stress runner, transports) can be wired against a fake.
type Store interface {
	CreateProject(ctx context.Context, name, description string) (*domain.Project, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, id string) error

	CreateAgent(ctx context.Context, projectID, name, target string, chaosConfig []byte) (*domain.Agent, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error)
	DeleteAgent(ctx context.Context, id string) error

	CreateRun(ctx context.Context, agentID string, kind domain.RunKind, target string, chaosConfig []byte) (*domain.Run, error)
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, counters *RunCounters) error
	LatestStressSummary(ctx context.Context, agentID string) (*domain.Run, error)

	InsertEvent(ctx context.Context, ev *domain.Event) (int64, error)
	GetEvents(ctx context.Context, runID string, limit, offset int) ([]domain.Event, error)

	Close() error
}

// RunCounters is the derived-cache the Journal Store refreshes on status
// transitions (spec.md §3 invariants on Run counters).
type RunCounters struct {
	TotalCalls     int
	TotalErrors    int
	StressPassed   int
	StressGraceful int
	StressCrashed  int
	StressScore    int
}
