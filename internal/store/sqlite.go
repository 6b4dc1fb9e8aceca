package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/neilt93/mcp-chaos/internal/domain"
)

// SQLiteStore implements Store. Writes are serialized through mu (spec.md §4.2
// "single writer"); reads may proceed concurrently. WAL mode gives
// crash-consistency without a distributed log.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (and migrates) a journal database at dsn. Use
// ":memory:" for an isolated, single-connection store in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	openDSN := dsn
	if dsn != ":memory:" && !strings.Contains(dsn, "mode=memory") {
		openDSN = dsn + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"
	}
	db, err := sql.Open("sqlite3", openDSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			target TEXT NOT NULL,
			chaos_config TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(project_id, name),
			FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT,
			kind TEXT NOT NULL,
			target TEXT NOT NULL,
			chaos_config TEXT,
			status TEXT NOT NULL,
			started_at DATETIME,
			ended_at DATETIME,
			total_calls INTEGER NOT NULL DEFAULT 0,
			total_errors INTEGER NOT NULL DEFAULT 0,
			stress_passed INTEGER NOT NULL DEFAULT 0,
			stress_graceful INTEGER NOT NULL DEFAULT 0,
			stress_crashed INTEGER NOT NULL DEFAULT 0,
			stress_score INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (agent_id) REFERENCES agents(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_kind ON runs(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			method TEXT,
			tool_name TEXT,
			correlation_id TEXT,
			params TEXT,
			result TEXT,
			error TEXT,
			latency_ms INTEGER,
			chaos_applied TEXT,
			outcome TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_run ON trace_events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_method ON trace_events(method)`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_tool ON trace_events(tool_name)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---------------------------------------------------------

func (s *SQLiteStore) CreateProject(ctx context.Context, name, description string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &domain.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("project %q: %w", name, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	p.Description = desc.String
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		var desc sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Description = desc.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

// --- Agents -------------------------------------------------------------

func (s *SQLiteStore) CreateAgent(ctx context.Context, projectID, name, target string, chaosConfig []byte) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &domain.Agent{
		ID:          uuid.New().String(),
		ProjectID:   projectID,
		Name:        name,
		Target:      target,
		ChaosConfig: nullableRaw(chaosConfig),
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, project_id, name, target, chaos_config, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, a.Name, a.Target, nullStringBytes(chaosConfig), a.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("agent %q in project %q: %w", name, projectID, domain.ErrConflict)
		}
		return nil, fmt.Errorf("create agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	var chaos sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, target, chaos_config, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.ProjectID, &a.Name, &a.Target, &chaos, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if chaos.Valid {
		a.ChaosConfig = json.RawMessage(chaos.String)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	query := `SELECT id, project_id, name, target, chaos_config, created_at FROM agents`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []domain.Agent
	for rows.Next() {
		var a domain.Agent
		var chaos sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Target, &chaos, &a.CreatedAt); err != nil {
			return nil, err
		}
		if chaos.Valid {
			a.ChaosConfig = json.RawMessage(chaos.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// --- Runs -----------------------------------------------------------------

// CreateRun implements spec.md §4.2 create_run, including the cleanup_stale
// pre-step: any run still "running" for the same (agent, kind) is promoted to
// completed with counters recomputed from its events (crash-recovery, not a
// bug — spec.md §9).
func (s *SQLiteStore) CreateRun(ctx context.Context, agentID string, kind domain.RunKind, target string, chaosConfig []byte) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cleanupStaleLocked(ctx, agentID, kind); err != nil {
		return nil, fmt.Errorf("cleanup stale runs: %w", err)
	}

	effectiveChaos := chaosConfig
	if len(effectiveChaos) == 0 && agentID != "" {
		var agentChaos sql.NullString
		_ = s.db.QueryRowContext(ctx, `SELECT chaos_config FROM agents WHERE id = ?`, agentID).Scan(&agentChaos)
		if agentChaos.Valid {
			effectiveChaos = []byte(agentChaos.String)
		}
	}

	r := &domain.Run{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Kind:        kind,
		Target:      target,
		ChaosConfig: nullableRaw(effectiveChaos),
		Status:      domain.RunStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, agent_id, kind, target, chaos_config, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.AgentID), r.Kind, r.Target, nullStringBytes(effectiveChaos), r.Status, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// cleanupStaleLocked promotes any agent/kind run still "running" to completed,
// recomputing counters from its events. Caller must hold s.mu.
func (s *SQLiteStore) cleanupStaleLocked(ctx context.Context, agentID string, kind domain.RunKind) error {
	if agentID == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE agent_id = ? AND kind = ? AND status = ?`,
		agentID, kind, domain.RunStatusRunning)
	if err != nil {
		return err
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		staleIDs = append(staleIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range staleIDs {
		counters, err := s.recomputeCountersLocked(ctx, id)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if _, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, ended_at = ?, total_calls = ?, total_errors = ?,
			 stress_passed = ?, stress_graceful = ?, stress_crashed = ?, stress_score = ?
			 WHERE id = ?`,
			domain.RunStatusCompleted, now,
			counters.TotalCalls, counters.TotalErrors,
			counters.StressPassed, counters.StressGraceful, counters.StressCrashed, counters.StressScore,
			id); err != nil {
			return err
		}
	}
	return nil
}

// recomputeCountersLocked derives Run counters from its events (spec.md §3:
// "the stored values are a cache ... must equal a recomputation from events").
func (s *SQLiteStore) recomputeCountersLocked(ctx context.Context, runID string) (RunCounters, error) {
	var c RunCounters
	row := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE kind = 'tool_call'),
			COUNT(*) FILTER (WHERE kind = 'rpc_response' AND error IS NOT NULL),
			COUNT(*) FILTER (WHERE kind = 'stress_mutation' AND outcome = 'pass'),
			COUNT(*) FILTER (WHERE kind = 'stress_mutation' AND outcome = 'graceful_fail'),
			COUNT(*) FILTER (WHERE kind = 'stress_mutation' AND outcome = 'crash_or_hang')
		 FROM trace_events WHERE run_id = ?`, runID)
	if err := row.Scan(&c.TotalCalls, &c.TotalErrors, &c.StressPassed, &c.StressGraceful, &c.StressCrashed); err != nil {
		return c, err
	}
	total := c.StressPassed + c.StressGraceful + c.StressCrashed
	if total > 0 {
		c.StressScore = int((100*float64(c.StressPassed+c.StressGraceful))/float64(total) + 0.5)
	}
	return c, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	return s.getRun(ctx, id)
}

func (s *SQLiteStore) getRun(ctx context.Context, id string) (*domain.Run, error) {
	var r domain.Run
	var agentID, chaos sql.NullString
	var startedAt, endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, kind, target, chaos_config, status, started_at, ended_at,
		        total_calls, total_errors, stress_passed, stress_graceful, stress_crashed, stress_score, created_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &agentID, &r.Kind, &r.Target, &chaos, &r.Status, &startedAt, &endedAt,
		&r.TotalCalls, &r.TotalErrors, &r.StressPassed, &r.StressGraceful, &r.StressCrashed, &r.StressScore, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	r.AgentID = agentID.String
	if chaos.Valid {
		r.ChaosConfig = json.RawMessage(chaos.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		r.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT id, agent_id, kind, target, chaos_config, status, started_at, ended_at,
	                  total_calls, total_errors, stress_passed, stress_graceful, stress_crashed, stress_score, created_at
	          FROM runs WHERE 1=1`
	var args []interface{}
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.TargetContains != "" {
		query += ` AND target LIKE ?`
		args = append(args, "%"+filter.TargetContains+"%")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var r domain.Run
		var agentID, chaos sql.NullString
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &agentID, &r.Kind, &r.Target, &chaos, &r.Status, &startedAt, &endedAt,
			&r.TotalCalls, &r.TotalErrors, &r.StressPassed, &r.StressGraceful, &r.StressCrashed, &r.StressScore, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.AgentID = agentID.String
		if chaos.Valid {
			r.ChaosConfig = json.RawMessage(chaos.String)
		}
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if endedAt.Valid {
			t := endedAt.Time
			r.EndedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// UpdateRunStatus transitions a run's status, rejecting backwards moves, and
// optionally refreshes the counters cache.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, counters *RunCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getRun(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(current.Status, status) {
		return fmt.Errorf("run %s %s -> %s: %w", id, current.Status, status, domain.ErrBackwardStatus)
	}

	now := time.Now().UTC()
	set := []string{"status = ?"}
	args := []interface{}{status}

	if status == domain.RunStatusRunning && current.StartedAt == nil {
		set = append(set, "started_at = ?")
		args = append(args, now)
	}
	if status == domain.RunStatusCompleted || status == domain.RunStatusFailed {
		set = append(set, "ended_at = ?")
		args = append(args, now)
	}
	if counters != nil {
		set = append(set, "total_calls = ?", "total_errors = ?", "stress_passed = ?", "stress_graceful = ?", "stress_crashed = ?", "stress_score = ?")
		args = append(args, counters.TotalCalls, counters.TotalErrors, counters.StressPassed, counters.StressGraceful, counters.StressCrashed, counters.StressScore)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(set, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// LatestStressSummary returns the most recently created stress run for an
// agent (spec.md §6 "fetch latest stress summary for an agent").
func (s *SQLiteStore) LatestStressSummary(ctx context.Context, agentID string) (*domain.Run, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE agent_id = ? AND kind = ? ORDER BY created_at DESC LIMIT 1`,
		agentID, domain.RunKindStress).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest stress summary: %w", err)
	}
	return s.getRun(ctx, id)
}

// --- Events -----------------------------------------------------------------

// InsertEvent appends an event, returning the server-assigned monotonic id
// (spec.md §4.2 insert_event / §8 "event ids within a run are strictly
// increasing" — guaranteed here by SQLite's AUTOINCREMENT rowid).
func (s *SQLiteStore) InsertEvent(ctx context.Context, ev *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	var latency sql.NullInt64
	if ev.LatencyMs != nil {
		latency = sql.NullInt64{Int64: *ev.LatencyMs, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO trace_events (run_id, kind, timestamp, method, tool_name, correlation_id, params, result, error, latency_ms, chaos_applied, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Kind, ev.Timestamp, nullString(ev.Method), nullString(ev.Tool), nullString(ev.CorrelationID),
		nullStringBytes(ev.Params), nullStringBytes(ev.Result), nullStringBytes(ev.Error), latency,
		nullStringBytes(ev.ChaosApplied), nullString(string(ev.Outcome)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrJournalWrite, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrJournalWrite, err)
	}
	ev.ID = id
	return id, nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit, offset int) ([]domain.Event, error) {
	query := `SELECT id, run_id, kind, timestamp, method, tool_name, correlation_id, params, result, error, latency_ms, chaos_applied, outcome
	          FROM trace_events WHERE run_id = ? ORDER BY id ASC`
	args := []interface{}{runID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
		if offset > 0 {
			query += " OFFSET ?"
			args = append(args, offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var ev domain.Event
		var method, tool, corrID, params, result, errData, chaos, outcome sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Kind, &ev.Timestamp, &method, &tool, &corrID,
			&params, &result, &errData, &latency, &chaos, &outcome); err != nil {
			return nil, err
		}
		ev.Method = method.String
		ev.Tool = tool.String
		ev.CorrelationID = corrID.String
		if params.Valid {
			ev.Params = json.RawMessage(params.String)
		}
		if result.Valid {
			ev.Result = json.RawMessage(result.String)
		}
		if errData.Valid {
			ev.Error = json.RawMessage(errData.String)
		}
		if latency.Valid {
			v := latency.Int64
			ev.LatencyMs = &v
		}
		if chaos.Valid {
			ev.ChaosApplied = json.RawMessage(chaos.String)
		}
		ev.Outcome = domain.Outcome(outcome.String)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullableRaw(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
