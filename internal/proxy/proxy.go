// Package proxy implements the Stdio Proxy (spec.md §4.1): it spawns the
// downstream tool server, pumps newline-delimited JSON-RPC lines in both
// directions, tags requests with correlation state, applies chaos, and
// journals every observation.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/neilt93/mcp-chaos/internal/chaosengine"
	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/spawn"
	"github.com/neilt93/mcp-chaos/internal/store"
	"github.com/neilt93/mcp-chaos/pkg/jsonrpcline"
)

const toolsCallMethod = "tools/call"

// Config describes one proxy session.
type Config struct {
	RunID         string
	TargetCommand string
	ChaosConfig   json.RawMessage
	ClientIn      io.Reader
	ClientOut     io.Writer
	Runner        spawn.Runner
}

// Proxy wires a Journal Store and a Fan-Out Hub to every spawned session.
type Proxy struct {
	store  store.Store
	fanout *fanout.Hub
}

// New creates a Proxy backed by store and fanout.
func New(st store.Store, fo *fanout.Hub) *Proxy {
	return &Proxy{store: st, fanout: fo}
}

// Handle is a running proxy session's lifecycle control.
type Handle struct {
	RunID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// Wait blocks until the session's end-of-run sequence has completed.
func (h *Handle) Wait() { <-h.done }

// Shutdown cancels the session's tasks and waits for the end-of-run sequence
// to finish (spec.md §5 cancellation).
func (h *Handle) Shutdown() {
	h.cancel()
	<-h.done
}

type correlationEntry struct {
	start time.Time
	tool  string
	chaos *chaosengine.Applied
}

type session struct {
	p      *Proxy
	runID  string
	engine *chaosengine.Engine
	client *jsonrpcline.Writer
	server *jsonrpcline.Writer
	proc   spawn.Process

	mu      sync.Mutex
	pending map[string]*correlationEntry

	// ready carries the outcome of a chaos-delayed write once it completes, so
	// a delayed tools/call does not block the session loop from draining
	// unrelated client/server traffic on other correlation ids (spec.md §5).
	// The request has already been journaled with its true start time by the
	// time anything is sent on this channel; only the forward write is late.
	ready chan error

	totalCalls  int
	totalErrors int
}

// Start spawns the target command and begins pumping lines per spec.md
// §4.1's state machine. It transitions the run pending->running immediately
// on successful spawn, or pending->failed on spawn failure.
func (p *Proxy) Start(ctx context.Context, cfg Config) (*Handle, error) {
	proc, err := spawn.Start(ctx, cfg.Runner, cfg.TargetCommand)
	if err != nil {
		_ = p.store.UpdateRunStatus(ctx, cfg.RunID, domain.RunStatusFailed, nil)
		return nil, err
	}

	if err := p.store.UpdateRunStatus(ctx, cfg.RunID, domain.RunStatusRunning, nil); err != nil {
		_ = proc.Kill()
		return nil, fmt.Errorf("transition run to running: %w", err)
	}

	cfgChaos, err := chaosengine.DecodeConfig(cfg.ChaosConfig)
	if err != nil {
		_ = proc.Kill()
		_ = p.store.UpdateRunStatus(ctx, cfg.RunID, domain.RunStatusFailed, nil)
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{
		p:       p,
		runID:   cfg.RunID,
		engine:  chaosengine.New(cfgChaos),
		client:  jsonrpcline.NewWriter(cfg.ClientOut),
		server:  jsonrpcline.NewWriter(proc.Stdin()),
		proc:    proc,
		pending: make(map[string]*correlationEntry),
		ready:   make(chan error, 16),
	}

	if _, err := s.emitEvent(runCtx, domain.EventSessionStart, "", "", "", nil, nil, nil, nil, nil); err != nil {
		cancel()
		_ = proc.Kill()
		_ = p.store.UpdateRunStatus(ctx, cfg.RunID, domain.RunStatusFailed, nil)
		return nil, err
	}

	done := make(chan struct{})
	go s.run(runCtx, cfg.ClientIn, done)

	go func() {
		<-runCtx.Done()
		_ = proc.Kill()
	}()

	return &Handle{RunID: cfg.RunID, cancel: cancel, done: done}, nil
}

// run drives both pump directions and the end-of-run sequence. It is the
// single task that owns correlation-table mutation and journal writes for
// this run, so event ids stay strictly increasing (spec.md §5, §8).
func (s *session) run(ctx context.Context, clientIn io.Reader, done chan struct{}) {
	defer close(done)

	clientReader := jsonrpcline.NewReader(clientIn)
	serverReader := jsonrpcline.NewReader(s.proc.Stdout())

	clientLines := make(chan lineOrErr, 16)
	serverLines := make(chan lineOrErr, 16)
	go pumpLines(clientReader, clientLines)
	go pumpLines(serverReader, serverLines)

	finalStatus := domain.RunStatusCompleted

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case err := <-s.ready:
			if err != nil {
				log.Printf("proxy %s: delayed client message forward failed: %v", s.runID, err)
				finalStatus = domain.RunStatusFailed
				break loop
			}

		case le, ok := <-clientLines:
			if !ok {
				break loop
			}
			if le.err != nil {
				if raw, isRaw := asRawLine(le.err); isRaw {
					if werr := s.server.WriteLine(raw); werr != nil {
						finalStatus = domain.RunStatusFailed
						break loop
					}
					continue
				}
				break loop // client EOF or read error: peer closed
			}
			if err := s.handleClientMessage(ctx, le.msg); err != nil {
				log.Printf("proxy %s: client message forward failed: %v", s.runID, err)
				finalStatus = domain.RunStatusFailed
				break loop
			}

		case le, ok := <-serverLines:
			if !ok {
				break loop
			}
			if le.err != nil {
				if raw, isRaw := asRawLine(le.err); isRaw {
					if werr := s.client.WriteLine(raw); werr != nil {
						finalStatus = domain.RunStatusFailed
						break loop
					}
					continue
				}
				break loop // server exited or read error: peer closed
			}
			if err := s.handleServerMessage(ctx, le.msg); err != nil {
				log.Printf("proxy %s: server message forward failed: %v", s.runID, err)
				finalStatus = domain.RunStatusFailed
				break loop
			}
		}
	}

	s.endOfRun(ctx, finalStatus)
}

type lineOrErr struct {
	msg jsonrpcline.Message
	err error
}

func pumpLines(r *jsonrpcline.Reader, out chan<- lineOrErr) {
	defer close(out)
	for {
		msg, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			if _, isRaw := asRawLine(err); isRaw {
				out <- lineOrErr{err: err}
				continue
			}
			return
		}
		out <- lineOrErr{msg: msg}
	}
}

func asRawLine(err error) (string, bool) {
	raw, ok := err.(jsonrpcline.RawLine)
	if !ok {
		return "", false
	}
	return raw.Line, true
}

// handleClientMessage implements the request side of spec.md §4.1: the
// correlation entry is stamped, chaos is decided, and the rpc_request/
// tool_call events are journaled synchronously and in request-arrival order,
// so the latency clock and the PRNG draw order both start at the moment the
// request actually arrived — not at whatever point a chaos delay happens to
// finish. Only the forward write to the downstream server is deferred when a
// delay was drawn, in a dedicated goroutine that reports back via s.ready so
// one delayed tools/call cannot block the session loop from draining
// unrelated traffic on other correlation ids (spec.md §5).
func (s *session) handleClientMessage(ctx context.Context, msg jsonrpcline.Message) error {
	switch msg.Kind() {
	case jsonrpcline.KindRequest, jsonrpcline.KindNotification:
		var tool string
		var applied *chaosengine.Applied

		if msg.Method == toolsCallMethod {
			tool = toolNameFromParams(msg.Params)
			a := s.engine.Apply(tool)
			applied = &a
		}

		idKey := msg.IDString()
		if msg.Kind() == jsonrpcline.KindRequest {
			s.mu.Lock()
			s.pending[idKey] = &correlationEntry{start: time.Now(), tool: tool, chaos: applied}
			s.mu.Unlock()
		}

		if _, err := s.emitEvent(ctx, domain.EventRPCRequest, idKey, msg.Method, tool, msg.Params, nil, nil, nil, nil); err != nil {
			return err
		}
		if msg.Method == toolsCallMethod {
			s.totalCalls++
			if _, err := s.emitEvent(ctx, domain.EventToolCall, idKey, msg.Method, tool, msg.Params, nil, nil, nil, nil); err != nil {
				return err
			}
		}

		if applied != nil && applied.DelayMs > 0 {
			delay := time.Duration(applied.DelayMs) * time.Millisecond
			go func() {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				err := s.server.WriteMessage(msg)
				select {
				case s.ready <- err:
				case <-ctx.Done():
				}
			}()
			return nil
		}

		return s.server.WriteMessage(msg)

	default: // a response arriving on the client channel is malformed traffic; forward as-is
		return s.server.WriteMessage(msg)
	}
}

// handleServerMessage implements the response side: correlate, apply the
// (possibly already-decided) chaos outcome, journal, forward.
func (s *session) handleServerMessage(ctx context.Context, msg jsonrpcline.Message) error {
	if msg.Kind() != jsonrpcline.KindResponse {
		return s.client.WriteMessage(msg)
	}

	idKey := msg.IDString()
	s.mu.Lock()
	entry, found := s.pending[idKey]
	if found {
		delete(s.pending, idKey)
	}
	s.mu.Unlock()

	var latencyPtr *int64
	var chaosJSON json.RawMessage
	outgoing := msg

	if found {
		latency := time.Since(entry.start).Milliseconds()
		latencyPtr = &latency

		if entry.chaos != nil {
			chaosJSON, _ = json.Marshal(entry.chaos)
			if entry.chaos.ErrorInjected {
				outgoing.Result = nil
				outgoing.Error, _ = json.Marshal(map[string]interface{}{
					"code":    -32000,
					"message": "chaos: injected failure",
				})
			} else if entry.chaos.Corrupted && len(outgoing.Result) > 0 {
				corrupted, cerr := chaosengine.Corrupt(outgoing.Result)
				if cerr == nil {
					outgoing.Result = corrupted
				}
			}
		}
	}

	hasError := len(outgoing.Error) > 0
	if hasError {
		s.totalErrors++
	}

	if _, err := s.emitEvent(ctx, domain.EventRPCResponse, idKey, "", "", nil, outgoing.Result, outgoing.Error, latencyPtr, chaosJSON); err != nil {
		return err
	}
	if found && entry.tool != "" {
		if _, err := s.emitEvent(ctx, domain.EventToolResult, idKey, "", entry.tool, nil, outgoing.Result, outgoing.Error, latencyPtr, chaosJSON); err != nil {
			return err
		}
	}

	return s.client.WriteMessage(outgoing)
}

// endOfRun journals the session_end event and sets the run's terminal
// status. A failed session_end journal write is itself a JournalWriteError
// (spec.md §7): the run ends up failed regardless of how the loop above
// exited, since no partial state may be left.
func (s *session) endOfRun(ctx context.Context, status domain.RunStatus) {
	counters := &store.RunCounters{TotalCalls: s.totalCalls, TotalErrors: s.totalErrors}
	payload, _ := json.Marshal(map[string]interface{}{"total_calls": s.totalCalls, "total_errors": s.totalErrors})
	if _, err := s.emitEvent(ctx, domain.EventSessionEnd, "", "", "", payload, nil, nil, nil, nil); err != nil {
		log.Printf("proxy %s: session_end journal write failed: %v", s.runID, err)
		status = domain.RunStatusFailed
	}

	if err := s.p.store.UpdateRunStatus(context.Background(), s.runID, status, counters); err != nil {
		log.Printf("proxy %s: failed to set terminal status %s: %v", s.runID, status, err)
	}
	_ = s.p.fanout.PublishJSON(fanout.RunTopic(s.runID), map[string]interface{}{
		"type": "run_updated", "run_id": s.runID, "status": status,
	})
}

// emitEvent journals one event and fans it out. Journal commit happens
// before fan-out, satisfying spec.md §5's ordering guarantee. A journal
// write failure is a JournalWriteError (spec.md §7) and is fatal to the
// run, so it is returned rather than logged-and-swallowed: callers must
// end the session on it.
func (s *session) emitEvent(ctx context.Context, kind domain.EventKind, correlationID, method, tool string, params, result, errPayload json.RawMessage, latencyMs *int64, chaosApplied json.RawMessage) (int64, error) {
	ev := &domain.Event{
		RunID:         s.runID,
		Kind:          kind,
		Timestamp:     time.Now().UTC(),
		Method:        method,
		Tool:          tool,
		CorrelationID: correlationID,
		Params:        params,
		Result:        result,
		Error:         errPayload,
		LatencyMs:     latencyMs,
		ChaosApplied:  chaosApplied,
	}
	id, err := s.p.store.InsertEvent(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("journal write failed for %s: %w", kind, err)
	}
	_ = s.p.fanout.PublishJSON(fanout.RunTopic(s.runID), ev)
	_ = s.p.fanout.PublishJSON(fanout.GlobalTopic, ev)
	return id, nil
}

// toolNameFromParams extracts params.name from a tools/call request, per
// spec.md §4.1's chaos application rule.
func toolNameFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var decoded struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &decoded); err != nil {
		return ""
	}
	return decoded.Name
}
