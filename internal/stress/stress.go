// Package stress implements the Stress Runner: it drives a one-shot tool
// server through initialization, tool enumeration, and the mutation matrix,
// classifying each probe's outcome (spec.md §4.5).
package stress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/neilt93/mcp-chaos/internal/classify"
	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/mutate"
	"github.com/neilt93/mcp-chaos/internal/spawn"
	"github.com/neilt93/mcp-chaos/internal/store"
	"github.com/neilt93/mcp-chaos/pkg/jsonrpcline"
)

const (
	protocolVersion     = "2024-11-05"
	defaultProbeTimeout = 10 * time.Second
	postInitSettle      = 100 * time.Millisecond
)

// Runner drives stress sweeps against a Journal Store and Fan-Out Hub.
type Runner struct {
	store        store.Store
	fanout       *fanout.Hub
	probeTimeout time.Duration
}

// New creates a stress Runner.
func New(st store.Store, fo *fanout.Hub) *Runner {
	return &Runner{store: st, fanout: fo, probeTimeout: defaultProbeTimeout}
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Sweep runs the full initialize->list->mutate matrix against targetCommand
// and journals one stress_mutation event per probe. The subprocess is
// killed at the end of the sweep regardless of outcome.
func (r *Runner) Sweep(ctx context.Context, runID, targetCommand string, runner spawn.Runner) error {
	if err := r.store.UpdateRunStatus(ctx, runID, domain.RunStatusRunning, nil); err != nil {
		return fmt.Errorf("transition run to running: %w", err)
	}

	proc, err := spawn.Start(ctx, runner, targetCommand)
	if err != nil {
		_ = r.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, nil)
		return err
	}
	defer proc.Kill()

	writer := jsonrpcline.NewWriter(proc.Stdin())
	reader := jsonrpcline.NewReader(proc.Stdout())

	// A single long-lived goroutine owns the shared reader for the sweep's
	// entire lifetime (mirroring internal/proxy/proxy.go's pumpLines): a
	// fresh reader goroutine per probe would leave one blocked inside
	// Scan() on every timeout, racing the next probe's goroutine on the same
	// non-concurrency-safe bufio.Scanner.
	lines := make(chan lineResult, 16)
	go pumpResponses(reader, lines)

	if err := r.handshake(ctx, writer, lines); err != nil {
		_ = r.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, nil)
		return fmt.Errorf("handshake: %w", err)
	}

	tools, err := r.listTools(ctx, writer, lines)
	if err != nil {
		_ = r.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, nil)
		return fmt.Errorf("list tools: %w", err)
	}

	var passed, graceful, crashed int
	nextID := 2 // 1 and 2 are used by the initialize/tools-list handshake

	for _, tool := range tools {
		if len(tool.InputSchema) == 0 {
			continue
		}
		var schema mutate.Schema
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			continue
		}

		for _, m := range mutate.Generate(schema) {
			nextID++
			outcome, errPayload, latencyMs := r.probe(ctx, writer, lines, nextID, tool.Name, m)

			switch outcome {
			case domain.OutcomePass:
				passed++
			case domain.OutcomeGracefulFail:
				graceful++
			case domain.OutcomeCrashOrHang:
				crashed++
			}

			if err := r.emitMutationEvent(ctx, runID, tool.Name, m, outcome, errPayload, latencyMs); err != nil {
				_ = r.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, nil)
				return fmt.Errorf("journal stress_mutation: %w", err)
			}
		}
	}

	total := passed + graceful + crashed
	score := 0
	if total > 0 {
		score = int(float64(100*(passed+graceful))/float64(total) + 0.5)
	}

	counters := &store.RunCounters{
		StressPassed:   passed,
		StressGraceful: graceful,
		StressCrashed:  crashed,
		StressScore:    score,
	}
	if err := r.store.UpdateRunStatus(ctx, runID, domain.RunStatusCompleted, counters); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	_ = r.fanout.PublishJSON(fanout.RunTopic(runID), map[string]interface{}{
		"type": "run_updated", "run_id": runID, "status": domain.RunStatusCompleted, "stress_score": score,
	})
	return nil
}

// handshake implements spec.md §6's fixed initialization sequence.
func (r *Runner) handshake(ctx context.Context, w *jsonrpcline.Writer, lines <-chan lineResult) error {
	initParams, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "mcp-chaos-stress", "version": "1.0"},
	})
	id, _ := json.Marshal(1)
	if err := w.WriteMessage(jsonrpcline.Message{JSONRPC: "2.0", ID: id, Method: "initialize", Params: initParams}); err != nil {
		return err
	}
	if _, err := readResponse(ctx, lines, r.probeTimeout, string(id)); err != nil {
		return err
	}

	if err := w.WriteMessage(jsonrpcline.Message{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		return err
	}

	select {
	case <-time.After(postInitSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (r *Runner) listTools(ctx context.Context, w *jsonrpcline.Writer, lines <-chan lineResult) ([]toolDescriptor, error) {
	id, _ := json.Marshal(2)
	if err := w.WriteMessage(jsonrpcline.Message{JSONRPC: "2.0", ID: id, Method: "tools/list"}); err != nil {
		return nil, err
	}
	msg, err := readResponse(ctx, lines, r.probeTimeout, string(id))
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// probe issues one tools/call for a single mutation and classifies the
// outcome per spec.md §4.5. It never returns an error: a timeout is itself
// the crash_or_hang classification.
func (r *Runner) probe(ctx context.Context, w *jsonrpcline.Writer, lines <-chan lineResult, id int, tool string, m mutate.Mutation) (domain.Outcome, json.RawMessage, *int64) {
	idJSON, _ := json.Marshal(id)
	params, _ := json.Marshal(map[string]interface{}{"name": tool, "arguments": m.Input})

	start := time.Now()
	if err := w.WriteMessage(jsonrpcline.Message{JSONRPC: "2.0", ID: idJSON, Method: "tools/call", Params: params}); err != nil {
		return domain.OutcomeCrashOrHang, nil, nil
	}

	msg, err := readResponse(ctx, lines, r.probeTimeout, string(idJSON))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return domain.OutcomeCrashOrHang, nil, &latency
	}

	hasError := len(msg.Error) > 0
	outcome := classify.Classify(errorMessage(msg.Error), hasError, false)
	return outcome, msg.Error, &latency
}

func errorMessage(errPayload json.RawMessage) string {
	if len(errPayload) == 0 {
		return ""
	}
	var decoded struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(errPayload, &decoded); err != nil {
		return string(errPayload)
	}
	return decoded.Message
}

type lineResult struct {
	msg jsonrpcline.Message
	err error
}

// pumpResponses is the sweep's single long-lived reader goroutine: it owns
// proc.Stdout()'s *jsonrpcline.Reader for the whole sweep, the way
// internal/proxy/proxy.go's pumpLines owns a session's reader. Spawning a
// fresh goroutine per probe would leave one blocked inside Scan() every time
// a probe times out, racing the next probe's goroutine on the same
// bufio.Scanner, which is not safe for concurrent use.
func pumpResponses(reader *jsonrpcline.Reader, out chan<- lineResult) {
	defer close(out)
	for {
		msg, err := reader.Next()
		if _, isRaw := err.(jsonrpcline.RawLine); isRaw {
			continue
		}
		out <- lineResult{msg: msg, err: err}
		if err != nil {
			return
		}
	}
}

// readResponse waits for the response whose id matches wantID, discarding
// any response for an id that does not match. That discard is what keeps a
// late reply from a probe that already timed out from being misattributed
// to the next probe, now that one long-lived reader goroutine feeds every
// call from the same channel. A deadline miss is treated as a timeout rather
// than blocking the sweep forever (spec.md §4.5 scheduling).
func readResponse(ctx context.Context, lines <-chan lineResult, timeout time.Duration, wantID string) (jsonrpcline.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case res, ok := <-lines:
			if !ok {
				return jsonrpcline.Message{}, fmt.Errorf("tool server closed output")
			}
			if res.err != nil {
				if res.err == io.EOF {
					return jsonrpcline.Message{}, fmt.Errorf("tool server closed output")
				}
				return jsonrpcline.Message{}, res.err
			}
			if res.msg.IDString() != wantID {
				continue
			}
			return res.msg, nil
		case <-deadline.C:
			return jsonrpcline.Message{}, fmt.Errorf("probe timeout after %s", timeout)
		case <-ctx.Done():
			return jsonrpcline.Message{}, ctx.Err()
		}
	}
}

// emitMutationEvent journals one stress_mutation event. A journal write
// failure is fatal to the run (spec.md §7's JournalWriteError), so the error
// is returned rather than logged-and-ignored; Sweep aborts the run on it.
func (r *Runner) emitMutationEvent(ctx context.Context, runID, tool string, m mutate.Mutation, outcome domain.Outcome, errPayload json.RawMessage, latencyMs *int64) error {
	params, _ := json.Marshal(map[string]interface{}{"kind": m.Kind, "property": m.Property, "input": m.Input})
	ev := &domain.Event{
		RunID:     runID,
		Kind:      domain.EventStressMutation,
		Timestamp: time.Now().UTC(),
		Tool:      tool,
		Params:    params,
		Error:     errPayload,
		LatencyMs: latencyMs,
		Outcome:   outcome,
	}
	if _, err := r.store.InsertEvent(ctx, ev); err != nil {
		return err
	}
	_ = r.fanout.PublishJSON(fanout.RunTopic(runID), ev)
	_ = r.fanout.PublishJSON(fanout.GlobalTopic, ev)
	return nil
}
