package stress

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/spawn"
	"github.com/neilt93/mcp-chaos/internal/store"
)

type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func newFakeProcess() *fakeProcess {
	sr, sw := io.Pipe()
	or, ow := io.Pipe()
	return &fakeProcess{stdinR: sr, stdinW: sw, stdoutR: or, stdoutW: ow}
}

func (f *fakeProcess) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeProcess) Stdout() io.ReadCloser { return f.stdoutR }
func (f *fakeProcess) Wait() error           { return nil }
func (f *fakeProcess) Kill() error {
	f.stdoutW.Close()
	f.stdinR.Close()
	return nil
}

type fakeRunner struct{ proc *fakeProcess }

func (r *fakeRunner) Start(ctx context.Context, name string, args ...string) (spawn.Process, error) {
	return r.proc, nil
}

// fakeToolServer replies to initialize and tools/list with a canned
// single-tool schema, then classifies every tools/call by whether the
// mutated input filled a required string property.
func fakeToolServer(t *testing.T, proc *fakeProcess) {
	t.Helper()
	scanner := bufio.NewScanner(proc.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	go func() {
		for scanner.Scan() {
			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			switch req.Method {
			case "initialize":
				writeLine(proc.stdoutW, map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]interface{}{}})
			case "notifications/initialized":
				// no reply expected
			case "tools/list":
				schema := map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
					"required":   []string{"path"},
				}
				schemaBytes, _ := json.Marshal(schema)
				writeLine(proc.stdoutW, map[string]interface{}{
					"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
					"result": map[string]interface{}{
						"tools": []map[string]interface{}{
							{"name": "read_file", "inputSchema": json.RawMessage(schemaBytes)},
						},
					},
				})
			case "tools/call":
				var call struct {
					Arguments map[string]interface{} `json:"arguments"`
				}
				_ = json.Unmarshal(req.Params, &call)
				if _, ok := call.Arguments["path"]; !ok {
					writeLine(proc.stdoutW, map[string]interface{}{
						"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
						"error": map[string]interface{}{"code": -32602, "message": "Invalid params: path is required"},
					})
					continue
				}
				writeLine(proc.stdoutW, map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]interface{}{"ok": true}})
			}
		}
		proc.stdoutW.Close()
	}()
}

func writeLine(w io.Writer, v interface{}) {
	b, _ := json.Marshal(v)
	io.WriteString(w, string(b)+"\n")
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// hangOnceToolServer behaves like fakeToolServer except it never replies to
// the first tools/call it sees, simulating a hung tool per spec.md §8
// scenario 4. Every later call (including later mutations against the same
// or other tools) gets a normal reply, which is what a stale, late reader
// goroutine could previously misattribute to the wrong probe.
func hangOnceToolServer(t *testing.T, proc *fakeProcess) {
	t.Helper()
	scanner := bufio.NewScanner(proc.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var hungOnce bool
	go func() {
		for scanner.Scan() {
			var req struct {
				ID     json.RawMessage `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			switch req.Method {
			case "initialize":
				writeLine(proc.stdoutW, map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]interface{}{}})
			case "notifications/initialized":
			case "tools/list":
				schema := map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
					"required":   []string{"path"},
				}
				schemaBytes, _ := json.Marshal(schema)
				writeLine(proc.stdoutW, map[string]interface{}{
					"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
					"result": map[string]interface{}{
						"tools": []map[string]interface{}{
							{"name": "read_file", "inputSchema": json.RawMessage(schemaBytes)},
						},
					},
				})
			case "tools/call":
				if !hungOnce {
					hungOnce = true
					continue // never reply to this one
				}
				var call struct {
					Arguments map[string]interface{} `json:"arguments"`
				}
				_ = json.Unmarshal(req.Params, &call)
				if _, ok := call.Arguments["path"]; !ok {
					writeLine(proc.stdoutW, map[string]interface{}{
						"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
						"error": map[string]interface{}{"code": -32602, "message": "Invalid params: path is required"},
					})
					continue
				}
				writeLine(proc.stdoutW, map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID), "result": map[string]interface{}{"ok": true}})
			}
		}
		proc.stdoutW.Close()
	}()
}

// TestSweepSurvivesAHungProbeWithoutMisattribution exercises spec.md §8's
// hang-classification scenario end to end: the first probe times out, and
// the sweep must still classify every later probe against its own reply
// instead of the hung probe's eventual, never-sent response.
func TestSweepSurvivesAHungProbeWithoutMisattribution(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	run, err := st.CreateRun(ctx, "", domain.RunKindStress, "fake-tool-server", nil)
	require.NoError(t, err)

	hub := fanout.New()
	go hub.Run()

	proc := newFakeProcess()
	hangOnceToolServer(t, proc)

	runner := New(st, hub)
	runner.probeTimeout = 200 * time.Millisecond
	err = runner.Sweep(ctx, run.ID, "fake-tool-server", &fakeRunner{proc: proc})
	require.NoError(t, err)

	finalRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, finalRun.Status)
	require.Equal(t, 1, finalRun.StressCrashed, "exactly the hung probe should classify as crash_or_hang")
	require.Greater(t, finalRun.StressPassed+finalRun.StressGraceful, 0, "later probes must still be classified against their own reply")
}

func TestSweepClassifiesMutationsAndScores(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := newTestStore(t)
	run, err := st.CreateRun(ctx, "", domain.RunKindStress, "fake-tool-server", nil)
	require.NoError(t, err)

	hub := fanout.New()
	go hub.Run()

	proc := newFakeProcess()
	fakeToolServer(t, proc)

	runner := New(st, hub)
	err = runner.Sweep(ctx, run.ID, "fake-tool-server", &fakeRunner{proc: proc})
	require.NoError(t, err)

	finalRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusCompleted, finalRun.Status)
	require.Greater(t, finalRun.StressPassed+finalRun.StressGraceful+finalRun.StressCrashed, 0)
	require.GreaterOrEqual(t, finalRun.StressScore, 0)
	require.LessOrEqual(t, finalRun.StressScore, 100)

	events, err := st.GetEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	var mutationCount int
	for _, ev := range events {
		if ev.Kind == domain.EventStressMutation {
			mutationCount++
		}
	}
	require.Equal(t, mutationCount, finalRun.StressPassed+finalRun.StressGraceful+finalRun.StressCrashed)
}
