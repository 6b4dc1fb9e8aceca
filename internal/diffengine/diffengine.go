// Package diffengine implements the Diff Engine: given two runs' ordered
// tool_call events (with paired tool_result latencies), it reports
// added/removed/changed calls and latency drift (spec.md §4.7).
package diffengine

import (
	"bytes"
	"encoding/json"
)

// Call is one tool invocation reduced from a run's journal: its arguments
// and the latency of its paired result, if any.
type Call struct {
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
	LatencyMs *int64          `json:"latency_ms,omitempty"`
}

// Changed describes one tool call whose arguments differ between baseline
// and current.
type Changed struct {
	Tool         string          `json:"tool"`
	BaselineArgs json.RawMessage `json:"baseline_args"`
	CurrentArgs  json.RawMessage `json:"current_args"`
}

// LatencyChange reports a per-tool mean-latency shift beyond the ±20%
// threshold.
type LatencyChange struct {
	Tool           string  `json:"tool"`
	BaselineMeanMs float64 `json:"baseline_mean_ms"`
	CurrentMeanMs  float64 `json:"current_mean_ms"`
	ChangePercent  float64 `json:"change_percent"`
}

// Report is the Diff Engine's output.
type Report struct {
	BaselineCalls  int             `json:"baseline_calls"`
	CurrentCalls   int             `json:"current_calls"`
	Added          []Call          `json:"added"`
	Removed        []Call          `json:"removed"`
	Changed        []Changed       `json:"changed"`
	LatencyChanges []LatencyChange `json:"latency_changes"`
}

const latencyChangeThreshold = 0.20

// Diff compares baseline (A) against current (B), both already reduced to
// their ordered tool_call lists. The engine never fails; empty inputs yield
// an empty Report.
func Diff(baseline, current []Call) Report {
	report := Report{BaselineCalls: len(baseline), CurrentCalls: len(current)}

	baselineByTool := groupByTool(baseline)
	currentByTool := groupByTool(current)

	tools := make(map[string]bool)
	for tool := range baselineByTool {
		tools[tool] = true
	}
	for tool := range currentByTool {
		tools[tool] = true
	}

	for tool := range tools {
		a := baselineByTool[tool]
		b := currentByTool[tool]

		n := min(len(a), len(b))
		for i := 0; i < n; i++ {
			if !bytes.Equal(canonical(a[i].Args), canonical(b[i].Args)) {
				report.Changed = append(report.Changed, Changed{
					Tool:         tool,
					BaselineArgs: a[i].Args,
					CurrentArgs:  b[i].Args,
				})
			}
		}
		for i := n; i < len(a); i++ {
			report.Removed = append(report.Removed, a[i])
		}
		for i := n; i < len(b); i++ {
			report.Added = append(report.Added, b[i])
		}

		if baseMean, ok := meanLatency(a); ok {
			if curMean, ok := meanLatency(b); ok && baseMean > 0 {
				changePercent := 100 * (curMean - baseMean) / baseMean
				if changePercent > 100*latencyChangeThreshold || changePercent < -100*latencyChangeThreshold {
					report.LatencyChanges = append(report.LatencyChanges, LatencyChange{
						Tool:           tool,
						BaselineMeanMs: baseMean,
						CurrentMeanMs:  curMean,
						ChangePercent:  changePercent,
					})
				}
			}
		}
	}

	return report
}

func groupByTool(calls []Call) map[string][]Call {
	out := make(map[string][]Call)
	for _, c := range calls {
		out[c.Tool] = append(out[c.Tool], c)
	}
	return out
}

func canonical(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}

func meanLatency(calls []Call) (float64, bool) {
	var sum float64
	var count int
	for _, c := range calls {
		if c.LatencyMs != nil {
			sum += float64(*c.LatencyMs)
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
