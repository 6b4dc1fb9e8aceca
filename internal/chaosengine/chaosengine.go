// Package chaosengine implements the deterministic fault-injection model the
// Stdio Proxy consults before forwarding a tools/call request (spec.md §4.3).
package chaosengine

import (
	"encoding/json"
	"fmt"
)

// Probabilistic is the `{p, value | [min,max]}` shape spec.md §4.3 describes:
// draw once, with probability p the event occurs and the magnitude is either
// Value or a uniform integer in [Min,Max].
type Probabilistic struct {
	P     float64 `json:"p" yaml:"p"`
	Value *int64  `json:"value,omitempty" yaml:"value,omitempty"`
	Min   *int64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max   *int64  `json:"max,omitempty" yaml:"max,omitempty"`
}

// Rule is one set of chaos knobs, usable as either the global rule or a
// per-tool override.
type Rule struct {
	DelayMs     *Probabilistic `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	FailRate    *float64       `json:"failRate,omitempty" yaml:"failRate,omitempty"`
	CorruptRate *float64       `json:"corruptRate,omitempty" yaml:"corruptRate,omitempty"`
}

// Config is the full chaos configuration for an Agent or Run: a seed, an
// optional global rule, and per-tool overrides.
type Config struct {
	Seed  uint32          `json:"seed" yaml:"seed"`
	Rule  *Rule           `json:"rule,omitempty" yaml:"rule,omitempty"`
	Tools map[string]Rule `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Applied is the chaos_applied descriptor recorded on the rpc_response event
// (spec.md §4.3, §9): the engine seed plus the delay, error and corruption
// decisions drawn for that one request. Which PRNG draw produced each
// decision is not recorded (see DESIGN.md).
type Applied struct {
	Seed          uint32 `json:"seed"`
	DelayMs       int64  `json:"delayMs,omitempty"`
	ErrorInjected bool   `json:"error_injected,omitempty"`
	Corrupted     bool   `json:"corrupted,omitempty"`
}

// Engine is a single run's chaos decision-maker. Its PRNG state is private
// and must not be shared across runs (spec.md §5 shared-resource policy).
type Engine struct {
	cfg   Config
	state uint32
}

// New creates an Engine seeded from cfg.Seed. Zero configuration (nil Rule,
// empty Tools map) makes every operation a no-op.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, state: cfg.Seed}
}

// next advances the mulberry32 generator one step and returns a float in
// [0,1).
func (e *Engine) next() float64 {
	e.state += 0x6D2B79F5
	z := e.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	z ^= z >> 14
	return float64(z&0xFFFFFFFF) / 4294967296.0
}

// nextInt draws a uniform integer in [min,max] inclusive using one PRNG step.
func (e *Engine) nextInt(min, max int64) int64 {
	if max <= min {
		return min
	}
	span := max - min + 1
	return min + int64(e.next()*float64(span))
}

// effectiveRule shallow-merges a per-tool rule over the global rule, tool
// fields winning (spec.md §4.3 rule precedence).
func (e *Engine) effectiveRule(tool string) Rule {
	var merged Rule
	if e.cfg.Rule != nil {
		merged = *e.cfg.Rule
	}
	if tr, ok := e.cfg.Tools[tool]; ok {
		if tr.DelayMs != nil {
			merged.DelayMs = tr.DelayMs
		}
		if tr.FailRate != nil {
			merged.FailRate = tr.FailRate
		}
		if tr.CorruptRate != nil {
			merged.CorruptRate = tr.CorruptRate
		}
	}
	return merged
}

// Delay draws the injected delay in milliseconds for tool, or 0 if no delay
// rule applies or the draw misses.
func (e *Engine) Delay(tool string) int64 {
	rule := e.effectiveRule(tool)
	if rule.DelayMs == nil {
		return 0
	}
	if e.next() >= rule.DelayMs.P {
		return 0
	}
	if rule.DelayMs.Value != nil {
		return *rule.DelayMs.Value
	}
	if rule.DelayMs.Min != nil && rule.DelayMs.Max != nil {
		return e.nextInt(*rule.DelayMs.Min, *rule.DelayMs.Max)
	}
	return 0
}

// ShouldFail draws whether this call should be failed outright, using
// failRate ∈ [0,1].
func (e *Engine) ShouldFail(tool string) bool {
	rule := e.effectiveRule(tool)
	if rule.FailRate == nil || *rule.FailRate <= 0 {
		return false
	}
	return e.next() < *rule.FailRate
}

// ShouldCorrupt draws whether the response should be wrapped in the
// corruption envelope (spec.md §6).
func (e *Engine) ShouldCorrupt(tool string) bool {
	rule := e.effectiveRule(tool)
	if rule.CorruptRate == nil || *rule.CorruptRate <= 0 {
		return false
	}
	return e.next() < *rule.CorruptRate
}

// Apply draws every decision for one tools/call against tool, in the fixed
// order delay, fail, corrupt — callers must preserve this order across runs
// for determinism to hold (spec.md §4.3, §8).
func (e *Engine) Apply(tool string) Applied {
	a := Applied{Seed: e.cfg.Seed}
	a.DelayMs = e.Delay(tool)
	a.ErrorInjected = e.ShouldFail(tool)
	a.Corrupted = e.ShouldCorrupt(tool)
	return a
}

// Corrupt wraps payload in the corruption envelope spec.md §6 describes:
// `{…original, _corrupted: true, _originalKeys: […]}`.
func Corrupt(payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			fields = nil
		}
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	envelope := map[string]interface{}{"_corrupted": true, "_originalKeys": keys}
	for k, v := range fields {
		envelope[k] = v
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("corrupt payload: %w", err)
	}
	return out, nil
}
