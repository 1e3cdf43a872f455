package observer

import (
	"sync"

	"github.com/ternhq/tern"
)

// TokenCounts is the monitor's cumulative view of token consumption.
// AdjustedInput excludes cached tokens for providers whose input figure
// includes them; for providers that already exclude cached tokens it
// equals Input.
type TokenCounts struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	Reasoning     int64 `json:"reasoning"`
	CacheRead     int64 `json:"cache_read"`
	CacheCreation int64 `json:"cache_creation"`
	Total         int64 `json:"total"`
	AdjustedInput int64 `json:"adjusted_input"`
}

// TokenMonitor aggregates per-response token counts into six buckets.
// Standardized usage metadata is preferred; provider-raw fields are the
// fallback when a provider normalized nothing.
type TokenMonitor struct {
	mu     sync.Mutex
	counts TokenCounts
}

// NewTokenMonitor returns an empty monitor.
func NewTokenMonitor() *TokenMonitor { return &TokenMonitor{} }

// Record folds one response's usage into the running counts and returns
// the usage as recorded (post raw-field fallback).
func (m *TokenMonitor) Record(resp *tern.ModelResponse) tern.Usage {
	u := resp.Usage
	if usageEmpty(u) && len(resp.RawUsage) > 0 {
		u = usageFromRaw(resp.RawUsage)
	}
	adjusted := u.InputTokens
	if u.InputIncludesCache {
		adjusted -= u.CacheReadTokens + u.CacheCreationTokens
		if adjusted < 0 {
			adjusted = 0
		}
	}

	m.mu.Lock()
	m.counts.Input += u.InputTokens
	m.counts.Output += u.OutputTokens
	m.counts.Reasoning += u.ReasoningTokens
	m.counts.CacheRead += u.CacheReadTokens
	m.counts.CacheCreation += u.CacheCreationTokens
	m.counts.Total += u.Total()
	m.counts.AdjustedInput += adjusted
	m.mu.Unlock()
	return u
}

// Counts returns a copy of the cumulative counts.
func (m *TokenMonitor) Counts() TokenCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts
}

func usageEmpty(u tern.Usage) bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.ReasoningTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheCreationTokens == 0 && u.TotalTokens == 0
}

// usageFromRaw maps provider-raw usage fields onto the standard buckets.
// Both OpenAI-style (prompt/completion) and Anthropic-style (input/output)
// key families are recognized.
func usageFromRaw(raw map[string]int64) tern.Usage {
	pick := func(keys ...string) int64 {
		for _, k := range keys {
			if v, ok := raw[k]; ok {
				return v
			}
		}
		return 0
	}
	u := tern.Usage{
		InputTokens:         pick("input_tokens", "prompt_tokens"),
		OutputTokens:        pick("output_tokens", "completion_tokens"),
		ReasoningTokens:     pick("reasoning_tokens"),
		CacheReadTokens:     pick("cache_read_input_tokens", "cached_tokens"),
		CacheCreationTokens: pick("cache_creation_input_tokens"),
		TotalTokens:         pick("total_tokens"),
	}
	// OpenAI's prompt_tokens counts cached tokens; Anthropic's
	// input_tokens does not.
	if _, openai := raw["prompt_tokens"]; openai && u.CacheReadTokens > 0 {
		u.InputIncludesCache = true
	}
	return u
}

// NearLimitRatio is the fraction of the context limit at which the
// context monitor raises near_limit.
const NearLimitRatio = 0.9

// ContextMonitor tracks conversation size against the model's context
// window.
type ContextMonitor struct {
	mu           sync.Mutex
	contextLimit int64
	messageCount int
	estTokens    int64
}

// NewContextMonitor returns a monitor for the given context limit in
// tokens. A zero limit disables the near_limit flag.
func NewContextMonitor(contextLimit int64) *ContextMonitor {
	return &ContextMonitor{contextLimit: contextLimit}
}

// Observe updates the monitor from the current conversation.
func (m *ContextMonitor) Observe(messages []tern.ChatMessage) {
	var chars int64
	for _, msg := range messages {
		chars += int64(len(msg.Content))
		for _, tc := range msg.ToolCalls {
			chars += int64(len(tc.Args))
		}
	}
	m.mu.Lock()
	m.messageCount = len(messages)
	m.estTokens = (chars + tern.CharsPerToken - 1) / tern.CharsPerToken
	m.mu.Unlock()
}

// Snapshot returns message count, token estimate, limit, and near_limit.
func (m *ContextMonitor) Snapshot() (messages int, estTokens, limit int64, nearLimit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	near := m.contextLimit > 0 && float64(m.estTokens) >= NearLimitRatio*float64(m.contextLimit)
	return m.messageCount, m.estTokens, m.contextLimit, near
}

// StateMonitor tracks the agent's high-level state and a flag map.
type StateMonitor struct {
	mu    sync.Mutex
	state string
	flags map[string]bool
}

// NewStateMonitor returns a monitor in the idle state.
func NewStateMonitor() *StateMonitor {
	return &StateMonitor{state: tern.RunStateIdle.String(), flags: map[string]bool{}}
}

// SetState records the agent's current state.
func (m *StateMonitor) SetState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// SetFlag sets or clears a named flag.
func (m *StateMonitor) SetFlag(name string, value bool) {
	m.mu.Lock()
	if value {
		m.flags[name] = true
	} else {
		delete(m.flags, name)
	}
	m.mu.Unlock()
}

// Snapshot returns the state and a copy of the flag map.
func (m *StateMonitor) Snapshot() (string, map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flags := make(map[string]bool, len(m.flags))
	for k, v := range m.flags {
		flags[k] = v
	}
	return m.state, flags
}

// AgentRuntime composes the monitors for one thread of execution. It is
// fed by the monitor middleware after each LLM response and snapshotted
// into status events and the runtime HTTP endpoint.
type AgentRuntime struct {
	Tokens  *TokenMonitor
	Context *ContextMonitor
	State   *StateMonitor

	cost *CostCalculator

	mu      sync.Mutex
	costUSD CostBreakdown
}

// NewAgentRuntime builds a runtime around the given cost calculator and
// context limit. A nil calculator gets the default pricing table.
func NewAgentRuntime(cost *CostCalculator, contextLimit int64) *AgentRuntime {
	if cost == nil {
		cost = NewCostCalculator(nil)
	}
	return &AgentRuntime{
		Tokens:  NewTokenMonitor(),
		Context: NewContextMonitor(contextLimit),
		State:   NewStateMonitor(),
		cost:    cost,
	}
}

// ObserveResponse folds one LLM response into the monitors.
func (rt *AgentRuntime) ObserveResponse(model string, resp *tern.ModelResponse) {
	u := rt.Tokens.Record(resp)
	bd := rt.cost.Breakdown(model, u)
	rt.mu.Lock()
	rt.costUSD.Add(bd)
	rt.mu.Unlock()
}

// Cost returns the cumulative cost breakdown.
func (rt *AgentRuntime) Cost() CostBreakdown {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.costUSD
}

// Snapshot assembles the full monitor state for a status event.
func (rt *AgentRuntime) Snapshot() tern.StatusSnapshot {
	state, flags := rt.State.Snapshot()
	msgs, est, limit, near := rt.Context.Snapshot()
	counts := rt.Tokens.Counts()
	var used float64
	if limit > 0 {
		used = float64(est) / float64(limit)
	}
	return tern.StatusSnapshot{
		State: state,
		Usage: tern.Usage{
			InputTokens:         counts.Input,
			OutputTokens:        counts.Output,
			ReasoningTokens:     counts.Reasoning,
			CacheReadTokens:     counts.CacheRead,
			CacheCreationTokens: counts.CacheCreation,
			TotalTokens:         counts.Total,
		},
		CostUSD:         rt.Cost().Total.String(),
		MessageCount:    msgs,
		EstimatedTokens: est,
		ContextLimit:    limit,
		ContextUsed:     used,
		NearLimit:       near,
		Flags:           flags,
	}
}
