package tern

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Token estimation and memory defaults. Estimation uses the ~4 chars/token
// heuristic with ceiling division; it overestimates on dense prose, which
// errs toward earlier compaction.
const (
	CharsPerToken = 4

	DefaultProtectRecent      = 3
	DefaultSoftTrimChars      = 4000
	DefaultHardClearThreshold = 20000

	DefaultContextLimit     = 100_000
	DefaultReserveTokens    = 2000
	DefaultKeepRecentTokens = 20_000

	// OversizedMessageChars marks a single message too large for one
	// summary slot; compaction records two slots around it instead.
	OversizedMessageChars = 50_000
)

// summaryHeader prefixes the synthetic system message that replaces a
// compacted conversation head. Rebuild relies on it to recognize summaries.
const summaryHeader = "[conversation summary]\n"

const summarizationPrompt = `You are compacting an agent conversation to free context space.
Summarize the transcript below, preserving: the user's goals and constraints, decisions made,
tool actions taken with their outcomes, file paths and identifiers mentioned, and any unresolved
work. Write a dense factual summary. Do not add commentary.`

// PruningConfig controls structural truncation of old tool results.
type PruningConfig struct {
	// ProtectRecent is how many of the newest tool results are never touched.
	ProtectRecent int `json:"protect_recent"`
	// SoftTrimChars truncates older tool results beyond this length.
	SoftTrimChars int `json:"soft_trim_chars"`
	// HardClearThreshold replaces older tool results beyond this length
	// with a placeholder noting the original size.
	HardClearThreshold int `json:"hard_clear_threshold"`
	Disabled           bool `json:"disabled"`
}

func (c PruningConfig) withDefaults() PruningConfig {
	if c.ProtectRecent <= 0 {
		c.ProtectRecent = DefaultProtectRecent
	}
	if c.SoftTrimChars <= 0 {
		c.SoftTrimChars = DefaultSoftTrimChars
	}
	if c.HardClearThreshold <= 0 {
		c.HardClearThreshold = DefaultHardClearThreshold
	}
	return c
}

// CompactionConfig controls LLM summarization of the conversation head.
type CompactionConfig struct {
	ContextLimit     int    `json:"context_limit"`
	ReserveTokens    int    `json:"reserve_tokens"`
	KeepRecentTokens int    `json:"keep_recent_tokens"`
	// SummaryModel overrides the thread's model for summarization calls.
	SummaryModel string `json:"summary_model"`
	Disabled     bool   `json:"disabled"`
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.ContextLimit <= 0 {
		c.ContextLimit = DefaultContextLimit
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = DefaultReserveTokens
	}
	if c.KeepRecentTokens <= 0 {
		c.KeepRecentTokens = DefaultKeepRecentTokens
	}
	return c
}

// MemoryConfig bundles the per-thread memory policy.
type MemoryConfig struct {
	// Model is the fallback summarization model when SummaryModel is unset.
	Model      string
	Pruning    PruningConfig
	Compaction CompactionConfig
	Logger     *slog.Logger
}

// SummaryRecord is one persisted compaction summary slot. Slots are
// keyed (thread_id, slot) and never rewritten.
type SummaryRecord struct {
	ThreadID   string `json:"thread_id"`
	Slot       int64  `json:"slot"`
	Content    string `json:"content"`
	TokenCount int    `json:"token_count"`
	CreatedAt  int64  `json:"created_at"`
}

// SummaryStore persists compaction summaries durably, in slot order.
type SummaryStore interface {
	// AppendSummary stores content as the thread's next slot and returns
	// the slot index.
	AppendSummary(ctx context.Context, threadID, content string) (int64, error)
	// LoadSummaries returns all slots for a thread, ordered by slot.
	LoadSummaries(ctx context.Context, threadID string) ([]SummaryRecord, error)
}

// Checkpointer loads a thread's persisted conversation messages.
type Checkpointer interface {
	Messages(ctx context.Context, threadID string) ([]ChatMessage, error)
}

// CompactionResult reports what a compaction pass did.
type CompactionResult struct {
	Compacted    bool
	Messages     []ChatMessage
	Slots        []int64
	Summary      string
	TokensBefore int
	TokensAfter  int
}

// MemoryManager keeps a thread's conversation within its context budget:
// cheap structural pruning of old tool results on every turn, and LLM
// compaction of the conversation head when the token estimate crosses
// context_limit − reserve_tokens. Summaries are persisted before any
// message is dropped from the live conversation.
type MemoryManager struct {
	provider   ModelProvider
	summaries  SummaryStore
	model      string
	pruning    PruningConfig
	compaction CompactionConfig
	logger     *slog.Logger
}

// NewMemoryManager wires a manager. provider may be nil only if compaction
// is disabled; summaries may be nil only if compaction is disabled.
func NewMemoryManager(provider ModelProvider, summaries SummaryStore, cfg MemoryConfig) *MemoryManager {
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &MemoryManager{
		provider:   provider,
		summaries:  summaries,
		model:      cfg.Model,
		pruning:    cfg.Pruning.withDefaults(),
		compaction: cfg.Compaction.withDefaults(),
		logger:     logger,
	}
}

// EstimateMessageTokens estimates one message's token footprint.
func EstimateMessageTokens(m ChatMessage) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name) + len(tc.Args)
	}
	return (chars + CharsPerToken - 1) / CharsPerToken
}

// EstimateTokens estimates the total token footprint of a conversation.
func EstimateTokens(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessageTokens(m)
	}
	return total
}

// Prune applies structural truncation to tool results older than the last
// ProtectRecent ones. Pure function: the input slice is not modified.
func (m *MemoryManager) Prune(msgs []ChatMessage) []ChatMessage {
	if m.pruning.Disabled {
		return msgs
	}
	protected := m.pruning.ProtectRecent
	toolResults := 0
	for _, msg := range msgs {
		if msg.Role == "tool" {
			toolResults++
		}
	}
	prunable := toolResults - protected
	if prunable <= 0 {
		return msgs
	}

	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	seen := 0
	for i := range out {
		if out[i].Role != "tool" {
			continue
		}
		seen++
		if seen > prunable {
			break
		}
		n := len(out[i].Content)
		switch {
		case n > m.pruning.HardClearThreshold:
			out[i].Content = fmt.Sprintf("[cleared: %d chars]", n)
		case n > m.pruning.SoftTrimChars:
			out[i].Content = out[i].Content[:m.pruning.SoftTrimChars] + "[trimmed]"
		}
	}
	return out
}

// NeedsCompaction reports whether the conversation's token estimate has
// crossed the compaction trigger.
func (m *MemoryManager) NeedsCompaction(msgs []ChatMessage) bool {
	if m.compaction.Disabled {
		return false
	}
	return EstimateTokens(msgs) >= m.compaction.ContextLimit-m.compaction.ReserveTokens
}

// Compact summarizes the conversation head and replaces it with a single
// synthetic system message. Every summary slot is persisted before the
// live conversation changes; if summarization or persistence fails,
// the conversation is left untouched and the error surfaces to the caller
// as a warning.
func (m *MemoryManager) Compact(ctx context.Context, threadID string, msgs []ChatMessage) (CompactionResult, error) {
	res := CompactionResult{Messages: msgs, TokensBefore: EstimateTokens(msgs)}
	if m.compaction.Disabled {
		return res, nil
	}
	if m.provider == nil || m.summaries == nil {
		return res, Errorf(KindInternalBug, "compaction enabled without provider or summary store")
	}

	head, tail := m.partition(msgs)
	if len(head) == 0 {
		return res, nil
	}

	chunks := splitOversized(head)
	texts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		summary, err := m.summarize(ctx, chunk)
		if err != nil {
			m.logger.Warn("compaction aborted", "thread_id", threadID, "error", err)
			return res, WrapError(KindOf(err), err, "compaction summarization failed")
		}
		texts = append(texts, summary)
	}

	slots := make([]int64, 0, len(texts))
	for _, text := range texts {
		slot, err := m.summaries.AppendSummary(ctx, threadID, text)
		if err != nil {
			m.logger.Warn("compaction summary persist failed", "thread_id", threadID, "error", err)
			return res, WrapError(KindOf(err), err, "persisting compaction summary")
		}
		slots = append(slots, slot)
	}

	summary := strings.Join(texts, "\n\n")
	compacted := append([]ChatMessage{SystemMessage(summaryHeader + summary)}, tail...)

	res.Compacted = true
	res.Messages = compacted
	res.Slots = slots
	res.Summary = summary
	res.TokensAfter = EstimateTokens(compacted)
	m.logger.Info("conversation compacted",
		"thread_id", threadID,
		"slots", len(slots),
		"tokens_before", res.TokensBefore,
		"tokens_after", res.TokensAfter)
	return res, nil
}

// Maintain runs the per-turn memory pass: prune always, compact when the
// estimate crosses the trigger. On compaction failure the pruned
// conversation is returned along with the error.
func (m *MemoryManager) Maintain(ctx context.Context, threadID string, msgs []ChatMessage) ([]ChatMessage, CompactionResult, error) {
	pruned := m.Prune(msgs)
	if !m.NeedsCompaction(pruned) {
		return pruned, CompactionResult{Messages: pruned}, nil
	}
	res, err := m.Compact(ctx, threadID, pruned)
	if err != nil {
		return pruned, res, err
	}
	return res.Messages, res, nil
}

// RebuildConversation reconstructs the summarized view after a restart:
// all persisted summary slots as leading system messages, followed by the
// checkpointed messages with any previously embedded summary message
// stripped (slots are the source of truth).
func (m *MemoryManager) RebuildConversation(ctx context.Context, threadID string, ck Checkpointer) ([]ChatMessage, error) {
	records, err := m.summaries.LoadSummaries(ctx, threadID)
	if err != nil {
		return nil, WrapError(KindOf(err), err, "loading summaries")
	}
	stored, err := ck.Messages(ctx, threadID)
	if err != nil {
		return nil, WrapError(KindOf(err), err, "loading checkpointed messages")
	}

	var out []ChatMessage
	for _, r := range records {
		out = append(out, SystemMessage(summaryHeader+r.Content))
	}
	for _, msg := range stored {
		if msg.Role == "system" && strings.HasPrefix(msg.Content, summaryHeader) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// partition splits msgs into (head, tail) where tail is the most recent
// run of messages within KeepRecentTokens. The boundary never strands a
// tool result from its tool call: the tail is extended left until it does
// not begin with a tool message.
func (m *MemoryManager) partition(msgs []ChatMessage) (head, tail []ChatMessage) {
	budget := m.compaction.KeepRecentTokens
	cut := len(msgs)
	spent := 0
	for cut > 0 {
		t := EstimateMessageTokens(msgs[cut-1])
		if spent+t > budget && cut < len(msgs) {
			break
		}
		spent += t
		cut--
	}
	for cut > 0 && cut < len(msgs) && msgs[cut].Role == "tool" {
		cut--
	}
	return msgs[:cut], msgs[cut:]
}

// splitOversized returns the chunks to summarize. Normally one chunk; if a
// single message exceeds OversizedMessageChars the head is split into two
// chunks around that message's midpoint so each half lands in its own
// summary slot.
func splitOversized(head []ChatMessage) [][]ChatMessage {
	for i, msg := range head {
		if len(msg.Content) <= OversizedMessageChars {
			continue
		}
		mid := len(msg.Content) / 2
		first := msg
		first.Content = msg.Content[:mid]
		second := msg
		second.Content = msg.Content[mid:]

		chunkA := append(append([]ChatMessage{}, head[:i]...), first)
		chunkB := append([]ChatMessage{second}, head[i+1:]...)
		return [][]ChatMessage{chunkA, chunkB}
	}
	return [][]ChatMessage{head}
}

func (m *MemoryManager) summarize(ctx context.Context, chunk []ChatMessage) (string, error) {
	model := m.compaction.SummaryModel
	if model == "" {
		model = m.model
	}
	resp, err := m.provider.Chat(ctx, ModelRequest{
		Model: model,
		Messages: []ChatMessage{
			SystemMessage(summarizationPrompt),
			UserMessage(renderTranscript(chunk)),
		},
		MaxTokens: m.compaction.ReserveTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", Errorf(KindProviderFatal, "summarization model returned empty content")
	}
	return resp.Content, nil
}

// renderTranscript flattens messages into a plain transcript for the
// summarization prompt.
func renderTranscript(msgs []ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		if len(m.ToolCalls) > 0 {
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "[calls %s(%s)] ", tc.Name, string(tc.Args))
			}
		}
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}
