// Package agentloop implements the Agentic Loop (spec §4.E): the bounded
// LLM → tool-call → tool-result cycle that turns a user turn into a final
// reply, persisting each step incrementally so the transcript stays
// re-entrant across a crash.
//
// Grounded in the teacher's internal/agent/loop.go Think→Act→Observe
// structure. It also carries two of the teacher's managed-mode pieces,
// generalized rather than dropped: first-contact BOOTSTRAP.md seeding
// with turn-count cleanup (WithBootstrap, matching the teacher's
// bootstrapAutoCleanupTurns), and history compaction via an extra
// summarizing LLM call (WithCompaction, matching the teacher's
// maybeSummarize/CompactionConfig). Skills, sandboxing, and tracing
// plumbing beyond the OTel spans already here are still out of scope —
// see DESIGN.md.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store"
	"github.com/orbiterhq/orbiter/internal/telemetry"
	"github.com/orbiterhq/orbiter/internal/tools"
)

// MaxIterations is the spec's fixed outer-loop bound (§4.E, §8 testable
// property #6).
const MaxIterations = 5

const fallbackReply = "I apologize, but I couldn't complete your request."

// RunRequest is one invocation of the loop: a system prompt plus the
// already-persisted history, and the new user turn to append and process.
type RunRequest struct {
	SessionID      string
	SessionKey     string
	ChannelID      string
	SystemPrompt   string
	History        []providers.Message
	UserMessage    providers.Message
	ToolContext    tools.ToolContext
}

// RunResult is what the Dispatcher appends as the assistant turn and sends
// to the channel.
type RunResult struct {
	FinalText  string
	Iterations int
	Silent     bool
	Media      *MediaResult
	Usage      *providers.Usage
}

// Loop runs the bounded agentic cycle against a provider (typically a
// *providers.Chain), a tool Registry/Executor, and the Persistence Layer's
// transcript store.
type Loop struct {
	provider      providers.Provider
	registry      *tools.Registry
	executor      *tools.Executor
	transcript    store.TranscriptStore
	maxIterations int

	agentID         string
	policy          *tools.PolicyEngine
	agentToolPolicy *config.ToolPolicySpec
	groupToolAllow  []string

	bootstrapFiles   EnsureUserFilesFunc
	bootstrapCleanup BootstrapCleanupFunc

	compactionThreshold int // messages of history before summarizing; 0 = disabled
	compactionKeep      int // most-recent messages left uncompacted

	// mu guards turnCounts/compactionCounts, the per-sessionKey counters
	// behind bootstrap cleanup and GetCompactionCount. Run may be called
	// concurrently for different sessions.
	mu               sync.Mutex
	turnCounts       map[string]int
	compactionCounts map[string]int
}

// EnsureUserFilesFunc returns the BOOTSTRAP.md-style first-contact text to
// inject for sessionKey, or "" if there's nothing to inject. Errors are
// logged and treated as "nothing to inject" — a missing bootstrap file
// should never fail the turn.
type EnsureUserFilesFunc func(sessionKey string) (string, error)

// BootstrapCleanupFunc reports whether the bootstrap context should stop
// being injected for sessionKey, given how many user turns it has seen.
type BootstrapCleanupFunc func(sessionKey string, turnCount int) bool

func NewLoop(provider providers.Provider, registry *tools.Registry, executor *tools.Executor, transcript store.TranscriptStore) *Loop {
	return &Loop{
		provider:      provider,
		registry:      registry,
		executor:      executor,
		transcript:    transcript,
		maxIterations: MaxIterations,
	}
}

// WithMaxIterations overrides the default bound (tests use a small value
// to exercise the "exhausted" path without 5 live LLM calls).
func (l *Loop) WithMaxIterations(n int) *Loop {
	l.maxIterations = n
	return l
}

// WithPolicy attaches a PolicyEngine so Run narrows the tool list it hands
// the provider each iteration instead of offering the full registry
// Snapshot. agentID identifies the owning agent for policy logging;
// agentToolPolicy is that agent's config.AgentSpec.Tools override;
// groupToolAllow further restricts to a channel group's allow-list (nil
// when the session isn't a group chat with its own tool policy).
func (l *Loop) WithPolicy(policy *tools.PolicyEngine, agentID string, agentToolPolicy *config.ToolPolicySpec, groupToolAllow []string) *Loop {
	l.policy = policy
	l.agentID = agentID
	l.agentToolPolicy = agentToolPolicy
	l.groupToolAllow = groupToolAllow
	return l
}

// WithBootstrap enables first-contact BOOTSTRAP.md seeding: ensure is
// consulted on every turn until cleanup reports the session has aged out.
func (l *Loop) WithBootstrap(ensure EnsureUserFilesFunc, cleanup BootstrapCleanupFunc) *Loop {
	l.bootstrapFiles = ensure
	l.bootstrapCleanup = cleanup
	l.turnCounts = make(map[string]int)
	return l
}

// WithCompaction enables history summarization (matching
// config.CompactionConfig's MinMessages/KeepLastMessages): once a
// session's persisted history exceeds threshold messages, Run summarizes
// everything but the most recent keep messages via one extra LLM call and
// replaces the summarized portion with a single system message.
func (l *Loop) WithCompaction(threshold, keep int) *Loop {
	l.compactionThreshold = threshold
	l.compactionKeep = keep
	l.compactionCounts = make(map[string]int)
	return l
}

// GetCompactionCount reports how many times sessionKey's history has been
// summarized (§6 `/status`, tests).
func (l *Loop) GetCompactionCount(sessionKey string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.compactionCounts[sessionKey]
}

// Run executes the algorithm quoted in §4.E. The user turn is appended to
// the transcript before the loop starts; every assistant/tool-result
// message the loop produces is appended as soon as it is known, not
// batched at the end.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := l.transcript.AppendTranscript(req.SessionID, req.UserMessage); err != nil {
		return nil, fmt.Errorf("agentloop: append user turn: %w", err)
	}

	history := req.History
	if l.compactionThreshold > 0 && len(history) > l.compactionThreshold {
		history = l.compact(ctx, req.SessionKey, history)
	}

	messages := make([]providers.Message, 0, len(history)+3)
	if req.SystemPrompt != "" {
		messages = append(messages, providers.Message{Role: "system", Content: req.SystemPrompt})
	}
	if l.bootstrapFiles != nil {
		l.mu.Lock()
		l.turnCounts[req.SessionKey]++
		turnCount := l.turnCounts[req.SessionKey]
		l.mu.Unlock()

		if l.bootstrapCleanup == nil || !l.bootstrapCleanup(req.SessionKey, turnCount) {
			if text, err := l.bootstrapFiles(req.SessionKey); err != nil {
				slog.Warn("agentloop: bootstrap file lookup failed", "session_key", req.SessionKey, "err", err)
			} else if text != "" {
				messages = append(messages, providers.Message{Role: "system", Content: text})
			}
		}
	}
	messages = append(messages, history...)
	messages = append(messages, req.UserMessage)

	toolDefs := l.registry.Snapshot()
	if l.policy != nil {
		isSubagent := sessions.IsSubagentSession(req.SessionKey)
		toolDefs = l.policy.FilterTools(l.registry, l.agentID, l.provider.Name(),
			l.agentToolPolicy, l.groupToolAllow, isSubagent, isSubagent)
	}

	var finalText string
	var haveFinal bool
	var usage *providers.Usage
	iteration := 0

	for iteration < l.maxIterations {
		iteration++

		iterCtx, iterSpan := telemetry.Tracer().Start(ctx, "agentloop.iteration", trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.Int("iteration", iteration),
		))

		resp, err := l.provider.Chat(iterCtx, providers.ChatRequest{Messages: messages, Tools: toolDefs})
		if err != nil {
			var authErr *providers.PrimaryAuthFailure
			if errors.As(err, &authErr) {
				finalText = engineerrHint(authErr)
				haveFinal = true
				iterSpan.End()
				break
			}
			iterSpan.RecordError(err)
			iterSpan.SetStatus(codes.Error, err.Error())
			iterSpan.End()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("agentloop: llm call failed: %w", err)
			}
			slog.Warn("agentloop: llm call failed", "session_id", req.SessionID, "err", err)
			finalText = "⚠️ I couldn't reach the language model to answer that. Please try again."
			haveFinal = true
			break
		}
		usage = resp.Usage
		iterSpan.SetAttributes(attribute.Int("tool_calls", len(resp.ToolCalls)))
		iterSpan.End()

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			haveFinal = true
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		if err := l.transcript.AppendTranscript(req.SessionID, assistantMsg); err != nil {
			slog.Warn("agentloop: append assistant turn failed", "session_id", req.SessionID, "err", err)
		}

		toolNames := make([]string, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			toolNames[i] = c.Name
		}
		toolCtx, toolSpan := telemetry.Tracer().Start(ctx, "agentloop.tool_calls", trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.StringSlice("tool.names", toolNames),
		))
		results := l.executor.ExecuteCalls(toolCtx, resp.ToolCalls, req.ToolContext)
		ordered := tools.OrderResults(resp.ToolCalls, results)
		failed := 0
		for _, r := range ordered {
			if !r.Success {
				failed++
			}
		}
		if failed > 0 {
			toolSpan.SetStatus(codes.Error, fmt.Sprintf("%d of %d tool calls failed", failed, len(ordered)))
		}
		toolSpan.End()

		for _, r := range ordered {
			toolMsg := providers.Message{
				Role:       "tool",
				Content:    toolContentFor(r),
				ToolCallID: r.ToolCallID,
			}
			messages = append(messages, toolMsg)
			if err := l.transcript.AppendTranscript(req.SessionID, toolMsg); err != nil {
				slog.Warn("agentloop: append tool result failed", "session_id", req.SessionID, "tool_call_id", r.ToolCallID, "err", err)
			}
		}
	}

	if !haveFinal {
		finalText = fallbackReply
	}

	media := parseMediaResult(finalText)
	sanitized := SanitizeAssistantContent(finalText)
	silent := IsSilentReply(sanitized)

	result := &RunResult{
		FinalText:  sanitized,
		Iterations: iteration,
		Silent:     silent,
		Media:      media,
		Usage:      usage,
	}

	assistantFinal := providers.Message{Role: "assistant", Content: finalText}
	if err := l.transcript.AppendTranscript(req.SessionID, assistantFinal); err != nil {
		slog.Warn("agentloop: append final assistant turn failed", "session_id", req.SessionID, "err", err)
	}

	return result, nil
}

// compact summarizes the oldest portion of history via one extra LLM call
// (no tools offered) and replaces it with a single system-role summary
// message, keeping the newest compactionKeep messages (at least one)
// uncompacted. A
// summarization failure leaves history untouched — compaction is a context-
// budget optimization, never a prerequisite for answering the turn.
func (l *Loop) compact(ctx context.Context, sessionKey string, history []providers.Message) []providers.Message {
	keep := l.compactionKeep
	if keep < 1 {
		keep = 1
	}
	if keep >= len(history) {
		return history
	}
	older, recent := history[:len(history)-keep], history[len(history)-keep:]

	summarizeReq := providers.ChatRequest{
		Messages: append(append([]providers.Message{}, older...), providers.Message{
			Role:    "user",
			Content: "Summarize the conversation above in a few sentences, preserving names, decisions, and open questions. Reply with only the summary.",
		}),
	}
	resp, err := l.provider.Chat(ctx, summarizeReq)
	if err != nil {
		slog.Warn("agentloop: compaction summarize failed, keeping full history", "session_key", sessionKey, "err", err)
		return history
	}

	l.mu.Lock()
	l.compactionCounts[sessionKey]++
	l.mu.Unlock()

	summary := providers.Message{Role: "system", Content: "Summary of earlier conversation: " + resp.Content}
	return append([]providers.Message{summary}, recent...)
}

func toolContentFor(r *tools.CallResult) string {
	if r.Success {
		if s, ok := r.Data.(string); ok {
			return s
		}
		return r.Error
	}
	return r.Error
}

// engineerrHint produces the user-visible hint for a primary-provider auth
// failure (§4.E: "surfaced as a user-visible hint... no further providers
// are tried").
func engineerrHint(err *providers.PrimaryAuthFailure) string {
	return fmt.Sprintf("⚠️ I'm not configured correctly to reach %s (authentication failed). Please check the provider credentials.", err.Provider)
}
