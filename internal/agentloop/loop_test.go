package agentloop

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/orbiterhq/orbiter/internal/config"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/tools"
)

// fakeTranscript is an in-memory stand-in for store.TranscriptStore.
type fakeTranscript struct {
	mu   sync.Mutex
	logs map[string][]providers.Message
}

func newFakeTranscript() *fakeTranscript {
	return &fakeTranscript{logs: make(map[string][]providers.Message)}
}

func (f *fakeTranscript) AppendTranscript(sessionID string, msg providers.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[sessionID] = append(f.logs[sessionID], msg)
	return nil
}

func (f *fakeTranscript) ReadTranscript(sessionID string, limit int) ([]providers.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.logs[sessionID]
	if limit <= 0 || limit >= len(all) {
		return append([]providers.Message(nil), all...), nil
	}
	return append([]providers.Message(nil), all[len(all)-limit:]...), nil
}

// scriptedProvider replays a fixed sequence of ChatResponses, one per call.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
	gotReqs   []providers.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	i := p.calls
	p.calls++
	p.gotReqs = append(p.gotReqs, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *scriptedProvider) DefaultModel() string { return "fake-model" }
func (p *scriptedProvider) Name() string         { return "fake" }

func newLoopFixture(t *testing.T, responses []*providers.ChatResponse, errs []error) (*Loop, *fakeTranscript) {
	t.Helper()
	registry := tools.NewRegistry()
	RegisterEchoOnly(registry)
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	provider := &scriptedProvider{responses: responses, errs: errs}
	return NewLoop(provider, registry, executor, ts), ts
}

// RegisterEchoOnly is a tiny test helper living alongside the fixtures:
// the echo tool from internal/tools/builtin.go, registered directly so
// this package's tests don't need a workspace path.
func RegisterEchoOnly(r *tools.Registry) {
	r.Register(&tools.ToolDefinition{
		Name:        "echo",
		Description: "echo",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"message": map[string]any{"type": "string"}},
			"required":   []string{"message"},
		},
		Security: tools.SecurityRead,
		Execute: func(args map[string]any, _ tools.ToolContext) *tools.Result {
			msg, _ := args["message"].(string)
			return tools.NewResult("echoed: " + msg)
		},
	})
}

func TestLoop_NoToolCalls_ReturnsContentImmediately(t *testing.T) {
	loop, ts := newLoopFixture(t, []*providers.ChatResponse{
		{Content: "hello there", FinishReason: "stop"},
	}, nil)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionID:   "sess-1",
		UserMessage: providers.Message{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "hello there" {
		t.Fatalf("final text = %q", res.FinalText)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}

	msgs, _ := ts.ReadTranscript("sess-1", 0)
	if len(msgs) != 2 {
		t.Fatalf("transcript len = %d, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected transcript roles: %+v", msgs)
	}
}

func TestLoop_ToolCallThenFinalText(t *testing.T) {
	loop, ts := newLoopFixture(t, []*providers.ChatResponse{
		{
			ToolCalls: []providers.ToolCall{
				{ID: "call-1", Name: "echo", Arguments: map[string]any{"message": "ping"}},
			},
			FinishReason: "tool_calls",
		},
		{Content: "done", FinishReason: "stop"},
	}, nil)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionID:   "sess-2",
		UserMessage: providers.Message{Role: "user", Content: "run echo"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "done" {
		t.Fatalf("final text = %q", res.FinalText)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}

	msgs, _ := ts.ReadTranscript("sess-2", 0)
	// user, assistant(tool_calls), tool(result), assistant(final)
	if len(msgs) != 4 {
		t.Fatalf("transcript len = %d, want 4: %+v", len(msgs), msgs)
	}
	if msgs[2].Role != "tool" || msgs[2].Content != "echoed: ping" {
		t.Fatalf("tool result message wrong: %+v", msgs[2])
	}
}

func TestLoop_ExhaustsIterationsWithoutFinalText(t *testing.T) {
	toolCallResp := &providers.ChatResponse{
		ToolCalls: []providers.ToolCall{
			{ID: "call-1", Name: "echo", Arguments: map[string]any{"message": "again"}},
		},
		FinishReason: "tool_calls",
	}
	responses := make([]*providers.ChatResponse, MaxIterations)
	for i := range responses {
		responses[i] = toolCallResp
	}
	loop, _ := newLoopFixture(t, responses, nil)

	res, err := loop.Run(context.Background(), RunRequest{
		SessionID:   "sess-3",
		UserMessage: providers.Message{Role: "user", Content: "loop forever"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != fallbackReply {
		t.Fatalf("final text = %q, want fallback", res.FinalText)
	}
	if res.Iterations != MaxIterations {
		t.Fatalf("iterations = %d, want %d", res.Iterations, MaxIterations)
	}
}

func TestLoop_PrimaryAuthFailureExitsEarlyWithHint(t *testing.T) {
	loop, ts := newLoopFixture(t, []*providers.ChatResponse{nil}, []error{
		&providers.PrimaryAuthFailure{Provider: "anthropic", Err: providers.ErrNoAPIKey},
	})

	res, err := loop.Run(context.Background(), RunRequest{
		SessionID:   "sess-4",
		UserMessage: providers.Message{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if res.FinalText == fallbackReply {
		t.Fatalf("expected an auth-failure hint, got the generic fallback")
	}

	msgs, _ := ts.ReadTranscript("sess-4", 0)
	if len(msgs) == 0 {
		t.Fatalf("expected user turn to still be persisted")
	}
}

func TestIsSilentReply_NoReplyToken(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLYING", false},
		{"hello NO_REPLY", true},
		{"NO_REPLY world", true},
		{"", false},
		{"just a normal reply", false},
	}
	for _, c := range cases {
		if got := IsSilentReply(c.in); got != c.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseMediaResult(t *testing.T) {
	m := parseMediaResult("here you go\nMEDIA:/tmp/out.png\n")
	if m == nil || m.Path != "/tmp/out.png" {
		t.Fatalf("parseMediaResult = %+v", m)
	}

	m2 := parseMediaResult("[[audio_as_voice]]MEDIA:/tmp/out.ogg")
	if m2 == nil || !m2.AsVoice || m2.Path != "/tmp/out.ogg" {
		t.Fatalf("parseMediaResult (voice) = %+v", m2)
	}

	if parseMediaResult("nothing special") != nil {
		t.Fatalf("expected nil MediaResult for plain text")
	}
}

func TestLoop_BootstrapInjectedUntilCleanup(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterEchoOnly(registry)
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "first", FinishReason: "stop"},
		{Content: "second", FinishReason: "stop"},
	}}
	loop := NewLoop(provider, registry, executor, ts).
		WithBootstrap(func(string) (string, error) { return "welcome aboard", nil },
			func(_ string, turnCount int) bool { return turnCount > 1 })

	if _, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", SessionKey: "agent:x:telegram:direct:1", UserMessage: providers.Message{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", SessionKey: "agent:x:telegram:direct:1", UserMessage: providers.Message{Role: "user", Content: "again"}}); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if !containsContent(provider.gotReqs[0].Messages, "welcome aboard") {
		t.Errorf("expected bootstrap text on first turn, got %+v", provider.gotReqs[0].Messages)
	}
	if containsContent(provider.gotReqs[1].Messages, "welcome aboard") {
		t.Errorf("expected bootstrap text dropped after cleanup threshold, got %+v", provider.gotReqs[1].Messages)
	}
}

func TestLoop_CompactionSummarizesOldHistoryAndTracksCount(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterEchoOnly(registry)
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "condensed summary", FinishReason: "stop"}, // the compaction call
		{Content: "final reply", FinishReason: "stop"},       // the real turn
	}}
	loop := NewLoop(provider, registry, executor, ts).WithCompaction(2, 1)

	history := []providers.Message{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "two"},
		{Role: "user", Content: "three"},
	}
	_, err := loop.Run(context.Background(), RunRequest{
		SessionID: "s1", SessionKey: "sess-a",
		History:     history,
		UserMessage: providers.Message{Role: "user", Content: "four"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := loop.GetCompactionCount("sess-a"); got != 1 {
		t.Errorf("GetCompactionCount = %d, want 1", got)
	}
	if provider.calls != 2 {
		t.Fatalf("expected 2 provider calls (summarize + turn), got %d", provider.calls)
	}
	turnMsgs := provider.gotReqs[1].Messages
	if !containsContent(turnMsgs, "condensed summary") {
		t.Errorf("expected summary message in the real turn's messages, got %+v", turnMsgs)
	}
	if containsContent(turnMsgs, "one") || containsContent(turnMsgs, "two") {
		t.Errorf("expected oldest history replaced by the summary, got %+v", turnMsgs)
	}
	if !containsContent(turnMsgs, "three") {
		t.Errorf("expected the kept recent message to survive compaction, got %+v", turnMsgs)
	}
}

func TestLoop_PolicyFiltersToolsBeforeProviderCall(t *testing.T) {
	registry := tools.NewRegistry()
	RegisterEchoOnly(registry)
	registry.Register(&tools.ToolDefinition{
		Name: "write_file", Security: tools.SecurityWrite,
		Execute: func(map[string]any, tools.ToolContext) *tools.Result { return tools.NewResult("") },
	})
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	provider := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "done", FinishReason: "stop"},
	}}
	policy := tools.NewPolicyEngine(&config.ToolsConfig{Allow: []string{"echo"}})
	loop := NewLoop(provider, registry, executor, ts).WithPolicy(policy, "agent-x", nil, nil)

	if _, err := loop.Run(context.Background(), RunRequest{SessionID: "s1", SessionKey: "sess-a", UserMessage: providers.Message{Role: "user", Content: "hi"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	gotTools := provider.gotReqs[0].Tools
	if len(gotTools) != 1 || gotTools[0].Function.Name != "echo" {
		t.Errorf("expected only echo tool after policy filtering, got %+v", gotTools)
	}
}

func containsContent(msgs []providers.Message, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}
