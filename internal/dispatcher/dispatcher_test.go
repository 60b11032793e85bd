package dispatcher

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orbiterhq/orbiter/internal/agentloop"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store"
	"github.com/orbiterhq/orbiter/internal/tools"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []OutboundMessage
}

func (f *fakeSender) Send(_ context.Context, _ string, msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) last() OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeOps struct {
	mu      sync.Mutex
	reserved map[string]bool
}

func newFakeOps() *fakeOps { return &fakeOps{reserved: make(map[string]bool)} }

func (o *fakeOps) CheckAndReserveIdempotency(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reserved[key] {
		return true, nil
	}
	o.reserved[key] = true
	return false, nil
}

func (o *fakeOps) RateAllow(_ context.Context, _ string, _ time.Duration, _ int) (bool, time.Duration, error) {
	return true, 0, nil
}

func (o *fakeOps) RecordEvent(_ context.Context, _ store.Event) error { return nil }
func (o *fakeOps) Close() error                                       { return nil }

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

type fixedProvider struct {
	content string
	creds   bool
	name    string
}

func (p *fixedProvider) Chat(_ context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.content, FinishReason: "stop"}, nil
}
func (p *fixedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *fixedProvider) DefaultModel() string { return "fixed-model" }
func (p *fixedProvider) Name() string {
	if p.name != "" {
		return p.name
	}
	return "fixed"
}
func (p *fixedProvider) HasCredentials() bool { return p.creds }

// blockingProvider's Chat blocks until unblock is closed, letting a test
// observe a run registered in Dispatcher.inFlight before it completes.
type blockingProvider struct {
	unblock chan struct{}
}

func (p *blockingProvider) Chat(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
	select {
	case <-p.unblock:
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (p *blockingProvider) ChatStream(ctx context.Context, req providers.ChatRequest, _ func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return p.Chat(ctx, req)
}
func (p *blockingProvider) DefaultModel() string { return "blocking-model" }
func (p *blockingProvider) Name() string         { return "blocking" }
func (p *blockingProvider) HasCredentials() bool { return true }

func newFixtures(t *testing.T, reply string, creds bool) (*Dispatcher, *fakeSender) {
	t.Helper()
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	provider := &fixedProvider{content: reply, creds: creds}
	loop := agentloop.NewLoop(provider, registry, executor, ts)

	sender := &fakeSender{}
	cfg := DefaultConfig("default")
	deps := Dependencies{
		Sender:   sender,
		Registry: sessions.NewRegistry(),
		Stores:   &store.Stores{Transcript: ts, Ops: newFakeOps()},
		Loop:     loop,
		Provider: provider,
	}
	return New(cfg, deps), sender
}

func TestDispatch_HappyPath(t *testing.T) {
	d, sender := newFixtures(t, "hi there", true)

	d.Dispatch(context.Background(), MsgContext{
		Channel: "telegram", From: "user1", ChatType: ChatDirect,
		MessageID: "m1", Body: "hello",
	})

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	if sender.last().Text != "hi there" {
		t.Fatalf("reply = %q", sender.last().Text)
	}
}

func TestDispatch_DuplicateMessageIsIgnored(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "dup-1", Body: "hello"}

	d.Dispatch(context.Background(), mc)
	d.Dispatch(context.Background(), mc)

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1 (second dispatch should be deduped)", sender.count())
	}
}

func TestDispatch_NoCredentialsRepliesWithHint(t *testing.T) {
	d, sender := newFixtures(t, "hi", false)

	d.Dispatch(context.Background(), MsgContext{
		Channel: "telegram", From: "user1", ChatType: ChatDirect,
		MessageID: "m1", Body: "hello",
	})

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	if sender.last().Text == "hi" {
		t.Fatalf("expected the no-credentials hint, got the LLM reply")
	}
}

func TestDispatch_SlashNewRotatesSession(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "/new"}

	d.Dispatch(context.Background(), mc)

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	key := d.sessionKeyFor(mc)
	entry := d.registry.Get(key)
	if entry == nil || entry.RotatedCount != 1 {
		t.Fatalf("entry after /new = %+v", entry)
	}
}

func TestDispatch_SlashModelReportsCurrentProvider(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "/model"}

	d.Dispatch(context.Background(), mc)

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	if sender.last().Text == "" {
		t.Fatal("expected a non-empty /model report")
	}
}

func TestDispatch_SlashModelSwitchesPrimaryInChain(t *testing.T) {
	p1 := &fixedProvider{content: "hi", creds: true}
	p1.name = "alpha"
	p2 := &fixedProvider{content: "hi", creds: true}
	p2.name = "beta"
	chain, err := providers.NewChain(p1, p2)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	loop := agentloop.NewLoop(chain, registry, executor, ts)
	sender := &fakeSender{}
	d := New(DefaultConfig("default"), Dependencies{
		Sender:   sender,
		Registry: sessions.NewRegistry(),
		Stores:   &store.Stores{Transcript: ts, Ops: newFakeOps()},
		Loop:     loop,
		Provider: chain,
	})

	d.Dispatch(context.Background(), MsgContext{
		Channel: "telegram", From: "user1", ChatType: ChatDirect,
		MessageID: "m1", Body: "/model beta",
	})

	if chain.Name() != "beta" {
		t.Fatalf("chain primary after /model beta = %q, want beta", chain.Name())
	}

	d.Dispatch(context.Background(), MsgContext{
		Channel: "telegram", From: "user1", ChatType: ChatDirect,
		MessageID: "m2", Body: "/model nope",
	})
	if sender.last().Text == "" || chain.Name() != "beta" {
		t.Fatalf("expected unknown /model ref to report an error without changing the primary")
	}
}

func TestDispatch_SlashStopReportsNothingRunning(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "/stop"}

	d.Dispatch(context.Background(), mc)

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	if sender.last().Text != "Nothing is running for this session." {
		t.Fatalf("reply = %q", sender.last().Text)
	}
}

func TestDispatch_SlashStopAllRejectsNonOwner(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "/stopall"}

	d.Dispatch(context.Background(), mc)

	if sender.last().Text != "Only the deployment owner can use /stopall." {
		t.Fatalf("reply = %q", sender.last().Text)
	}
}

func TestDispatch_SlashStopAllAllowsOwner(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	d.cfg.OwnerIDs = []string{"owner1"}
	mc := MsgContext{Channel: "telegram", From: "owner1", ChatType: ChatDirect, MessageID: "m1", Body: "/stopall"}

	d.Dispatch(context.Background(), mc)

	if sender.last().Text != "Nothing is running." {
		t.Fatalf("reply = %q", sender.last().Text)
	}
}

func TestDispatch_SlashHelpListsCommands(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "/help"}

	d.Dispatch(context.Background(), mc)

	if sender.count() != 1 {
		t.Fatalf("sent count = %d, want 1", sender.count())
	}
	if !strings.Contains(sender.last().Text, "/stop") {
		t.Fatalf("expected /help to mention /stop, got %q", sender.last().Text)
	}
}

func TestDispatcher_StopSessionCancelsInFlightRun(t *testing.T) {
	registry := tools.NewRegistry()
	executor := tools.NewExecutor(registry, nil, tools.DefaultExecutorConfig())
	ts := newFakeTranscript()
	block := make(chan struct{})
	provider := &blockingProvider{unblock: block}
	loop := agentloop.NewLoop(provider, registry, executor, ts)
	sender := &fakeSender{}
	d := New(DefaultConfig("default"), Dependencies{
		Sender:   sender,
		Registry: sessions.NewRegistry(),
		Stores:   &store.Stores{Transcript: ts, Ops: newFakeOps()},
		Loop:     loop,
		Provider: provider,
	})

	mc := MsgContext{Channel: "telegram", From: "user1", ChatType: ChatDirect, MessageID: "m1", Body: "hello"}
	sessionKey := d.sessionKeyFor(mc)

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), mc)
		close(done)
	}()

	// Wait for the run to register itself before trying to stop it.
	deadline := time.After(2 * time.Second)
	for {
		if d.StopSession(sessionKey) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the run to register in inFlight")
		case <-time.After(time.Millisecond):
		}
	}
	close(block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Dispatch to return after StopSession")
	}
	if sender.last().Text != "Stopped." {
		t.Fatalf("reply after stop = %q", sender.last().Text)
	}
}

func TestDispatch_GroupMessageRejectedWithoutMentionWhenRequired(t *testing.T) {
	d, sender := newFixtures(t, "hi", true)
	d.cfg.Activation = ActivationPolicy{
		GroupPolicy:    "open",
		RequireMention: true,
		Mentioned:      func(body string) bool { return false },
	}

	d.Dispatch(context.Background(), MsgContext{
		Channel: "telegram", From: "user1", ChatType: ChatGroup, GroupID: "g1",
		MessageID: "m1", Body: "hello",
	})

	if sender.count() != 0 {
		t.Fatalf("sent count = %d, want 0 (no activation)", sender.count())
	}
}
