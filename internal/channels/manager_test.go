package channels

import (
	"context"
	"testing"
	"time"

	"github.com/orbiterhq/orbiter/internal/dispatcher"
)

type fakeChannel struct {
	id      string
	sends   int
	running bool
}

func (f *fakeChannel) ID() string                  { return f.id }
func (f *fakeChannel) Start(ctx context.Context) error { f.running = true; return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { f.running = false; return nil }
func (f *fakeChannel) IsRunning() bool             { return f.running }
func (f *fakeChannel) Send(ctx context.Context, channelID string, msg dispatcher.OutboundMessage) error {
	f.sends++
	return nil
}

func TestManager_Send_RoutesToRegisteredChannel(t *testing.T) {
	m := NewManager(0)
	ch := &fakeChannel{id: "telegram"}
	m.RegisterChannel("telegram", ch)

	if err := m.Send(context.Background(), "telegram", dispatcher.OutboundMessage{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ch.sends != 1 {
		t.Errorf("sends = %d, want 1", ch.sends)
	}
}

func TestManager_Send_UnknownChannelErrors(t *testing.T) {
	m := NewManager(0)
	if err := m.Send(context.Background(), "nope", dispatcher.OutboundMessage{}); err == nil {
		t.Fatal("expected error for unregistered channel")
	}
}

func TestManager_Send_InternalChannelSkipsSilently(t *testing.T) {
	m := NewManager(0)
	if err := m.Send(context.Background(), "system", dispatcher.OutboundMessage{}); err != nil {
		t.Fatalf("expected internal channel send to no-op, got: %v", err)
	}
}

func TestManager_Send_ThrottlesPerChannel(t *testing.T) {
	m := NewManager(1000) // 1000/s: bucket drains fast enough not to block the test
	ch := &fakeChannel{id: "telegram"}
	m.RegisterChannel("telegram", ch)

	for i := 0; i < 3; i++ {
		if err := m.Send(context.Background(), "telegram", dispatcher.OutboundMessage{}); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}
	if ch.sends != 3 {
		t.Errorf("sends = %d, want 3", ch.sends)
	}
}

func TestManager_Send_RespectsContextCancellation(t *testing.T) {
	// A near-zero rate with an exhausted burst forces Wait to block until
	// ctx is cancelled, proving the limiter is actually consulted.
	m := NewManager(0.0001)
	ch := &fakeChannel{id: "telegram"}
	m.RegisterChannel("telegram", ch)
	m.limiterFor("telegram") // prime the bucket so its single token is spent below

	// Spend the one burst token.
	ctx := context.Background()
	if err := m.Send(ctx, "telegram", dispatcher.OutboundMessage{}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Send(cancelCtx, "telegram", dispatcher.OutboundMessage{}); err == nil {
		t.Fatal("expected the second send to be blocked by the rate limiter and fail on context deadline")
	}
}
