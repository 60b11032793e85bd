package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/orbiterhq/orbiter/internal/dispatcher"
)

// defaultSendRatePerSec is the outbound send ceiling used when no config
// override is given — generous enough not to trip over normal reply
// traffic, tight enough to keep a runaway loop from hammering a channel API.
const defaultSendRatePerSec = 5.0

// Manager owns the registered Channel adapters, starts/stops their
// lifecycle, and implements dispatcher.Sender by routing each outbound
// message to the adapter named by channelID — replacing the teacher's
// bus.MessageBus outbound-subscription loop now that the Dispatcher calls
// adapters directly instead of publishing onto a shared bus.
//
// Each registered channel gets its own token-bucket limiter so a burst on
// one adapter (e.g. a cron fan-out replying on Telegram) never throttles
// sends on another. This is the outbound counterpart to the Dispatcher's
// inbound sliding-window rate limit (internal/dispatcher), which bounds how
// often a given sender can make the engine do work, not how fast the
// engine is allowed to talk back.
type Manager struct {
	mu             sync.RWMutex
	channels       map[string]Channel
	limiters       map[string]*rate.Limiter
	sendRatePerSec float64
}

// NewManager creates an empty channel manager. Channels are registered via
// RegisterChannel. sendRatePerSec <= 0 uses defaultSendRatePerSec.
func NewManager(sendRatePerSec float64) *Manager {
	if sendRatePerSec <= 0 {
		sendRatePerSec = defaultSendRatePerSec
	}
	return &Manager{
		channels:       make(map[string]Channel),
		limiters:       make(map[string]*rate.Limiter),
		sendRatePerSec: sendRatePerSec,
	}
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[name]
	return c, ok
}

// StartAll starts every registered channel.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}
	slog.Info("starting all channels")
	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")
	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	slog.Info("all channels stopped")
	return nil
}

// Send implements dispatcher.Sender: route an outbound message to the
// adapter named by channelID. Internal channel ids are silently skipped,
// matching the spec's exclusion of synthetic sources from real delivery.
func (m *Manager) Send(ctx context.Context, channelID string, msg dispatcher.OutboundMessage) error {
	if IsInternalChannel(channelID) {
		return nil
	}
	m.mu.RLock()
	channel, exists := m.channels[channelID]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("channel %s not found", channelID)
	}
	if err := m.limiterFor(channelID).Wait(ctx); err != nil {
		return fmt.Errorf("channel %s: rate limit wait: %w", channelID, err)
	}
	return channel.Send(ctx, channelID, msg)
}

// limiterFor returns the per-channel token bucket, creating it on first use.
func (m *Manager) limiterFor(channelID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[channelID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.sendRatePerSec), 1)
		m.limiters[channelID] = l
	}
	return l
}

// GateSender adapts the Manager to writegate.Sender. The Write Gate only
// deals in an opaque "channel" bookkeeping string (dispatcher.Dispatcher
// bundles the platform name and the reply routing key into one value
// separated by a NUL, since the gate's own FIFO keying has no notion of a
// separate target) — GateSender splits that back apart before handing
// the prompt to the named adapter.
type GateSender struct {
	Manager *Manager
}

func (g GateSender) Send(ctx context.Context, channelKey, text string) error {
	channelID, target, ok := strings.Cut(channelKey, "\x00")
	if !ok {
		return fmt.Errorf("malformed write-gate channel key %q", channelKey)
	}
	return g.Manager.Send(ctx, channelID, dispatcher.OutboundMessage{Text: text, Target: target})
}

// GetStatus reports the running state of every registered channel.
func (m *Manager) GetStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, channel := range m.channels {
		status[name] = channel.IsRunning()
	}
	return status
}
