package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbiterhq/orbiter/internal/agentloop"
	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
	"github.com/orbiterhq/orbiter/internal/store"
	"github.com/orbiterhq/orbiter/internal/tools"
)

// Config bundles the per-channel policy knobs the Dispatcher needs at
// construction. cmd/serve.go builds a single Dispatcher for the default
// agent and shares it across every configured channel.
type Config struct {
	AgentID      string
	SystemPrompt string
	Activation   ActivationPolicy
	RateLimit    RateLimitConfig
	Idempotency  IdempotencyConfig
	HistoryLimit int

	// OwnerIDs authorizes the owner-scoped /stopall command (§6), mirrored
	// from config.GatewayConfig.OwnerIDs.
	OwnerIDs []string
}

func DefaultConfig(agentID string) Config {
	return Config{
		AgentID:      agentID,
		RateLimit:    DefaultRateLimitConfig(),
		Idempotency:  DefaultIdempotencyConfig(),
		HistoryLimit: 40,
	}
}

// Dispatcher is the §4.F single-message pipeline, wired against the
// Persistence Layer, Session Registry, Write Gate and Agentic Loop this
// module already built.
type Dispatcher struct {
	cfg      Config
	sender   Sender
	registry *sessions.Registry
	stores   *store.Stores
	loop     *agentloop.Loop
	provider providers.Provider
	gate     Gate
	commands *commandRouter

	// mu guards inFlight, the session-key-to-cancel-func table backing
	// /stop and /stopall (§6): Dispatch registers a cancel before running
	// the Agentic Loop and clears it on return; the command handlers run
	// on whichever goroutine is handling the /stop message itself, which
	// is a different inbound message (and may be a different goroutine)
	// than the one whose run it's cancelling.
	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

// Dependencies groups the collaborators a Dispatcher is built from.
type Dependencies struct {
	Sender      Sender
	Registry    *sessions.Registry
	Stores      *store.Stores
	Loop        *agentloop.Loop
	Provider    providers.Provider
	WriteGate   Gate
}

func New(cfg Config, deps Dependencies) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		sender:   deps.Sender,
		registry: deps.Registry,
		stores:   deps.Stores,
		loop:     deps.Loop,
		provider: deps.Provider,
		gate:     deps.WriteGate,
		inFlight: make(map[string]context.CancelFunc),
	}
	d.commands = newCommandRouter(d)
	return d
}

// StopSession cancels sessionKey's in-flight Agentic Loop run, if any
// (§6 `/stop`). Reports whether a run was actually in flight to cancel.
func (d *Dispatcher) StopSession(sessionKey string) bool {
	d.mu.Lock()
	cancel, ok := d.inFlight[sessionKey]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// StopAll cancels every currently in-flight Agentic Loop run (§6
// `/stopall`, owner-scoped) and returns how many it cancelled.
func (d *Dispatcher) StopAll() int {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.inFlight))
	for _, cancel := range d.inFlight {
		cancels = append(cancels, cancel)
	}
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Dispatch runs the full pipeline for one inbound message (§4.F).
func (d *Dispatcher) Dispatch(ctx context.Context, mc MsgContext) {
	start := time.Now()

	// The Write Gate's pre_filter runs ahead of everything else: a
	// message that resolves a pending confirmation is consumed here and
	// never reaches the rest of the pipeline (§4.D step 4).
	if d.gate != nil && d.gate.TryConsume(d.gateChannelKey(mc), d.senderKey(mc), mc.Body) {
		return
	}

	// 1. Activation filter.
	if !d.cfg.Activation.allows(mc) {
		return
	}

	// 2. Idempotency.
	idKey := fmt.Sprintf("msg:%s:%s", mc.Channel, mc.MessageID)
	hash := hashBody(mc.Channel, mc.MessageID, mc.Body)
	if d.stores != nil && d.stores.Ops != nil {
		dup, err := d.stores.Ops.CheckAndReserveIdempotency(ctx, idKey, hash, d.cfg.Idempotency.TTL)
		if err != nil {
			slog.Warn("dispatcher: idempotency check failed, proceeding", "err", err)
		} else if dup {
			return
		}
	}

	// 3. Rate limit.
	bucket := fmt.Sprintf("user:%s:%s", mc.Channel, d.senderKey(mc))
	if d.stores != nil && d.stores.Ops != nil {
		allowed, retryAfter, err := d.stores.Ops.RateAllow(ctx, bucket, d.cfg.RateLimit.Window, d.cfg.RateLimit.Max)
		if err != nil {
			slog.Warn("dispatcher: rate limit check failed, proceeding", "err", err)
		} else if !allowed {
			d.reply(ctx, mc, fmt.Sprintf("⚠️ You're sending messages too fast. Try again in %s.", retryAfter.Round(time.Second)))
			return
		}
	}

	// 4. Slash commands.
	if handled, reply := d.commands.try(ctx, mc); handled {
		if reply != "" {
			d.reply(ctx, mc, reply)
		}
		return
	}

	sessionKey := d.sessionKeyFor(mc)

	// 5. Session resolution.
	entry := d.registry.GetOrCreate(sessionKey, sessions.Metadata{
		Channel:     mc.Channel,
		ChatType:    sessions.ChatType(mc.ChatType),
		GroupID:     mc.GroupID,
		DisplayName: mc.SenderName,
	})

	// 7. Provider preflight. It runs before the user turn is appended: that
	// append happens inside the Agentic Loop (6 + 8 below), so a message
	// rejected here leaves no transcript entry.
	if cc, ok := d.provider.(providers.CredentialChecker); ok && !cc.HasCredentials() {
		d.reply(ctx, mc, "⚠️ No LLM provider is configured. Set the provider API key and try again.")
		return
	}

	// 6 + 8. Append user turn happens inside the Agentic Loop (it owns the
	// transcript append so a crash mid-loop still leaves a valid,
	// re-entrant transcript — see agentloop.Loop.Run).
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.inFlight[sessionKey] = cancel
	d.mu.Unlock()

	result, err := d.loop.Run(runCtx, agentloop.RunRequest{
		SessionID:    entry.SessionID,
		SessionKey:   sessionKey,
		ChannelID:    mc.Channel,
		SystemPrompt: d.cfg.SystemPrompt,
		History:      d.history(entry.SessionID),
		UserMessage:  providers.Message{Role: "user", Content: mc.Body},
		ToolContext: tools.ToolContext{
			SessionKey: sessionKey,
			AgentID:    d.cfg.AgentID,
			UserID:     mc.From,
			ChannelID:  d.gateChannelKey(mc),
		},
	})

	d.mu.Lock()
	delete(d.inFlight, sessionKey)
	d.mu.Unlock()
	cancel()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		if runCtx.Err() != nil {
			d.reply(ctx, mc, "Stopped.")
		} else {
			d.reply(ctx, mc, engineerr.UserMessage(engineerr.PermanentIO, "I hit an internal error handling that."))
		}
	} else if !result.Silent {
		// 9. Append assistant turn + send reply.
		out := OutboundMessage{Text: result.FinalText, ReplyToID: mc.MessageID, Target: d.replyTarget(mc)}
		if result.Media != nil {
			out.MediaPath = result.Media.Path
			out.AsVoice = result.Media.AsVoice
		}
		if sendErr := d.sender.Send(ctx, mc.Channel, out); sendErr != nil {
			slog.Warn("dispatcher: send reply failed", "channel", mc.Channel, "err", sendErr)
			outcome = "error"
		}
	}

	// 10. Event record.
	if d.stores != nil && d.stores.Ops != nil {
		_ = d.stores.Ops.RecordEvent(ctx, store.Event{
			Type:   "message.processed",
			Time:   time.Now(),
			Status: outcome,
			Source: mc.Channel,
			Metadata: map[string]string{
				"duration_ms": fmt.Sprintf("%d", time.Since(start).Milliseconds()),
				"session_key": sessionKey,
			},
		})
	}
}

func (d *Dispatcher) reply(ctx context.Context, mc MsgContext, text string) {
	out := OutboundMessage{Text: text, ReplyToID: mc.MessageID, Target: d.replyTarget(mc)}
	if err := d.sender.Send(ctx, mc.Channel, out); err != nil {
		slog.Warn("dispatcher: reply send failed", "channel", mc.Channel, "err", err)
	}
}

// replyTarget is the routing key a channel adapter needs to address the
// reply. Adapters that set MsgContext.ReplyTarget (their own wire-level
// send target) win; otherwise it falls back to the group id for group
// chats or the sender id for direct messages.
func (d *Dispatcher) replyTarget(mc MsgContext) string {
	if mc.ReplyTarget != "" {
		return mc.ReplyTarget
	}
	if mc.ChatType == ChatGroup {
		return mc.GroupID
	}
	return mc.From
}

// gateChannelKey is the Write Gate's notion of "channel": the platform
// name alone isn't enough for the gate's Sender to deliver a confirmation
// prompt back to the right chat, so it travels bundled with the reply
// routing key. The gate treats this purely as an opaque bookkeeping
// string (paired with the sender for FIFO); only the Sender adapter
// wired up in cmd/ needs to know how to split it back apart.
func (d *Dispatcher) gateChannelKey(mc MsgContext) string {
	return mc.Channel + "\x00" + d.replyTarget(mc)
}

func (d *Dispatcher) senderKey(mc MsgContext) string {
	if mc.ChatType == ChatGroup {
		return mc.GroupID + ":" + mc.From
	}
	return mc.From
}

func (d *Dispatcher) sessionKeyFor(mc MsgContext) string {
	if mc.ChatType == ChatGroup {
		return sessions.BuildSessionKey(d.cfg.AgentID, mc.Channel, sessions.PeerGroup, mc.GroupID)
	}
	return sessions.BuildSessionKey(d.cfg.AgentID, mc.Channel, sessions.PeerDirect, mc.From)
}

func (d *Dispatcher) history(sessionID string) []providers.Message {
	if d.stores == nil || d.stores.Transcript == nil {
		return nil
	}
	msgs, err := d.stores.Transcript.ReadTranscript(sessionID, d.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("dispatcher: read transcript failed", "session_id", sessionID, "err", err)
		return nil
	}
	return msgs
}

func hashBody(channel, messageID, body string) string {
	h := sha256.Sum256([]byte(channel + "\x00" + messageID + "\x00" + body))
	return hex.EncodeToString(h[:])
}
