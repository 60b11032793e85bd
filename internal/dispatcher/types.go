// Package dispatcher implements the single-message pipeline (spec §4.F):
// activation filter, idempotency, rate limiting, slash commands, session
// resolution, provider preflight, the Agentic Loop, and reply delivery.
//
// Grounded on the teacher's internal/channels adapters (the MsgContext
// shape, the sliding-window counter idiom now wired through
// store.OpsStore.RateAllow) and internal/agent/loop.go's per-message
// orchestration, generalized behind the store/sessions/tools interfaces
// this module already built rather than any one channel SDK.
package dispatcher

import (
	"context"
	"time"
)

// ChatType mirrors sessions.ChatType at the wire boundary so this package
// does not need to import internal/sessions just for the enum.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// MsgContext is one inbound message from any channel (§6). ReplyTarget is
// the adapter-specific routing key a reply needs (a Discord channel id, a
// Telegram chat id) — only the adapter that received the message knows
// it, so it is set at the point of dispatch rather than derived from
// GroupID/From (which are session-keying identities, not always the same
// as the wire-level send target).
type MsgContext struct {
	Channel     string
	From        string
	SenderName  string
	ChatType    ChatType
	GroupID     string
	MessageID   string
	Body        string
	TimestampMs int64
	ReplyTarget string
}

// OutboundMessage is what the Dispatcher hands to the channel adapter to
// deliver a reply. Target carries the routing key the adapter needs to
// address the reply (MsgContext.ReplyTarget when the adapter set one,
// otherwise a group's GroupID or a direct sender's From) — the
// channelID alone only names the platform, not the conversation.
type OutboundMessage struct {
	Text      string
	ReplyToID string
	Target    string
	MediaPath string
	AsVoice   bool
}

// Sender is the channel capability the Dispatcher needs (§6: send).
type Sender interface {
	Send(ctx context.Context, channelID string, msg OutboundMessage) error
}

// Gate is the Write Gate's pre_filter capability (§4.D step 4): consume a
// reply that resolves a pending confirmation before it reaches the rest
// of the pipeline.
type Gate interface {
	TryConsume(channelID, sender, body string) bool
}

// ActivationPolicy controls step 1, the activation filter: group messages
// are accepted only if the channel is fully open, or the message
// explicitly addresses the bot (mention/reply), or the group is
// allowlisted.
type ActivationPolicy struct {
	GroupPolicy    string // "open" | "allowlist" | "disabled"
	RequireMention bool
	AllowedGroups  map[string]bool
	Mentioned      func(body string) bool
}

func (p ActivationPolicy) allows(mc MsgContext) bool {
	if mc.ChatType == ChatDirect {
		return true
	}
	switch p.GroupPolicy {
	case "disabled":
		return false
	case "allowlist":
		if !p.AllowedGroups[mc.GroupID] {
			return false
		}
	}
	if p.AllowedGroups[mc.GroupID] {
		return true
	}
	if p.RequireMention && p.Mentioned != nil && !p.Mentioned(mc.Body) {
		return false
	}
	return true
}

// RateLimitConfig parameterizes step 3's sliding window.
type RateLimitConfig struct {
	Window time.Duration
	Max    int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Window: 60 * time.Second, Max: 20}
}

// IdempotencyConfig parameterizes step 2.
type IdempotencyConfig struct {
	TTL time.Duration
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{TTL: 10 * time.Minute}
}
