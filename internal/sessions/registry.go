// Package sessions implements the Session Registry: the map from a stable
// conversation identity (SessionKey) to the currently active SessionEntry.
//
// The registry owns identity only — it never sees message content. The
// transcript itself lives in the Persistence Layer (internal/store), keyed
// by session_id, so that rotation is a pure registry operation with no
// transcript rewrite (see DESIGN.md, "Transcript + Session consistency").
package sessions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChatType distinguishes a direct conversation from a group conversation.
// Kept distinct from PeerKind (key.go) because the registry's ChatType is
// persisted data, while PeerKind is a key-building parameter.
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// SessionEntry is the registry's unit of record. One active entry exists
// per SessionKey at any instant (testable property #2).
type SessionEntry struct {
	SessionKey   string    `json:"session_key"`
	SessionID    string    `json:"session_id"`
	Channel      string    `json:"channel"`
	ChatType     ChatType  `json:"chat_type"`
	GroupID      string    `json:"group_id,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RotatedCount int       `json:"rotated_count"`
}

// Metadata is the caller-supplied descriptive data attached at creation
// time; it does not change on rotation (the entry's Channel/ChatType/GroupID
// describe the conversation, not the session generation).
type Metadata struct {
	Channel     string
	ChatType    ChatType
	GroupID     string
	DisplayName string
}

// Registry maps SessionKey -> active SessionEntry. Per §5, it is protected
// by a single exclusive lock around get_or_create/rotate; List returns an
// immutable snapshot taken under that same lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*SessionEntry
	newID   func() string
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithIDGenerator overrides the session_id generator (tests use a
// deterministic sequence instead of random UUIDs).
func WithIDGenerator(f func() string) Option {
	return func(r *Registry) { r.newID = f }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*SessionEntry),
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadEntries seeds the registry from persisted state (internal/store
// load_sessions output) at startup. Not safe for concurrent use with other
// Registry methods — call before serving traffic.
func (r *Registry) LoadEntries(entries []*SessionEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		cp := *e
		r.entries[e.SessionKey] = &cp
	}
}

// GetOrCreate is the atomic upsert of §4.B: two concurrent first-messages
// for the same key observe the same session_id — exactly one wins the
// create, the other returns the winner's entry unmodified.
func (r *Registry) GetOrCreate(sessionKey string, md Metadata) *SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionKey]; ok {
		cp := *e
		return &cp
	}

	e := &SessionEntry{
		SessionKey:  sessionKey,
		SessionID:   r.newID(),
		Channel:     md.Channel,
		ChatType:    md.ChatType,
		GroupID:     md.GroupID,
		DisplayName: md.DisplayName,
		CreatedAt:   time.Now(),
	}
	r.entries[sessionKey] = e
	cp := *e
	return &cp
}

// Rotate allocates a fresh session_id for sessionKey, bumping rotated_count
// monotonically (testable property #2). The old session_id is discarded
// from the active map; its transcript remains addressable on disk by the
// caller (the registry never touches transcript storage). Returns nil if
// the key has no active entry — callers should GetOrCreate first.
func (r *Registry) Rotate(sessionKey string) *SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionKey]
	if !ok {
		return nil
	}
	e.SessionID = r.newID()
	e.RotatedCount++
	cp := *e
	return &cp
}

// Get returns the active entry for sessionKey, or nil if none exists.
func (r *Registry) Get(sessionKey string) *SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionKey]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// List returns a snapshot of all active entries.
func (r *Registry) List() []*SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*SessionEntry, 0, len(r.entries))
	for _, e := range r.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// LastUsedChannel finds the most recently created channel-backed entry for
// an agent prefix and extracts (channel, chatID) from its session key. Used
// by the cron heartbeat delivery path to pick a default reply target when
// none is specified. Group/subagent/cron keys are skipped.
func (r *Registry) LastUsedChannel(agentPrefix string) (channel, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *SessionEntry
	for key, e := range r.entries {
		if !strings.HasPrefix(key, agentPrefix) {
			continue
		}
		rest := key[len(agentPrefix):]
		if strings.HasPrefix(rest, "cron:") || strings.HasPrefix(rest, "subagent:") || strings.Contains(rest, ":group:") {
			continue
		}
		if best == nil || e.CreatedAt.After(best.CreatedAt) {
			best = e
		}
	}
	if best == nil {
		return "", ""
	}
	_, rest := ParseSessionKey(best.SessionKey)
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) >= 3 {
		return parts[0], parts[2]
	}
	return "", ""
}

// String implements fmt.Stringer for debug logging.
func (e *SessionEntry) String() string {
	return fmt.Sprintf("SessionEntry{key=%s id=%s rotated=%d}", e.SessionKey, e.SessionID, e.RotatedCount)
}
