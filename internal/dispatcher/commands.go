package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/orbiterhq/orbiter/internal/providers"
	"github.com/orbiterhq/orbiter/internal/sessions"
)

// commandRouter implements §4.F step 4 and §6's slash-command surface.
type commandRouter struct {
	d *Dispatcher
}

func newCommandRouter(d *Dispatcher) *commandRouter {
	return &commandRouter{d: d}
}

// try reports whether body was a recognized slash command and, if so, the
// reply text to send (empty reply means no reply is sent, e.g. because the
// handler already sent one itself).
func (c *commandRouter) try(ctx context.Context, mc MsgContext) (handled bool, reply string) {
	body := strings.TrimSpace(mc.Body)
	if !strings.HasPrefix(body, "/") {
		return false, ""
	}
	fields := strings.Fields(body)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "/new":
		return true, c.handleNew(mc)
	case "/status":
		return true, c.handleStatus(ctx, mc)
	case "/model":
		return true, c.handleModel(mc, args)
	case "/stop":
		return true, c.handleStop(mc)
	case "/stopall":
		return true, c.handleStopAll(mc)
	case "/help":
		return true, c.handleHelp()
	default:
		// Not a recognized command: fall through to the Agentic Loop so a
		// message that merely starts with "/" (e.g. a file path) isn't
		// swallowed.
		return false, ""
	}
}

// handleNew rotates the session (§6: "Rotate session; optionally summarize
// prior transcript and append to daily memory"). Summarization is not
// wired in this engine — see DESIGN.md.
func (c *commandRouter) handleNew(mc MsgContext) string {
	sessionKey := c.d.sessionKeyFor(mc)
	entry := c.d.registry.GetOrCreate(sessionKey, sessions.Metadata{
		Channel:     mc.Channel,
		ChatType:    sessions.ChatType(mc.ChatType),
		GroupID:     mc.GroupID,
		DisplayName: mc.SenderName,
	})
	rotated := c.d.registry.Rotate(sessionKey)
	if rotated == nil {
		rotated = entry
	}
	return fmt.Sprintf("Started a new session (rotation #%d).", rotated.RotatedCount)
}

// handleStatus reports the current session's id, rotation count and
// channel. It does not report rate-limit counters, pending confirmations
// or cron stats.
func (c *commandRouter) handleStatus(_ context.Context, mc MsgContext) string {
	sessionKey := c.d.sessionKeyFor(mc)
	entry := c.d.registry.Get(sessionKey)
	if entry == nil {
		return "No active session yet."
	}
	return fmt.Sprintf("session_id=%s rotated=%d channel=%s", entry.SessionID, entry.RotatedCount, entry.Channel)
}

// handleModel inspects or changes the primary LLM provider for the
// deployment (spec.md PART A: "`/model <ref>` ... Inspect or change the
// primary LLM provider/model for the current session"). A bare "/model"
// reports the chain's current primary; "/model <ref>" reorders the
// chain so the named provider (matched by providers.Provider.Name(), e.g.
// "openai") becomes primary — this is a deployment-wide reprioritization
// among the providers already configured with credentials, not a
// per-session override or a new concrete client (§1 still puts concrete
// provider *client implementations* out of scope).
func (c *commandRouter) handleModel(_ MsgContext, args []string) string {
	chain, ok := c.d.provider.(*providers.Chain)
	if !ok {
		// A single bare Provider (no Chain) has nothing to reorder.
		return fmt.Sprintf("Current provider: %s (%s)", c.d.provider.Name(), c.d.provider.DefaultModel())
	}
	if len(args) == 0 {
		return fmt.Sprintf("Current provider: %s (%s). Available: %s",
			chain.Name(), chain.DefaultModel(), strings.Join(chain.Names(), ", "))
	}
	ref := args[0]
	if !chain.SelectPrimary(ref) {
		return fmt.Sprintf("Unknown provider %q. Available: %s", ref, strings.Join(chain.Names(), ", "))
	}
	return fmt.Sprintf("Switched primary provider to %s (%s).", chain.Name(), chain.DefaultModel())
}

// handleStop cancels the current session's in-flight Agentic Loop run, if
// any (spec.md PART D's /stop supplement, §6).
func (c *commandRouter) handleStop(mc MsgContext) string {
	sessionKey := c.d.sessionKeyFor(mc)
	if c.d.StopSession(sessionKey) {
		return "Stopping the current run."
	}
	return "Nothing is running for this session."
}

// handleStopAll cancels every in-flight run across every session,
// restricted to deployment owners (config.GatewayConfig.OwnerIDs).
func (c *commandRouter) handleStopAll(mc MsgContext) string {
	if !c.isOwner(mc.From) {
		return "Only the deployment owner can use /stopall."
	}
	n := c.d.StopAll()
	if n == 0 {
		return "Nothing is running."
	}
	return fmt.Sprintf("Stopped %d in-flight run(s).", n)
}

func (c *commandRouter) isOwner(senderID string) bool {
	for _, id := range c.d.cfg.OwnerIDs {
		if id == senderID || strings.TrimPrefix(id, "@") == senderID {
			return true
		}
	}
	return false
}

// handleHelp lists the recognized slash commands (spec.md PART D's /help
// supplement, §6).
func (c *commandRouter) handleHelp() string {
	return "Commands: /new (rotate session), /status (session info), " +
		"/model [ref] (inspect or switch primary provider), /stop (cancel this " +
		"session's run), /stopall (owner-only, cancel every run), /help."
}
