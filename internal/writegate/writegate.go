// Package writegate implements the Write Gate (spec §4.D): it mediates
// every privileged tool call through a human confirmation on the
// originating channel, suspending the caller until a matching reply
// arrives, the deadline passes, the channel send fails, or the caller
// cancels.
//
// No write-gate code survived in the teacher's retrieved pack — this is
// built fresh, using the confirm/deny vocabulary from
// goadesign-goa-ai's runtime/agent/runtime/confirmation.go
// (Prompt/DeniedResult) and the teacher's own concurrent-map-plus-channel
// idiom (internal/channels/manager.go's limiter map; internal/agent/
// loop.go's channel-based suspension points) for the waiter mechanics.
package writegate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orbiterhq/orbiter/internal/engineerr"
)

// Sender abstracts the channel adapter's outbound send, the only
// capability the gate needs from a channel (§6 Channel capability: send).
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Outcome is the tagged result a waiter resolves to (§9: tagged variants
// over subclassing).
type Outcome string

const (
	OutcomeConfirmed   Outcome = "confirmed"
	OutcomeDenied      Outcome = "denied"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeChannelErr  Outcome = "channel_error"
	OutcomeCancelled   Outcome = "cancelled"
)

// pendingConfirmation is the gate's internal bookkeeping for one
// outstanding confirmation (§3 PendingConfirmation).
type pendingConfirmation struct {
	token      string
	sessionKey string
	channelID  string
	sender     string
	prompt     string
	deadline   time.Time
	resultCh   chan Outcome
	resolved   bool
}

// Gate is the Write Gate. Safe for concurrent use; the channel adapter's
// inbound path calls TryConsume on every message before routing it to the
// Dispatcher (§4.D step 4).
type Gate struct {
	sender Sender

	mu      sync.Mutex
	byToken map[string]*pendingConfirmation
	// bySender holds the FIFO queue of pending confirmations for a given
	// (channel_id, sender) pair — ordering is required so the gate never
	// consumes a message against a non-head waiter (§5).
	bySender map[string][]*pendingConfirmation

	onTimeoutAudit func(sessionKey, channelID, token string)
}

func New(sender Sender) *Gate {
	return &Gate{
		sender:   sender,
		byToken:  make(map[string]*pendingConfirmation),
		bySender: make(map[string][]*pendingConfirmation),
	}
}

// OnTimeoutAudit registers a callback invoked when a confirmation times
// out, in addition to the failed ToolResult (DESIGN.md Open Question
// decision: timeouts are also recorded as an audit event).
func (g *Gate) OnTimeoutAudit(f func(sessionKey, channelID, token string)) {
	g.onTimeoutAudit = f
}

func senderKey(channelID, sender string) string { return channelID + "\x00" + sender }

// RequestConfirmation implements the tools.Gate interface the Executor
// calls (§4.C step 3 / §4.D steps 1-3): send the prompt, register the
// waiter, and block until resolved or the deadline elapses.
//
// sessionKey doubles as the sender identity for FIFO purposes — the
// Dispatcher derives channelID/sender from the same MsgContext that will
// carry the eventual reply, so session_key is a stable proxy for "the
// human who needs to answer this".
func (g *Gate) RequestConfirmation(ctx context.Context, sessionKey, channelID, prompt string, deadline time.Duration) (bool, error) {
	token := uuid.NewString()[:8]
	full := fmt.Sprintf("%s (token: %s)", prompt, token)

	pc := &pendingConfirmation{
		token:      token,
		sessionKey: sessionKey,
		channelID:  channelID,
		sender:     sessionKey,
		prompt:     full,
		deadline:   time.Now().Add(deadline),
		resultCh:   make(chan Outcome, 1),
	}

	g.mu.Lock()
	g.byToken[token] = pc
	key := senderKey(channelID, sessionKey)
	g.bySender[key] = append(g.bySender[key], pc)
	g.mu.Unlock()

	if err := g.sender.Send(ctx, channelID, full); err != nil {
		g.removeAndResolve(pc, OutcomeChannelErr)
		return false, engineerr.Wrap(engineerr.TransientIO, "write-gate prompt send failed", err)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case outcome := <-pc.resultCh:
		return g.outcomeToResult(pc, outcome)
	case <-timer.C:
		g.removeAndResolve(pc, OutcomeTimeout)
		return g.outcomeToResult(pc, OutcomeTimeout)
	case <-ctx.Done():
		g.removeAndResolve(pc, OutcomeCancelled)
		return g.outcomeToResult(pc, OutcomeCancelled)
	}
}

// removeAndResolve drops pc from the lookup tables (it is no longer a
// valid target for TryConsume) and resolves its waiter. Used for
// self-resolution paths (timeout, channel error, caller cancellation) —
// TryConsume and Cancel already remove before resolving their own way.
func (g *Gate) removeAndResolve(pc *pendingConfirmation, outcome Outcome) {
	g.mu.Lock()
	delete(g.byToken, pc.token)
	key := senderKey(pc.channelID, pc.sender)
	queue := g.bySender[key]
	for i, q := range queue {
		if q.token == pc.token {
			g.bySender[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	g.resolve(pc, outcome)
}

func (g *Gate) outcomeToResult(pc *pendingConfirmation, outcome Outcome) (bool, error) {
	switch outcome {
	case OutcomeConfirmed:
		return true, nil
	case OutcomeDenied:
		return false, nil
	case OutcomeTimeout:
		if g.onTimeoutAudit != nil {
			g.onTimeoutAudit(pc.sessionKey, pc.channelID, pc.token)
		}
		return false, engineerr.New(engineerr.Timeout, "confirmation timed out")
	case OutcomeChannelErr:
		return false, engineerr.New(engineerr.TransientIO, "channel send failed")
	case OutcomeCancelled:
		return false, engineerr.New(engineerr.PolicyDenied, "cancelled")
	default:
		return false, engineerr.New(engineerr.PolicyDenied, "unknown outcome")
	}
}

var (
	affirmative = map[string]bool{"y": true, "yes": true}
	negative    = map[string]bool{"n": true, "no": true}
)

// TryConsume is the channel adapter's pre_filter hook (§4.D step 4). If
// body matches an affirmative/negative pattern or the raw token, and
// (channelID, sender) has an outstanding head waiter, the message is
// consumed: the Dispatcher must NOT also process it.
func (g *Gate) TryConsume(channelID, sender, body string) (consumed bool) {
	normalized := normalize(body)

	g.mu.Lock()
	key := senderKey(channelID, sender)
	queue := g.bySender[key]
	if len(queue) == 0 {
		g.mu.Unlock()
		return false
	}
	head := queue[0]

	matches := affirmative[normalized] || negative[normalized] || normalized == head.token
	if !matches {
		g.mu.Unlock()
		return false
	}

	// Pop the head waiter under lock, then resolve outside it.
	g.bySender[key] = queue[1:]
	delete(g.byToken, head.token)
	g.mu.Unlock()

	outcome := OutcomeDenied
	if affirmative[normalized] || normalized == head.token {
		outcome = OutcomeConfirmed
	}
	g.resolve(head, outcome)
	return true
}

// Cancel removes a PendingConfirmation and resolves its waiter as
// cancelled; any later reply is then delivered to the Dispatcher as a
// normal message (§4.D failure model).
func (g *Gate) Cancel(token string) {
	g.mu.Lock()
	pc, ok := g.byToken[token]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.byToken, token)
	key := senderKey(pc.channelID, pc.sender)
	queue := g.bySender[key]
	for i, q := range queue {
		if q.token == token {
			g.bySender[key] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	g.mu.Unlock()
	g.resolve(pc, OutcomeCancelled)
}

// CancelAll resolves every outstanding waiter as cancelled (shutdown,
// §5: "pending Write-Gate waiters are resolved as cancelled").
func (g *Gate) CancelAll() {
	g.mu.Lock()
	all := make([]*pendingConfirmation, 0, len(g.byToken))
	for _, pc := range g.byToken {
		all = append(all, pc)
	}
	g.byToken = make(map[string]*pendingConfirmation)
	g.bySender = make(map[string][]*pendingConfirmation)
	g.mu.Unlock()

	for _, pc := range all {
		g.resolve(pc, OutcomeCancelled)
	}
}

func (g *Gate) resolve(pc *pendingConfirmation, outcome Outcome) {
	g.mu.Lock()
	if pc.resolved {
		g.mu.Unlock()
		return
	}
	pc.resolved = true
	g.mu.Unlock()
	select {
	case pc.resultCh <- outcome:
	default:
	}
}

func normalize(body string) string {
	s := body
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t' || s[0] == '\n') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\n') {
		s = s[:len(s)-1]
	}
	lower := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return string(lower)
}
