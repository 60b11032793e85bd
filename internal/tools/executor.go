package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/orbiterhq/orbiter/internal/engineerr"
	"github.com/orbiterhq/orbiter/internal/providers"
)

// CallResult is the spec-shaped public contract (§3 ToolResult):
// {tool_call_id, tool_name, success, data | error}. It is assembled by the
// Executor from the richer, teacher-idiom Result a tool's Execute returns.
type CallResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Success    bool   `json:"success"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`

	// inner carries the full Result for callers (the Agentic Loop) that
	// want ForUser text, Async, or usage accounting in addition to the
	// spec-shaped fields above.
	inner *Result
}

func (c *CallResult) Inner() *Result { return c.inner }

// Gate is the Write Gate capability the Executor needs (§4.C step 3):
// request a human confirmation and block until resolved, denied, or timed
// out. Kept as a narrow local interface so internal/tools does not import
// internal/writegate directly — only the Agentic Loop wires the concrete
// implementation in.
type Gate interface {
	RequestConfirmation(ctx context.Context, sessionKey, channelID, prompt string, deadline time.Duration) (confirmed bool, err error)
}

// ExecutorConfig bounds a single tool call's execution time (§5
// cancellation: "each tool call has a default timeout").
type ExecutorConfig struct {
	CallTimeout       time.Duration
	ConfirmDeadline   time.Duration
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{CallTimeout: 30 * time.Second, ConfirmDeadline: 120 * time.Second}
}

// Executor validates and dispatches tool calls against a Registry,
// routing privileged calls through a Gate (§4.C).
type Executor struct {
	registry *Registry
	gate     Gate
	cfg      ExecutorConfig
	ownerIDs []string
}

func NewExecutor(registry *Registry, gate Gate, cfg ExecutorConfig) *Executor {
	return &Executor{registry: registry, gate: gate, cfg: cfg}
}

// WithOwnerIDs enables the owner-only tool check (policy.go's
// IsOwnerOnlyTool) in executeOne, matching config.GatewayConfig.OwnerIDs.
// With no owner IDs configured, owner-only tools run unrestricted — there
// is no owner to restrict them to.
func (e *Executor) WithOwnerIDs(ownerIDs []string) *Executor {
	e.ownerIDs = ownerIDs
	return e
}

func (e *Executor) isOwner(userID string) bool {
	for _, id := range e.ownerIDs {
		if id == userID || strings.TrimPrefix(id, "@") == userID {
			return true
		}
	}
	return false
}

// ExecuteCalls runs every call in the LLM's tool_calls list, optionally in
// parallel (§4.C point 5 — concurrency is an Executor-internal optimization;
// callers always receive a map and must re-order by original call order
// themselves, e.g. the Agentic Loop assembling the tool_result_carrier
// message).
func (e *Executor) ExecuteCalls(ctx context.Context, calls []providers.ToolCall, tctx ToolContext) map[string]*CallResult {
	out := make(map[string]*CallResult, len(calls))
	if len(calls) == 0 {
		return out
	}
	if len(calls) == 1 {
		out[calls[0].ID] = e.executeOne(ctx, calls[0], tctx)
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range calls {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := e.executeOne(ctx, c, tctx)
			mu.Lock()
			out[c.ID] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// OrderResults reassembles a CallResult map back into the original call
// order, the form the tool_result_carrier message requires (§4.C point 5,
// §5 ordering guarantees).
func OrderResults(calls []providers.ToolCall, results map[string]*CallResult) []*CallResult {
	ordered := make([]*CallResult, 0, len(calls))
	for _, c := range calls {
		if r, ok := results[c.ID]; ok {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

func (e *Executor) executeOne(ctx context.Context, call providers.ToolCall, tctx ToolContext) *CallResult {
	// Step 1: resolve by name.
	def, ok := e.registry.Get(call.Name)
	if !ok {
		return &CallResult{
			ToolCallID: call.ID, ToolName: call.Name, Success: false,
			Error: engineerr.UserMessage(engineerr.UnknownTool, call.Name),
			inner: ErrorResult(fmt.Sprintf("unknown tool %q", call.Name)),
		}
	}

	// Step 1b: owner-only tools are rejected before argument validation or
	// the write gate — a non-owner shouldn't learn anything from how far
	// the call got.
	if len(e.ownerIDs) > 0 && IsOwnerOnlyTool(call.Name) && !e.isOwner(tctx.UserID) {
		return &CallResult{
			ToolCallID: call.ID, ToolName: call.Name, Success: false,
			Error: engineerr.UserMessage(engineerr.PolicyDenied, "tool restricted to the deployment owner"),
			inner: ErrorResult("policy_denied: owner-only tool"),
		}
	}

	// Step 2: validate arguments.
	if err := validateArgs(def.Parameters, call.Arguments); err != nil {
		return &CallResult{
			ToolCallID: call.ID, ToolName: call.Name, Success: false,
			Error: fmt.Sprintf("validation_error: %s", err.Error()),
			inner: ErrorResult(err.Error()),
		}
	}

	// Step 3: write-gate privileged calls.
	if def.Security == SecurityWrite || def.Security == SecuritySign || def.RequiresConfirm {
		if e.gate == nil {
			return &CallResult{
				ToolCallID: call.ID, ToolName: call.Name, Success: false,
				Error: engineerr.UserMessage(engineerr.PolicyDenied, "no write gate configured"),
				inner: ErrorResult("policy_denied: write gate not configured"),
			}
		}
		prompt := fmt.Sprintf("Confirm %s? [y/n]", call.Name)
		confirmed, err := e.gate.RequestConfirmation(ctx, tctx.SessionKey, tctx.ChannelID, prompt, e.cfg.ConfirmDeadline)
		if err != nil {
			kind := engineerr.PolicyDenied
			if engineerr.Is(err, engineerr.Timeout) {
				kind = engineerr.Timeout
			}
			return &CallResult{
				ToolCallID: call.ID, ToolName: call.Name, Success: false,
				Error: engineerr.UserMessage(kind, err.Error()),
				inner: ErrorResult(err.Error()),
			}
		}
		if !confirmed {
			return &CallResult{
				ToolCallID: call.ID, ToolName: call.Name, Success: false,
				Error: "policy_denied: declined by user",
				inner: ErrorResult("Transfer cancelled by user"),
			}
		}
	}

	// Step 4: execute, bounded by CallTimeout. Any panic is recovered so
	// the executor never propagates a tool failure upward (§4.C point 4).
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resCh := make(chan *Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- ErrorResult(fmt.Sprintf("panic: %v", r)).WithError(fmt.Errorf("%v", r))
			}
		}()
		resCh <- def.Execute(call.Arguments, tctx)
	}()

	select {
	case <-callCtx.Done():
		return &CallResult{
			ToolCallID: call.ID, ToolName: call.Name, Success: false,
			Error: "timeout",
			inner: ErrorResult("timeout"),
		}
	case res := <-resCh:
		if res == nil {
			res = NewResult("")
		}
		cr := &CallResult{
			ToolCallID: call.ID, ToolName: call.Name,
			Success:    !res.IsError,
			Error:      "",
			inner:      res,
		}
		if res.IsError {
			cr.Error = res.ForLLM
		} else {
			cr.Data = res.ForLLM
		}
		return cr
	}
}
