package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Chain is an ordered list of providers tried in priority order, matching
// spec §4.E's provider-failover rule: retryable errors advance to the next
// provider; an auth failure (no_api_key/unauthorized) on the PRIMARY
// (index 0) provider is NOT retried against later providers — it is
// surfaced immediately so the caller can show a user-visible hint.
//
// A Chain with a single entry is the valid degenerate case the spec calls
// out explicitly.
//
// mu guards providers: SelectPrimary (invoked by the Dispatcher's /model
// slash command, §6) reorders the slice at runtime while Chat/ChatStream
// may be mid-failover on another goroutine.
type Chain struct {
	mu        sync.RWMutex
	providers []Provider
}

func NewChain(providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("providers: chain requires at least one provider")
	}
	return &Chain{providers: providers}, nil
}

// PrimaryAuthFailure is returned when the PRIMARY provider fails
// authentication. The Agentic Loop treats this specially (§4.E): it
// becomes the final_text hint and no further providers are tried.
type PrimaryAuthFailure struct {
	Provider string
	Err      error
}

func (e *PrimaryAuthFailure) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}
func (e *PrimaryAuthFailure) Unwrap() error { return e.Err }

// Chat tries each provider in order. A Retryable error advances to the next
// provider (carrying model/options forward unmodified, since Chain does not
// know about per-provider model remapping — callers needing that should
// wrap Chain per-provider instead). A non-retryable error other than an
// auth failure on the primary still advances (there is nothing else to do
// with e.g. a malformed-request error from one provider).
func (c *Chain) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	c.mu.RLock()
	list := c.providers
	c.mu.RUnlock()
	return doFailover(ctx, list, func(p Provider) (*ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

func (c *Chain) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	c.mu.RLock()
	list := c.providers
	c.mu.RUnlock()
	return doFailover(ctx, list, func(p Provider) (*ChatResponse, error) {
		return p.ChatStream(ctx, req, onChunk)
	})
}

func (c *Chain) DefaultModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[0].DefaultModel()
}

func (c *Chain) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[0].Name()
}

// Primary returns the first (highest-priority) provider in the chain.
func (c *Chain) Primary() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.providers[0]
}

// HasCredentials reports whether ANY provider in the chain has usable
// credentials (§4.F step 7: "if no provider has usable credentials").
// A provider that doesn't implement CredentialChecker is assumed usable.
func (c *Chain) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.providers {
		if cc, ok := p.(CredentialChecker); ok {
			if cc.HasCredentials() {
				return true
			}
			continue
		}
		return true
	}
	return false
}

// Names returns every provider's Name() in current priority order,
// primary first — the `/model` slash command's "list" view (§6).
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// SelectPrimary reorders the chain so the named provider becomes primary
// (index 0), preserving the relative order of the rest as failover
// fallbacks, and reports whether a provider with that name was found.
// This is the `/model <ref>` slash command's (§6, spec.md PART A) change
// path: it doesn't swap in a new concrete client, just re-prioritizes
// among the providers this deployment already has credentials for.
func (c *Chain) SelectPrimary(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.providers {
		if p.Name() != name {
			continue
		}
		if i == 0 {
			return true
		}
		reordered := make([]Provider, 0, len(c.providers))
		reordered = append(reordered, p)
		reordered = append(reordered, c.providers[:i]...)
		reordered = append(reordered, c.providers[i+1:]...)
		c.providers = reordered
		return true
	}
	return false
}

func doFailover(ctx context.Context, list []Provider, call func(Provider) (*ChatResponse, error)) (*ChatResponse, error) {
	var lastErr error
	for i, p := range list {
		resp, err := call(p)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if AuthFailure(err) {
			if i == 0 {
				return nil, &PrimaryAuthFailure{Provider: p.Name(), Err: err}
			}
			// A non-primary provider's own credentials are bad: treat like
			// any other failure and keep failing over.
			lastErr = err
			continue
		}
		lastErr = err
		// Retryable or not, there is nothing left to do with THIS provider
		// beyond what its own internal RetryConfig already attempted — move on.
	}
	return nil, fmt.Errorf("providers: all providers in chain failed: %w", lastErr)
}
