// Package intent turns free text into engine commands.
//
// Language understanding lives outside seisq; this package only defines
// the Provider boundary and a Chain that tries providers in priority
// order. A built-in KeywordProvider handles common phrases offline, so
// the chain always has a last resort that needs no network.
package intent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/daviddao/seisq/pkg/rpc"
)

// Capability is something a provider can do.
type Capability string

const (
	// CapCommands providers map text to a single engine command.
	CapCommands Capability = "commands"
	// CapOffline providers work without network access.
	CapOffline Capability = "offline"
)

// ErrNotUnderstood is returned by Parse when the text maps to no command.
// The chain moves on to the next provider.
var ErrNotUnderstood = errors.New("not understood")

// Provider maps text to a command.
type Provider interface {
	Name() string
	Capabilities() []Capability
	Available(ctx context.Context) bool
	Parse(ctx context.Context, text string) (rpc.Request, error)
}

// Attempt records one provider's outcome inside a Resolve call.
type Attempt struct {
	Provider string `json:"provider"`
	Error    string `json:"error,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

// Result is the outcome of Chain.Resolve. When no provider produced a
// command, NoProvider is set and Reason explains why; this is a normal
// outcome, not an error.
type Result struct {
	Request    rpc.Request `json:"request"`
	Provider   string      `json:"provider,omitempty"`
	NoProvider bool        `json:"no_provider,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Attempts   []Attempt   `json:"attempts,omitempty"`
}

// Chain tries providers in the order given.
type Chain struct {
	providers []Provider
}

// NewChain returns a chain over providers, highest priority first.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Providers returns the provider names in priority order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Resolve asks each available provider with every capability in need, in
// order, and returns the first command produced.
func (c *Chain) Resolve(ctx context.Context, text string, need ...Capability) Result {
	var res Result
	text = strings.TrimSpace(text)
	if text == "" {
		res.NoProvider = true
		res.Reason = "empty input"
		return res
	}
	for _, p := range c.providers {
		if !hasAll(p.Capabilities(), need) {
			res.Attempts = append(res.Attempts, Attempt{Provider: p.Name(), Skipped: true, Error: "missing capability"})
			continue
		}
		if !p.Available(ctx) {
			res.Attempts = append(res.Attempts, Attempt{Provider: p.Name(), Skipped: true, Error: "unavailable"})
			continue
		}
		req, err := p.Parse(ctx, text)
		if err != nil {
			res.Attempts = append(res.Attempts, Attempt{Provider: p.Name(), Error: err.Error()})
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res.Attempts = append(res.Attempts, Attempt{Provider: p.Name()})
		res.Request = req
		res.Provider = p.Name()
		return res
	}
	res.NoProvider = true
	switch {
	case len(c.providers) == 0:
		res.Reason = "no providers configured"
	case ctx.Err() != nil:
		res.Reason = ctx.Err().Error()
	default:
		res.Reason = fmt.Sprintf("no provider understood %q", text)
	}
	return res
}

func hasAll(have, need []Capability) bool {
	for _, n := range need {
		if !slices.Contains(have, n) {
			return false
		}
	}
	return true
}
