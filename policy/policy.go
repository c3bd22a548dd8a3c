// Package policy provides a simple, optional delegation guard that can be
// attached to a spawn call via context. It is deliberately decoupled from the
// rest of the engine so that using it is entirely opt-in - callers that do not
// embed a Policy in their context keep the default "spawn anything" behaviour
// (subject to the depth cap, which is always enforced).
package policy

import (
	"context"
	"strings"
)

// Policy restricts which task descriptions a thread may delegate.
//
//   - AllowList, BlockList filter by case-insensitive substring match against
//     the task description.
//   - A nil *Policy means "delegate anything" and is the zero-cost default.
type Policy struct {
	AllowList []string
	BlockList []string
}

// IsAllowed evaluates AllowList / BlockList against the task description.
// BlockList has priority; an empty AllowList admits everything.
func (p *Policy) IsAllowed(task string) bool {
	if p == nil {
		return true
	}
	normalized := strings.ToLower(task)
	for _, blocked := range p.BlockList {
		if strings.Contains(normalized, strings.ToLower(blocked)) {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, allowed := range p.AllowList {
		if strings.Contains(normalized, strings.ToLower(allowed)) {
			return true
		}
	}
	return false
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds the policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy, or nil.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
