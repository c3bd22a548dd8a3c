package delegation

import "context"

type callerKeyT struct{}

var callerKey callerKeyT

// ContextWithCaller records the thread on whose behalf subsequent delegation
// calls are made. Tool dispatch attaches it before invoking the subagent
// service so inputs never carry the caller identity themselves.
func ContextWithCaller(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, callerKey, threadID)
}

// CallerFromContext extracts the calling thread id, or "".
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}
