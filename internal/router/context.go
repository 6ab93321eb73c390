// ABOUTME: Context helpers carrying the client session ID through dispatch.
// ABOUTME: Used for log correlation and audit records, never for routing decisions.

package router

import "context"

type sessionKey struct{}

// WithSession returns a context carrying the client session ID.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the client session ID from ctx, or "" when absent.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
