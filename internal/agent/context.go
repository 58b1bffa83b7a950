package agent

import "context"

type sessionKey struct{}

// WithSession attaches the originating session id to the context so
// downstream collaborators (notably tool interceptors) can address
// their output to the right client stream.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id attached by WithSession.
func SessionFromContext(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(sessionKey{}).(string)
	return sessionID, ok
}
