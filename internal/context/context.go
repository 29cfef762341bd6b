package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// PrincipalKey is the context key for the authenticated principal
	PrincipalKey ContextKey = "principal"
	// ClientKey is the context key for the caller's network identity
	ClientKey ContextKey = "client"
)

// Principal is the caller established by a validated session. It is passed
// explicitly into account operations; handlers read it from the request
// context set by the session middleware.
type Principal struct {
	UserID           uuid.UUID
	Email            string
	EmailConfirmed   bool
	SessionToken     string
	SessionExpiresAt time.Time
	// PasswordExpired is set when the password is older than the max age.
	PasswordExpired bool
}

// ClientInfo identifies the caller's network endpoint
type ClientInfo struct {
	IP        string
	UserAgent string
}

// WithPrincipal returns a copy of ctx carrying p
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// ExtractPrincipal extracts the principal from the request context
func ExtractPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// ExtractUserID extracts the principal's user ID from the request context
func ExtractUserID(ctx context.Context) (string, bool) {
	p, ok := ExtractPrincipal(ctx)
	if !ok {
		return "", false
	}
	return p.UserID.String(), true
}

// WithClient returns a copy of ctx carrying c
func WithClient(ctx context.Context, c ClientInfo) context.Context {
	return context.WithValue(ctx, ClientKey, c)
}

// ExtractClient extracts the client info from the request context
func ExtractClient(ctx context.Context) ClientInfo {
	c, _ := ctx.Value(ClientKey).(ClientInfo)
	return c
}
