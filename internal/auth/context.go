// ABOUTME: Authentication context for tracking the caller through HTTP handlers
// ABOUTME: Provides WithClaims/FromContext for propagating verified claims via context

package auth

import (
	"context"
)

// claimsKey is the key type for storing Claims in context.Context.
type claimsKey struct{}

// WithClaims returns a new context with the verified claims attached.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext retrieves the claims from the context.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}
