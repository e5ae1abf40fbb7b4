package rules

import (
	"github.com/knirvcorp/syncore/internal/auth"
)

// AuthGate backs CanBeginSync with the teacher's JWT token manager: a
// peer must present a valid bearer token in its establish-request
// before the handshake is allowed to proceed past establishment (spec
// §4.4.1 establishment, generalizing the distilled spec's "auth
// payload is opaque bytes" into a concrete, verifiable shape).
type AuthGate struct {
	tokens   *auth.TokenManager
	required auth.Permission
}

// NewAuthGate builds a gate requiring at least `required` permission
// (PermissionAdmin also satisfies any lower requirement, per
// Claims.HasPermission).
func NewAuthGate(tokens *auth.TokenManager, required auth.Permission) *AuthGate {
	return &AuthGate{tokens: tokens, required: required}
}

// Verify parses token and reports whether it grants the gate's
// required permission. It performs no I/O — token validation is pure
// signature/claims checking.
func (g *AuthGate) Verify(token string) bool {
	if g == nil || g.tokens == nil {
		return true
	}
	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		return false
	}
	return claims.HasPermission(g.required)
}

// CanBeginSyncWithToken adapts Verify into a CanBeginSync predicate
// bound to a specific presented token. Callers build this once per
// establish-request, after extracting the bearer token from
// wire.EstablishRequest.Auth.
func (g *AuthGate) CanBeginSyncWithToken(token string) Predicate {
	return func(Context) bool {
		return g.Verify(token)
	}
}

// CanBeginSync is a Predicate reading the peer's bearer token straight
// from the rule context's Auth payload (the establish-request's opaque
// auth bytes). Assign it to Rules.CanBeginSync to gate every handshake.
func (g *AuthGate) CanBeginSync(ctx Context) bool {
	return g.Verify(string(ctx.Auth))
}
