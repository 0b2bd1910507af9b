package auth

import (
	"context"
	"fmt"
	"sync"
)

// ContextAuthorizer answers create-permission checks from the identity stored
// on the request context by JWTMiddleware or DevAuthMiddleware.
type ContextAuthorizer struct{}

func (ContextAuthorizer) CanCreateTracking(ctx context.Context) bool {
	if hasAnyRole(RolesFromContext(ctx), []string{RoleTrackingWriter}) {
		return true
	}
	return hasScope(ctx, ScopeTrackingWrite)
}

// TokenAuthorizer authorizes background work (queue consumers) with a
// configured service token. The token is verified on every check, so expiry
// and key rotation take effect without a restart. A caller identity on the
// context still takes precedence.
type TokenAuthorizer struct {
	parser *Parser
	token  string

	mu  sync.Mutex
	err error
}

func NewTokenAuthorizer(cfg JWTConfig, token string) *TokenAuthorizer {
	return &TokenAuthorizer{parser: NewParser(cfg), token: token}
}

func (a *TokenAuthorizer) CanCreateTracking(ctx context.Context) bool {
	if (ContextAuthorizer{}).CanCreateTracking(ctx) {
		return true
	}
	allowed, err := a.verify(ctx)
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	return allowed
}

func (a *TokenAuthorizer) verify(ctx context.Context) (bool, error) {
	if a.token == "" {
		return false, fmt.Errorf("no service token configured")
	}
	claims, err := a.parser.Parse(a.token)
	if err != nil {
		return false, fmt.Errorf("service token: %w", err)
	}
	return (ContextAuthorizer{}).CanCreateTracking(WithClaims(ctx, claims)), nil
}

// Err reports why the service token was rejected on the last check, if it was.
func (a *TokenAuthorizer) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
