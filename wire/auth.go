package wire

import (
	"context"
	"fmt"
	"strings"

	"github.com/workmesh/escrow/id"
)

// Identity represents an authenticated caller.
type Identity struct {
	// Account is the marketplace account this caller acts as.
	// Board and pool operations run with this account as the caller.
	Account id.AccountID `json:"account"`

	// Subject is a human-readable name for the caller.
	Subject string `json:"subject,omitempty"`

	// Scopes defines what operations are permitted.
	// Examples: "job:write", "pool:read", "admin", "*"
	Scopes []string `json:"scopes,omitempty"`
}

// HasScope returns true if the identity has the given scope.
// A wildcard "*" scope grants all permissions.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates credentials and returns an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ErrUnauthorized indicates authentication failure.
var ErrUnauthorized = fmt.Errorf("wire: unauthorized")

// ── API Key authenticator ───────────────────────────

// APIKeyEntry maps a token to an identity.
type APIKeyEntry struct {
	Token    string
	Identity Identity
}

// APIKeyAuthenticator validates API keys against a static list.
type APIKeyAuthenticator struct {
	keys map[string]*Identity
}

// NewAPIKeyAuthenticator creates an API key authenticator.
func NewAPIKeyAuthenticator(entries ...APIKeyEntry) *APIKeyAuthenticator {
	keys := make(map[string]*Identity, len(entries))
	for _, e := range entries {
		ident := e.Identity
		keys[e.Token] = &ident
	}
	return &APIKeyAuthenticator{keys: keys}
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	ident, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return ident, nil
}

// ── No-op authenticator ─────────────────────────────

// NoopAuthenticator accepts all tokens with a wildcard identity bound
// to a fresh account. Use for development only.
type NoopAuthenticator struct{}

func (a *NoopAuthenticator) Authenticate(_ context.Context, _ string) (*Identity, error) {
	return &Identity{
		Account: id.NewAccountID(),
		Subject: "anonymous",
		Scopes:  []string{"*"},
	}, nil
}

// ── Composite authenticator ─────────────────────────

// CompositeAuthenticator tries multiple authenticators in order.
// The first successful authentication wins.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

// NewCompositeAuthenticator chains multiple authenticators.
func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (c *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range c.authenticators {
		ident, err := auth.Authenticate(ctx, token)
		if err == nil {
			return ident, nil
		}
	}
	return nil, ErrUnauthorized
}

// ── Scope constants ─────────────────────────────────

const (
	ScopeJobRead   = "job:read"
	ScopeJobWrite  = "job:write"
	ScopePoolRead  = "pool:read"
	ScopePoolWrite = "pool:write"
	ScopeStatsRead = "stats:read"
	ScopeSubscribe = "subscribe"
	ScopeAdmin     = "admin"
	ScopeAll       = "*"
)

// RequiredScope returns the minimum scope required for a method.
func RequiredScope(method string) string {
	switch {
	case method == MethodAuth:
		return "" // No scope needed for auth.
	case strings.HasPrefix(method, "job."):
		if method == MethodJobGet || method == MethodJobList {
			return ScopeJobRead
		}
		return ScopeJobWrite
	case strings.HasPrefix(method, "pool."):
		if method == MethodPoolGet || method == MethodPoolList {
			return ScopePoolRead
		}
		return ScopePoolWrite
	case method == MethodSubscribe, method == MethodUnsubscribe:
		return ScopeSubscribe
	case method == MethodStats:
		return ScopeStatsRead
	default:
		return ScopeAdmin
	}
}
