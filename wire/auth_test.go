package wire

import (
	"context"
	"errors"
	"testing"

	"github.com/workmesh/escrow/id"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	t.Parallel()

	account := id.NewAccountID()
	auth := NewAPIKeyAuthenticator(APIKeyEntry{
		Token: "secret-key",
		Identity: Identity{
			Account: account,
			Subject: "alice",
			Scopes:  []string{ScopeJobWrite},
		},
	})

	ident, err := auth.Authenticate(context.Background(), "secret-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !ident.Account.Equal(account) {
		t.Errorf("Account = %v, want %v", ident.Account, account)
	}
	if ident.Subject != "alice" {
		t.Errorf("Subject = %q, want %q", ident.Subject, "alice")
	}

	if _, err := auth.Authenticate(context.Background(), "wrong-key"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Authenticate with wrong key: err = %v, want ErrUnauthorized", err)
	}
}

func TestNoopAuthenticator(t *testing.T) {
	t.Parallel()

	auth := &NoopAuthenticator{}
	ident, err := auth.Authenticate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ident.Account.IsNil() {
		t.Error("noop identity should carry a fresh account")
	}
	if !ident.HasScope(ScopeAdmin) {
		t.Error("wildcard scope should grant admin")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	t.Parallel()

	first := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "key-a",
		Identity: Identity{Account: id.NewAccountID(), Subject: "a"},
	})
	second := NewAPIKeyAuthenticator(APIKeyEntry{
		Token:    "key-b",
		Identity: Identity{Account: id.NewAccountID(), Subject: "b"},
	})

	auth := NewCompositeAuthenticator(first, second)

	ident, err := auth.Authenticate(context.Background(), "key-b")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ident.Subject != "b" {
		t.Errorf("Subject = %q, want %q", ident.Subject, "b")
	}

	if _, err := auth.Authenticate(context.Background(), "key-c"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown key: err = %v, want ErrUnauthorized", err)
	}
}

func TestHasScope(t *testing.T) {
	t.Parallel()

	ident := &Identity{Scopes: []string{ScopeJobRead, ScopeSubscribe}}
	if !ident.HasScope(ScopeJobRead) {
		t.Error("should have job:read")
	}
	if ident.HasScope(ScopeJobWrite) {
		t.Error("should not have job:write")
	}

	wildcard := &Identity{Scopes: []string{ScopeAll}}
	if !wildcard.HasScope(ScopePoolWrite) {
		t.Error("wildcard should grant everything")
	}
}

func TestRequiredScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method string
		want   string
	}{
		{MethodAuth, ""},
		{MethodJobCreate, ScopeJobWrite},
		{MethodJobAccept, ScopeJobWrite},
		{MethodJobGet, ScopeJobRead},
		{MethodJobList, ScopeJobRead},
		{MethodPoolStake, ScopePoolWrite},
		{MethodPoolClaim, ScopePoolWrite},
		{MethodPoolGet, ScopePoolRead},
		{MethodPoolList, ScopePoolRead},
		{MethodSubscribe, ScopeSubscribe},
		{MethodUnsubscribe, ScopeSubscribe},
		{MethodStats, ScopeStatsRead},
		{"something.else", ScopeAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := RequiredScope(tt.method); got != tt.want {
				t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}
