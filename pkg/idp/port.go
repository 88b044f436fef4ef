// Package idp defines the IdP port (spec §1/§4.6) and its HTTP-speaking
// adapter. The IdP is an external collaborator: an OAuth2 + admin HTTP
// API exposing token/introspection/user/sessions/groups endpoints. The
// core only depends on the Port interface; Adapter is the one concrete
// implementation this repository ships.
package idp

import (
	"context"
	"time"
)

// TokenIntrospection is the normalized result of RFC 7662-style
// introspection.
type TokenIntrospection struct {
	Active    bool
	Subject   string
	ExpiresAt time.Time
	Claims    map[string]any
}

// IdentityRecord is what BuildEffectiveIdentity returns before the
// composer's store-joined view replaces it — the IdP adapter's own
// notion of "effective identity" when the IdP itself resolves org
// membership server-side (e.g. resource-server IdPs that keep
// membership out of Catalyst's local stores entirely).
type IdentityRecord struct {
	UserID string
	OrgID  string
	Groups []string
	Roles  []string
	Labels map[string]any
	Scopes []string
}

// SessionRecord is a session as reported by the IdP.
type SessionRecord struct {
	ID              string
	CreatedAt       time.Time
	FactorsVerified []string
	Metadata        map[string]any
}

// Port is the contract the forward-auth service and composer consume
// from the external IdP (spec §4.6). Implementations must classify
// infra failures (5xx, 429, timeout) as retryable per spec §7.
type Port interface {
	// ValidateAccessToken introspects an access token (spec §4.1 step 5,
	// access-token path).
	ValidateAccessToken(ctx context.Context, token string) (TokenIntrospection, error)
	// BuildEffectiveIdentity asks the IdP to resolve a subject (and
	// optional org hint) into an identity. Used both by the
	// access-token path and by the API-key path when the key's owner is
	// a user.
	BuildEffectiveIdentity(ctx context.Context, subject string, orgID string) (IdentityRecord, error)
	// ListActiveSessions seeds a local session record the first time
	// Catalyst sees a session id it doesn't have cached (spec §4.1
	// step 6).
	ListActiveSessions(ctx context.Context, userID string) ([]SessionRecord, error)
}
