// Package store defines the durable-state contracts Catalyst's core is
// built over (spec §4.4). Each interface is implementable against a
// relational store or an in-memory double; see pkg/store/memstore and
// pkg/store/sqlstore. Mutating operations return a tagged error from
// internal/catalysterr instead of panicking or using exceptions for
// control flow; a missing record is reported as a *catalysterr.Error
// with Code "not_found", never a bare nil/ok pair, so callers can always
// errors.Is/catalysterr.IsNotFound it.
package store

import (
	"context"
	"time"

	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// UserStore manages UserProfile records.
type UserStore interface {
	UpsertUser(ctx context.Context, u *idtypes.UserProfile) (*idtypes.UserProfile, error)
	GetUserByID(ctx context.Context, id string) (*idtypes.UserProfile, error)
	GetUserByAuthentikID(ctx context.Context, authentikID string) (*idtypes.UserProfile, error)
}

// OrgStore manages OrgProfile records.
type OrgStore interface {
	CreateOrg(ctx context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error)
	GetOrgByID(ctx context.Context, id string) (*idtypes.OrgProfile, error)
	GetOrgBySlug(ctx context.Context, slug string) (*idtypes.OrgProfile, error)
	UpdateOrg(ctx context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error)
}

// GroupStore manages Group records within an org's forest.
type GroupStore interface {
	CreateGroup(ctx context.Context, g *idtypes.Group) (*idtypes.Group, error)
	GetGroupByID(ctx context.Context, id string) (*idtypes.Group, error)
	ListGroupsByIDs(ctx context.Context, ids []string) ([]*idtypes.Group, error)
	ListGroupsByOrg(ctx context.Context, orgID string) ([]*idtypes.Group, error)
}

// MembershipStore manages Membership records.
type MembershipStore interface {
	CreateMembership(ctx context.Context, m *idtypes.Membership) (*idtypes.Membership, error)
	GetMembershipByID(ctx context.Context, id string) (*idtypes.Membership, error)
	// FindMembershipForUserAndOrg returns the earliest-created membership
	// for (userID, orgID), per spec §3 — the store never enforces
	// at-most-one as a hard constraint.
	FindMembershipForUserAndOrg(ctx context.Context, userID, orgID string) (*idtypes.Membership, error)
	// ListMembershipsForUser returns a user's memberships ordered by
	// createdAt ASC.
	ListMembershipsForUser(ctx context.Context, userID string) ([]*idtypes.Membership, error)
}

// EntitlementStore manages Entitlement records.
type EntitlementStore interface {
	GrantEntitlement(ctx context.Context, e *idtypes.Entitlement) (*idtypes.Entitlement, error)
	// ListEntitlementsForSubject returns entitlements ordered by
	// (createdAt ASC, id ASC) per spec §3.
	ListEntitlementsForSubject(ctx context.Context, kind idtypes.EntitlementSubjectKind, subjectID string) ([]*idtypes.Entitlement, error)
}

// SessionStore is a local activity-tracking cache of IdP sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*idtypes.Session, error)
	CreateSession(ctx context.Context, s *idtypes.Session) (*idtypes.Session, error)
	TouchSession(ctx context.Context, id string, lastSeenAt time.Time, metadata idtypes.Labels) (*idtypes.Session, error)
}

// KeyStore manages API key records and is the most structurally loaded
// store contract (spec §4.4).
type KeyStore interface {
	// IssueKey inserts with status=active and deduped scopes. Returns
	// catalysterr.AlreadyExists("key id"/"key hash") on uniqueness
	// violation.
	IssueKey(ctx context.Context, k *idtypes.Key) (*idtypes.Key, error)
	GetKeyByID(ctx context.Context, id string) (*idtypes.Key, error)
	GetKeyByHash(ctx context.Context, hash string) (*idtypes.Key, error)
	ListKeysByOwner(ctx context.Context, owner idtypes.KeyOwner, includeRevoked, includeExpired bool) ([]*idtypes.Key, error)
	// RecordKeyUsage atomically increments UsageCount and bumps
	// LastUsedAt/UpdatedAt to usedAt (or now if zero).
	RecordKeyUsage(ctx context.Context, id string, usedAt time.Time) error
	RevokeKey(ctx context.Context, id string, revokedBy, reason string, revokedAt time.Time) (*idtypes.Key, error)
}

// AuditStore is the append-only audit log persistence boundary.
type AuditStore interface {
	AppendEvent(ctx context.Context, e *idtypes.AuditEvent) error
	ListEvents(ctx context.Context, limit int) ([]*idtypes.AuditEvent, error)
}

// WebhookSubscriptionStore manages subscription records.
type WebhookSubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *idtypes.WebhookSubscription) (*idtypes.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*idtypes.WebhookSubscription, error)
	ListActiveSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]*idtypes.WebhookSubscription, error)
}

// WebhookDeliveryStore manages the delivery work queue.
type WebhookDeliveryStore interface {
	CreateDelivery(ctx context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error)
	GetDelivery(ctx context.Context, id string) (*idtypes.WebhookDelivery, error)
	// ListPendingDeliveries returns rows with
	// status IN (pending, delivering) AND (nextAttemptAt IS NULL OR
	// nextAttemptAt <= before), ordered by
	// (nextAttemptAt ASC NULLS FIRST, createdAt ASC) — the worker's work
	// queue (spec §4.4/§4.5).
	ListPendingDeliveries(ctx context.Context, before time.Time, limit int) ([]*idtypes.WebhookDelivery, error)
	// ClaimDelivery atomically transitions a row from pending to
	// delivering, incrementing attemptCount. Returns
	// catalysterr.FailedPrecondition if the row is no longer pending
	// (another worker claimed it first).
	ClaimDelivery(ctx context.Context, id string, now time.Time) (*idtypes.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error)
	// SweepStaleDelivering transitions delivering rows whose lastAttemptAt
	// is older than olderThan back to pending (spec §5's recovery sweep).
	SweepStaleDelivering(ctx context.Context, olderThan time.Time) (int, error)
}

// Stores bundles every store contract. SDK callers and the forward-auth
// service are constructed from a *Stores (or a subset embedded directly),
// never from individual globals.
type Stores struct {
	Users         UserStore
	Orgs          OrgStore
	Groups        GroupStore
	Memberships   MembershipStore
	Entitlements  EntitlementStore
	Sessions      SessionStore
	Keys          KeyStore
	Audit         AuditStore
	Subscriptions WebhookSubscriptionStore
	Deliveries    WebhookDeliveryStore
}
