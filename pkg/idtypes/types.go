// Package idtypes defines Catalyst's persisted and derived data model.
// Types here carry no persistence or transport logic; see pkg/store for
// the contracts that read and write them.
package idtypes

import "time"

// LabelValue is the scalar union a label set may hold.
type LabelValue = any

// Labels is a mapping from string keys to scalar values, merged along a
// deterministic precedence chain to produce an identity's effective labels.
type Labels map[string]LabelValue

// Clone returns a shallow copy of the label set.
func (l Labels) Clone() Labels {
	if l == nil {
		return Labels{}
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// MergeLabels overlays each layer of chain in order, later layers winning
// on key collision, and returns a new Labels value. No input is mutated.
func MergeLabels(chain ...Labels) Labels {
	out := Labels{}
	for _, layer := range chain {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// UserProfile is the local cache of an IdP-authenticated user.
type UserProfile struct {
	ID            string    `json:"id"`
	AuthentikID   string    `json:"authentikId"`
	Email         string    `json:"email"`
	PrimaryOrgID  string    `json:"primaryOrgId,omitempty"`
	DisplayName   string    `json:"displayName,omitempty"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	Labels        Labels    `json:"labels"`
	Metadata      Labels    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// OrgStatus is the lifecycle state of an OrgProfile.
type OrgStatus string

const (
	OrgStatusActive    OrgStatus = "active"
	OrgStatusSuspended OrgStatus = "suspended"
	OrgStatusInvited   OrgStatus = "invited"
	OrgStatusArchived  OrgStatus = "archived"
)

// OrgProfile is an organization/tenant record.
type OrgProfile struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Status      OrgStatus `json:"status"`
	OwnerUserID string    `json:"ownerUserId"`
	Profile     Labels    `json:"profile"`
	Labels      Labels    `json:"labels"`
	Settings    Labels    `json:"settings"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Group is a (possibly hierarchical) grouping of users within an org.
type Group struct {
	ID            string  `json:"id"`
	OrgID         string  `json:"orgId"`
	Slug          string  `json:"slug"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	ParentGroupID string  `json:"parentGroupId,omitempty"`
	Labels        Labels  `json:"labels"`
}

// Membership links a user to an org with a role and group memberships.
type Membership struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	OrgID       string    `json:"orgId"`
	Role        string    `json:"role"`
	GroupIDs    []string  `json:"groupIds"`
	LabelsDelta Labels    `json:"labelsDelta"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EntitlementSubjectKind names what an Entitlement is attached to.
type EntitlementSubjectKind string

const (
	EntitlementSubjectUser       EntitlementSubjectKind = "user"
	EntitlementSubjectOrg        EntitlementSubjectKind = "org"
	EntitlementSubjectMembership EntitlementSubjectKind = "membership"
)

// Entitlement grants a named capability to a user, org, or membership.
type Entitlement struct {
	ID          string                 `json:"id"`
	SubjectKind EntitlementSubjectKind `json:"subjectKind"`
	SubjectID   string                 `json:"subjectId"`
	Entitlement string                 `json:"entitlement"`
	CreatedAt   time.Time              `json:"createdAt"`
	Metadata    Labels                 `json:"metadata,omitempty"`
}

// Session is the local activity-tracking cache of an IdP session.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastSeenAt       time.Time `json:"lastSeenAt"`
	FactorsVerified  []string  `json:"factorsVerified,omitempty"`
	Metadata         Labels    `json:"metadata,omitempty"`
}

// KeyStatus is the derived lifecycle state of an API key.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusExpired KeyStatus = "expired"
	KeyStatusRevoked KeyStatus = "revoked"
)

// KeyOwnerKind names who a Key belongs to.
type KeyOwnerKind string

const (
	KeyOwnerUser    KeyOwnerKind = "user"
	KeyOwnerOrg     KeyOwnerKind = "org"
	KeyOwnerService KeyOwnerKind = "service"
)

// KeyOwner identifies the principal an API key was issued to.
type KeyOwner struct {
	Kind KeyOwnerKind `json:"kind"`
	ID   string       `json:"id"`
}

// Key is an API key record. Status is a derived value for reads — see
// Status() — the StoredStatus field is only the cached materialization
// written at insert/revoke time (spec §3: never written as "expired").
type Key struct {
	ID               string     `json:"id"`
	Hash             string     `json:"hash"`
	Owner            KeyOwner   `json:"owner"`
	Name             string     `json:"name,omitempty"`
	Description      string     `json:"description,omitempty"`
	CreatedBy        string     `json:"createdBy,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt       *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount       int64      `json:"usageCount"`
	StoredStatus     KeyStatus  `json:"status"`
	Scopes           []string   `json:"scopes"`
	Labels           Labels     `json:"labels"`
	Metadata         Labels     `json:"metadata,omitempty"`
	RevokedAt        *time.Time `json:"revokedAt,omitempty"`
	RevokedBy        string     `json:"revokedBy,omitempty"`
	RevocationReason string     `json:"revocationReason,omitempty"`
}

// Status computes the read-time derived status per spec §3: revoked iff
// RevokedAt is set; else expired iff ExpiresAt is set and <= now; else
// active. The boundary is inclusive: a key expiring exactly at now is
// expired.
func (k *Key) Status(now time.Time) KeyStatus {
	if k.RevokedAt != nil {
		return KeyStatusRevoked
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return KeyStatusExpired
	}
	return KeyStatusActive
}

// IsActive reports whether the key may be used to authenticate right now.
func (k *Key) IsActive(now time.Time) bool {
	return k.Status(now) == KeyStatusActive
}

// DedupeScopes removes duplicate scopes, preserving first-seen order.
func DedupeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// AuditEvent is an append-only record of something that happened.
type AuditEvent struct {
	ID            string    `json:"id"`
	OccurredAt    time.Time `json:"occurredAt"`
	Category      string    `json:"category"`
	Action        string    `json:"action"`
	Actor         Labels    `json:"actor,omitempty"`
	Subject       Labels    `json:"subject,omitempty"`
	Resource      Labels    `json:"resource,omitempty"`
	Metadata      Labels    `json:"metadata,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// RetryPolicy governs a webhook subscription's retry/backoff/dead-letter
// behavior.
type RetryPolicy struct {
	MaxAttempts    int    `json:"maxAttempts"`
	BackoffSeconds []int  `json:"backoffSeconds"`
	DeadLetterURI  string `json:"deadLetterUri,omitempty"`
}

// DefaultRetryPolicy matches spec §4.5's stated defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffSeconds: []int{30, 60, 120}}
}

// WebhookSubscription is a standing registration of a target URL for a set
// of event types.
type WebhookSubscription struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"orgId,omitempty"`
	EventTypes  []string          `json:"eventTypes"`
	TargetURL   string            `json:"targetUrl"`
	Secret      string            `json:"secret"`
	Headers     map[string]string `json:"headers"`
	RetryPolicy RetryPolicy       `json:"retryPolicy"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Metadata    Labels            `json:"metadata,omitempty"`
}

// DeliveryStatus is the state-machine position of a WebhookDelivery.
type DeliveryStatus string

const (
	DeliveryPending      DeliveryStatus = "pending"
	DeliveryDelivering   DeliveryStatus = "delivering"
	DeliverySucceeded    DeliveryStatus = "succeeded"
	DeliveryFailed       DeliveryStatus = "failed"
	DeliveryDeadLettered DeliveryStatus = "dead_lettered"
)

// DeliveryResponse captures the HTTP outcome of a delivery attempt.
type DeliveryResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// WebhookDelivery is a single scheduled (and possibly retried) attempt to
// deliver one event to one subscription.
type WebhookDelivery struct {
	ID            string            `json:"id"`
	SubscriptionID string           `json:"subscriptionId"`
	EventID       string            `json:"eventId"`
	Status        DeliveryStatus    `json:"status"`
	AttemptCount  int               `json:"attemptCount"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	NextAttemptAt *time.Time        `json:"nextAttemptAt,omitempty"`
	Payload       map[string]any    `json:"payload"`
	Response      *DeliveryResponse `json:"response,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// EffectiveIdentity is the denormalized, join-complete view of a caller,
// derived by pkg/identity and consumed by the policy port. It is never
// persisted as such.
type EffectiveIdentity struct {
	UserID        string   `json:"userId"`
	OrgID         string   `json:"orgId,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	Groups        []string `json:"groups"`
	Labels        Labels   `json:"labels"`
	Roles         []string `json:"roles"`
	Entitlements  []string `json:"entitlements"`
	Scopes        []string `json:"scopes"`
}

// DecisionCacheEntry is the value stored under a decision-token cache key.
type DecisionCacheEntry struct {
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expiresAt"`
}
