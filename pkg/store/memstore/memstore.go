// Package memstore is an in-memory, mutex-guarded implementation of every
// contract in pkg/store. It is the store every unit test in this
// repository runs against, and is suitable as the default single-process
// deployment (spec §5 assumes a single primary).
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Store implements every pkg/store contract over plain Go maps guarded by
// a single RWMutex. Reads and writes across different entity kinds never
// block each other in a real SQL adapter, but a single coarse lock here
// keeps the reference implementation simple and trivially correct; it is
// not the performance-sensitive path (the decision cache is).
type Store struct {
	mu sync.RWMutex

	users         map[string]*idtypes.UserProfile
	usersByAuth   map[string]string // authentikID -> userID
	orgs          map[string]*idtypes.OrgProfile
	orgsBySlug    map[string]string
	groups        map[string]*idtypes.Group
	memberships   map[string]*idtypes.Membership
	entitlements  map[string]*idtypes.Entitlement
	sessions      map[string]*idtypes.Session
	keys          map[string]*idtypes.Key
	keysByHash    map[string]string
	audit         []*idtypes.AuditEvent
	subscriptions map[string]*idtypes.WebhookSubscription
	deliveries    map[string]*idtypes.WebhookDelivery

	now func() time.Time
}

// New returns an empty Store. now defaults to time.Now; tests may pass a
// fixed clock.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		users:         map[string]*idtypes.UserProfile{},
		usersByAuth:   map[string]string{},
		orgs:          map[string]*idtypes.OrgProfile{},
		orgsBySlug:    map[string]string{},
		groups:        map[string]*idtypes.Group{},
		memberships:   map[string]*idtypes.Membership{},
		entitlements:  map[string]*idtypes.Entitlement{},
		sessions:      map[string]*idtypes.Session{},
		keys:          map[string]*idtypes.Key{},
		keysByHash:    map[string]string{},
		subscriptions: map[string]*idtypes.WebhookSubscription{},
		deliveries:    map[string]*idtypes.WebhookDelivery{},
		now:           now,
	}
}

// Stores returns a store.Stores bundle pointing at this single backing
// store, for callers that want the aggregate shape.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Users: s, Orgs: s, Groups: s, Memberships: s, Entitlements: s,
		Sessions: s, Keys: s, Audit: s, Subscriptions: s, Deliveries: s,
	}
}

func newID() string { return uuid.NewString() }

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// --- UserStore ---

func (s *Store) UpsertUser(_ context.Context, u *idtypes.UserProfile) (*idtypes.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existingID, ok := s.usersByAuth[u.AuthentikID]; ok {
		existing := s.users[existingID]
		merged := *existing
		if u.Email != "" {
			merged.Email = u.Email
		}
		if u.DisplayName != "" {
			merged.DisplayName = u.DisplayName
		}
		if u.AvatarURL != "" {
			merged.AvatarURL = u.AvatarURL
		}
		if u.PrimaryOrgID != "" {
			merged.PrimaryOrgID = u.PrimaryOrgID
		}
		if u.Labels != nil {
			merged.Labels = u.Labels.Clone()
		}
		if u.Metadata != nil {
			merged.Metadata = u.Metadata.Clone()
		}
		merged.UpdatedAt = now
		s.users[existingID] = &merged
		return clonePtr(&merged), nil
	}

	rec := *u
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Labels == nil {
		rec.Labels = idtypes.Labels{}
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.users[rec.ID] = &rec
	s.usersByAuth[rec.AuthentikID] = rec.ID
	return clonePtr(&rec), nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*idtypes.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, catalysterr.NotFound("user "+id, nil)
	}
	return clonePtr(u), nil
}

func (s *Store) GetUserByAuthentikID(_ context.Context, authentikID string) (*idtypes.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByAuth[authentikID]
	if !ok {
		return nil, catalysterr.NotFound("user with authentik id "+authentikID, nil)
	}
	return clonePtr(s.users[id]), nil
}

// --- OrgStore ---

func (s *Store) CreateOrg(_ context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID != "" {
		if _, ok := s.orgs[o.ID]; ok {
			return nil, catalysterr.AlreadyExists("org id " + o.ID)
		}
	}
	if _, ok := s.orgsBySlug[o.Slug]; ok {
		return nil, catalysterr.AlreadyExists("org slug " + o.Slug)
	}

	now := s.now()
	rec := *o
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Status == "" {
		rec.Status = idtypes.OrgStatusActive
	}
	if rec.Labels == nil {
		rec.Labels = idtypes.Labels{}
	}
	if rec.Profile == nil {
		rec.Profile = idtypes.Labels{}
	}
	if rec.Settings == nil {
		rec.Settings = idtypes.Labels{}
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.orgs[rec.ID] = &rec
	s.orgsBySlug[rec.Slug] = rec.ID
	return clonePtr(&rec), nil
}

func (s *Store) GetOrgByID(_ context.Context, id string) (*idtypes.OrgProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, catalysterr.NotFound("org "+id, nil)
	}
	return clonePtr(o), nil
}

func (s *Store) GetOrgBySlug(_ context.Context, slug string) (*idtypes.OrgProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.orgsBySlug[slug]
	if !ok {
		return nil, catalysterr.NotFound("org slug "+slug, nil)
	}
	return clonePtr(s.orgs[id]), nil
}

func (s *Store) UpdateOrg(_ context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orgs[o.ID]
	if !ok {
		return nil, catalysterr.NotFound("org "+o.ID, nil)
	}
	rec := *o
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now()
	s.orgs[rec.ID] = &rec
	if rec.Slug != existing.Slug {
		delete(s.orgsBySlug, existing.Slug)
		s.orgsBySlug[rec.Slug] = rec.ID
	}
	return clonePtr(&rec), nil
}

// --- GroupStore ---

func (s *Store) CreateGroup(_ context.Context, g *idtypes.Group) (*idtypes.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *g
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Labels == nil {
		rec.Labels = idtypes.Labels{}
	}
	if _, ok := s.groups[rec.ID]; ok {
		return nil, catalysterr.AlreadyExists("group id " + rec.ID)
	}
	s.groups[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) GetGroupByID(_ context.Context, id string) (*idtypes.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, catalysterr.NotFound("group "+id, nil)
	}
	return clonePtr(g), nil
}

func (s *Store) ListGroupsByIDs(_ context.Context, ids []string) ([]*idtypes.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.Group, 0, len(ids))
	for _, id := range ids {
		if g, ok := s.groups[id]; ok {
			out = append(out, clonePtr(g))
		}
	}
	return out, nil
}

func (s *Store) ListGroupsByOrg(_ context.Context, orgID string) ([]*idtypes.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.Group, 0)
	for _, g := range s.groups {
		if g.OrgID == orgID {
			out = append(out, clonePtr(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- MembershipStore ---

func (s *Store) CreateMembership(_ context.Context, m *idtypes.Membership) (*idtypes.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := *m
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.LabelsDelta == nil {
		rec.LabelsDelta = idtypes.Labels{}
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.memberships[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) GetMembershipByID(_ context.Context, id string) (*idtypes.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return nil, catalysterr.NotFound("membership "+id, nil)
	}
	return clonePtr(m), nil
}

func (s *Store) FindMembershipForUserAndOrg(_ context.Context, userID, orgID string) (*idtypes.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *idtypes.Membership
	for _, m := range s.memberships {
		if m.UserID != userID || m.OrgID != orgID {
			continue
		}
		if best == nil || m.CreatedAt.Before(best.CreatedAt) || (m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best = m
		}
	}
	if best == nil {
		return nil, catalysterr.NotFound("membership for user "+userID+" org "+orgID, nil)
	}
	return clonePtr(best), nil
}

func (s *Store) ListMembershipsForUser(_ context.Context, userID string) ([]*idtypes.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.Membership, 0)
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, clonePtr(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- EntitlementStore ---

func (s *Store) GrantEntitlement(_ context.Context, e *idtypes.Entitlement) (*idtypes.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *e
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.entitlements[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) ListEntitlementsForSubject(_ context.Context, kind idtypes.EntitlementSubjectKind, subjectID string) ([]*idtypes.Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.Entitlement, 0)
	for _, e := range s.entitlements {
		if e.SubjectKind == kind && e.SubjectID == subjectID {
			out = append(out, clonePtr(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- SessionStore ---

func (s *Store) GetSession(_ context.Context, id string) (*idtypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, catalysterr.NotFound("session "+id, nil)
	}
	return clonePtr(sess), nil
}

func (s *Store) CreateSession(_ context.Context, sess *idtypes.Session) (*idtypes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return nil, catalysterr.AlreadyExists("session " + sess.ID)
	}
	rec := *sess
	if rec.Metadata == nil {
		rec.Metadata = idtypes.Labels{}
	}
	s.sessions[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) TouchSession(_ context.Context, id string, lastSeenAt time.Time, metadata idtypes.Labels) (*idtypes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, catalysterr.NotFound("session "+id, nil)
	}
	rec := *sess
	rec.LastSeenAt = lastSeenAt
	rec.Metadata = metadata
	s.sessions[id] = &rec
	return clonePtr(&rec), nil
}

// --- KeyStore ---

func (s *Store) IssueKey(_ context.Context, k *idtypes.Key) (*idtypes.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := *k
	if rec.ID == "" {
		rec.ID = newID()
	}
	if _, ok := s.keys[rec.ID]; ok {
		return nil, catalysterr.AlreadyExists("key id " + rec.ID)
	}
	if _, ok := s.keysByHash[rec.Hash]; ok {
		return nil, catalysterr.AlreadyExists("key hash")
	}

	now := s.now()
	rec.Scopes = idtypes.DedupeScopes(rec.Scopes)
	if rec.Labels == nil {
		rec.Labels = idtypes.Labels{}
	}
	rec.StoredStatus = idtypes.KeyStatusActive
	rec.UsageCount = 0
	rec.CreatedAt = now
	rec.UpdatedAt = now

	s.keys[rec.ID] = &rec
	s.keysByHash[rec.Hash] = rec.ID
	return clonePtr(&rec), nil
}

func (s *Store) materializeKey(k *idtypes.Key) *idtypes.Key {
	rec := clonePtr(k)
	rec.StoredStatus = rec.Status(s.now())
	return rec
}

func (s *Store) GetKeyByID(_ context.Context, id string) (*idtypes.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, catalysterr.NotFound("key "+id, nil)
	}
	return s.materializeKey(k), nil
}

func (s *Store) GetKeyByHash(_ context.Context, hash string) (*idtypes.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return nil, catalysterr.NotFound("key by hash", nil)
	}
	return s.materializeKey(s.keys[id]), nil
}

func (s *Store) ListKeysByOwner(_ context.Context, owner idtypes.KeyOwner, includeRevoked, includeExpired bool) ([]*idtypes.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]*idtypes.Key, 0)
	for _, k := range s.keys {
		if k.Owner != owner {
			continue
		}
		status := k.Status(now)
		if status == idtypes.KeyStatusRevoked && !includeRevoked {
			continue
		}
		if status == idtypes.KeyStatusExpired && !includeExpired {
			continue
		}
		out = append(out, s.materializeKey(k))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RecordKeyUsage(_ context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return catalysterr.NotFound("key "+id, nil)
	}
	if usedAt.IsZero() {
		usedAt = s.now()
	}
	rec := *k
	rec.UsageCount++
	rec.LastUsedAt = &usedAt
	rec.UpdatedAt = usedAt
	s.keys[id] = &rec
	return nil
}

func (s *Store) RevokeKey(_ context.Context, id string, revokedBy, reason string, revokedAt time.Time) (*idtypes.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, catalysterr.NotFound("key "+id, nil)
	}
	if revokedAt.IsZero() {
		revokedAt = s.now()
	}
	rec := *k
	rec.StoredStatus = idtypes.KeyStatusRevoked
	rec.RevokedAt = &revokedAt
	rec.RevokedBy = revokedBy
	rec.RevocationReason = reason
	rec.UpdatedAt = revokedAt
	s.keys[id] = &rec
	return s.materializeKey(&rec), nil
}

// --- AuditStore ---

func (s *Store) AppendEvent(_ context.Context, e *idtypes.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *e
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}
	s.audit = append(s.audit, &rec)
	return nil
}

func (s *Store) ListEvents(_ context.Context, limit int) ([]*idtypes.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- WebhookSubscriptionStore ---

func (s *Store) CreateSubscription(_ context.Context, sub *idtypes.WebhookSubscription) (*idtypes.WebhookSubscription, error) {
	if len(sub.EventTypes) == 0 {
		return nil, catalysterr.InvalidArgument("subscription must have at least one event type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := *sub
	if rec.ID == "" {
		rec.ID = newID()
	}
	rec.EventTypes = dedupeStrings(rec.EventTypes)
	if rec.Headers == nil {
		rec.Headers = map[string]string{}
	}
	if rec.RetryPolicy.MaxAttempts == 0 {
		rec.RetryPolicy = idtypes.DefaultRetryPolicy()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.subscriptions[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Store) GetSubscription(_ context.Context, id string) (*idtypes.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, catalysterr.NotFound("subscription "+id, nil)
	}
	return clonePtr(sub), nil
}

func (s *Store) ListActiveSubscriptionsForEvent(_ context.Context, orgID, eventType string) ([]*idtypes.WebhookSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.WebhookSubscription, 0)
	for _, sub := range s.subscriptions {
		if !sub.Active {
			continue
		}
		if sub.OrgID != "" && sub.OrgID != orgID {
			continue
		}
		matches := false
		for _, et := range sub.EventTypes {
			if et == eventType {
				matches = true
				break
			}
		}
		if !matches {
			continue
		}
		out = append(out, clonePtr(sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- WebhookDeliveryStore ---

func (s *Store) CreateDelivery(_ context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec := *d
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Status == "" {
		rec.Status = idtypes.DeliveryPending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.deliveries[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) GetDelivery(_ context.Context, id string) (*idtypes.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, catalysterr.NotFound("delivery "+id, nil)
	}
	return clonePtr(d), nil
}

func (s *Store) ListPendingDeliveries(_ context.Context, before time.Time, limit int) ([]*idtypes.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*idtypes.WebhookDelivery, 0)
	for _, d := range s.deliveries {
		if d.Status != idtypes.DeliveryPending && d.Status != idtypes.DeliveryDelivering {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(before) {
			continue
		}
		out = append(out, clonePtr(d))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		an, bn := a.NextAttemptAt == nil, b.NextAttemptAt == nil
		if an != bn {
			return an // nulls first
		}
		if !an && !a.NextAttemptAt.Equal(*b.NextAttemptAt) {
			return a.NextAttemptAt.Before(*b.NextAttemptAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimDelivery is the critical section of spec §5: the pending->
// delivering transition must be atomic. Under the single coarse lock
// this is trivially so; a SQL adapter needs a conditional UPDATE (see
// pkg/store/sqlstore).
func (s *Store) ClaimDelivery(_ context.Context, id string, now time.Time) (*idtypes.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, catalysterr.NotFound("delivery "+id, nil)
	}
	if d.Status != idtypes.DeliveryPending {
		return nil, catalysterr.FailedPrecondition("delivery " + id + " is not pending")
	}
	rec := *d
	rec.Status = idtypes.DeliveryDelivering
	rec.AttemptCount++
	rec.LastAttemptAt = &now
	rec.NextAttemptAt = nil
	rec.ErrorMessage = ""
	rec.UpdatedAt = now
	s.deliveries[id] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) UpdateDelivery(_ context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.deliveries[d.ID]
	if !ok {
		return nil, catalysterr.NotFound("delivery "+d.ID, nil)
	}
	rec := *d
	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = s.now()
	s.deliveries[rec.ID] = &rec
	return clonePtr(&rec), nil
}

func (s *Store) SweepStaleDelivering(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, d := range s.deliveries {
		if d.Status != idtypes.DeliveryDelivering {
			continue
		}
		if d.LastAttemptAt == nil || d.LastAttemptAt.After(olderThan) {
			continue
		}
		rec := *d
		rec.Status = idtypes.DeliveryPending
		rec.UpdatedAt = s.now()
		s.deliveries[id] = &rec
		count++
	}
	return count, nil
}
