// Package identity implements the effective-identity composer (spec
// §4.3): joining user profile, org, membership, groups, and entitlements
// into the single denormalized EffectiveIdentity the policy engine
// evaluates against.
package identity

import (
	"context"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Request is the composer's input (spec §4.3).
type Request struct {
	UserID        string
	OrgID         string // optional
	MembershipID  string // optional
	IncludeGroups *bool  // nil/true = include; false = skip
}

func (r Request) includeGroups() bool {
	return r.IncludeGroups == nil || *r.IncludeGroups
}

// Composer builds EffectiveIdentity records from the store contracts.
type Composer struct {
	Users        store.UserStore
	Orgs         store.OrgStore
	Groups       store.GroupStore
	Memberships  store.MembershipStore
	Entitlements store.EntitlementStore
}

// New builds a Composer from a store bundle.
func New(s *store.Stores) *Composer {
	return &Composer{
		Users:        s.Users,
		Orgs:         s.Orgs,
		Groups:       s.Groups,
		Memberships:  s.Memberships,
		Entitlements: s.Entitlements,
	}
}

// Build runs the join described in spec §4.3, steps 1-8.
func (c *Composer) Build(ctx context.Context, req Request) (*idtypes.EffectiveIdentity, error) {
	user, err := c.Users.GetUserByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	membership, err := c.resolveMembership(ctx, req)
	if err != nil {
		return nil, err
	}

	orgID := req.OrgID
	if orgID == "" && membership != nil {
		orgID = membership.OrgID
	}
	if orgID == "" {
		orgID = user.PrimaryOrgID
	}

	var org *idtypes.OrgProfile
	if orgID != "" {
		org, err = c.Orgs.GetOrgByID(ctx, orgID)
		if err != nil {
			// An explicit orgId that doesn't resolve is a hard failure;
			// a fallback-derived orgId (from membership/primaryOrgId)
			// that's gone stale degrades to "no org" instead.
			if req.OrgID != "" {
				return nil, err
			}
			org = nil
			orgID = ""
		}
	}

	var groupIDs []string
	labelChain := []idtypes.Labels{user.Labels}
	if org != nil {
		labelChain = append(labelChain, org.Labels)
	}
	if membership != nil {
		labelChain = append(labelChain, membership.LabelsDelta)
	}

	if req.includeGroups() && membership != nil && len(membership.GroupIDs) > 0 {
		resolved, groupLabels, err := c.resolveGroups(ctx, membership.GroupIDs)
		if err != nil {
			return nil, err
		}
		groupIDs = resolved
		labelChain = append(labelChain, groupLabels...)
	}

	entitlements, err := c.resolveEntitlements(ctx, user.ID, orgID, membership)
	if err != nil {
		return nil, err
	}

	roles := []string{}
	if membership != nil {
		roles = append(roles, membership.Role)
	}

	// Sessions are attached by the forward-auth service, not the
	// composer — the composer has no session input.
	ei := &idtypes.EffectiveIdentity{
		UserID:       user.ID,
		OrgID:        orgID,
		Groups:       dedupeStrings(groupIDs),
		Labels:       idtypes.MergeLabels(labelChain...),
		Roles:        roles,
		Entitlements: entitlements,
		Scopes:       []string{},
	}
	return ei, nil
}

func (c *Composer) resolveMembership(ctx context.Context, req Request) (*idtypes.Membership, error) {
	if req.MembershipID != "" {
		m, err := c.Memberships.GetMembershipByID(ctx, req.MembershipID)
		if err != nil {
			return nil, err
		}
		if m.UserID != req.UserID {
			return nil, catalysterr.InvalidArgument("membership does not belong to user")
		}
		if req.OrgID != "" && m.OrgID != req.OrgID {
			return nil, catalysterr.InvalidArgument("membership does not belong to org")
		}
		return m, nil
	}

	if req.OrgID != "" {
		m, err := c.Memberships.FindMembershipForUserAndOrg(ctx, req.UserID, req.OrgID)
		if err != nil {
			if catalysterr.IsNotFound(err) {
				return nil, nil
			}
			return nil, err
		}
		return m, nil
	}

	memberships, err := c.Memberships.ListMembershipsForUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}
	return memberships[0], nil
}

// resolveGroups loads the membership's groups and, for label-merge
// purposes only, walks each group's parent chain. Cycles are tolerated
// by visited-set pruning: a corrupt parentGroupId forest must never
// break identity resolution (spec §9).
func (c *Composer) resolveGroups(ctx context.Context, groupIDs []string) ([]string, []idtypes.Labels, error) {
	groups, err := c.Groups.ListGroupsByIDs(ctx, groupIDs)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[string]*idtypes.Group, len(groups))
	ordered := make([]string, 0, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
		ordered = append(ordered, g.ID)
	}

	labelSets := make([]idtypes.Labels, 0, len(ordered))
	for _, id := range ordered {
		chain := c.walkParentChain(ctx, byID, id)
		labelSets = append(labelSets, chain...)
	}
	return ordered, labelSets, nil
}

// walkParentChain returns the label sets from id up through its parent
// forest, nearest-ancestor last isn't required by the spec (only that
// the merge happens "in group-id order" overall); visited tracks this
// single traversal so a cycle terminates instead of looping forever.
func (c *Composer) walkParentChain(ctx context.Context, loaded map[string]*idtypes.Group, startID string) []idtypes.Labels {
	visited := map[string]struct{}{}
	var out []idtypes.Labels
	id := startID
	for id != "" {
		if _, seen := visited[id]; seen {
			break // cycle: skip the cycling edge, don't fail
		}
		visited[id] = struct{}{}

		g, ok := loaded[id]
		if !ok {
			fetched, err := c.Groups.GetGroupByID(ctx, id)
			if err != nil {
				break
			}
			g = fetched
			loaded[id] = g
		}
		out = append(out, g.Labels)
		id = g.ParentGroupID
	}
	return out
}

func (c *Composer) resolveEntitlements(ctx context.Context, userID, orgID string, membership *idtypes.Membership) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string

	add := func(kind idtypes.EntitlementSubjectKind, subjectID string) error {
		if subjectID == "" {
			return nil
		}
		ents, err := c.Entitlements.ListEntitlementsForSubject(ctx, kind, subjectID)
		if err != nil {
			return err
		}
		for _, e := range ents {
			if _, ok := seen[e.Entitlement]; ok {
				continue
			}
			seen[e.Entitlement] = struct{}{}
			out = append(out, e.Entitlement)
		}
		return nil
	}

	if err := add(idtypes.EntitlementSubjectUser, userID); err != nil {
		return nil, err
	}
	if err := add(idtypes.EntitlementSubjectOrg, orgID); err != nil {
		return nil, err
	}
	if membership != nil {
		if err := add(idtypes.EntitlementSubjectMembership, membership.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
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
