package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/identity"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store/memstore"
)

func fixedNow() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestBuild_JoinsOrgGroupsAndEntitlements(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(fixedNow()).Stores()
	c := identity.New(st)

	user, err := st.Users.UpsertUser(ctx, &idtypes.UserProfile{AuthentikID: "auth-1", Email: "a@example.com", Labels: idtypes.Labels{"tier": "gold"}})
	require.NoError(t, err)

	org, err := st.Orgs.CreateOrg(ctx, &idtypes.OrgProfile{Slug: "acme", OwnerUserID: user.ID, Labels: idtypes.Labels{"plan": "enterprise"}})
	require.NoError(t, err)

	parent, err := st.Groups.CreateGroup(ctx, &idtypes.Group{OrgID: org.ID, Slug: "eng", Name: "Engineering", Labels: idtypes.Labels{"dept": "eng"}})
	require.NoError(t, err)
	child, err := st.Groups.CreateGroup(ctx, &idtypes.Group{OrgID: org.ID, Slug: "backend", Name: "Backend", ParentGroupID: parent.ID, Labels: idtypes.Labels{"team": "backend"}})
	require.NoError(t, err)

	membership, err := st.Memberships.CreateMembership(ctx, &idtypes.Membership{
		UserID: user.ID, OrgID: org.ID, Role: "admin", GroupIDs: []string{child.ID},
	})
	require.NoError(t, err)

	_, err = st.Entitlements.GrantEntitlement(ctx, &idtypes.Entitlement{
		SubjectKind: idtypes.EntitlementSubjectUser, SubjectID: user.ID, Entitlement: "billing.read",
	})
	require.NoError(t, err)
	_, err = st.Entitlements.GrantEntitlement(ctx, &idtypes.Entitlement{
		SubjectKind: idtypes.EntitlementSubjectOrg, SubjectID: org.ID, Entitlement: "org.admin",
	})
	require.NoError(t, err)

	ei, err := c.Build(ctx, identity.Request{UserID: user.ID, MembershipID: membership.ID})
	require.NoError(t, err)

	require.Equal(t, user.ID, ei.UserID)
	require.Equal(t, org.ID, ei.OrgID)
	require.Equal(t, []string{child.ID}, ei.Groups)
	require.Contains(t, ei.Roles, "admin")
	require.ElementsMatch(t, []string{"billing.read", "org.admin"}, ei.Entitlements)
	require.Equal(t, "gold", ei.Labels["tier"])
	require.Equal(t, "enterprise", ei.Labels["plan"])
	require.Equal(t, "backend", ei.Labels["team"])
	require.Equal(t, "eng", ei.Labels["dept"])
}

func TestBuild_NoMembership_FallsBackToPrimaryOrg(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(fixedNow()).Stores()
	c := identity.New(st)

	org, err := st.Orgs.CreateOrg(ctx, &idtypes.OrgProfile{Slug: "solo-org", OwnerUserID: "whoever"})
	require.NoError(t, err)

	user, err := st.Users.UpsertUser(ctx, &idtypes.UserProfile{AuthentikID: "auth-2", Email: "b@example.com", PrimaryOrgID: org.ID})
	require.NoError(t, err)

	ei, err := c.Build(ctx, identity.Request{UserID: user.ID})
	require.NoError(t, err)
	require.Equal(t, org.ID, ei.OrgID)
	require.Empty(t, ei.Roles)
	require.Empty(t, ei.Groups)
}

func TestBuild_GroupParentCycle_DoesNotHang(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(fixedNow()).Stores()
	c := identity.New(st)

	user, err := st.Users.UpsertUser(ctx, &idtypes.UserProfile{AuthentikID: "auth-3", Email: "c@example.com"})
	require.NoError(t, err)
	org, err := st.Orgs.CreateOrg(ctx, &idtypes.OrgProfile{Slug: "cyclic", OwnerUserID: user.ID})
	require.NoError(t, err)

	// Groups reference each other's ids directly (the store has no
	// existence check at creation time) so a genuine parent cycle a->b->a
	// can be set up without an UpdateGroup operation.
	a, err := st.Groups.CreateGroup(ctx, &idtypes.Group{ID: "grp-a", OrgID: org.ID, Slug: "a", Name: "A", ParentGroupID: "grp-b", Labels: idtypes.Labels{"g": "a"}})
	require.NoError(t, err)
	b, err := st.Groups.CreateGroup(ctx, &idtypes.Group{ID: "grp-b", OrgID: org.ID, Slug: "b", Name: "B", ParentGroupID: "grp-a", Labels: idtypes.Labels{"g": "b"}})
	require.NoError(t, err)

	membership, err := st.Memberships.CreateMembership(ctx, &idtypes.Membership{
		UserID: user.ID, OrgID: org.ID, Role: "member", GroupIDs: []string{a.ID, b.ID},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, buildErr := c.Build(ctx, identity.Request{UserID: user.ID, MembershipID: membership.ID})
		require.NoError(t, buildErr)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Build did not return: group cycle traversal likely looped forever")
	}
}
