package forwardauth_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/cache"
	"github.com/ccollier86/catalyst-auth/pkg/cache/memcache"
	"github.com/ccollier86/catalyst-auth/pkg/forwardauth"
	"github.com/ccollier86/catalyst-auth/pkg/idp"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/policy"
	"github.com/ccollier86/catalyst-auth/pkg/store/memstore"
)

type fakeIdP struct {
	intro   idp.TokenIntrospection
	introErr error
	rec     idp.IdentityRecord
	recErr  error
	sessions []idp.SessionRecord
}

func (f *fakeIdP) ValidateAccessToken(ctx context.Context, token string) (idp.TokenIntrospection, error) {
	return f.intro, f.introErr
}

func (f *fakeIdP) BuildEffectiveIdentity(ctx context.Context, subject, orgID string) (idp.IdentityRecord, error) {
	return f.rec, f.recErr
}

func (f *fakeIdP) ListActiveSessions(ctx context.Context, userID string) ([]idp.SessionRecord, error) {
	return f.sessions, nil
}

type fakePolicy struct {
	decision policy.Decision
	err      error
	lastIn   policy.Input
}

func (f *fakePolicy) Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error) {
	f.lastIn = in
	return f.decision, f.err
}

func fixedClockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestHandle_MissingCredentials_Returns401(t *testing.T) {
	st := memstore.New(time.Now).Stores()
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP:      &fakeIdP{},
		Policy:   &fakePolicy{decision: policy.Decision{Allow: true}},
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{Method: "GET", Path: "/x"})
	require.Equal(t, 401, resp.Status)
	require.Equal(t, "missing_credentials", resp.Headers[forwardauth.HeaderErrorCode])
}

func TestHandle_BearerToken_InactiveIntrospection_Returns401(t *testing.T) {
	st := memstore.New(time.Now).Stores()
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP:      &fakeIdP{intro: idp.TokenIntrospection{Active: false}},
		Policy:   &fakePolicy{decision: policy.Decision{Allow: true}},
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"Authorization": "Bearer deadbeef"},
	})
	require.Equal(t, 401, resp.Status)
	require.Equal(t, "inactive_token", resp.Headers[forwardauth.HeaderErrorCode])
}

func TestHandle_BearerToken_PolicyAllows_ReturnsHeadersAndCachesDecision(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClockAt(now)).Stores()
	decisionCache := memcache.New(fixedClockAt(now))

	fp := &fakePolicy{decision: policy.Decision{Allow: true, DecisionJWT: "dj-1", Reason: "ok"}}
	svc := forwardauth.New(forwardauth.Service{
		Cache:    decisionCache,
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP: &fakeIdP{
			intro: idp.TokenIntrospection{Active: true, Subject: "user-1"},
			rec:   idp.IdentityRecord{UserID: "user-1", OrgID: "org-1", Groups: []string{"eng"}, Roles: []string{"admin"}},
		},
		Policy: fp,
		Clock:  fixedClockAt(now),
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/widgets",
		Headers: map[string]string{"Authorization": "Bearer tok-1"},
	})

	require.Equal(t, 200, resp.Status)
	require.Equal(t, "user-1", resp.Headers[forwardauth.HeaderUserSub])
	require.Equal(t, "org-1", resp.Headers[forwardauth.HeaderOrgID])
	require.Equal(t, "eng", resp.Headers[forwardauth.HeaderUserGroups])
	require.Equal(t, "admin", resp.Headers[forwardauth.HeaderUserRoles])
	require.Equal(t, "dj-1", resp.Headers[forwardauth.HeaderDecisionJWT])
	require.Equal(t, "GET /widgets", fp.lastIn.Action)

	// decision cached under the minted token
	raw, found, err := decisionCache.Get(context.Background(), forwardauth.DefaultConfig().CachePrefix+":dj-1")
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, raw)
}

func TestHandle_PolicyDenies_Returns403WithObligations(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClockAt(now)).Stores()
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP: &fakeIdP{
			intro: idp.TokenIntrospection{Active: true, Subject: "user-1"},
			rec:   idp.IdentityRecord{UserID: "user-1", OrgID: "org-1"},
		},
		Policy: &fakePolicy{decision: policy.Decision{Allow: false, Reason: "no_entitlement", Obligations: map[string]any{"step_up": true}}},
		Clock:  fixedClockAt(now),
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "DELETE",
		Path:    "/widgets/1",
		Headers: map[string]string{"Authorization": "Bearer tok-1"},
	})

	require.Equal(t, 403, resp.Status)
	require.Equal(t, "no_entitlement", resp.Headers[forwardauth.HeaderErrorCode])
	require.NotEmpty(t, resp.Headers[forwardauth.HeaderObligations])
}

func TestHandle_APIKey_Inactive_Returns403(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClockAt(now)).Stores()
	cfg := forwardauth.DefaultConfig()

	expired := now.Add(-time.Hour)
	_, err := st.Keys.IssueKey(context.Background(), &idtypes.Key{
		ID:        "key-1",
		Hash:      cfg.KeyHash("secret-1"),
		Owner:     idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "user-1"},
		Name:      "test key",
		CreatedBy: "admin",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: &expired,
	})
	require.NoError(t, err)

	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP:      &fakeIdP{},
		Policy:   &fakePolicy{decision: policy.Decision{Allow: true}},
		Clock:    fixedClockAt(now),
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"x-api-key": "secret-1"},
	})
	require.Equal(t, 403, resp.Status)
	require.Equal(t, "api_key_inactive", resp.Headers[forwardauth.HeaderErrorCode])
}

func TestHandle_APIKey_Unknown_Returns401(t *testing.T) {
	st := memstore.New(time.Now).Stores()
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP:      &fakeIdP{},
		Policy:   &fakePolicy{decision: policy.Decision{Allow: true}},
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"x-api-key": "nope"},
	})
	require.Equal(t, 401, resp.Status)
	require.Equal(t, "invalid_api_key", resp.Headers[forwardauth.HeaderErrorCode])
}

func TestHandle_APIKey_OrgOwned_ResolvesOrgFromKey(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClockAt(now)).Stores()
	cfg := forwardauth.DefaultConfig()

	_, err := st.Keys.IssueKey(context.Background(), &idtypes.Key{
		ID:        "key-org",
		Hash:      cfg.KeyHash("secret-org"),
		Owner:     idtypes.KeyOwner{Kind: idtypes.KeyOwnerOrg, ID: "org-9"},
		Name:      "org key",
		CreatedBy: "admin",
		CreatedAt: now.Add(-time.Hour),
		Scopes:    []string{"read"},
	})
	require.NoError(t, err)

	fp := &fakePolicy{decision: policy.Decision{Allow: true}}
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP:      &fakeIdP{},
		Policy:   fp,
		Clock:    fixedClockAt(now),
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"x-api-key": "secret-org"},
	})
	require.Equal(t, 200, resp.Status)
	require.Equal(t, "org-9", resp.Headers[forwardauth.HeaderOrgID])
	require.Equal(t, "org-9", fp.lastIn.Identity.OrgID)
}

func TestHandle_APIKey_UserOwned_ResolvesIdentityViaIdP(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClockAt(now)).Stores()
	cfg := forwardauth.DefaultConfig()

	_, err := st.Keys.IssueKey(context.Background(), &idtypes.Key{
		ID:        "key-user",
		Hash:      cfg.KeyHash("secret-user"),
		Owner:     idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "user-55"},
		Name:      "user key",
		CreatedBy: "admin",
		CreatedAt: now.Add(-time.Hour),
		Scopes:    []string{"key-scope"},
		Labels:    idtypes.Labels{"issued_for": "ci"},
	})
	require.NoError(t, err)

	fp := &fakePolicy{decision: policy.Decision{Allow: true}}
	svc := forwardauth.New(forwardauth.Service{
		Keys:     st.Keys,
		Sessions: st.Sessions,
		Audit:    st.Audit,
		IdP: &fakeIdP{
			rec: idp.IdentityRecord{
				UserID: "user-55",
				OrgID:  "org-77",
				Scopes: []string{"base"},
				Labels: map[string]any{"plan": "starter"},
			},
		},
		Policy: fp,
		Clock:  fixedClockAt(now),
	})

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{"x-api-key": "secret-user"},
	})

	require.Equal(t, 200, resp.Status)
	require.Equal(t, "user-55", resp.Headers[forwardauth.HeaderUserSub])
	require.Equal(t, "org-77", resp.Headers[forwardauth.HeaderOrgID])
	require.Equal(t, "org-77", fp.lastIn.Identity.OrgID)
	require.ElementsMatch(t, []string{"base", "key-scope"}, fp.lastIn.Identity.Scopes)
	require.Equal(t, "starter", fp.lastIn.Identity.Labels["plan"])
	require.Equal(t, "ci", fp.lastIn.Identity.Labels["issued_for"])
}

func TestHandle_DecisionCacheHit_ShortCircuitsPolicyEvaluation(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	decisionCache := memcache.New(fixedClockAt(now))
	fp := &fakePolicy{decision: policy.Decision{Allow: true}}
	svc := forwardauth.New(forwardauth.Service{
		Cache:  decisionCache,
		IdP:    &fakeIdP{},
		Policy: fp,
		Clock:  fixedClockAt(now),
	})

	cfg := forwardauth.DefaultConfig()
	cached := idtypes.DecisionCacheEntry{
		Headers:   map[string]string{forwardauth.HeaderUserSub: "cached-user"},
		ExpiresAt: now.Add(time.Minute),
	}
	raw, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, decisionCache.Set(context.Background(), cfg.CachePrefix+":dj-cached", raw, cache.SetOptions{TTLSeconds: 55}))

	resp := svc.Handle(context.Background(), forwardauth.Request{
		Method:  "GET",
		Path:    "/x",
		Headers: map[string]string{forwardauth.HeaderDecisionJWT: "dj-cached"},
	})

	require.Equal(t, 200, resp.Status)
	require.Equal(t, "cached-user", resp.Headers[forwardauth.HeaderUserSub])
	require.Equal(t, "dj-cached", resp.Headers[forwardauth.HeaderDecisionJWT])
	require.Zero(t, fp.lastIn.Action, "policy must not be consulted on a cache hit")
}
