package sqlstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store/sqlstore"
)

func openTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", filepath.Join(t.TempDir(), "catalyst-test.db"))
	st, err := sqlstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestIssueKey_AndGetByHash(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	issued, err := st.IssueKey(ctx, &idtypes.Key{
		ID:        "key-1",
		Hash:      "hash-1",
		Owner:     idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "user-1"},
		Name:      "ci key",
		CreatedBy: "admin",
		CreatedAt: now,
		UpdatedAt: now,
		Scopes:    []string{"read", "read", "write"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"read", "write"}, issued.Scopes)
	require.Equal(t, idtypes.KeyStatusActive, issued.StoredStatus)

	fetched, err := st.GetKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "key-1", fetched.ID)
	require.Equal(t, "user-1", fetched.Owner.ID)
}

func TestIssueKey_DuplicateID_IsAlreadyExists(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k := &idtypes.Key{ID: "dup-1", Hash: "h1", Owner: idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "u1"}, CreatedAt: now, UpdatedAt: now}
	_, err := st.IssueKey(ctx, k)
	require.NoError(t, err)

	_, err = st.IssueKey(ctx, &idtypes.Key{ID: "dup-1", Hash: "h2", Owner: idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "u1"}, CreatedAt: now, UpdatedAt: now})
	require.True(t, catalysterr.IsAlreadyExists(err))
}

func TestGetKeyByID_NotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetKeyByID(context.Background(), "missing")
	require.True(t, catalysterr.IsNotFound(err))
}

func TestListKeysByOwner_FiltersRevokedAndExpiredAtReadTime(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	owner := idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "owner-1"}

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	_, err := st.IssueKey(ctx, &idtypes.Key{ID: "active", Hash: "h-active", Owner: owner, CreatedAt: now, UpdatedAt: now, ExpiresAt: &future})
	require.NoError(t, err)
	_, err = st.IssueKey(ctx, &idtypes.Key{ID: "expired", Hash: "h-expired", Owner: owner, CreatedAt: now, UpdatedAt: now, ExpiresAt: &past})
	require.NoError(t, err)
	_, err = st.IssueKey(ctx, &idtypes.Key{ID: "revoked", Hash: "h-revoked", Owner: owner, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	_, err = st.RevokeKey(ctx, "revoked", "admin", "compromised", now)
	require.NoError(t, err)

	onlyActive, err := st.ListKeysByOwner(ctx, owner, false, false)
	require.NoError(t, err)
	ids := keyIDs(onlyActive)
	require.ElementsMatch(t, []string{"active"}, ids)

	all, err := st.ListKeysByOwner(ctx, owner, true, true)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"active", "expired", "revoked"}, keyIDs(all))
}

func keyIDs(keys []*idtypes.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.ID
	}
	return out
}

func TestRecordKeyUsage_IncrementsCountAndTimestamp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.IssueKey(ctx, &idtypes.Key{ID: "usage-1", Hash: "h-usage", Owner: idtypes.KeyOwner{Kind: idtypes.KeyOwnerUser, ID: "u1"}, CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	require.NoError(t, st.RecordKeyUsage(ctx, "usage-1", now))
	require.NoError(t, st.RecordKeyUsage(ctx, "usage-1", now.Add(time.Minute)))

	fetched, err := st.GetKeyByID(ctx, "usage-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), fetched.UsageCount)
	require.NotNil(t, fetched.LastUsedAt)
}

func TestRecordKeyUsage_UnknownKey_IsNotFound(t *testing.T) {
	st := openTestStore(t)
	err := st.RecordKeyUsage(context.Background(), "nope", time.Now())
	require.True(t, catalysterr.IsNotFound(err))
}

func TestClaimDelivery_AtomicPendingToDelivering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub, err := st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		EventTypes: []string{"key.revoked"},
		TargetURL:  "https://example.com/hook",
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)

	delivery, err := st.CreateDelivery(ctx, &idtypes.WebhookDelivery{
		SubscriptionID: sub.ID,
		EventID:        "evt-1",
		Payload:        map[string]any{"type": "key.revoked"},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)

	claimed, err := st.ClaimDelivery(ctx, delivery.ID, now)
	require.NoError(t, err)
	require.Equal(t, idtypes.DeliveryDelivering, claimed.Status)
	require.Equal(t, 1, claimed.AttemptCount)

	// A second claim against the same (no-longer-pending) row must fail
	// with a failed-precondition, not silently "succeed" twice.
	_, err = st.ClaimDelivery(ctx, delivery.ID, now)
	require.Error(t, err)
	require.False(t, catalysterr.IsNotFound(err))
}

func TestClaimDelivery_UnknownID_IsNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.ClaimDelivery(context.Background(), "missing", time.Now())
	require.True(t, catalysterr.IsNotFound(err))
}

func TestListActiveSubscriptionsForEvent_MatchesOrgAndEventType(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	matching, err := st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		OrgID: "org-1", EventTypes: []string{"key.revoked"}, TargetURL: "https://example.com/a", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		OrgID: "org-1", EventTypes: []string{"key.issued"}, TargetURL: "https://example.com/b", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		OrgID: "org-2", EventTypes: []string{"key.revoked"}, TargetURL: "https://example.com/c", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	global, err := st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		EventTypes: []string{"key.revoked"}, TargetURL: "https://example.com/global", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	subs, err := st.ListActiveSubscriptionsForEvent(ctx, "org-1", "key.revoked")
	require.NoError(t, err)
	var ids []string
	for _, s := range subs {
		ids = append(ids, s.ID)
	}
	require.ElementsMatch(t, []string{matching.ID, global.ID}, ids)
}

func TestSweepStaleDelivering_ResetsToPending(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub, err := st.CreateSubscription(ctx, &idtypes.WebhookSubscription{
		EventTypes: []string{"key.revoked"}, TargetURL: "https://example.com/hook", Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	delivery, err := st.CreateDelivery(ctx, &idtypes.WebhookDelivery{
		SubscriptionID: sub.ID, EventID: "evt-stale", Payload: map[string]any{"type": "key.revoked"}, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	staleAt := now.Add(-time.Hour)
	_, err = st.ClaimDelivery(ctx, delivery.ID, staleAt)
	require.NoError(t, err)

	n, err := st.SweepStaleDelivering(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	refetched, err := st.GetDelivery(ctx, delivery.ID)
	require.NoError(t, err)
	require.Equal(t, idtypes.DeliveryPending, refetched.Status)
}

func TestAuditAppendAndList_OrderedByOccurredAt(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	t0 := time.Now().Add(-time.Minute).UTC()
	t1 := time.Now().UTC()

	require.NoError(t, st.AppendEvent(ctx, &idtypes.AuditEvent{ID: "evt-issued", OccurredAt: t1, Category: "key", Action: "issued"}))
	require.NoError(t, st.AppendEvent(ctx, &idtypes.AuditEvent{ID: "evt-revoked", OccurredAt: t0, Category: "key", Action: "revoked"}))

	events, err := st.ListEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "revoked", events[0].Action)
	require.Equal(t, "issued", events[1].Action)
}
