package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store/memstore"
	"github.com/ccollier86/catalyst-auth/pkg/webhook"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDispatch_CreatesOneDeliveryPerMatchingSubscription(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClock(now)).Stores()

	matching, err := st.Subscriptions.CreateSubscription(context.Background(), &idtypes.WebhookSubscription{
		OrgID:      "org-1",
		EventTypes: []string{"key.revoked"},
		TargetURL:  "https://example.com/hook",
		Active:     true,
	})
	require.NoError(t, err)

	_, err = st.Subscriptions.CreateSubscription(context.Background(), &idtypes.WebhookSubscription{
		OrgID:      "org-1",
		EventTypes: []string{"key.issued"},
		TargetURL:  "https://example.com/other",
		Active:     true,
	})
	require.NoError(t, err)

	_, err = st.Subscriptions.CreateSubscription(context.Background(), &idtypes.WebhookSubscription{
		OrgID:      "org-2",
		EventTypes: []string{"key.revoked"},
		TargetURL:  "https://example.com/other-org",
		Active:     true,
	})
	require.NoError(t, err)

	d := webhook.NewDispatcher(st.Subscriptions, st.Deliveries)
	d.Clock = fixedClock(now)

	deliveries, err := d.Dispatch(context.Background(), "org-1", "key.revoked", map[string]any{"type": "key.revoked", "keyId": "k1"})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.Equal(t, matching.ID, deliveries[0].SubscriptionID)
	require.Equal(t, idtypes.DeliveryPending, deliveries[0].Status)
}

func TestWorker_RunOnce_DeadLettersAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st := memstore.New(fixedClock(now)).Stores()

	sub, err := st.Subscriptions.CreateSubscription(context.Background(), &idtypes.WebhookSubscription{
		EventTypes:  []string{"key.revoked"},
		TargetURL:   "http://127.0.0.1:0/unreachable", // nothing listens here
		Active:      true,
		RetryPolicy: idtypes.RetryPolicy{MaxAttempts: 1, BackoffSeconds: []int{30}},
	})
	require.NoError(t, err)

	_, err = st.Deliveries.CreateDelivery(context.Background(), &idtypes.WebhookDelivery{
		SubscriptionID: sub.ID,
		EventID:        "evt-1",
		Payload:        map[string]any{"type": "key.revoked"},
	})
	require.NoError(t, err)

	w := webhook.NewWorker(st.Subscriptions, st.Deliveries)
	w.Clock = fixedClock(now)
	w.Config.BatchSize = 10

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.DeadLettered)
}
