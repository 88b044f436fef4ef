// Package webhook implements the outbound delivery side of the event
// bus (spec §4.5): Dispatcher fans a domain event out into one delivery
// row per matching active subscription, and Worker drains that queue.
package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Dispatcher creates a WebhookDelivery for every active subscription
// matching an event's org and type.
type Dispatcher struct {
	Subscriptions store.WebhookSubscriptionStore
	Deliveries    store.WebhookDeliveryStore
	Clock         func() time.Time
}

// NewDispatcher builds a Dispatcher, defaulting Clock to time.Now.
func NewDispatcher(subs store.WebhookSubscriptionStore, deliveries store.WebhookDeliveryStore) *Dispatcher {
	return &Dispatcher{Subscriptions: subs, Deliveries: deliveries, Clock: time.Now}
}

// Dispatch looks up active subscriptions for (orgID, eventType) and
// creates one pending delivery per match. It returns the created
// deliveries; a failure creating one delivery does not prevent the
// others from being attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, orgID, eventType string, payload map[string]any) ([]*idtypes.WebhookDelivery, error) {
	subs, err := d.Subscriptions.ListActiveSubscriptionsForEvent(ctx, orgID, eventType)
	if err != nil {
		return nil, err
	}

	eventID := uuid.NewString()
	now := d.clock()
	out := make([]*idtypes.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		delivery := &idtypes.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        eventID,
			Status:         idtypes.DeliveryPending,
			Payload:        payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created, err := d.Deliveries.CreateDelivery(ctx, delivery)
		if err != nil {
			logger.Warnf("webhook: failed to create delivery for subscription %s: %v", sub.ID, err)
			continue
		}
		out = append(out, created)
	}
	return out, nil
}

func (d *Dispatcher) clock() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}
