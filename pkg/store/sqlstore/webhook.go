package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// CreateSubscription implements store.WebhookSubscriptionStore.
func (s *Store) CreateSubscription(ctx context.Context, sub *idtypes.WebhookSubscription) (*idtypes.WebhookSubscription, error) {
	if len(sub.EventTypes) == 0 {
		return nil, catalysterr.InvalidArgument("eventTypes must not be empty")
	}
	created := *sub
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.EventTypes = dedupeStrings(created.EventTypes)
	if created.RetryPolicy.MaxAttempts == 0 {
		created.RetryPolicy = idtypes.DefaultRetryPolicy()
	}

	eventTypesJSON, err := toJSON(created.EventTypes)
	if err != nil {
		return nil, err
	}
	headersJSON, err := toJSON(created.Headers)
	if err != nil {
		return nil, err
	}
	policyJSON, err := toJSON(created.RetryPolicy)
	if err != nil {
		return nil, err
	}
	metaJSON, err := toJSON(created.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, org_id, event_types, target_url, secret, headers, retry_policy, active, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, nullStr(created.OrgID), eventTypesJSON, created.TargetURL, created.Secret,
		headersJSON, policyJSON, boolToInt(created.Active), timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt), metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("webhook subscription")
		}
		return nil, catalysterr.Unavailable("insert webhook subscription", err)
	}
	return &created, nil
}

// GetSubscription implements store.WebhookSubscriptionStore.
func (s *Store) GetSubscription(ctx context.Context, id string) (*idtypes.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, event_types, target_url, secret, headers, retry_policy, active, created_at, updated_at, metadata
		FROM webhook_subscriptions WHERE id=?`, id)
	return scanSubscription(row)
}

func scanSubscription(row *sql.Row) (*idtypes.WebhookSubscription, error) {
	var (
		sub                                                idtypes.WebhookSubscription
		orgID                                               sql.NullString
		eventTypesJSON, headersJSON, policyJSON, metaJSON   string
		active                                              int
		created, updated                                   string
	)
	err := row.Scan(&sub.ID, &orgID, &eventTypesJSON, &sub.TargetURL, &sub.Secret, &headersJSON, &policyJSON,
		&active, &created, &updated, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("webhook subscription", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query webhook subscription", err)
	}
	sub.OrgID = strOrEmpty(orgID)
	sub.EventTypes = fromJSONStrings(eventTypesJSON)
	sub.Headers = fromJSONHeaders(headersJSON)
	sub.RetryPolicy = fromJSONRetryPolicy(policyJSON)
	sub.Active = active != 0
	sub.CreatedAt = strToTime(created)
	sub.UpdatedAt = strToTime(updated)
	sub.Metadata = fromJSONLabels(metaJSON)
	return &sub, nil
}

// ListActiveSubscriptionsForEvent implements store.WebhookSubscriptionStore.
// A subscription matches when it is active, its org_id is either NULL
// (global) or equal to orgID, and its event_types list contains
// eventType; the JSON membership test is done in Go since SQLite has no
// native JSON array "contains" operator available without an extension.
func (s *Store) ListActiveSubscriptionsForEvent(ctx context.Context, orgID, eventType string) ([]*idtypes.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, event_types, target_url, secret, headers, retry_policy, active, created_at, updated_at, metadata
		FROM webhook_subscriptions
		WHERE active=1 AND (org_id IS NULL OR org_id=?)`, orgID)
	if err != nil {
		return nil, catalysterr.Unavailable("list active subscriptions", err)
	}
	defer rows.Close()

	var out []*idtypes.WebhookSubscription
	for rows.Next() {
		var (
			sub                                              idtypes.WebhookSubscription
			subOrgID                                         sql.NullString
			eventTypesJSON, headersJSON, policyJSON, metaJSON string
			active                                           int
			created, updated                                 string
		)
		if err := rows.Scan(&sub.ID, &subOrgID, &eventTypesJSON, &sub.TargetURL, &sub.Secret, &headersJSON,
			&policyJSON, &active, &created, &updated, &metaJSON); err != nil {
			return nil, catalysterr.Unavailable("scan webhook subscription", err)
		}
		sub.OrgID = strOrEmpty(subOrgID)
		sub.EventTypes = fromJSONStrings(eventTypesJSON)
		if !containsString(sub.EventTypes, eventType) {
			continue
		}
		sub.Headers = fromJSONHeaders(headersJSON)
		sub.RetryPolicy = fromJSONRetryPolicy(policyJSON)
		sub.Active = active != 0
		sub.CreatedAt = strToTime(created)
		sub.UpdatedAt = strToTime(updated)
		sub.Metadata = fromJSONLabels(metaJSON)
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// CreateDelivery implements store.WebhookDeliveryStore.
func (s *Store) CreateDelivery(ctx context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error) {
	created := *d
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Status == "" {
		created.Status = idtypes.DeliveryPending
	}
	payloadJSON, err := toJSON(created.Payload)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, event_id, status, attempt_count, last_attempt_at,
			next_attempt_at, payload, response, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.SubscriptionID, created.EventID, string(created.Status), created.AttemptCount,
		nullTimeToStr(created.LastAttemptAt), nullTimeToStr(created.NextAttemptAt), payloadJSON,
		nil, nullStr(created.ErrorMessage), timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("webhook delivery")
		}
		return nil, catalysterr.Unavailable("insert webhook delivery", err)
	}
	return &created, nil
}

// GetDelivery implements store.WebhookDeliveryStore.
func (s *Store) GetDelivery(ctx context.Context, id string) (*idtypes.WebhookDelivery, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subscription_id, event_id, status, attempt_count, last_attempt_at, next_attempt_at,
			payload, response, error_message, created_at, updated_at
		FROM webhook_deliveries WHERE id=?`, id)
	return scanDelivery(row)
}

func scanDelivery(row *sql.Row) (*idtypes.WebhookDelivery, error) {
	var (
		d                                        idtypes.WebhookDelivery
		status                                   string
		lastAttempt, nextAttempt                 sql.NullString
		payloadJSON                              string
		responseJSON                             sql.NullString
		errorMessage                              sql.NullString
		created, updated                         string
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &status, &d.AttemptCount, &lastAttempt, &nextAttempt,
		&payloadJSON, &responseJSON, &errorMessage, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("webhook delivery", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query webhook delivery", err)
	}
	d.Status = idtypes.DeliveryStatus(status)
	d.LastAttemptAt = strToNullTime(lastAttempt)
	d.NextAttemptAt = strToNullTime(nextAttempt)
	d.Payload = fromJSONPayload(payloadJSON)
	d.Response = fromJSONResponse(responseJSON)
	d.ErrorMessage = strOrEmpty(errorMessage)
	d.CreatedAt = strToTime(created)
	d.UpdatedAt = strToTime(updated)
	return &d, nil
}

// ListPendingDeliveries implements store.WebhookDeliveryStore: rows with
// status IN (pending, delivering) whose next_attempt_at is NULL or due,
// ordered NULLS FIRST by next_attempt_at then createdAt.
func (s *Store) ListPendingDeliveries(ctx context.Context, before time.Time, limit int) ([]*idtypes.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subscription_id, event_id, status, attempt_count, last_attempt_at, next_attempt_at,
			payload, response, error_message, created_at, updated_at
		FROM webhook_deliveries
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY (next_attempt_at IS NOT NULL), next_attempt_at ASC, created_at ASC
		LIMIT ?`,
		string(idtypes.DeliveryPending), string(idtypes.DeliveryDelivering), timeToStr(before), limit)
	if err != nil {
		return nil, catalysterr.Unavailable("list pending deliveries", err)
	}
	defer rows.Close()

	var out []*idtypes.WebhookDelivery
	for rows.Next() {
		var (
			d                         idtypes.WebhookDelivery
			status                    string
			lastAttempt, nextAttempt  sql.NullString
			payloadJSON               string
			responseJSON              sql.NullString
			errorMessage              sql.NullString
			created, updated          string
		)
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &status, &d.AttemptCount, &lastAttempt,
			&nextAttempt, &payloadJSON, &responseJSON, &errorMessage, &created, &updated); err != nil {
			return nil, catalysterr.Unavailable("scan webhook delivery", err)
		}
		d.Status = idtypes.DeliveryStatus(status)
		d.LastAttemptAt = strToNullTime(lastAttempt)
		d.NextAttemptAt = strToNullTime(nextAttempt)
		d.Payload = fromJSONPayload(payloadJSON)
		d.Response = fromJSONResponse(responseJSON)
		d.ErrorMessage = strOrEmpty(errorMessage)
		d.CreatedAt = strToTime(created)
		d.UpdatedAt = strToTime(updated)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// ClaimDelivery implements store.WebhookDeliveryStore's atomic
// pending->delivering transition via a conditional UPDATE; SQLite's
// single-writer serialization makes this transition race-free without
// an explicit transaction.
func (s *Store) ClaimDelivery(ctx context.Context, id string, now time.Time) (*idtypes.WebhookDelivery, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status=?, attempt_count=attempt_count+1, last_attempt_at=?, updated_at=?
		WHERE id=? AND status=?`,
		string(idtypes.DeliveryDelivering), timeToStr(now), timeToStr(now), id, string(idtypes.DeliveryPending))
	if err != nil {
		return nil, catalysterr.Unavailable("claim delivery", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetDelivery(ctx, id); catalysterr.IsNotFound(getErr) {
			return nil, catalysterr.NotFound("webhook delivery", nil)
		}
		return nil, catalysterr.FailedPrecondition("delivery is not pending")
	}
	return s.GetDelivery(ctx, id)
}

// UpdateDelivery implements store.WebhookDeliveryStore, writing back the
// full mutable state after an attempt (status, response, schedule).
func (s *Store) UpdateDelivery(ctx context.Context, d *idtypes.WebhookDelivery) (*idtypes.WebhookDelivery, error) {
	responseJSON, err := toJSON(d.Response)
	if err != nil {
		return nil, err
	}
	var response any
	if d.Response != nil {
		response = responseJSON
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status=?, attempt_count=?, last_attempt_at=?, next_attempt_at=?, response=?, error_message=?, updated_at=?
		WHERE id=?`,
		string(d.Status), d.AttemptCount, nullTimeToStr(d.LastAttemptAt), nullTimeToStr(d.NextAttemptAt),
		response, nullStr(d.ErrorMessage), timeToStr(d.UpdatedAt), d.ID)
	if err != nil {
		return nil, catalysterr.Unavailable("update delivery", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, catalysterr.NotFound("webhook delivery", nil)
	}
	return s.GetDelivery(ctx, d.ID)
}

// SweepStaleDelivering implements store.WebhookDeliveryStore's recovery
// sweep: rows stuck in "delivering" (worker crashed mid-attempt) older
// than olderThan are reset to pending so another worker picks them up.
func (s *Store) SweepStaleDelivering(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status=?, updated_at=?
		WHERE status=? AND last_attempt_at IS NOT NULL AND last_attempt_at <= ?`,
		string(idtypes.DeliveryPending), timeToStr(olderThan), string(idtypes.DeliveryDelivering), timeToStr(olderThan))
	if err != nil {
		return 0, catalysterr.Unavailable("sweep stale deliveries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
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

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
