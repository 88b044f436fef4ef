package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

const (
	headerEventID        = "x-catalyst-event-id"
	headerSubscriptionID = "x-catalyst-subscription-id"
	headerAttempt        = "x-catalyst-attempt"
	headerSignature      = "x-catalyst-signature"
	headerTimestamp      = "x-catalyst-timestamp"
)

// Config tunes a Worker's poll loop.
type Config struct {
	BatchSize     int
	PollInterval  time.Duration
	StaleAfter    time.Duration // SweepStaleDelivering threshold
	RequestTimeout time.Duration
}

// DefaultConfig matches spec §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      25,
		PollInterval:   5 * time.Second,
		StaleAfter:     2 * time.Minute,
		RequestTimeout: 15 * time.Second,
	}
}

// Summary reports one RunOnce pass's outcome counts.
type Summary struct {
	Total        int
	Succeeded    int
	Retried      int
	DeadLettered int
}

// Worker drains the webhook delivery queue: claim, sign, POST, and
// advance the state machine per spec §4.5.
type Worker struct {
	Subscriptions store.WebhookSubscriptionStore
	Deliveries    store.WebhookDeliveryStore
	HTTPClient    *http.Client
	Clock         func() time.Time
	Config        Config
}

// NewWorker builds a Worker, defaulting HTTPClient/Clock/Config.
func NewWorker(subs store.WebhookSubscriptionStore, deliveries store.WebhookDeliveryStore) *Worker {
	return &Worker{
		Subscriptions: subs,
		Deliveries:    deliveries,
		HTTPClient:    &http.Client{Timeout: DefaultConfig().RequestTimeout},
		Clock:         time.Now,
		Config:        DefaultConfig(),
	}
}

func (w *Worker) clock() time.Time {
	if w.Clock != nil {
		return w.Clock()
	}
	return time.Now()
}

// Run polls until ctx is cancelled, sweeping stale delivering rows once
// at startup and then on every tick.
func (w *Worker) Run(ctx context.Context) {
	interval := w.Config.PollInterval
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}

	w.sweepStale(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				logger.Warnf("webhook worker: poll tick failed: %v", err)
			}
			w.sweepStale(ctx)
		}
	}
}

func (w *Worker) sweepStale(ctx context.Context) {
	staleAfter := w.Config.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultConfig().StaleAfter
	}
	n, err := w.Deliveries.SweepStaleDelivering(ctx, w.clock().Add(-staleAfter))
	if err != nil {
		logger.Warnf("webhook worker: sweep failed: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("webhook worker: reclaimed %d stale delivering rows", n)
	}
}

// RunOnce claims and attempts one batch of due deliveries. Listing the
// batch is retried with a short exponential backoff to absorb a
// transient store hiccup within a single tick rather than dropping the
// whole poll.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	batchSize := w.Config.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}

	due, err := backoff.Retry(ctx, func() ([]*idtypes.WebhookDelivery, error) {
		rows, err := w.Deliveries.ListPendingDeliveries(ctx, w.clock(), batchSize)
		if err != nil && !catalysterr.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return rows, err
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(due)}
	for _, d := range due {
		outcome := w.attempt(ctx, d)
		switch outcome {
		case outcomeSucceeded:
			summary.Succeeded++
		case outcomeRetried:
			summary.Retried++
		case outcomeDeadLettered:
			summary.DeadLettered++
		}
	}
	return summary, nil
}

type attemptOutcome int

const (
	outcomeSkipped attemptOutcome = iota
	outcomeSucceeded
	outcomeRetried
	outcomeDeadLettered
)

func (w *Worker) attempt(ctx context.Context, d *idtypes.WebhookDelivery) attemptOutcome {
	claimed, err := w.Deliveries.ClaimDelivery(ctx, d.ID, w.clock())
	if err != nil {
		if catalysterr.IsInvalidArgument(err) || catalysterr.CodeOf(err) == "failed_precondition" {
			return outcomeSkipped // another worker claimed it first
		}
		logger.Warnf("webhook worker: claim %s failed: %v", d.ID, err)
		return outcomeSkipped
	}

	sub, err := w.Subscriptions.GetSubscription(ctx, claimed.SubscriptionID)
	if err != nil {
		claimed.Status = idtypes.DeliveryDeadLettered
		claimed.ErrorMessage = fmt.Sprintf("subscription lookup failed: %v", err)
		claimed.UpdatedAt = w.clock()
		_, _ = w.Deliveries.UpdateDelivery(ctx, claimed)
		return outcomeDeadLettered
	}

	status, body, sendErr := w.send(ctx, sub, claimed)
	now := w.clock()
	claimed.LastAttemptAt = &now
	claimed.UpdatedAt = now

	if sendErr == nil && status >= 200 && status < 300 {
		claimed.Status = idtypes.DeliverySucceeded
		claimed.Response = &idtypes.DeliveryResponse{Status: status, Body: truncate(body, 2048)}
		claimed.ErrorMessage = ""
		if _, err := w.Deliveries.UpdateDelivery(ctx, claimed); err != nil {
			logger.Warnf("webhook worker: recording success for %s failed: %v", claimed.ID, err)
		}
		return outcomeSucceeded
	}

	if sendErr != nil {
		claimed.ErrorMessage = sendErr.Error()
	} else {
		claimed.ErrorMessage = fmt.Sprintf("HTTP %d", status)
		claimed.Response = &idtypes.DeliveryResponse{Status: status, Body: truncate(body, 2048)}
	}

	policy := sub.RetryPolicy
	if policy.MaxAttempts <= 0 {
		policy = idtypes.DefaultRetryPolicy()
	}

	if claimed.AttemptCount >= policy.MaxAttempts {
		claimed.Status = idtypes.DeliveryDeadLettered
		if _, err := w.Deliveries.UpdateDelivery(ctx, claimed); err != nil {
			logger.Warnf("webhook worker: dead-lettering %s failed: %v", claimed.ID, err)
		}
		return outcomeDeadLettered
	}

	delaySeconds := backoffSecondsFor(policy, claimed.AttemptCount)
	next := now.Add(time.Duration(delaySeconds) * time.Second)
	claimed.Status = idtypes.DeliveryPending
	claimed.NextAttemptAt = &next
	if _, err := w.Deliveries.UpdateDelivery(ctx, claimed); err != nil {
		logger.Warnf("webhook worker: scheduling retry for %s failed: %v", claimed.ID, err)
	}
	return outcomeRetried
}

// backoffSecondsFor indexes the configured schedule by attemptCount-1,
// clamping to the last entry once attempts exceed the schedule length.
func backoffSecondsFor(policy idtypes.RetryPolicy, attemptCount int) int {
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(policy.BackoffSeconds) {
		idx = len(policy.BackoffSeconds) - 1
	}
	if idx < 0 {
		return 30
	}
	return policy.BackoffSeconds[idx]
}

func (w *Worker) send(ctx context.Context, sub *idtypes.WebhookSubscription, d *idtypes.WebhookDelivery) (int, string, error) {
	eventType := firstEventType(sub.EventTypes)
	if t, ok := d.Payload["type"].(string); ok && t != "" {
		eventType = t
	}
	payload, err := json.Marshal(map[string]any{
		"eventId":        d.EventID,
		"subscriptionId": sub.ID,
		"type":           eventType,
		"data":           d.Payload,
	})
	if err != nil {
		return 0, "", catalysterr.InvalidArgument(fmt.Sprintf("encoding delivery payload: %v", err))
	}

	timestamp := w.clock().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", catalysterr.Unavailable("building delivery request", err)
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEventID, d.EventID)
	req.Header.Set(headerSubscriptionID, sub.ID)
	req.Header.Set(headerAttempt, strconv.Itoa(d.AttemptCount))
	req.Header.Set(headerTimestamp, strconv.FormatInt(timestamp, 10))
	if sub.Secret != "" {
		req.Header.Set(headerSignature, SignPayload([]byte(sub.Secret), timestamp, payload))
	}

	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultConfig().RequestTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", catalysterr.Unavailable("delivery request failed", err).AsRetryable()
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, string(body), nil
}

func firstEventType(types []string) string {
	if len(types) == 0 {
		return ""
	}
	return types[0]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
