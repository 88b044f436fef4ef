// Package audit appends structured audit events for Catalyst's core
// operations, persisting them through store.AuditStore and mirroring
// each one to the structured logger as JSON, the way the teacher's
// audit package logs every event via logger.Info regardless of backend
// (spec §4.1 step 10, §6).
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Recorder appends audit events. Record is best-effort: a store failure
// is logged but never returned to the caller, since audit logging must
// never turn a would-be success into an error (spec §9).
type Recorder struct {
	Store store.AuditStore
}

// New builds a Recorder over the given store. A nil store is valid —
// Record then only logs.
func New(s store.AuditStore) *Recorder {
	return &Recorder{Store: s}
}

// Record builds, persists, and logs one audit event.
func (r *Recorder) Record(ctx context.Context, occurredAt time.Time, category, action string, actor, subject, resource, metadata idtypes.Labels, correlationID string) {
	event := &idtypes.AuditEvent{
		ID:            uuid.NewString(),
		OccurredAt:    occurredAt,
		Category:      category,
		Action:        action,
		Actor:         actor,
		Subject:       subject,
		Resource:      resource,
		Metadata:      metadata,
		CorrelationID: correlationID,
	}

	if r.Store != nil {
		if err := r.Store.AppendEvent(ctx, event); err != nil {
			logger.Warnf("audit: failed to persist event category=%s action=%s: %v", category, action, err)
		}
	}

	if payload, err := json.Marshal(event); err == nil {
		logger.Info(string(payload))
	} else {
		logger.Warnf("audit: failed to marshal event for logging: %v", err)
	}
}
