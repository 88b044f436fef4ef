package sqlstore

import (
	"context"
	"database/sql"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// AppendEvent implements store.AuditStore.
func (s *Store) AppendEvent(ctx context.Context, e *idtypes.AuditEvent) error {
	actorJSON, err := toJSON(e.Actor)
	if err != nil {
		return err
	}
	subjectJSON, err := toJSON(e.Subject)
	if err != nil {
		return err
	}
	resourceJSON, err := toJSON(e.Resource)
	if err != nil {
		return err
	}
	metaJSON, err := toJSON(e.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, occurred_at, category, action, actor, subject, resource, metadata, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, timeToStr(e.OccurredAt), e.Category, e.Action, actorJSON, subjectJSON, resourceJSON, metaJSON,
		nullStr(e.CorrelationID))
	if err != nil {
		return catalysterr.Unavailable("insert audit event", err)
	}
	return nil
}

// ListEvents implements store.AuditStore, ordered oldest-first. A
// non-positive limit returns every row.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]*idtypes.AuditEvent, error) {
	query := `SELECT id, occurred_at, category, action, actor, subject, resource, metadata, correlation_id
		FROM audit_events ORDER BY occurred_at ASC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, catalysterr.Unavailable("list audit events", err)
	}
	defer rows.Close()

	var out []*idtypes.AuditEvent
	for rows.Next() {
		var (
			e                                              idtypes.AuditEvent
			occurredAt                                     string
			actorJSON, subjectJSON, resourceJSON, metaJSON string
			correlationID                                  sql.NullString
		)
		if err := rows.Scan(&e.ID, &occurredAt, &e.Category, &e.Action, &actorJSON, &subjectJSON, &resourceJSON, &metaJSON, &correlationID); err != nil {
			return nil, catalysterr.Unavailable("scan audit event", err)
		}
		e.OccurredAt = strToTime(occurredAt)
		e.Actor = fromJSONLabels(actorJSON)
		e.Subject = fromJSONLabels(subjectJSON)
		e.Resource = fromJSONLabels(resourceJSON)
		e.Metadata = fromJSONLabels(metaJSON)
		e.CorrelationID = strOrEmpty(correlationID)
		out = append(out, &e)
	}
	return out, rows.Err()
}
