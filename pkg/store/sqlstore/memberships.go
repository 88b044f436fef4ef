package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// CreateMembership implements store.MembershipStore.
func (s *Store) CreateMembership(ctx context.Context, m *idtypes.Membership) (*idtypes.Membership, error) {
	created := *m
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	groupIDsJSON, err := toJSON(created.GroupIDs)
	if err != nil {
		return nil, err
	}
	deltaJSON, err := toJSON(created.LabelsDelta)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.UserID, created.OrgID, created.Role, groupIDsJSON, deltaJSON,
		timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("membership")
		}
		return nil, catalysterr.Unavailable("insert membership", err)
	}
	return &created, nil
}

// GetMembershipByID implements store.MembershipStore.
func (s *Store) GetMembershipByID(ctx context.Context, id string) (*idtypes.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE id=?`, id)
	return scanMembership(row)
}

func scanMembership(row *sql.Row) (*idtypes.Membership, error) {
	var (
		m                         idtypes.Membership
		groupIDsJSON, deltaJSON   string
		created, updated          string
	)
	err := row.Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &groupIDsJSON, &deltaJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("membership", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query membership", err)
	}
	m.GroupIDs = fromJSONStrings(groupIDsJSON)
	m.LabelsDelta = fromJSONLabels(deltaJSON)
	m.CreatedAt = strToTime(created)
	m.UpdatedAt = strToTime(updated)
	return &m, nil
}

// FindMembershipForUserAndOrg implements store.MembershipStore, returning
// the earliest-created membership per spec §3.
func (s *Store) FindMembershipForUserAndOrg(ctx context.Context, userID, orgID string) (*idtypes.Membership, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE user_id=? AND org_id=?
		ORDER BY created_at ASC, id ASC LIMIT 1`, userID, orgID)
	return scanMembership(row)
}

// ListMembershipsForUser implements store.MembershipStore.
func (s *Store) ListMembershipsForUser(ctx context.Context, userID string) ([]*idtypes.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, org_id, role, group_ids, labels_delta, created_at, updated_at
		FROM memberships WHERE user_id=? ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, catalysterr.Unavailable("list memberships for user", err)
	}
	defer rows.Close()

	var out []*idtypes.Membership
	for rows.Next() {
		var (
			m                       idtypes.Membership
			groupIDsJSON, deltaJSON string
			created, updated        string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.OrgID, &m.Role, &groupIDsJSON, &deltaJSON, &created, &updated); err != nil {
			return nil, catalysterr.Unavailable("scan membership", err)
		}
		m.GroupIDs = fromJSONStrings(groupIDsJSON)
		m.LabelsDelta = fromJSONLabels(deltaJSON)
		m.CreatedAt = strToTime(created)
		m.UpdatedAt = strToTime(updated)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GrantEntitlement implements store.EntitlementStore.
func (s *Store) GrantEntitlement(ctx context.Context, e *idtypes.Entitlement) (*idtypes.Entitlement, error) {
	created := *e
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	metaJSON, err := toJSON(created.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitlements (id, subject_kind, subject_id, entitlement, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		created.ID, string(created.SubjectKind), created.SubjectID, created.Entitlement,
		timeToStr(created.CreatedAt), metaJSON)
	if err != nil {
		return nil, catalysterr.Unavailable("insert entitlement", err)
	}
	return &created, nil
}

// ListEntitlementsForSubject implements store.EntitlementStore, ordered
// by (createdAt ASC, id ASC) per spec §3.
func (s *Store) ListEntitlementsForSubject(ctx context.Context, kind idtypes.EntitlementSubjectKind, subjectID string) ([]*idtypes.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_kind, subject_id, entitlement, created_at, metadata
		FROM entitlements WHERE subject_kind=? AND subject_id=?
		ORDER BY created_at ASC, id ASC`, string(kind), subjectID)
	if err != nil {
		return nil, catalysterr.Unavailable("list entitlements", err)
	}
	defer rows.Close()

	var out []*idtypes.Entitlement
	for rows.Next() {
		var (
			e          idtypes.Entitlement
			kindStr    string
			created    string
			metaJSON   string
		)
		if err := rows.Scan(&e.ID, &kindStr, &e.SubjectID, &e.Entitlement, &created, &metaJSON); err != nil {
			return nil, catalysterr.Unavailable("scan entitlement", err)
		}
		e.SubjectKind = idtypes.EntitlementSubjectKind(kindStr)
		e.CreatedAt = strToTime(created)
		e.Metadata = fromJSONLabels(metaJSON)
		out = append(out, &e)
	}
	return out, rows.Err()
}
