package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// CreateGroup implements store.GroupStore.
func (s *Store) CreateGroup(ctx context.Context, g *idtypes.Group) (*idtypes.Group, error) {
	created := *g
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	labelsJSON, err := toJSON(created.Labels)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO groups (id, org_id, slug, name, description, parent_group_id, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.OrgID, created.Slug, created.Name,
		nullStr(created.Description), nullStr(created.ParentGroupID), labelsJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("group")
		}
		return nil, catalysterr.Unavailable("insert group", err)
	}
	return &created, nil
}

// GetGroupByID implements store.GroupStore.
func (s *Store) GetGroupByID(ctx context.Context, id string) (*idtypes.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, slug, name, description, parent_group_id, labels FROM groups WHERE id=?`, id)
	return scanGroup(row)
}

func scanGroup(row *sql.Row) (*idtypes.Group, error) {
	var (
		g                        idtypes.Group
		description, parentID    sql.NullString
		labelsJSON               string
	)
	err := row.Scan(&g.ID, &g.OrgID, &g.Slug, &g.Name, &description, &parentID, &labelsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("group", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query group", err)
	}
	g.Description = strOrEmpty(description)
	g.ParentGroupID = strOrEmpty(parentID)
	g.Labels = fromJSONLabels(labelsJSON)
	return &g, nil
}

// ListGroupsByIDs implements store.GroupStore.
func (s *Store) ListGroupsByIDs(ctx context.Context, ids []string) ([]*idtypes.Group, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, org_id, slug, name, description, parent_group_id, labels
		FROM groups WHERE id IN (%s)`, strings.Join(placeholders, ","))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, catalysterr.Unavailable("list groups by ids", err)
	}
	defer rows.Close()
	return scanGroups(rows)
}

// ListGroupsByOrg implements store.GroupStore, ordered by id per the
// contract (spec §4.4 implementations sort deterministically).
func (s *Store) ListGroupsByOrg(ctx context.Context, orgID string) ([]*idtypes.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, slug, name, description, parent_group_id, labels
		FROM groups WHERE org_id=? ORDER BY id ASC`, orgID)
	if err != nil {
		return nil, catalysterr.Unavailable("list groups by org", err)
	}
	defer rows.Close()
	return scanGroups(rows)
}

func scanGroups(rows *sql.Rows) ([]*idtypes.Group, error) {
	var out []*idtypes.Group
	for rows.Next() {
		var (
			g                     idtypes.Group
			description, parentID sql.NullString
			labelsJSON            string
		)
		if err := rows.Scan(&g.ID, &g.OrgID, &g.Slug, &g.Name, &description, &parentID, &labelsJSON); err != nil {
			return nil, catalysterr.Unavailable("scan group", err)
		}
		g.Description = strOrEmpty(description)
		g.ParentGroupID = strOrEmpty(parentID)
		g.Labels = fromJSONLabels(labelsJSON)
		out = append(out, &g)
	}
	return out, rows.Err()
}
