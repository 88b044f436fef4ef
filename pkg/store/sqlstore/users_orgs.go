package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// UpsertUser implements store.UserStore.
func (s *Store) UpsertUser(ctx context.Context, u *idtypes.UserProfile) (*idtypes.UserProfile, error) {
	existing, err := s.GetUserByAuthentikID(ctx, u.AuthentikID)
	if err != nil && !catalysterr.IsNotFound(err) {
		return nil, err
	}

	now := u.UpdatedAt
	if existing != nil {
		merged := *existing
		if u.Email != "" {
			merged.Email = u.Email
		}
		if u.PrimaryOrgID != "" {
			merged.PrimaryOrgID = u.PrimaryOrgID
		}
		if u.DisplayName != "" {
			merged.DisplayName = u.DisplayName
		}
		if u.AvatarURL != "" {
			merged.AvatarURL = u.AvatarURL
		}
		if u.Labels != nil {
			merged.Labels = idtypes.MergeLabels(merged.Labels, u.Labels)
		}
		merged.UpdatedAt = now

		labelsJSON, err := toJSON(merged.Labels)
		if err != nil {
			return nil, err
		}
		metaJSON, err := toJSON(merged.Metadata)
		if err != nil {
			return nil, err
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET email=?, primary_org_id=?, display_name=?, avatar_url=?, labels=?, metadata=?, updated_at=?
			WHERE id=?`,
			merged.Email, nullStr(merged.PrimaryOrgID), nullStr(merged.DisplayName), nullStr(merged.AvatarURL),
			labelsJSON, metaJSON, timeToStr(merged.UpdatedAt), merged.ID)
		if err != nil {
			return nil, catalysterr.Unavailable("update user", err)
		}
		return &merged, nil
	}

	created := *u
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Labels == nil {
		created.Labels = idtypes.Labels{}
	}

	labelsJSON, err := toJSON(created.Labels)
	if err != nil {
		return nil, err
	}
	metaJSON, err := toJSON(created.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, authentik_id, email, primary_org_id, display_name, avatar_url, labels, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.AuthentikID, created.Email, nullStr(created.PrimaryOrgID),
		nullStr(created.DisplayName), nullStr(created.AvatarURL), labelsJSON, metaJSON,
		timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("user")
		}
		return nil, catalysterr.Unavailable("insert user", err)
	}
	return &created, nil
}

// GetUserByID implements store.UserStore.
func (s *Store) GetUserByID(ctx context.Context, id string) (*idtypes.UserProfile, error) {
	return s.scanUser(ctx, "id", id)
}

// GetUserByAuthentikID implements store.UserStore.
func (s *Store) GetUserByAuthentikID(ctx context.Context, authentikID string) (*idtypes.UserProfile, error) {
	return s.scanUser(ctx, "authentik_id", authentikID)
}

func (s *Store) scanUser(ctx context.Context, column, value string) (*idtypes.UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, authentik_id, email, primary_org_id, display_name, avatar_url, labels, metadata, created_at, updated_at
		FROM users WHERE `+column+`=?`, value)

	var (
		u                                    idtypes.UserProfile
		primaryOrgID, displayName, avatarURL sql.NullString
		labelsJSON, metaJSON, created, updated string
	)
	err := row.Scan(&u.ID, &u.AuthentikID, &u.Email, &primaryOrgID, &displayName, &avatarURL, &labelsJSON, &metaJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("user", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query user", err)
	}
	u.PrimaryOrgID = strOrEmpty(primaryOrgID)
	u.DisplayName = strOrEmpty(displayName)
	u.AvatarURL = strOrEmpty(avatarURL)
	u.Labels = fromJSONLabels(labelsJSON)
	u.Metadata = fromJSONLabels(metaJSON)
	u.CreatedAt = strToTime(created)
	u.UpdatedAt = strToTime(updated)
	return &u, nil
}

// CreateOrg implements store.OrgStore.
func (s *Store) CreateOrg(ctx context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error) {
	created := *o
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	if created.Status == "" {
		created.Status = idtypes.OrgStatusActive
	}

	profileJSON, err := toJSON(created.Profile)
	if err != nil {
		return nil, err
	}
	labelsJSON, err := toJSON(created.Labels)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := toJSON(created.Settings)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orgs (id, slug, status, owner_user_id, profile, labels, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Slug, string(created.Status), created.OwnerUserID,
		profileJSON, labelsJSON, settingsJSON, timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("org")
		}
		return nil, catalysterr.Unavailable("insert org", err)
	}
	return &created, nil
}

// GetOrgByID implements store.OrgStore.
func (s *Store) GetOrgByID(ctx context.Context, id string) (*idtypes.OrgProfile, error) {
	return s.scanOrg(ctx, "id", id)
}

// GetOrgBySlug implements store.OrgStore.
func (s *Store) GetOrgBySlug(ctx context.Context, slug string) (*idtypes.OrgProfile, error) {
	return s.scanOrg(ctx, "slug", slug)
}

func (s *Store) scanOrg(ctx context.Context, column, value string) (*idtypes.OrgProfile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, slug, status, owner_user_id, profile, labels, settings, created_at, updated_at
		FROM orgs WHERE `+column+`=?`, value)

	var (
		o                                         idtypes.OrgProfile
		status                                    string
		profileJSON, labelsJSON, settingsJSON     string
		created, updated                          string
	)
	err := row.Scan(&o.ID, &o.Slug, &status, &o.OwnerUserID, &profileJSON, &labelsJSON, &settingsJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("org", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query org", err)
	}
	o.Status = idtypes.OrgStatus(status)
	o.Profile = fromJSONLabels(profileJSON)
	o.Labels = fromJSONLabels(labelsJSON)
	o.Settings = fromJSONLabels(settingsJSON)
	o.CreatedAt = strToTime(created)
	o.UpdatedAt = strToTime(updated)
	return &o, nil
}

// UpdateOrg implements store.OrgStore.
func (s *Store) UpdateOrg(ctx context.Context, o *idtypes.OrgProfile) (*idtypes.OrgProfile, error) {
	profileJSON, err := toJSON(o.Profile)
	if err != nil {
		return nil, err
	}
	labelsJSON, err := toJSON(o.Labels)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := toJSON(o.Settings)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orgs SET slug=?, status=?, owner_user_id=?, profile=?, labels=?, settings=?, updated_at=?
		WHERE id=?`,
		o.Slug, string(o.Status), o.OwnerUserID, profileJSON, labelsJSON, settingsJSON, timeToStr(o.UpdatedAt), o.ID)
	if err != nil {
		return nil, catalysterr.Unavailable("update org", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, catalysterr.NotFound("org", nil)
	}
	return s.GetOrgByID(ctx, o.ID)
}
