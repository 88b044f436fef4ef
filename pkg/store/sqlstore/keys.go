package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// IssueKey implements store.KeyStore: inserts with status=active and
// deduped scopes (spec §4.4).
func (s *Store) IssueKey(ctx context.Context, k *idtypes.Key) (*idtypes.Key, error) {
	created := *k
	created.Scopes = idtypes.DedupeScopes(created.Scopes)
	created.StoredStatus = idtypes.KeyStatusActive

	scopesJSON, err := toJSON(created.Scopes)
	if err != nil {
		return nil, err
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
		INSERT INTO keys (id, hash, owner_kind, owner_id, name, description, created_by, created_at, updated_at,
			expires_at, last_used_at, usage_count, status, scopes, labels, metadata, revoked_at, revoked_by, revocation_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		created.ID, created.Hash, string(created.Owner.Kind), created.Owner.ID,
		nullStr(created.Name), nullStr(created.Description), nullStr(created.CreatedBy),
		timeToStr(created.CreatedAt), timeToStr(created.UpdatedAt),
		nullTimeToStr(created.ExpiresAt), nullTimeToStr(created.LastUsedAt), created.UsageCount,
		string(created.StoredStatus), scopesJSON, labelsJSON, metaJSON,
		nullTimeToStr(created.RevokedAt), nullStr(created.RevokedBy), nullStr(created.RevocationReason))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("key id or hash")
		}
		return nil, catalysterr.Unavailable("insert key", err)
	}
	return &created, nil
}

// GetKeyByID implements store.KeyStore.
func (s *Store) GetKeyByID(ctx context.Context, id string) (*idtypes.Key, error) {
	return s.scanKey(ctx, "id", id)
}

// GetKeyByHash implements store.KeyStore.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*idtypes.Key, error) {
	return s.scanKey(ctx, "hash", hash)
}

func (s *Store) scanKey(ctx context.Context, column, value string) (*idtypes.Key, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, owner_kind, owner_id, name, description, created_by, created_at, updated_at,
			expires_at, last_used_at, usage_count, status, scopes, labels, metadata, revoked_at, revoked_by, revocation_reason
		FROM keys WHERE `+column+`=?`, value)
	k, err := scanKeyRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("key", nil)
	}
	return k, err
}

func scanKeyRow(row *sql.Row) (*idtypes.Key, error) {
	var (
		k                                                          idtypes.Key
		ownerKind                                                  string
		name, description, createdBy                               sql.NullString
		created, updated                                           string
		expiresAt, lastUsedAt, revokedAt                           sql.NullString
		status                                                     string
		scopesJSON, labelsJSON, metaJSON                           string
		revokedBy, revocationReason                                sql.NullString
	)
	err := row.Scan(&k.ID, &k.Hash, &ownerKind, &k.Owner.ID, &name, &description, &createdBy,
		&created, &updated, &expiresAt, &lastUsedAt, &k.UsageCount, &status,
		&scopesJSON, &labelsJSON, &metaJSON, &revokedAt, &revokedBy, &revocationReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, catalysterr.Unavailable("query key", err)
	}
	k.Owner.Kind = idtypes.KeyOwnerKind(ownerKind)
	k.Name = strOrEmpty(name)
	k.Description = strOrEmpty(description)
	k.CreatedBy = strOrEmpty(createdBy)
	k.CreatedAt = strToTime(created)
	k.UpdatedAt = strToTime(updated)
	k.ExpiresAt = strToNullTime(expiresAt)
	k.LastUsedAt = strToNullTime(lastUsedAt)
	k.StoredStatus = idtypes.KeyStatus(status)
	k.Scopes = fromJSONStrings(scopesJSON)
	k.Labels = fromJSONLabels(labelsJSON)
	k.Metadata = fromJSONLabels(metaJSON)
	k.RevokedAt = strToNullTime(revokedAt)
	k.RevokedBy = strOrEmpty(revokedBy)
	k.RevocationReason = strOrEmpty(revocationReason)
	return &k, nil
}

// ListKeysByOwner implements store.KeyStore, filtering revoked/expired
// keys at read time (the derived status is never trusted from a stored
// column for filtering purposes, per spec §3).
func (s *Store) ListKeysByOwner(ctx context.Context, owner idtypes.KeyOwner, includeRevoked, includeExpired bool) ([]*idtypes.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, owner_kind, owner_id, name, description, created_by, created_at, updated_at,
			expires_at, last_used_at, usage_count, status, scopes, labels, metadata, revoked_at, revoked_by, revocation_reason
		FROM keys WHERE owner_kind=? AND owner_id=? ORDER BY created_at DESC, id DESC`,
		string(owner.Kind), owner.ID)
	if err != nil {
		return nil, catalysterr.Unavailable("list keys by owner", err)
	}
	defer rows.Close()

	now := time.Now()
	var out []*idtypes.Key
	for rows.Next() {
		var (
			k                                                idtypes.Key
			ownerKind                                        string
			name, description, createdBy                     sql.NullString
			created, updated                                 string
			expiresAt, lastUsedAt, revokedAt                 sql.NullString
			status                                           string
			scopesJSON, labelsJSON, metaJSON                 string
			revokedBy, revocationReason                      sql.NullString
		)
		if err := rows.Scan(&k.ID, &k.Hash, &ownerKind, &k.Owner.ID, &name, &description, &createdBy,
			&created, &updated, &expiresAt, &lastUsedAt, &k.UsageCount, &status,
			&scopesJSON, &labelsJSON, &metaJSON, &revokedAt, &revokedBy, &revocationReason); err != nil {
			return nil, catalysterr.Unavailable("scan key", err)
		}
		k.Owner.Kind = idtypes.KeyOwnerKind(ownerKind)
		k.Name = strOrEmpty(name)
		k.Description = strOrEmpty(description)
		k.CreatedBy = strOrEmpty(createdBy)
		k.CreatedAt = strToTime(created)
		k.UpdatedAt = strToTime(updated)
		k.ExpiresAt = strToNullTime(expiresAt)
		k.LastUsedAt = strToNullTime(lastUsedAt)
		k.StoredStatus = idtypes.KeyStatus(status)
		k.Scopes = fromJSONStrings(scopesJSON)
		k.Labels = fromJSONLabels(labelsJSON)
		k.Metadata = fromJSONLabels(metaJSON)
		k.RevokedAt = strToNullTime(revokedAt)
		k.RevokedBy = strOrEmpty(revokedBy)
		k.RevocationReason = strOrEmpty(revocationReason)

		derived := k.Status(now)
		if derived == idtypes.KeyStatusRevoked && !includeRevoked {
			continue
		}
		if derived == idtypes.KeyStatusExpired && !includeExpired {
			continue
		}
		out = append(out, &k)
	}
	return out, rows.Err()
}

// RecordKeyUsage implements store.KeyStore.
func (s *Store) RecordKeyUsage(ctx context.Context, id string, usedAt time.Time) error {
	if usedAt.IsZero() {
		usedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE keys SET usage_count = usage_count + 1, last_used_at=?, updated_at=? WHERE id=?`,
		timeToStr(usedAt), timeToStr(usedAt), id)
	if err != nil {
		return catalysterr.Unavailable("record key usage", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return catalysterr.NotFound("key", nil)
	}
	return nil
}

// RevokeKey implements store.KeyStore, idempotently re-stamping the
// revocation fields if the key was already revoked (spec §4.4).
func (s *Store) RevokeKey(ctx context.Context, id string, revokedBy, reason string, revokedAt time.Time) (*idtypes.Key, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE keys SET status=?, revoked_at=?, revoked_by=?, revocation_reason=?, updated_at=?
		WHERE id=?`,
		string(idtypes.KeyStatusRevoked), timeToStr(revokedAt), nullStr(revokedBy), nullStr(reason), timeToStr(revokedAt), id)
	if err != nil {
		return nil, catalysterr.Unavailable("revoke key", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, catalysterr.NotFound("key", nil)
	}
	return s.GetKeyByID(ctx, id)
}
