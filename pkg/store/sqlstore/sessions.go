package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ccollier86/catalyst-auth/internal/catalysterr"
	"github.com/ccollier86/catalyst-auth/pkg/idtypes"
)

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*idtypes.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at, last_seen_at, factors_verified, metadata
		FROM sessions WHERE id=?`, id)

	var (
		sess                         idtypes.Session
		created, lastSeen            string
		factorsJSON, metaJSON        string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &created, &lastSeen, &factorsJSON, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalysterr.NotFound("session", nil)
	}
	if err != nil {
		return nil, catalysterr.Unavailable("query session", err)
	}
	sess.CreatedAt = strToTime(created)
	sess.LastSeenAt = strToTime(lastSeen)
	sess.FactorsVerified = fromJSONStrings(factorsJSON)
	sess.Metadata = fromJSONLabels(metaJSON)
	return &sess, nil
}

// CreateSession implements store.SessionStore.
func (s *Store) CreateSession(ctx context.Context, sess *idtypes.Session) (*idtypes.Session, error) {
	created := *sess
	factorsJSON, err := toJSON(created.FactorsVerified)
	if err != nil {
		return nil, err
	}
	metaJSON, err := toJSON(created.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, created_at, last_seen_at, factors_verified, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		created.ID, created.UserID, timeToStr(created.CreatedAt), timeToStr(created.LastSeenAt), factorsJSON, metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, catalysterr.AlreadyExists("session")
		}
		return nil, catalysterr.Unavailable("insert session", err)
	}
	return &created, nil
}

// TouchSession implements store.SessionStore.
func (s *Store) TouchSession(ctx context.Context, id string, lastSeenAt time.Time, metadata idtypes.Labels) (*idtypes.Session, error) {
	metaJSON, err := toJSON(metadata)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen_at=?, metadata=? WHERE id=?`,
		timeToStr(lastSeenAt), metaJSON, id)
	if err != nil {
		return nil, catalysterr.Unavailable("touch session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, catalysterr.NotFound("session", nil)
	}
	return s.GetSession(ctx, id)
}
