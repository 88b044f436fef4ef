// Package sqlstore implements the pkg/store contracts over
// database/sql against modernc.org/sqlite, with schema migrations
// driven by pressly/goose/v3 — the same connection-tuning (WAL mode,
// single-writer pool) and goose-over-embedded-FS wiring the pack's
// SQLite and migration packages use (spec §4.4, persisted-backend
// option alongside pkg/store/memstore).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/ccollier86/catalyst-auth/internal/logger"
	"github.com/ccollier86/catalyst-auth/pkg/store"
)

// Store implements every pkg/store contract against a single *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a modernc.org/sqlite data source, e.g.
// "file:catalyst.db?_pragma=foreign_keys(1)"), applies pragmas suited to
// SQLite's single-writer model, and runs migrations to the latest
// version.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("sqlstore: connected and migrated")
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stores bundles every contract this Store implements, for use the same
// way memstore.Store.Stores() is used.
func (s *Store) Stores() *store.Stores {
	return &store.Stores{
		Users:         s,
		Orgs:          s,
		Groups:        s,
		Memberships:   s,
		Entitlements:  s,
		Sessions:      s,
		Keys:          s,
		Audit:         s,
		Subscriptions: s,
		Deliveries:    s,
	}
}
