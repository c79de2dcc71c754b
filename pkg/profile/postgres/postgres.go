// Package postgres provides a PostgreSQL-backed [profile.Store].
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/profile"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the voice_profiles table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_profiles (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    audio      BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_profiles_created ON voice_profiles(created_at);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [profile.Store] backed by a PostgreSQL database.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ profile.Store = (*Store)(nil)

// New creates a Store that uses the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("profile: migrate: %w", err)
	}
	return nil
}

// Put inserts or replaces a profile. Used by deployment tooling to seed
// profiles; voxgate itself only reads.
func (s *Store) Put(ctx context.Context, p *profile.Profile) error {
	if p.ID == "" {
		return errors.New("profile: id must not be empty")
	}
	if p.Name == "" {
		return errors.New("profile: name must not be empty")
	}

	const query = `
		INSERT INTO voice_profiles (id, name, audio)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			audio = EXCLUDED.audio
		RETURNING created_at`

	if err := s.db.QueryRow(ctx, query, p.ID, p.Name, p.Audio).Scan(&p.CreatedAt); err != nil {
		return fmt.Errorf("profile: put %q: %w", p.ID, err)
	}
	return nil
}

// Get retrieves a profile by ID. Returns (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, id string) (*profile.Profile, error) {
	const query = `
		SELECT id, name, audio, created_at
		FROM voice_profiles
		WHERE id = $1`

	var p profile.Profile
	err := s.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Audio, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: get %q: %w", id, err)
	}
	return &p, nil
}

// List returns all profiles in creation order. Creation order matters: it is
// the enrollment order and the order of the unmapped-profile queue.
func (s *Store) List(ctx context.Context) ([]profile.Profile, error) {
	const query = `
		SELECT id, name, audio, created_at
		FROM voice_profiles
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	var profiles []profile.Profile
	for rows.Next() {
		var p profile.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.Audio, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("profile: list scan: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	return profiles, nil
}
