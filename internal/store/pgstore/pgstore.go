// Package pgstore keeps calendar event mappings and mirror opt-ins in
// Postgres for deployments where the mirror runs as a shared server job.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sevenofnine/coursework-sync/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS calendar_event_mappings (
	user_id       TEXT NOT NULL,
	coursework_id TEXT NOT NULL,
	calendar_id   TEXT NOT NULL DEFAULT '',
	event_id      TEXT NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, coursework_id)
);
CREATE TABLE IF NOT EXISTS mirror_optins (
	user_id     TEXT PRIMARY KEY,
	calendar_id TEXT NOT NULL DEFAULT 'primary',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE
);`

type Store struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect mapping db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping mapping db: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate mapping db: %w", err)
	}
	return nil
}

func (s *Store) GetMapping(ctx context.Context, userID, courseworkID string) (domain.CalendarEventMapping, bool, error) {
	m := domain.CalendarEventMapping{UserID: userID, CourseworkID: courseworkID}
	err := s.pool.QueryRow(ctx, `
		SELECT calendar_id, event_id, updated_at
		FROM calendar_event_mappings
		WHERE user_id = $1 AND coursework_id = $2`, userID, courseworkID).
		Scan(&m.CalendarID, &m.EventID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CalendarEventMapping{}, false, nil
	}
	if err != nil {
		return domain.CalendarEventMapping{}, false, fmt.Errorf("get mapping %s/%s: %w", userID, courseworkID, err)
	}
	return m, true, nil
}

// PutMapping upserts the single row for (user, coursework).
func (s *Store) PutMapping(ctx context.Context, m domain.CalendarEventMapping) error {
	if m.UserID == "" || m.CourseworkID == "" {
		return fmt.Errorf("mapping requires user and coursework ids")
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_event_mappings (user_id, coursework_id, calendar_id, event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, coursework_id) DO UPDATE
		SET calendar_id = EXCLUDED.calendar_id,
		    event_id = EXCLUDED.event_id,
		    updated_at = EXCLUDED.updated_at`,
		m.UserID, m.CourseworkID, m.CalendarID, m.EventID, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put mapping %s/%s: %w", m.UserID, m.CourseworkID, err)
	}
	return nil
}

func (s *Store) ListMappings(ctx context.Context, userID string) ([]domain.CalendarEventMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, coursework_id, calendar_id, event_id, updated_at
		FROM calendar_event_mappings
		WHERE user_id = $1
		ORDER BY coursework_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CalendarEventMapping, error) {
		var m domain.CalendarEventMapping
		err := row.Scan(&m.UserID, &m.CourseworkID, &m.CalendarID, &m.EventID, &m.UpdatedAt)
		return m, err
	})
}

func (s *Store) SetMirror(ctx context.Context, userID string, enabled bool, calendarID string) error {
	if calendarID == "" {
		calendarID = "primary"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mirror_optins (user_id, calendar_id, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET calendar_id = EXCLUDED.calendar_id, enabled = EXCLUDED.enabled`,
		userID, calendarID, enabled)
	if err != nil {
		return fmt.Errorf("set mirror opt-in %s: %w", userID, err)
	}
	return nil
}

// MirrorUsers lists the users that opted into calendar mirroring.
func (s *Store) MirrorUsers(ctx context.Context) ([]domain.UserPrefs, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, calendar_id FROM mirror_optins
		WHERE enabled ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list mirror users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserPrefs, error) {
		p := domain.UserPrefs{MirrorEnabled: true}
		err := row.Scan(&p.UserID, &p.CalendarID)
		return p, err
	})
}
