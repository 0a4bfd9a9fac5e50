package store

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"crumbs/internal/wire"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{db: pool}
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, userID string) (wire.Record, error) {
	var r row
	var lastUpdated time.Time
	err := s.db.QueryRow(ctx, `
		SELECT cookies_collected::text, buildings_data::text, achievements::text, last_updated
		FROM user_game_data
		WHERE user_id = $1
	`, userID).Scan(&r.cookies, &r.buildings, &r.achievements, &lastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return wire.Record{}, ErrNotFound
	}
	if err != nil {
		return wire.Record{}, wrap("load", err)
	}
	return decodeRow(r, lastUpdated)
}

// Upsert is a single statement; the achievements union happens inside the conflict update.
func (s *Postgres) Upsert(ctx context.Context, req wire.SaveRequest) (time.Time, error) {
	r, err := encodeRow(req)
	if err != nil {
		return time.Time{}, err
	}
	var lastUpdated time.Time
	err = s.db.QueryRow(ctx, `
		INSERT INTO user_game_data (user_id, cookies_collected, buildings_data, achievements, last_updated)
		VALUES ($1, $2::numeric, $3::jsonb, $4::jsonb, now())
		ON CONFLICT (user_id) DO UPDATE SET
			cookies_collected = EXCLUDED.cookies_collected,
			buildings_data = EXCLUDED.buildings_data,
			achievements = (
				SELECT COALESCE(jsonb_agg(DISTINCT ids.id ORDER BY ids.id), '[]'::jsonb)
				FROM jsonb_array_elements_text(user_game_data.achievements || EXCLUDED.achievements) AS ids(id)
			),
			last_updated = now()
		RETURNING last_updated
	`, req.UserID, r.cookies, r.buildings, r.achievements).Scan(&lastUpdated)
	if err != nil {
		return time.Time{}, wrap("upsert", err)
	}
	return lastUpdated.UTC(), nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}
