package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"time"

	"crumbs/internal/wire"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLite expects a connection from db.OpenSQLite: one writer, IMMEDIATE transactions.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(conn *sql.DB) *SQLite {
	return &SQLite{db: conn, now: time.Now}
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

func (s *SQLite) Load(ctx context.Context, userID string) (wire.Record, error) {
	var r row
	var lastUpdated time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT cookies_collected, buildings_data, achievements, last_updated
		FROM user_game_data
		WHERE user_id = ?
	`, userID).Scan(&r.cookies, &r.buildings, &r.achievements, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Record{}, ErrNotFound
	}
	if err != nil {
		return wire.Record{}, wrap("load", err)
	}
	return decodeRow(r, lastUpdated)
}

func (s *SQLite) Upsert(ctx context.Context, req wire.SaveRequest) (time.Time, error) {
	r, err := encodeRow(req)
	if err != nil {
		return time.Time{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, wrap("begin upsert", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, `SELECT achievements FROM user_game_data WHERE user_id = ?`, req.UserID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, wrap("read achievements", err)
	}
	merged, err := mergeAchievements(stored, req.Achievements)
	if err != nil {
		return time.Time{}, err
	}

	lastUpdated := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_game_data (user_id, cookies_collected, buildings_data, achievements, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			cookies_collected = excluded.cookies_collected,
			buildings_data = excluded.buildings_data,
			achievements = excluded.achievements,
			last_updated = excluded.last_updated
	`, req.UserID, r.cookies, r.buildings, merged, lastUpdated); err != nil {
		return time.Time{}, wrap("upsert", err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, wrap("commit upsert", err)
	}
	return lastUpdated, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}
