package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"crumbs/internal/db"
	"crumbs/internal/game"
	"crumbs/internal/wire"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	conn, err := db.OpenSQLite(filepath.Join(t.TempDir(), "crumbs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := NewSQLite(conn)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func saveRequest(userID string, cookies float64, cursors int64, achievements ...string) wire.SaveRequest {
	snap := game.DefaultCatalog().DefaultSnapshot()
	snap.Currency = cookies
	snap.Producers[0].Owned = cursors
	snap.Achievements = achievements
	return wire.NewSaveRequest(userID, snap)
}

func TestSQLiteLoadMissing(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Load(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteUpsertAndLoad(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, saveRequest("u1", 120.5, 3, "1", "4"))
	require.NoError(t, err)

	rec, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, wire.Number(120.5), rec.CookiesCollected)
	require.Len(t, rec.BuildingsData, 5)
	assert.Equal(t, wire.Count(3), rec.BuildingsData[0].Count)
	assert.ElementsMatch(t, []string{"1", "4"}, []string(rec.Achievements))
	assert.True(t, rec.LastUpdated.Equal(first), "load should return the upsert timestamp")

	second, err := s.Upsert(ctx, saveRequest("u1", 2, 0, "2"))
	require.NoError(t, err)
	assert.False(t, second.Before(first))

	rec, err = s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, wire.Number(2), rec.CookiesCollected, "currency is last write wins")
	assert.Equal(t, wire.Count(0), rec.BuildingsData[0].Count, "producers are last write wins")
	assert.ElementsMatch(t, []string{"1", "2", "4"}, []string(rec.Achievements), "achievements never shrink")
}

func TestSQLiteLoadDoesNotWrite(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.Load(ctx, "ghost")
		require.ErrorIs(t, err, ErrNotFound)
	}
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM user_game_data`).Scan(&n))
	assert.Zero(t, n)
}

func TestSQLiteConcurrentUpsertsKeepOneRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Upsert(ctx, saveRequest("shared", float64(i), int64(i), fmt.Sprint(i%6+1)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM user_game_data WHERE user_id = ?`, "shared").Scan(&n))
	assert.Equal(t, 1, n)

	rec, err := s.Load(ctx, "shared")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2", "3", "4", "5", "6"}, []string(rec.Achievements))
	assert.Equal(t, float64(rec.CookiesCollected), float64(rec.BuildingsData[0].Count), "one writer's snapshot wins as a whole")
}

func TestSQLiteKeepsLargeCurrency(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.Upsert(ctx, saveRequest("rich", 1.5e20, 0))
	require.NoError(t, err)
	rec, err := s.Load(ctx, "rich")
	require.NoError(t, err)
	assert.Equal(t, wire.Number(1.5e20), rec.CookiesCollected)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "connection", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "sqlite busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: true},
		{name: "sqlite constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isTransient(tc.err))
		})
	}
}

type flakyStore struct {
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Load(ctx context.Context, userID string) (wire.Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return wire.Record{}, f.err
	}
	return wire.Record{CookiesCollected: 7}, nil
}

func (f *flakyStore) Upsert(ctx context.Context, req wire.SaveRequest) (time.Time, error) {
	f.calls++
	if f.calls <= f.failures {
		return time.Time{}, f.err
	}
	return time.Unix(100, 0), nil
}

func (f *flakyStore) Ping(ctx context.Context) error { return nil }

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	inner := &flakyStore{failures: 2, err: wrap("load", context.DeadlineExceeded)}
	s := WithRetry(inner, RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}, nil)
	rec, err := s.Load(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, wire.Number(7), rec.CookiesCollected)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &flakyStore{failures: 10, err: wrap("upsert", sqlite3.Error{Code: sqlite3.ErrBusy})}
	s := WithRetry(inner, RetryPolicy{MaxRetries: 2, RetryDelay: time.Millisecond}, nil)
	_, err := s.Upsert(context.Background(), wire.SaveRequest{UserID: "u"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyStore{failures: 10, err: ErrNotFound}
	s := WithRetry(inner, RetryPolicy{MaxRetries: 5, RetryDelay: time.Millisecond}, nil)
	_, err := s.Load(context.Background(), "u")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestPostgresUpsert(t *testing.T) {
	url := os.Getenv("CRUMBS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CRUMBS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, db.PoolOptions{MaxConns: 4, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgres(pool)
	require.NoError(t, s.Migrate(ctx))
	userID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM user_game_data WHERE user_id = $1`, userID)
	})

	_, err = s.Load(ctx, userID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Upsert(ctx, saveRequest(userID, 10, 1, "1"))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, saveRequest(userID, 3, 2, "4"))
	require.NoError(t, err)

	rec, err := s.Load(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, wire.Number(3), rec.CookiesCollected)
	assert.Equal(t, wire.Count(2), rec.BuildingsData[0].Count)
	assert.ElementsMatch(t, []string{"1", "4"}, []string(rec.Achievements))
}
