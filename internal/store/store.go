// Package store persists one game record per user id.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crumbs/internal/wire"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("store temporarily unavailable")
)

// Store is implemented by the Postgres and SQLite backends.
//
// Upsert creates or replaces the record for req.UserID in one atomic step. Currency and
// producers are last-write-wins; achievements are unioned with the stored set. It returns the
// server-assigned last_updated.
type Store interface {
	Load(ctx context.Context, userID string) (wire.Record, error)
	Upsert(ctx context.Context, req wire.SaveRequest) (time.Time, error)
	Ping(ctx context.Context) error
}

func wrap(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57P"):
			return true
		}
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Retrying retries operations that fail with ErrUnavailable.
type Retrying struct {
	next   Store
	policy RetryPolicy
	logger *slog.Logger
}

func WithRetry(next Store, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrying{next: next, policy: policy, logger: logger}
}

func (r *Retrying) Load(ctx context.Context, userID string) (wire.Record, error) {
	var rec wire.Record
	err := r.do(ctx, "load", func() error {
		var err error
		rec, err = r.next.Load(ctx, userID)
		return err
	})
	return rec, err
}

func (r *Retrying) Upsert(ctx context.Context, req wire.SaveRequest) (time.Time, error) {
	var at time.Time
	err := r.do(ctx, "upsert", func() error {
		var err error
		at, err = r.next.Upsert(ctx, req)
		return err
	})
	return at, err
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
		if attempt == r.policy.MaxRetries {
			break
		}
		r.logger.Warn("store retry", "op", op, "attempt", attempt+1, "err", err)
		if err := sleepWithContext(ctx, r.policy.RetryDelay); err != nil {
			return wrap(op, err)
		}
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
