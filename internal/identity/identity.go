// Package identity decides which user id a client plays as.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceExplicit  Source = "explicit"
	SourceTelegram  Source = "telegram"
	SourceLocal     Source = "local"
	SourceGenerated Source = "generated"
)

type Identity struct {
	UserID string
	Source Source
}

type Options struct {
	ExplicitID       string
	TelegramInitData string
	TelegramBotToken string
	DataDir          string
	Timeout          time.Duration
}

// Resolver tries, in order: an explicit id, Telegram WebApp init data, then a generated id
// persisted in DataDir. When the local file is unusable or the lookup outlives Timeout it hands
// out a fresh id that is not persisted.
type Resolver struct {
	opts    Options
	resolve func() (Identity, error)
}

type localFile struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewResolver(opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	r := &Resolver{opts: opts}
	r.resolve = r.lookup
	return r
}

func (r *Resolver) UserID(ctx context.Context) (string, error) {
	id, err := r.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

// Resolve fails only when ctx ends or Telegram init data fails verification against the
// configured bot token.
func (r *Resolver) Resolve(parent context.Context) (Identity, error) {
	ctx, cancel := context.WithTimeout(parent, r.opts.Timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return Identity{}, fmt.Errorf("resolve identity: %w", err)
	}

	type result struct {
		id  Identity
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := r.resolve()
		ch <- result{id: id, err: err}
	}()
	select {
	case <-ctx.Done():
		if parent.Err() != nil {
			return Identity{}, fmt.Errorf("resolve identity: %w", parent.Err())
		}
		return Identity{UserID: uuid.NewString(), Source: SourceGenerated}, nil
	case res := <-ch:
		return res.id, res.err
	}
}

func (r *Resolver) lookup() (Identity, error) {
	if id := strings.TrimSpace(r.opts.ExplicitID); id != "" {
		return Identity{UserID: id, Source: SourceExplicit}, nil
	}
	if raw := strings.TrimSpace(r.opts.TelegramInitData); raw != "" {
		id, err := ParseTelegramInitData(raw, r.opts.TelegramBotToken)
		switch {
		case err == nil:
			return Identity{UserID: id, Source: SourceTelegram}, nil
		case errors.Is(err, ErrInvalidInitData):
			return Identity{}, err
		}
	}
	id, err := r.local()
	if err != nil {
		return Identity{UserID: uuid.NewString(), Source: SourceGenerated}, nil
	}
	return Identity{UserID: id, Source: SourceLocal}, nil
}

func (r *Resolver) localPath() (string, error) {
	if r.opts.DataDir == "" {
		return "", fmt.Errorf("no data dir configured")
	}
	if err := os.MkdirAll(r.opts.DataDir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(r.opts.DataDir, "identity.json"), nil
}

func (r *Resolver) local() (string, error) {
	path, err := r.localPath()
	if err != nil {
		return "", err
	}
	body, err := os.ReadFile(path)
	if err == nil {
		var f localFile
		if err := json.Unmarshal(body, &f); err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		if strings.TrimSpace(f.UserID) != "" {
			return f.UserID, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	f := localFile{UserID: uuid.NewString(), CreatedAt: time.Now().UTC()}
	body, err = json.MarshalIndent(f, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return "", err
	}
	return f.UserID, nil
}

// Forget removes the locally generated id; the next Resolve creates a new one.
func (r *Resolver) Forget() error {
	path, err := r.localPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
