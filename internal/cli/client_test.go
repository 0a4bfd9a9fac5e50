package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crumbs/internal/game"
	"crumbs/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transport", err: errors.New("connection refused"), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: fmt.Errorf("do: %w", context.Canceled), want: false},
		{name: "bad request", err: &StatusError{StatusCode: 400}, want: false},
		{name: "not found", err: &StatusError{StatusCode: 404}, want: false},
		{name: "request timeout", err: &StatusError{StatusCode: 408}, want: true},
		{name: "rate limited", err: &StatusError{StatusCode: 429}, want: true},
		{name: "unavailable", err: &StatusError{StatusCode: 503}, want: true},
		{name: "server error", err: &StatusError{StatusCode: 500}, want: true},
		{name: "decode", err: &DecodeError{Err: errors.New("eof")}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestLoadAndSave(t *testing.T) {
	var gotSave wire.SaveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
		switch r.URL.Path {
		case "/load-user-data":
			assert.Equal(t, "a b", r.URL.Query().Get("userId"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"gameState":null,"newUser":true}`))
		case "/save-user-data":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotSave))
			_, _ = w.Write([]byte(`{"message":"Data saved successfully"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	loaded, err := c.LoadUserData(context.Background(), "a b")
	require.NoError(t, err)
	assert.False(t, loaded.Found)

	snap := game.DefaultCatalog().DefaultSnapshot()
	snap.Currency = 3
	resp, err := c.SaveUserData(context.Background(), wire.NewSaveRequest("a b", snap))
	require.NoError(t, err)
	assert.Equal(t, "Data saved successfully", resp.Message)
	assert.Equal(t, "a b", gotSave.UserID)
	assert.Equal(t, wire.Number(3), gotSave.CookiesCollected)
	assert.Len(t, gotSave.BuildingsData, 5)
}

func TestStatusErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"Database connection timeout. Please try again later."}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).LoadUserData(context.Background(), "u")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "Database connection timeout. Please try again later.", statusErr.Message)
	assert.True(t, IsRetryable(err))
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.Healthz(context.Background()))
	srv.Close()
	assert.Error(t, c.Healthz(context.Background()))
}
