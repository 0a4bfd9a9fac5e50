package main

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"crumbs/internal/game"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCookies(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{15.9, "15"},
		{1234567, "1,234,567"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatCookies(tt.in))
	}
	assert.NotContains(t, formatCookies(1.5e15), ",", "huge values switch to exponent form")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Cursor", truncate("Cursor", 18))
	assert.Equal(t, "Alchemy...", truncate("Alchemy Laboratory", 10))
	assert.Equal(t, "Al", truncate("Alchemy", 2))
}

func TestBuyCheapestPicksLowestAffordable(t *testing.T) {
	state := game.NewState(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	buyCheapest(state, logger)
	assert.Zero(t, state.Producers()[0].Owned, "nothing is affordable with no cookies")

	snap := state.Snapshot()
	snap.Currency = 20
	state.ApplySnapshot(snap)
	buyCheapest(state, logger)

	producers := state.Producers()
	assert.Equal(t, int64(1), producers[0].Owned)
	for _, p := range producers[1:] {
		assert.Zero(t, p.Owned)
	}
	assert.InDelta(t, 5, state.Currency(), 1e-9)
}

func TestRenderStatus(t *testing.T) {
	state := game.NewState(nil)
	snap := state.Snapshot()
	snap.Currency = 1500
	snap.Producers[0].Owned = 3
	snap.Achievements = []string{"1"}
	state.ApplySnapshot(snap)

	var buf bytes.Buffer
	renderStatus(&buf, "user-1", state, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	out := buf.String()
	assert.Contains(t, out, "user-1")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, state.Producers()[0].Name)
	assert.Contains(t, out, "unlocks at 12,000")
	assert.NotContains(t, out, "Mine", "locked producers are hidden")
	a, ok := state.Catalog().Achievement("1")
	require.True(t, ok)
	assert.Contains(t, out, a.Name)
}

func TestModelKeysDriveGame(t *testing.T) {
	state := game.NewState(nil)
	m := newModel(&session{state: state})
	m.loaded = true

	for range 20 {
		m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	}
	assert.InDelta(t, 20, state.Currency(), 1e-9)

	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, m.cursor)
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Zero(t, state.Producers()[1].Owned)
	assert.Contains(t, m.flash, "Need")

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, int64(1), state.Producers()[0].Owned)
	assert.InDelta(t, 5, state.Currency(), 1e-9)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestModelRefusesLockedProducer(t *testing.T) {
	state := game.NewState(nil)
	snap := state.Snapshot()
	snap.Currency = 50_000
	state.ApplySnapshot(snap)
	m := newModel(&session{state: state})
	m.loaded = true

	for range 4 {
		m.Update(tea.KeyMsg{Type: tea.KeyDown})
	}
	require.Equal(t, 4, m.cursor)
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Zero(t, state.Producers()[4].Owned)
	assert.Contains(t, m.flash, "Unlocks at 130,000")

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, int64(1), state.Producers()[3].Owned)
}

func TestBuyCheapestSkipsLocked(t *testing.T) {
	cat, err := game.LoadCatalog([]byte("producers:\n  - name: Cheap\n    base_cost: 5\n    base_yield: 1\n    unlock_at: 1000\n  - name: Dear\n    base_cost: 50\n    base_yield: 1\n"))
	require.NoError(t, err)
	state := game.NewState(cat)
	state.ApplySnapshot(game.Snapshot{Currency: 60})

	buyCheapest(state, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Zero(t, state.Producers()[0].Owned)
	assert.Equal(t, int64(1), state.Producers()[1].Owned)
}

func TestModelIgnoresInputUntilLoaded(t *testing.T) {
	state := game.NewState(nil)
	m := newModel(&session{state: state})

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	assert.Zero(t, state.Currency())
}
