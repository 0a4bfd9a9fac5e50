package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crumbs/internal/autosave"
	"crumbs/internal/game"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	frameEvery = 100 * time.Millisecond
	flashFor   = 3 * time.Second
)

type keyMap struct {
	Click key.Binding
	Up    key.Binding
	Down  key.Binding
	Buy   key.Binding
	Save  key.Binding
	Help  key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Click, k.Buy, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Click, k.Buy, k.Save},
		{k.Up, k.Down},
		{k.Help, k.Quit},
	}
}

func defaultKeys() keyMap {
	return keyMap{
		Click: key.NewBinding(key.WithKeys(" ", "c"), key.WithHelp("space", "bake")),
		Up:    key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:  key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Buy:   key.NewBinding(key.WithKeys("enter", "b"), key.WithHelp("enter", "buy")),
		Save:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "save now")),
		Help:  key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	}
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	counterStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	cursorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	priceOKStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	priceBadStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	flashStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)

type frameMsg time.Time

type saveDoneMsg struct{ err error }

type model struct {
	sess   *session
	keys   keyMap
	help   help.Model
	events chan game.Event

	cursor     int
	loaded     bool
	flash      string
	flashUntil time.Time
	saving     bool
}

func newModel(sess *session) *model {
	m := &model{
		sess:   sess,
		keys:   defaultKeys(),
		help:   help.New(),
		events: make(chan game.Event, 32),
	}
	// Events are emitted from inside Update (Purchase, Click) so delivery must never block.
	sess.state.Subscribe(func(ev game.Event) {
		if ev.Kind != game.EventAchievement {
			return
		}
		select {
		case m.events <- ev:
		default:
		}
	})
	return m
}

func nextFrame() tea.Cmd {
	return tea.Tick(frameEvery, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func (m *model) Init() tea.Cmd {
	return nextFrame()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case frameMsg:
		if !m.loaded {
			select {
			case <-m.sess.syncer.Ready():
				m.loaded = true
			default:
			}
		}
		m.drainEvents(time.Time(msg))
		return m, nextFrame()

	case saveDoneMsg:
		m.saving = false
		if msg.err != nil {
			m.setFlash("Save failed: "+msg.err.Error(), time.Now())
		} else {
			m.setFlash("Saved.", time.Now())
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		}
		if !m.loaded {
			return m, nil
		}
		return m, m.handleKey(msg)
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) tea.Cmd {
	count := len(m.sess.state.Producers())
	switch {
	case key.Matches(msg, m.keys.Click):
		m.sess.state.Click()
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < count-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Buy):
		cost, err := m.sess.state.Purchase(m.cursor)
		switch {
		case errors.Is(err, game.ErrLocked):
			at := m.sess.state.Catalog().UnlockAt(m.cursor)
			m.setFlash(fmt.Sprintf("Unlocks at %s cookies.", formatCookies(at)), time.Now())
		case errors.Is(err, game.ErrInsufficientFunds):
			m.setFlash(fmt.Sprintf("Need %s cookies.", formatCookies(cost)), time.Now())
		}
	case key.Matches(msg, m.keys.Save):
		if m.saving {
			return nil
		}
		m.saving = true
		syncer := m.sess.syncer
		timeout := m.sess.cfg.RequestTimeout
		return func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return saveDoneMsg{err: syncer.Flush(ctx)}
		}
	}
	return nil
}

func (m *model) drainEvents(now time.Time) {
	for {
		select {
		case ev := <-m.events:
			m.setFlash("Achievement unlocked: "+achievementName(m.sess.state.Catalog(), ev.AchievementID), now)
		default:
			return
		}
	}
}

func (m *model) setFlash(msg string, now time.Time) {
	m.flash = msg
	m.flashUntil = now.Add(flashFor)
}

func (m *model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🍪 crumbs"))
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(dimStyle.Render("Loading your bakery..."))
		b.WriteString("\n\n")
		b.WriteString(m.help.View(m.keys))
		return b.String()
	}

	state := m.sess.state
	b.WriteString(counterStyle.Render(formatCookies(state.Currency()) + " cookies"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("   %s per second", formatRate(state.YieldPerSecond()))))
	b.WriteString("\n\n")

	currency := state.Currency()
	var rows []string
	for i, p := range state.Producers() {
		cost, _ := state.NextCost(i)
		pointer := "  "
		name := p.Name
		if i == m.cursor {
			pointer = cursorStyle.Render("> ")
			name = cursorStyle.Render(name)
		}
		if !state.Unlocked(i) {
			label := fmt.Sprintf("unlocks at %s", formatCookies(state.Catalog().UnlockAt(i)))
			rows = append(rows, fmt.Sprintf("%s%-18s %s", pointer, "???", dimStyle.Render(label)))
			continue
		}
		price := priceBadStyle.Render(formatCookies(cost))
		if currency >= cost {
			price = priceOKStyle.Render(formatCookies(cost))
		}
		rows = append(rows, fmt.Sprintf("%s%-18s x%-8s %s", pointer, name, formatCount(p.Owned), price))
	}
	b.WriteString(panelStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	b.WriteString(m.statusLine(m.sess.syncer.Status()))
	b.WriteString("\n")
	if m.flash != "" && time.Now().Before(m.flashUntil) {
		b.WriteString(flashStyle.Render(m.flash))
	}
	b.WriteString("\n\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m *model) statusLine(st autosave.Status) string {
	achievements := fmt.Sprintf("%d/%d achievements", len(m.sess.state.Achievements()), len(m.sess.state.Catalog().Achievements))
	switch {
	case st.Offline:
		return warnStyle.Render("offline, progress stashed locally") + dimStyle.Render("  "+achievements)
	case st.Degraded:
		return warnStyle.Render("cloud save unavailable, retrying") + dimStyle.Render("  "+achievements)
	case st.State == autosave.StateSaving || m.saving:
		return dimStyle.Render("saving...  " + achievements)
	case !st.LastSavedAt.IsZero():
		return dimStyle.Render("saved " + st.LastSavedAt.Local().Format(time.TimeOnly) + "  " + achievements)
	default:
		return dimStyle.Render(achievements)
	}
}

func runTUI(ctx context.Context, sess *session) error {
	p := tea.NewProgram(newModel(sess), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
