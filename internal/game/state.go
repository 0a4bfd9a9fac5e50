package game

import (
	"slices"
	"sync"
	"time"
)

type EventKind int

const (
	EventPurchase EventKind = iota + 1
	EventAchievement
)

// Event is delivered to subscribers after the state lock is released.
type Event struct {
	Kind          EventKind
	Producer      int
	Cost          float64
	AchievementID string
}

type Option func(*State)

// WithClickCooldown ignores clicks that arrive within d of the previous accepted click.
func WithClickCooldown(d time.Duration) Option {
	return func(s *State) {
		s.clickCooldown = d
	}
}

// WithNow overrides the time source used by the click cooldown.
func WithNow(now func() time.Time) Option {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

// State is the authoritative in-memory game state. All methods are safe for concurrent use;
// mutations never block on I/O.
type State struct {
	catalog *Catalog

	mu            sync.Mutex
	currency      float64
	cps           float64
	producers     []ProducerState
	achievements  map[string]struct{}
	clickCooldown time.Duration
	lastClick     time.Time
	now           func() time.Time

	subMu sync.RWMutex
	subs  []func(Event)
}

func NewState(c *Catalog, opts ...Option) *State {
	if c == nil {
		c = DefaultCatalog()
	}
	s := &State{
		catalog:      c,
		producers:    c.DefaultProducers(),
		achievements: map[string]struct{}{},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *State) Catalog() *Catalog {
	return s.catalog
}

// Subscribe registers fn for purchase and achievement events.
func (s *State) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

// Click adds one unit of currency. It reports false when the click fell inside the cooldown.
func (s *State) Click() bool {
	s.mu.Lock()
	if s.clickCooldown > 0 {
		now := s.now()
		if !s.lastClick.IsZero() && now.Sub(s.lastClick) < s.clickCooldown {
			s.mu.Unlock()
			return false
		}
		s.lastClick = now
	}
	s.currency++
	events := s.evaluateLocked()
	s.mu.Unlock()

	s.emit(events)
	return true
}

// Purchase buys one unit of producer i. On ErrInsufficientFunds, ErrLocked or ErrOutOfRange
// nothing changes.
func (s *State) Purchase(i int) (float64, error) {
	s.mu.Lock()
	if i < 0 || i >= len(s.producers) {
		s.mu.Unlock()
		return 0, ErrOutOfRange
	}
	p := s.producers[i]
	cost := Cost(p.BaseCost, p.Owned)
	if !s.unlockedLocked(i) {
		s.mu.Unlock()
		return cost, ErrLocked
	}
	if s.currency < cost || p.Owned >= MaxSafeCount {
		s.mu.Unlock()
		return cost, ErrInsufficientFunds
	}
	s.currency -= cost
	s.producers[i].Owned++
	s.cps = TotalYield(s.producers)
	events := append([]Event{{Kind: EventPurchase, Producer: i, Cost: cost}}, s.evaluateLocked()...)
	s.mu.Unlock()

	s.emit(events)
	return cost, nil
}

// Tick accrues one interval of production.
func (s *State) Tick(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.currency = sanitizeCurrency(s.currency + s.cps*interval.Seconds())
	events := s.evaluateLocked()
	s.mu.Unlock()

	s.emit(events)
}

// ApplySnapshot replaces the state wholesale with a loaded snapshot, merging producers with
// the catalog by index.
func (s *State) ApplySnapshot(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currency = sanitizeCurrency(snap.Currency)
	s.producers = s.catalog.mergeProducers(snap.Producers)
	s.cps = TotalYield(s.producers)
	s.achievements = make(map[string]struct{}, len(snap.Achievements))
	for _, id := range snap.Achievements {
		if id != "" {
			s.achievements[id] = struct{}{}
		}
	}
}

// Snapshot copies the current state. Achievement ids are sorted.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Currency:     s.currency,
		Producers:    append([]ProducerState(nil), s.producers...),
		Achievements: s.achievementsLocked(),
	}
}

// EvaluateAchievements unlocks every achievement whose predicate currently holds and returns
// the newly unlocked ids.
func (s *State) EvaluateAchievements() []string {
	s.mu.Lock()
	events := s.evaluateLocked()
	s.mu.Unlock()

	s.emit(events)
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		ids = append(ids, ev.AchievementID)
	}
	return ids
}

func (s *State) Currency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currency
}

// YieldPerSecond is the cached Σ baseYield × owned.
func (s *State) YieldPerSecond() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cps
}

func (s *State) Producers() []ProducerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ProducerState(nil), s.producers...)
}

func (s *State) Achievements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.achievementsLocked()
}

// NextCost is the price of the next unit of producer i.
func (s *State) NextCost(i int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.producers) {
		return 0, ErrOutOfRange
	}
	return Cost(s.producers[i].BaseCost, s.producers[i].Owned), nil
}

// Unlocked reports whether producer i can be bought. A producer with an unlock threshold opens
// once currency reaches it and stays open after the first unit is owned.
func (s *State) Unlocked(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.producers) {
		return false
	}
	return s.unlockedLocked(i)
}

func (s *State) unlockedLocked(i int) bool {
	at := s.catalog.UnlockAt(i)
	return at <= 0 || s.producers[i].Owned > 0 || s.currency >= at
}

func (s *State) achievementsLocked() []string {
	out := make([]string, 0, len(s.achievements))
	for id := range s.achievements {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *State) evaluateLocked() []Event {
	var env *AchievementEnv
	var events []Event
	for _, a := range s.catalog.Achievements {
		if _, ok := s.achievements[a.ID]; ok {
			continue
		}
		if env == nil {
			e := newAchievementEnv(s.currency, s.cps, s.producers)
			env = &e
		}
		if a.Met(*env) {
			s.achievements[a.ID] = struct{}{}
			events = append(events, Event{Kind: EventAchievement, AchievementID: a.ID})
		}
	}
	return events
}

func (s *State) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
