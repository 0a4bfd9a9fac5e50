// Package autosave keeps a game.State in step with its remote record: one load at startup,
// then periodic and event-driven saves, all issued from a single goroutine.
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crumbs/internal/cli"
	"crumbs/internal/game"
	"crumbs/internal/syncq"
	"crumbs/internal/wire"

	"golang.org/x/time/rate"
)

var ErrNotStarted = errors.New("syncer not started")

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
	StateSaving
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSaving:
		return "saving"
	default:
		return "uninitialized"
	}
}

type IdentitySource interface {
	UserID(ctx context.Context) (string, error)
}

// Transport is satisfied by *cli.Client.
type Transport interface {
	LoadUserData(ctx context.Context, userID string) (wire.LoadResponse, error)
	SaveUserData(ctx context.Context, req wire.SaveRequest) (wire.SaveResponse, error)
}

// Stash is satisfied by *syncq.Stash.
type Stash interface {
	Put(p syncq.Pending) error
	Get(userID string) (syncq.Pending, bool, error)
	Clear(userID string) error
}

type Options struct {
	SaveEvery      time.Duration
	MinSaveSpacing time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	Stash          Stash
	Logger         *slog.Logger
	Now            func() time.Time
}

type Status struct {
	State       State
	Degraded    bool
	Offline     bool
	Loaded      bool
	LastError   error
	LastSavedAt time.Time
	UserID      string
}

type trigger int

const (
	triggerTimer trigger = iota
	triggerPurchase
	triggerRecover
)

// tickSlack lets a timer save through when ticker jitter lands it just inside the spacing.
const tickSlack = 100 * time.Millisecond

type flushCall struct {
	ctx  context.Context
	done chan error
}

type Syncer struct {
	game      *game.State
	transport Transport
	opts      Options
	log       *slog.Logger
	limiter   *rate.Limiter

	saveReq  chan struct{}
	recover  chan struct{}
	flushReq chan flushCall
	ready    chan struct{}

	// ioMu serializes every network sequence so saves and loads never overlap.
	ioMu      sync.Mutex
	lastSaved *game.Snapshot

	// localStart is set when play began on defaults because the first load never happened.
	localStart bool

	mu      sync.Mutex
	status  Status
	started bool
	ids     IdentitySource
	done    chan struct{}

	// serverUpdated is the server's last_updated as of the last load or save; nil when unknown.
	serverUpdated *time.Time
}

func New(state *game.State, transport Transport, opts Options) *Syncer {
	if opts.SaveEvery <= 0 {
		opts.SaveEvery = 10 * time.Second
	}
	if opts.MinSaveSpacing < 0 {
		opts.MinSaveSpacing = 0
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Syncer{
		game:      state,
		transport: transport,
		opts:      opts,
		log:       logger,
		limiter:   rate.NewLimiter(rate.Every(opts.MinSaveSpacing), 1),
		saveReq:   make(chan struct{}, 1),
		recover:   make(chan struct{}, 1),
		flushReq:  make(chan flushCall),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	state.Subscribe(func(ev game.Event) {
		if ev.Kind == game.EventPurchase {
			signal(s.saveReq)
		}
	})
	return s
}

// Start resolves the user id, loads the remote record and then runs the save loop until ctx
// ends. Calling Start again is a no-op.
func (s *Syncer) Start(ctx context.Context, ids IdentitySource) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ids = ids
	s.mu.Unlock()
	go s.run(ctx)
}

// Ready is closed once the initial load has succeeded or given up.
func (s *Syncer) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the loop has exited.
func (s *Syncer) Done() <-chan struct{} {
	return s.done
}

func (s *Syncer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetOnline feeds connectivity changes in. Going online triggers an immediate save attempt.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	wasOnline := !s.status.Offline
	degraded := s.status.Degraded
	s.status.Offline = !online
	s.mu.Unlock()
	if online && (!wasOnline || degraded) {
		signal(s.recover)
	}
}

// Flush saves now, bypassing the spacing limit. It waits for any in-flight save, and still
// works after the loop has stopped.
func (s *Syncer) Flush(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	call := flushCall{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.flushReq <- call:
		select {
		case err := <-call.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-s.done:
		return s.sync(ctx, true)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.done)
	s.initialize(ctx)
	close(s.ready)

	ticker := time.NewTicker(s.opts.SaveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cycle(ctx, triggerTimer)
		case <-s.saveReq:
			s.cycle(ctx, triggerPurchase)
		case <-s.recover:
			s.cycle(ctx, triggerRecover)
		case call := <-s.flushReq:
			call.done <- s.sync(call.ctx, true)
		}
	}
}

// initialize stays Uninitialized until a user id is known. Identity and load failures are
// retried MaxRetries times, after which play continues on defaults with saves withheld.
func (s *Syncer) initialize(ctx context.Context) {
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 && sleepWithContext(ctx, s.retryDelay()) != nil {
			break
		}
		if err = s.identify(ctx); err == nil {
			break
		}
	}
	if err != nil {
		s.ioMu.Lock()
		s.localStart = true
		s.ioMu.Unlock()
		s.log.Warn("no user id, playing on local state", "err", err)
		s.setState(StateReady)
		return
	}

	s.setState(StateLoading)
	s.ioMu.Lock()
	err = s.load(ctx)
	if err != nil {
		s.localStart = true
	}
	s.ioMu.Unlock()
	if err != nil {
		s.log.Warn("initial load failed, playing on local state", "err", err)
	}
	s.setState(StateReady)
}

// identify makes one attempt to obtain the user id.
func (s *Syncer) identify(ctx context.Context) error {
	s.mu.Lock()
	ids := s.ids
	s.mu.Unlock()
	userID, err := ids.UserID(ctx)
	if err == nil && userID == "" {
		err = errors.New("identity source returned an empty user id")
	}
	if err != nil {
		err = fmt.Errorf("resolve user id: %w", err)
		s.fail(err)
		return err
	}
	s.mu.Lock()
	s.status.UserID = userID
	s.mu.Unlock()
	return nil
}

func (s *Syncer) cycle(ctx context.Context, trig trigger) {
	st := s.Status()
	if st.Offline && trig != triggerRecover {
		s.stashCurrent(st.UserID)
		return
	}
	if trig != triggerRecover {
		at := s.opts.Now()
		if trig == triggerTimer {
			at = at.Add(tickSlack)
		}
		if !s.limiter.AllowN(at, 1) {
			return
		}
	}
	if err := s.sync(ctx, false); err != nil {
		s.log.Warn("autosave failed", "err", err)
	}
}

// sync performs a deferred load if none has succeeded yet, then a save.
func (s *Syncer) sync(ctx context.Context, force bool) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	st := s.Status()
	if st.UserID == "" {
		if err := s.identify(ctx); err != nil {
			return fmt.Errorf("save withheld until a user id is known: %w", err)
		}
		st = s.Status()
	}
	if !st.Loaded {
		if err := s.load(ctx); err != nil {
			return fmt.Errorf("save withheld until load succeeds: %w", err)
		}
	}
	return s.save(ctx, st.UserID, force)
}

// load must run with ioMu held.
func (s *Syncer) load(ctx context.Context) error {
	st := s.Status()
	var resp wire.LoadResponse
	err := s.withRetries(ctx, "load", func(rctx context.Context) error {
		var err error
		resp, err = s.transport.LoadUserData(rctx, st.UserID)
		return err
	})
	if err != nil {
		s.fail(err)
		return err
	}

	if resp.Found && s.localStart {
		s.logDiscarded()
	}
	s.localStart = false
	if resp.Found {
		snap := resp.Record.Snapshot()
		serverAchievements := snap.Achievements
		snap.Achievements = game.UnionAchievements(snap.Achievements, s.game.Achievements())
		s.game.ApplySnapshot(snap)
		saved := s.game.Snapshot()
		saved.Achievements = serverAchievements
		s.lastSaved = &saved
	} else {
		s.lastSaved = nil
	}
	s.applyStash(st.UserID, resp)

	updated := time.Time{}
	if resp.Found {
		updated = resp.Record.LastUpdated
	}
	s.mu.Lock()
	s.serverUpdated = &updated
	s.status.Loaded = true
	s.status.Degraded = false
	s.status.LastError = nil
	s.mu.Unlock()
	s.log.Info("game loaded", "user_id", st.UserID, "new_user", !resp.Found)
	return nil
}

func (s *Syncer) applyStash(userID string, resp wire.LoadResponse) {
	if s.opts.Stash == nil {
		return
	}
	pending, ok, err := s.opts.Stash.Get(userID)
	if err != nil {
		s.log.Warn("read offline stash", "err", err)
		return
	}
	if !ok {
		return
	}
	if resp.Found && !pending.Supersedes(resp.Record.LastUpdated) {
		if err := s.opts.Stash.Clear(userID); err != nil {
			s.log.Warn("clear stale stash", "err", err)
		}
		return
	}
	snap := pending.Save.Snapshot()
	snap.Achievements = game.UnionAchievements(snap.Achievements, s.game.Achievements())
	s.game.ApplySnapshot(snap)
	s.log.Info("restored unsaved progress", "user_id", userID, "stashed_at", pending.SavedAt)
	signal(s.recover)
}

// save must run with ioMu held.
func (s *Syncer) save(ctx context.Context, userID string, force bool) error {
	snap := s.game.Snapshot()
	if s.lastSaved != nil && snap.Equal(*s.lastSaved) {
		return nil
	}
	req := wire.NewSaveRequest(userID, snap)

	s.setState(StateSaving)
	defer s.setState(StateReady)
	var resp wire.SaveResponse
	err := s.withRetries(ctx, "save", func(rctx context.Context) error {
		var err error
		resp, err = s.transport.SaveUserData(rctx, req)
		return err
	})
	if err != nil {
		s.fail(err)
		s.stash(s.pending(userID, req))
		return err
	}

	s.lastSaved = &snap
	s.mu.Lock()
	if resp.LastUpdated.IsZero() {
		s.serverUpdated = nil
	} else {
		updated := resp.LastUpdated
		s.serverUpdated = &updated
	}
	s.status.Degraded = false
	s.status.LastError = nil
	s.status.LastSavedAt = s.opts.Now()
	s.mu.Unlock()
	if s.opts.Stash != nil {
		if err := s.opts.Stash.Clear(userID); err != nil {
			s.log.Warn("clear offline stash", "err", err)
		}
	}
	s.log.Debug("game saved", "user_id", userID, "forced", force)
	return nil
}

func (s *Syncer) stashCurrent(userID string) {
	if userID == "" {
		return
	}
	s.stash(s.pending(userID, wire.NewSaveRequest(userID, s.game.Snapshot())))
}

func (s *Syncer) pending(userID string, req wire.SaveRequest) syncq.Pending {
	p := syncq.Pending{UserID: userID, SavedAt: s.opts.Now().UTC(), Save: req}
	s.mu.Lock()
	if s.serverUpdated != nil {
		base := *s.serverUpdated
		p.ServerUpdated = &base
	}
	s.mu.Unlock()
	return p
}

// logDiscarded records local progress that a late-arriving server record is about to replace.
func (s *Syncer) logDiscarded() {
	snap := s.game.Snapshot()
	owned := make(map[string]int64)
	for _, p := range snap.Producers {
		if p.Owned > 0 {
			owned[p.Name] = p.Owned
		}
	}
	if snap.Currency == 0 && len(owned) == 0 {
		return
	}
	s.log.Warn("server record replaces local progress",
		"user_id", s.Status().UserID,
		"discarded_cookies", snap.Currency,
		"discarded_producers", owned,
	)
}

func (s *Syncer) stash(p syncq.Pending) {
	if s.opts.Stash == nil {
		return
	}
	if err := s.opts.Stash.Put(p); err != nil {
		s.log.Warn("write offline stash", "err", err)
	}
}

// withRetries runs fn under its own timeout, detached from ctx cancellation so a request in
// flight completes. Only the waits between attempts observe ctx.
func (s *Syncer) withRetries(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if serr := sleepWithContext(ctx, s.retryDelay()); serr != nil {
				return err
			}
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
		err = fn(rctx)
		cancel()
		if err == nil {
			return nil
		}
		if !cli.IsRetryable(err) {
			return err
		}
		s.fail(err)
		s.log.Warn("request failed", "op", op, "attempt", attempt+1, "err", err)
	}
	return err
}

func (s *Syncer) retryDelay() time.Duration {
	if s.opts.RetryDelay <= 0 {
		return time.Second
	}
	return s.opts.RetryDelay
}

func (s *Syncer) fail(err error) {
	s.mu.Lock()
	s.status.Degraded = true
	s.status.LastError = err
	s.mu.Unlock()
}

func (s *Syncer) setState(state State) {
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
