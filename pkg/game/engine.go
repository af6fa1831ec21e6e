// Package game runs timed trading rounds: a pre-market minute, six live
// phases over five minutes and a post-market minute, ticked once per second.
package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/advinvest/params"
	"github.com/uhyunpark/advinvest/pkg/observability"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/util"
)

// GameStore is the persistence the engine needs.
type GameStore interface {
	CreateGame(memberID int64) (*storage.GameRecord, error)
	GetGame(id int64) (*storage.GameRecord, error)
	UpdateGame(id int64, fn func(g *storage.GameRecord) error) (*storage.GameRecord, error)
	FindPlayedToday(memberID int64) (*storage.GameRecord, error)
	FindPausedByMember(memberID int64) (*storage.GameRecord, error)
	FindAllPaused() ([]*storage.GameRecord, error)
	ResetPlayedTodayForAll() (int, error)
	MemberExists(id int64) (bool, error)
}

type Config struct {
	TickInterval time.Duration
	// Starts are refused in [RestrictStart, RestrictEnd). Equal bounds
	// disable the restriction; Start > End wraps midnight.
	RestrictStart params.TimeOfDay
	RestrictEnd   params.TimeOfDay
	Location      *time.Location
}

// ConfigFrom extracts the engine settings from the process config.
func ConfigFrom(g params.Game) Config {
	return Config{
		TickInterval:  g.TickInterval,
		RestrictStart: g.RestrictStart,
		RestrictEnd:   g.RestrictEnd,
		Location:      g.Location,
	}
}

type EndReason string

const (
	EndNatural     EndReason = "finished"
	EndExplicit    EndReason = "ended"
	EndDataMissing EndReason = "data_missing"
	EndReset       EndReason = "daily_reset"
)

type Engine struct {
	cfg   Config
	store GameStore
	tape  tape.Reader
	sched util.Scheduler
	clock util.Clock
	reg   *Registry

	Logger  *zap.SugaredLogger
	Metrics *observability.Metrics // optional
}

func NewEngine(cfg Config, store GameStore, reader tape.Reader, sched util.Scheduler, clock util.Clock, logger *zap.SugaredLogger) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if sched == nil {
		sched = util.TickerScheduler{}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		tape:   reader,
		sched:  sched,
		clock:  clock,
		reg:    NewRegistry(),
		Logger: util.OrNop(logger),
	}
}

// Registry exposes the live session store.
func (e *Engine) Registry() *Registry { return e.reg }

// Restricted reports whether t falls in the no-start window.
func (e *Engine) Restricted(t time.Time) bool {
	local := t.In(e.cfg.Location)
	now := local.Hour()*3600 + local.Minute()*60 + local.Second()
	start := e.cfg.RestrictStart.Hour*3600 + e.cfg.RestrictStart.Minute*60
	end := e.cfg.RestrictEnd.Hour*3600 + e.cfg.RestrictEnd.Minute*60
	switch {
	case start == end:
		return false
	case start < end:
		return now >= start && now < end
	default:
		return now >= start || now < end
	}
}

// Start opens a new round for memberID and begins ticking from second 0.
func (e *Engine) Start(ctx context.Context, memberID int64, t Transport) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.Restricted(e.clock.Now()) {
		return 0, fmt.Errorf("%w: between %s and %s", ErrTimeRestricted, e.cfg.RestrictStart, e.cfg.RestrictEnd)
	}
	if err := e.reg.reserve(memberID); err != nil {
		return 0, err
	}
	// Create consumes the reservation
	created := false
	defer func() {
		if !created {
			e.reg.release(memberID)
		}
	}()

	ok, err := e.store.MemberExists(memberID)
	if err != nil {
		return 0, fmt.Errorf("lookup member %d: %w", memberID, err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMemberNotFound, memberID)
	}

	played, err := e.store.FindPlayedToday(memberID)
	if err != nil {
		return 0, err
	}
	if played != nil {
		return 0, fmt.Errorf("%w: game %d", ErrAlreadyPlayedToday, played.ID)
	}
	paused, err := e.store.FindPausedByMember(memberID)
	if err != nil {
		return 0, err
	}
	if paused != nil {
		return 0, fmt.Errorf("%w: game %d is paused, resume it instead", ErrAlreadyRunning, paused.ID)
	}

	g, err := e.store.CreateGame(memberID)
	if err != nil {
		return 0, fmt.Errorf("create game: %w", err)
	}
	st, err := e.reg.Create(g.ID, memberID, t, 0)
	if err != nil {
		return 0, err
	}
	created = true
	e.notify(st, Message{Type: MsgStarted})
	e.launch(st)
	e.Metrics.Started()
	e.Metrics.Active(e.reg.Len())

	e.Logger.Infow("session_started", "game_id", g.ID, "member_id", memberID)
	return g.ID, nil
}

// Pause stops the round and checkpoints its elapsed second.
func (e *Engine) Pause(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, ok := e.reg.take(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	defer e.reg.release(st.MemberID)
	return e.finishPause(st)
}

// finishPause checkpoints a state already removed from the registry.
func (e *Engine) finishPause(st *SessionState) error {
	second := st.stop()
	if _, err := e.store.UpdateGame(st.ID, func(g *storage.GameRecord) error {
		g.Paused = true
		g.CurrentSecond = second
		return nil
	}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrSessionNotFound, st.ID)
		}
		return fmt.Errorf("checkpoint game %d: %w", st.ID, err)
	}
	e.notify(st, Message{Type: MsgPaused})
	e.Metrics.Paused()
	e.Metrics.Active(e.reg.Len())
	e.Logger.Infow("session_paused", "game_id", st.ID, "member_id", st.MemberID, "second", second)
	return nil
}

// Resume restarts a paused round at its checkpoint on transport t.
func (e *Engine) Resume(ctx context.Context, id int64, t Transport) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, err := e.store.GetGame(id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return err
	}
	if !g.Paused {
		return fmt.Errorf("%w: game %d is not paused", ErrInvalidState, id)
	}
	if err := e.reg.reserve(g.MemberID); err != nil {
		return err
	}
	created := false
	defer func() {
		if !created {
			e.reg.release(g.MemberID)
		}
	}()

	played, err := e.store.FindPlayedToday(g.MemberID)
	if err != nil {
		return err
	}
	if played != nil {
		return fmt.Errorf("%w: game %d", ErrAlreadyPlayedToday, played.ID)
	}

	g, err = e.store.UpdateGame(id, func(g *storage.GameRecord) error {
		if !g.Paused {
			return fmt.Errorf("%w: game %d is not paused", ErrInvalidState, id)
		}
		g.Paused = false
		return nil
	})
	if err != nil {
		return err
	}
	st, err := e.reg.Create(id, g.MemberID, t, g.CurrentSecond)
	if err != nil {
		return err
	}
	created = true
	e.notify(st, Message{Type: MsgResumed})
	e.launch(st)
	e.Metrics.Resumed()
	e.Metrics.Active(e.reg.Len())

	e.Logger.Infow("session_resumed", "game_id", id, "member_id", g.MemberID, "second", g.CurrentSecond)
	return nil
}

// End finishes a running or paused round and marks it played today.
func (e *Engine) End(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, ok := e.reg.take(id)
	if ok {
		defer e.reg.release(st.MemberID)
	}
	return e.finishEnd(id, st, EndExplicit, true)
}

// finishEnd closes the transport of st (may be nil) and updates the record.
func (e *Engine) finishEnd(id int64, st *SessionState, reason EndReason, markPlayed bool) error {
	if st != nil {
		st.stop()
		if reason != EndNatural && reason != EndDataMissing {
			e.notify(st, Message{Type: MsgEnd, Message: string(reason)})
		}
		e.closeTransport(st)
	}

	_, err := e.store.UpdateGame(id, func(g *storage.GameRecord) error {
		if st == nil && !g.Paused {
			return fmt.Errorf("%w: game %d is neither running nor paused", ErrInvalidState, id)
		}
		g.Paused = false
		if markPlayed {
			g.PlayedToday = true
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if err != nil {
		return err
	}
	e.Metrics.Ended(string(reason))
	e.Metrics.Active(e.reg.Len())
	e.Logger.Infow("session_ended", "game_id", id, "reason", reason, "played_today", markPlayed)
	return nil
}

// Remaining returns the seconds left in a running round.
func (e *Engine) Remaining(id int64) (int, error) {
	st, ok := e.reg.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	left := TotalSeconds - st.Second()
	if left < 0 {
		left = 0
	}
	return left, nil
}

// RecentVolumes returns the player's current volume window for symbol.
func (e *Engine) RecentVolumes(id int64, symbol string) ([]int64, error) {
	st, ok := e.reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	ref, ok := e.tape.FindBySymbolAndType(symbol, tape.Reference)
	if !ok {
		return nil, fmt.Errorf("%w: reference %s", ErrDataNotFound, symbol)
	}
	live, ok := e.tape.FindBySymbolAndType(symbol, tape.Live)
	if !ok {
		return nil, fmt.Errorf("%w: live %s", ErrDataNotFound, symbol)
	}
	return tape.RecentVolumes(ref, live, st.LiveSent()), nil
}

// Disconnected pauses the round when t, its current transport, went away.
func (e *Engine) Disconnected(id int64, t Transport) {
	st, ok := e.reg.Get(id)
	if !ok || st.Transport() != t {
		return
	}
	if !e.reg.takeState(st) {
		return
	}
	defer e.reg.release(st.MemberID)
	if err := e.finishPause(st); err != nil {
		e.Logger.Warnw("disconnect_pause_failed", "game_id", id, "err", err)
	}
}

type ResetReport struct {
	ClearedPlayed int `json:"clearedPlayed"`
	EndedRunning  int `json:"endedRunning"`
	EndedPaused   int `json:"endedPaused"`
}

// DailyReset clears playedToday everywhere and force-ends every running and
// paused round. Reset ends do not mark the round played. Idempotent.
func (e *Engine) DailyReset(ctx context.Context) (ResetReport, error) {
	var rep ResetReport
	n, err := e.store.ResetPlayedTodayForAll()
	if err != nil {
		return rep, fmt.Errorf("reset playedToday: %w", err)
	}
	rep.ClearedPlayed = n

	for _, id := range e.reg.Snapshot() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		st, ok := e.reg.take(id)
		if !ok {
			continue
		}
		err := e.finishEnd(id, st, EndReset, false)
		e.reg.release(st.MemberID)
		if err != nil {
			e.Logger.Warnw("reset_end_failed", "game_id", id, "err", err)
			continue
		}
		rep.EndedRunning++
	}

	paused, err := e.store.FindAllPaused()
	if err != nil {
		return rep, fmt.Errorf("find paused: %w", err)
	}
	for _, g := range paused {
		if err := e.finishEnd(g.ID, nil, EndReset, false); err != nil {
			e.Logger.Warnw("reset_end_failed", "game_id", g.ID, "err", err)
			continue
		}
		rep.EndedPaused++
	}

	e.Logger.Infow("daily_reset", "cleared_played", rep.ClearedPlayed, "ended_running", rep.EndedRunning, "ended_paused", rep.EndedPaused)
	return rep, nil
}

func (e *Engine) launch(st *SessionState) {
	st.setCancel(e.sched.Every(e.cfg.TickInterval, func() { e.runTick(st) }))
}

// notify sends a best-effort lifecycle message outside the tick loop.
func (e *Engine) notify(st *SessionState, msg Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := e.send(st, msg); err != nil {
		e.Logger.Debugw("notify_failed", "game_id", st.ID, "type", msg.Type, "err", err)
	}
}

// closeTransport closes the session transport. Close errors are logged and
// swallowed; the transport may already be gone.
func (e *Engine) closeTransport(st *SessionState) {
	t := st.detachTransport()
	if t == nil || !t.IsOpen() {
		return
	}
	if err := t.Close(); err != nil {
		e.Logger.Warnw("transport_close_failed", "game_id", st.ID, "err", fmt.Errorf("%w: %v", ErrTransport, err))
	}
}
