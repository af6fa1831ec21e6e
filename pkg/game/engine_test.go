package game

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/advinvest/params"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/util"
)

// fakeTransport records every message. failAt fails the first send at that
// second; panicOn panics on the first message of that type.
type fakeTransport struct {
	mu      sync.Mutex
	msgs    []Message
	closed  bool
	failAt  int
	panicOn string
}

func newFakeTransport() *fakeTransport { return &fakeTransport{failAt: -1} }

func (f *fakeTransport) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := msg.(Message)
	if f.panicOn != "" && m.Type == f.panicOn {
		f.panicOn = ""
		panic("boom")
	}
	if m.Second == f.failAt {
		f.failAt = -1
		return errors.New("write: broken pipe")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) ofType(typ string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) last() Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

func testSeries(symbol string, dt tape.DataType, n int) tape.AdvStock {
	s := tape.AdvStock{Symbol: symbol, Name: symbol, DataType: dt}
	for i := 0; i < n; i++ {
		s.OpenPrices = append(s.OpenPrices, 100)
		s.HighPrices = append(s.HighPrices, 101)
		s.LowPrices = append(s.LowPrices, 99)
		s.ClosePrices = append(s.ClosePrices, 100)
		s.Volumes = append(s.Volumes, int64(i+1))
		s.Timestamps = append(s.Timestamps, int64(1700000000+i))
	}
	return s
}

type harness struct {
	eng   *Engine
	store *storage.Store
	sched *util.ManualScheduler
	clock *util.FakeClock
}

// noon is outside the restricted window.
var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, stocks ...tape.AdvStock) *harness {
	t.Helper()
	if len(stocks) == 0 {
		stocks = []tape.AdvStock{
			testSeries("AAPL", tape.Reference, 10),
			testSeries("AAPL", tape.Live, LivePhases),
		}
	}
	tp, err := tape.New(stocks...)
	require.NoError(t, err)

	clock := util.NewFakeClock(noon)
	store, err := storage.Open(filepath.Join(t.TempDir(), "game.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, store.CreateMember(&storage.Member{ID: id, Name: "p", Points: 100000}))
	}

	sched := util.NewManualScheduler()
	cfg := Config{
		TickInterval:  time.Second,
		RestrictStart: params.TimeOfDay{Hour: 6},
		RestrictEnd:   params.TimeOfDay{Hour: 8},
		Location:      time.UTC,
	}
	return &harness{
		eng:   NewEngine(cfg, store, tp, sched, clock, nil),
		store: store,
		sched: sched,
		clock: clock,
	}
}

func (h *harness) game(t *testing.T, id int64) *storage.GameRecord {
	t.Helper()
	g, err := h.store.GetGame(id)
	require.NoError(t, err)
	return g
}

func TestFullRound(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	ctx := context.Background()

	id, err := h.eng.Start(ctx, 1, tr)
	require.NoError(t, err)
	assert.Equal(t, MsgStarted, tr.msgs[0].Type)

	h.sched.Tick() // s=0
	refs := tr.ofType(MsgReference)
	require.Len(t, refs, 1)
	assert.Len(t, refs[0].Data, 10)
	assert.Equal(t, "pre_market", refs[0].Phase)

	h.sched.TickN(60) // s=1..60
	lives := tr.ofType(MsgLive)
	require.Len(t, lives, 1)
	assert.Equal(t, 0, *lives[0].LivePhase)
	assert.Equal(t, 60, lives[0].Second)

	left, err := h.eng.Remaining(id)
	require.NoError(t, err)
	assert.Equal(t, TotalSeconds-61, left)

	h.sched.TickN(TotalSeconds - 61) // s=61..419
	_, running := h.eng.Registry().Get(id)
	assert.True(t, running)
	assert.False(t, h.game(t, id).PlayedToday)

	h.sched.Tick() // s=420
	_, running = h.eng.Registry().Get(id)
	assert.False(t, running)
	assert.Equal(t, 0, h.sched.Len())
	assert.True(t, tr.closed)
	end := tr.last()
	assert.Equal(t, MsgEnd, end.Type)
	assert.Equal(t, TotalSeconds, end.Second)

	lives = tr.ofType(MsgLive)
	require.Len(t, lives, LivePhases)
	for i, m := range lives {
		assert.Equal(t, i, *m.LivePhase)
		assert.Equal(t, PreMarketSeconds+i*LivePhaseSeconds, m.Second)
	}
	assert.Len(t, tr.ofType(MsgNotice), 2)

	g := h.game(t, id)
	assert.True(t, g.PlayedToday)
	assert.False(t, g.Paused)

	_, err = h.eng.Start(ctx, 1, newFakeTransport())
	assert.ErrorIs(t, err, ErrAlreadyPlayedToday)

	h.sched.TickN(5)
	assert.Len(t, tr.ofType(MsgEnd), 1, "ticks after end must not send")
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	ctx := context.Background()

	id, err := h.eng.Start(ctx, 1, tr)
	require.NoError(t, err)
	h.sched.TickN(45)

	require.NoError(t, h.eng.Pause(ctx, id))
	g := h.game(t, id)
	assert.True(t, g.Paused)
	assert.Equal(t, 45, g.CurrentSecond)
	assert.Equal(t, MsgPaused, tr.last().Type)
	assert.Equal(t, 0, h.sched.Len())

	_, err = h.eng.Remaining(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, h.eng.Pause(ctx, id), ErrSessionNotFound)

	h.sched.TickN(10) // nothing runs while paused

	tr2 := newFakeTransport()
	require.NoError(t, h.eng.Resume(ctx, id, tr2))
	assert.False(t, h.game(t, id).Paused)
	assert.Equal(t, MsgResumed, tr2.msgs[0].Type)
	assert.Equal(t, 45, tr2.msgs[0].Second)
	left, err := h.eng.Remaining(id)
	require.NoError(t, err)
	assert.Equal(t, TotalSeconds-45, left)

	assert.ErrorIs(t, h.eng.Resume(ctx, id, tr2), ErrInvalidState)

	h.sched.TickN(TotalSeconds - 45 + 1)
	assert.Empty(t, tr2.ofType(MsgReference), "reference not resent after resume")
	assert.Len(t, tr2.ofType(MsgLive), LivePhases)
	assert.True(t, h.game(t, id).PlayedToday)
}

func TestResumeMidLiveDoesNotResendPhase(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	ctx := context.Background()

	id, _ := h.eng.Start(ctx, 1, tr)
	h.sched.TickN(62) // s=0..61
	require.Len(t, tr.ofType(MsgLive), 1)
	require.NoError(t, h.eng.Pause(ctx, id))

	tr2 := newFakeTransport()
	require.NoError(t, h.eng.Resume(ctx, id, tr2))
	h.sched.TickN(TotalSeconds)
	lives := tr2.ofType(MsgLive)
	require.Len(t, lives, LivePhases-1)
	assert.Equal(t, 1, *lives[0].LivePhase)
}

func TestResumeRejectsNonPaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.eng.Start(ctx, 1, newFakeTransport())
	assert.ErrorIs(t, h.eng.Resume(ctx, id, newFakeTransport()), ErrInvalidState)
	assert.ErrorIs(t, h.eng.Resume(ctx, 99, newFakeTransport()), ErrSessionNotFound)
}

func TestStartAdmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Start(ctx, 42, newFakeTransport())
	assert.ErrorIs(t, err, ErrMemberNotFound)

	id, err := h.eng.Start(ctx, 1, newFakeTransport())
	require.NoError(t, err)
	_, err = h.eng.Start(ctx, 1, newFakeTransport())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.eng.Pause(ctx, id))
	_, err = h.eng.Start(ctx, 1, newFakeTransport())
	assert.ErrorIs(t, err, ErrAlreadyRunning, "paused game blocks a new start")

	other, err := h.eng.Start(ctx, 2, newFakeTransport())
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestConcurrentStartSameMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.eng.Start(ctx, 1, newFakeTransport()); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyRunning)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, h.eng.Registry().Len())
	require.NoError(t, h.eng.Registry().checkIndex())
}

func TestRestrictedWindow(t *testing.T) {
	tests := []struct {
		at         time.Time
		restricted bool
	}{
		{time.Date(2024, 3, 1, 5, 59, 59, 0, time.UTC), false},
		{time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC), true},
		{time.Date(2024, 3, 1, 7, 59, 59, 0, time.UTC), true},
		{time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.at.Format("15:04:05"), func(t *testing.T) {
			h := newHarness(t)
			h.clock.Set(tt.at)
			_, err := h.eng.Start(context.Background(), 1, newFakeTransport())
			if tt.restricted {
				assert.ErrorIs(t, err, ErrTimeRestricted)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRestrictedWindowWrapsMidnight(t *testing.T) {
	e := &Engine{cfg: Config{
		RestrictStart: params.TimeOfDay{Hour: 23},
		RestrictEnd:   params.TimeOfDay{Hour: 1},
		Location:      time.UTC,
	}}
	assert.True(t, e.Restricted(time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)))
	assert.True(t, e.Restricted(time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)))
	assert.False(t, e.Restricted(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)))

	e.cfg.RestrictEnd = e.cfg.RestrictStart
	assert.False(t, e.Restricted(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)))
}

func TestEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tr := newFakeTransport()
	id, _ := h.eng.Start(ctx, 1, tr)
	h.sched.TickN(100)
	require.NoError(t, h.eng.End(ctx, id))
	assert.True(t, tr.closed)
	assert.Equal(t, MsgEnd, tr.last().Type)
	assert.True(t, h.game(t, id).PlayedToday)
	assert.Equal(t, 0, h.sched.Len())

	assert.ErrorIs(t, h.eng.End(ctx, id), ErrInvalidState)
	assert.ErrorIs(t, h.eng.End(ctx, 99), ErrSessionNotFound)

	paused, _ := h.eng.Start(ctx, 2, newFakeTransport())
	require.NoError(t, h.eng.Pause(ctx, paused))
	require.NoError(t, h.eng.End(ctx, paused))
	g := h.game(t, paused)
	assert.False(t, g.Paused)
	assert.True(t, g.PlayedToday)
}

func TestDailyReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	played, _ := h.eng.Start(ctx, 1, newFakeTransport())
	require.NoError(t, h.eng.End(ctx, played))

	running := newFakeTransport()
	runID, _ := h.eng.Start(ctx, 2, running)
	h.sched.TickN(10)

	pausedID, _ := h.eng.Start(ctx, 3, newFakeTransport())
	require.NoError(t, h.eng.Pause(ctx, pausedID))

	rep, err := h.eng.DailyReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetReport{ClearedPlayed: 1, EndedRunning: 1, EndedPaused: 1}, rep)

	assert.Equal(t, 0, h.eng.Registry().Len())
	assert.Equal(t, 0, h.sched.Len())
	assert.True(t, running.closed)
	for _, id := range []int64{played, runID, pausedID} {
		g := h.game(t, id)
		assert.False(t, g.Paused, "game %d paused", id)
		assert.False(t, g.PlayedToday, "game %d played", id)
	}

	rep, err = h.eng.DailyReset(ctx)
	require.NoError(t, err)
	assert.Equal(t, ResetReport{}, rep)

	for _, m := range []int64{1, 2, 3} {
		_, err := h.eng.Start(ctx, m, newFakeTransport())
		assert.NoError(t, err, "member %d", m)
	}
}

func TestMissingLiveDataEndsRound(t *testing.T) {
	h := newHarness(t, testSeries("AAPL", tape.Reference, 10))
	tr := newFakeTransport()

	id, err := h.eng.Start(context.Background(), 1, tr)
	require.NoError(t, err)
	h.sched.TickN(61)

	_, running := h.eng.Registry().Get(id)
	assert.False(t, running)
	assert.True(t, tr.closed)
	end := tr.last()
	assert.Equal(t, MsgEnd, end.Type)
	assert.Equal(t, "market data unavailable", end.Message)
	assert.Equal(t, 60, end.Second)
}

func TestSendFailurePausesAtSameSecond(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	tr.failAt = 60
	ctx := context.Background()

	id, _ := h.eng.Start(ctx, 1, tr)
	h.sched.TickN(61)

	g := h.game(t, id)
	require.True(t, g.Paused)
	assert.Equal(t, 60, g.CurrentSecond)
	assert.Empty(t, tr.ofType(MsgLive))

	tr2 := newFakeTransport()
	require.NoError(t, h.eng.Resume(ctx, id, tr2))
	h.sched.Tick()
	lives := tr2.ofType(MsgLive)
	require.Len(t, lives, 1)
	assert.Equal(t, 0, *lives[0].LivePhase)
}

func TestPanicInTickPauses(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	tr.panicOn = MsgReference

	id, _ := h.eng.Start(context.Background(), 1, tr)
	assert.NotPanics(t, func() { h.sched.Tick() })

	g := h.game(t, id)
	assert.True(t, g.Paused)
	assert.Equal(t, 0, g.CurrentSecond)
	assert.Equal(t, 0, h.eng.Registry().Len())
}

func TestDisconnectedPauses(t *testing.T) {
	h := newHarness(t)
	tr := newFakeTransport()
	id, _ := h.eng.Start(context.Background(), 1, tr)
	h.sched.TickN(30)

	h.eng.Disconnected(id, newFakeTransport())
	_, running := h.eng.Registry().Get(id)
	require.True(t, running, "a foreign transport must not pause the game")

	h.eng.Disconnected(id, tr)
	g := h.game(t, id)
	assert.True(t, g.Paused)
	assert.Equal(t, 30, g.CurrentSecond)
}

func TestRecentVolumes(t *testing.T) {
	h := newHarness(t)
	id, _ := h.eng.Start(context.Background(), 1, newFakeTransport())

	vols, err := h.eng.RecentVolumes(id, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4, 5, 6, 7, 8, 9, 10}, vols)

	h.sched.TickN(122) // live 0 and 1 sent
	vols, err = h.eng.RecentVolumes(id, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 10, 1, 2}, vols)

	_, err = h.eng.RecentVolumes(id, "NONE")
	assert.ErrorIs(t, err, ErrDataNotFound)
	_, err = h.eng.RecentVolumes(99, "AAPL")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConcurrentReadsDuringTicks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []int64
	for _, m := range []int64{1, 2, 3} {
		id, err := h.eng.Start(ctx, m, newFakeTransport())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, id := range ids {
					h.eng.Remaining(id)
				}
				h.eng.Registry().Snapshot()
			}
		}()
	}
	h.sched.TickN(TotalSeconds + 1)
	close(done)
	wg.Wait()

	assert.Equal(t, 0, h.eng.Registry().Len())
}

func TestCodeOf(t *testing.T) {
	code, status := CodeOf(errors.Join(errors.New("ctx"), ErrAlreadyPlayedToday))
	assert.Equal(t, "GAME_ALREADY_PLAYED", code)
	assert.Equal(t, 409, status)

	code, status = CodeOf(errors.New("other"))
	assert.Equal(t, "INTERNAL_ERROR", code)
	assert.Equal(t, 500, status)
}

// hookedStore runs onUpdate once, before the next UpdateGame reaches the
// store.
type hookedStore struct {
	*storage.Store
	onUpdate func()
}

func (s *hookedStore) UpdateGame(id int64, fn func(g *storage.GameRecord) error) (*storage.GameRecord, error) {
	if hook := s.onUpdate; hook != nil {
		s.onUpdate = nil
		hook()
	}
	return s.Store.UpdateGame(id, fn)
}

func TestStartBlockedWhileRecordIsSaved(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		stop func(e *Engine, id int64) error
	}{
		{"pause", func(e *Engine, id int64) error { return e.Pause(ctx, id) }},
		{"end", func(e *Engine, id int64) error { return e.End(ctx, id) }},
		{"disconnect", func(e *Engine, id int64) error {
			st, _ := e.Registry().Get(id)
			e.Disconnected(id, st.Transport())
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			hs := &hookedStore{Store: h.store}
			h.eng.store = hs

			id, err := h.eng.Start(ctx, 1, newFakeTransport())
			require.NoError(t, err)
			h.sched.TickN(45)

			var startErr error
			hs.onUpdate = func() { _, startErr = h.eng.Start(ctx, 1, newFakeTransport()) }
			require.NoError(t, tt.stop(h.eng, id))
			assert.ErrorIs(t, startErr, ErrAlreadyRunning)

			paused, err := h.store.FindAllPaused()
			require.NoError(t, err)
			_, err = h.store.GetGame(id + 1)
			assert.ErrorIs(t, err, storage.ErrNotFound, "no second game created")
			if tt.name != "end" {
				require.Len(t, paused, 1)
				assert.Equal(t, 45, paused[0].CurrentSecond)
			}

			// the member is free again once the record is saved
			require.NoError(t, h.eng.reg.reserve(1))
			h.eng.reg.release(1)
			_, err = h.eng.Start(ctx, 1, newFakeTransport())
			if tt.name == "end" {
				assert.ErrorIs(t, err, ErrAlreadyPlayedToday)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyRunning, "paused game must be resumed")
			}
		})
	}
}

func TestStartBlockedWhileRoundFinishes(t *testing.T) {
	h := newHarness(t)
	hs := &hookedStore{Store: h.store}
	h.eng.store = hs
	ctx := context.Background()

	_, err := h.eng.Start(ctx, 1, newFakeTransport())
	require.NoError(t, err)
	h.sched.TickN(TotalSeconds)

	var startErr error
	hs.onUpdate = func() { _, startErr = h.eng.Start(ctx, 1, newFakeTransport()) }
	h.sched.Tick() // s=420
	assert.ErrorIs(t, startErr, ErrAlreadyRunning)
	assert.Equal(t, 0, h.eng.Registry().Len())
}

func TestResumeRefusedAfterPlayingToday(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.eng.Start(ctx, 1, newFakeTransport())
	require.NoError(t, err)
	h.sched.TickN(45)
	require.NoError(t, h.eng.Pause(ctx, id))

	// another game of the member already finished today
	other, err := h.store.CreateGame(1)
	require.NoError(t, err)
	_, err = h.store.UpdateGame(other.ID, func(g *storage.GameRecord) error {
		g.PlayedToday = true
		return nil
	})
	require.NoError(t, err)

	err = h.eng.Resume(ctx, id, newFakeTransport())
	assert.ErrorIs(t, err, ErrAlreadyPlayedToday)
	assert.True(t, h.game(t, id).Paused, "record stays paused")
	assert.Equal(t, 0, h.eng.Registry().Len())

	// the reservation was released
	_, err = h.eng.Start(ctx, 2, newFakeTransport())
	assert.NoError(t, err)
}
