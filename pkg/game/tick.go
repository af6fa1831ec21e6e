package game

import (
	"fmt"
	"time"

	"github.com/uhyunpark/advinvest/pkg/tape"
)

type TickKind int

const (
	// TickContinue keeps the session ticking.
	TickContinue TickKind = iota
	// TickTerminate ends the round (natural end or missing market data).
	TickTerminate
	// TickRecoverable pauses the round at its current second.
	TickRecoverable
)

func (k TickKind) String() string {
	switch k {
	case TickContinue:
		return "continue"
	case TickTerminate:
		return "terminate"
	case TickRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// TickResult is what one tick tells the scheduler callback to do next.
type TickResult struct {
	Kind   TickKind
	Reason EndReason
	Err    error
}

// runTick is the scheduler callback of one session. Follow-up transitions
// apply only while st is still the registered state for its id.
func (e *Engine) runTick(st *SessionState) {
	begin := time.Now()
	res := e.safeStep(st)
	e.Metrics.Tick(res.Kind.String(), time.Since(begin).Seconds())
	switch res.Kind {
	case TickContinue:
	case TickTerminate:
		if !e.reg.takeState(st) {
			return
		}
		defer e.reg.release(st.MemberID)
		if err := e.finishEnd(st.ID, st, res.Reason, true); err != nil {
			e.Logger.Errorw("tick_end_failed", "game_id", st.ID, "err", err)
		}
	case TickRecoverable:
		e.Logger.Warnw("tick_recoverable", "game_id", st.ID, "second", st.Second(), "err", res.Err)
		if !e.reg.takeState(st) {
			return
		}
		defer e.reg.release(st.MemberID)
		if err := e.finishPause(st); err != nil {
			e.Logger.Errorw("tick_pause_failed", "game_id", st.ID, "err", err)
		}
	}
}

// safeStep turns a panic inside a tick into a recoverable result so the
// scheduler goroutine survives.
func (e *Engine) safeStep(st *SessionState) (res TickResult) {
	defer func() {
		if r := recover(); r != nil {
			res = TickResult{Kind: TickRecoverable, Err: fmt.Errorf("tick panic: %v", r)}
		}
	}()
	return e.step(st)
}

// step handles second st.second and advances it. It holds the session lock
// for the whole tick so pause checkpoints never split a tick.
func (e *Engine) step(st *SessionState) TickResult {
	st.mu.Lock()
	defer st.mu.Unlock()

	// canceled, or replaced by a newer state for the same id
	if st.stopped || !e.reg.owns(st) {
		return TickResult{Kind: TickContinue}
	}

	s := st.second
	act := NextAction(s, st.liveSent)

	if act.Notice != "" {
		if err := e.send(st, Message{Type: MsgNotice, Message: act.Notice}); err != nil {
			return TickResult{Kind: TickRecoverable, Err: err}
		}
	}

	switch act.Payload {
	case PayloadReference:
		points, err := tape.ReferencePayload(e.tape.ReferenceSeries())
		if err != nil {
			return e.dataMissing(st, err)
		}
		if err := e.send(st, Message{Type: MsgReference, Data: points}); err != nil {
			return TickResult{Kind: TickRecoverable, Err: err}
		}

	case PayloadLive:
		points, err := tape.LivePayload(e.tape.LiveSeries(), act.LivePhase)
		if err != nil {
			return e.dataMissing(st, err)
		}
		phase := act.LivePhase
		if err := e.send(st, Message{Type: MsgLive, LivePhase: &phase, Data: points}); err != nil {
			return TickResult{Kind: TickRecoverable, Err: err}
		}

	case PayloadEnd:
		if err := e.send(st, Message{Type: MsgEnd, Message: "game over"}); err != nil {
			e.Logger.Debugw("end_signal_failed", "game_id", st.ID, "err", err)
		}
		return TickResult{Kind: TickTerminate, Reason: EndNatural}
	}

	st.second = act.NextSecond
	st.liveSent = act.NextLiveSent
	return TickResult{Kind: TickContinue}
}

func (e *Engine) dataMissing(st *SessionState, err error) TickResult {
	e.Logger.Errorw("tick_data_missing", "game_id", st.ID, "second", st.second, "err", err)
	if sendErr := e.send(st, Message{Type: MsgEnd, Message: "market data unavailable"}); sendErr != nil {
		e.Logger.Debugw("end_signal_failed", "game_id", st.ID, "err", sendErr)
	}
	return TickResult{Kind: TickTerminate, Reason: EndDataMissing, Err: err}
}

// send stamps and writes msg. Caller holds st.mu.
func (e *Engine) send(st *SessionState, msg Message) error {
	if st.transport == nil || !st.transport.IsOpen() {
		return fmt.Errorf("game %d: %w: transport closed", st.ID, ErrTransport)
	}
	msg.SessionID = st.ID
	msg.Second = st.second
	msg.Phase = PhaseAt(st.second).String()
	if err := st.transport.Send(msg); err != nil {
		return fmt.Errorf("game %d: %w: %v", st.ID, ErrTransport, err)
	}
	return nil
}
