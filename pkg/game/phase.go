package game

// Round timing in seconds. Live phase k is pushed at
// PreMarketSeconds + k*LivePhaseSeconds; the last one coincides with the
// market close at LiveEndSecond.
const (
	PreMarketSeconds = 60
	LivePhaseSeconds = 60
	LivePhases       = 6
	LiveEndSecond    = PreMarketSeconds + (LivePhases-1)*LivePhaseSeconds
	TotalSeconds     = 420
)

type Phase int

const (
	PhasePreMarket Phase = iota
	PhaseLive
	PhasePostMarket
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhasePreMarket:
		return "pre_market"
	case PhaseLive:
		return "live"
	case PhasePostMarket:
		return "post_market"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// PhaseAt derives the phase of second s.
func PhaseAt(s int) Phase {
	switch {
	case s < PreMarketSeconds:
		return PhasePreMarket
	case s < LiveEndSecond:
		return PhaseLive
	case s < TotalSeconds:
		return PhasePostMarket
	default:
		return PhaseEnded
	}
}

type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadReference
	PayloadLive
	PayloadEnd
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadReference:
		return "reference"
	case PayloadLive:
		return "live"
	case PayloadEnd:
		return "end"
	default:
		return "unknown"
	}
}

const (
	NoticeMarketOpen   = "pre-market trading is over, the market is open"
	NoticeMarketClosed = "the market is closed, finish your trades in post-market"
)

// Action is what one tick at a given second must do.
type Action struct {
	Payload      PayloadKind
	LivePhase    int // valid when Payload == PayloadLive
	Notice       string
	NextSecond   int
	NextLiveSent int
	Terminal     bool
}

// NextAction is the round's state machine. It is pure: the same second and
// live counter always yield the same action.
func NextAction(s, liveSent int) Action {
	a := Action{
		LivePhase:    -1,
		NextSecond:   s + 1,
		NextLiveSent: liveSent,
	}

	if s >= TotalSeconds {
		a.Payload = PayloadEnd
		a.Terminal = true
		a.NextSecond = s
		return a
	}

	switch s {
	case PreMarketSeconds:
		a.Notice = NoticeMarketOpen
	case LiveEndSecond:
		a.Notice = NoticeMarketClosed
	}

	switch {
	case s == 0:
		a.Payload = PayloadReference
		a.NextLiveSent = 0
	case s >= PreMarketSeconds && s <= LiveEndSecond && (s-PreMarketSeconds)%LivePhaseSeconds == 0:
		phase := (s - PreMarketSeconds) / LivePhaseSeconds
		// a phase below the counter was already sent
		if phase >= liveSent && phase < LivePhases {
			a.Payload = PayloadLive
			a.LivePhase = phase
			a.NextLiveSent = phase + 1
		}
	}
	return a
}

// LiveSentBefore is the number of live phases pushed before second s is
// handled. Used to rebuild the counter when a round resumes.
func LiveSentBefore(s int) int {
	if s <= PreMarketSeconds {
		return 0
	}
	n := (s-PreMarketSeconds-1)/LivePhaseSeconds + 1
	if n > LivePhases {
		n = LivePhases
	}
	return n
}
