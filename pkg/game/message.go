package game

import "github.com/uhyunpark/advinvest/pkg/tape"

// Message types pushed to the player.
const (
	MsgStarted   = "started"
	MsgResumed   = "resumed"
	MsgReference = "reference"
	MsgLive      = "live"
	MsgNotice    = "notice"
	MsgPaused    = "paused"
	MsgEnd       = "end"
)

// Message is the envelope of everything the engine sends.
type Message struct {
	Type      string       `json:"type"`
	SessionID int64        `json:"sessionId"`
	Second    int          `json:"second"`
	Phase     string       `json:"phase,omitempty"`
	LivePhase *int         `json:"livePhase,omitempty"`
	Message   string       `json:"message,omitempty"`
	Data      []tape.Point `json:"data,omitempty"`
}
