package api

import (
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/trade"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// CreateMemberRequest is the body of POST /members
type CreateMemberRequest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OrderRequest is the body of POST /sessions/{id}/buy|sell
type OrderRequest struct {
	MemberID int64  `json:"memberId"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// RemainingResponse reports the seconds left in a running game
type RemainingResponse struct {
	SessionID        int64 `json:"sessionId"`
	RemainingSeconds int   `json:"remainingSeconds"`
}

// VolumesResponse is the player's recent volume window for one symbol
type VolumesResponse struct {
	SessionID int64   `json:"sessionId"`
	Symbol    string  `json:"symbol"`
	Volumes   []int64 `json:"volumes"`
}

// StatusResponse acknowledges a lifecycle command
type StatusResponse struct {
	SessionID int64  `json:"sessionId"`
	Status    string `json:"status"` // "paused", "ended"
}

// WalletResponse is a member's balance with its history, oldest first
type WalletResponse struct {
	MemberID int64                  `json:"memberId"`
	Points   int64                  `json:"points"`
	History  []*storage.WalletEntry `json:"history"`
}

// HoldingsResponse lists net positions
type HoldingsResponse struct {
	MemberID int64           `json:"memberId"`
	Holdings []trade.Holding `json:"holdings"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error   string `json:"error"` // stable code, e.g. "GAME_NOT_FOUND"
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Types
// ==============================

// WSCommand is sent by the client.
// Op is one of "start", "pause", "resume", "end", "buy", "sell", "remaining", "volumes".
type WSCommand struct {
	Op        string `json:"op"`
	SessionID int64  `json:"sessionId,omitempty"` // defaults to the connection's game
	Symbol    string `json:"symbol,omitempty"`
	Quantity  int64  `json:"quantity,omitempty"`
}

// WSReply answers one WSCommand. Game pushes use game.Message instead.
type WSReply struct {
	Type      string `json:"type"` // "ack", "error", "remaining", "volumes"
	Op        string `json:"op"`
	SessionID int64  `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}
