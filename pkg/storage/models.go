package storage

import (
	"github.com/shopspring/decimal"
)

// GameRecord is the durable mirror of one game session.
type GameRecord struct {
	ID        int64 `json:"id"`
	MemberID  int64 `json:"memberId"`
	StartTime int64 `json:"startTime"` // Unix milliseconds
	Paused    bool  `json:"paused"`
	// CurrentSecond is the checkpoint written on pause; meaningful only while Paused.
	CurrentSecond int   `json:"currentSecond"`
	PlayedToday   bool  `json:"playedToday"`
	UpdatedAt     int64 `json:"updatedAt"`
}

// Member is a player together with their point wallet.
type Member struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Points int64  `json:"points"`
}

type Direction string

const (
	Debit  Direction = "USED"
	Credit Direction = "EARNED"
)

// WalletEntry records one stock-driven change of a member's points.
type WalletEntry struct {
	ID        string    `json:"id"`
	MemberID  int64     `json:"memberId"`
	Points    int64     `json:"points"`
	Direction Direction `json:"direction"`
	Symbol    string    `json:"symbol"`
	Balance   int64     `json:"balance"` // points after the change
	Timestamp int64     `json:"timestamp"`
}

type TradeType string

const (
	Buy  TradeType = "BUY"
	Sell TradeType = "SELL"
)

// TradeRecord is an append-only ledger line.
type TradeRecord struct {
	ID           string          `json:"id"`
	MemberID     int64           `json:"memberId"`
	SessionID    int64           `json:"sessionId"`
	Symbol       string          `json:"symbol"`
	TradeType    TradeType       `json:"tradeType"`
	Quantity     int64           `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`
	Points       int64           `json:"points"` // total points moved
	Timestamp    int64           `json:"timestamp"`
}

// NetHoldings sums BUY minus SELL quantities per symbol.
func NetHoldings(records []*TradeRecord) map[string]int64 {
	out := make(map[string]int64)
	for _, r := range records {
		switch r.TradeType {
		case Buy:
			out[r.Symbol] += r.Quantity
		case Sell:
			out[r.Symbol] -= r.Quantity
		}
	}
	return out
}
