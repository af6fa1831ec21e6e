// Package trade executes buy and sell orders of a game against the member's
// point wallet, priced from the price tape.
package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/advinvest/pkg/game"
	"github.com/uhyunpark/advinvest/pkg/observability"
	"github.com/uhyunpark/advinvest/pkg/storage"
	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/util"
)

// Ledger is the persistence the order path needs.
type Ledger interface {
	GetGame(id int64) (*storage.GameRecord, error)
	GetMember(id int64) (*storage.Member, error)
	CreateMember(m *storage.Member) error
	Update(fn func(tx *storage.Tx) error) error
	TradesFor(memberID int64, symbol string) ([]*storage.TradeRecord, error)
	TradesForMember(memberID int64) ([]*storage.TradeRecord, error)
	WalletHistory(memberID int64) ([]*storage.WalletEntry, error)
}

// Order is one buy or sell request inside a game.
type Order struct {
	SessionID int64  `json:"sessionId"`
	MemberID  int64  `json:"memberId"`
	Symbol    string `json:"symbol"`
	Quantity  int64  `json:"quantity"`
}

// Result is what an executed order changed.
type Result struct {
	Trade   *storage.TradeRecord `json:"trade"`
	Balance int64                `json:"balance"`
	Held    int64                `json:"held"` // net quantity after the trade
}

// Holding is the net position of one symbol.
type Holding struct {
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// maxPoints bounds the points one order may move.
var maxPoints = decimal.NewFromInt(math.MaxInt64)

type Service struct {
	ledger Ledger
	tape   tape.Reader

	Logger  *zap.SugaredLogger
	Metrics *observability.Metrics // optional
}

func NewService(ledger Ledger, reader tape.Reader, logger *zap.SugaredLogger) *Service {
	return &Service{ledger: ledger, tape: reader, Logger: util.OrNop(logger)}
}

// Buy debits price × quantity points and appends a BUY record.
func (s *Service) Buy(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, o, storage.Buy)
}

// Sell credits price × quantity points and appends a SELL record.
// Selling more than the member holds fails with ErrInsufficientHoldings.
func (s *Service) Sell(ctx context.Context, o Order) (*Result, error) {
	return s.execute(ctx, o, storage.Sell)
}

func (s *Service) execute(ctx context.Context, o Order, side storage.TradeType) (*Result, error) {
	res, err := s.apply(ctx, o, side)
	if err != nil {
		code, _ := game.CodeOf(err)
		s.Metrics.TradeRejected(string(side), code)
		return nil, err
	}
	s.Metrics.Trade(string(side))
	return res, nil
}

func (s *Service) apply(ctx context.Context, o Order, side storage.TradeType) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := s.ledger.GetGame(o.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", game.ErrSessionNotFound, o.SessionID)
	}
	if err != nil {
		return nil, err
	}
	if g.MemberID != o.MemberID {
		return nil, fmt.Errorf("%w: game %d belongs to another member", game.ErrSessionNotFound, o.SessionID)
	}
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("%w: %d", game.ErrInvalidQuantity, o.Quantity)
	}
	price, err := s.Price(o.Symbol)
	if err != nil {
		return nil, err
	}
	total := price.Mul(decimal.NewFromInt(o.Quantity))
	if total.GreaterThan(maxPoints) {
		return nil, fmt.Errorf("%w: %d %s costs %s points", game.ErrInvalidQuantity, o.Quantity, o.Symbol, total.String())
	}
	points := total.IntPart()

	res := &Result{}
	err = s.ledger.Update(func(tx *storage.Tx) error {
		held, err := tx.NetHoldings(o.MemberID, o.Symbol)
		if err != nil {
			return err
		}

		var entry *storage.WalletEntry
		switch side {
		case storage.Buy:
			entry, err = tx.ApplyStockTransaction(o.MemberID, points, storage.Debit, o.Symbol)
			held += o.Quantity
		case storage.Sell:
			if held < o.Quantity {
				return fmt.Errorf("%w: hold %d %s, selling %d", game.ErrInsufficientHoldings, held, o.Symbol, o.Quantity)
			}
			entry, err = tx.ApplyStockTransaction(o.MemberID, points, storage.Credit, o.Symbol)
			held -= o.Quantity
		}
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", game.ErrMemberNotFound, o.MemberID)
		}
		if err != nil {
			return err
		}

		rec := &storage.TradeRecord{
			MemberID:     o.MemberID,
			SessionID:    o.SessionID,
			Symbol:       o.Symbol,
			TradeType:    side,
			Quantity:     o.Quantity,
			PricePerUnit: price,
			Points:       points,
		}
		if err := tx.AppendTrade(rec); err != nil {
			return err
		}
		res.Trade = rec
		res.Balance = entry.Balance
		res.Held = held
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Infow("trade_executed",
		"game_id", o.SessionID,
		"member_id", o.MemberID,
		"symbol", o.Symbol,
		"side", side,
		"quantity", o.Quantity,
		"price", price.String(),
		"points", points,
	)
	return res, nil
}

// Price is the latest close of symbol: the live series when one exists,
// otherwise the reference series.
func (s *Service) Price(symbol string) (decimal.Decimal, error) {
	series, ok := s.tape.FindBySymbol(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", game.ErrDataNotFound, symbol)
	}
	last, ok := series.LatestClose()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s has no close prices", game.ErrDataNotFound, symbol)
	}
	return decimal.NewFromFloat(last), nil
}

// Holdings is the member's net quantity of symbol.
func (s *Service) Holdings(memberID int64, symbol string) (int64, error) {
	records, err := s.ledger.TradesFor(memberID, symbol)
	if err != nil {
		return 0, err
	}
	return storage.NetHoldings(records)[symbol], nil
}

// AllHoldings lists every symbol with a positive net quantity, by symbol.
func (s *Service) AllHoldings(memberID int64) ([]Holding, error) {
	records, err := s.ledger.TradesForMember(memberID)
	if err != nil {
		return nil, err
	}
	var out []Holding
	for symbol, qty := range storage.NetHoldings(records) {
		if qty > 0 {
			out = append(out, Holding{Symbol: symbol, Quantity: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// History returns the member's trades, optionally limited to one symbol.
func (s *Service) History(memberID int64, symbol string) ([]*storage.TradeRecord, error) {
	if symbol == "" {
		return s.ledger.TradesForMember(memberID)
	}
	return s.ledger.TradesFor(memberID, symbol)
}

// Wallet returns the member's balance and wallet history.
func (s *Service) Wallet(memberID int64) (*storage.Member, []*storage.WalletEntry, error) {
	m, err := s.ledger.GetMember(memberID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: %d", game.ErrMemberNotFound, memberID)
	}
	if err != nil {
		return nil, nil, err
	}
	history, err := s.ledger.WalletHistory(memberID)
	if err != nil {
		return nil, nil, err
	}
	return m, history, nil
}

// OpenWallet registers a member with an opening balance.
func (s *Service) OpenWallet(memberID int64, name string, points int64) (*storage.Member, error) {
	if memberID <= 0 {
		return nil, fmt.Errorf("member id must be positive: %d", memberID)
	}
	if points < 0 {
		return nil, fmt.Errorf("opening balance cannot be negative: %d", points)
	}
	m := &storage.Member{ID: memberID, Name: name, Points: points}
	if err := s.ledger.CreateMember(m); err != nil {
		return nil, err
	}
	s.Logger.Infow("wallet_opened", "member_id", memberID, "points", points)
	return m, nil
}
