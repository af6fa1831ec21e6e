package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Tx stages writes in an indexed batch so reads inside the unit of work see
// its own writes. Nothing is visible to other readers until Update commits.
type Tx struct {
	batch *pebble.Batch
	now   int64
}

// Update runs fn as one unit of work. The batch is committed only when fn
// returns nil; any error discards every staged write.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewIndexedBatch()
	defer b.Close()

	tx := &Tx{batch: b, now: s.clock.Now().UnixMilli()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit unit of work: %w", err)
	}
	return nil
}

// Now is the unit-of-work timestamp in Unix milliseconds.
func (tx *Tx) Now() int64 { return tx.now }

// Member reads a member through the batch.
func (tx *Tx) Member(id int64) (*Member, error) {
	data, closer, err := tx.batch.Get(memberKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var m Member
	if err := decode(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ApplyStockTransaction debits or credits points for a stock trade and
// records a wallet entry. Debits beyond the balance fail with
// ErrInsufficientBalance.
func (tx *Tx) ApplyStockTransaction(memberID, points int64, dir Direction, symbol string) (*WalletEntry, error) {
	if points < 0 {
		return nil, fmt.Errorf("points cannot be negative: %d", points)
	}
	m, err := tx.Member(memberID)
	if err != nil {
		return nil, fmt.Errorf("member %d: %w", memberID, err)
	}

	switch dir {
	case Debit:
		if m.Points < points {
			return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, m.Points, points)
		}
		m.Points -= points
	case Credit:
		m.Points += points
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}

	data, err := encode(m)
	if err != nil {
		return nil, err
	}
	if err := tx.batch.Set(memberKey(m.ID), data, nil); err != nil {
		return nil, err
	}

	entry := &WalletEntry{
		ID:        uuid.NewString(),
		MemberID:  memberID,
		Points:    points,
		Direction: dir,
		Symbol:    symbol,
		Balance:   m.Points,
		Timestamp: tx.now,
	}
	data, err = encode(entry)
	if err != nil {
		return nil, err
	}
	if err := tx.batch.Set(walletEntryKey(memberID, entry.Timestamp, entry.ID), data, nil); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendTrade adds a ledger line. ID and Timestamp are filled when empty.
func (tx *Tx) AppendTrade(rec *TradeRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = tx.now
	}
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return tx.batch.Set(tradeKey(rec.MemberID, rec.Symbol, rec.Timestamp, rec.ID), data, nil)
}

// NetHoldings is the member's bought minus sold quantity of symbol, including
// trades staged in this batch.
func (tx *Tx) NetHoldings(memberID int64, symbol string) (int64, error) {
	records, err := loadTrades(tx.batch, tradeSymbolPrefix(memberID, symbol))
	if err != nil {
		return 0, err
	}
	return NetHoldings(records)[symbol], nil
}
