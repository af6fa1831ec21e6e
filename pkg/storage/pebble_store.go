package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/advinvest/pkg/tape"
	"github.com/uhyunpark/advinvest/pkg/util"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrExists              = errors.New("record already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Store provides Pebble-based persistence for game records, members,
// wallets, the trade ledger and the price tape.
// Writes are serialized by mu; reads go straight to Pebble.
type Store struct {
	db    *pebble.DB
	mu    sync.Mutex
	clock util.Clock
}

// Open opens a Pebble database at the given path
func Open(path string, clock util.Clock) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Store{db: db, clock: clock}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// Game records
// ============================================================================

// CreateGame assigns the next id to a new record for memberID and persists it.
func (s *Store) CreateGame(memberID int64) (*GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.getSeq(gameSeqKey())
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UnixMilli()
	g := &GameRecord{
		ID:        last + 1,
		MemberID:  memberID,
		StartTime: now,
		UpdatedAt: now,
	}
	data, err := encode(g)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(gameSeqKey(), seqValue(g.ID), nil); err != nil {
		return nil, err
	}
	if err := b.Set(gameKey(g.ID), data, nil); err != nil {
		return nil, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to create game: %w", err)
	}
	return g, nil
}

// GetGame returns ErrNotFound when no record exists.
func (s *Store) GetGame(id int64) (*GameRecord, error) {
	var g GameRecord
	if err := s.get(gameKey(id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// SaveGame overwrites an existing record.
func (s *Store) SaveGame(g *GameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveGameLocked(g)
}

// UpdateGame applies fn to the stored record and saves it atomically with
// respect to other writers. An error from fn aborts the update.
func (s *Store) UpdateGame(id int64, fn func(g *GameRecord) error) (*GameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var g GameRecord
	if err := s.get(gameKey(id), &g); err != nil {
		return nil, err
	}
	if err := fn(&g); err != nil {
		return nil, err
	}
	if err := s.saveGameLocked(&g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *Store) saveGameLocked(g *GameRecord) error {
	g.UpdatedAt = s.clock.Now().UnixMilli()
	data, err := encode(g)
	if err != nil {
		return err
	}
	if err := s.db.Set(gameKey(g.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save game %d: %w", g.ID, err)
	}
	return nil
}

// FindPlayedToday returns the member's record flagged playedToday, or nil.
func (s *Store) FindPlayedToday(memberID int64) (*GameRecord, error) {
	games, err := s.scanGames(func(g *GameRecord) bool { return g.MemberID == memberID && g.PlayedToday })
	if err != nil || len(games) == 0 {
		return nil, err
	}
	return games[0], nil
}

// FindPausedByMember returns the member's paused record, or nil.
func (s *Store) FindPausedByMember(memberID int64) (*GameRecord, error) {
	games, err := s.scanGames(func(g *GameRecord) bool { return g.MemberID == memberID && g.Paused })
	if err != nil || len(games) == 0 {
		return nil, err
	}
	return games[0], nil
}

// FindAllPaused returns every record with paused=true.
func (s *Store) FindAllPaused() ([]*GameRecord, error) {
	return s.scanGames(func(g *GameRecord) bool { return g.Paused })
}

// ResetPlayedTodayForAll clears playedToday on every record in one batch.
// Returns the number of records changed.
func (s *Store) ResetPlayedTodayForAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	played, err := s.scanGames(func(g *GameRecord) bool { return g.PlayedToday })
	if err != nil {
		return 0, err
	}
	if len(played) == 0 {
		return 0, nil
	}

	now := s.clock.Now().UnixMilli()
	b := s.db.NewBatch()
	defer b.Close()
	for _, g := range played {
		g.PlayedToday = false
		g.UpdatedAt = now
		data, err := encode(g)
		if err != nil {
			return 0, err
		}
		if err := b.Set(gameKey(g.ID), data, nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to reset playedToday: %w", err)
	}
	return len(played), nil
}

func (s *Store) scanGames(match func(*GameRecord) bool) ([]*GameRecord, error) {
	prefix := gamePrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*GameRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var g GameRecord
		if err := decode(iter.Value(), &g); err != nil {
			return nil, err
		}
		if match(&g) {
			out = append(out, &g)
		}
	}
	return out, iter.Error()
}

// ============================================================================
// Members and wallets
// ============================================================================

// CreateMember stores a new member with its opening balance.
func (s *Store) CreateMember(m *Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Member
	err := s.get(memberKey(m.ID), &existing)
	if err == nil {
		return fmt.Errorf("member %d: %w", m.ID, ErrExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	data, err := encode(m)
	if err != nil {
		return err
	}
	return s.db.Set(memberKey(m.ID), data, pebble.Sync)
}

// GetMember returns ErrNotFound for unknown members.
func (s *Store) GetMember(id int64) (*Member, error) {
	var m Member
	if err := s.get(memberKey(id), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) MemberExists(id int64) (bool, error) {
	_, err := s.GetMember(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// WalletHistory returns a member's wallet entries, oldest first.
func (s *Store) WalletHistory(memberID int64) ([]*WalletEntry, error) {
	var out []*WalletEntry
	err := scanPrefix(s.db, walletEntryPrefix(memberID), func(v []byte) error {
		var e WalletEntry
		if err := decode(v, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

// ============================================================================
// Trade ledger
// ============================================================================

// TradesFor returns the member's trades of symbol, oldest first.
func (s *Store) TradesFor(memberID int64, symbol string) ([]*TradeRecord, error) {
	return loadTrades(s.db, tradeSymbolPrefix(memberID, symbol))
}

// TradesForMember returns every trade of the member ordered by symbol then time.
func (s *Store) TradesForMember(memberID int64) ([]*TradeRecord, error) {
	return loadTrades(s.db, tradeMemberPrefix(memberID))
}

// ============================================================================
// Price tape
// ============================================================================

// SaveTape replaces every stored series with stocks.
func (s *Store) SaveTape(stocks []tape.AdvStock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	prefix := tapePrefix()
	if err := b.DeleteRange(prefix, keyUpperBound(prefix), nil); err != nil {
		return err
	}
	for _, st := range stocks {
		if err := st.Validate(); err != nil {
			return err
		}
		data, err := encode(st)
		if err != nil {
			return err
		}
		if err := b.Set(tapeKey(st.DataType, st.Symbol), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save tape: %w", err)
	}
	return nil
}

// LoadTape returns every stored series.
func (s *Store) LoadTape() ([]tape.AdvStock, error) {
	var out []tape.AdvStock
	err := scanPrefix(s.db, tapePrefix(), func(v []byte) error {
		var st tape.AdvStock
		if err := decode(v, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

// ============================================================================
// helpers
// ============================================================================

func (s *Store) get(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decode(data, v)
}

func (s *Store) getSeq(key []byte) (int64, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return parseSeq(data), nil
}

type iterable interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func scanPrefix(r iterable, prefix []byte, fn func(v []byte) error) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func loadTrades(r iterable, prefix []byte) ([]*TradeRecord, error) {
	var out []*TradeRecord
	err := scanPrefix(r, prefix, func(v []byte) error {
		var t TradeRecord
		if err := decode(v, &t); err != nil {
			return err
		}
		out = append(out, &t)
		return nil
	})
	return out, err
}
