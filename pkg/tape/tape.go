// Package tape holds the pre-generated price/volume series a game replays.
// The engine only reads it; generation happens elsewhere.
package tape

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

// ErrDataNotFound is returned when a series or a point of it is missing.
var ErrDataNotFound = errors.New("market data not found")

// ErrDataMismatch is returned when the arrays of one series differ in length.
var ErrDataMismatch = errors.New("stock data arrays mismatch")

type DataType string

const (
	Reference DataType = "REFERENCE"
	Live      DataType = "LIVE"
)

// AdvStock is one symbol's OHLCV series of a single data type.
type AdvStock struct {
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	OpenPrices  []float64 `json:"o"`
	HighPrices  []float64 `json:"h"`
	LowPrices   []float64 `json:"l"`
	ClosePrices []float64 `json:"c"`
	Volumes     []int64   `json:"v"`
	Timestamps  []int64   `json:"t"`
	DataType    DataType  `json:"dataType"`
}

// Len is the number of points in the series.
func (s AdvStock) Len() int { return len(s.Timestamps) }

// Validate checks that every array has the same length.
func (s AdvStock) Validate() error {
	n := len(s.Timestamps)
	for _, l := range []int{len(s.OpenPrices), len(s.HighPrices), len(s.LowPrices), len(s.ClosePrices), len(s.Volumes)} {
		if l != n {
			return fmt.Errorf("%s/%s: %w", s.Symbol, s.DataType, ErrDataMismatch)
		}
	}
	if s.DataType != Reference && s.DataType != Live {
		return fmt.Errorf("%s: unknown data type %q", s.Symbol, s.DataType)
	}
	return nil
}

// LatestClose returns the last close price of the series.
func (s AdvStock) LatestClose() (float64, bool) {
	if len(s.ClosePrices) == 0 {
		return 0, false
	}
	return s.ClosePrices[len(s.ClosePrices)-1], true
}

// Point returns the i-th OHLCV point.
func (s AdvStock) Point(i int) (Point, error) {
	if i < 0 || i >= s.Len() || i >= len(s.ClosePrices) || i >= len(s.Volumes) ||
		i >= len(s.OpenPrices) || i >= len(s.HighPrices) || i >= len(s.LowPrices) {
		return Point{}, fmt.Errorf("%s/%s point %d: %w", s.Symbol, s.DataType, i, ErrDataNotFound)
	}
	return Point{
		Symbol:    s.Symbol,
		Name:      s.Name,
		Open:      s.OpenPrices[i],
		High:      s.HighPrices[i],
		Low:       s.LowPrices[i],
		Close:     s.ClosePrices[i],
		Volume:    s.Volumes[i],
		Timestamp: s.Timestamps[i],
	}, nil
}

// Point is one row of a payload sent to the player.
type Point struct {
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Reader exposes the tape to the game engine.
type Reader interface {
	ReferenceSeries() []AdvStock
	LiveSeries() []AdvStock
	// FindBySymbol returns the most recent series for symbol: LIVE when
	// present, otherwise REFERENCE.
	FindBySymbol(symbol string) (AdvStock, bool)
	FindBySymbolAndType(symbol string, dataType DataType) (AdvStock, bool)
}

// Tape is an in-memory Reader. Safe for concurrent use.
type Tape struct {
	mu     sync.RWMutex
	series map[DataType]map[string]AdvStock
}

func New(stocks ...AdvStock) (*Tape, error) {
	t := &Tape{series: map[DataType]map[string]AdvStock{
		Reference: {},
		Live:      {},
	}}
	if err := t.Replace(stocks); err != nil {
		return nil, err
	}
	return t, nil
}

// Replace swaps the whole tape after validating every series.
func (t *Tape) Replace(stocks []AdvStock) error {
	next := map[DataType]map[string]AdvStock{
		Reference: {},
		Live:      {},
	}
	for _, s := range stocks {
		if err := s.Validate(); err != nil {
			return err
		}
		next[s.DataType][s.Symbol] = s
	}
	t.mu.Lock()
	t.series = next
	t.mu.Unlock()
	return nil
}

func (t *Tape) ReferenceSeries() []AdvStock { return t.byType(Reference) }
func (t *Tape) LiveSeries() []AdvStock      { return t.byType(Live) }

// All returns every series, reference first.
func (t *Tape) All() []AdvStock {
	return append(t.byType(Reference), t.byType(Live)...)
}

func (t *Tape) FindBySymbol(symbol string) (AdvStock, bool) {
	if s, ok := t.FindBySymbolAndType(symbol, Live); ok {
		return s, true
	}
	return t.FindBySymbolAndType(symbol, Reference)
}

func (t *Tape) FindBySymbolAndType(symbol string, dataType DataType) (AdvStock, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.series[dataType][symbol]
	return s, ok
}

// byType returns the series sorted by symbol so payloads are stable.
func (t *Tape) byType(dataType DataType) []AdvStock {
	t.mu.RLock()
	out := make([]AdvStock, 0, len(t.series[dataType]))
	for _, s := range t.series[dataType] {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LoadFile reads a JSON array of AdvStock.
func LoadFile(path string) ([]AdvStock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tape %s: %w", path, err)
	}
	var stocks []AdvStock
	if err := json.Unmarshal(data, &stocks); err != nil {
		return nil, fmt.Errorf("decode tape %s: %w", path, err)
	}
	for _, s := range stocks {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return stocks, nil
}
