package tape

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func series(symbol string, dt DataType, n int, base float64) AdvStock {
	s := AdvStock{Symbol: symbol, Name: symbol + " Inc.", DataType: dt}
	for i := 0; i < n; i++ {
		p := base + float64(i)
		s.OpenPrices = append(s.OpenPrices, p)
		s.HighPrices = append(s.HighPrices, p+1)
		s.LowPrices = append(s.LowPrices, p-1)
		s.ClosePrices = append(s.ClosePrices, p+0.5)
		s.Volumes = append(s.Volumes, int64(100+i))
		s.Timestamps = append(s.Timestamps, int64(1700000000+i*3600))
	}
	return s
}

func TestValidateMismatch(t *testing.T) {
	s := series("AAPL", Reference, 3, 100)
	s.Volumes = s.Volumes[:2]
	if err := s.Validate(); !errors.Is(err, ErrDataMismatch) {
		t.Fatalf("err = %v, want ErrDataMismatch", err)
	}
	if _, err := New(s); !errors.Is(err, ErrDataMismatch) {
		t.Fatalf("New err = %v, want ErrDataMismatch", err)
	}
}

func TestFindBySymbolPrefersLive(t *testing.T) {
	tp, err := New(series("AAPL", Reference, 3, 100), series("AAPL", Live, 6, 200))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, ok := tp.FindBySymbol("AAPL")
	if !ok || got.DataType != Live {
		t.Fatalf("got %v ok=%v, want live series", got.DataType, ok)
	}
	if c, _ := got.LatestClose(); c != 205.5 {
		t.Fatalf("latest close = %v, want 205.5", c)
	}

	tp2, _ := New(series("TSLA", Reference, 2, 10))
	got, ok = tp2.FindBySymbol("TSLA")
	if !ok || got.DataType != Reference {
		t.Fatalf("fallback to reference failed: %v %v", got.DataType, ok)
	}
	if _, ok := tp2.FindBySymbol("NONE"); ok {
		t.Fatal("unknown symbol found")
	}
}

func TestSeriesSortedBySymbol(t *testing.T) {
	tp, _ := New(series("TSLA", Live, 6, 1), series("AAPL", Live, 6, 1), series("MSFT", Reference, 2, 1))
	live := tp.LiveSeries()
	if len(live) != 2 || live[0].Symbol != "AAPL" || live[1].Symbol != "TSLA" {
		t.Fatalf("live order = %+v", live)
	}
	if len(tp.ReferenceSeries()) != 1 || len(tp.All()) != 3 {
		t.Fatalf("unexpected series counts")
	}
}

func TestPayloads(t *testing.T) {
	ref := []AdvStock{series("AAPL", Reference, 3, 100), series("TSLA", Reference, 2, 50)}
	pts, err := ReferencePayload(ref)
	if err != nil {
		t.Fatalf("reference: %v", err)
	}
	if len(pts) != 5 {
		t.Fatalf("reference points = %d, want 5", len(pts))
	}

	live := []AdvStock{series("AAPL", Live, 6, 200), series("TSLA", Live, 6, 60)}
	pts, err = LivePayload(live, 5)
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if len(pts) != 2 || pts[0].Close != 205.5 || pts[1].Close != 65.5 {
		t.Fatalf("live phase 5 = %+v", pts)
	}

	if _, err := LivePayload(live, 6); !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("phase beyond series: err = %v", err)
	}
	if _, err := LivePayload(nil, 0); !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("empty live: err = %v", err)
	}
	if _, err := ReferencePayload(nil); !errors.Is(err, ErrDataNotFound) {
		t.Fatalf("empty reference: err = %v", err)
	}
}

func TestRecentVolumes(t *testing.T) {
	ref := series("AAPL", Reference, 10, 1) // volumes 100..109
	live := series("AAPL", Live, 6, 1)      // volumes 100..105

	tests := []struct {
		liveSent int
		want     []int64
	}{
		{0, []int64{102, 103, 104, 105, 106, 107, 108, 109}},
		{2, []int64{104, 105, 106, 107, 108, 109, 100, 101}},
		{6, []int64{108, 109, 100, 101, 102, 103, 104, 105}},
		{9, []int64{100, 101, 102, 103, 104, 105}},
	}
	for _, tt := range tests {
		got := RecentVolumes(ref, live, tt.liveSent)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("liveSent=%d: got %v, want %v", tt.liveSent, got, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tape.json")
	body := `[{"symbol":"AAPL","name":"Apple","o":[1],"h":[2],"l":[0.5],"c":[1.5],"v":[10],"t":[1],"dataType":"LIVE"}]`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	stocks, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stocks) != 1 || stocks[0].ClosePrices[0] != 1.5 || stocks[0].DataType != Live {
		t.Fatalf("stocks = %+v", stocks)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte(`[{"symbol":"X","c":[1,2],"t":[1],"dataType":"LIVE"}]`), 0o644)
	if _, err := LoadFile(bad); !errors.Is(err, ErrDataMismatch) {
		t.Fatalf("bad tape err = %v", err)
	}
}
