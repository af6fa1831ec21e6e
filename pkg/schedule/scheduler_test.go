package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uhyunpark/advinvest/pkg/util"
)

func TestDailyNext(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	s := DailyAt(7, 0, seoul)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before", time.Date(2024, 3, 1, 6, 59, 0, 0, seoul), time.Date(2024, 3, 1, 7, 0, 0, 0, seoul)},
		{"exactly at", time.Date(2024, 3, 1, 7, 0, 0, 0, seoul), time.Date(2024, 3, 2, 7, 0, 0, 0, seoul)},
		{"after", time.Date(2024, 3, 1, 20, 0, 0, 0, seoul), time.Date(2024, 3, 2, 7, 0, 0, 0, seoul)},
		{"utc input", time.Date(2024, 2, 29, 21, 30, 0, 0, time.UTC), time.Date(2024, 3, 1, 7, 0, 0, 0, seoul)},
		{"month end", time.Date(2024, 3, 31, 8, 0, 0, 0, seoul), time.Date(2024, 4, 1, 7, 0, 0, 0, seoul)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.next(tt.now); !got.Equal(tt.want) {
				t.Fatalf("next(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestEveryNext(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := Every(time.Minute).next(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("next = %v", got)
	}
}

func TestRunDue(t *testing.T) {
	clock := util.NewFakeClock(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC))
	s := New(clock, time.Second, nil)

	var runs atomic.Int32
	job := &Job{
		Name:     "daily-reset",
		Schedule: DailyAt(7, 0, time.UTC),
		Handler: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	s.Register(job)
	ctx := context.Background()

	if n := s.RunDue(ctx); n != 0 {
		t.Fatalf("started %d jobs before 07:00", n)
	}

	clock.Set(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	if n := s.RunDue(ctx); n != 1 {
		t.Fatalf("started %d jobs at 07:00", n)
	}
	s.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}

	if n := s.RunDue(ctx); n != 0 {
		t.Fatal("job ran twice on the same day")
	}
	st := s.Jobs()[0]
	if st.Runs != 1 || !st.NextRun.Equal(time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("status = %+v", st)
	}
}

func TestJobNeverOverlaps(t *testing.T) {
	clock := util.NewFakeClock(time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC))
	s := New(clock, time.Second, nil)

	release := make(chan struct{})
	job := &Job{
		Name:     "slow",
		Schedule: Every(time.Millisecond),
		Handler: func(ctx context.Context) error {
			<-release
			return errors.New("failed")
		},
	}
	s.Register(job)
	clock.Advance(time.Second)

	ctx := context.Background()
	if n := s.RunDue(ctx); n != 1 {
		t.Fatalf("started %d", n)
	}
	if n := s.RunDue(ctx); n != 0 {
		t.Fatal("started a second run while the first is running")
	}
	close(release)
	s.Wait()

	if st := s.Jobs()[0]; st.LastErr != "failed" {
		t.Fatalf("last err = %q", st.LastErr)
	}
}
