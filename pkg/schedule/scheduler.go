// Package schedule runs wall-clock jobs such as the daily game reset.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/advinvest/pkg/util"
)

// Schedule decides when a job runs next.
type Schedule struct {
	kind     scheduleKind
	hour     int
	minute   int
	loc      *time.Location
	interval time.Duration
}

type scheduleKind int

const (
	kindDaily scheduleKind = iota
	kindInterval
)

// DailyAt runs once a day at hour:minute in loc (nil means UTC).
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return Schedule{kind: kindDaily, hour: hour, minute: minute, loc: loc}
}

// Every runs every d.
func Every(d time.Duration) Schedule {
	return Schedule{kind: kindInterval, interval: d}
}

// next is the first run strictly after now.
func (s Schedule) next(now time.Time) time.Time {
	switch s.kind {
	case kindDaily:
		local := now.In(s.loc)
		next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
		if !next.After(local) {
			// rebuilt from the date so DST changes keep the wall clock
			next = time.Date(local.Year(), local.Month(), local.Day()+1, s.hour, s.minute, 0, 0, s.loc)
		}
		return next
	case kindInterval:
		return now.Add(s.interval)
	default:
		return now.Add(24 * time.Hour)
	}
}

type Job struct {
	Name     string
	Schedule Schedule
	Handler  func(ctx context.Context) error
	// Timeout bounds one run; zero means five minutes.
	Timeout time.Duration

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr error
	runs    int
	running bool
}

// JobStatus is a snapshot of a job.
type JobStatus struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"nextRun"`
	LastRun time.Time `json:"lastRun"`
	LastErr string    `json:"lastErr,omitempty"`
	Runs    int       `json:"runs"`
}

func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := JobStatus{Name: j.Name, NextRun: j.nextRun, LastRun: j.lastRun, Runs: j.runs}
	if j.lastErr != nil {
		st.LastErr = j.lastErr.Error()
	}
	return st
}

// Scheduler polls its jobs and runs the due ones in their own goroutines.
// A job never overlaps itself.
type Scheduler struct {
	clock util.Clock
	poll  time.Duration

	mu   sync.RWMutex
	jobs []*Job

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	Logger *zap.SugaredLogger
}

// New returns a scheduler checking jobs every poll (zero means 30s).
func New(clock util.Clock, poll time.Duration, logger *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = util.RealClock{}
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		clock:  clock,
		poll:   poll,
		stop:   make(chan struct{}),
		Logger: util.OrNop(logger),
	}
}

func (s *Scheduler) Register(job *Job) {
	job.mu.Lock()
	job.nextRun = job.Schedule.next(s.clock.Now())
	next := job.nextRun
	job.mu.Unlock()

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()

	s.Logger.Infow("job_registered", "job", job.Name, "next_run", next)
}

// Start runs the poll loop until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		s.RunDue(ctx)
		for {
			select {
			case <-ticker.C:
				s.RunDue(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	s.Logger.Infow("scheduler_started", "jobs", len(s.Jobs()))
}

// Stop ends the poll loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.Logger.Infow("scheduler_stopped")
}

func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.RUnlock()

	out := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		out[i] = j.Status()
	}
	return out
}

// RunDue starts every job whose next run has come. It returns the number
// of jobs started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.clock.Now()

	s.mu.RLock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.RUnlock()

	started := 0
	for _, job := range jobs {
		job.mu.Lock()
		due := !job.running && !now.Before(job.nextRun)
		if due {
			job.running = true
		}
		job.mu.Unlock()

		if due {
			started++
			s.wg.Add(1)
			go s.run(ctx, job)
		}
	}
	return started
}

// Wait blocks until every started run has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) run(ctx context.Context, job *Job) {
	defer s.wg.Done()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.Logger.Infow("job_started", "job", job.Name)
	start := s.clock.Now()
	err := job.Handler(ctx)
	elapsed := s.clock.Now().Sub(start)

	job.mu.Lock()
	job.lastRun = start
	job.lastErr = err
	job.runs++
	job.running = false
	job.nextRun = job.Schedule.next(s.clock.Now())
	next := job.nextRun
	job.mu.Unlock()

	if err != nil {
		s.Logger.Errorw("job_failed", "job", job.Name, "elapsed", elapsed, "err", err)
		return
	}
	s.Logger.Infow("job_finished", "job", job.Name, "elapsed", elapsed, "next_run", next)
}
