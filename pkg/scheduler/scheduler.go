package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/log"
)

// DailyCheckInterval is how often daily jobs check whether they are due.
const DailyCheckInterval = 5 * time.Minute

// Job is a unit of scheduled work. A returned error is logged.
type Job func(ctx context.Context) error

type repeatJob struct {
	name     string
	interval time.Duration
	job      Job
}

type dailyJob struct {
	id   string
	hour int
	job  Job

	mu      sync.Mutex
	lastRun string
}

// Scheduler runs interval and once-per-day jobs. Every job runs in its own
// goroutine and never overlaps itself.
type Scheduler struct {
	cal           clock.Calendar
	checkInterval time.Duration

	mu      sync.Mutex
	started bool
	repeats []*repeatJob
	daily   []*dailyJob
}

// New returns a Scheduler whose daily jobs follow cal. Pass a calendar in
// time.UTC for UTC scheduling.
func New(cal clock.Calendar) *Scheduler {
	return &Scheduler{
		cal:           cal,
		checkInterval: DailyCheckInterval,
	}
}

// Repeat runs job every interval. Ticks that happen while the job is still
// running are dropped.
func (s *Scheduler) Repeat(name string, interval time.Duration, job Job) {
	if interval <= 0 {
		panic(fmt.Errorf("scheduler: invalid interval %s for %s", interval, name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic(fmt.Errorf("scheduler: cannot add %s after Run", name))
	}
	s.repeats = append(s.repeats, &repeatJob{name: name, interval: interval, job: job})
}

// OnceDailyAt runs job once per calendar day during hour. A job that fails is
// retried on the next check within the same hour.
func (s *Scheduler) OnceDailyAt(id string, hour int, job Job) {
	if hour < 0 || hour > 23 {
		panic(fmt.Errorf("scheduler: invalid hour %d for %s", hour, id))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic(fmt.Errorf("scheduler: cannot add %s after Run", id))
	}
	for _, d := range s.daily {
		if d.id == id {
			panic(fmt.Errorf("scheduler: duplicate daily job %s", id))
		}
	}
	s.daily = append(s.daily, &dailyJob{id: id, hour: hour, job: job})
}

// Run starts every registered job and blocks until ctx is done and all jobs
// have returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	repeats := s.repeats
	daily := s.daily
	s.mu.Unlock()

	log.Ctx(ctx).InfoContext(
		ctx,
		"starting scheduler",
		slog.Int("repeating", len(repeats)),
		slog.Int("daily", len(daily)),
	)

	var wg sync.WaitGroup
	for _, r := range repeats {
		wg.Add(1)
		go func(r *repeatJob) {
			defer wg.Done()
			s.runRepeat(ctx, r)
		}(r)
	}
	for _, d := range daily {
		wg.Add(1)
		go func(d *dailyJob) {
			defer wg.Done()
			s.runDaily(ctx, d)
		}(d)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) runRepeat(ctx context.Context, r *repeatJob) {
	ctx = log.WithAttrs(ctx, slog.String("job", r.name))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runJob(ctx, r.job)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, d *dailyJob) {
	ctx = log.WithAttrs(ctx, slog.String("job", d.id))
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		s.checkDaily(ctx, d)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkDaily runs d if it is due and reports whether it ran successfully.
func (s *Scheduler) checkDaily(ctx context.Context, d *dailyJob) bool {
	now := s.cal.Now()
	today := now.Format(clock.DateLayout)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRun == today || now.Hour() != d.hour {
		return false
	}
	if !runJob(ctx, d.job) {
		return false
	}
	d.lastRun = today
	return true
}

func runJob(ctx context.Context, job Job) bool {
	start := time.Now()
	if err := job(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduled job failed", slog.Any("error", err))
		return false
	}
	log.Ctx(ctx).DebugContext(ctx, "scheduled job finished", slog.Duration("took", time.Since(start)))
	return true
}
