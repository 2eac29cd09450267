// Package cron runs named background jobs on cron schedules: the fallback
// page rescan and the history retention sweep.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors such as
// "@every 5s" or "@daily".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one scheduled unit of work. Schedule, when set, overrides Spec.
type Job struct {
	Name     string
	Spec     string
	Schedule cronlib.Schedule
	Run      func(ctx context.Context)
}

type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler fires each job at its next scheduled time. A job never overlaps
// with itself; a run still in progress when the next tick arrives skips it.
type Scheduler struct {
	logger *slog.Logger
	jobs   []*scheduled

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduled struct {
	job     Job
	sched   cronlib.Schedule
	mu      sync.Mutex
	running bool
	next    time.Time
}

// NewScheduler validates every job spec up front.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger.With("component", "cron")}
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			return nil, fmt.Errorf("cron job %q: run func required", job.Name)
		}
		sched := job.Schedule
		if sched == nil {
			parsed, err := parser.Parse(job.Spec)
			if err != nil {
				return nil, fmt.Errorf("cron job %q: parse %q: %w", job.Name, job.Spec, err)
			}
			sched = parsed
		}
		s.jobs = append(s.jobs, &scheduled{job: job, sched: sched})
	}
	return s, nil
}

// Start runs the scheduler loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return
	}

	now := time.Now()
	for _, j := range s.jobs {
		j.next = j.sched.Next(now)
	}

	timer := time.NewTimer(time.Until(s.earliest()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			now := time.Now()
			for _, j := range s.jobs {
				if j.next.After(now) {
					continue
				}
				s.fire(ctx, j)
				j.next = j.sched.Next(now)
			}
			timer.Reset(time.Until(s.earliest()))
		}
	}
}

func (s *Scheduler) earliest() time.Time {
	first := s.jobs[0].next
	for _, j := range s.jobs[1:] {
		if j.next.Before(first) {
			first = j.next
		}
	}
	return first
}

func (s *Scheduler) fire(ctx context.Context, j *scheduled) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		s.logger.Debug("cron: job still running, skipping", "job", j.job.Name)
		return
	}
	j.running = true
	j.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			j.mu.Lock()
			j.running = false
			j.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("cron: job panicked", "job", j.job.Name, "panic", r)
			}
		}()
		j.job.Run(ctx)
	}()
}

// NextRunTime parses spec and returns the first activation after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	_, err := parser.Parse(spec)
	return err
}
