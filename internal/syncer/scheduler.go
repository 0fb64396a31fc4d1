package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"email-intel-go/internal/config"
)

// Scheduler runs the periodic IMAP polling cycle
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	syncer    *Syncer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *config.SchedulerConfig, syncer *Syncer) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		config: cfg,
		syncer: syncer,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)

	entryID, err := s.cron.AddFunc(schedule, s.pollCycle)
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// Wait waits for any in-flight polling cycle to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// RunOnce triggers a single polling cycle immediately, ignoring the
// time-of-day gate.
func (s *Scheduler) RunOnce() {
	s.wg.Add(1)
	defer s.wg.Done()
	s.syncer.PollAccounts(s.ctx)
}

// pollCycle is the scheduled entry point. Outside business hours most ticks
// are skipped to save provider quota.
func (s *Scheduler) pollCycle() {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		return
	}
	s.mu.RUnlock()

	if !ShouldRunNow(time.Now()) {
		logrus.Debug("Skipping polling cycle outside business hours")
		return
	}

	s.syncer.PollAccounts(s.ctx)
}

// ShouldRunNow reports whether a polling cycle should run at the given time.
// During business hours (Mon-Fri 07:00-18:00) every tick runs; outside them
// only ticks up to ten past an even hour run.
func ShouldRunNow(t time.Time) bool {
	weekday := t.Weekday()
	hour := t.Hour()

	businessDay := weekday >= time.Monday && weekday <= time.Friday
	if businessDay && hour >= 7 && hour < 18 {
		return true
	}
	return hour%2 == 0 && t.Minute() <= 10
}
