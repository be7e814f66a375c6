// Package sched scans stored tasks on a fixed tick and hands due ones to the
// notifier. A due task is advanced exactly once per tick, whether or not
// delivery succeeded, so a broken transport can never cause a burst later.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifybot/internal/store"
	logx "notifybot/pkg/logx"
)

// TaskSource is the slice of the storage layer the scheduler needs.
type TaskSource interface {
	DueBefore(ctx context.Context, t time.Time) ([]store.Task, error)
	AdvanceDue(ctx context.Context, id string, next time.Time) error
}

// GroupSource yields the chats every firing is broadcast to.
type GroupSource interface {
	ListGroups(ctx context.Context) ([]int64, error)
}

// Notifier delivers one task message to one chat.
type Notifier interface {
	Deliver(ctx context.Context, chatID int64, task store.Task) error
}

type Config struct {
	Enabled         bool
	Tick            time.Duration
	DispatchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	return c
}

type Scheduler struct {
	tasks    TaskSource
	groups   GroupSource
	notifier Notifier
	log      logx.Logger

	now func() time.Time

	mu      sync.Mutex
	cfg     Config
	cr      *cron.Cron
	entryID cron.EntryID
	running bool
}

func New(cfg Config, tasks TaskSource, groups GroupSource, notifier Notifier, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		tasks:    tasks,
		groups:   groups,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the tick loop. Overlapping ticks are skipped rather than
// queued, so a slow dispatch run never stacks up.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return nil
	}

	cr := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	id, err := cr.AddFunc(tickSpec(s.cfg.Tick), func() { s.runTick(ctx) })
	if err != nil {
		return fmt.Errorf("sched: schedule tick: %w", err)
	}
	s.cr = cr
	s.entryID = id
	s.running = true
	cr.Start()
	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick))
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to drain, bounded
// by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cr := s.cr
	s.cr = nil
	s.running = false
	s.mu.Unlock()
	if cr == nil {
		return nil
	}
	done := cr.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply picks up a changed tick interval from a config reload. Enable state
// changes require a restart of the scheduler, not the process.
func (s *Scheduler) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	cr := s.cr
	s.mu.Unlock()

	if cr == nil || cfg.Tick == old.Tick {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cr == nil {
		return nil
	}
	s.cr.Remove(s.entryID)
	id, err := s.cr.AddFunc(tickSpec(cfg.Tick), func() { s.runTick(ctx) })
	if err != nil {
		return fmt.Errorf("sched: reschedule tick: %w", err)
	}
	s.entryID = id
	s.log.Info("tick interval changed",
		logx.Duration("old", old.Tick), logx.Duration("new", cfg.Tick))
	return nil
}

// runTick performs one due-scan. Per-task failures are isolated: a task whose
// dispatch fails is still advanced and does not block the remaining tasks.
func (s *Scheduler) runTick(ctx context.Context) {
	now := s.now()
	due, err := s.tasks.DueBefore(ctx, now)
	if err != nil {
		s.log.Error("due scan failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}

	groups, err := s.groups.ListGroups(ctx)
	if err != nil {
		// Without the group list nothing can be delivered; skipping the
		// advance keeps these tasks due for the next tick.
		s.log.Error("group list failed, tick skipped", logx.Err(err))
		return
	}

	s.log.Debug("dispatching due tasks",
		logx.Int("due", len(due)), logx.Int("groups", len(groups)))

	for _, task := range due {
		s.dispatch(ctx, task, groups)

		next := task.NextFire.Add(task.Interval)
		if !next.After(now) {
			// Catch up after downtime instead of replaying every missed slot.
			next = now.Add(task.Interval)
		}
		if err := s.tasks.AdvanceDue(ctx, task.ID, next); err != nil {
			s.log.Error("advance failed", logx.String("task_id", task.ID), logx.Err(err))
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task store.Task, groups []int64) {
	s.mu.Lock()
	timeout := s.cfg.DispatchTimeout
	s.mu.Unlock()

	for _, chatID := range groups {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		err := s.notifier.Deliver(dctx, chatID, task)
		cancel()
		if err != nil {
			s.log.Warn("delivery failed",
				logx.String("task_id", task.ID),
				logx.Int64("chat_id", chatID),
				logx.Err(err))
		}
	}
}

func tickSpec(d time.Duration) string {
	return "@every " + d.String()
}
