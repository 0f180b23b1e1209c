package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/procflow/procflow/internal/engine"
	"github.com/procflow/procflow/internal/store"
)

// ProcessRunner is the slice of the engine the scheduler needs: starting
// scheduled executions and expiring overdue waits.
type ProcessRunner interface {
	Start(ctx context.Context, definitionID string, version int, opts engine.StartOptions) (*engine.ProcessResult, error)
	ExpireRequest(ctx context.Context, requestID string) (*engine.ProcessResult, error)
}

// schedulerActor is the initiator recorded on cron-fired executions.
const schedulerActor = "scheduler"

// DefaultInterval is the poll interval for both cron schedules and deadlines.
const DefaultInterval = 60 * time.Second

// Scheduler polls the store for due cron schedules and overdue request
// deadlines. Deadlines are absolute and persisted, so a restarted scheduler
// picks up waits armed before the restart.
type Scheduler struct {
	store    store.Store
	runner   ProcessRunner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler. Interval <= 0 uses DefaultInterval.
func NewScheduler(s store.Store, runner ProcessRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately so missed schedules and already
	// overdue deadlines are handled on startup.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll round: due cron schedules, then overdue deadlines.
// Exported so callers without a background loop can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	s.runDueSchedules(ctx)
	s.SweepDeadlines(ctx)
}

// runDueSchedules starts an execution for every enabled schedule whose
// next_run_at has passed. A schedule with no next_run_at runs immediately.
func (s *Scheduler) runDueSchedules(ctx context.Context) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(sched.ID) {
			continue // already running (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule starts one execution and advances the schedule's timestamps.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("definition_id", sched.DefinitionID),
	)

	var input map[string]any
	if len(sched.Input) > 0 {
		if err := json.Unmarshal(sched.Input, &input); err != nil {
			return s.updateScheduleStatus(ctx, sched, now, "error")
		}
	}

	_, err := s.runner.Start(ctx, sched.DefinitionID, sched.Version, engine.StartOptions{
		TriggerInput: input,
		InitiatorID:  schedulerActor,
	})
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled execution failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateScheduleStatus(ctx, sched, now, status)
}

func (s *Scheduler) updateScheduleStatus(ctx context.Context, sched *store.Schedule, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(sched.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, err)
	}

	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// SweepDeadlines expires every pending request whose deadline has passed.
// The engine decides what expiry means per request (escalate, reject, fail,
// or a delay simply elapsing).
func (s *Scheduler) SweepDeadlines(ctx context.Context) {
	now := time.Now().UTC()
	overdue, err := s.store.ListRequests(ctx, store.RequestFilter{
		Status:    store.RequestPending,
		DueBefore: &now,
	})
	if err != nil {
		s.logger.Error("failed to list overdue requests", slog.String("error", err.Error()))
		return
	}

	for _, req := range overdue {
		res, err := s.runner.ExpireRequest(ctx, req.ID)
		if err != nil {
			s.logger.Error("failed to expire request",
				slog.String("request_id", req.ID),
				slog.String("execution_id", req.ExecutionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if res != nil {
			s.logger.Info("request expired",
				slog.String("request_id", req.ID),
				slog.String("execution_id", req.ExecutionID),
				slog.String("status", string(res.Status)),
			)
		}
	}
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
