package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/emergent-company/pace"
)

// TaskFunc is the body of a scheduled task. The scheduler logs a returned
// error and keeps the task on its schedule.
type TaskFunc func(ctx context.Context) error

// TaskInfo describes one registered task. LastRun is zero until the task
// has run at least once.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitempty"`
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// cronParser supports standard 5-field cron with an optional seconds field
// and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
// Exported so hosts can validate expressions before registering tasks.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// task is one registered schedule. Either schedule or every is set, never
// both.
type task struct {
	name     string
	spec     string
	schedule cronlib.Schedule
	every    time.Duration
	fn       TaskFunc

	nextRun time.Time
	lastRun time.Time
}

// next computes the run after now.
func (t *task) next(now time.Time) time.Time {
	if t.every > 0 {
		return now.Add(t.every)
	}
	return t.schedule.Next(now)
}

// Scheduler runs registered maintenance tasks on a tick loop. Tasks run
// sequentially on the loop goroutine, so a task never overlaps itself or
// another task. It is safe for concurrent use.
type Scheduler struct {
	logger       *slog.Logger
	tickInterval time.Duration

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		logger:       logger,
		tickInterval: 1 * time.Second,
		tasks:        make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddCronTask registers a task on a cron schedule. The expression accepts
// the standard 5-field form, an optional leading seconds field, and
// descriptors like "@hourly" or "@every 30s".
func (s *Scheduler) AddCronTask(name, expr string, fn TaskFunc) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pace/sched: parse schedule %q: %w", expr, err)
	}
	return s.add(&task{
		name:     name,
		spec:     expr,
		schedule: schedule,
		fn:       fn,
	})
}

// AddIntervalTask registers a task that runs every fixed interval,
// starting one interval from now.
func (s *Scheduler) AddIntervalTask(name string, every time.Duration, fn TaskFunc) error {
	if every <= 0 {
		return fmt.Errorf("pace/sched: task %q: interval must be positive, got %s", name, every)
	}
	return s.add(&task{
		name:  name,
		spec:  fmt.Sprintf("@every %s", every),
		every: every,
		fn:    fn,
	})
}

func (s *Scheduler) add(t *task) error {
	if t.name == "" {
		return fmt.Errorf("pace/sched: task name required")
	}
	if t.fn == nil {
		return fmt.Errorf("pace/sched: task %q: nil func", t.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.name]; ok {
		return fmt.Errorf("pace/sched: add task %q: %w", t.name, pace.ErrDuplicateTask)
	}
	t.nextRun = t.next(time.Now().UTC())
	s.tasks[t.name] = t
	return nil
}

// RemoveTask unregisters a task. Removing an unknown name is a no-op.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

// Tasks returns a snapshot of all registered tasks, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, TaskInfo{
			Name:     t.name,
			Schedule: t.spec,
			NextRun:  t.nextRun,
			LastRun:  t.lastRun,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start launches the tick loop. It returns immediately and is a no-op if
// the scheduler is already running.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Int("tasks", len(s.tasks)),
	)

	go s.run(s.stopCh, s.done)

	return nil
}

// Stop halts the tick loop and waits for an in-flight task, bounded by the
// context.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()

	close(stopCh)

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(stopCh, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick runs every due task once, in name order.
func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.nextRun.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].name < due[j].name })
	s.mu.Unlock()

	for _, t := range due {
		s.runTask(t, now)
	}
}

// runTask executes one task and advances its schedule. A removed task is
// not rescheduled.
func (s *Scheduler) runTask(t *task, now time.Time) {
	if err := s.safeRun(t); err != nil {
		s.logger.Error("scheduled task failed",
			slog.String("task", t.name),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	if cur, ok := s.tasks[t.name]; ok && cur == t {
		t.lastRun = now
		t.nextRun = t.next(time.Now().UTC())
	}
	s.mu.Unlock()
}

// safeRun converts a task panic into an error so one bad task cannot take
// down the loop.
func (s *Scheduler) safeRun(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in task %s: %v", t.name, r)
		}
	}()
	return t.fn(context.Background())
}
