// Package scheduler runs named tasks on cron schedules and on demand, with
// at most one execution of each task in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/polymer/internal/common"
	"github.com/ternarybob/polymer/internal/interfaces"
)

// TaskFunc is the body of a task. It should return promptly once ctx is done.
type TaskFunc func(ctx context.Context) error

// taskEntry is the registered task and its run state. Guarded by Manager.mu.
type taskEntry struct {
	name        string
	schedule    string
	description string
	startup     bool
	fn          TaskFunc
	cronID      cron.EntryID

	state        interfaces.TaskState
	lastRunAt    *time.Time
	lastDuration *time.Duration
	lastError    string
	runs         int
	skipped      int
}

// Manager implements the TaskManager interface
type Manager struct {
	cron   *cron.Cron
	logger arbor.ILogger

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	order   []string
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ interfaces.TaskManager = (*Manager)(nil)

// NewManager creates a scheduler with no tasks registered.
func NewManager(logger arbor.ILogger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cron:   cron.New(),
		logger: logger,
		tasks:  make(map[string]*taskEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a task. An empty schedule registers a task that only runs
// on startup or on demand. Tasks must be registered before Start.
func (m *Manager) Register(name, schedule, description string, startup bool, fn TaskFunc) error {
	var parsed cron.Schedule
	if schedule != "" {
		var err error
		if parsed, err = common.ParseSchedule(schedule); err != nil {
			return fmt.Errorf("invalid schedule for task %s: %w", name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("task %s registered after scheduler start", name)
	}
	if _, exists := m.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	entry := &taskEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		startup:     startup,
		fn:          fn,
		state:       interfaces.TaskIdle,
	}
	if parsed != nil {
		entry.cronID = m.cron.Schedule(parsed, cron.FuncJob(func() {
			if err := m.trigger(name, "schedule"); err != nil && !errors.Is(err, interfaces.ErrTaskRunning) {
				m.logger.Warn().Str("task", name).Err(err).Msg("Scheduled trigger failed")
			}
		}))
	}

	m.tasks[name] = entry
	m.order = append(m.order, name)

	m.logger.Info().
		Str("task", name).
		Str("schedule", schedule).
		Bool("startup", startup).
		Msg("Task registered")

	return nil
}

// Start triggers the startup tasks and installs the cron schedules. Tasks
// run under a context derived from ctx.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)

	var startup []string
	for _, name := range m.order {
		if m.tasks[name].startup {
			startup = append(startup, name)
		}
	}
	m.mu.Unlock()

	m.cron.Start()
	m.logger.Info().Int("tasks", len(m.order)).Msg("Scheduler started")

	for _, name := range startup {
		if err := m.trigger(name, "startup"); err != nil {
			m.logger.Warn().Str("task", name).Err(err).Msg("Startup trigger failed")
		}
	}
	return nil
}

// Stop removes the schedules, cancels in-flight runs and waits for them.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	m.cancel()
	m.wg.Wait()

	m.logger.Info().Msg("Scheduler stopped")
	return nil
}

// TriggerNow starts the task in the background. ErrTaskRunning means the
// trigger was skipped.
func (m *Manager) TriggerNow(name string) error {
	return m.trigger(name, "manual")
}

// Run executes the task on the calling goroutine and returns its error.
func (m *Manager) Run(ctx context.Context, name string) error {
	entry, err := m.begin(name, "run")
	if err != nil {
		return err
	}
	return m.execute(ctx, entry, "run")
}

func (m *Manager) trigger(name, source string) error {
	entry, err := m.begin(name, source)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	m.wg.Add(1)
	m.mu.Unlock()

	common.SafeGo(m.logger, "task:"+name, func() {
		defer m.wg.Done()
		_ = m.execute(ctx, entry, source)
	})
	return nil
}

// begin moves the task from Idle to Running, or counts a skip.
func (m *Manager) begin(name, source string) (*taskEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskNotFound, name)
	}
	if entry.state == interfaces.TaskRunning {
		entry.skipped++
		m.logger.Info().
			Str("task", name).
			Str("trigger", source).
			Msg("Task already running, trigger skipped")
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskRunning, name)
	}

	entry.state = interfaces.TaskRunning
	return entry, nil
}

// execute runs the task body. A panic is recovered and reported as the run's error.
func (m *Manager) execute(ctx context.Context, entry *taskEntry, source string) (err error) {
	logger := m.logger.WithCorrelationId(uuid.NewString())
	start := time.Now()

	logger.Info().
		Str("task", entry.name).
		Str("trigger", source).
		Msg("Task started")

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			logger.Error().
				Str("task", entry.name).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Dur("duration", time.Since(start)).
				Msg("Task panicked")
			err = fmt.Errorf("task %s panicked: %v", entry.name, r)
		}
		m.finish(logger, entry, start, err)
	}()

	return entry.fn(ctx)
}

func (m *Manager) finish(logger arbor.ILogger, entry *taskEntry, start time.Time, err error) {
	duration := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()

	entry.state = interfaces.TaskIdle
	entry.lastRunAt = &start
	entry.lastDuration = &duration
	entry.runs++

	switch {
	case err == nil:
		entry.lastError = ""
		logger.Info().Str("task", entry.name).Dur("duration", duration).Msg("Task completed")
	case errors.Is(err, context.Canceled):
		logger.Info().Str("task", entry.name).Dur("duration", duration).Msg("Task cancelled")
	default:
		entry.lastError = err.Error()
		logger.Error().Str("task", entry.name).Err(err).Dur("duration", duration).Msg("Task failed")
	}
}

// Status returns a snapshot of one task.
func (m *Manager) Status(name string) (*interfaces.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTaskNotFound, name)
	}
	return m.status(entry), nil
}

// Statuses returns every task in registration order.
func (m *Manager) Statuses() []*interfaces.TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]*interfaces.TaskStatus, 0, len(m.order))
	for _, name := range m.order {
		statuses = append(statuses, m.status(m.tasks[name]))
	}
	return statuses
}

func (m *Manager) status(entry *taskEntry) *interfaces.TaskStatus {
	status := &interfaces.TaskStatus{
		Name:         entry.name,
		Schedule:     entry.schedule,
		Description:  entry.description,
		Startup:      entry.startup,
		State:        entry.state,
		LastRunAt:    entry.lastRunAt,
		LastDuration: entry.lastDuration,
		LastError:    entry.lastError,
		Runs:         entry.runs,
		Skipped:      entry.skipped,
	}
	if m.running && entry.cronID != 0 {
		if next := m.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}
