package interfaces

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskRunning is returned when a trigger is skipped because the task is in flight.
	ErrTaskRunning = errors.New("task already running")
)

// TaskState is Idle or Running.
type TaskState string

const (
	TaskIdle    TaskState = "idle"
	TaskRunning TaskState = "running"
)

// TaskStatus is a snapshot of one registered task.
type TaskStatus struct {
	Name         string         `json:"name"`
	Schedule     string         `json:"cron"`
	Description  string         `json:"description"`
	Startup      bool           `json:"startup"`
	State        TaskState      `json:"state"`
	LastRunAt    *time.Time     `json:"last_run_at"`
	LastDuration *time.Duration `json:"last_duration"`
	NextRun      *time.Time     `json:"next_run"`
	LastError    string         `json:"last_error"`
	Runs         int            `json:"runs"`
	Skipped      int            `json:"skipped"`
}

// TaskManager is the part of the scheduler visible to the API.
type TaskManager interface {
	// TriggerNow starts the task in the background.
	TriggerNow(name string) error
	// Run executes the task and waits for it.
	Run(ctx context.Context, name string) error
	Status(name string) (*TaskStatus, error)
	Statuses() []*TaskStatus
}
