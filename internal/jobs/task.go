package jobs

import "context"

// Task is the work a job performs when it fires.
//
// Implementations should carry every input they need as fields so a job's
// dependencies are visible at the call site that schedules it.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a plain function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error { return f(ctx) }
