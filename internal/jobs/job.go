package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"calnotify/internal/schedule"
)

// State is a job's lifecycle position. Transitions only move forward:
// Armed -> Firing -> Fired, or Armed -> Stopped.
type State int32

const (
	Armed State = iota
	Firing
	Fired
	Stopped
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	case Fired:
		return "fired"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Job is one single-shot timer bound to a key. Jobs are created by a
// Registry and never re-armed: rescheduling always produces a new Job.
type Job struct {
	id        string
	key       string
	desc      schedule.Descriptor
	task      Task
	fireAt    time.Time
	createdAt time.Time

	state atomic.Int32

	mu    sync.Mutex
	timer clockwork.Timer
}

func (j *Job) ID() string                      { return j.id }
func (j *Job) Key() string                     { return j.key }
func (j *Job) Descriptor() schedule.Descriptor { return j.desc }
func (j *Job) FireAt() time.Time               { return j.fireAt }
func (j *Job) CreatedAt() time.Time            { return j.createdAt }
func (j *Job) State() State                    { return State(j.state.Load()) }

// Stop moves an armed job to Stopped and halts its timer. It returns false
// when the job already started firing, fired or was stopped; in that case an
// in-flight run is left to complete.
func (j *Job) Stop() bool {
	if !j.markStopped() {
		return false
	}
	j.halt()
	return true
}

func (j *Job) markStopped() bool {
	return j.state.CompareAndSwap(int32(Armed), int32(Stopped))
}

func (j *Job) halt() {
	j.mu.Lock()
	t := j.timer
	j.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// arm starts the timer unless the job was stopped before it got the chance.
// fn must not call back into j.mu.
func (j *Job) arm(clock clockwork.Clock, delay time.Duration, fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.State() != Armed || j.timer != nil {
		return
	}
	j.timer = clock.AfterFunc(delay, fn)
}

// beginFiring claims the single run of an armed job.
func (j *Job) beginFiring() bool {
	return j.state.CompareAndSwap(int32(Armed), int32(Firing))
}

func (j *Job) finish() { j.state.Store(int32(Fired)) }
