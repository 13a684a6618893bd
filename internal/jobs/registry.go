package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"calnotify/internal/eventbus"
	"calnotify/internal/schedule"
	"calnotify/pkg/logx"
)

var (
	ErrClosed          = errors.New("job registry closed")
	ErrEmptyKey        = errors.New("job key required")
	ErrInvalidSchedule = errors.New("invalid schedule descriptor")
	ErrNilTask         = errors.New("job task required")
)

// Outcome reports what Reconcile did.
type Outcome int

const (
	Created Outcome = iota
	Replaced
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Registry maps job keys to their single live Job.
//
// One mutex guards the map. Timers are armed and stopped outside of it, and
// tasks always run outside of it, so a firing job never blocks Upsert or
// Remove for other keys (or its own).
type Registry struct {
	clock       clockwork.Clock
	loc         *time.Location
	log         logx.Logger
	bus         eventbus.Bus
	baseCtx     context.Context
	taskTimeout time.Duration

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Registry)

// WithClock sets the timer source. Tests pass a clockwork fake clock.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLocation sets the time zone descriptors are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(r *Registry) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithBus(b eventbus.Bus) Option {
	return func(r *Registry) {
		if b != nil {
			r.bus = b
		}
	}
}

// WithContext sets the parent context of every task run.
func WithContext(ctx context.Context) Option {
	return func(r *Registry) {
		if ctx != nil {
			r.baseCtx = ctx
		}
	}
}

// WithTaskTimeout bounds a single task run; zero means no bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(r *Registry) { r.taskTimeout = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clock:   clockwork.NewRealClock(),
		loc:     time.Local,
		bus:     eventbus.Nop(),
		baseCtx: context.Background(),
		jobs:    map[string]*Job{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Location returns the time zone descriptors are evaluated in.
func (r *Registry) Location() *time.Location { return r.loc }

// Upsert installs a new armed job for key, stopping and discarding any job
// already registered under it.
func (r *Registry) Upsert(key string, desc schedule.Descriptor, task Task) (*Job, error) {
	if err := validate(key, desc, task); err != nil {
		return nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	old := r.jobs[key]
	halted := old != nil && old.markStopped()
	j := r.newJobLocked(key, desc, task)
	r.mu.Unlock()

	if halted {
		r.stopped(old, "replaced")
	}
	r.arm(j)
	return j, nil
}

// Reconcile applies the reschedule policy atomically: create when key has
// no job, keep the current job when it is armed (or firing) for desc, and
// replace it otherwise.
func (r *Registry) Reconcile(key string, desc schedule.Descriptor, task Task) (Outcome, *Job, error) {
	if err := validate(key, desc, task); err != nil {
		return Created, nil, err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Created, nil, ErrClosed
	}
	old := r.jobs[key]
	if old != nil && old.desc == desc {
		if st := old.State(); st == Armed || st == Firing {
			r.mu.Unlock()
			return Unchanged, old, nil
		}
	}
	out, halted := Created, false
	if old != nil && old.State() != Fired {
		// A firing job cannot be stopped; it completes and the new job
		// still takes its place.
		out = Replaced
		halted = old.markStopped()
	}
	j := r.newJobLocked(key, desc, task)
	r.mu.Unlock()

	if halted {
		r.stopped(old, "replaced")
	}
	r.arm(j)
	return out, j, nil
}

// Lookup returns the job currently registered for key.
func (r *Registry) Lookup(key string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[key]
	return j, ok
}

// Remove stops and deletes the job for key. It reports whether a job was
// registered. The timer is guaranteed not to start a run after Remove
// returns; a run that already began is not interrupted.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	j, ok := r.jobs[key]
	halted := false
	if ok {
		delete(r.jobs, key)
		halted = j.markStopped()
	}
	r.mu.Unlock()
	if halted {
		r.stopped(j, "removed")
	}
	return ok
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// JobInfo is a read-only view of a registered job.
type JobInfo struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	Spec      string    `json:"spec"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
	State     string    `json:"state"`
}

// Snapshot lists registered jobs ordered by fire time, then key.
func (r *Registry) Snapshot() []JobInfo {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, JobInfo{
			Key:       j.key,
			ID:        j.id,
			Spec:      j.desc.Spec(),
			FireAt:    j.fireAt,
			CreatedAt: j.createdAt,
			State:     j.State().String(),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FireAt.Equal(out[b].FireAt) {
			return out[a].FireAt.Before(out[b].FireAt)
		}
		return out[a].Key < out[b].Key
	})
	return out
}

// Close stops every armed job and rejects further scheduling. It waits for
// runs already in progress until ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	all := make([]*Job, 0, len(r.jobs))
	for k, j := range r.jobs {
		if j.markStopped() {
			all = append(all, j)
		}
		delete(r.jobs, k)
	}
	r.mu.Unlock()

	for _, j := range all {
		j.halt()
	}
	r.log.Info("job registry closed", logx.Int("stopped", len(all)))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func validate(key string, desc schedule.Descriptor, task Task) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if !desc.Valid() {
		return fmt.Errorf("%w: %+v", ErrInvalidSchedule, desc)
	}
	if task == nil {
		return ErrNilTask
	}
	return nil
}

func (r *Registry) newJobLocked(key string, desc schedule.Descriptor, task Task) *Job {
	now := r.clock.Now().In(r.loc)
	j := &Job{
		id:        uuid.NewString(),
		key:       key,
		desc:      desc,
		task:      task,
		fireAt:    desc.Next(now),
		createdAt: now,
	}
	r.jobs[key] = j
	return j
}

func (r *Registry) arm(j *Job) {
	delay := j.fireAt.Sub(r.clock.Now())
	if delay < 0 {
		delay = 0
	}
	j.arm(r.clock, delay, func() { r.fire(j) })

	r.log.Debug("job armed",
		logx.String("key", j.key),
		logx.String("id", j.id),
		logx.String("spec", j.desc.Spec()),
		logx.Time("fire_at", j.fireAt),
		logx.Duration("delay", delay),
	)
	r.bus.Publish(eventbus.Event{Type: eventbus.JobArmed, Key: j.key, Data: j.id})
}

func (r *Registry) stopped(j *Job, reason string) {
	j.halt()
	r.log.Debug("job stopped", logx.String("key", j.key), logx.String("id", j.id), logx.String("reason", reason))
	typ := eventbus.JobStopped
	if reason == "replaced" {
		typ = eventbus.JobReplaced
	}
	r.bus.Publish(eventbus.Event{Type: typ, Key: j.key, Data: reason})
}

// fire is the timer callback. It must not touch the clock: fake clocks may
// invoke it while holding their own lock.
func (r *Registry) fire(j *Job) {
	r.mu.Lock()
	if r.closed || !j.beginFiring() {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	started := time.Now()
	err := r.run(j)
	j.finish()
	r.release(j)

	fields := []logx.Field{
		logx.String("key", j.key),
		logx.String("id", j.id),
		logx.Duration("took", time.Since(started)),
	}
	if err != nil {
		r.log.Error("job failed", append(fields, logx.Err(err))...)
		r.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Key: j.key, Data: err.Error()})
		return
	}
	r.log.Info("job fired", fields...)
	r.bus.Publish(eventbus.Event{Type: eventbus.JobFired, Key: j.key, Data: j.id})
}

func (r *Registry) run(j *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", logx.String("key", j.key), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ctx := r.baseCtx
	if r.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.taskTimeout)
		defer cancel()
	}
	return j.task.Run(ctx)
}

// release drops j from the map unless key was reassigned while j ran.
func (r *Registry) release(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.jobs[j.key]; ok && cur == j {
		delete(r.jobs, j.key)
	}
}
