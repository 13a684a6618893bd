package reminder

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calnotify/internal/jobs"
	"calnotify/internal/schedule"
	"calnotify/pkg/logx"
)

var ErrEmptyKey = errors.New("reminder key required")

// Coordinator is the entry point used by event create, update and delete.
// It decides whether a key's job is created, kept or replaced.
type Coordinator struct {
	reg      *jobs.Registry
	dispatch Dispatcher
	log      logx.Logger

	mu   sync.RWMutex
	body string
}

func NewCoordinator(reg *jobs.Registry, dispatch Dispatcher, log logx.Logger) *Coordinator {
	return &Coordinator{reg: reg, dispatch: dispatch, log: log, body: DefaultBody}
}

// SetBody changes the message body (plus optional link) used for jobs
// scheduled from now on. Already armed jobs keep theirs.
func (c *Coordinator) SetBody(body, link string) {
	c.mu.Lock()
	c.body = composeBody(body, link)
	c.mu.Unlock()
}

// Reschedule arms a reminder for key at fireAt.
//
// When key already has a job for the same minute nothing changes, even if
// title differs. When the minute differs the old job is stopped and a new
// one takes its place. Invalid input fails before the registry is touched.
func (c *Coordinator) Reschedule(key string, fireAt time.Time, title string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if fireAt.IsZero() {
		return fmt.Errorf("reschedule %q: %w: zero time", key, schedule.ErrInvalidTime)
	}
	desc := schedule.Normalize(fireAt, c.reg.Location())

	c.mu.RLock()
	body := c.body
	c.mu.RUnlock()

	task := Task{Key: key, Title: title, Body: body, dispatch: c.dispatch}
	out, j, err := c.reg.Reconcile(key, desc, task)
	if err != nil {
		return fmt.Errorf("reschedule %q: %w", key, err)
	}
	c.log.Debug("reminder reconciled",
		logx.String("key", key),
		logx.String("outcome", out.String()),
		logx.String("spec", desc.Spec()),
		logx.Time("fire_at", j.FireAt()),
	)
	return nil
}

// RescheduleAt parses raw in the registry's time zone and calls Reschedule.
func (c *Coordinator) RescheduleAt(key, raw, title string) error {
	fireAt, err := schedule.ParseTime(raw, c.reg.Location())
	if err != nil {
		return fmt.Errorf("reschedule %q: %w", key, err)
	}
	return c.Reschedule(key, fireAt, title)
}

// Cancel removes any job for key. It does not wait for a run in progress.
func (c *Coordinator) Cancel(key string) {
	if c.reg.Remove(strings.TrimSpace(key)) {
		c.log.Debug("reminder cancelled", logx.String("key", key))
	}
}

// Pending reports whether key has a registered job.
func (c *Coordinator) Pending(key string) bool {
	_, ok := c.reg.Lookup(strings.TrimSpace(key))
	return ok
}

// Keys lists keys with a registered job.
func (c *Coordinator) Keys() []string { return c.reg.Keys() }
