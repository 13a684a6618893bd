// Package eventsync re-derives reminder jobs from persisted events.
//
// Jobs live only in memory, so a restart forgets them. The syncer reads the
// upcoming events back from storage at start and then on a cron schedule,
// rescheduling each one (unchanged minutes are a no-op) and cancelling jobs
// whose event is gone.
package eventsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"calnotify/internal/storage"
	"calnotify/pkg/logx"
)

// Source lists persisted events.
type Source interface {
	UpcomingEvents(ctx context.Context, since time.Time) ([]storage.Event, error)
}

// Scheduler is the subset of the reminder coordinator the syncer drives.
type Scheduler interface {
	Reschedule(key string, fireAt time.Time, title string) error
	Cancel(key string)
	Keys() []string
}

type Config struct {
	Enabled bool
	// Schedule is a robfig/cron spec, e.g. "@every 1m" or "*/5 * * * *".
	Schedule string
	// Horizon skips events starting later than now+Horizon; a later sync
	// picks them up. Zero means no limit.
	Horizon time.Duration
}

const DefaultSchedule = "@every 1m"

// Result summarizes one sync pass.
type Result struct {
	Upcoming  int `json:"upcoming"`
	Scheduled int `json:"scheduled"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

type Syncer struct {
	src   Source
	sched Scheduler
	clock clockwork.Clock
	loc   *time.Location
	log   logx.Logger

	runMu sync.Mutex // one pass at a time
	// armed maps event ID to the minute last handed to the scheduler. A job
	// that fired has left the registry, so this is what stops the next pass
	// from arming the same minute again. Guarded by runMu.
	armed map[string]time.Time

	mu      sync.Mutex
	cfg     Config
	cron    *cron.Cron
	entry   cron.EntryID
	baseCtx context.Context
}

func New(cfg Config, src Source, sched Scheduler, clock clockwork.Clock, loc *time.Location, log logx.Logger) *Syncer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Syncer{src: src, sched: sched, clock: clock, loc: loc, log: log, cfg: normalize(cfg), armed: map[string]time.Time{}}
}

func normalize(cfg Config) Config {
	cfg.Schedule = strings.TrimSpace(cfg.Schedule)
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Horizon < 0 {
		cfg.Horizon = 0
	}
	return cfg
}

// ValidateSchedule reports whether spec is a usable cron spec.
func ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return nil
}

// Sync runs one pass.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var res Result
	now := s.clock.Now().In(s.loc)
	// Events in the current minute still fire; anything earlier would roll
	// over to next year's date.
	since := now.Truncate(time.Minute)
	events, err := s.src.UpcomingEvents(ctx, since)
	if err != nil {
		return res, fmt.Errorf("list upcoming events: %w", err)
	}
	res.Upcoming = len(events)

	want := make(map[string]struct{}, len(events))
	var errs []error
	for _, e := range events {
		if cfg.Horizon > 0 && e.StartsAt.After(now.Add(cfg.Horizon)) {
			res.Deferred++
			continue
		}
		minute := e.StartsAt.In(s.loc).Truncate(time.Minute)
		if last, ok := s.armed[e.ID]; ok && last.Equal(minute) {
			// Still pending or already fired; either way nothing to do.
			want[e.ID] = struct{}{}
			res.Skipped++
			continue
		}
		if err := s.sched.Reschedule(e.ID, e.StartsAt, e.Title); err != nil {
			res.Failed++
			errs = append(errs, err)
			continue
		}
		want[e.ID] = struct{}{}
		s.armed[e.ID] = minute
		res.Scheduled++
	}
	for id := range s.armed {
		if _, ok := want[id]; !ok {
			delete(s.armed, id)
		}
	}
	for _, key := range s.sched.Keys() {
		if _, ok := want[key]; !ok {
			s.sched.Cancel(key)
			res.Cancelled++
		}
	}

	fields := []logx.Field{
		logx.Int("upcoming", res.Upcoming),
		logx.Int("scheduled", res.Scheduled),
		logx.Int("deferred", res.Deferred),
		logx.Int("skipped", res.Skipped),
		logx.Int("cancelled", res.Cancelled),
		logx.Int("failed", res.Failed),
	}
	if res.Failed > 0 {
		s.log.Warn("event sync finished with failures", append(fields, logx.Err(errors.Join(errs...)))...)
	} else {
		s.log.Debug("event sync finished", fields...)
	}
	return res, errors.Join(errs...)
}

// Start runs a first pass and then schedules the periodic one. Disabled
// configs only run the first pass.
func (s *Syncer) Start(ctx context.Context) error {
	if _, err := s.Sync(ctx); err != nil {
		s.log.Warn("initial event sync failed", logx.Err(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.baseCtx = ctx
	s.cron = cron.New(cron.WithLocation(s.loc))
	if err := s.scheduleLocked(); err != nil {
		s.cron = nil
		return err
	}
	s.cron.Start()
	return nil
}

func (s *Syncer) scheduleLocked() error {
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}
	if !s.cfg.Enabled {
		s.log.Info("periodic event sync disabled")
		return nil
	}
	ctx := s.baseCtx
	id, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sync(ctx); err != nil {
			s.log.Warn("event sync failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule event sync %q: %w", s.cfg.Schedule, err)
	}
	s.entry = id
	s.log.Info("periodic event sync scheduled", logx.String("schedule", s.cfg.Schedule))
	return nil
}

// Apply swaps the config and reschedules the periodic pass when running.
func (s *Syncer) Apply(cfg Config) error {
	cfg = normalize(cfg)
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.cron == nil {
		return nil
	}
	return s.scheduleLocked()
}

// Stop halts the periodic pass and waits for a running one until ctx ends.
func (s *Syncer) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
