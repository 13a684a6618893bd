package eventsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"calnotify/internal/fanout"
	"calnotify/internal/jobs"
	"calnotify/internal/reminder"
	"calnotify/internal/storage"
	"calnotify/pkg/logx"
)

var testNow = time.Date(2026, time.October, 19, 9, 14, 30, 0, time.UTC)

type fakeScheduler struct {
	mu        sync.Mutex
	keys      map[string]time.Time
	cancelled []string
	fail      map[string]bool
}

func newFakeScheduler(keys ...string) *fakeScheduler {
	f := &fakeScheduler{keys: map[string]time.Time{}, fail: map[string]bool{}}
	for _, k := range keys {
		f.keys[k] = time.Time{}
	}
	return f
}

func (f *fakeScheduler) Reschedule(key string, at time.Time, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[key] {
		return errors.New("boom")
	}
	f.keys[key] = at
	return nil
}

func (f *fakeScheduler) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	f.cancelled = append(f.cancelled, key)
}

func (f *fakeScheduler) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.keys))
	for k := range f.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func seed(t *testing.T, st storage.Store, events ...storage.Event) {
	t.Helper()
	for _, e := range events {
		if err := st.PutEvent(context.Background(), e); err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}
}

func TestSyncReconcilesRegistryWithStore(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st,
		storage.Event{ID: "past", Title: "gone", StartsAt: testNow.Add(-time.Hour)},
		storage.Event{ID: "this-minute", Title: "now", StartsAt: testNow.Add(-20 * time.Second)},
		storage.Event{ID: "soon", Title: "soon", StartsAt: testNow.Add(time.Hour)},
		storage.Event{ID: "far", Title: "far", StartsAt: testNow.Add(90 * 24 * time.Hour)},
		storage.Event{ID: "broken", Title: "x", StartsAt: testNow.Add(2 * time.Hour)},
	)
	sched := newFakeScheduler("deleted-event", "far")
	sched.fail["broken"] = true

	s := New(Config{Horizon: 30 * 24 * time.Hour}, st, sched, clockwork.NewFakeClockAt(testNow), time.UTC, logx.Nop())
	res, err := s.Sync(context.Background())
	if err == nil {
		t.Fatal("expected the failing reschedule to surface")
	}
	want := Result{Upcoming: 4, Scheduled: 2, Deferred: 1, Cancelled: 2, Failed: 1}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if got := fmt.Sprint(sched.Keys()); got != "[soon this-minute]" {
		t.Fatalf("keys = %s", got)
	}
	sort.Strings(sched.cancelled)
	if got := fmt.Sprint(sched.cancelled); got != "[deleted-event far]" {
		t.Fatalf("cancelled = %s", got)
	}
}

type countingTransport struct{ n atomic.Int32 }

func (c *countingTransport) Deliver(context.Context, fanout.Target, string, string) error {
	c.n.Add(1)
	return nil
}

func TestSyncRestoresJobsAfterRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.SaveTarget(ctx, "device-1")
	seed(t, st, storage.Event{ID: "evt-1", Title: "Standup", StartsAt: testNow.Add(45 * time.Second)})

	fc := clockwork.NewFakeClockAt(testNow)
	reg := jobs.NewRegistry(jobs.WithClock(fc), jobs.WithLocation(time.UTC))
	defer reg.Close(ctx)
	tr := &countingTransport{}
	fan := fanout.New(fanout.Config{}, st, tr, st, logx.Nop(), nil)
	coord := reminder.NewCoordinator(reg, fan, logx.Nop())

	s := New(Config{}, st, coord, fc, time.UTC, logx.Nop())
	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	first, ok := reg.Lookup("evt-1")
	if !ok {
		t.Fatal("evt-1 not scheduled")
	}
	// A second pass over unchanged data keeps the same job.
	_, _ = s.Sync(ctx)
	if again, _ := reg.Lookup("evt-1"); again != first {
		t.Fatal("unchanged event should not be replaced")
	}

	fc.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for tr.n.Load() == 0 || reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reminder not delivered (sent=%d, jobs=%d)", tr.n.Load(), reg.Len())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{}, storage.NewMemory(), newFakeScheduler(), nil, time.UTC, logx.Nop())
	if err := s.Apply(Config{Enabled: true, Schedule: "every minute please"}); err == nil {
		t.Fatal("expected schedule error")
	}
	if err := ValidateSchedule("*/5 * * * *"); err != nil {
		t.Fatalf("ValidateSchedule: %v", err)
	}
}

type countingSource struct{ n atomic.Int32 }

func (c *countingSource) UpcomingEvents(context.Context, time.Time) ([]storage.Event, error) {
	c.n.Add(1)
	return nil, nil
}

func TestStartRunsPeriodically(t *testing.T) {
	t.Parallel()
	src := &countingSource{}
	s := New(Config{Enabled: true, Schedule: "@every 1s"}, src, newFakeScheduler(), nil, time.UTC, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.n.Load() != 1 {
		t.Fatalf("initial pass count = %d", src.n.Load())
	}
	deadline := time.Now().Add(3 * time.Second)
	for src.n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("periodic sync never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSyncDoesNotRearmFiredMinute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.SaveTarget(ctx, "device-1")
	start := time.Date(2026, time.October, 19, 9, 59, 50, 0, time.UTC)
	seed(t, st, storage.Event{ID: "evt-1", Title: "Standup", StartsAt: start.Add(40 * time.Second)})

	fc := clockwork.NewFakeClockAt(start)
	reg := jobs.NewRegistry(jobs.WithClock(fc), jobs.WithLocation(time.UTC))
	defer reg.Close(ctx)
	tr := &countingTransport{}
	fan := fanout.New(fanout.Config{}, st, tr, st, logx.Nop(), nil)
	s := New(Config{}, st, reminder.NewCoordinator(reg, fan, logx.Nop()), fc, time.UTC, logx.Nop())

	if _, err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	fc.Advance(15 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for tr.n.Load() == 0 || reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("reminder not delivered (sent=%d, jobs=%d)", tr.n.Load(), reg.Len())
		}
		time.Sleep(time.Millisecond)
	}

	// Same minute, event still stored and still ahead of its own instant.
	fc.Advance(15 * time.Second)
	res, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if res.Skipped != 1 || res.Scheduled != 0 {
		t.Fatalf("second pass = %+v", res)
	}
	if reg.Len() != 0 {
		t.Fatalf("fired event was armed again (jobs=%d)", reg.Len())
	}
	time.Sleep(50 * time.Millisecond)
	if n := tr.n.Load(); n != 1 {
		t.Fatalf("delivered %d times, want 1", n)
	}

	// Moving the event to another minute arms it again.
	seed(t, st, storage.Event{ID: "evt-1", Title: "Standup", StartsAt: start.Add(5 * time.Minute)})
	res, _ = s.Sync(ctx)
	if res.Scheduled != 1 || reg.Len() != 1 {
		t.Fatalf("moved event: result=%+v jobs=%d", res, reg.Len())
	}
}
