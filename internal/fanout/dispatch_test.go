package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

type staticTargets []Target

func (s staticTargets) Targets(context.Context) ([]Target, error) { return s, nil }

type failingTargets struct{}

func (failingTargets) Targets(context.Context) ([]Target, error) { return nil, errors.New("db down") }

// fakeTransport fails per target according to errs; "slow" blocks until the
// delivery context ends and "panic" panics.
type fakeTransport struct {
	mu   sync.Mutex
	errs map[Target]error
	got  []Target
}

func (f *fakeTransport) Deliver(ctx context.Context, t Target, title, body string) error {
	switch t {
	case "slow":
		<-ctx.Done()
		return ctx.Err()
	case "panic":
		panic("transport bug")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[t]; err != nil {
		return err
	}
	f.got = append(f.got, t)
	return nil
}

func (f *fakeTransport) delivered() []Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Target(nil), f.got...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type recordingRetirer struct {
	mu      sync.Mutex
	retired map[Target]int
}

func (r *recordingRetirer) Retire(_ context.Context, t Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired == nil {
		r.retired = map[Target]int{}
	}
	r.retired[t]++
	return nil
}

func (r *recordingRetirer) count(t Target) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.retired[t]
}

func TestDispatchIsolatesPermanentFailure(t *testing.T) {
	t.Parallel()
	targets := staticTargets{"t1", "t2", "t3", "t4", "t5", "t2"}
	tr := &fakeTransport{errs: map[Target]error{
		"t2": fmt.Errorf("registration gone: %w", ErrInvalidTarget),
	}}
	ret := &recordingRetirer{}
	svc := New(Config{Workers: 3}, targets, tr, ret, logx.Nop(), nil)

	rep, err := svc.Dispatch(context.Background(), Message{Key: "evt-1", Title: "Standup", Body: "You have a calendar event"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	want := []Target{"t1", "t3", "t4", "t5"}
	got := tr.delivered()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	if n := ret.count("t2"); n != 1 {
		t.Fatalf("t2 retired %d times, want 1", n)
	}
	if rep.Targets != 5 || rep.Sent != 4 || rep.Failed != 1 || rep.Retired != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Failures) != 1 || !rep.Failures[0].Permanent || rep.Failures[0].Target != "t2" {
		t.Fatalf("failures = %+v", rep.Failures)
	}
}

func TestDispatchTransientFailureIsDropped(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{errs: map[Target]error{"t1": errors.New("503 unavailable")}}
	ret := &recordingRetirer{}
	svc := New(Config{}, staticTargets{"t1", "t2"}, tr, ret, logx.Nop(), nil)

	rep, err := svc.Dispatch(context.Background(), Message{Key: "evt-1"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if rep.Sent != 1 || rep.Failed != 1 || rep.Retired != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if ret.count("t1") != 0 {
		t.Fatal("transient failure must not retire the target")
	}
}

func TestDispatchSlowAndPanickingTargetsDoNotBlockOthers(t *testing.T) {
	t.Parallel()
	tr := &fakeTransport{}
	svc := New(Config{Workers: 2, DeliveryTimeout: 50 * time.Millisecond}, staticTargets{"slow", "panic", "a", "b"}, tr, nil, logx.Nop(), nil)

	done := make(chan Report, 1)
	go func() {
		rep, _ := svc.Dispatch(context.Background(), Message{Key: "evt-1"})
		done <- rep
	}()
	select {
	case rep := <-done:
		if rep.Sent != 2 || rep.Failed != 2 {
			t.Fatalf("report = %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch blocked on a slow target")
	}
	if got := tr.delivered(); fmt.Sprint(got) != "[a b]" {
		t.Fatalf("delivered = %v", got)
	}
}

func TestDispatchProviderError(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, failingTargets{}, &fakeTransport{}, nil, logx.Nop(), nil)
	if _, err := svc.Dispatch(context.Background(), Message{Key: "evt-1"}); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestDispatchPublishesEventsAndKeepsReports(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	tr := &fakeTransport{errs: map[Target]error{"gone": ErrInvalidTarget}}
	svc := New(Config{}, staticTargets{"ok", "gone"}, tr, &recordingRetirer{}, logx.Nop(), bus)

	for i := 0; i < 2; i++ {
		if _, err := svc.Dispatch(context.Background(), Message{Key: fmt.Sprintf("evt-%d", i)}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	recent := svc.Recent(1)
	if len(recent) != 1 || recent[0].Key != "evt-1" {
		t.Fatalf("recent = %+v", recent)
	}
	if all := svc.Recent(0); len(all) != 2 {
		t.Fatalf("recent(0) = %d reports", len(all))
	}

	seen := map[string]int{}
	for len(events) > 0 {
		e := <-events
		seen[e.Type]++
	}
	if seen[eventbus.DeliverySent] != 2 || seen[eventbus.DeliveryError] != 2 || seen[eventbus.TargetRetired] != 2 {
		t.Fatalf("events = %v", seen)
	}
}

func TestApplyNormalizesConfig(t *testing.T) {
	t.Parallel()
	svc := New(Config{Workers: -1}, staticTargets{}, &fakeTransport{}, nil, logx.Nop(), nil)
	cfg := svc.Config()
	if cfg.Workers != defaultWorkers || cfg.DeliveryTimeout != defaultDeliveryTimeout {
		t.Fatalf("config = %+v", cfg)
	}
	svc.Apply(Config{Workers: 2, RatePerSec: 5, DeliveryTimeout: time.Second})
	if cfg := svc.Config(); cfg.Workers != 2 || cfg.RatePerSec != 5 {
		t.Fatalf("config after Apply = %+v", cfg)
	}
}
