package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"calnotify/internal/fanout"
	"calnotify/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver, filepath.Join(t.TempDir(), "calnotify.db"))
			defer st.Close()
			exerciseStore(t, st)
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	ctx := context.Background()

	for _, addr := range []string{"b", "a", "a", " c "} {
		if err := st.SaveTarget(ctx, addr); err != nil {
			t.Fatalf("SaveTarget(%q): %v", addr, err)
		}
	}
	if err := st.SaveTarget(ctx, "  "); err == nil {
		t.Fatal("SaveTarget should reject an empty address")
	}
	got, err := st.Targets(ctx)
	if err != nil {
		t.Fatalf("Targets: %v", err)
	}
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("targets = %v", got)
	}

	if err := st.Retire(ctx, "b"); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if err := st.DeleteTarget(ctx, "c"); err != nil {
		t.Fatalf("DeleteTarget: %v", err)
	}
	if err := st.DeleteTarget(ctx, "missing"); err != nil {
		t.Fatalf("DeleteTarget(missing): %v", err)
	}
	got, _ = st.Targets(ctx)
	if fmt.Sprint(got) != "[a]" {
		t.Fatalf("targets after retire/delete = %v", got)
	}
	retired, err := st.Retired(ctx)
	if err != nil {
		t.Fatalf("Retired: %v", err)
	}
	if len(retired) != 1 || retired[0].Target != fanout.Target("b") || retired[0].RetiredAt.IsZero() {
		t.Fatalf("retired = %+v", retired)
	}
	// Re-registering a retired target brings it back.
	_ = st.SaveTarget(ctx, "b")
	if retired, _ = st.Retired(ctx); len(retired) != 0 {
		t.Fatalf("retired after re-save = %+v", retired)
	}

	base := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "evt-2", Title: "Lunch", StartsAt: base.Add(3 * time.Hour)},
		{ID: "evt-1", Title: "Standup", StartsAt: base.Add(time.Hour)},
		{ID: "old", Title: "Yesterday", StartsAt: base.Add(-24 * time.Hour)},
	}
	for _, e := range events {
		if err := st.PutEvent(ctx, e); err != nil {
			t.Fatalf("PutEvent(%s): %v", e.ID, err)
		}
	}
	if err := st.PutEvent(ctx, Event{ID: "x"}); err == nil {
		t.Fatal("PutEvent should reject a zero start")
	}
	// Update moves evt-2 before evt-1.
	if err := st.PutEvent(ctx, Event{ID: "evt-2", Title: "Early lunch", StartsAt: base.Add(30 * time.Minute)}); err != nil {
		t.Fatalf("PutEvent(update): %v", err)
	}

	up, err := st.UpcomingEvents(ctx, base)
	if err != nil {
		t.Fatalf("UpcomingEvents: %v", err)
	}
	if len(up) != 2 || up[0].ID != "evt-2" || up[0].Title != "Early lunch" || up[1].ID != "evt-1" {
		t.Fatalf("upcoming = %+v", up)
	}
	if !up[1].StartsAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("starts_at = %v", up[1].StartsAt)
	}

	e, err := st.GetEvent(ctx, "evt-1")
	if err != nil || e.Title != "Standup" {
		t.Fatalf("GetEvent = %+v, %v", e, err)
	}
	if _, err := st.GetEvent(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEvent(nope) err = %v", err)
	}
	if err := st.DeleteEvent(ctx, "evt-1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if err := st.DeleteEvent(ctx, "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteEvent err = %v", err)
	}
}

func TestPersistentDriversSurviveReopen(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "calnotify.db")
			starts := time.Date(2026, time.November, 1, 8, 30, 0, 0, time.UTC)

			st := openDriver(t, driver, path)
			_ = st.SaveTarget(ctx, "123456")
			_ = st.SaveTarget(ctx, "gone")
			_ = st.Retire(ctx, "gone")
			_ = st.PutEvent(ctx, Event{ID: "evt-1", Title: "Review", StartsAt: starts})
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openDriver(t, driver, path)
			defer st.Close()
			targets, _ := st.Targets(ctx)
			if fmt.Sprint(targets) != "[123456]" {
				t.Fatalf("targets after reopen = %v", targets)
			}
			retired, _ := st.Retired(ctx)
			if len(retired) != 1 || retired[0].Target != "gone" {
				t.Fatalf("retired after reopen = %+v", retired)
			}
			e, err := st.GetEvent(ctx, "evt-1")
			if err != nil || !e.StartsAt.Equal(starts) || e.Title != "Review" {
				t.Fatalf("event after reopen = %+v, %v", e, err)
			}
		})
	}
}

func TestFileStoreReplaysJournalWithoutClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "calnotify.json")

	st := openDriver(t, "file", path)
	_ = st.SaveTarget(ctx, "a")
	_ = st.SaveTarget(ctx, "b")
	_ = st.DeleteTarget(ctx, "a")
	// Simulate a crash: the journal is flushed per write, the snapshot never was.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st = openDriver(t, "file", path)
	defer st.Close()
	targets, _ := st.Targets(ctx)
	if fmt.Sprint(targets) != "[b]" {
		t.Fatalf("targets after replay = %v", targets)
	}
}

func TestFileStoreKeepsStateWhenJournalFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openDriver(t, "file", filepath.Join(t.TempDir(), "calnotify.json"))
	defer st.Close()
	if err := st.SaveTarget(ctx, "a"); err != nil {
		t.Fatalf("SaveTarget: %v", err)
	}

	fs := st.(*fileStore)
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.mu.Unlock()

	if err := st.SaveTarget(ctx, "b"); err == nil {
		t.Fatal("expected journal write to fail")
	}
	if err := st.PutEvent(ctx, Event{ID: "evt-1", Title: "x", StartsAt: time.Now().Add(time.Hour)}); err == nil {
		t.Fatal("expected journal write to fail")
	}
	targets, _ := st.Targets(ctx)
	if fmt.Sprint(targets) != "[a]" {
		t.Fatalf("targets = %v, want [a]", targets)
	}
	if _, err := st.GetEvent(ctx, "evt-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEvent err = %v, want ErrNotFound", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("none driver err = %v", err)
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("sqlite without a path should fail")
	}
}
