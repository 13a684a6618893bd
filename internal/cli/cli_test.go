package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("scheduler:\n  timezone: UTC\nstorage:\n  driver: file\n  path: %s\n", filepath.Join(dir, "state.json"))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := run(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func TestTargetsCommands(t *testing.T) {
	t.Parallel()
	cfg := writeTestConfig(t)

	if out := mustRun(t, cfg, "targets", "list"); !strings.Contains(out, "No targets") {
		t.Fatalf("empty list = %q", out)
	}
	mustRun(t, cfg, "targets", "add", "111", "222")
	mustRun(t, cfg, "targets", "remove", "111")
	if out := mustRun(t, cfg, "targets", "list"); out != "222\n" {
		t.Fatalf("list = %q", out)
	}
	if out := mustRun(t, cfg, "targets", "list", "--retired"); !strings.Contains(out, "No retired") {
		t.Fatalf("retired = %q", out)
	}
	if _, err := run(t, cfg, "targets", "add"); err == nil {
		t.Fatal("add without an address should fail")
	}
}

func TestEventsCommands(t *testing.T) {
	t.Parallel()
	cfg := writeTestConfig(t)
	when := time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02 15:04")

	out := mustRun(t, cfg, "events", "put", "evt-1", when, "Team", "sync")
	if !strings.Contains(out, "Saved evt-1") {
		t.Fatalf("put = %q", out)
	}
	out = mustRun(t, cfg, "events", "list")
	if !strings.Contains(out, "evt-1") || !strings.Contains(out, "Team sync") {
		t.Fatalf("list = %q", out)
	}
	mustRun(t, cfg, "events", "delete", "evt-1")
	if _, err := run(t, cfg, "events", "delete", "evt-1"); err == nil {
		t.Fatal("deleting a missing event should fail")
	}
	if _, err := run(t, cfg, "events", "put", "evt-2", "someday", "x"); err == nil {
		t.Fatal("bad time should fail")
	}
}

func TestNormalizeCommand(t *testing.T) {
	t.Parallel()
	cfg := writeTestConfig(t)
	out := mustRun(t, cfg, "normalize", "--tz", "UTC", "2026-12-24T18:30:45Z")
	if !strings.Contains(out, "spec:     30 18 24 12 *") {
		t.Fatalf("normalize = %q", out)
	}
	if _, err := run(t, cfg, "normalize", "--tz", "Nowhere/Land", "2026-12-24T18:30:45Z"); err == nil {
		t.Fatal("bad tz should fail")
	}
}
