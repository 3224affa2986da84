package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stylelicense/jobyard/internal/queue"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "yard dev") {
		t.Errorf("expected output to contain 'yard dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "yard 1.0.0 (commit: abc123, built: 2026-01-01)") {
		t.Errorf("unexpected version output: %s", out)
	}
}

func TestRootCmdHelp(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("help command failed: %v", err)
	}

	out := buf.String()
	for _, sub := range []string{"version", "db", "serve", "reconcile", "job", "ledger", "worker"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected help output to list %q, got: %s", sub, out)
		}
	}
}

func TestExecute_UnknownCommand(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"nonsense"})

	if code := execute(cmd); code != 1 {
		t.Errorf("execute() = %d, want 1", code)
	}
}

func TestMissingConfig(t *testing.T) {
	_, err := runCmd(t, "ledger", "balance", "acct", "-c", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
	if !strings.Contains(err.Error(), "load config") {
		t.Errorf("error = %v", err)
	}
}

// writeConfig writes a sqlite-backed config pointing at mr and migrates it.
func writeConfig(t *testing.T, mr *miniredis.Miniredis) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "yard.yaml")
	yaml := fmt.Sprintf(`database:
  driver: sqlite
  path: %s
redis:
  url: redis://%s/0
  block_ms: 50
retry:
  max_attempts: 3
log:
  level: error
`, filepath.Join(dir, "yard.db"), mr.Addr())
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "db", "migrate", "-c", path)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated 3 tables") {
		t.Errorf("migrate output = %q", out)
	}
	return path
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCmd(t, args...)
	if err != nil {
		t.Fatalf("yard %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestLedgerCommands(t *testing.T) {
	cfg := writeConfig(t, miniredis.RunT(t))

	out := mustRun(t, "ledger", "grant", "acct-1", "1000", "--kind", "welcome_grant", "-c", cfg)
	if !strings.Contains(out, "Granted 1,000 tokens to acct-1") || !strings.Contains(out, "balance 1,000") {
		t.Errorf("grant output = %q", out)
	}
	mustRun(t, "ledger", "grant", "acct-1", "250", "--memo", "top-up", "-c", cfg)

	if _, err := runCmd(t, "ledger", "grant", "acct-1", "10", "--kind", "welcome_grant", "-c", cfg); err == nil {
		t.Error("expected second welcome grant to fail")
	}
	if _, err := runCmd(t, "ledger", "grant", "acct-1", "ten", "-c", cfg); err == nil {
		t.Error("expected non-integer amount to fail")
	}

	out = mustRun(t, "ledger", "balance", "acct-1", "-c", cfg)
	if strings.TrimSpace(out) != "acct-1: 1,250 tokens" {
		t.Errorf("balance output = %q", out)
	}

	out = mustRun(t, "ledger", "entries", "acct-1", "-c", cfg)
	for _, want := range []string{"welcome_grant", "purchase", "top-up", "1,250"} {
		if !strings.Contains(out, want) {
			t.Errorf("entries output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "ledger", "entries", "nobody", "-c", cfg)
	if !strings.Contains(out, "No entries found.") {
		t.Errorf("entries output = %q", out)
	}
}

func startedJobID(t *testing.T, out string) string {
	t.Helper()
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "Started" {
		t.Fatalf("unexpected job start output: %q", out)
	}
	return fields[2]
}

func TestJobCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	mustRun(t, "ledger", "grant", "owner-1", "100", "-c", cfg)

	out := mustRun(t, "job", "start", "--kind", "generation", "--owner", "owner-1",
		"--aspect-ratio", "2:2", "--payload", `{"prompt":"a fox"}`, "-c", cfg)
	if !strings.Contains(out, "(generation, 75 tokens)") {
		t.Errorf("start output = %q", out)
	}
	id := startedJobID(t, out)

	if got := mustRun(t, "ledger", "balance", "owner-1", "-c", cfg); !strings.Contains(got, "25 tokens") {
		t.Errorf("balance after start = %q", got)
	}
	q, err := queue.New(queue.Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()
	if n, err := q.Len(context.Background(), "image_generation"); err != nil || n != 1 {
		t.Errorf("image_generation stream = %d entries, err %v", n, err)
	}

	out = mustRun(t, "job", "get", id, "-c", cfg)
	for _, want := range []string{"ID:          " + id, "Status:      queued", "Attempt:     1 of 3", "Cost:        75"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "job", "list", "--owner", "owner-1", "-c", cfg)
	if !strings.Contains(out, id) || !strings.Contains(out, "STATUS") {
		t.Errorf("list output = %q", out)
	}
	out = mustRun(t, "job", "list", "--status", "completed", "-c", cfg)
	if !strings.Contains(out, "No jobs found.") {
		t.Errorf("filtered list output = %q", out)
	}

	if _, err := runCmd(t, "job", "start", "--kind", "training", "--owner", "owner-1", "-c", cfg); err == nil {
		t.Error("expected insufficient funds for a 100 token training job")
	}
	if _, err := runCmd(t, "job", "start", "--kind", "generation", "--owner", "owner-1",
		"--aspect-ratio", "16:9", "-c", cfg); err == nil {
		t.Error("expected unknown aspect ratio to fail")
	}
	if _, err := runCmd(t, "job", "get", "missing", "-c", cfg); err == nil {
		t.Error("expected missing job to fail")
	}
}

func TestJobFailCmd(t *testing.T) {
	cfg := writeConfig(t, miniredis.RunT(t))
	mustRun(t, "ledger", "grant", "owner-1", "100", "-c", cfg)
	id := startedJobID(t, mustRun(t, "job", "start", "--kind", "generation", "--owner", "owner-1", "-c", cfg))

	out := mustRun(t, "job", "fail", id, "--reason", "worker wedged", "-c", cfg)
	if !strings.Contains(out, "Failed job "+id) {
		t.Errorf("fail output = %q", out)
	}
	out = mustRun(t, "job", "get", id, "-c", cfg)
	for _, want := range []string{"Status:      failed", "operator_abort", "worker wedged"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}
	if got := mustRun(t, "ledger", "balance", "owner-1", "-c", cfg); !strings.Contains(got, "100 tokens") {
		t.Errorf("balance after fail = %q", got)
	}

	if _, err := runCmd(t, "job", "fail", id, "-c", cfg); err == nil {
		t.Error("expected failing a terminal job to fail")
	}
}

func TestWorkerCompletesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := writeConfig(t, mr)
	mustRun(t, "ledger", "grant", "owner-1", "500", "-c", cfg)
	id := startedJobID(t, mustRun(t, "job", "start", "--kind", "training", "--owner", "owner-1", "-c", cfg))

	out := mustRun(t, "worker", "--max", "1", "--complete", "-q", "model_training", "-c", cfg)
	if !strings.Contains(out, "Handled 1 tasks") {
		t.Errorf("worker output = %q", out)
	}

	out = mustRun(t, "job", "get", id, "-c", cfg)
	if !strings.Contains(out, "Status:      completed") || !strings.Contains(out, "smoke://"+id) {
		t.Errorf("get output after worker:\n%s", out)
	}
	out = mustRun(t, "ledger", "entries", "owner-1", "-c", cfg)
	if !strings.Contains(out, "settlement") {
		t.Errorf("expected a settlement entry:\n%s", out)
	}
	if got := mustRun(t, "ledger", "balance", "owner-1", "-c", cfg); !strings.Contains(got, "400 tokens") {
		t.Errorf("balance after completion = %q", got)
	}
}

func TestReconcileCmd(t *testing.T) {
	cfg := writeConfig(t, miniredis.RunT(t))

	out := mustRun(t, "reconcile", "-c", cfg)
	for _, want := range []string{"Orphaned reservations refunded: 0", "Queued jobs republished:        0", "Retrying jobs resumed:          0", "Stalled jobs:                   0"} {
		if !strings.Contains(out, want) {
			t.Errorf("reconcile output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatTokenCount(t *testing.T) {
	tests := []struct {
		input int64
		want  string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{45230, "45,230"},
		{1234567, "1,234,567"},
		{-75, "-75"},
		{-1500, "-1,500"},
	}

	for _, tt := range tests {
		if got := formatTokenCount(tt.input); got != tt.want {
			t.Errorf("formatTokenCount(%d) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("a very long memo line", 10); got != "a very ..." {
		t.Errorf("truncate long = %q", got)
	}
}
