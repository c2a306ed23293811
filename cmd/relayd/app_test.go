package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/relayd/internal/lockmgr"
	"pkt.systems/relayd/internal/loggingutil"
	"pkt.systems/relayd/internal/tasks"
	"pkt.systems/relayd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("RELAYD_CONFIG_DIR", t.TempDir())
	cmd := newRootCommand(loggingutil.NoopLogger(), nil)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandShort(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "version", "--short")
	if err != nil {
		t.Fatalf("version --short failed: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen failed: %v", err)
	}
	var got map[string]any
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("generated config is not yaml: %v\n%s", err, stdout)
	}
	if got["kv-store"] != "mem://" {
		t.Fatalf("kv-store = %v", got["kv-store"])
	}
	if got["heartbeat-interval"] != "10s" {
		t.Fatalf("heartbeat-interval = %v", got["heartbeat-interval"])
	}
	if got["upstream-lease-ttl"] != "30s" {
		t.Fatalf("upstream-lease-ttl = %v", got["upstream-lease-ttl"])
	}
	if got["log-level"] != "info" {
		t.Fatalf("log-level = %v", got["log-level"])
	}
}

func TestConfigGenRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "relayd.yaml")
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out); err != nil {
		t.Fatalf("first gen failed: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat generated config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config mode = %o, want 600", perm)
	}
	_, _, err = executeRootCommand(t, "config", "gen", "--out", out)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced gen failed: %v", err)
	}
}

func TestConfigGenStdoutAndOutExclusive(t *testing.T) {
	_, _, err := executeRootCommand(t, "config", "gen", "--stdout", "--out", "x.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutually exclusive error, got %v", err)
	}
}

func TestTasksStalledEmptyStore(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "tasks", "stalled",
		"--database", "file:cmd_tasks_stalled?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("tasks stalled failed: %v", err)
	}
	if !strings.Contains(stdout, "no stalled tasks") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestInstancesEmptyRegistry(t *testing.T) {
	stdout, _, err := executeRootCommand(t, "instances",
		"--database", "file:cmd_instances?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("instances failed: %v", err)
	}
	if !strings.Contains(stdout, "no live instances") {
		t.Fatalf("unexpected output %q", stdout)
	}
}

func TestExplicitMissingConfigFails(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, _, err := executeRootCommand(t, "instances", "--config", missing)
	if err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected config file error, got %v", err)
	}
}

func TestWriteInstancesMarksLeader(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	records := []lockmgr.InstanceRecord{
		{ID: "relay-a", LastHeartbeat: now.Add(-5 * time.Second).UnixMilli(), ActiveTaskCount: 1200, Role: lockmgr.RoleFollower},
		{ID: "relay-b", LastHeartbeat: now.Add(-20 * time.Second).UnixMilli(), Address: "10.0.0.2:8080"},
	}
	var buf bytes.Buffer
	writeInstances(&buf, records, "relay-b", now)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %q", buf.String())
	}
	if !strings.Contains(lines[1], "follower") || !strings.Contains(lines[1], "1,200") {
		t.Fatalf("unexpected row %q", lines[1])
	}
	if !strings.Contains(lines[2], "leader") || !strings.Contains(lines[2], "10.0.0.2:8080") {
		t.Fatalf("unexpected row %q", lines[2])
	}
	if !strings.Contains(lines[2], "ago") {
		t.Fatalf("expected relative age in %q", lines[2])
	}
}

func TestWriteStalled(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	owner := "relay-a"
	var buf bytes.Buffer
	writeStalled(&buf, []tasks.Task{{
		ID:        "task-1",
		Status:    tasks.StatusDownloading,
		FileSize:  2_000_000,
		ClaimedBy: &owner,
		UpdatedAt: now.Add(-15 * time.Minute).UnixMilli(),
	}}, now)
	out := buf.String()
	for _, want := range []string{"task-1", "downloading", "2.0 MB", "relay-a", "15 minutes ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
}
