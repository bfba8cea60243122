package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonmagon/kdiskmark/helper/internal/fio"
)

const scratch = "/mnt/x/.kdiskmark.tmp"

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTool creates an executable shell script standing in for fio.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fio")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("failed to write tool: %v", err)
	}
	return path
}

// newTestController returns a controller whose completions arrive on the
// returned channel.
func newTestController(t *testing.T, toolBody string, killAfter time.Duration) (*Controller, <-chan Completion) {
	t.Helper()
	ctl := New(Options{
		ToolPath:       writeTool(t, toolBody),
		KillAfter:      killAfter,
		DropCachesPath: filepath.Join(t.TempDir(), "drop_caches"),
	}, nopLogger())

	events := make(chan Completion, 8)
	ctl.SetCompletionHandler(func(c Completion) { events <- c })
	t.Cleanup(ctl.Stop)
	return ctl, events
}

func awaitCompletion(t *testing.T, events <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-events:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func benchmark() fio.BenchmarkOptions {
	return fio.BenchmarkOptions{
		Path: scratch, DurationSec: 10, SizeMB: 100, RandomReadPct: 50,
		BlockSizeKB: 4, QueueDepth: 32, Threads: 4, Mode: "randrw",
	}
}

func TestStart_ReportsSuccessfulCompletion(t *testing.T) {
	ctl, events := newTestController(t, `printf '{"args":"%s"}' "$*"`, time.Second)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c := awaitCompletion(t, events)
	if !c.Succeeded || c.ExitCode != 0 || c.Stopped {
		t.Errorf("unexpected completion: %+v", c)
	}
	if c.Task != TaskBenchmark || c.RunID != 1 {
		t.Errorf("task/run = %s/%d, want benchmark/1", c.Task, c.RunID)
	}
	if c.Stderr != "" {
		t.Errorf("stderr = %q, want empty", c.Stderr)
	}
	for _, arg := range []string{"--direct=1", "--ioengine=libaio", "--rw=randrw", "--iodepth=32", "--numjobs=4", "--filename=" + scratch} {
		if !strings.Contains(c.Stdout, arg) {
			t.Errorf("stdout %q missing %s", c.Stdout, arg)
		}
	}
}

func TestPrepare_PassesPreallocationArgs(t *testing.T) {
	ctl, events := newTestController(t, `echo "$*"`, time.Second)

	if err := ctl.Prepare(fio.PrepareOptions{Path: scratch, SizeMB: 64, ZeroFill: true}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	c := awaitCompletion(t, events)
	want := "--output-format=json --create_only=1 --filename=" + scratch + " --size=64m --zero_buffers=1 --name=prepare\n"
	if c.Stdout != want {
		t.Errorf("stdout = %q, want %q", c.Stdout, want)
	}
	if c.Task != TaskPrepare {
		t.Errorf("task = %s, want prepare", c.Task)
	}
}

func TestStart_NonZeroExitSurfacedVerbatim(t *testing.T) {
	ctl, events := newTestController(t, `echo "fio: bad job" >&2; exit 3`, time.Second)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c := awaitCompletion(t, events)
	if !c.Succeeded {
		t.Error("normal exit with non-zero status reported as failure")
	}
	if c.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", c.ExitCode)
	}
	if c.Stderr != "fio: bad job\n" {
		t.Errorf("stderr = %q", c.Stderr)
	}
}

func TestStart_LaunchFailureStillCompletes(t *testing.T) {
	ctl := New(Options{ToolPath: filepath.Join(t.TempDir(), "missing-fio")}, nopLogger())
	events := make(chan Completion, 1)
	ctl.SetCompletionHandler(func(c Completion) { events <- c })

	if err := ctl.Start(benchmark()); err == nil {
		t.Fatal("expected error starting a missing tool")
	}

	c := awaitCompletion(t, events)
	if c.Succeeded || c.ExitCode != -1 || c.Stderr == "" {
		t.Errorf("unexpected completion for failed launch: %+v", c)
	}
	if ctl.Running() {
		t.Error("controller reports running after failed launch")
	}
}

func TestStart_RejectsForeignPath(t *testing.T) {
	ctl, _ := newTestController(t, "exit 0", time.Second)

	opts := benchmark()
	opts.Path = "/etc/shadow"
	if err := ctl.Start(opts); !errors.Is(err, ErrInvalidScratchPath) {
		t.Errorf("Start error = %v, want ErrInvalidScratchPath", err)
	}
	if err := ctl.Prepare(fio.PrepareOptions{Path: "/etc/passwd", SizeMB: 1}); !errors.Is(err, ErrInvalidScratchPath) {
		t.Errorf("Prepare error = %v, want ErrInvalidScratchPath", err)
	}
	if ctl.Running() {
		t.Error("process started for a foreign path")
	}
}

func TestStop_Idle(t *testing.T) {
	ctl, events := newTestController(t, "exit 0", time.Second)

	ctl.Stop()

	select {
	case c := <-events:
		t.Errorf("completion delivered without a process: %+v", c)
	default:
	}
}

func TestStop_BlocksUntilExit(t *testing.T) {
	ctl, events := newTestController(t, "exec sleep 30", 5*time.Second)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !ctl.Running() {
		t.Fatal("expected running process")
	}

	ctl.Stop()

	if ctl.Running() {
		t.Error("process still active after Stop returned")
	}

	c := awaitCompletion(t, events)
	if !c.Stopped || c.Succeeded {
		t.Errorf("unexpected completion after stop: %+v", c)
	}
	if c.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1 for signalled process", c.ExitCode)
	}
}

func TestStop_TrappedSignalExitsNormally(t *testing.T) {
	ctl, events := newTestController(t, "trap 'exit 0' TERM\nwhile :; do sleep 0.05; done", 5*time.Second)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Give the shell time to install the trap.
	time.Sleep(200 * time.Millisecond)

	ctl.Stop()

	c := awaitCompletion(t, events)
	if !c.Stopped {
		t.Error("Stopped = false after Stop")
	}
	if !c.Succeeded || c.ExitCode != 0 {
		t.Errorf("completion = %+v, want normal exit with status 0", c)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	ctl, events := newTestController(t, "trap '' TERM\nwhile :; do sleep 0.05; done", 200*time.Millisecond)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Give the shell time to install its trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	ctl.Stop()
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Stop returned after %v, before the kill deadline", elapsed)
	}
	if ctl.Running() {
		t.Error("process still active after Stop returned")
	}

	c := awaitCompletion(t, events)
	if !c.Stopped {
		t.Errorf("completion not marked stopped: %+v", c)
	}
}

func TestStart_ReplacesActiveRun(t *testing.T) {
	ctl, events := newTestController(t, "exec sleep 30", 5*time.Second)

	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	if err := ctl.Start(benchmark()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	first := awaitCompletion(t, events)
	if first.RunID != 1 || !first.Stopped {
		t.Errorf("first run completion = %+v, want stopped run 1", first)
	}
	if !ctl.Running() {
		t.Error("replacement run not active")
	}

	ctl.Stop()
	second := awaitCompletion(t, events)
	if second.RunID != 2 {
		t.Errorf("second run id = %d, want 2", second.RunID)
	}
}
