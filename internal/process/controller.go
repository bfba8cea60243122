// Package process owns the single external benchmark process the helper may
// run at a time.
//
// Children are started in their own process group so that stopping a run
// also takes down the worker processes fio forks for numjobs > 1. The outcome
// of every launch is reported through the completion handler from a
// background goroutine; Stop blocks until the child has actually exited.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jonmagon/kdiskmark/helper/internal/fio"
)

// waitDelay bounds how long Wait keeps reading pipes held open by
// grandchildren after the child itself exited.
const waitDelay = 5 * time.Second

// Options configures a Controller.
type Options struct {
	// ToolPath is the fio binary.
	ToolPath string

	// KillAfter is how long Stop waits after SIGTERM before sending SIGKILL.
	// Zero means never escalate.
	KillAfter time.Duration

	// DropCachesPath is the kernel page-cache control file.
	DropCachesPath string
}

// Controller runs at most one child process at a time.
type Controller struct {
	opts   Options
	logger *slog.Logger

	// opMu serializes launch and Stop so a replacement never overlaps the
	// run it replaces.
	opMu sync.Mutex

	// mu guards the fields below; the wait goroutine clears active.
	mu         sync.Mutex
	active     *run
	nextID     uint64
	onComplete func(Completion)
}

// run is one launched child.
type run struct {
	id        uint64
	task      Task
	cmd       *exec.Cmd
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	startedAt time.Time
	stopped   atomic.Bool
	done      chan struct{}
}

// New creates an idle controller.
func New(opts Options, logger *slog.Logger) *Controller {
	return &Controller{
		opts:   opts,
		logger: logger.With(slog.String("component", "process")),
	}
}

// SetCompletionHandler sets the callback receiving every Completion. It is
// called from a background goroutine.
func (c *Controller) SetCompletionHandler(fn func(Completion)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// Prepare preallocates the scratch file described by opts.
func (c *Controller) Prepare(opts fio.PrepareOptions) error {
	if err := ValidatePath(opts.Path); err != nil {
		return err
	}
	return c.launch(TaskPrepare, opts.Args())
}

// Start runs one benchmark job described by opts.
func (c *Controller) Start(opts fio.BenchmarkOptions) error {
	if err := ValidatePath(opts.Path); err != nil {
		return err
	}
	return c.launch(TaskBenchmark, opts.Args())
}

// launch replaces any active run with a new child running the tool with
// args. A run that cannot be started still produces a failed Completion.
func (c *Controller) launch(task Task, args []string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.stopActive() {
		c.logger.Info("replaced active process", slog.String("task", string(task)))
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	r := &run{
		id:   id,
		task: task,
		done: make(chan struct{}),
	}

	cmd := exec.Command(c.opts.ToolPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = &r.stdout
	cmd.Stderr = &r.stderr
	cmd.WaitDelay = waitDelay
	r.cmd = cmd

	r.startedAt = time.Now()
	if err := cmd.Start(); err != nil {
		c.logger.Error("failed to start process",
			slog.Uint64("run_id", id),
			slog.String("task", string(task)),
			slog.String("tool", c.opts.ToolPath),
			slog.String("error", err.Error()),
		)
		go c.deliver(Completion{
			RunID:    id,
			Task:     task,
			ExitCode: -1,
			Stderr:   err.Error(),
		})
		return fmt.Errorf("failed to start %s: %w", c.opts.ToolPath, err)
	}

	c.mu.Lock()
	c.active = r
	c.mu.Unlock()

	c.logger.Info("process started",
		slog.Uint64("run_id", id),
		slog.String("task", string(task)),
		slog.Int("pid", cmd.Process.Pid),
	)

	go c.wait(r)
	return nil
}

// wait reaps r, releases the slot and reports the outcome.
func (c *Controller) wait(r *run) {
	err := r.cmd.Wait()
	result := r.completion(err)

	c.mu.Lock()
	if c.active == r {
		c.active = nil
	}
	c.mu.Unlock()
	close(r.done)

	c.logger.Info("process finished",
		slog.Uint64("run_id", r.id),
		slog.String("task", string(r.task)),
		slog.Bool("succeeded", result.Succeeded),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("stopped", result.Stopped),
		slog.Duration("duration", result.Duration),
	)

	c.deliver(result)
}

func (c *Controller) deliver(result Completion) {
	c.mu.Lock()
	cb := c.onComplete
	c.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}

// Stop terminates the active process, if any, and returns once it has
// exited. It is a no-op when nothing is running.
func (c *Controller) Stop() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopActive()
}

// stopActive signals the active run's process group and waits for it.
// Reports whether there was anything to stop. Callers hold opMu.
func (c *Controller) stopActive() bool {
	c.mu.Lock()
	r := c.active
	c.mu.Unlock()

	if r == nil {
		return false
	}

	r.stopped.Store(true)
	pgid := r.cmd.Process.Pid

	c.logger.Info("stopping process",
		slog.Uint64("run_id", r.id),
		slog.Int("pid", pgid),
	)

	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		c.logger.Warn("failed to signal process group",
			slog.Int("pgid", pgid),
			slog.String("error", err.Error()),
		)
	}

	var escalate <-chan time.Time
	if c.opts.KillAfter > 0 {
		timer := time.NewTimer(c.opts.KillAfter)
		defer timer.Stop()
		escalate = timer.C
	}

	select {
	case <-r.done:
	case <-escalate:
		c.logger.Warn("process ignored SIGTERM, killing",
			slog.Uint64("run_id", r.id),
			slog.Duration("after", c.opts.KillAfter),
		)
		if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			r.cmd.Process.Kill()
		}
		<-r.done
	}

	return true
}

// Running reports whether a child is currently active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Shutdown stops the active process, giving up when ctx ends.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("process did not stop: %w", ctx.Err())
	}
}
