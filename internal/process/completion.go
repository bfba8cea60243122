// completion.go defines the outcome reported when a controlled process ends.
package process

import (
	"errors"
	"os/exec"
	"time"
)

// Task identifies what a controlled process was started for.
type Task string

const (
	TaskPrepare   Task = "prepare"
	TaskBenchmark Task = "benchmark"
)

// Completion is delivered once for every process the controller launched,
// including launches that failed and processes that were stopped.
type Completion struct {
	// RunID increases with every launch so a client can tell a stopped run's
	// late completion from the run that replaced it.
	RunID uint64 `json:"run_id"`

	Task Task `json:"task"`

	// Succeeded is true when the process exited normally, whatever its exit
	// status. It is false for signal deaths and failed launches. A stopped
	// process that catches the signal and exits still counts as succeeded.
	Succeeded bool `json:"succeeded"`

	// ExitCode is the raw exit status, or -1 if the process was killed by a
	// signal or never started.
	ExitCode int `json:"exit_code"`

	// Stopped is true when the process ended because Stop was called.
	Stopped bool `json:"stopped"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	Duration time.Duration `json:"duration_ns"`
}

// completion builds the outcome of a run whose Wait returned err.
func (r *run) completion(err error) Completion {
	c := Completion{
		RunID:    r.id,
		Task:     r.task,
		Stopped:  r.stopped.Load(),
		Stdout:   r.stdout.String(),
		Stderr:   r.stderr.String(),
		Duration: time.Since(r.startedAt),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		c.ExitCode = 0
		c.Succeeded = true
	case errors.As(err, &exitErr):
		c.ExitCode = exitErr.ExitCode()
		c.Succeeded = exitErr.Exited()
	default:
		// Wait itself failed (e.g. WaitDelay expired on held pipes).
		c.ExitCode = -1
		if c.Stderr == "" {
			c.Stderr = err.Error()
		}
	}

	return c
}
