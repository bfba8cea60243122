// Package fio builds argument lists for the fio I/O load generator.
//
// The helper only ever runs fio in two shapes: preallocating the scratch file
// and running one benchmark job against it. Both ask for JSON output, which is
// handed back to the client untouched.
package fio

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidOptions is wrapped by Validate failures.
var ErrInvalidOptions = errors.New("invalid fio options")

// modes are the fio rw= values a benchmark may use.
var modes = map[string]bool{
	"read":      true,
	"write":     true,
	"randread":  true,
	"randwrite": true,
	"rw":        true,
	"readwrite": true,
	"randrw":    true,
	"trim":      true,
	"randtrim":  true,
	"trimwrite": true,
}

// PrepareOptions describes scratch file preallocation.
type PrepareOptions struct {
	Path     string `json:"path"`
	SizeMB   int    `json:"size_mb"`
	ZeroFill bool   `json:"zero_fill"`
}

// Validate checks the numeric fields.
func (o PrepareOptions) Validate() error {
	if o.SizeMB <= 0 {
		return fmt.Errorf("%w: size_mb must be positive, got %d", ErrInvalidOptions, o.SizeMB)
	}
	return nil
}

// Args returns the fio command line for o.
func (o PrepareOptions) Args() []string {
	return []string{
		"--output-format=json",
		"--create_only=1",
		"--filename=" + o.Path,
		"--size=" + strconv.Itoa(o.SizeMB) + "m",
		"--zero_buffers=" + boolFlag(o.ZeroFill),
		"--name=prepare",
	}
}

// BenchmarkOptions describes one benchmark run.
type BenchmarkOptions struct {
	Path          string `json:"path"`
	DurationSec   int    `json:"duration_sec"`
	SizeMB        int    `json:"size_mb"`
	RandomReadPct int    `json:"random_read_pct"`
	ZeroFill      bool   `json:"zero_fill"`
	BlockSizeKB   int    `json:"block_size_kb"`
	QueueDepth    int    `json:"queue_depth"`
	Threads       int    `json:"threads"`
	Mode          string `json:"mode"`
}

// Validate checks ranges and the rw mode.
func (o BenchmarkOptions) Validate() error {
	switch {
	case o.DurationSec <= 0:
		return fmt.Errorf("%w: duration_sec must be positive, got %d", ErrInvalidOptions, o.DurationSec)
	case o.SizeMB <= 0:
		return fmt.Errorf("%w: size_mb must be positive, got %d", ErrInvalidOptions, o.SizeMB)
	case o.RandomReadPct < 0 || o.RandomReadPct > 100:
		return fmt.Errorf("%w: random_read_pct must be within 0-100, got %d", ErrInvalidOptions, o.RandomReadPct)
	case o.BlockSizeKB <= 0:
		return fmt.Errorf("%w: block_size_kb must be positive, got %d", ErrInvalidOptions, o.BlockSizeKB)
	case o.QueueDepth <= 0:
		return fmt.Errorf("%w: queue_depth must be positive, got %d", ErrInvalidOptions, o.QueueDepth)
	case o.Threads <= 0:
		return fmt.Errorf("%w: threads must be positive, got %d", ErrInvalidOptions, o.Threads)
	case !modes[o.Mode]:
		return fmt.Errorf("%w: unsupported mode %q", ErrInvalidOptions, o.Mode)
	}
	return nil
}

// Args returns the fio command line for o: direct I/O through libaio with a
// non-repeating seed, fresh buffers per submit and an fsync at the end.
func (o BenchmarkOptions) Args() []string {
	return []string{
		"--output-format=json",
		"--ioengine=libaio",
		"--direct=1",
		"--randrepeat=0",
		"--refill_buffers",
		"--end_fsync=1",
		"--rwmixread=" + strconv.Itoa(o.RandomReadPct),
		"--filename=" + o.Path,
		"--name=" + o.Mode,
		"--size=" + strconv.Itoa(o.SizeMB) + "m",
		"--zero_buffers=" + boolFlag(o.ZeroFill),
		"--bs=" + strconv.Itoa(o.BlockSizeKB) + "k",
		"--runtime=" + strconv.Itoa(o.DurationSec),
		"--rw=" + o.Mode,
		"--iodepth=" + strconv.Itoa(o.QueueDepth),
		"--numjobs=" + strconv.Itoa(o.Threads),
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
