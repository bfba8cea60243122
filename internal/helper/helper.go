// Package helper implements the privileged helper's request handlers and the
// socket server that feeds them.
//
// Every handler first asks the authorization gate about the caller. Anything
// short of a grant produces the handler's empty result together with
// ErrAccessDenied and leaves the system untouched. Scratch paths are checked
// before authorization: a foreign path means a broken or malicious client and
// ends the helper through the fatal handler.
package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jonmagon/kdiskmark/helper/internal/authz"
	"github.com/jonmagon/kdiskmark/helper/internal/fio"
	"github.com/jonmagon/kdiskmark/helper/internal/process"
	"github.com/jonmagon/kdiskmark/helper/internal/session"
	"github.com/jonmagon/kdiskmark/helper/internal/storage"
)

// Errors returned by the handlers.
var (
	ErrAccessDenied   = errors.New("access denied")
	ErrInvalidRequest = errors.New("invalid request")
)

// Gate decides whether a caller may proceed.
type Gate interface {
	Check(ctx context.Context, caller authz.Caller) authz.Decision
}

// Controller runs and stops benchmark processes and performs the
// privileged file operations.
type Controller interface {
	Prepare(opts fio.PrepareOptions) error
	Start(opts fio.BenchmarkOptions) error
	Stop()
	FlushPageCache() process.FlushResult
	RemoveFile(path string) bool
}

// StorageLister enumerates benchmark target volumes.
type StorageLister interface {
	List(ctx context.Context) (storage.Volumes, error)
}

// Helper holds the six request handlers.
type Helper struct {
	gate     Gate
	sessions *session.Registry
	ctl      Controller
	storages StorageLister
	logger   *slog.Logger
	fatal    func(err error)
}

// New creates a Helper. The fatal handler defaults to logging and exiting
// with status 1.
func New(gate Gate, sessions *session.Registry, ctl Controller, storages StorageLister, logger *slog.Logger) *Helper {
	h := &Helper{
		gate:     gate,
		sessions: sessions,
		ctl:      ctl,
		storages: storages,
		logger:   logger.With(slog.String("component", "helper")),
	}
	h.fatal = func(err error) {
		h.logger.Error("fatal request", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return h
}

// SetFatalHandler replaces the handler invoked for scratch path violations.
// Production handlers must not return.
func (h *Helper) SetFatalHandler(fn func(err error)) {
	h.fatal = fn
}

// ListStorages reports mounted, writable, device-backed volumes.
func (h *Helper) ListStorages(ctx context.Context, caller authz.Caller) (storage.Volumes, error) {
	if !h.authorized(ctx, caller, MethodListStorages) {
		return storage.Volumes{}, ErrAccessDenied
	}

	volumes, err := h.storages.List(ctx)
	if err != nil {
		h.logger.Warn("failed to list storages", slog.String("error", err.Error()))
		return storage.Volumes{}, err
	}
	return volumes, nil
}

// PrepareFile preallocates the scratch file. The outcome arrives later as a
// completion event.
func (h *Helper) PrepareFile(ctx context.Context, caller authz.Caller, opts fio.PrepareOptions) error {
	if err := h.checkPath(opts.Path); err != nil {
		return err
	}
	if !h.authorized(ctx, caller, MethodPrepareFile) {
		return ErrAccessDenied
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	// Launch failures are reported through the completion event.
	if err := h.ctl.Prepare(opts); err != nil {
		h.logger.Warn("prepare did not start", slog.String("error", err.Error()))
	}
	return nil
}

// StartTest runs one benchmark job. The outcome arrives later as a
// completion event.
func (h *Helper) StartTest(ctx context.Context, caller authz.Caller, opts fio.BenchmarkOptions) error {
	if err := h.checkPath(opts.Path); err != nil {
		return err
	}
	if !h.authorized(ctx, caller, MethodStartTest) {
		return ErrAccessDenied
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := h.ctl.Start(opts); err != nil {
		h.logger.Warn("benchmark did not start", slog.String("error", err.Error()))
	}
	return nil
}

// FlushPageCache drops the kernel page cache.
func (h *Helper) FlushPageCache(ctx context.Context, caller authz.Caller) (process.FlushResult, error) {
	if !h.authorized(ctx, caller, MethodFlushPageCache) {
		return process.FlushResult{Success: false}, ErrAccessDenied
	}
	return h.ctl.FlushPageCache(), nil
}

// RemoveFile deletes the scratch file and reports whether it did.
func (h *Helper) RemoveFile(ctx context.Context, caller authz.Caller, path string) (bool, error) {
	if err := h.checkPath(path); err != nil {
		return false, err
	}
	if !h.authorized(ctx, caller, MethodRemoveFile) {
		return false, ErrAccessDenied
	}
	return h.ctl.RemoveFile(path), nil
}

// StopCurrentTask stops the running process and waits for it to exit.
func (h *Helper) StopCurrentTask(ctx context.Context, caller authz.Caller) error {
	if !h.authorized(ctx, caller, MethodStopCurrentTask) {
		return ErrAccessDenied
	}
	h.ctl.Stop()
	return nil
}

// Disconnected ends callerID's session, if it held one.
func (h *Helper) Disconnected(callerID string) {
	h.sessions.Unregister(callerID)
}

// Authorized reports whether callerID currently holds the session.
func (h *Helper) Authorized(callerID string) bool {
	return h.sessions.Contains(callerID)
}

func (h *Helper) authorized(ctx context.Context, caller authz.Caller, method Method) bool {
	if h.gate.Check(ctx, caller) == authz.Granted {
		return true
	}
	h.logger.Info("request denied",
		slog.String("caller", caller.ID),
		slog.String("method", string(method)),
	)
	return false
}

// checkPath hands scratch path violations to the fatal handler. It only
// returns (with the violation) when the handler does.
func (h *Helper) checkPath(path string) error {
	if err := process.ValidatePath(path); err != nil {
		h.fatal(err)
		return err
	}
	return nil
}
