// Package authz decides whether a caller may use the helper.
//
// A caller that already holds the session passes immediately. Otherwise the
// policy service (polkit) is asked once, interactively; a grant is promoted
// into the session registry so later calls skip the prompt.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonmagon/kdiskmark/helper/internal/session"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Granted
	Error
)

// String returns the lowercase decision name used in logs.
func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Caller identifies the peer behind a request. ID is the transport-assigned
// identity used for the session; PID and UID describe the peer process for
// the policy service.
type Caller struct {
	ID  string
	PID int32
	UID uint32
}

// Authority is the policy service consulted for callers without a session.
type Authority interface {
	// CheckAuthorization blocks until the policy service decides, the
	// context ends, or the service fails.
	CheckAuthorization(ctx context.Context, actionID string, caller Caller) (Decision, error)
}

// Gate combines the policy service and the session registry.
type Gate struct {
	authority Authority
	registry  *session.Registry
	actionID  string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewGate creates a gate checking actionID. timeout bounds each interactive
// check; zero means no bound beyond the caller's context.
func NewGate(authority Authority, registry *session.Registry, actionID string, timeout time.Duration, logger *slog.Logger) *Gate {
	return &Gate{
		authority: authority,
		registry:  registry,
		actionID:  actionID,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "authz")),
	}
}

// Check returns Granted or Denied for caller. Errors from the policy service
// are logged and reported as Denied.
func (g *Gate) Check(ctx context.Context, caller Caller) Decision {
	if g.registry.Contains(caller.ID) {
		return Granted
	}

	if !g.registry.IsEmpty() {
		g.logger.Debug("rejecting caller, session already held",
			slog.String("caller", caller.ID),
		)
		return Denied
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	decision, err := g.authority.CheckAuthorization(ctx, g.actionID, caller)
	if err != nil {
		g.logger.Warn("authorization check failed",
			slog.String("caller", caller.ID),
			slog.String("error", err.Error()),
		)
		decision = Error
	}

	g.logger.Info("authorization decided",
		slog.String("caller", caller.ID),
		slog.Int("pid", int(caller.PID)),
		slog.Uint64("uid", uint64(caller.UID)),
		slog.String("decision", decision.String()),
		slog.Duration("duration", time.Since(start)),
	)

	if decision == Granted {
		if err := g.registry.Register(caller.ID); err != nil {
			g.logger.Warn("could not register granted caller",
				slog.String("caller", caller.ID),
				slog.String("error", err.Error()),
			)
			return Denied
		}
		return Granted
	}

	g.registry.Abandon()
	return Denied
}
