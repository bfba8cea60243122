// Package shutdown tears the helper's components down in a fixed order.
//
// Components are stopped last-registered first. The helper registers the
// policy connection, then the process controller, then the socket server, so
// clients are disconnected before the benchmark child is stopped and the
// system bus connection goes last.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Shutdowner is implemented by components taking part in shutdown. It should
// return ctx.Err() when it cannot finish before the deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type component struct {
	name string
	s    Shutdowner
}

// Coordinator stops registered components in reverse order.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown"))}
}

// Register adds a component.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.components = append(c.components, component{name: name, s: s})
}

// Shutdown stops every component, continuing past failures. Components not
// reached before ctx ends are skipped. All failures are joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var errs []error

	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		if err := ctx.Err(); err != nil {
			c.logger.Error("shutdown deadline exceeded", slog.String("remaining", comp.name))
			errs = append(errs, fmt.Errorf("%s not stopped: %w", comp.name, err))
			break
		}

		start := time.Now()
		if err := comp.s.Shutdown(ctx); err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", comp.name, err))
			continue
		}
		c.logger.Debug("component stopped",
			slog.String("handler", comp.name),
			slog.Duration("duration", time.Since(start)),
		)
	}

	return errors.Join(errs...)
}
