// Package session tracks which callers currently hold authorization.
//
// The helper serves exactly one session at a time: once a caller has been
// granted, every other caller is turned away until the holder disconnects.
// When the last holder goes away the registry fires its OnEmpty callback,
// which is the single place the helper's lifetime is ended from.
package session

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSessionHeld is returned by Register when a different caller already
// holds the session.
var ErrSessionHeld = errors.New("session already held by another caller")

// Registry is the set of authorized caller identities. It holds at most one
// distinct member.
type Registry struct {
	mu      sync.Mutex
	members map[string]struct{}
	onEmpty func(reason string)
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. onEmpty may be nil.
func NewRegistry(logger *slog.Logger, onEmpty func(reason string)) *Registry {
	return &Registry{
		members: make(map[string]struct{}),
		onEmpty: onEmpty,
		logger:  logger.With(slog.String("component", "session")),
	}
}

// Register adds caller to the registry. Registering the current holder again
// is a no-op; registering anyone else while the session is held fails.
func (r *Registry) Register(caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[caller]; ok {
		return nil
	}
	if len(r.members) > 0 {
		return ErrSessionHeld
	}

	r.members[caller] = struct{}{}
	r.logger.Info("session registered", slog.String("caller", caller))
	return nil
}

// Unregister removes caller. If that empties a non-empty registry the
// OnEmpty callback fires. Unknown callers are ignored.
func (r *Registry) Unregister(caller string) {
	r.mu.Lock()
	_, ok := r.members[caller]
	if ok {
		delete(r.members, caller)
	}
	emptied := ok && len(r.members) == 0
	cb := r.onEmpty
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("session unregistered", slog.String("caller", caller))
	if emptied && cb != nil {
		cb("last authorized caller disconnected")
	}
}

// Abandon reports that the only candidate for a session was refused. If no
// session is held the OnEmpty callback fires; otherwise nothing happens.
func (r *Registry) Abandon() {
	r.mu.Lock()
	empty := len(r.members) == 0
	cb := r.onEmpty
	r.mu.Unlock()

	if empty && cb != nil {
		cb("authorization refused with no active session")
	}
}

// Contains reports whether caller holds the session.
func (r *Registry) Contains(caller string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[caller]
	return ok
}

// IsEmpty reports whether no caller holds the session.
func (r *Registry) IsEmpty() bool {
	return r.Len() == 0
}

// Len returns the number of registered callers (zero or one).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
