// polkit.go talks to the polkit authority on the D-Bus system bus.
// Callers reach the helper over a Unix socket, so they are described to
// polkit as unix-process subjects built from the socket's peer credentials.
package authz

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	polkitBusName   = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitInterface = "org.freedesktop.PolicyKit1.Authority"

	// CheckAuthorizationFlags: AllowUserInteraction.
	allowUserInteraction uint32 = 0x1

	cancelTimeout = 5 * time.Second
)

// polkitSubject is the (sa{sv}) subject structure.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// polkitResult is the (bba{ss}) authorization result structure.
type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Polkit is an Authority backed by the system polkit daemon.
type Polkit struct {
	conn      *dbus.Conn
	authority dbus.BusObject
}

// NewPolkit connects to the system bus.
func NewPolkit() (*Polkit, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Polkit{
		conn:      conn,
		authority: conn.Object(polkitBusName, polkitPath),
	}, nil
}

// CheckAuthorization asks polkit whether caller may perform actionID,
// letting polkit show an authentication dialog if the policy requires one.
// If ctx ends first the pending check is cancelled at polkit.
func (p *Polkit) CheckAuthorization(ctx context.Context, actionID string, caller Caller) (Decision, error) {
	cancellationID := uuid.NewString()

	call := p.authority.CallWithContext(ctx, polkitInterface+".CheckAuthorization", 0,
		unixProcessSubject(caller),
		actionID,
		map[string]string{},
		allowUserInteraction,
		cancellationID,
	)
	if call.Err != nil {
		if ctx.Err() != nil {
			p.cancel(cancellationID)
		}
		return Error, fmt.Errorf("polkit CheckAuthorization: %w", call.Err)
	}

	var result polkitResult
	if err := call.Store(&result); err != nil {
		return Error, fmt.Errorf("failed to decode polkit result: %w", err)
	}

	if result.IsAuthorized {
		return Granted, nil
	}
	return Denied, nil
}

// cancel withdraws a pending check so polkit closes its dialog.
func (p *Polkit) cancel(cancellationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	p.authority.CallWithContext(ctx, polkitInterface+".CancelCheckAuthorization", 0, cancellationID)
}

// Shutdown closes the system bus connection.
func (p *Polkit) Shutdown(ctx context.Context) error {
	if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close system bus: %w", err)
	}
	return nil
}

// unixProcessSubject describes caller to polkit. A zero start-time makes
// polkit look it up from /proc itself.
func unixProcessSubject(caller Caller) polkitSubject {
	return polkitSubject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(uint32(caller.PID)),
			"start-time": dbus.MakeVariant(uint64(0)),
			"uid":        dbus.MakeVariant(int32(caller.UID)),
		},
	}
}
