// Package systemd integrates the helper with systemd.
//
// The helper is normally started on demand through kdiskmark-helper.socket:
// systemd owns the listening socket and hands it over on the first client
// connection. sd_notify READY/STOPPING keep the unit state accurate while the
// helper serves its single session and exits again. Outside systemd every
// call here degrades to a no-op.
package systemd

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady sends READY=1. Returns whether a notification was delivered.
func NotifyReady() bool {
	return notify(daemon.SdNotifyReady)
}

// NotifyStopping sends STOPPING=1. Returns whether a notification was delivered.
func NotifyStopping() bool {
	return notify(daemon.SdNotifyStopping)
}

func notify(state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("failed to send systemd notification",
			slog.String("state", state),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !sent {
		slog.Debug("systemd notification not available", slog.String("state", state))
	}
	return sent
}

// ActivatedListener returns the Unix socket passed in by socket activation,
// or nil when the process was not socket-activated.
func ActivatedListener() (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to read activation sockets: %w", err)
	}

	var found net.Listener
	for _, ln := range listeners {
		if ln == nil {
			continue
		}
		if _, ok := ln.(*net.UnixListener); ok && found == nil {
			found = ln
			continue
		}
		// Only one socket is expected; anything else is closed.
		ln.Close()
	}
	return found, nil
}

// IsRunningUnderSystemd reports whether NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
