package helper

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials returns the pid and uid of the process on the other end
// of a Unix socket connection, as recorded by the kernel at connect time.
func peerCredentials(conn net.Conn) (int32, uint32, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, 0, errors.New("peer credentials need a unix connection")
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to access socket: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, 0, fmt.Errorf("failed to access socket: %w", err)
	}
	if credErr != nil {
		return 0, 0, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}

	return cred.Pid, cred.Uid, nil
}
