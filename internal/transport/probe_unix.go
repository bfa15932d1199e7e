//go:build unix

package transport

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/glimte/postbox-go/contracts"
)

// Probe peeks at the socket without consuming data. A readable socket with
// nothing to read means the peer closed its side.
func Probe(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	var probeErr error
	buf := make([]byte, 1)
	err = raw.Control(func(fd uintptr) {
		n, _, rerr := unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case errors.Is(rerr, unix.EAGAIN), errors.Is(rerr, unix.EWOULDBLOCK), errors.Is(rerr, unix.EINTR):
		case rerr != nil:
			probeErr = rerr
		case n == 0:
			probeErr = contracts.ErrHalfOpen
		}
	})
	if err != nil {
		return err
	}
	return probeErr
}
