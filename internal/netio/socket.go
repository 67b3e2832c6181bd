// Package netio tunes the relay's UDP socket buffer sizes.
package netio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// TuneBuffers sets both SO_RCVBUF and SO_SNDBUF on conn to size bytes. A
// relay forwarding bursts of small datagrams to many peers benefits from
// larger-than-default kernel buffers to absorb transient backpressure
// without dropping packets at the socket layer.
func TuneBuffers(conn *net.UDPConn, size int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd uintptr->int is safe; kernel FDs are always small positive integers.
		intFD := int(fd)
		sockErr = setBufferSizes(intFD, size)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

func setBufferSizes(fd, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return fmt.Errorf("set SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return fmt.Errorf("set SO_SNDBUF: %w", err)
	}
	return nil
}
