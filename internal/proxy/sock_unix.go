//go:build unix

package proxy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////////////
// Host socket layer. Every socket the gateway opens is non-blocking; the poll
// loop is the only place receive progress is made, so nothing here may block.
////////////////////////////////////////////////////////////////////////////////

func newUDPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("udp socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("udp nonblock: %w", err)
	}
	return fd, nil
}

func newTCPSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("tcp socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp nonblock: %w", err)
	}
	return fd, nil
}

// connectTCP starts a non-blocking connect. EINPROGRESS is success; the
// connection completes (or fails) asynchronously and surfaces on the first
// send or recv.
func connectTCP(fd int, ip [4]byte, port uint16) error {
	err := unix.Connect(fd, &unix.SockaddrInet4{Port: int(port), Addr: ip})
	if err == nil || err == unix.EINPROGRESS {
		return nil
	}
	return fmt.Errorf("tcp connect: %w", err)
}

// newTCPListener binds and listens on port with SO_REUSEADDR, non-blocking.
func newTCPListener(port uint16) (int, error) {
	fd, err := newTCPSocket()
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp reuseaddr: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 5); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tcp listen port %d: %w", port, err)
	}
	return fd, nil
}

// acceptTCP accepts one pending connection, returning the peer address. The
// accepted socket is switched to non-blocking before it is returned.
func acceptTCP(fd int) (int, [4]byte, uint16, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, [4]byte{}, 0, err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, [4]byte{}, 0, err
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(nfd)
		return -1, [4]byte{}, 0, fmt.Errorf("accept: unexpected address family %T", sa)
	}
	return nfd, inet4.Addr, uint16(inet4.Port), nil
}

// boundPort reports the local port a socket ended up bound to.
func boundPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("getsockname: unexpected address family %T", sa)
	}
	return uint16(inet4.Port), nil
}

func sendToUDP(fd int, payload []byte, ip [4]byte, port uint16) error {
	return unix.Sendto(fd, payload, 0, &unix.SockaddrInet4{Port: int(port), Addr: ip})
}

func recvFromUDP(fd int, buf []byte) (int, [4]byte, uint16, error) {
	n, sa, err := unix.Recvfrom(fd, buf, unix.MSG_DONTWAIT)
	if err != nil {
		return 0, [4]byte{}, 0, err
	}
	if inet4, ok := sa.(*unix.SockaddrInet4); ok {
		return n, inet4.Addr, uint16(inet4.Port), nil
	}
	return n, [4]byte{}, 0, nil
}

// sendStream writes payload to a connected socket. Partial writes and
// would-block conditions are reported as success: the guest's TCP stack
// retransmits, and the gateway never buffers.
func sendStream(fd int, payload []byte) error {
	_, err := unix.Write(fd, payload)
	if err == nil || isWouldBlock(err) {
		return nil
	}
	return err
}

// recvStream reads from a connected socket. n == 0 with a nil error means the
// peer closed the connection.
func recvStream(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if n < 0 {
		n = 0
	}
	return n, err
}

func closeSocket(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// isNotReady reports transient conditions on a socket whose non-blocking
// connect has not completed yet.
func isNotReady(err error) bool {
	return isWouldBlock(err) || err == unix.ENOTCONN || err == unix.EALREADY || err == unix.EINPROGRESS || err == unix.EINTR
}
