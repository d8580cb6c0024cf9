//go:build linux

// File: transport/sockfd_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking TCP socket operations. Everything above this file works
// in terms of plain descriptors; all syscall detail and errno mapping
// lives here.

package transport

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolve %s", addr)
	}
	ip := tcp.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: tcp.Port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: tcp.Port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return (&net.TCPAddr{IP: a.Addr[:], Port: a.Port}).String()
	case *unix.SockaddrInet6:
		return (&net.TCPAddr{IP: a.Addr[:], Port: a.Port}).String()
	default:
		return ""
	}
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	// latency over batching on the framed message path
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, nil
}

// dialSocket starts a non-blocking connect. inProgress reports that the
// connect is still completing and will be signalled via write readiness.
func dialSocket(addr string) (fd int, inProgress bool, err error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, false, err
	}
	fd, err = newSocket(family)
	if err != nil {
		return -1, false, err
	}
	switch err = unix.Connect(fd, sa); err {
	case nil:
		return fd, false, nil
	case unix.EINPROGRESS:
		return fd, true, nil
	default:
		unix.Close(fd)
		return -1, false, errors.Wrapf(err, "connect %s", addr)
	}
}

// listenSocket binds and listens. The returned address carries the
// kernel-assigned port when addr requested port 0.
func listenSocket(addr string, backlog int, reuse bool) (fd int, bound string, err error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, "", err
	}
	fd, err = newSocket(family)
	if err != nil {
		return -1, "", err
	}
	if reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return -1, "", errors.Wrap(err, "setsockopt SO_REUSEADDR")
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrapf(err, "bind %s", addr)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrapf(err, "listen %s", addr)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", errors.Wrap(err, "getsockname")
	}
	return fd, sockaddrString(local), nil
}

// acceptSocket accepts one pending connection. A drained backlog returns
// (-1, "", nil).
func acceptSocket(lfd int) (fd int, remote string, err error) {
	fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	switch err {
	case nil:
	case unix.EAGAIN, unix.ECONNABORTED:
		return -1, "", nil
	default:
		return -1, "", errors.Wrap(err, "accept")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	return fd, sockaddrString(sa), nil
}

// sockRead reads into p. A drained socket returns errWouldBlock; a peer
// shutdown returns io.EOF.
func sockRead(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch err {
		case nil:
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, errors.Wrap(err, "read")
		}
	}
}

// sockWritev gather-writes views. A full socket buffer returns (0,
// errWouldBlock); a short write returns the byte count with a nil error.
func sockWritev(fd int, views [][]byte) (int, error) {
	for {
		n, err := unix.Writev(fd, views)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, errWouldBlock
		default:
			return 0, errors.Wrap(err, "writev")
		}
	}
}

// sockPendingError collects the deferred error of a non-blocking connect
// or an error-readiness notification.
func sockPendingError(fd int) error {
	soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt SO_ERROR")
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

func closeFD(fd int) error {
	return unix.Close(fd)
}
