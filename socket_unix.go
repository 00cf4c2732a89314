//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package revent

import (
	"net"

	goreuseport "github.com/kavu/go_reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// unixSocket is the concrete, raw-fd-backed Socket this module hands to
// RegisterSocket on POSIX platforms. It never goes through net.Conn for
// reads/writes: net.Conn's own runtime-integrated poller would fight the
// reactor for the same fd, the same reason gaio and tnet both keep a
// private raw-fd wrapper instead of layering on top of net.Conn.
type unixSocket struct {
	fd    int
	local net.Addr
	peer  net.Addr
}

func (s *unixSocket) Fd() uintptr { return uintptr(s.fd) }

// Read is non-blocking; on EAGAIN/EWOULDBLOCK it returns (0, ErrWouldBlock)
// per the Socket contract. A graceful peer close reads as (0, nil) rather
// than io.EOF, so the selector's zero-return branch (unregister, no
// recorded error) handles it instead of the system-error branch -- the
// same Ok(0)-vs-Err split original_source's sys/unix/epoll.rs read_done
// makes.
func (s *unixSocket) Read(b []byte) (int, error) {
	n, err := unix.Read(s.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (s *unixSocket) Write(b []byte) (int, error) {
	n, err := unix.Write(s.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Accept is only valid on a listening unixSocket.
func (s *unixSocket) Accept() (Socket, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, ErrWouldBlock
		}
		return nil, err
	}
	local, _ := unix.Getsockname(nfd)
	return &unixSocket{
		fd:    nfd,
		local: sockaddrToNetAddr(local),
		peer:  sockaddrToNetAddr(sa),
	}, nil
}

func (s *unixSocket) Close() error { return unix.Close(s.fd) }

func (s *unixSocket) SetNonblocking(on bool) error { return unix.SetNonblock(s.fd, on) }

func (s *unixSocket) LocalAddr() net.Addr { return s.local }
func (s *unixSocket) PeerAddr() net.Addr  { return s.peer }

// ListenTCP opens a SO_REUSEPORT listening socket on address, via
// github.com/kavu/go_reuseport the way trpc-group/trpc-go/tnet's
// udpservice.go reaches for the same package, then dups the listener's
// fd out of net.Listener's runtime-integrated file descriptor so this
// module owns it exclusively and can drive it non-blocking through the
// reactor instead of Go's own netpoller.
func ListenTCP(address string) (Socket, error) {
	ln, err := goreuseport.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "revent: reuseport listen")
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, errors.New("revent: reuseport listener was not a *net.TCPListener")
	}
	f, err := tl.File()
	ln.Close()
	if err != nil {
		return nil, errors.Wrap(err, "revent: listener file")
	}
	newFd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, "revent: dup listener fd")
	}
	if err := unix.SetNonblock(newFd, true); err != nil {
		unix.Close(newFd)
		return nil, errors.Wrap(err, "revent: set listener non-blocking")
	}
	sa, _ := unix.Getsockname(newFd)
	return &unixSocket{fd: newFd, local: sockaddrToNetAddr(sa)}, nil
}

// DialTCP starts a non-blocking outbound connection to address. The
// caller must poll CheckReady (or register the returned Socket for write
// readiness) to learn when the connect attempt finishes.
func DialTCP(address string) (Socket, error) {
	raddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "revent: resolve")
	}
	domain := unix.AF_INET
	if raddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "revent: socket")
	}
	sa := tcpAddrToSockaddr(raddr)
	if err := unix.Connect(fd, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, errors.Wrap(err, "revent: connect")
	}
	return &unixSocket{fd: fd, peer: raddr}, nil
}

// CheckReady resolves a DialTCP socket's pending connect, returning the
// connect error (nil on success) once SO_ERROR indicates completion.
func CheckReady(sock Socket) error {
	us, ok := sock.(*unixSocket)
	if !ok {
		return ErrUnsupported
	}
	errno, err := unix.GetsockoptInt(us.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port, Zone: zoneName(a.ZoneId)}
	default:
		return nil
	}
}

func zoneName(zoneID uint32) string {
	if zoneID == 0 {
		return ""
	}
	if iface, err := net.InterfaceByIndex(int(zoneID)); err == nil {
		return iface.Name
	}
	return ""
}

func tcpAddrToSockaddr(addr *net.TCPAddr) unix.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}
