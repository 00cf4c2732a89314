//go:build windows
// +build windows

package revent

import (
	"net"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// mswsock carries the AcceptEx/GetAcceptExSockaddrs entry points, which
// golang.org/x/sys/windows doesn't export directly; loaded the way the
// pack's Windows async-IO reference loads them, via a lazy system DLL
// rather than a cgo binding.
var (
	mswsock                  = windows.NewLazySystemDLL("mswsock.dll")
	procAcceptEx             = mswsock.NewProc("AcceptEx")
	procGetAcceptExSockaddrs = mswsock.NewProc("GetAcceptExSockaddrs")
)

// windowsSocket is the concrete, overlapped-capable Socket this module
// hands to RegisterSocket on Windows.
type windowsSocket struct {
	handle windows.Handle
	local  net.Addr
	peer   net.Addr
}

func (s *windowsSocket) Fd() uintptr { return uintptr(s.handle) }

// Read/Write satisfy Socket for completeness (e.g. synchronous probing);
// the IOCP selector always goes through ReadOverlapped/WriteOverlapped.
func (s *windowsSocket) Read(b []byte) (int, error) {
	var bytes, flags uint32
	buf := windows.WSABuf{Len: uint32(len(b)), Buf: bufPtr(b)}
	err := windows.WSARecv(s.handle, &buf, 1, &bytes, &flags, nil, nil)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return int(bytes), nil
}

func (s *windowsSocket) Write(b []byte) (int, error) {
	var bytes uint32
	buf := windows.WSABuf{Len: uint32(len(b)), Buf: bufPtr(b)}
	err := windows.WSASend(s.handle, &buf, 1, &bytes, 0, nil, nil)
	if err != nil {
		if err == windows.WSAEWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return int(bytes), nil
}

// Accept is not used on this backend: AcceptOverlapped drives accepts
// through AcceptEx instead.
func (s *windowsSocket) Accept() (Socket, error) { return nil, ErrUnsupported }

func (s *windowsSocket) Close() error { return windows.CloseHandle(s.handle) }

func (s *windowsSocket) SetNonblocking(bool) error { return nil }

func (s *windowsSocket) LocalAddr() net.Addr { return s.local }
func (s *windowsSocket) PeerAddr() net.Addr  { return s.peer }

// AcceptOverlapped pre-creates the socket that will receive the next
// inbound connection and issues AcceptEx against it, returning the
// placeholder so the selector can thread it through to AcceptComplete.
func (s *windowsSocket) AcceptOverlapped(scratch []byte, ov *Overlapped) (Socket, error) {
	proto, _ := addrFamily(s.local)
	nh, err := windows.Socket(proto, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "revent: socket")
	}
	var bytes uint32
	ret, _, err := procAcceptEx.Call(
		uintptr(s.handle),
		uintptr(nh),
		uintptr(unsafe.Pointer(&scratch[0])),
		0,
		uintptr(acceptAddrSize),
		uintptr(acceptAddrSize),
		uintptr(unsafe.Pointer(&bytes)),
		uintptr(unsafe.Pointer(&ov.Raw)),
	)
	if ret == 0 && err != windows.ERROR_IO_PENDING {
		windows.CloseHandle(nh)
		return nil, errors.Wrap(err, "revent: AcceptEx")
	}
	return &windowsSocket{handle: nh}, nil
}

// ReadOverlapped issues a WSARecv against buf, completing asynchronously
// through the owning EventLoop's completion port.
func (s *windowsSocket) ReadOverlapped(buf []byte, ov *Overlapped) error {
	var bytes, flags uint32
	wbuf := windows.WSABuf{Len: uint32(len(buf)), Buf: bufPtr(buf)}
	err := windows.WSARecv(s.handle, &wbuf, 1, &bytes, &flags, &ov.Raw, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return errors.Wrap(err, "revent: WSARecv")
	}
	return nil
}

// WriteOverlapped issues a WSASend against buf.
func (s *windowsSocket) WriteOverlapped(buf []byte, ov *Overlapped) error {
	var bytes uint32
	wbuf := windows.WSABuf{Len: uint32(len(buf)), Buf: bufPtr(buf)}
	err := windows.WSASend(s.handle, &wbuf, 1, &bytes, 0, &ov.Raw, nil)
	if err != nil && err != windows.ERROR_IO_PENDING {
		return errors.Wrap(err, "revent: WSASend")
	}
	return nil
}

// AcceptComplete finalises an AcceptEx completion: binds the accepted
// handle's socket options to the listener (SO_UPDATE_ACCEPT_CONTEXT) and
// recovers both endpoints' addresses out of the scratch buffer via
// GetAcceptExSockaddrs.
func (s *windowsSocket) AcceptComplete(accepted Socket, scratch []byte) error {
	as, ok := accepted.(*windowsSocket)
	if !ok {
		return ErrUnsupported
	}
	if err := windows.Setsockopt(
		as.handle,
		windows.SOL_SOCKET,
		windows.SO_UPDATE_ACCEPT_CONTEXT,
		(*byte)(unsafe.Pointer(&s.handle)),
		int32(unsafe.Sizeof(s.handle)),
	); err != nil {
		return errors.Wrap(err, "revent: SO_UPDATE_ACCEPT_CONTEXT")
	}

	var localSA, remoteSA *windows.RawSockaddrAny
	var localLen, remoteLen int32
	procGetAcceptExSockaddrs.Call(
		uintptr(unsafe.Pointer(&scratch[0])),
		0,
		uintptr(acceptAddrSize),
		uintptr(acceptAddrSize),
		uintptr(unsafe.Pointer(&localSA)),
		uintptr(unsafe.Pointer(&localLen)),
		uintptr(unsafe.Pointer(&remoteSA)),
		uintptr(unsafe.Pointer(&remoteLen)),
	)
	as.local = rawSockaddrToNetAddr(localSA)
	as.peer = rawSockaddrToNetAddr(remoteSA)
	return nil
}

func bufPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

func addrFamily(addr net.Addr) (int, error) {
	if tcp, ok := addr.(*net.TCPAddr); ok && tcp.IP.To4() == nil {
		return windows.AF_INET6, nil
	}
	return windows.AF_INET, nil
}

func rawSockaddrToNetAddr(sa *windows.RawSockaddrAny) net.Addr {
	if sa == nil {
		return nil
	}
	switch sa.Addr.Family {
	case windows.AF_INET:
		a := (*windows.RawSockaddrInet4)(unsafe.Pointer(sa))
		port := int(a.Port>>8) | int(a.Port&0xff)<<8
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: port}
	case windows.AF_INET6:
		a := (*windows.RawSockaddrInet6)(unsafe.Pointer(sa))
		port := int(a.Port>>8) | int(a.Port&0xff)<<8
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: port}
	default:
		return nil
	}
}

// ListenTCP opens a listening socket bound to address, ready to be
// registered as an accept entry.
func ListenTCP(address string) (Socket, error) {
	raddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "revent: resolve")
	}
	family := windows.AF_INET
	if raddr.IP != nil && raddr.IP.To4() == nil {
		family = windows.AF_INET6
	}
	h, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "revent: socket")
	}
	sa := tcpAddrToWindowsSockaddr(raddr)
	if err := windows.Bind(h, sa); err != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrap(err, "revent: bind")
	}
	if err := windows.Listen(h, 128); err != nil {
		windows.CloseHandle(h)
		return nil, errors.Wrap(err, "revent: listen")
	}
	return &windowsSocket{handle: h, local: raddr}, nil
}

// DialTCP starts a non-blocking outbound connection to address.
func DialTCP(address string) (Socket, error) {
	raddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "revent: resolve")
	}
	family := windows.AF_INET
	if raddr.IP.To4() == nil {
		family = windows.AF_INET6
	}
	h, err := windows.Socket(family, windows.SOCK_STREAM, windows.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "revent: socket")
	}
	sa := tcpAddrToWindowsSockaddr(raddr)
	if err := windows.Connect(h, sa); err != nil && err != windows.WSAEWOULDBLOCK {
		windows.CloseHandle(h)
		return nil, errors.Wrap(err, "revent: connect")
	}
	return &windowsSocket{handle: h, peer: raddr}, nil
}

// CheckReady resolves a DialTCP socket's pending connect by probing
// SO_ERROR.
func CheckReady(sock Socket) error {
	ws, ok := sock.(*windowsSocket)
	if !ok {
		return ErrUnsupported
	}
	var errno int32
	l := int32(unsafe.Sizeof(errno))
	if err := windows.Getsockopt(ws.handle, windows.SOL_SOCKET, windows.SO_ERROR, (*byte)(unsafe.Pointer(&errno)), &l); err != nil {
		return err
	}
	if errno != 0 {
		return windows.Errno(errno)
	}
	return nil
}

func tcpAddrToWindowsSockaddr(addr *net.TCPAddr) windows.Sockaddr {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &windows.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &windows.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa
}
