//go:build linux
// +build linux

package revent

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioEvent is the selector table's record: the owning EventBuffer/entry and
// a terminal flag, exactly the shape td_revent's sys/unix/epoll.rs Event
// struct has (buffer + entry + is_end), adapted to the Go entry model.
type ioEvent struct {
	buffer *EventBuffer
	entry  *EventEntry
	isEnd  bool
}

// epollSelector is the readiness backend for Linux (§4.5).
type epollSelector struct {
	epfd   int
	events []unix.EpollEvent
	table  map[uintptr]*ioEvent
}

func newSelector(capacity int) (selectorBackend, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &epollSelector{
		epfd:   fd,
		events: make([]unix.EpollEvent, capacity),
		table:  make(map[uintptr]*ioEvent),
	}, nil
}

func flagsToEpoll(f Flags) uint32 {
	var ev uint32
	if f.Has(FlagRead) || f.Has(FlagAccept) {
		ev |= unix.EPOLLIN
	}
	if f.Has(FlagWrite) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (s *epollSelector) ctl(op int, fd uintptr, events uint32) error {
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(s.epfd, op, int(fd), ev)
}

// RegisterSocket replaces any prior registration for buf.Socket's fd. On
// any platform error the entry is removed from the table before
// returning.
func (s *epollSelector) RegisterSocket(loop *EventLoop, buf *EventBuffer, entry *EventEntry) error {
	fd := buf.Socket.Fd()
	if _, exists := s.table[fd]; exists {
		delete(s.table, fd)
		_ = s.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	}
	s.table[fd] = &ioEvent{buffer: buf, entry: entry}
	if err := s.ctl(unix.EPOLL_CTL_ADD, fd, flagsToEpoll(entry.Flags)); err != nil {
		delete(s.table, fd)
		return errors.Wrapf(err, "epoll_ctl add fd=%d", fd)
	}
	return nil
}

// ModifySocket merges delta into the existing entry and re-arms the
// poller. If re-arming fails the socket is unregistered.
func (s *epollSelector) ModifySocket(loop *EventLoop, isDel bool, sock Socket, delta *EventEntry) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	item.entry.Merge(isDel, delta)
	if err := s.ctl(unix.EPOLL_CTL_MOD, fd, flagsToEpoll(item.entry.Flags)); err != nil {
		_ = loop.UnregisterSocket(sock)
		return errors.Wrapf(err, "epoll_ctl mod fd=%d", fd)
	}
	return nil
}

// UnregisterSocket guarantees the end callback runs exactly once, closes
// the socket, and removes the table entry and platform arming.
func (s *epollSelector) UnregisterSocket(loop *EventLoop, sock Socket) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	delete(s.table, fd)
	_ = s.ctl(unix.EPOLL_CTL_DEL, fd, 0)
	item.entry.DispatchEnd(loop, item.buffer)
	return sock.Close()
}

// SendSocket appends to the write queue; if the socket isn't already
// in-flight for write and the queue is non-empty, arms write interest.
// Always returns 0 on this backend (advisory only, §9 Open Questions).
func (s *epollSelector) SendSocket(loop *EventLoop, sock Socket, data []byte) (int, error) {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return 0, ErrNoSuchSocket
	}
	item.buffer.Write.Write(data)
	if item.buffer.IsInWrite || item.buffer.Write.Empty() {
		return 0, nil
	}
	item.entry.Flags |= FlagWrite
	item.buffer.IsInWrite = true
	if err := s.ctl(unix.EPOLL_CTL_MOD, fd, flagsToEpoll(item.entry.Flags)); err != nil {
		return 0, errors.Wrapf(err, "epoll_ctl mod fd=%d", fd)
	}
	return 0, nil
}

// DoSelect blocks up to timeoutMS, then dispatches each ready event.
func (s *epollSelector) DoSelect(loop *EventLoop, timeoutMS int) (int, error) {
	n, err := unix.EpollWait(s.epfd, s.events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := s.events[i]
		fd := uintptr(ev.Fd)
		item, ok := s.table[fd]
		if !ok {
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 {
			s.readDone(loop, fd, item)
		}
		item, ok = s.table[fd]
		if ok && ev.Events&unix.EPOLLOUT != 0 {
			s.writeDone(loop, fd, item)
		}
	}
	return n, nil
}

// readDone implements §4.5's input-readiness dispatch.
func (s *epollSelector) readDone(loop *EventLoop, fd uintptr, item *ioEvent) {
	if item.entry.IsAccept() {
		conn, err := item.buffer.Socket.Accept()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, ErrWouldBlock) {
			return
		}
		ret := item.entry.DispatchAccept(loop, conn, err)
		if ret == Over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
		}
		return
	}

	n, err := item.buffer.Socket.Read(item.buffer.Scratch())
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, ErrWouldBlock) {
			return
		}
		item.buffer.Err = err
		_ = loop.UnregisterSocket(item.buffer.Socket)
		return
	}
	if n <= 0 {
		_ = loop.UnregisterSocket(item.buffer.Socket)
		return
	}
	item.buffer.Read.Write(item.buffer.Scratch()[:n])
	if item.buffer.HasReadData() {
		if item.entry.DispatchRead(loop, item.buffer) == Over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
		}
	}
}

// writeDone implements §4.5's output-readiness dispatch.
func (s *epollSelector) writeDone(loop *EventLoop, fd uintptr, item *ioEvent) {
	if item.buffer.Write.Empty() {
		item.buffer.IsInWrite = false
		item.entry.Flags &^= FlagWrite
		_ = s.ctl(unix.EPOLL_CTL_MOD, fd, flagsToEpoll(item.entry.Flags))
		return
	}

	n, err := item.buffer.Socket.Write(item.buffer.Write.Bytes())
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, ErrWouldBlock) {
			return
		}
		item.buffer.Err = err
		_ = loop.UnregisterSocket(item.buffer.Socket)
		return
	}
	if n <= 0 {
		_ = loop.UnregisterSocket(item.buffer.Socket)
		return
	}
	item.buffer.Write.Drain(n)
	if item.buffer.Write.Empty() {
		item.buffer.IsInWrite = false
		item.entry.Flags &^= FlagWrite
		_ = s.ctl(unix.EPOLL_CTL_MOD, fd, flagsToEpoll(item.entry.Flags))
		if item.entry.DispatchWrite(loop, item.buffer) == Over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
		}
	}
}

// Close releases the epoll file descriptor.
func (s *epollSelector) Close() error {
	return unix.Close(s.epfd)
}
