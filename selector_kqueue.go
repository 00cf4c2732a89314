//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package revent

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ioEvent is the selector table's record, mirroring selector_linux.go's
// shape so the two readiness backends stay structurally interchangeable.
type ioEvent struct {
	buffer *EventBuffer
	entry  *EventEntry
	isEnd  bool
}

// kqueueSelector is the readiness backend for BSD/macOS (§4.5), grounded on
// trpc-group/trpc-go/tnet's internal/poller/poller_kqueue.go EV_ADD/EV_DELETE
// idiom, adapted to this package's single table-per-selector model.
type kqueueSelector struct {
	kq     int
	events []unix.Kevent_t
	table  map[uintptr]*ioEvent
}

func newSelector(capacity int) (selectorBackend, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "kqueue")
	}
	return &kqueueSelector{
		kq:     kq,
		events: make([]unix.Kevent_t, capacity),
		table:  make(map[uintptr]*ioEvent),
	}, nil
}

func (s *kqueueSelector) changeList(fd uintptr, flags Flags, action uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if flags.Has(FlagRead) || flags.Has(FlagAccept) {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: action,
		})
	}
	if flags.Has(FlagWrite) {
		changes = append(changes, unix.Kevent_t{
			Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: action,
		})
	}
	return changes
}

func (s *kqueueSelector) apply(changes []unix.Kevent_t) error {
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kq, changes, nil, nil)
	return err
}

// RegisterSocket replaces any prior registration for buf.Socket's fd. On
// any platform error the entry is removed from the table before
// returning.
func (s *kqueueSelector) RegisterSocket(loop *EventLoop, buf *EventBuffer, entry *EventEntry) error {
	fd := buf.Socket.Fd()
	if old, exists := s.table[fd]; exists {
		delete(s.table, fd)
		_ = s.apply(s.changeList(fd, old.entry.Flags, unix.EV_DELETE))
	}
	s.table[fd] = &ioEvent{buffer: buf, entry: entry}
	if err := s.apply(s.changeList(fd, entry.Flags, unix.EV_ADD|unix.EV_ENABLE)); err != nil {
		delete(s.table, fd)
		return errors.Wrapf(err, "kevent add fd=%d", fd)
	}
	return nil
}

// ModifySocket merges delta into the existing entry and re-arms the
// poller. If re-arming fails the socket is unregistered.
func (s *kqueueSelector) ModifySocket(loop *EventLoop, isDel bool, sock Socket, delta *EventEntry) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	before := item.entry.Flags
	item.entry.Merge(isDel, delta)
	_ = s.apply(s.changeList(fd, before&^item.entry.Flags, unix.EV_DELETE))
	if err := s.apply(s.changeList(fd, item.entry.Flags, unix.EV_ADD|unix.EV_ENABLE)); err != nil {
		_ = loop.UnregisterSocket(sock)
		return errors.Wrapf(err, "kevent mod fd=%d", fd)
	}
	return nil
}

// UnregisterSocket guarantees the end callback runs exactly once, closes
// the socket, and removes the table entry and platform arming.
func (s *kqueueSelector) UnregisterSocket(loop *EventLoop, sock Socket) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	delete(s.table, fd)
	_ = s.apply(s.changeList(fd, item.entry.Flags, unix.EV_DELETE))
	item.entry.DispatchEnd(loop, item.buffer)
	return sock.Close()
}

// SendSocket appends to the write queue; if the socket isn't already
// in-flight for write and the queue is non-empty, arms write interest.
func (s *kqueueSelector) SendSocket(loop *EventLoop, sock Socket, data []byte) (int, error) {
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
	if err := s.apply(s.changeList(fd, Flags(FlagWrite), unix.EV_ADD|unix.EV_ENABLE)); err != nil {
		return 0, errors.Wrapf(err, "kevent mod fd=%d", fd)
	}
	return 0, nil
}

// DoSelect blocks up to timeoutMS, then dispatches each ready event.
func (s *kqueueSelector) DoSelect(loop *EventLoop, timeoutMS int) (int, error) {
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMS) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(s.kq, nil, s.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		ev := s.events[i]
		fd := uintptr(ev.Ident)
		item, ok := s.table[fd]
		if !ok {
			continue
		}
		switch ev.Filter {
		case unix.EVFILT_READ:
			s.readDone(loop, fd, item)
		case unix.EVFILT_WRITE:
			s.writeDone(loop, fd, item)
		}
	}
	return n, nil
}

// readDone implements §4.5's input-readiness dispatch.
func (s *kqueueSelector) readDone(loop *EventLoop, fd uintptr, item *ioEvent) {
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
func (s *kqueueSelector) writeDone(loop *EventLoop, fd uintptr, item *ioEvent) {
	if item.buffer.Write.Empty() {
		item.buffer.IsInWrite = false
		item.entry.Flags &^= FlagWrite
		_ = s.apply(s.changeList(fd, Flags(FlagWrite), unix.EV_DELETE))
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
		_ = s.apply(s.changeList(fd, Flags(FlagWrite), unix.EV_DELETE))
		if item.entry.DispatchWrite(loop, item.buffer) == Over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
		}
	}
}

// Close releases the kqueue file descriptor.
func (s *kqueueSelector) Close() error {
	return unix.Close(s.kq)
}
