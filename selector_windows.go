//go:build windows
// +build windows

package revent

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// acceptAddrSize is the per-slot scratch AcceptEx reserves for a sockaddr
// plus 16 bytes of padding, sized generously enough for sockaddr_in6.
const acceptAddrSize = 16 + 28

// ioEvent is the selector table's record for the completion backend: the
// owning buffer/entry plus the three Overlapped records a socket may have
// in flight at once (accept xor (read and/or write)), and the terminal
// flag FlagEnded's doc comment describes -- cancellation is requested
// eagerly but the entry isn't torn down until its last completion (or
// cancellation notice) has drained, so exactly one EndCb fires.
type ioEvent struct {
	buffer *EventBuffer
	entry  *EventEntry
	isEnd  bool

	acceptScratch     []byte
	acceptPlaceholder Socket
	readOv            Overlapped
	writeOv           Overlapped
	acceptOv          Overlapped

	pendingAccept bool
}

// iocpSelector is the completion backend for Windows (§4.6), grounded on
// the CreateIoCompletionPort / GetQueuedCompletionStatus / overlapped
// WSARecv-WSASend pattern the pack's Windows async-IO reference uses.
type iocpSelector struct {
	port     windows.Handle
	table    map[uintptr]*ioEvent
	capacity int
}

func newSelector(capacity int) (selectorBackend, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "CreateIoCompletionPort")
	}
	return &iocpSelector{port: port, table: make(map[uintptr]*ioEvent), capacity: capacity}, nil
}

// RegisterSocket associates sock's handle with the completion port and
// kicks off its initial overlapped operation(s). sock must implement
// OverlappedSocket; a plain Socket returns ErrUnsupported.
func (s *iocpSelector) RegisterSocket(loop *EventLoop, buf *EventBuffer, entry *EventEntry) error {
	osock, ok := buf.Socket.(OverlappedSocket)
	if !ok {
		return ErrUnsupported
	}
	fd := buf.Socket.Fd()
	if _, exists := s.table[fd]; exists {
		delete(s.table, fd)
	}
	item := &ioEvent{buffer: buf, entry: entry}
	item.readOv.Kind = kindRead
	item.readOv.Owner = item
	item.writeOv.Kind = kindWrite
	item.writeOv.Owner = item
	item.acceptOv.Kind = kindAccept
	item.acceptOv.Owner = item

	if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), s.port, uintptr(fd), 0); err != nil {
		return errors.Wrapf(err, "CreateIoCompletionPort assoc fd=%d", fd)
	}
	s.table[fd] = item

	if entry.IsAccept() {
		item.acceptScratch = make([]byte, 2*acceptAddrSize)
		item.pendingAccept = true
		placeholder, err := osock.AcceptOverlapped(item.acceptScratch, &item.acceptOv)
		if err != nil {
			delete(s.table, fd)
			return errors.Wrapf(err, "AcceptEx fd=%d", fd)
		}
		item.acceptPlaceholder = placeholder
		return nil
	}
	if entry.Flags.Has(FlagRead) {
		buf.IsInRead = true
		if err := osock.ReadOverlapped(buf.Scratch(), &item.readOv); err != nil {
			delete(s.table, fd)
			return errors.Wrapf(err, "WSARecv fd=%d", fd)
		}
	}
	return nil
}

// ModifySocket merges delta into the entry; a newly-added read interest
// starts an overlapped read if one isn't already in flight.
func (s *iocpSelector) ModifySocket(loop *EventLoop, isDel bool, sock Socket, delta *EventEntry) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	item.entry.Merge(isDel, delta)
	if !isDel && item.entry.Flags.Has(FlagRead) && !item.buffer.IsInRead {
		osock, ok := sock.(OverlappedSocket)
		if !ok {
			return ErrUnsupported
		}
		item.buffer.IsInRead = true
		if err := osock.ReadOverlapped(item.buffer.Scratch(), &item.readOv); err != nil {
			_ = loop.UnregisterSocket(sock)
			return errors.Wrapf(err, "WSARecv fd=%d", fd)
		}
	}
	return nil
}

// UnregisterSocket requests cancellation of any in-flight operations. If
// none are outstanding the entry tears down immediately; otherwise
// finish runs once the last completion (or cancellation notice) for fd
// arrives.
func (s *iocpSelector) UnregisterSocket(loop *EventLoop, sock Socket) error {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return ErrNoSuchSocket
	}
	if item.isEnd {
		return nil
	}
	item.isEnd = true
	item.entry.Flags |= FlagEnded
	_ = windows.CancelIoEx(windows.Handle(fd), nil)
	if !item.buffer.IsInRead && !item.buffer.IsInWrite && !item.pendingAccept {
		return s.finish(loop, fd, item)
	}
	return nil
}

func (s *iocpSelector) finish(loop *EventLoop, fd uintptr, item *ioEvent) error {
	delete(s.table, fd)
	item.entry.DispatchEnd(loop, item.buffer)
	return item.buffer.Socket.Close()
}

// SendSocket appends to the write queue and, if nothing is already in
// flight, starts an overlapped write immediately: unlike the readiness
// backends a completion backend has no separate "arm write interest"
// step, it issues the I/O directly.
func (s *iocpSelector) SendSocket(loop *EventLoop, sock Socket, data []byte) (int, error) {
	fd := sock.Fd()
	item, ok := s.table[fd]
	if !ok {
		return 0, ErrNoSuchSocket
	}
	item.buffer.Write.Write(data)
	if item.buffer.IsInWrite || item.buffer.Write.Empty() || item.isEnd {
		return 0, nil
	}
	osock, ok := sock.(OverlappedSocket)
	if !ok {
		return 0, ErrUnsupported
	}
	item.buffer.IsInWrite = true
	if err := osock.WriteOverlapped(item.buffer.Write.Bytes(), &item.writeOv); err != nil {
		item.buffer.IsInWrite = false
		return 0, errors.Wrapf(err, "WSASend fd=%d", fd)
	}
	return 0, nil
}

// DoSelect drains up to s.capacity completions, blocking for at most
// timeoutMS on the first.
func (s *iocpSelector) DoSelect(loop *EventLoop, timeoutMS int) (int, error) {
	timeout := uint32(timeoutMS)
	if timeoutMS < 0 {
		timeout = windows.INFINITE
	}
	n := 0
	for i := 0; i < s.capacity; i++ {
		var bytes uint32
		var key uintptr
		var raw *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(s.port, &bytes, &key, &raw, timeout)
		if raw == nil {
			break
		}
		s.handleCompletion(loop, key, raw, bytes, err)
		n++
		timeout = 0
	}
	return n, nil
}

func (s *iocpSelector) handleCompletion(loop *EventLoop, key uintptr, raw *windows.Overlapped, bytes uint32, opErr error) {
	item, ok := s.table[key]
	if !ok {
		return
	}
	ov := (*Overlapped)(unsafe.Pointer(raw))

	switch ov.Kind {
	case kindAccept:
		item.pendingAccept = false
		if item.isEnd {
			_ = s.finishIfIdle(loop, key, item)
			return
		}
		osock := item.buffer.Socket.(OverlappedSocket)
		accepted := item.acceptPlaceholder
		var acceptErr error
		if opErr != nil {
			acceptErr = opErr
		} else {
			acceptErr = osock.AcceptComplete(accepted, item.acceptScratch)
		}
		ret := item.entry.DispatchAccept(loop, accepted, acceptErr)
		if ret != Over && !item.isEnd && item.entry.Flags.Has(FlagPersist) {
			item.pendingAccept = true
			placeholder, err := osock.AcceptOverlapped(item.acceptScratch, &item.acceptOv)
			if err != nil {
				_ = loop.UnregisterSocket(item.buffer.Socket)
				return
			}
			item.acceptPlaceholder = placeholder
			return
		}
		_ = loop.UnregisterSocket(item.buffer.Socket)

	case kindRead:
		item.buffer.IsInRead = false
		if item.isEnd {
			_ = s.finishIfIdle(loop, key, item)
			return
		}
		if opErr != nil || bytes == 0 {
			_ = loop.UnregisterSocket(item.buffer.Socket)
			return
		}
		item.buffer.Read.Write(item.buffer.Scratch()[:bytes])
		over := false
		if item.buffer.HasReadData() {
			over = item.entry.DispatchRead(loop, item.buffer) == Over
		}
		if over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
			return
		}
		if item.isEnd {
			_ = s.finishIfIdle(loop, key, item)
			return
		}
		if !item.entry.Flags.Any(FlagPersist | FlagReadPersist) {
			return
		}
		osock := item.buffer.Socket.(OverlappedSocket)
		item.buffer.IsInRead = true
		if err := osock.ReadOverlapped(item.buffer.Scratch(), &item.readOv); err != nil {
			_ = loop.UnregisterSocket(item.buffer.Socket)
		}

	case kindWrite:
		item.buffer.IsInWrite = false
		if item.isEnd {
			_ = s.finishIfIdle(loop, key, item)
			return
		}
		if opErr != nil {
			_ = loop.UnregisterSocket(item.buffer.Socket)
			return
		}
		item.buffer.Write.Drain(int(bytes))
		if !item.buffer.Write.Empty() {
			osock := item.buffer.Socket.(OverlappedSocket)
			item.buffer.IsInWrite = true
			if err := osock.WriteOverlapped(item.buffer.Write.Bytes(), &item.writeOv); err != nil {
				_ = loop.UnregisterSocket(item.buffer.Socket)
			}
			return
		}
		over := item.entry.DispatchWrite(loop, item.buffer) == Over
		if over {
			_ = loop.UnregisterSocket(item.buffer.Socket)
			return
		}
		if item.isEnd {
			_ = s.finishIfIdle(loop, key, item)
		}
	}
}

func (s *iocpSelector) finishIfIdle(loop *EventLoop, fd uintptr, item *ioEvent) error {
	if item.buffer.IsInRead || item.buffer.IsInWrite || item.pendingAccept {
		return nil
	}
	return s.finish(loop, fd, item)
}

// Close releases the completion port handle.
func (s *iocpSelector) Close() error {
	return windows.CloseHandle(s.port)
}
