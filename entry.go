package revent

import "fmt"

// AcceptCb is invoked when a listener entry accepts a new connection, or
// fails to. err is nil on success.
type AcceptCb func(loop *EventLoop, conn Socket, err error, data *UserData) RetValue

// ReadCb is invoked after bytes have been appended to an entry's read
// buffer.
type ReadCb func(loop *EventLoop, buf *EventBuffer, data *UserData) RetValue

// WriteCb is invoked once an entry's write queue has fully drained to the
// socket.
type WriteCb func(loop *EventLoop, buf *EventBuffer, data *UserData) RetValue

// EndCb is invoked exactly once, during teardown, with ownership of the
// entry's user data.
type EndCb func(loop *EventLoop, buf *EventBuffer, data interface{})

// TimerCb is invoked when a timer's deadline elapses. The returned
// duration (microseconds) is only consulted when ret is Continue and the
// duration is positive; it then becomes the delay until the next firing,
// for persistent and non-persistent timers alike. On OK a persistent timer
// rearms with its existing step and the returned duration is ignored.
type TimerCb func(loop *EventLoop, timerID uint32, data *UserData) (ret RetValue, nextStepUS uint64)

// EventEntry is the per-registration record: interest flags, up to five
// callbacks, timer scheduling fields, and a single-owner cell of opaque
// user data. Identity is the socket for I/O entries, or the
// (deadline, timerID) pair for timer entries.
type EventEntry struct {
	Socket Socket
	Flags  Flags

	onAccept AcceptCb
	onRead   ReadCb
	onWrite  WriteCb
	onEnd    EndCb
	onTimer  TimerCb

	DeadlineUS uint64
	StepUS     uint64
	TimerID    uint32

	Data *UserData

	// heapIndex is maintained by the Timer's container/heap plumbing; it
	// has no meaning for I/O entries.
	heapIndex int
}

// NewEvent builds a read/write I/O entry for an already-connected socket.
func NewEvent(sock Socket, flags Flags, read ReadCb, write WriteCb, end EndCb, data interface{}) *EventEntry {
	return &EventEntry{
		Socket: sock,
		Flags:  flags,
		onRead: read, onWrite: write, onEnd: end,
		Data: NewUserData(data),
	}
}

// NewAccept builds a listener entry. FlagAccept is always added to flags.
func NewAccept(sock Socket, flags Flags, accept AcceptCb, end EndCb, data interface{}) *EventEntry {
	return &EventEntry{
		Socket: sock,
		Flags:  flags | FlagAccept,
		onAccept: accept, onEnd: end,
		Data: NewUserData(data),
	}
}

// NewTimer builds a timer entry firing stepUS microseconds from now (the
// actual deadline is stamped in by Timer.AddTimer). If repeat is true the
// entry carries FlagPersist.
func NewTimer(stepUS uint64, repeat bool, cb TimerCb, data interface{}) *EventEntry {
	flags := FlagTimeout
	if repeat {
		flags |= FlagPersist
	}
	return &EventEntry{
		Flags:   flags,
		StepUS:  stepUS,
		onTimer: cb,
		Data:    NewUserData(data),
	}
}

// NewTimerAt builds a one-shot timer entry with a caller-supplied absolute
// deadline, bypassing the zero-step rejection AddTimer applies.
func NewTimerAt(deadlineUS uint64, cb TimerCb, data interface{}) *EventEntry {
	return &EventEntry{
		Flags:      FlagTimeout,
		DeadlineUS: deadlineUS,
		onTimer:    cb,
		Data:       NewUserData(data),
	}
}

// NewEvFd builds a bare entry carrying only a socket and flags, with no
// callbacks, e.g. as the delta passed to ModifySocket or to register a
// socket without any callbacks.
func NewEvFd(sock Socket, flags Flags) *EventEntry {
	return &EventEntry{Socket: sock, Flags: flags}
}

// DispatchAccept invokes the accept callback, if any, returning OK when
// there is none to call.
func (e *EventEntry) DispatchAccept(loop *EventLoop, conn Socket, err error) RetValue {
	if e.onAccept == nil {
		return OK
	}
	return e.onAccept(loop, conn, err, e.Data)
}

// DispatchRead invokes the read callback, if any.
func (e *EventEntry) DispatchRead(loop *EventLoop, buf *EventBuffer) RetValue {
	if e.onRead == nil {
		return OK
	}
	return e.onRead(loop, buf, e.Data)
}

// DispatchWrite invokes the write callback, if any.
func (e *EventEntry) DispatchWrite(loop *EventLoop, buf *EventBuffer) RetValue {
	if e.onWrite == nil {
		return OK
	}
	return e.onWrite(loop, buf, e.Data)
}

// DispatchEnd invokes the end callback exactly once, handing it ownership
// of the entry's user data.
func (e *EventEntry) DispatchEnd(loop *EventLoop, buf *EventBuffer) {
	if e.onEnd == nil {
		return
	}
	e.onEnd(loop, buf, e.Data.Take())
}

// DispatchTimer invokes the timer callback, if any; a missing callback is
// treated as an immediate OVER so the timer doesn't spin forever.
func (e *EventEntry) DispatchTimer(loop *EventLoop, timerID uint32) (RetValue, uint64) {
	if e.onTimer == nil {
		return Over, 0
	}
	return e.onTimer(loop, timerID, e.Data)
}

// Merge is the sole mechanism by which an already-registered entry's
// interest set and callbacks may change. Adding (isDel == false) merges
// the direction bits and overwrites any non-nil callback slot from other;
// deleting clears the direction bits in other and drops the matching
// callbacks.
func (e *EventEntry) Merge(isDel bool, other *EventEntry) {
	if isDel {
		e.Flags &^= other.Flags
		if other.Flags.Has(FlagRead) {
			e.onRead = nil
		}
		if other.Flags.Has(FlagWrite) {
			e.onWrite = nil
		}
		if other.Flags.Has(FlagAccept) {
			e.onAccept = nil
		}
		return
	}
	e.Flags |= other.Flags
	if other.onAccept != nil {
		e.onAccept = other.onAccept
	}
	if other.onRead != nil {
		e.onRead = other.onRead
	}
	if other.onWrite != nil {
		e.onWrite = other.onWrite
	}
	if other.onEnd != nil {
		e.onEnd = other.onEnd
	}
	if other.onTimer != nil {
		e.onTimer = other.onTimer
	}
}

// IsAccept reports whether this entry represents a listening socket.
func (e *EventEntry) IsAccept() bool { return e.Flags.Has(FlagAccept) }

// IsTimer reports whether this entry represents a timer.
func (e *EventEntry) IsTimer() bool { return e.Flags.Has(FlagTimeout) }

func (e *EventEntry) String() string {
	if e.IsTimer() {
		return fmt.Sprintf("timer(id=%d deadline_us=%d step_us=%d flags=%s)",
			e.TimerID, e.DeadlineUS, e.StepUS, e.Flags)
	}
	fd := uintptr(0)
	if e.Socket != nil {
		fd = e.Socket.Fd()
	}
	return fmt.Sprintf("io(fd=%d flags=%s)", fd, e.Flags)
}
