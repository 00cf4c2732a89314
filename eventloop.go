package revent

import (
	"time"

	"github.com/pkg/errors"
)

// selectorBackend is the portable facade a platform Selector implements:
// epoll/kqueue readiness backends and the Windows IOCP completion
// backend all satisfy it (§4.4).
type selectorBackend interface {
	RegisterSocket(loop *EventLoop, buf *EventBuffer, entry *EventEntry) error
	ModifySocket(loop *EventLoop, isDel bool, sock Socket, delta *EventEntry) error
	UnregisterSocket(loop *EventLoop, sock Socket) error
	SendSocket(loop *EventLoop, sock Socket, data []byte) (int, error)
	DoSelect(loop *EventLoop, timeoutMS int) (int, error)
	Close() error
}

// EventLoop orchestrates one selector tick plus one timer tick per
// RunOnce, and exposes the public registration API (§4.7).
type EventLoop struct {
	running bool
	closed  bool
	timer   *Timer
	sel     selectorBackend
	clock   Clock
	config  Config
}

// NewEventLoop builds an EventLoop with DefaultConfig() plus any Options.
func NewEventLoop(opts ...Option) (*EventLoop, error) {
	cfg := DefaultConfig()
	extras := loopExtras{}
	for _, opt := range opts {
		opt(&cfg, &extras)
	}
	if extras.logger != nil {
		log = extras.logger
	}
	clock := extras.clock
	if clock == nil {
		clock = newSystemClock()
	}
	sel, err := newSelector(cfg.SelectCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "revent: create selector")
	}
	return &EventLoop{
		running: true,
		timer:   newTimer(cfg.TimeMaxID),
		sel:     sel,
		clock:   clock,
		config:  cfg,
	}, nil
}

// Shutdown clears the running flag; the loop exits at the top of the next
// Run iteration. Safe to call from within a callback.
func (e *EventLoop) Shutdown() { e.running = false }

// IsRunning reports whether the loop has not yet been shut down.
func (e *EventLoop) IsRunning() bool { return e.running }

// Close releases the underlying selector's platform resources. The loop
// must not be used afterward; any further call to RunOnce/Run or to the
// socket API (RegisterSocket, ModifySocket, UnregisterSocket, SendSocket,
// AddNewEvent, AddNewAccept) returns ErrClosed. The timer methods do not
// check for a closed loop.
func (e *EventLoop) Close() error {
	e.running = false
	e.closed = true
	return e.sel.Close()
}

// Run repeatedly calls RunOnce until Shutdown is called, sleeping briefly
// whenever a tick performs no work to avoid spinning the CPU.
func (e *EventLoop) Run() error {
	e.running = true
	for e.running {
		did, err := e.RunOnce()
		if err != nil {
			return err
		}
		if !did {
			time.Sleep(e.idleSleep())
		}
	}
	return nil
}

// idleSleep returns the configured poll timeout, capped to the time
// remaining until the next timer deadline when one is sooner -- an
// adaptive refinement of the original's flat 1ms idle sleep (§12 of
// SPEC_FULL.md).
func (e *EventLoop) idleSleep() time.Duration {
	base := time.Millisecond
	if e.config.IOPollTimeoutMS > 0 {
		base = time.Duration(e.config.IOPollTimeoutMS) * time.Millisecond
	}
	if deadline, ok := e.timer.TickFirst(); ok {
		now := e.clock.NowMicro()
		if deadline > now {
			if remain := time.Duration(deadline-now) * time.Microsecond; remain < base {
				return remain
			}
		} else {
			return 0
		}
	}
	return base
}

// RunOnce blocks up to the configured poll timeout inside the selector,
// dispatches whatever I/O it found, then drains every timer whose
// deadline has elapsed. It returns whether any I/O or timer work was
// performed.
func (e *EventLoop) RunOnce() (bool, error) {
	if e.closed {
		return false, ErrClosed
	}
	n, err := e.sel.DoSelect(e, e.config.IOPollTimeoutMS)
	if err != nil {
		return false, errors.Wrap(err, "revent: selector poll")
	}
	didTimerWork := e.processTimers()
	return n != 0 || didTimerWork, nil
}

// processTimers fires every timer whose deadline has elapsed, in
// ascending deadline / ascending id order.
//
// A persistent timer rearms on OK or Continue, using its configured step
// unless Continue supplies a fresh one. A non-persistent timer normally
// fires exactly once -- except that an explicit Continue return (with a
// positive next-step) rearms it anyway: Continue's whole point is asking
// for one more delay regardless of how the timer was declared, the
// behavior the data-driven timer in a rearm-until-condition loop depends
// on. Over always cancels.
func (e *EventLoop) processTimers() bool {
	now := e.clock.NowMicro()
	did := false
	for {
		entry, ok := e.timer.TickTime(now)
		if !ok {
			return did
		}
		did = true
		timerID := entry.TimerID
		ret, nextStep := entry.DispatchTimer(e, timerID)

		cancel := ret == Over
		switch {
		case cancel:
		case ret == Continue && nextStep > 0:
			entry.StepUS = nextStep
		case entry.Flags.Has(FlagPersist):
		default:
			cancel = true
		}
		if cancel {
			continue
		}
		entry.TimerID = timerID
		if _, err := e.timer.AddTimer(entry, now); err != nil {
			log.Warnf("revent: re-arming timer %d failed: %v", timerID, err)
		}
	}
}

// RegisterSocket installs buf/entry in the selector, replacing any prior
// registration for buf.Socket's fd, and arms the poller for the entry's
// interest.
func (e *EventLoop) RegisterSocket(buf *EventBuffer, entry *EventEntry) error {
	if e.closed {
		return ErrClosed
	}
	return e.sel.RegisterSocket(e, buf, entry)
}

// ModifySocket merges delta into sock's existing registration (see
// EventEntry.Merge) and re-arms the poller.
func (e *EventLoop) ModifySocket(isDel bool, sock Socket, delta *EventEntry) error {
	if e.closed {
		return ErrClosed
	}
	return e.sel.ModifySocket(e, isDel, sock, delta)
}

// UnregisterSocket tears sock down: runs its end callback exactly once,
// closes the socket, and removes it (and its platform arming) from the
// table.
func (e *EventLoop) UnregisterSocket(sock Socket) error {
	if e.closed {
		return ErrClosed
	}
	return e.sel.UnregisterSocket(e, sock)
}

// SendSocket appends data to sock's write queue, kicking off a write if
// one isn't already in flight. The returned count is always 0, on the
// readiness backends and on the completion backend alike: no backend
// reports how many bytes reached the socket during this call.
func (e *EventLoop) SendSocket(sock Socket, data []byte) (int, error) {
	if e.closed {
		return 0, ErrClosed
	}
	return e.sel.SendSocket(e, sock, data)
}

// AddTimer schedules entry directly against the Timer (bypassing the
// selector); step_us == 0 is rejected.
func (e *EventLoop) AddTimer(entry *EventEntry) (uint32, error) {
	return e.timer.AddTimer(entry, e.clock.NowMicro())
}

// AddNewTimer constructs and schedules a (possibly repeating) timer firing
// stepUS microseconds from now.
func (e *EventLoop) AddNewTimer(stepUS uint64, repeat bool, cb TimerCb, data interface{}) (uint32, error) {
	return e.AddTimer(NewTimer(stepUS, repeat, cb, data))
}

// AddNewTimerAt constructs and schedules a one-shot timer at an absolute
// deadline (microseconds on this loop's Clock).
func (e *EventLoop) AddNewTimerAt(deadlineUS uint64, cb TimerCb, data interface{}) uint32 {
	return e.timer.AddFirstTimer(NewTimerAt(deadlineUS, cb, data))
}

// DelTimer cancels timerID, returning its entry if it was live.
func (e *EventLoop) DelTimer(timerID uint32) (*EventEntry, bool) {
	return e.timer.DelTimer(timerID)
}

// Now returns the loop's current clock reading, in microseconds.
func (e *EventLoop) Now() uint64 { return e.clock.NowMicro() }

// NewBuffer constructs an EventBuffer for sock sized per this loop's
// configured scratch capacity.
func (e *EventLoop) NewBuffer(sock Socket) *EventBuffer {
	return NewEventBuffer(sock, e.config.BufferCapacity)
}

// AddNewEvent registers a read/write I/O entry for sock.
func (e *EventLoop) AddNewEvent(sock Socket, flags Flags, read ReadCb, write WriteCb, end EndCb, data interface{}) error {
	return e.RegisterSocket(e.NewBuffer(sock), NewEvent(sock, flags, read, write, end, data))
}

// AddNewAccept registers a listener entry for sock.
func (e *EventLoop) AddNewAccept(sock Socket, flags Flags, accept AcceptCb, end EndCb, data interface{}) error {
	return e.RegisterSocket(e.NewBuffer(sock), NewAccept(sock, flags, accept, end, data))
}
