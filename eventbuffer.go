package revent

// DefaultScratchCapacity is the default size of the per-socket scratch
// slab used for syscall reads, matching buffer_capacity's documented
// default (§6).
const DefaultScratchCapacity = 65536

// MinScratchCapacity is the smallest scratch slab size the reactor will
// honor; EventBuffer invariants require capacity >= 1024.
const MinScratchCapacity = 1024

// EventBuffer is the per-socket buffered I/O state: the owned socket, a
// read queue, a write queue, a fixed scratch slab for syscall reads, two
// in-flight flags (one per direction; both may be set at once), and the
// last observed error.
//
// Invariants maintained by the selector, not by EventBuffer itself:
//   - at most one read and at most one write is outstanding at a time
//     (IsInRead / IsInWrite);
//   - Write is non-empty whenever IsInWrite is true;
//   - len(scratch) is constant and >= MinScratchCapacity for the buffer's
//     lifetime.
type EventBuffer struct {
	Socket Socket

	Read  *Buffer
	Write *Buffer

	scratch []byte

	IsInRead  bool
	IsInWrite bool

	Err error
}

// NewEventBuffer allocates an EventBuffer for sock with the given scratch
// slab capacity (clamped up to MinScratchCapacity).
func NewEventBuffer(sock Socket, capacity int) *EventBuffer {
	if capacity < MinScratchCapacity {
		capacity = MinScratchCapacity
	}
	return &EventBuffer{
		Socket:  sock,
		Read:    NewBuffer(),
		Write:   NewBuffer(),
		scratch: make([]byte, capacity),
	}
}

// Scratch returns the fixed-capacity read slab.
func (b *EventBuffer) Scratch() []byte { return b.scratch }

// HasReadData reports whether the read buffer currently holds bytes the
// user callback hasn't drained.
func (b *EventBuffer) HasReadData() bool { return !b.Read.Empty() }
