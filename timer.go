package revent

import "container/heap"

// timerItem is the container/heap element: a (deadline, id) key plus the
// owning entry, with the index container/heap needs to support O(log n)
// removal by id (the same shape gaio uses for its own timedHeap over
// *aiocb, adapted here to the deadline/id pair spec.md's Timer names).
type timerItem struct {
	deadlineUS uint64
	timerID    uint32
	entry      *EventEntry
	index      int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

// Less orders by ascending deadline; entries with equal deadlines order by
// ascending timer id, so that older (lower-id) timers fire first when
// several rearm into the same microsecond slot.
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadlineUS != h[j].deadlineUS {
		return h[i].deadlineUS < h[j].deadlineUS
	}
	return h[i].timerID < h[j].timerID
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Timer is an ordered (deadline_us, timer_id) -> EventEntry map plus a
// sidecar id -> item index for O(log n) deletion, and a recyclable id
// allocator.
type Timer struct {
	byID  map[uint32]*timerItem
	q     timerHeap
	maxID uint32
	nextID uint32
}

// newTimer returns an empty Timer. maxID bounds the id space: ids are
// allocated in [1, maxID], wrapping back to 1 (0 is reserved as
// "unassigned").
func newTimer(maxID uint32) *Timer {
	if maxID == 0 {
		maxID = 1<<31 - 1
	}
	return &Timer{
		byID:  make(map[uint32]*timerItem),
		maxID: maxID,
	}
}

// Len returns the number of live timers.
func (t *Timer) Len() int { return len(t.q) }

// AddTimer schedules entry to fire StepUS microseconds from now. It
// rejects a zero step (returning id 0) and otherwise assigns a fresh id
// if entry.TimerID is zero.
func (t *Timer) AddTimer(entry *EventEntry, now uint64) (uint32, error) {
	if entry.StepUS == 0 {
		return 0, ErrBadTimerStep
	}
	id := entry.TimerID
	if id == 0 {
		id = t.allocID()
	}
	t.insert(entry, now+entry.StepUS, id)
	return id, nil
}

// AddFirstTimer inserts entry at its caller-supplied absolute deadline
// (entry.DeadlineUS), bypassing the zero-step rejection AddTimer applies.
// Used for NewTimerAt-constructed entries.
func (t *Timer) AddFirstTimer(entry *EventEntry) uint32 {
	id := entry.TimerID
	if id == 0 {
		id = t.allocID()
	}
	t.insert(entry, entry.DeadlineUS, id)
	return id
}

func (t *Timer) insert(entry *EventEntry, deadline uint64, id uint32) {
	entry.DeadlineUS = deadline
	entry.TimerID = id
	item := &timerItem{deadlineUS: deadline, timerID: id, entry: entry}
	heap.Push(&t.q, item)
	t.byID[id] = item
}

// DelTimer removes timerID, returning its entry if it was live.
func (t *Timer) DelTimer(timerID uint32) (*EventEntry, bool) {
	item, ok := t.byID[timerID]
	if !ok {
		return nil, false
	}
	heap.Remove(&t.q, item.index)
	delete(t.byID, timerID)
	return item.entry, true
}

// TickTime pops and returns the earliest-deadline entry iff its deadline
// is <= now.
func (t *Timer) TickTime(now uint64) (*EventEntry, bool) {
	if len(t.q) == 0 || t.q[0].deadlineUS > now {
		return nil, false
	}
	item := heap.Pop(&t.q).(*timerItem)
	delete(t.byID, item.timerID)
	return item.entry, true
}

// TickFirst returns the earliest deadline among all live timers, if any.
func (t *Timer) TickFirst() (uint64, bool) {
	if len(t.q) == 0 {
		return 0, false
	}
	return t.q[0].deadlineUS, true
}

// allocID returns an unused id in [1, maxID], probing forward past any id
// currently live and recycling on wraparound.
func (t *Timer) allocID() uint32 {
	for {
		t.nextID++
		if t.nextID == 0 || t.nextID > t.maxID {
			t.nextID = 1
		}
		if _, live := t.byID[t.nextID]; !live {
			return t.nextID
		}
	}
}
