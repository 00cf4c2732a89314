package revent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func noopTimerCb(loop *EventLoop, timerID uint32, data *UserData) (RetValue, uint64) {
	return OK, 0
}

func TestTimerAddDelRoundTrip(t *testing.T) {
	tm := newTimer(0)
	entry := NewTimer(100, false, noopTimerCb, nil)
	id, err := tm.AddTimer(entry, 0)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, 1, tm.Len())

	got, ok := tm.DelTimer(id)
	require.True(t, ok)
	require.Same(t, entry, got)
	require.Equal(t, 0, tm.Len())
}

func TestTimerRejectsZeroStep(t *testing.T) {
	tm := newTimer(0)
	entry := NewTimer(0, false, noopTimerCb, nil)
	id, err := tm.AddTimer(entry, 0)
	require.ErrorIs(t, err, ErrBadTimerStep)
	require.Zero(t, id)
}

func TestTimerTickFirstIsMinimumDeadline(t *testing.T) {
	tm := newTimer(0)
	_, _ = tm.AddTimer(NewTimer(300, false, noopTimerCb, nil), 0)
	_, _ = tm.AddTimer(NewTimer(100, false, noopTimerCb, nil), 0)
	_, _ = tm.AddTimer(NewTimer(200, false, noopTimerCb, nil), 0)

	deadline, ok := tm.TickFirst()
	require.True(t, ok)
	require.Equal(t, uint64(100), deadline)
}

func TestTimerTickTimeOnlyFiresElapsed(t *testing.T) {
	tm := newTimer(0)
	_, _ = tm.AddTimer(NewTimer(100, false, noopTimerCb, nil), 0)

	_, ok := tm.TickTime(50)
	require.False(t, ok)

	entry, ok := tm.TickTime(100)
	require.True(t, ok)
	require.NotNil(t, entry)
	require.Equal(t, 0, tm.Len())
}

func TestTimerEqualDeadlinesOrderByLowerIDFirst(t *testing.T) {
	tm := newTimer(0)
	idA, _ := tm.AddTimer(NewTimer(100, false, noopTimerCb, nil), 0)
	idB, _ := tm.AddTimer(NewTimer(100, false, noopTimerCb, nil), 0)
	require.Less(t, idA, idB)

	first, ok := tm.TickTime(100)
	require.True(t, ok)
	require.Equal(t, idA, first.TimerID)

	second, ok := tm.TickTime(100)
	require.True(t, ok)
	require.Equal(t, idB, second.TimerID)
}

func TestTimerIDRecyclingWrapsAndStaysDistinct(t *testing.T) {
	tm := newTimer(4)
	seen := map[uint32]bool{}
	for i := 0; i < 4; i++ {
		id, err := tm.AddTimer(NewTimer(1000, false, noopTimerCb, nil), 0)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Equal(t, 4, tm.Len())

	// the id space is exhausted; deleting one frees it for immediate reuse.
	var freed uint32
	for id := range seen {
		freed = id
		break
	}
	_, ok := tm.DelTimer(freed)
	require.True(t, ok)

	id, err := tm.AddTimer(NewTimer(1000, false, noopTimerCb, nil), 0)
	require.NoError(t, err)
	require.Equal(t, freed, id)
}
