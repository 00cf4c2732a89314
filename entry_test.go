package revent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserDataPeekDoesNotConsume(t *testing.T) {
	d := NewUserData(42)
	require.Equal(t, 42, d.Peek())
	require.Equal(t, 42, d.Peek())
}

func TestUserDataTakeConsumesOnce(t *testing.T) {
	d := NewUserData("payload")
	require.Equal(t, "payload", d.Take())
	require.Nil(t, d.Take())
	require.Nil(t, d.Peek())
}

func TestUserDataNilCellIsSafe(t *testing.T) {
	var d *UserData
	require.Nil(t, d.Peek())
	require.Nil(t, d.Take())
}

func TestEventEntryMergeAddOverwritesCallbacksAndUnionsFlags(t *testing.T) {
	base := NewEvent(nil, FlagRead, nil, nil, nil, nil)
	readCalled := false
	delta := NewEvent(nil, FlagWrite, func(loop *EventLoop, buf *EventBuffer, data *UserData) RetValue {
		readCalled = true
		return OK
	}, nil, nil, nil)

	base.Merge(false, delta)
	require.True(t, base.Flags.Has(FlagRead))
	require.True(t, base.Flags.Has(FlagWrite))
	base.DispatchRead(nil, nil)
	require.True(t, readCalled)
}

func TestEventEntryMergeDeleteClearsMatchingDirectionAndCallback(t *testing.T) {
	base := NewEvent(nil, FlagRead|FlagWrite, func(loop *EventLoop, buf *EventBuffer, data *UserData) RetValue {
		return OK
	}, nil, nil, nil)

	delta := NewEvfdLikeEntry(FlagRead)
	base.Merge(true, delta)

	require.False(t, base.Flags.Has(FlagRead))
	require.True(t, base.Flags.Has(FlagWrite))
	require.Equal(t, OK, base.DispatchRead(nil, nil))
}

// NewEvfdLikeEntry builds a bare entry carrying only flags, used here to
// drive Merge's delete path without constructing a full I/O entry.
func NewEvfdLikeEntry(flags Flags) *EventEntry {
	return NewEvFd(nil, flags)
}

func TestEventEntryDispatchTimerMissingCallbackIsOver(t *testing.T) {
	e := NewEvFd(nil, FlagTimeout)
	ret, step := e.DispatchTimer(nil, 1)
	require.Equal(t, Over, ret)
	require.Zero(t, step)
}

func TestEventEntryIsAcceptAndIsTimer(t *testing.T) {
	accept := NewAccept(nil, 0, nil, nil, nil)
	require.True(t, accept.IsAccept())
	require.False(t, accept.IsTimer())

	timer := NewTimer(100, false, noopTimerCb, nil)
	require.True(t, timer.IsTimer())
	require.False(t, timer.IsAccept())
}

func TestFlagsHasAndAny(t *testing.T) {
	f := FlagRead | FlagPersist
	require.True(t, f.Has(FlagRead))
	require.True(t, f.Has(FlagRead|FlagPersist))
	require.False(t, f.Has(FlagRead|FlagWrite))
	require.True(t, f.Any(FlagWrite|FlagPersist))
	require.False(t, f.Any(FlagWrite|FlagAccept))
}
