package revent

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// adoptNetConn dups a net.Conn's file descriptor into a unixSocket, so
// tests can drive a guaranteed-established connection through the
// reactor without going through DialTCP's asynchronous connect path
// (which no test in this package exercises).
func adoptNetConn(t *testing.T, conn net.Conn) Socket {
	t.Helper()
	tc, ok := conn.(*net.TCPConn)
	require.True(t, ok)
	f, err := tc.File()
	require.NoError(t, err)
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	f.Close()
	conn.Close()
	require.NoError(t, unix.SetNonblock(fd, true))
	return &unixSocket{fd: fd}
}

func runUntilIdle(t *testing.T, loop *EventLoop, maxIterations int) {
	t.Helper()
	for i := 0; i < maxIterations && loop.IsRunning(); i++ {
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}
}

// TestEchoBounce exercises the six-round-trip echo bounce: the server
// echoes whatever it reads, the client bounces it back, and the client's
// read callback shuts the loop down on its sixth delivery.
func TestEchoBounce(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	loop, err := NewEventLoop(WithPollTimeout(0))
	require.NoError(t, err)
	defer loop.Close()

	var serverEnds, clientEnds int

	acceptCb := func(l *EventLoop, conn Socket, acceptErr error, data *UserData) RetValue {
		require.NoError(t, acceptErr)
		readCb := func(l *EventLoop, buf *EventBuffer, data *UserData) RetValue {
			payload := buf.Read.DrainCollect(buf.Read.Len())
			_, _ = l.SendSocket(buf.Socket, payload)
			return OK
		}
		endCb := func(l *EventLoop, buf *EventBuffer, data interface{}) {
			serverEnds++
		}
		err := l.AddNewEvent(conn, FlagRead, readCb, nil, endCb, nil)
		require.NoError(t, err)
		return OK
	}
	require.NoError(t, loop.AddNewAccept(ln, FlagPersist, acceptCb, nil, nil))

	clientConn, err := net.Dial("tcp", ln.LocalAddr().String())
	require.NoError(t, err)
	clientSock := adoptNetConn(t, clientConn)

	count := 0
	clientRead := func(l *EventLoop, buf *EventBuffer, data *UserData) RetValue {
		payload := buf.Read.DrainCollect(buf.Read.Len())
		count++
		if count >= 6 {
			l.Shutdown()
			return Over
		}
		_, _ = l.SendSocket(buf.Socket, payload)
		return OK
	}
	clientEnd := func(l *EventLoop, buf *EventBuffer, data interface{}) {
		clientEnds++
	}
	require.NoError(t, loop.AddNewEvent(clientSock, FlagRead, clientRead, nil, clientEnd, nil))

	_, err = loop.SendSocket(clientSock, []byte("hello world. "))
	require.NoError(t, err)

	runUntilIdle(t, loop, 200000)

	require.Equal(t, 6, count)
	require.Equal(t, 1, clientEnds)
	require.False(t, loop.IsRunning())
}

// TestTimerFanIn drives three concurrently-scheduled timers against a
// ManualClock: a data-carrying timer rearming until y reaches 25, a
// repeating timer recorded only for later deletion, and a counting timer
// that shuts the loop down on its fifth firing.
func TestTimerFanIn(t *testing.T) {
	clock := NewManualClock(0)
	loop, err := NewEventLoop(WithClock(clock), WithPollTimeout(0))
	require.NoError(t, err)
	defer loop.Close()

	type dataPayload struct{ x, y int }
	payload := &dataPayload{x: 10, y: 20}

	dataCb := func(l *EventLoop, timerID uint32, data *UserData) (RetValue, uint64) {
		p := data.Peek().(*dataPayload)
		p.y++
		if p.y < 25 {
			return Continue, 10
		}
		return Over, 0
	}
	_, err = loop.AddNewTimer(100, false, dataCb, payload)
	require.NoError(t, err)

	deleteMeCb := func(l *EventLoop, timerID uint32, data *UserData) (RetValue, uint64) {
		return OK, 150
	}
	deleteID, err := loop.AddNewTimer(150, true, deleteMeCb, nil)
	require.NoError(t, err)

	counterFires := 0
	counterCb := func(l *EventLoop, timerID uint32, data *UserData) (RetValue, uint64) {
		counterFires++
		if counterFires >= 5 {
			l.Shutdown()
			return Over, 0
		}
		return OK, 200
	}
	_, err = loop.AddNewTimer(200, true, counterCb, nil)
	require.NoError(t, err)

	_, ok := loop.DelTimer(deleteID)
	require.True(t, ok)

	for i := 0; i < 2000 && loop.IsRunning(); i++ {
		clock.Advance(10)
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}

	require.Equal(t, 25, payload.y)
	require.Equal(t, 5, counterFires)
	require.False(t, loop.IsRunning())
}

// TestBackpressuredWrite sends more than the kernel socket buffer can
// immediately accept to a peer that never reads, then drains the peer
// and confirms the queued remainder flushes once writability returns.
func TestBackpressuredWrite(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	loop, err := NewEventLoop(WithPollTimeout(0))
	require.NoError(t, err)
	defer loop.Close()

	var accepted Socket
	acceptCb := func(l *EventLoop, conn Socket, acceptErr error, data *UserData) RetValue {
		require.NoError(t, acceptErr)
		accepted = conn
		require.NoError(t, l.RegisterSocket(l.NewBuffer(conn), NewEvFd(conn, 0)))
		return Over
	}
	require.NoError(t, loop.AddNewAccept(ln, FlagPersist, acceptCb, nil, nil))

	peerConn, err := net.Dial("tcp", ln.LocalAddr().String())
	require.NoError(t, err)
	peerSock := adoptNetConn(t, peerConn)

	writeDoneCount := 0
	writeCb := func(l *EventLoop, buf *EventBuffer, data *UserData) RetValue {
		writeDoneCount++
		return OK
	}
	require.NoError(t, loop.AddNewEvent(peerSock, FlagWrite, nil, writeCb, nil, nil))

	for i := 0; i < 50 && accepted == nil; i++ {
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}
	require.NotNil(t, accepted)

	big := make([]byte, 64*1024)
	n, err := loop.SendSocket(peerSock, big)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	for i := 0; i < 500; i++ {
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}

	drain := make([]byte, 64*1024)
	for i := 0; i < 50; i++ {
		_, _ = unix.Read(int(accepted.Fd()), drain)
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}

	require.GreaterOrEqual(t, writeDoneCount, 1)
}

// TestGracefulTeardown unregisters a socket with data still queued for
// write and confirms end runs exactly once with the final buffer
// visible, and the socket is no longer reachable afterward.
func TestGracefulTeardown(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	loop, err := NewEventLoop(WithPollTimeout(0))
	require.NoError(t, err)
	defer loop.Close()

	var accepted Socket
	acceptCb := func(l *EventLoop, conn Socket, acceptErr error, data *UserData) RetValue {
		accepted = conn
		return Over
	}
	require.NoError(t, loop.AddNewAccept(ln, FlagPersist, acceptCb, nil, nil))

	clientConn, err := net.Dial("tcp", ln.LocalAddr().String())
	require.NoError(t, err)
	clientSock := adoptNetConn(t, clientConn)

	endCalls := 0
	var lastBuf *EventBuffer
	endCb := func(l *EventLoop, buf *EventBuffer, data interface{}) {
		endCalls++
		lastBuf = buf
	}
	require.NoError(t, loop.AddNewEvent(clientSock, FlagRead, nil, nil, endCb, nil))

	for i := 0; i < 50 && accepted == nil; i++ {
		_, err := loop.RunOnce()
		require.NoError(t, err)
	}
	require.NotNil(t, accepted)

	_, err = loop.SendSocket(clientSock, []byte("queued but never flushed"))
	require.NoError(t, err)

	require.NoError(t, loop.UnregisterSocket(clientSock))
	require.Equal(t, 1, endCalls)
	require.NotNil(t, lastBuf)
	require.False(t, lastBuf.Write.Empty())

	err = loop.UnregisterSocket(clientSock)
	require.ErrorIs(t, err, ErrNoSuchSocket)
}
