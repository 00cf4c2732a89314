package revent

import "github.com/pkg/errors"

// Sentinel errors returned (possibly wrapped via github.com/pkg/errors) by
// the public API. Use errors.Is to test for them.
var (
	// ErrClosed is returned by any operation attempted after the
	// EventLoop's selector has been closed.
	ErrClosed = errors.New("revent: selector closed")
	// ErrNoSuchSocket is returned by ModifySocket, UnregisterSocket and
	// SendSocket when the socket is not currently registered.
	ErrNoSuchSocket = errors.New("revent: socket not registered")
	// ErrBadTimerStep is returned by AddTimer when step_us == 0.
	ErrBadTimerStep = errors.New("revent: timer step must be non-zero")
	// ErrWouldBlock mirrors EAGAIN/EWOULDBLOCK on a non-blocking socket
	// operation; it is handled internally and never reaches user code.
	ErrWouldBlock = errors.New("revent: operation would block")
	// ErrUnsupported is returned when the host Socket does not implement
	// an optional capability (e.g. overlapped I/O) a backend requires.
	ErrUnsupported = errors.New("revent: capability not supported by socket")
)
