//go:build !windows
// +build !windows

package revent

// Overlapped is a stub on non-Windows platforms: the readiness backends
// (epoll, kqueue) have no completion records, but OverlappedSocket's
// signature must still type-check everywhere.
type Overlapped struct{}
