//go:build windows
// +build windows

package revent

import "golang.org/x/sys/windows"

// overlappedKind distinguishes which per-direction operation a completion
// belongs to, so the completion port callback can recover both the owning
// ioEvent and which queue (read/write/accept) to drain.
type overlappedKind int

const (
	kindRead overlappedKind = iota
	kindWrite
	kindAccept
)

// Overlapped embeds windows.Overlapped as its first field, so a
// *windows.Overlapped returned by GetQueuedCompletionStatus can be cast
// back to *Overlapped via unsafe.Pointer -- the Go equivalent of the
// field-offset trick the IOCP backend needs to recover the owning entry
// from a bare completion record (§4.6, §9).
type Overlapped struct {
	Raw   windows.Overlapped
	Kind  overlappedKind
	Owner *ioEvent
}
