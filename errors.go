package nanokernel

import "github.com/go-nanokernel/nanokernel/internal/kerr"

// Error is the nanokernel's structured syscall error: the failed
// operation, the thread it happened to, and one of the fixed error
// kinds below. Re-exported from internal/kerr (which every subsystem
// package depends on, including ones below the root package) so
// callers never import an internal path just to compare error codes.
type Error = kerr.Error

// Error kinds. Kernel-internal invariant violations are never
// reported this way — see the recover in runBody (thread.go) for the
// panic/hang split.
const (
	ErrInvalid      = kerr.Invalid
	ErrBusy         = kerr.Busy
	ErrNoMemory     = kerr.NoMemory
	ErrWouldBlock   = kerr.WouldBlock
	ErrCancelled    = kerr.Cancelled
	ErrNotPermitted = kerr.NotPermitted
)

// IsCode reports whether err is, or wraps, an *Error with the given
// code.
func IsCode(err error, code kerr.Code) bool {
	return kerr.Is(err, code)
}
