// Package kerr defines the nanokernel's fixed error-kind enum and a
// structured error type carrying it, shared by every subsystem
// package. It lives beneath the root package so both internal
// packages and the public API can depend on it without an import
// cycle.
package kerr

import (
	"errors"
	"fmt"
)

// Code is one of the fixed error kinds a syscall can fail with.
// Kernel-internal invariant violations are never reported this way —
// they panic or hang.
type Code string

const (
	// Invalid marks a malformed argument: tid out of range, IRQ out of
	// range, reserved futex tag.
	Invalid Code = "INVALID"
	// Busy marks a resource already owned: double interrupt
	// registration, join on an already-joined thread.
	Busy Code = "BUSY"
	// NoMemory marks an exhausted fixed-size resource: the TCB free
	// list, or the futex pending-signal buffer.
	NoMemory Code = "NO_MEMORY"
	// WouldBlock marks a non-blocking operation that would have
	// suspended the caller.
	WouldBlock Code = "WOULD_BLOCK"
	// Cancelled marks an operation whose peer disappeared while the
	// caller was blocked on it.
	Cancelled Code = "CANCELLED"
	// NotPermitted is reserved for the capability layer; the core
	// never returns it itself.
	NotPermitted Code = "NOT_PERMITTED"
)

// Error is a structured nanokernel error: the failed operation, the
// thread it happened to, the error kind, and an optional wrapped
// cause.
type Error struct {
	Op    string // syscall name, e.g. "thread_join"
	Tid   int    // thread id involved, -1 if not applicable
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Tid >= 0 {
		return fmt.Sprintf("nanokernel: %s: %s (tid=%d)", e.Op, msg, e.Tid)
	}
	return fmt.Sprintf("nanokernel: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparisons against another *Error or a bare
// Code value wrapped via New.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// New builds an Error with no associated thread.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Tid: -1, Code: code, Msg: msg}
}

// NewForThread builds an Error tied to a specific thread id.
func NewForThread(op string, tid int, code Code, msg string) *Error {
	return &Error{Op: op, Tid: tid, Code: code, Msg: msg}
}

// Wrap attaches kernel op context to an inner error without discarding
// it, preserving errors.Is/As support.
func Wrap(op string, code Code, inner error) *Error {
	return &Error{Op: op, Tid: -1, Code: code, Msg: inner.Error(), Inner: inner}
}

// CodeOf extracts the Code from err, if it is (or wraps) a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// Is reports whether err is a *Error with the given code.
func Is(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
