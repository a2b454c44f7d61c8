// Package errors defines the delivery error taxonomy used by the
// dispatcher to decide between retry, health gating, side-channel
// reporting and counted drops.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Class partitions delivery failures by how the pipeline reacts to
// them.
type Class int

const (
	// ClassTransient errors (network timeout, disk full) are retried
	// with backoff, then escalated to the sync fallback path.
	ClassTransient Class = iota

	// ClassPermanent errors (invalid credentials, malformed path) mark
	// a handler unhealthy after repeated occurrences; batches skip it
	// until it recovers.
	ClassPermanent

	// ClassIntegrity errors (corruption detected, backup restore
	// failed) surface as side-channel events only.
	ClassIntegrity

	// ClassOverload covers queue-full conditions: non-critical items
	// are dropped with a counted warning, critical items rerouted.
	ClassOverload
)

// String implements fmt.Stringer for metric labels.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassIntegrity:
		return "integrity"
	case ClassOverload:
		return "overload"
	}
	return "unknown"
}

// DeliveryError carries the classification alongside the underlying
// cause.
type DeliveryError struct {
	Class   Class
	Handler string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Handler != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Handler, e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient delivery error.
func Transient(handler, op string, err error) *DeliveryError {
	return &DeliveryError{Class: ClassTransient, Handler: handler, Op: op, Err: err}
}

// Permanent wraps err as a permanent delivery error.
func Permanent(handler, op string, err error) *DeliveryError {
	return &DeliveryError{Class: ClassPermanent, Handler: handler, Op: op, Err: err}
}

// Integrity wraps err as an integrity error.
func Integrity(op string, err error) *DeliveryError {
	return &DeliveryError{Class: ClassIntegrity, Op: op, Err: err}
}

// Overload wraps err as an overload error.
func Overload(op string, err error) *DeliveryError {
	return &DeliveryError{Class: ClassOverload, Op: op, Err: err}
}

// ClassOf returns the classification of err. Unwrapped errors are
// classified by inspection: timeouts, connection failures and
// disk-full conditions are transient; permission and path errors are
// permanent. Unknown errors default to transient so they get the
// benefit of a bounded retry before escalating.
func ClassOf(err error) Class {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.ENOTDIR) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// IsPermanent reports whether err counts against a handler's health.
func IsPermanent(err error) bool {
	return ClassOf(err) == ClassPermanent
}
