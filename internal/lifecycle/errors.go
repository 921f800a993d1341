package lifecycle

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Failure is an expected, reportable outcome of a lifecycle command such as
// a missing host or VM. It never indicates a store problem. Reason is the
// message handed back to the caller; Err carries the errdefs class.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func notFound(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...), Err: errdefs.ErrNotFound}
}

// IsFailure reports whether err is a reportable Failure and returns it.
func IsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Op names a lifecycle operation.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpReboot  Op = "reboot"
	OpMigrate Op = "migrate"
	OpQuery   Op = "query"
)

// OperationError wraps a store failure with the operation and VM it aborted.
type OperationError struct {
	Op  Op
	VM  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("unable to %s vm %s: %v", e.Op, e.VM, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op Op, vm string, err error) *OperationError {
	return &OperationError{Op: op, VM: vm, Err: err}
}
