package backend

import (
	"errors"
	"fmt"
)

var (
	ErrBackendFailure  = errors.New("backend failure")
	ErrUnsupportedArch = errors.New("unsupported architecture")
)

// Failure wraps an error returned (or a panic raised) by a backend call.
// Failures are fatal to the session that observed them.
type Failure struct {
	Op  string
	Err error
}

func (e *Failure) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend %s failed", e.Op)
	}
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *Failure) Unwrap() []error {
	return []error{ErrBackendFailure, e.Err}
}

// Fail wraps err as a Failure for op. A nil err yields nil and an existing
// Failure is returned unchanged.
func Fail(op string, err error) error {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return err
	}
	return &Failure{Op: op, Err: err}
}

// Guard runs fn and converts a panic inside it into a Failure.
func Guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Failure{Op: op, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return Fail(op, fn())
}
