// Package misconfig defines the error class used for invalid user-supplied
// configuration.
//
// Configuration errors are fatal and never retried: they are reported
// synchronously to the caller before any host-loop state is mutated. Callers
// can test for them with misconfig.Is (or errors.Is against misconfig.Err).
//
// Invariant violations caused by the orchestration logic itself are not
// configuration errors; those panic (see github.com/gomlx/exceptions).
package misconfig

import "github.com/pkg/errors"

// Err is the sentinel wrapped by every configuration error.
var Err = errors.New("misconfiguration")

// Errorf creates a configuration error with the given message.
func Errorf(format string, args ...any) error {
	return errors.Wrapf(Err, format, args...)
}

// WithMessagef annotates err as a configuration error, keeping err as the
// cause.
func WithMessagef(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.WithMessagef(errors.WithStack(wrapped{err}), format, args...)
}

// Is reports whether err is a configuration error.
func Is(err error) bool {
	return errors.Is(err, Err)
}

// wrapped ties an underlying cause to the misconfiguration sentinel.
type wrapped struct {
	cause error
}

func (w wrapped) Error() string { return w.cause.Error() + ": " + Err.Error() }

func (w wrapped) Unwrap() []error { return []error{w.cause, Err} }
