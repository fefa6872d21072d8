// Package errs provides the thin error-wrapping helpers shared by the
// sysadm core packages.
package errs

import "github.com/pkg/errors"

// Wrap attaches msg and a stack trace to err. It returns nil if err is
// nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err or any error it wraps matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target's type and,
// if found, sets target to it.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
