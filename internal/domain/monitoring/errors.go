package monitoring

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Error kinds returned by the monitoring core. Callers classify with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTransientStorage       = errors.New("transient storage error")
	// ErrUpstream means a dependency refused the request. Retrying the same
	// request will not help.
	ErrUpstream = errors.New("upstream rejected request")
)

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func invalidTransition(a *Alert, action string) error {
	return fmt.Errorf("%w: cannot %s alert %s in status %s", ErrInvalidStateTransition, action, a.ID, a.Status)
}

// storageErr classifies an error coming back from a repository. Errors that
// already carry a monitoring kind pass through untouched.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrTransientStorage),
		errors.Is(err, ErrUpstream):
		return err
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransientStorage, err)
}

// IsRetryable reports whether the caller may safely retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
