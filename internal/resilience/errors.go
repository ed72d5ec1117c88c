package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// PermanentError marks a failure that no amount of retrying can fix
// (invalid input, unknown model or profile, unsupported format).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a permanent failure. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent returns true if any error in the chain is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// TransientError wraps an error that is safe to retry immediately, such as a
// busy database or a dropped connection.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common storage and network failure patterns.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"database is locked",
		"sqlite_busy",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn closed",
		"too many connections",
		"deadlock detected",
		"could not serialize access",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Error classes recorded with failed jobs.
const (
	ClassTransient = "transient"
	ClassPermanent = "permanent"
	ClassRetryable = "retryable"
)

// ClassifyError categorizes a job failure. Permanent failures dead-letter
// immediately; everything else goes through backoff.
func ClassifyError(err error) string {
	switch {
	case IsPermanent(err):
		return ClassPermanent
	case IsTransient(err):
		return ClassTransient
	default:
		return ClassRetryable
	}
}
