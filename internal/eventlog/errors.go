package eventlog

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientInfra marks connection, transaction, and lock acquisition failures.
	// The event log never retries them; retry policy belongs to the caller.
	ErrTransientInfra = errors.New("eventlog: transient infrastructure failure")
	// ErrMalformedResult marks a storage response that violates the expected shape.
	// It signals a broken contract with the storage layer and must not be retried.
	ErrMalformedResult = errors.New("eventlog: malformed storage result")
	// ErrSerialization marks a domain event the codec cannot represent.
	ErrSerialization = errors.New("eventlog: event serialization failed")
	// ErrInvalidAggregateRoot indicates an aggregate type or root identifier is unusable.
	ErrInvalidAggregateRoot = errors.New("eventlog: invalid aggregate root")
	// ErrInvalidSequence indicates a sequence number outside the allowed range.
	ErrInvalidSequence = errors.New("eventlog: invalid sequence number")
	// ErrUnsupportedDialect indicates the database has no aggregate lock primitive.
	ErrUnsupportedDialect = errors.New("eventlog: unsupported database dialect")
)

const (
	opAppend        = "eventlog.append"
	opReadCurrent   = "eventlog.read_current"
	opWriteCurrent  = "eventlog.write_current"
	opAcquireLock   = "eventlog.acquire_lock"
	opReadStream    = "eventlog.read_stream"
	opNewAppender   = "eventlog.new_appender"
	opLockPrimitive = "eventlog.lock_primitive"
)

// ServiceError carries a stable "operation.reason" code alongside the wrapped cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// categorize wraps cause so that errors.Is matches both the category and the cause.
func categorize(category error, cause error) error {
	if cause == nil {
		return category
	}
	if errors.Is(cause, category) {
		return cause
	}
	return fmt.Errorf("%w: %w", category, cause)
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
