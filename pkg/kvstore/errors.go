package kvstore

import "fmt"

// ErrorCode represents the type of error a Store operation failed with.
//
// Grounded on the metadata store's leaf error package: a small enum plus a
// single error struct, so lock and op-log callers can branch on Code
// without type-asserting against each backend's native error type.
type ErrorCode int

const (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound ErrorCode = iota + 1

	// ErrConditionFailed indicates a Put or Delete precondition in
	// ExpectedValue did not hold.
	ErrConditionFailed

	// ErrInvalidArgument indicates a malformed table name, key, or filter.
	ErrInvalidArgument
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotFound:
		return "NotFound"
	case ErrConditionFailed:
		return "ConditionFailed"
	case ErrInvalidArgument:
		return "InvalidArgument"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// StoreError is the error type returned by Store implementations.
type StoreError struct {
	Code    ErrorCode
	Message string
	Table   string
	Key     string
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (table: %s, key: %s)", e.Code, e.Message, e.Table, e.Key)
	}
	return fmt.Sprintf("%s: %s (table: %s)", e.Code, e.Message, e.Table)
}

// NewConditionFailedError reports that an ExpectedValue precondition failed.
func NewConditionFailedError(table, key string) *StoreError {
	return &StoreError{
		Code:    ErrConditionFailed,
		Message: "condition failed",
		Table:   table,
		Key:     key,
	}
}

// NewNotFoundError reports that a row does not exist.
func NewNotFoundError(table, key string) *StoreError {
	return &StoreError{
		Code:    ErrNotFound,
		Message: "row not found",
		Table:   table,
		Key:     key,
	}
}

// IsConditionFailed returns true if err is a condition-failed StoreError.
func IsConditionFailed(err error) bool {
	se, ok := err.(*StoreError)
	return ok && se.Code == ErrConditionFailed
}

// IsNotFound returns true if err is a not-found StoreError.
func IsNotFound(err error) bool {
	se, ok := err.(*StoreError)
	return ok && se.Code == ErrNotFound
}
