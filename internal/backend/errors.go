package backend

import (
	"errors"
	"fmt"
)

var ErrUnsupportedBackend = errors.New("backend: unsupported backend")

// DatabaseError wraps a storage-engine failure with the operation that
// triggered it. Connection failures, I/O failures and restore compatibility
// refusals all surface through this type.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("backend: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}
