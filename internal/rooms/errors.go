package rooms

import (
	"errors"
	"fmt"
)

var (
	// ErrStaleSession is returned for operations on a session that already left
	ErrStaleSession = errors.New("session is not joined to a room")
	// ErrUnknownOperation is returned for operation types with no handler
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidRequest is returned for malformed operation payloads
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRegistryClosed is returned once the registry loop has stopped
	ErrRegistryClosed = errors.New("room registry is closed")
)

// PermissionDeniedError is returned when a participant's role does not allow
// an operation.
type PermissionDeniedError struct {
	Operation OperationType
	Role      Role
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("permission denied: role %s cannot perform %s", e.Role, e.Operation)
}

// LockConflictError is returned when an element is locked by another session
type LockConflictError struct {
	ElementID      string
	HolderSession  string
	HolderUsername string
}

func (e *LockConflictError) Error() string {
	holder := e.HolderUsername
	if holder == "" {
		holder = e.HolderSession
	}
	return fmt.Sprintf("element %s already locked by %s", e.ElementID, holder)
}

// IsPermissionDenied reports whether err is a permission failure
func IsPermissionDenied(err error) bool {
	var pd *PermissionDeniedError
	return errors.As(err, &pd)
}

// IsLockConflict reports whether err is a lock conflict
func IsLockConflict(err error) bool {
	var lc *LockConflictError
	return errors.As(err, &lc)
}
