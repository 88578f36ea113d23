package rooms

import (
	"slices"
	"time"
)

// ElementLock is an advisory lock on one diagram element
type ElementLock struct {
	ElementID      string    `json:"element_id"`
	HolderSession  string    `json:"holder_session_id"`
	HolderUsername string    `json:"holder_username"`
	AcquiredAt     time.Time `json:"acquired_at"`
	// Remote is set for locks mirrored from another instance
	Remote bool `json:"remote,omitempty"`
}

// lockTable holds at most one lock per element id within a room
type lockTable struct {
	locks map[string]*ElementLock
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*ElementLock)}
}

func (lt *lockTable) Len() int { return len(lt.locks) }

// Acquire takes the lock for session. Re-acquiring a lock the session
// already holds succeeds and reports acquired=false.
func (lt *lockTable) Acquire(elementID, session, username string, now time.Time) (acquired bool, err error) {
	if l, ok := lt.locks[elementID]; ok {
		if l.HolderSession == session {
			return false, nil
		}
		return false, &LockConflictError{ElementID: elementID, HolderSession: l.HolderSession, HolderUsername: l.HolderUsername}
	}
	lt.locks[elementID] = &ElementLock{
		ElementID:      elementID,
		HolderSession:  session,
		HolderUsername: username,
		AcquiredAt:     now,
	}
	return true, nil
}

// Release drops the lock if session holds it. Releasing an unlocked element
// is a no-op; releasing another session's lock is a conflict.
func (lt *lockTable) Release(elementID, session string) (released bool, err error) {
	l, ok := lt.locks[elementID]
	if !ok {
		return false, nil
	}
	if l.HolderSession != session {
		return false, &LockConflictError{ElementID: elementID, HolderSession: l.HolderSession, HolderUsername: l.HolderUsername}
	}
	delete(lt.locks, elementID)
	return true, nil
}

// ReleaseAll drops every lock held by session and returns the element ids
// in sorted order.
func (lt *lockTable) ReleaseAll(session string) []string {
	var released []string
	for id, l := range lt.locks {
		if l.HolderSession == session {
			released = append(released, id)
			delete(lt.locks, id)
		}
	}
	slices.Sort(released)
	return released
}

// Mirror records a lock acquired on another instance. Local locks win.
func (lt *lockTable) Mirror(elementID, session, username string, now time.Time) {
	if l, ok := lt.locks[elementID]; ok && !l.Remote {
		return
	}
	lt.locks[elementID] = &ElementLock{
		ElementID:      elementID,
		HolderSession:  session,
		HolderUsername: username,
		AcquiredAt:     now,
		Remote:         true,
	}
}

// Unmirror drops a mirrored lock released on another instance
func (lt *lockTable) Unmirror(elementID, session string) {
	if l, ok := lt.locks[elementID]; ok && l.Remote && l.HolderSession == session {
		delete(lt.locks, elementID)
	}
}

// Holder returns the lock for elementID, if any
func (lt *lockTable) Holder(elementID string) (ElementLock, bool) {
	l, ok := lt.locks[elementID]
	if !ok {
		return ElementLock{}, false
	}
	return *l, true
}
