package rooms

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTable(t *testing.T) {
	now := time.Now()
	lt := newLockTable()

	acquired, err := lt.Acquire("e1", "s1", "alice", now)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = lt.Acquire("e1", "s1", "alice", now)
	require.NoError(t, err, "re-acquire by the holder succeeds")
	assert.False(t, acquired)

	_, err = lt.Acquire("e1", "s2", "bob", now)
	var conflict *LockConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "s1", conflict.HolderSession)
	assert.Contains(t, err.Error(), "already locked by alice")

	_, err = lt.Release("e1", "s2")
	assert.True(t, IsLockConflict(err), "only the holder can release")

	released, err := lt.Release("e2", "s2")
	require.NoError(t, err, "releasing an unlocked element is a no-op")
	assert.False(t, released)

	_, _ = lt.Acquire("e3", "s1", "alice", now)
	_, _ = lt.Acquire("e2", "s1", "alice", now)
	assert.Equal(t, []string{"e1", "e2", "e3"}, lt.ReleaseAll("s1"))
	assert.Equal(t, 0, lt.Len())

	acquired, err = lt.Acquire("e1", "s2", "bob", now)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockTableMirror(t *testing.T) {
	now := time.Now()
	lt := newLockTable()

	lt.Mirror("e1", "remote-1", "carol", now)
	_, err := lt.Acquire("e1", "s1", "alice", now)
	assert.True(t, IsLockConflict(err))

	lt.Unmirror("e1", "someone-else")
	_, ok := lt.Holder("e1")
	assert.True(t, ok)

	lt.Unmirror("e1", "remote-1")
	_, ok = lt.Holder("e1")
	assert.False(t, ok)

	_, err = lt.Acquire("e2", "s1", "alice", now)
	require.NoError(t, err)
	lt.Mirror("e2", "remote-1", "carol", now)
	l, _ := lt.Holder("e2")
	assert.Equal(t, "s1", l.HolderSession, "local locks are not overwritten by mirrors")
	assert.False(t, l.Remote)
}
