package dora

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func reqs(mode LockMode, keys ...int64) []LockRequest {
	rs := make([]LockRequest, 0, len(keys))
	for _, k := range keys {
		rs = append(rs, NewLockRequest(NewKey(k), mode))
	}
	return rs
}

func TestLockCompatibility(t *testing.T) {
	assert.True(t, NoLock.Compatible(Exclusive))
	assert.True(t, Shared.Compatible(Shared))
	assert.False(t, Shared.Compatible(Exclusive))
	assert.False(t, Exclusive.Compatible(Exclusive))
	assert.True(t, Exclusive.Compatible(NoLock))
}

func TestAcquireAllIsAtomic(t *testing.T) {
	lm := NewLockManager(0)
	assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, 3)))

	// Key 3 is taken, so neither 2 nor 4 is granted.
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(2, reqs(Exclusive, 2, 3, 4)))
	assert.Equal(t, NoLock, lm.Mode(NewKey(2)))
	assert.Equal(t, NoLock, lm.Mode(NewKey(4)))
	assert.Equal(t, 1, lm.Held())

	lm.ReleaseAll(1, reqs(Exclusive, 3))
	assert.Nil(t, lm.AcquireAll(2, reqs(Exclusive, 2, 3, 4)))
	assert.Equal(t, 3, lm.Held())
	assert.Equal(t, Exclusive, lm.Mode(NewKey(3)))
}

func TestSharedLocks(t *testing.T) {
	lm := NewLockManager(0)
	assert.Nil(t, lm.AcquireAll(1, reqs(Shared, 1, 2)))
	assert.Nil(t, lm.AcquireAll(2, reqs(Shared, 2)))
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(3, reqs(Exclusive, 2)))

	// A queued exclusive waiter keeps later shared requests out.
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(4, reqs(Shared, 2)))
	lm.Forget(4, reqs(Shared, 2))

	lm.ReleaseAll(1, reqs(Shared, 1, 2))
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(3, reqs(Exclusive, 2)))
	lm.ReleaseAll(2, reqs(Shared, 2))
	assert.Nil(t, lm.AcquireAll(3, reqs(Exclusive, 2)))
}

func TestReentrantAndUpgrade(t *testing.T) {
	lm := NewLockManager(0)
	assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, 5)))
	// Already held keys inside a requested range are granted again.
	assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, 4, 5, 6)))
	assert.Nil(t, lm.AcquireAll(1, reqs(Shared, 5)))

	lm.ReleaseAll(1, reqs(Exclusive, 4, 5, 6))
	assert.Equal(t, Exclusive, lm.Mode(NewKey(5)))
	assert.Equal(t, NoLock, lm.Mode(NewKey(6)))
	lm.ReleaseAll(1, reqs(Shared, 5))
	lm.ReleaseAll(1, reqs(Exclusive, 5))
	assert.Equal(t, NoLock, lm.Mode(NewKey(5)))

	// Sole owner may upgrade, a shared co-owner blocks it.
	assert.Nil(t, lm.AcquireAll(1, reqs(Shared, 7)))
	assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, 7)))
	assert.Equal(t, Exclusive, lm.Mode(NewKey(7)))
	assert.Nil(t, lm.AcquireAll(2, reqs(Shared, 8)))
	assert.Nil(t, lm.AcquireAll(3, reqs(Shared, 8)))
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(2, reqs(Exclusive, 8)))
}

func TestWaiterOrder(t *testing.T) {
	lm := NewLockManager(0)
	assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, 1)))
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(2, reqs(Exclusive, 1, 2, 3)))
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(3, reqs(Exclusive, 1)))

	lm.ReleaseAll(1, reqs(Exclusive, 1))
	// 3 is queued behind 2.
	assert.Equal(t, ErrLockConflict, lm.AcquireAll(3, reqs(Exclusive, 1)))
	assert.Nil(t, lm.AcquireAll(2, reqs(Exclusive, 1, 2, 3)))
	lm.ReleaseAll(2, reqs(Exclusive, 1, 2, 3))
	assert.Nil(t, lm.AcquireAll(3, reqs(Exclusive, 1)))

	// Releasing unknown keys is harmless.
	lm.ReleaseAll(9, reqs(Exclusive, 100))
}

func TestMaybeClear(t *testing.T) {
	lm := NewLockManager(4)
	for i := int64(0); i < 4; i++ {
		assert.Nil(t, lm.AcquireAll(1, reqs(Exclusive, i)))
	}
	assert.Equal(t, 0, lm.MaybeClear())

	assert.Nil(t, lm.AcquireAll(2, reqs(Shared, 10)))
	lm.ReleaseAll(1, reqs(Exclusive, 0, 1, 2))
	assert.Equal(t, 5, lm.Len())
	assert.Equal(t, 3, lm.MaybeClear())
	assert.Equal(t, 2, lm.Len())
	assert.Equal(t, Exclusive, lm.Mode(NewKey(3)))

	lm.Reset()
	assert.Equal(t, 0, lm.Len())
}
