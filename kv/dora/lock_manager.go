package dora

type LockRequest struct {
	Key  Key
	Mode LockMode

	enc string
}

func NewLockRequest(key Key, mode LockMode) LockRequest {
	return LockRequest{Key: key, Mode: mode, enc: string(key.Encode())}
}

type lockOwner struct {
	xct   uint64
	mode  LockMode
	count int
}

type lockWaiter struct {
	xct  uint64
	mode LockMode
}

type lockEntry struct {
	owners  []lockOwner
	waiters []lockWaiter
}

func (e *lockEntry) clean() bool {
	return len(e.owners) == 0 && len(e.waiters) == 0
}

func (e *lockEntry) owner(xct uint64) int {
	for i := range e.owners {
		if e.owners[i].xct == xct {
			return i
		}
	}
	return -1
}

func (e *lockEntry) waiter(xct uint64) int {
	for i := range e.waiters {
		if e.waiters[i].xct == xct {
			return i
		}
	}
	return -1
}

// grantable reports whether xct may take the key in mode. Waiters queued ahead of xct with an incompatible mode
// block it, so a parked request is not overtaken forever.
func (e *lockEntry) grantable(xct uint64, mode LockMode) bool {
	if i := e.owner(xct); i >= 0 {
		if e.owners[i].mode >= mode {
			return true
		}
		// Upgrade, only as the sole owner.
		return len(e.owners) == 1
	}
	for _, o := range e.owners {
		if !o.mode.Compatible(mode) {
			return false
		}
	}
	ahead := len(e.waiters)
	if i := e.waiter(xct); i >= 0 {
		ahead = i
	}
	for _, w := range e.waiters[:ahead] {
		if !w.mode.Compatible(mode) {
			return false
		}
	}
	return true
}

func (e *lockEntry) grant(xct uint64, mode LockMode) {
	if i := e.waiter(xct); i >= 0 {
		e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
	}
	if i := e.owner(xct); i >= 0 {
		e.owners[i].count++
		if mode > e.owners[i].mode {
			e.owners[i].mode = mode
		}
		return
	}
	e.owners = append(e.owners, lockOwner{xct: xct, mode: mode, count: 1})
}

// LockManager keeps the logical locks of one partition. It is only used by the partition's worker, so it needs no
// synchronization.
type LockManager struct {
	locks          map[string]*lockEntry
	clearThreshold int
}

func NewLockManager(clearThreshold int) *LockManager {
	return &LockManager{
		locks:          make(map[string]*lockEntry),
		clearThreshold: clearThreshold,
	}
}

func (lm *LockManager) entry(enc string) *lockEntry {
	e, ok := lm.locks[enc]
	if !ok {
		e = new(lockEntry)
		lm.locks[enc] = e
	}
	return e
}

// AcquireAll grants every request to xct or none of them. Keys xct already holds in a strong enough mode are granted
// again and need one more release. On conflict xct is queued as a waiter on the conflicting keys and
// ErrLockConflict is returned.
func (lm *LockManager) AcquireAll(xct uint64, reqs []LockRequest) error {
	var conflicts []int
	for i := range reqs {
		if reqs[i].Mode == NoLock {
			continue
		}
		if e, ok := lm.locks[reqs[i].enc]; ok && !e.grantable(xct, reqs[i].Mode) {
			conflicts = append(conflicts, i)
		}
	}
	if len(conflicts) > 0 {
		for _, i := range conflicts {
			e := lm.locks[reqs[i].enc]
			if e.waiter(xct) < 0 {
				e.waiters = append(e.waiters, lockWaiter{xct: xct, mode: reqs[i].Mode})
			}
		}
		return ErrLockConflict
	}
	for i := range reqs {
		if reqs[i].Mode == NoLock {
			continue
		}
		lm.entry(reqs[i].enc).grant(xct, reqs[i].Mode)
	}
	return nil
}

// ReleaseAll drops one hold of xct on every requested key, and any waiter registration of xct on them. Unknown keys
// are ignored.
func (lm *LockManager) ReleaseAll(xct uint64, reqs []LockRequest) {
	for i := range reqs {
		e, ok := lm.locks[reqs[i].enc]
		if !ok {
			continue
		}
		if j := e.owner(xct); j >= 0 {
			e.owners[j].count--
			if e.owners[j].count <= 0 {
				e.owners = append(e.owners[:j], e.owners[j+1:]...)
			}
		}
		if j := e.waiter(xct); j >= 0 {
			e.waiters = append(e.waiters[:j], e.waiters[j+1:]...)
		}
	}
}

// Forget removes the waiter registrations of xct without touching granted locks.
func (lm *LockManager) Forget(xct uint64, reqs []LockRequest) {
	for i := range reqs {
		if e, ok := lm.locks[reqs[i].enc]; ok {
			if j := e.waiter(xct); j >= 0 {
				e.waiters = append(e.waiters[:j], e.waiters[j+1:]...)
			}
		}
	}
}

// Mode returns the strongest mode any transaction holds on key.
func (lm *LockManager) Mode(key Key) LockMode {
	e, ok := lm.locks[string(key.Encode())]
	if !ok {
		return NoLock
	}
	mode := NoLock
	for _, o := range e.owners {
		if o.mode > mode {
			mode = o.mode
		}
	}
	return mode
}

// Len returns the number of tracked keys, held or not.
func (lm *LockManager) Len() int {
	return len(lm.locks)
}

// Held returns the number of keys with at least one owner.
func (lm *LockManager) Held() int {
	n := 0
	for _, e := range lm.locks {
		if len(e.owners) > 0 {
			n++
		}
	}
	return n
}

// MaybeClear drops the entries nobody holds or waits for once more than the threshold keys are tracked. It returns
// the number of dropped entries.
func (lm *LockManager) MaybeClear() int {
	if lm.clearThreshold <= 0 || len(lm.locks) <= lm.clearThreshold {
		return 0
	}
	n := 0
	for k, e := range lm.locks {
		if e.clean() {
			delete(lm.locks, k)
			n++
		}
	}
	return n
}

func (lm *LockManager) Reset() {
	lm.locks = make(map[string]*lockEntry)
}
