package dora

import (
	"time"

	"github.com/pingcap-incubator/tinydora/kv/storage"
)

// Action is one step of a transaction. All its keys belong to one table and must route to a single partition.
type Action interface {
	Table() string
	// CalcKeys returns the routing keys of the action in order. It must not have side effects. A range action returns
	// several keys that are locked together.
	CalcKeys() []Key
	// ReadOnly actions take shared locks and release them as soon as they are done.
	ReadOnly() bool
	// Exec does the work against the transaction's storage. Returning an error aborts the transaction.
	Exec(txn storage.Txn) error
}

// BaseAction carries the per-execution state of an Action through the engine. BaseActions are pooled by the Env.
type BaseAction struct {
	body     Action
	xct      *Xct
	rvp      *RVP
	part     *Partition
	reqs     []LockRequest
	readOnly bool
	decision Decision

	// Set by the worker once the locks are granted.
	locked   bool
	parkedAt time.Time
	inPool   bool
}

func newBaseAction() *BaseAction {
	return &BaseAction{inPool: true}
}

func resetBaseAction(a *BaseAction) {
	if a.inPool {
		panic("dora: action given back twice")
	}
	a.body = nil
	a.xct = nil
	a.rvp = nil
	a.part = nil
	a.reqs = a.reqs[:0]
	a.readOnly = false
	a.decision = Undecided
	a.locked = false
	a.parkedAt = time.Time{}
	a.inPool = true
}

func (a *BaseAction) init(body Action, xct *Xct, rvp *RVP) {
	a.inPool = false
	a.body = body
	a.xct = xct
	a.rvp = rvp
	a.readOnly = body.ReadOnly()
}

// prepare computes the lock requests of the action.
func (a *BaseAction) prepare() ([]Key, error) {
	keys := a.body.CalcKeys()
	if len(keys) == 0 {
		return nil, ErrEmptyKey
	}
	mode := Exclusive
	if a.readOnly {
		mode = Shared
	}
	for _, k := range keys {
		if len(k) == 0 {
			return nil, ErrEmptyKey
		}
		a.reqs = append(a.reqs, NewLockRequest(k, mode))
	}
	return keys, nil
}
