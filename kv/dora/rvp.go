package dora

import (
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

type RVPState int32

const (
	RVPCreated RVPState = iota
	RVPWaiting
	RVPReady
	RVPRunning
	RVPDone
)

func (s RVPState) String() string {
	switch s {
	case RVPCreated:
		return "created"
	case RVPWaiting:
		return "waiting"
	case RVPReady:
		return "ready"
	case RVPRunning:
		return "running"
	case RVPDone:
		return "done"
	}
	return "unknown"
}

// RVP is the rendezvous point that joins the actions of one phase. The caller whose notification completes the
// count runs it. A midway RVP builds and dispatches the next phase, the terminal one decides the transaction.
type RVP struct {
	env   *Env
	xct   *Xct
	total int32
	next  Builder

	arrived atomic.Int32
	state   atomic.Int32

	mu       sync.Mutex
	decision Decision
	// Write actions still holding their locks, released once the transaction is decided.
	actions []*BaseAction

	inPool bool
}

func newRVP() *RVP {
	return &RVP{inPool: true}
}

func resetRVP(r *RVP) {
	if r.inPool {
		panic("dora: rvp given back twice")
	}
	r.env = nil
	r.xct = nil
	r.total = 0
	r.next = nil
	r.arrived.Store(0)
	r.state.Store(int32(RVPCreated))
	r.decision = Undecided
	r.actions = r.actions[:0]
	r.inPool = true
}

func (r *RVP) init(env *Env, xct *Xct, total int, next Builder) {
	r.inPool = false
	r.env = env
	r.xct = xct
	r.total = int32(total)
	r.next = next
	r.state.Store(int32(RVPCreated))
}

func (r *RVP) State() RVPState {
	return RVPState(r.state.Load())
}

func (r *RVP) Terminal() bool {
	return r.next == nil
}

func (r *RVP) Total() int {
	return int(r.total)
}

func (r *RVP) Arrived() int {
	return int(r.arrived.Load())
}

// notify records the outcome of one action. When retain is set the RVP keeps a, whose locks are released after
// the final decision. It returns true for exactly one caller, the one that has to run the RVP.
func (r *RVP) notify(a *BaseAction, d Decision, retain bool) bool {
	r.mu.Lock()
	r.decision = r.decision.merge(d)
	if retain {
		r.actions = append(r.actions, a)
	}
	r.mu.Unlock()

	if d == Abort || d == Deadlock {
		r.xct.MarkAborted()
	}
	n := r.arrived.Inc()
	if n > r.total {
		log.Fatalf("rvp of xct %d notified %d times, expected %d", r.xct.id, n, r.total)
	}
	if n == r.total {
		r.state.Store(int32(RVPReady))
		return true
	}
	return false
}

func (r *RVP) aggregate() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision
}

// takeActions moves the retained actions of from into r.
func (r *RVP) takeActions(from *RVP) {
	from.mu.Lock()
	moved := from.actions
	from.actions = nil
	from.mu.Unlock()

	r.mu.Lock()
	r.actions = append(r.actions, moved...)
	r.mu.Unlock()
}

func (r *RVP) run() {
	r.state.Store(int32(RVPRunning))
	if r.next == nil {
		r.runTerminal()
		return
	}
	r.runMidway()
}

func (r *RVP) runMidway() {
	env, xct := r.env, r.xct
	decision := r.aggregate()
	if decision != Commit || xct.Aborted() {
		r.finishAborted(decision)
		return
	}

	phase := &Phase{env: env, xct: xct}
	err := r.next(phase, xct.input)
	if err == nil && len(phase.actions) == 0 {
		err = ErrEmptyPhase
	}
	if err != nil {
		xct.setErr(err)
		xct.MarkAborted()
		r.finishAborted(Abort)
		return
	}

	next := env.borrowRVP(xct, len(phase.actions), phase.next)
	next.takeActions(r)
	r.state.Store(int32(RVPDone))
	env.giveBackRVP(r)
	// A failed dispatch aborts the transaction through next, nobody waits for the error here.
	_ = env.dispatch(xct, next, phase.actions)
}

// finishAborted skips the remaining phases: the retained actions go to a terminal RVP which runs right away.
func (r *RVP) finishAborted(decision Decision) {
	env, xct := r.env, r.xct
	xct.MarkAborted()
	term := env.borrowRVP(xct, 0, nil)
	term.takeActions(r)
	if decision == Commit || decision == Undecided {
		decision = Abort
	}
	term.decision = decision
	r.state.Store(int32(RVPDone))
	env.giveBackRVP(r)
	term.state.Store(int32(RVPRunning))
	term.runTerminal()
}

func (r *RVP) runTerminal() {
	env, xct := r.env, r.xct
	env.terminal.Inc()
	decision := r.aggregate()
	if decision == Undecided || (decision == Commit && xct.Aborted()) {
		decision = Abort
	}

	if decision == Commit {
		if err := xct.txn.Commit(); err != nil {
			log.Errorf("xct %d (%s) commit failed: %v", xct.id, xct.typ, err)
			xct.setErr(err)
			decision = Abort
		}
	} else {
		if err := xct.txn.Abort(); err != nil && errors.Cause(err) != storage.ErrTxnDone {
			log.Errorf("xct %d (%s) abort failed: %v", xct.id, xct.typ, err)
		}
	}
	latency := time.Since(xct.start)
	env.recordXct(xct, decision, latency)

	// The owning partitions release the deferred locks.
	r.mu.Lock()
	retained := r.actions
	r.actions = nil
	r.mu.Unlock()
	for _, a := range retained {
		a.decision = Propagate
		a.part.enqueueCommitted(a)
	}

	var err error
	if decision != Commit {
		if err = xct.Err(); err == nil {
			err = ErrXctAborted
		}
	}
	log.Debugf("xct %d (%s) decided %s", xct.id, xct.typ, decision)
	result := xct.result
	r.state.Store(int32(RVPDone))
	env.giveBackRVP(r)
	env.xctDone()
	result.finish(decision, err, xct.input, latency)
}
