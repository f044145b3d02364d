package dora

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinydora/kv/storage"
	"go.uber.org/atomic"
)

// Xct is one transaction in flight.
type Xct struct {
	id    uint64
	typ   string
	input interface{}
	txn   storage.Txn
	start time.Time

	aborted atomic.Bool
	errMu   sync.Mutex
	err     error

	result *Result
}

func (x *Xct) ID() uint64 {
	return x.id
}

func (x *Xct) Type() string {
	return x.typ
}

func (x *Xct) Input() interface{} {
	return x.input
}

// MarkAborted dooms the transaction. Actions that did not start yet will not run their body.
func (x *Xct) MarkAborted() {
	x.aborted.Store(true)
}

func (x *Xct) Aborted() bool {
	return x.aborted.Load()
}

// setErr keeps the first error.
func (x *Xct) setErr(err error) {
	if err == nil {
		return
	}
	x.errMu.Lock()
	if x.err == nil {
		x.err = err
	}
	x.errMu.Unlock()
}

func (x *Xct) Err() error {
	x.errMu.Lock()
	defer x.errMu.Unlock()
	return x.err
}

// Result is what the client gets back from Submit.
type Result struct {
	done     chan struct{}
	xctID    uint64
	decision Decision
	err      error
	output   interface{}
	latency  time.Duration
}

func newResult(id uint64) *Result {
	return &Result{done: make(chan struct{}), xctID: id}
}

func (r *Result) finish(d Decision, err error, output interface{}, latency time.Duration) {
	r.decision = d
	r.err = err
	r.output = output
	r.latency = latency
	close(r.done)
}

// Done is closed once the transaction is decided.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the transaction is decided or ctx is done.
func (r *Result) Wait(ctx context.Context) (Decision, error) {
	select {
	case <-r.done:
		return r.decision, r.err
	case <-ctx.Done():
		return Undecided, ctx.Err()
	}
}

func (r *Result) XctID() uint64 {
	return r.xctID
}

// The accessors below are only meaningful after Done is closed.

func (r *Result) Decision() Decision {
	return r.decision
}

func (r *Result) Committed() bool {
	return r.decision == Commit
}

func (r *Result) Err() error {
	return r.err
}

// Output is the input the transaction was submitted with, filled in by its actions.
func (r *Result) Output() interface{} {
	return r.output
}

func (r *Result) Latency() time.Duration {
	return r.latency
}
