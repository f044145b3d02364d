package dora

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/util/worker"
	"go.uber.org/atomic"
)

type wakeTask struct{}

// PartitionStats counts what the worker of one partition did.
type PartitionStats struct {
	// Processed counts every decided action, Executed only the ones whose body ran.
	Processed     int64
	Executed      int64
	ServedInput   int64
	ServedWaiting int64
	EarlyAborts   int64
	MidAborts     int64
	Problems      int64
	Deadlocks     int64
}

type partitionCounters struct {
	processed     atomic.Int64
	executed      atomic.Int64
	servedInput   atomic.Int64
	servedWaiting atomic.Int64
	earlyAborts   atomic.Int64
	midAborts     atomic.Int64
	problems      atomic.Int64
	deadlocks     atomic.Int64
}

// Partition owns a slice of one table's key space. Its worker is the only goroutine executing actions on it and
// the only one touching its lock manager.
type Partition struct {
	env   *Env
	table string
	idx   int
	lower Key
	upper Key
	cpu   int

	lm     *LockManager
	worker *worker.Worker

	mu        sync.Mutex
	input     []*BaseAction
	committed []*BaseAction
	capacity  int
	stopped   bool

	// Owned by the worker goroutine.
	parked []*BaseAction

	lockWait time.Duration
	counters partitionCounters
	label    string
}

func newPartition(env *Env, table string, idx int, lower, upper Key, cpu int) *Partition {
	conf := env.conf
	p := &Partition{
		env:      env,
		table:    table,
		idx:      idx,
		lower:    lower,
		upper:    upper,
		cpu:      cpu,
		lm:       NewLockManager(conf.LockClearThreshold),
		capacity: conf.QueueCapacity,
		lockWait: conf.LockWaitTimeout.Duration,
		label:    strconv.Itoa(idx),
	}
	p.worker = worker.NewWorkerWithCapacity(fmt.Sprintf("%s-%d", table, idx), 1, &env.wg)
	p.worker.SetTick(conf.WorkerIdleTick.Duration)
	p.worker.BindCPU(cpu)
	return p
}

func (p *Partition) Table() string {
	return p.table
}

func (p *Partition) Index() int {
	return p.idx
}

// Bounds returns the lower and upper boundary of a range partition, nil for an open side.
func (p *Partition) Bounds() (Key, Key) {
	return p.lower, p.upper
}

func (p *Partition) CPU() int {
	return p.cpu
}

func (p *Partition) start() {
	p.worker.Start(p)
}

// Enqueue appends a to the input queue. Without wake the worker picks it up on its next pass or tick.
func (p *Partition) Enqueue(a *BaseAction, wake bool) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPartitionStopped
	}
	if len(p.input) >= p.capacity {
		p.mu.Unlock()
		return ErrQueueFull
	}
	a.part = p
	p.input = append(p.input, a)
	p.mu.Unlock()
	if wake {
		p.worker.Notify(wakeTask{})
	}
	return nil
}

// enqueueCommitted hands back a decided write action so the worker releases its locks.
func (p *Partition) enqueueCommitted(a *BaseAction) {
	p.mu.Lock()
	p.committed = append(p.committed, a)
	p.mu.Unlock()
	p.worker.Notify(wakeTask{})
}

func (p *Partition) dequeue() *BaseAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.input) == 0 {
		return nil
	}
	a := p.input[0]
	p.input[0] = nil
	p.input = p.input[1:]
	return a
}

// QueueLen returns the number of actions waiting in the input queue.
func (p *Partition) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.input)
}

func (p *Partition) markStopped() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func (p *Partition) Stats() PartitionStats {
	c := &p.counters
	return PartitionStats{
		Processed:     c.processed.Load(),
		Executed:      c.executed.Load(),
		ServedInput:   c.servedInput.Load(),
		ServedWaiting: c.servedWaiting.Load(),
		EarlyAborts:   c.earlyAborts.Load(),
		MidAborts:     c.midAborts.Load(),
		Problems:      c.problems.Load(),
		Deadlocks:     c.deadlocks.Load(),
	}
}

// Handle, Tick and Stop run on the worker goroutine.

func (p *Partition) Handle(t worker.Task) {
	p.serve(false)
}

func (p *Partition) Tick() {
	p.serve(true)
	queueLenGauge.WithLabelValues(p.table, p.label).Set(float64(p.QueueLen()))
	if n := p.lm.MaybeClear(); n > 0 {
		log.Debugf("partition %s cleared %d lock entries", p.worker.Name(), n)
	}
}

// Stop serves what is still queued and fails the actions that cannot get their locks anymore.
func (p *Partition) Stop() {
	p.serve(true)
	for _, a := range p.parked {
		p.lm.Forget(a.xct.id, a.reqs)
		a.xct.setErr(ErrPartitionStopped)
		p.counters.deadlocks.Inc()
		p.finish(a, Deadlock)
	}
	p.parked = nil
	p.releaseCommitted()
}

func (p *Partition) serve(tick bool) {
	for {
		released := p.releaseCommitted()
		if len(p.parked) > 0 && (released > 0 || tick) {
			p.retryParked()
			tick = false
		}
		a := p.dequeue()
		if a == nil {
			return
		}
		p.serveInput(a)
	}
}

// releaseCommitted drops the locks of the decided write actions and gives them back.
func (p *Partition) releaseCommitted() int {
	p.mu.Lock()
	committed := p.committed
	p.committed = nil
	p.mu.Unlock()
	for _, a := range committed {
		p.lm.ReleaseAll(a.xct.id, a.reqs)
		p.env.giveBackAction(a)
	}
	return len(committed)
}

func (p *Partition) serveInput(a *BaseAction) {
	p.counters.servedInput.Inc()
	if a.xct.Aborted() {
		p.counters.earlyAborts.Inc()
		p.finish(a, Die)
		return
	}
	if err := p.lm.AcquireAll(a.xct.id, a.reqs); err != nil {
		lockConflictCounter.WithLabelValues(p.table).Inc()
		a.parkedAt = time.Now()
		p.parked = append(p.parked, a)
		return
	}
	p.execute(a)
}

// retryParked gives the parked actions another try in arrival order.
func (p *Partition) retryParked() {
	now := time.Now()
	remain := p.parked[:0]
	for _, a := range p.parked {
		if a.xct.Aborted() {
			p.lm.Forget(a.xct.id, a.reqs)
			p.counters.earlyAborts.Inc()
			p.finish(a, Die)
			continue
		}
		if err := p.lm.AcquireAll(a.xct.id, a.reqs); err != nil {
			if now.Sub(a.parkedAt) >= p.lockWait {
				p.lm.Forget(a.xct.id, a.reqs)
				a.xct.setErr(ErrLockTimeout)
				p.counters.deadlocks.Inc()
				p.finish(a, Deadlock)
				continue
			}
			remain = append(remain, a)
			continue
		}
		p.counters.servedWaiting.Inc()
		p.execute(a)
	}
	for i := len(remain); i < len(p.parked); i++ {
		p.parked[i] = nil
	}
	p.parked = remain
}

func (p *Partition) execute(a *BaseAction) {
	a.locked = true
	p.counters.executed.Inc()
	decision := Commit
	if err := a.body.Exec(a.xct.txn); err != nil {
		decision = Abort
		if IsXctAborted(err) {
			p.counters.midAborts.Inc()
		} else {
			p.counters.problems.Inc()
			log.Debugf("partition %s xct %d action failed: %v", p.worker.Name(), a.xct.id, err)
		}
		a.xct.setErr(err)
	}
	if a.readOnly {
		p.lm.ReleaseAll(a.xct.id, a.reqs)
		a.locked = false
	}
	p.finish(a, decision)
}

// finish notifies the RVP of a and runs it when a was the last action it waited for.
func (p *Partition) finish(a *BaseAction, d Decision) {
	p.counters.processed.Inc()
	actionCounter.WithLabelValues(p.table, d.String()).Inc()
	a.decision = d
	rvp := a.rvp
	retain := a.locked
	if rvp.notify(a, d, retain) {
		if !retain {
			p.env.giveBackAction(a)
		}
		rvp.run()
		return
	}
	if !retain {
		p.env.giveBackAction(a)
	}
}
