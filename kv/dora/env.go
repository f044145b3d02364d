package dora

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/config"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap-incubator/tinydora/kv/util/pool"
	"github.com/pingcap/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/atomic"
)

// XctStats counts the decided transactions of one type.
type XctStats struct {
	Attempted  int64
	Committed  int64
	Aborted    int64
	Deadlocked int64
}

type xctCounters struct {
	attempted  atomic.Int64
	committed  atomic.Int64
	aborted    atomic.Int64
	deadlocked atomic.Int64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Xcts       map[string]XctStats
	Partitions map[string][]PartitionStats
	InFlight   int64
	// Terminal RVPs run, one per dispatched transaction.
	TerminalRuns int64
	// Pooled objects not given back. Both are zero once the engine is idle.
	OutstandingActions int64
	OutstandingRVPs    int64
}

// Env owns the partitioned tables, their workers and the transaction types that run on them.
type Env struct {
	conf       *config.Config
	engine     storage.Engine
	hash       HashFunc
	activeCPUs int

	// mu serializes the lifecycle operations. Tables and transaction types are only changed while stopped.
	mu      sync.Mutex
	tables  map[string]*PartitionTable
	order   []*PartitionTable
	xcts    map[string]Builder
	xctStat map[string]*xctCounters

	running  atomic.Bool
	stopping atomic.Bool
	inFlight atomic.Int64
	terminal atomic.Int64
	nextXct  atomic.Uint64

	actions *pool.Pool[*BaseAction]
	rvps    *pool.Pool[*RVP]
	wg      sync.WaitGroup
}

func NewEnv(conf *config.Config, engine storage.Engine) (*Env, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	hash, err := hashFunc(conf.HashFunction)
	if err != nil {
		return nil, err
	}
	e := &Env{
		conf:       conf,
		engine:     engine,
		hash:       hash,
		activeCPUs: detectCPUs(conf.ActiveCPUs),
		tables:     make(map[string]*PartitionTable),
		xcts:       make(map[string]Builder),
		xctStat:    make(map[string]*xctCounters),
		actions:    pool.New(conf.ActionPoolSize, newBaseAction, resetBaseAction),
		rvps:       pool.New(conf.RVPPoolSize, newRVP, resetRVP),
	}
	return e, nil
}

func detectCPUs(configured int) int {
	if configured > 0 {
		return configured
	}
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		log.Warnf("detect cpu count: %v, falling back to GOMAXPROCS", err)
		return runtime.GOMAXPROCS(0)
	}
	return n
}

func (e *Env) Config() *config.Config {
	return e.conf
}

func (e *Env) Engine() storage.Engine {
	return e.engine
}

func (e *Env) ActiveCPUs() int {
	return e.activeCPUs
}

func (e *Env) Running() bool {
	return e.running.Load()
}

// RegisterTable adds a table. The env must be stopped.
func (e *Env) RegisterTable(desc TableDesc) (*PartitionTable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil, ErrEnvRunning
	}
	if _, ok := e.tables[desc.Name]; ok {
		return nil, errors.Errorf("table %s already registered", desc.Name)
	}
	if desc.Policy == PolicyPrefix && desc.PrefixLen <= 0 {
		return nil, errors.Errorf("prefix partitioned table %s needs a prefix length", desc.Name)
	}
	if desc.Policy != PolicyHash && desc.MaxKey <= desc.MinKey {
		return nil, errors.Errorf("table %s has an empty key range [%d, %d)", desc.Name, desc.MinKey, desc.MaxKey)
	}
	t := newPartitionTable(desc, len(e.order), e.hash)
	t.configure(e.activeCPUs, e.ratio(desc))
	e.tables[desc.Name] = t
	e.order = append(e.order, t)
	return t, nil
}

func (e *Env) ratio(desc TableDesc) float64 {
	if desc.Ratio > 0 {
		return desc.Ratio
	}
	return e.conf.RatioFor(desc.Name)
}

// RegisterXct makes a transaction type available to Submit.
func (e *Env) RegisterXct(name string, b Builder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrEnvRunning
	}
	e.xcts[name] = b
	if _, ok := e.xctStat[name]; !ok {
		e.xctStat[name] = new(xctCounters)
	}
	return nil
}

func (e *Env) Table(name string) (*PartitionTable, error) {
	t, ok := e.tables[name]
	if !ok {
		return nil, errors.Annotatef(ErrUnknownTable, "table %s", name)
	}
	return t, nil
}

// SetBoundaries fixes the lower boundaries of a range or prefix partitioned table. An empty list goes back to the
// computed boundaries. The env must be stopped.
func (e *Env) SetBoundaries(table string, bounds []Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrEnvRunning
	}
	t, err := e.Table(table)
	if err != nil {
		return err
	}
	if err := t.setBoundaries(bounds); err != nil {
		return err
	}
	t.configure(e.activeCPUs, e.ratio(t.desc))
	return nil
}

// UpdatePartitioning recomputes the partitioning of every table from the current configuration. The env must be
// stopped.
func (e *Env) UpdatePartitioning() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrEnvRunning
	}
	e.activeCPUs = detectCPUs(e.conf.ActiveCPUs)
	for _, t := range e.order {
		t.configure(e.activeCPUs, e.ratio(t.desc))
		log.Infof("table %s: %s partitioned into %d", t.desc.Name, t.desc.Policy, t.count)
	}
	return nil
}

func (e *Env) cpuFor(tableIdx, partIdx int) int {
	if !e.conf.CPUBinding {
		return -1
	}
	return (e.conf.CPUStart + tableIdx*e.conf.CPUTableStep + partIdx*e.conf.CPUPartitionStep) % e.activeCPUs
}

// PartitionPlan describes one partition as Start creates it. CPU is -1 when workers are not bound.
type PartitionPlan struct {
	Table  string
	Policy Policy
	Index  int
	Lower  Key
	Upper  Key
	CPU    int
}

// Plan returns the partitions of every table in registration order.
func (e *Env) Plan() []PartitionPlan {
	e.mu.Lock()
	defer e.mu.Unlock()
	var plan []PartitionPlan
	for ti, t := range e.order {
		for i := 0; i < t.count; i++ {
			lower, upper := t.partitionRange(i)
			plan = append(plan, PartitionPlan{
				Table:  t.desc.Name,
				Policy: t.desc.Policy,
				Index:  i,
				Lower:  lower,
				Upper:  upper,
				CPU:    e.cpuFor(ti, i),
			})
		}
	}
	return plan
}

// Start spawns one worker per partition of every table.
func (e *Env) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return ErrEnvRunning
	}
	for ti, t := range e.order {
		t.parts = make([]*Partition, 0, t.count)
		for i := 0; i < t.count; i++ {
			lower, upper := t.partitionRange(i)
			p := newPartition(e, t.desc.Name, i, lower, upper, e.cpuFor(ti, i))
			t.parts = append(t.parts, p)
		}
		for _, p := range t.parts {
			p.start()
		}
		log.Infof("table %s started %d partitions", t.desc.Name, len(t.parts))
	}
	e.stopping.Store(false)
	e.running.Store(true)
	log.Infof("dora env started, %d tables on %d cpus", len(e.order), e.activeCPUs)
	return nil
}

// Stop rejects new transactions, waits for the ones in flight, then stops and joins every worker.
func (e *Env) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return nil
	}
	e.stopping.Store(true)

	deadline := time.Now().Add(e.conf.StopTimeout.Duration)
	for e.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(e.conf.WorkerIdleTick.Duration)
	}
	if n := e.inFlight.Load(); n > 0 {
		log.Warnf("dora env stopping with %d transactions in flight", n)
	}

	for _, t := range e.order {
		for _, p := range t.parts {
			p.markStopped()
		}
	}
	for _, t := range e.order {
		for _, p := range t.parts {
			p.worker.Stop()
		}
	}
	e.wg.Wait()

	// Workers may have handed decided actions to partitions that were already gone.
	for _, t := range e.order {
		for _, p := range t.parts {
			p.releaseCommitted()
			p.lm.Reset()
		}
		t.parts = nil
	}
	e.running.Store(false)
	e.stopping.Store(false)
	log.Infof("dora env stopped, %d actions and %d rvps outstanding",
		e.actions.Outstanding(), e.rvps.Outstanding())
	return nil
}

// Submit starts a transaction of type typ. The returned result is completed once the transaction is decided. Errors
// found while dispatching the first phase are returned directly, the transaction is aborted then.
func (e *Env) Submit(typ string, input interface{}) (*Result, error) {
	e.inFlight.Inc()
	if !e.running.Load() || e.stopping.Load() {
		e.inFlight.Dec()
		return nil, ErrEnvStopped
	}
	b, ok := e.xcts[typ]
	if !ok {
		e.inFlight.Dec()
		return nil, errors.Annotatef(ErrUnknownXct, "xct %s", typ)
	}
	inFlightGauge.Inc()

	id := e.nextXct.Inc()
	xct := &Xct{id: id, typ: typ, input: input, start: time.Now(), result: newResult(id)}
	e.xctStat[typ].attempted.Inc()
	txn, err := e.engine.Begin(id)
	if err != nil {
		e.failBeforeDispatch(xct, err)
		return nil, errors.Trace(err)
	}
	xct.txn = txn

	phase := &Phase{env: e, xct: xct}
	err = b(phase, input)
	if err == nil && len(phase.actions) == 0 {
		err = ErrEmptyPhase
	}
	if err != nil {
		_ = txn.Abort()
		e.failBeforeDispatch(xct, err)
		return nil, err
	}

	result := xct.result
	rvp := e.borrowRVP(xct, len(phase.actions), phase.next)
	if err := e.dispatch(xct, rvp, phase.actions); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Env) failBeforeDispatch(xct *Xct, err error) {
	xct.setErr(err)
	e.recordXct(xct, Abort, time.Since(xct.start))
	e.xctDone()
	xct.result.finish(Abort, err, xct.input, time.Since(xct.start))
}

// dispatch routes the actions of one phase and enqueues them. When an action cannot be routed or enqueued, the
// transaction is aborted and the RVP is notified on behalf of every action that was not enqueued.
func (e *Env) dispatch(xct *Xct, rvp *RVP, bodies []Action) error {
	rvp.state.Store(int32(RVPWaiting))
	prepared := make([]*BaseAction, 0, len(bodies))
	var err error
	for _, body := range bodies {
		a := e.borrowAction(body, xct, rvp)
		if err = e.route(a); err != nil {
			e.giveBackAction(a)
			break
		}
		prepared = append(prepared, a)
	}
	if err != nil {
		for _, a := range prepared {
			e.giveBackAction(a)
		}
		e.failDispatch(xct, rvp, len(bodies), err)
		return err
	}

	for i, a := range prepared {
		if err = a.part.Enqueue(a, true); err != nil {
			rest := prepared[i:]
			for _, b := range rest {
				e.giveBackAction(b)
			}
			e.failDispatch(xct, rvp, len(rest), err)
			return err
		}
	}
	return nil
}

func (e *Env) failDispatch(xct *Xct, rvp *RVP, n int, err error) {
	log.Debugf("xct %d (%s) dispatch failed: %v", xct.id, xct.typ, err)
	xct.setErr(err)
	xct.MarkAborted()
	for i := 0; i < n; i++ {
		if rvp.notify(nil, Abort, false) {
			rvp.run()
		}
	}
}

// route computes the keys of a and picks its partition.
func (e *Env) route(a *BaseAction) error {
	keys, err := a.prepare()
	if err != nil {
		return err
	}
	t, err := e.Table(a.body.Table())
	if err != nil {
		return err
	}
	idx, err := t.DecidePart(keys[0])
	if err != nil {
		return err
	}
	for _, k := range keys[1:] {
		i, err := t.DecidePart(k)
		if err != nil {
			return err
		}
		if i != idx {
			return errors.Annotatef(ErrCrossPartition, "table %s keys %v and %v", t.desc.Name, keys[0], k)
		}
	}
	p := t.Partition(idx)
	if p == nil {
		return ErrTableNotReady
	}
	a.part = p
	return nil
}

func (e *Env) borrowAction(body Action, xct *Xct, rvp *RVP) *BaseAction {
	a := e.actions.Borrow()
	a.init(body, xct, rvp)
	return a
}

func (e *Env) giveBackAction(a *BaseAction) {
	e.actions.GiveBack(a)
}

func (e *Env) borrowRVP(xct *Xct, total int, next Builder) *RVP {
	r := e.rvps.Borrow()
	r.init(e, xct, total, next)
	return r
}

func (e *Env) giveBackRVP(r *RVP) {
	e.rvps.GiveBack(r)
}

func (e *Env) recordXct(xct *Xct, d Decision, latency time.Duration) {
	c := e.xctStat[xct.typ]
	switch d {
	case Commit:
		c.committed.Inc()
	case Deadlock:
		c.deadlocked.Inc()
	default:
		c.aborted.Inc()
	}
	xctCounter.WithLabelValues(xct.typ, d.String()).Inc()
	xctDuration.WithLabelValues(xct.typ).Observe(latency.Seconds())
}

func (e *Env) xctDone() {
	e.inFlight.Dec()
	inFlightGauge.Dec()
}

func (e *Env) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Xcts:               make(map[string]XctStats, len(e.xctStat)),
		Partitions:         make(map[string][]PartitionStats, len(e.order)),
		InFlight:           e.inFlight.Load(),
		TerminalRuns:       e.terminal.Load(),
		OutstandingActions: e.actions.Outstanding(),
		OutstandingRVPs:    e.rvps.Outstanding(),
	}
	for name, c := range e.xctStat {
		s.Xcts[name] = XctStats{
			Attempted:  c.attempted.Load(),
			Committed:  c.committed.Load(),
			Aborted:    c.aborted.Load(),
			Deadlocked: c.deadlocked.Load(),
		}
	}
	for _, t := range e.order {
		parts := make([]PartitionStats, 0, len(t.parts))
		for _, p := range t.parts {
			parts = append(parts, p.Stats())
		}
		s.Partitions[t.desc.Name] = parts
	}
	return s
}

// Tables returns the registered tables ordered by name.
func (e *Env) Tables() []*PartitionTable {
	tables := make([]*PartitionTable, len(e.order))
	copy(tables, e.order)
	sort.Slice(tables, func(i, j int) bool { return tables[i].desc.Name < tables[j].desc.Name })
	return tables
}
