package dora

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pingcap-incubator/tinydora/kv/config"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testTable = "t"

// testAction runs fn as its body.
type testAction struct {
	keys     []Key
	readOnly bool
	fn       func(txn storage.Txn) error
}

func (a *testAction) Table() string { return testTable }
func (a *testAction) CalcKeys() []Key { return a.keys }
func (a *testAction) ReadOnly() bool { return a.readOnly }

func (a *testAction) Exec(txn storage.Txn) error {
	if a.fn == nil {
		return nil
	}
	return a.fn(txn)
}

func keysOf(vals ...int64) []Key {
	keys := make([]Key, 0, len(vals))
	for _, v := range vals {
		keys = append(keys, NewKey(v))
	}
	return keys
}

// newTestEnv creates an env with one table "t" over [0, 100), split into 4 partitions at 0, 25, 50 and 75.
func newTestEnv(t *testing.T, conf *config.Config) (*Env, *storage.MemEngine) {
	if conf == nil {
		conf = config.NewTestConfig()
	}
	engine := storage.NewMemEngine()
	env, err := NewEnv(conf, engine)
	require.Nil(t, err)
	_, err = env.RegisterTable(TableDesc{Name: testTable, MinKey: 0, MaxKey: 100, Ratio: 1})
	require.Nil(t, err)
	return env, engine
}

// single registers a transaction type made of the actions returned by build.
func single(env *Env, name string, build func(input interface{}) []Action) {
	err := env.RegisterXct(name, func(p *Phase, input interface{}) error {
		p.Add(build(input)...)
		return nil
	})
	if err != nil {
		panic(err)
	}
}

func wait(t *testing.T, r *Result) Decision {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := r.Wait(ctx)
	assert.NotEqual(t, context.DeadlineExceeded, err)
	return d
}

func TestEnvLifecycle(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	single(env, "noop", func(interface{}) []Action {
		return []Action{&testAction{keys: keysOf(1)}}
	})

	_, err := env.Submit("noop", nil)
	assert.Equal(t, ErrEnvStopped, err)

	require.Nil(t, env.Start())
	assert.True(t, env.Running())
	assert.Equal(t, ErrEnvRunning, env.Start())
	assert.Equal(t, ErrEnvRunning, env.UpdatePartitioning())
	assert.Equal(t, ErrEnvRunning, env.RegisterXct("other", nil))
	_, err = env.RegisterTable(TableDesc{Name: "u"})
	assert.Equal(t, ErrEnvRunning, err)

	tbl, err := env.Table(testTable)
	require.Nil(t, err)
	require.Equal(t, 4, tbl.Len())
	for i, p := range tbl.Partitions() {
		lower, _ := p.Bounds()
		assert.Equal(t, NewKey(int64(i*25)), lower)
		assert.Equal(t, -1, p.CPU())
	}

	_, err = env.Submit("missing", nil)
	assert.Equal(t, ErrUnknownXct, errors.Cause(err))

	r, err := env.Submit("noop", nil)
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, r))
	assert.True(t, r.Committed())
	assert.Nil(t, r.Err())

	require.Nil(t, env.Stop())
	require.Nil(t, env.Stop())
	assert.False(t, env.Running())
	assert.Nil(t, tbl.Partition(0))

	s := env.Stats()
	assert.Equal(t, int64(1), s.Xcts["noop"].Committed)
	assert.Equal(t, int64(0), s.InFlight)
	assert.Equal(t, int64(0), s.OutstandingActions)
	assert.Equal(t, int64(0), s.OutstandingRVPs)

	// Restart with a different layout.
	require.Nil(t, env.SetBoundaries(testTable, []Key{NewKey(0), NewKey(50)}))
	require.Nil(t, env.Start())
	assert.Equal(t, 2, tbl.Len())
	r, err = env.Submit("noop", nil)
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, r))
	require.Nil(t, env.Stop())
}

func TestRegisterTableKeyRange(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	_, err := env.RegisterTable(TableDesc{Name: "empty", MinKey: 5, MaxKey: 5})
	assert.NotNil(t, err)
	_, err = env.RegisterTable(TableDesc{Name: "reversed", Policy: PolicyPrefix, PrefixLen: 1, MinKey: 10, MaxKey: 0})
	assert.NotNil(t, err)
	_, err = env.RegisterTable(TableDesc{Name: "hashed", Policy: PolicyHash})
	assert.Nil(t, err)

	tbl, err := env.RegisterTable(TableDesc{Name: "wide", MinKey: -100, MaxKey: math.MaxInt64, Ratio: 1})
	require.Nil(t, err)
	assert.Equal(t, env.ActiveCPUs(), tbl.Len())
}

func TestCPUBinding(t *testing.T) {
	conf := config.NewTestConfig()
	conf.CPUBinding = true
	conf.ActiveCPUs = 4
	conf.CPUStart = 1
	conf.CPUPartitionStep = 2
	conf.CPUTableStep = 3
	env, _ := newTestEnv(t, conf)
	_, err := env.RegisterTable(TableDesc{Name: "u", MinKey: 0, MaxKey: 10, Ratio: 0.5})
	require.Nil(t, err)

	plan := env.Plan()
	require.Len(t, plan, 6)
	assert.Equal(t, PartitionPlan{Table: testTable, Index: 1, Lower: NewKey(25), Upper: NewKey(50), CPU: 3}, plan[1])
	assert.Equal(t, PartitionPlan{Table: "u", Index: 1, Lower: NewKey(5), CPU: 2}, plan[5])

	require.Nil(t, env.Start())
	defer env.Stop()
	tbl, _ := env.Table(testTable)
	var cpus []int
	for _, p := range tbl.Partitions() {
		cpus = append(cpus, p.CPU())
	}
	assert.Equal(t, []int{1, 3, 1, 3}, cpus)
	u, _ := env.Table("u")
	cpus = cpus[:0]
	for _, p := range u.Partitions() {
		cpus = append(cpus, p.CPU())
	}
	assert.Equal(t, []int{0, 2}, cpus)
}

func TestSinglePartitionOrder(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	var order []int
	single(env, "append", func(input interface{}) []Action {
		n := input.(int)
		return []Action{&testAction{keys: keysOf(int64(n % 20)), fn: func(storage.Txn) error {
			// Only the worker of partition 0 touches order.
			order = append(order, n)
			return nil
		}}}
	})
	require.Nil(t, env.Start())

	var results []*Result
	for i := 0; i < 200; i++ {
		r, err := env.Submit("append", i)
		require.Nil(t, err)
		results = append(results, r)
	}
	for _, r := range results {
		assert.Equal(t, Commit, wait(t, r))
	}
	require.Nil(t, env.Stop())

	require.Len(t, order, 200)
	for i, n := range order {
		assert.Equal(t, i, n)
	}
}

func TestNotifyRunsOnce(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	xct := &Xct{id: 1, typ: "x", result: newResult(1)}
	const n = 64
	rvp := env.borrowRVP(xct, n, nil)

	var runners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rvp.notify(nil, Commit, false) {
				runners.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), runners.Load())
	assert.Equal(t, n, rvp.Arrived())
	assert.Equal(t, RVPReady, rvp.State())
	assert.Equal(t, Commit, rvp.aggregate())
	assert.False(t, xct.Aborted())
}

func TestAbortSkipsLaterActions(t *testing.T) {
	env, engine := newTestEnv(t, nil)
	var secondRan atomic.Bool
	single(env, "doomed", func(interface{}) []Action {
		return []Action{
			&testAction{keys: keysOf(1), fn: func(txn storage.Txn) error {
				if err := txn.Insert(testTable, []byte("k1"), []byte("v")); err != nil {
					return err
				}
				return errors.Annotate(ErrXctAborted, "insufficient funds")
			}},
			&testAction{keys: keysOf(2), fn: func(storage.Txn) error {
				secondRan.Store(true)
				return nil
			}},
		}
	})
	require.Nil(t, env.Start())

	r, err := env.Submit("doomed", nil)
	require.Nil(t, err)
	assert.Equal(t, Abort, wait(t, r))
	assert.True(t, IsXctAborted(r.Err()))
	assert.False(t, secondRan.Load())

	stats := env.Stats().Partitions[testTable][0]
	assert.Equal(t, int64(1), stats.MidAborts)
	assert.Equal(t, int64(1), stats.EarlyAborts)
	assert.Equal(t, int64(2), stats.Processed)
	require.Nil(t, env.Stop())

	assert.Equal(t, 0, engine.Len(testTable))
	assert.Equal(t, int64(1), env.Stats().Xcts["doomed"].Aborted)
}

func TestQueueFull(t *testing.T) {
	conf := config.NewTestConfig()
	conf.QueueCapacity = 1
	env, _ := newTestEnv(t, conf)

	started := make(chan struct{})
	gate := make(chan struct{})
	single(env, "blocker", func(interface{}) []Action {
		return []Action{&testAction{keys: keysOf(1), fn: func(storage.Txn) error {
			close(started)
			<-gate
			return nil
		}}}
	})
	single(env, "write", func(input interface{}) []Action {
		return []Action{&testAction{keys: keysOf(input.(int64))}}
	})
	require.Nil(t, env.Start())

	blocker, err := env.Submit("blocker", nil)
	require.Nil(t, err)
	<-started

	queued, err := env.Submit("write", int64(2))
	require.Nil(t, err)
	_, err = env.Submit("write", int64(3))
	assert.Equal(t, ErrQueueFull, err)

	// Another partition is not affected.
	other, err := env.Submit("write", int64(30))
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, other))

	close(gate)
	assert.Equal(t, Commit, wait(t, blocker))
	assert.Equal(t, Commit, wait(t, queued))
	require.Nil(t, env.Stop())

	s := env.Stats().Xcts["write"]
	assert.Equal(t, int64(3), s.Attempted)
	assert.Equal(t, int64(2), s.Committed)
	assert.Equal(t, int64(1), s.Aborted)
	assert.Equal(t, int64(0), env.Stats().OutstandingActions)
}

type rangeInput struct {
	keys    []Key
	started chan struct{}
	gate    chan struct{}
}

func registerRange(env *Env) {
	single(env, "range", func(input interface{}) []Action {
		in := input.(*rangeInput)
		actions := []Action{&testAction{keys: in.keys, fn: func(storage.Txn) error {
			if in.started != nil {
				close(in.started)
			}
			return nil
		}}}
		if in.gate != nil {
			// Keeps the transaction, and so the range locks, open until the gate is closed.
			actions = append(actions, &testAction{keys: keysOf(90), fn: func(storage.Txn) error {
				<-in.gate
				return nil
			}})
		}
		return actions
	})
}

func TestOverlappingRangeActions(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	registerRange(env)
	require.Nil(t, env.Start())

	a := &rangeInput{keys: keysOf(1, 2, 3, 4, 5), started: make(chan struct{}), gate: make(chan struct{})}
	ra, err := env.Submit("range", a)
	require.Nil(t, err)
	<-a.started

	rb, err := env.Submit("range", &rangeInput{keys: keysOf(3, 4, 5, 6, 7)})
	require.Nil(t, err)
	assert.Equal(t, Deadlock, wait(t, rb))
	assert.Equal(t, ErrLockTimeout, errors.Cause(rb.Err()))

	close(a.gate)
	assert.Equal(t, Commit, wait(t, ra))

	// The keys are free again.
	rc, err := env.Submit("range", &rangeInput{keys: keysOf(3, 4, 5, 6, 7)})
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, rc))
	require.Nil(t, env.Stop())

	s := env.Stats()
	assert.Equal(t, int64(1), s.Xcts["range"].Deadlocked)
	assert.Equal(t, int64(2), s.Xcts["range"].Committed)
}

func TestWriteLocksHeldUntilDecision(t *testing.T) {
	conf := config.NewTestConfig()
	conf.LockWaitTimeout = config.NewDuration(5 * time.Second)
	env, _ := newTestEnv(t, conf)
	registerRange(env)
	single(env, "read", func(input interface{}) []Action {
		in := input.(*rangeInput)
		return []Action{
			&testAction{keys: in.keys, readOnly: true, fn: func(storage.Txn) error {
				close(in.started)
				return nil
			}},
			&testAction{keys: keysOf(90), readOnly: true, fn: func(storage.Txn) error {
				<-in.gate
				return nil
			}},
		}
	})
	require.Nil(t, env.Start())
	defer env.Stop()

	// Shared locks are gone as soon as the read action is done.
	reader := &rangeInput{keys: keysOf(1), started: make(chan struct{}), gate: make(chan struct{})}
	rr, err := env.Submit("read", reader)
	require.Nil(t, err)
	<-reader.started
	w, err := env.Submit("range", &rangeInput{keys: keysOf(1)})
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, w))
	close(reader.gate)
	assert.Equal(t, Commit, wait(t, rr))

	// Exclusive locks are kept until the writer is decided.
	writer := &rangeInput{keys: keysOf(1), started: make(chan struct{}), gate: make(chan struct{})}
	rw, err := env.Submit("range", writer)
	require.Nil(t, err)
	<-writer.started
	w, err = env.Submit("range", &rangeInput{keys: keysOf(1)})
	require.Nil(t, err)
	select {
	case <-w.Done():
		t.Fatal("second writer finished while the first still held the lock")
	case <-time.After(30 * time.Millisecond):
	}
	close(writer.gate)
	assert.Equal(t, Commit, wait(t, rw))
	assert.Equal(t, Commit, wait(t, w))
}

type moveInput struct {
	from, to int64
	val      []byte
}

func TestMidwayRVP(t *testing.T) {
	env, engine := newTestEnv(t, nil)
	var secondPhase atomic.Int32
	err := env.RegisterXct("move", func(p *Phase, input interface{}) error {
		in := input.(*moveInput)
		p.Add(&testAction{keys: keysOf(in.from), fn: func(txn storage.Txn) error {
			val, err := txn.Get(testTable, NewKey(in.from).Encode())
			if err != nil {
				return errors.Annotate(ErrXctAborted, err.Error())
			}
			in.val = val
			return txn.Delete(testTable, NewKey(in.from).Encode())
		}})
		p.Then(func(p *Phase, input interface{}) error {
			secondPhase.Inc()
			in := input.(*moveInput)
			p.Add(&testAction{keys: keysOf(in.to), fn: func(txn storage.Txn) error {
				return txn.Insert(testTable, NewKey(in.to).Encode(), in.val)
			}})
			return nil
		})
		return nil
	})
	require.Nil(t, err)

	txn, _ := engine.Begin(0)
	require.Nil(t, txn.Insert(testTable, NewKey(10).Encode(), []byte("payload")))
	require.Nil(t, txn.Commit())

	require.Nil(t, env.Start())
	r, err := env.Submit("move", &moveInput{from: 10, to: 80})
	require.Nil(t, err)
	assert.Equal(t, Commit, wait(t, r))
	assert.Equal(t, []byte("payload"), r.Output().(*moveInput).val)

	// Key 10 is gone now, the first phase aborts and the second is never built.
	r, err = env.Submit("move", &moveInput{from: 10, to: 81})
	require.Nil(t, err)
	assert.Equal(t, Abort, wait(t, r))
	assert.Equal(t, int32(1), secondPhase.Load())
	// Two phases of the first move plus the aborted phase, one terminal run per transaction.
	assert.Equal(t, int64(2), env.Stats().TerminalRuns)
	var executed int64
	for _, p := range env.Stats().Partitions[testTable] {
		executed += p.Executed
	}
	assert.Equal(t, int64(3), executed)
	require.Nil(t, env.Stop())

	txn, _ = engine.Begin(0)
	val, err := txn.Get(testTable, NewKey(80).Encode())
	require.Nil(t, err)
	assert.Equal(t, []byte("payload"), val)
	_, err = txn.Get(testTable, NewKey(10).Encode())
	assert.True(t, storage.IsNotFound(err))
	_, err = txn.Get(testTable, NewKey(81).Encode())
	assert.True(t, storage.IsNotFound(err))
	assert.Equal(t, int64(0), env.Stats().OutstandingActions)
	assert.Equal(t, int64(0), env.Stats().OutstandingRVPs)
}

func TestRoutingErrors(t *testing.T) {
	env, _ := newTestEnv(t, nil)
	single(env, "cross", func(interface{}) []Action {
		return []Action{&testAction{keys: keysOf(1, 60)}}
	})
	single(env, "nokey", func(interface{}) []Action {
		return []Action{&testAction{keys: keysOf(1)}, &testAction{}}
	})
	require.Nil(t, env.RegisterXct("empty", func(*Phase, interface{}) error { return nil }))
	require.Nil(t, env.Start())

	_, err := env.Submit("cross", nil)
	assert.Equal(t, ErrCrossPartition, errors.Cause(err))
	_, err = env.Submit("nokey", nil)
	assert.Equal(t, ErrEmptyKey, errors.Cause(err))
	_, err = env.Submit("empty", nil)
	assert.Equal(t, ErrEmptyPhase, err)
	require.Nil(t, env.Stop())

	s := env.Stats()
	assert.Equal(t, int64(1), s.Xcts["cross"].Aborted)
	assert.Equal(t, int64(1), s.Xcts["nokey"].Aborted)
	assert.Equal(t, int64(0), s.OutstandingActions)
	assert.Equal(t, int64(0), s.OutstandingRVPs)
	assert.Equal(t, int64(0), s.InFlight)
}

func TestConcurrentClients(t *testing.T) {
	env, engine := newTestEnv(t, nil)
	err := env.RegisterXct("incr", func(p *Phase, input interface{}) error {
		keys := input.([]int64)
		for _, k := range keys {
			key := NewKey(k)
			p.Add(&testAction{keys: []Key{key}, fn: func(txn storage.Txn) error {
				val, err := txn.Get(testTable, key.Encode())
				if storage.IsNotFound(err) {
					return txn.Insert(testTable, key.Encode(), []byte{1})
				}
				if err != nil {
					return err
				}
				return txn.Update(testTable, key.Encode(), []byte{val[0] + 1})
			}})
		}
		return nil
	})
	require.Nil(t, err)
	require.Nil(t, env.Start())

	const clients, rounds = 8, 25
	var committed atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				// Every transaction touches one key in each of two partitions.
				keys := []int64{int64(i % 5), int64(50 + (c+i)%5)}
				r, err := env.Submit("incr", keys)
				if err != nil {
					continue
				}
				if wait(t, r) == Commit {
					committed.Inc()
				}
			}
		}(c)
	}
	wg.Wait()
	require.Nil(t, env.Stop())

	txn, _ := engine.Begin(0)
	low, high := 0, 0
	for k := int64(0); k < 100; k++ {
		val, err := txn.Get(testTable, NewKey(k).Encode())
		if err != nil {
			continue
		}
		if k < 50 {
			low += int(val[0])
		} else {
			high += int(val[0])
		}
	}
	// Committed transactions incremented exactly one key on each side.
	assert.Equal(t, int(committed.Load()), low)
	assert.Equal(t, int(committed.Load()), high)
	assert.Equal(t, int64(0), env.Stats().OutstandingActions)
}
