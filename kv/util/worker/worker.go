package worker

import (
	"runtime"
	"sync"
	"time"

	"github.com/ngaut/log"
	"go.uber.org/atomic"
)

type TaskStop struct{}

type Task interface{}

type Worker struct {
	name     string
	cpu      int
	tick     time.Duration
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup

	running atomic.Bool
	stopped atomic.Bool
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Stopper is called on the worker goroutine after TaskStop was received.
type Stopper interface {
	Stop()
}

// Ticker is called every tick interval, whether or not tasks arrived.
type Ticker interface {
	Tick()
}

// BindCPU pins the worker's OS thread to cpu once started. A negative cpu disables binding.
func (w *Worker) BindCPU(cpu int) {
	w.cpu = cpu
}

func (w *Worker) SetTick(d time.Duration) {
	w.tick = d
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	w.running.Store(true)
	go func() {
		defer w.wg.Done()
		defer w.running.Store(false)

		// One worker owns one OS thread for its whole life.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if w.cpu >= 0 {
			if err := bindCPU(w.cpu); err != nil {
				log.Warnf("worker %s bind cpu %d: %v", w.name, w.cpu, err)
			}
		}

		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		var tickCh <-chan time.Time
		if _, ok := handler.(Ticker); ok && w.tick > 0 {
			ticker := time.NewTicker(w.tick)
			defer ticker.Stop()
			tickCh = ticker.C
		}
		for {
			select {
			case task := <-w.receiver:
				if _, ok := task.(TaskStop); ok {
					if s, ok := handler.(Stopper); ok {
						s.Stop()
					}
					return
				}
				handler.Handle(task)
			case <-tickCh:
				handler.(Ticker).Tick()
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Notify sends t without blocking. It returns false when the channel is full, which is fine for wake-up style tasks
// since a pending one is already queued.
func (w *Worker) Notify(t Task) bool {
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

// Stop asks the worker goroutine to exit. Calling it more than once is a no-op.
func (w *Worker) Stop() {
	if !w.stopped.CAS(false, true) {
		return
	}
	w.sender <- TaskStop{}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) CPU() int {
	return w.cpu
}

func (w *Worker) Running() bool {
	return w.running.Load()
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return NewWorkerWithCapacity(name, defaultWorkerCapacity, wg)
}

func NewWorkerWithCapacity(name string, capacity int, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		cpu:      -1,
		wg:       wg,
	}
}
