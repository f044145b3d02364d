package pool

import (
	"go.uber.org/atomic"
)

// Pool is a bounded free list of reusable objects. Borrow never blocks: when the free list is empty a fresh object is
// built. GiveBack drops the object when the free list is already full.
type Pool[T any] struct {
	free  chan T
	newFn func() T
	reset func(T)

	borrowed atomic.Int64
	created  atomic.Int64
}

// New creates a pool keeping at most size idle objects. reset, when not nil, is applied to every object given back.
func New[T any](size int, newFn func() T, reset func(T)) *Pool[T] {
	if size < 0 {
		size = 0
	}
	return &Pool[T]{
		free:  make(chan T, size),
		newFn: newFn,
		reset: reset,
	}
}

func (p *Pool[T]) Borrow() T {
	p.borrowed.Inc()
	select {
	case obj := <-p.free:
		return obj
	default:
		p.created.Inc()
		return p.newFn()
	}
}

func (p *Pool[T]) GiveBack(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.borrowed.Dec()
	select {
	case p.free <- obj:
	default:
	}
}

// Outstanding returns the number of borrowed objects not given back yet.
func (p *Pool[T]) Outstanding() int64 {
	return p.borrowed.Load()
}

// Created returns how many objects the pool had to build.
func (p *Pool[T]) Created() int64 {
	return p.created.Load()
}

// Idle returns the number of objects waiting in the free list.
func (p *Pool[T]) Idle() int {
	return len(p.free)
}
