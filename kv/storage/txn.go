package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

type write struct {
	table  string
	key    []byte
	val    []byte
	delete bool
}

func writeLess(a, b *write) bool {
	if a.table != b.table {
		return a.table < b.table
	}
	return bytes.Compare(a.key, b.key) < 0
}

// txn buffers its writes in an ordered tree and hands them to the backend on commit.
type txn struct {
	id      uint64
	backend backend

	mu     sync.Mutex
	writes *btree.BTreeG[*write]
	done   bool
}

func newTxn(id uint64, b backend) *txn {
	return &txn{
		id:      id,
		backend: b,
		writes:  btree.NewG(8, writeLess),
	}
}

func (t *txn) ID() uint64 {
	return t.id
}

// lookup must be called with t.mu held.
func (t *txn) lookup(table string, key []byte) ([]byte, error) {
	if w, ok := t.writes.Get(&write{table: table, key: key}); ok {
		if w.delete {
			return nil, ErrNotFound
		}
		return w.val, nil
	}
	return t.backend.get(table, key)
}

func (t *txn) Get(table string, key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, ErrTxnDone
	}
	return t.lookup(table, key)
}

func (t *txn) Scan(table string, start, end []byte, fn func(key, val []byte) bool) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxnDone
	}
	var pending []*write
	t.writes.AscendGreaterOrEqual(&write{table: table, key: start}, func(w *write) bool {
		if w.table != table || (len(end) > 0 && bytes.Compare(w.key, end) >= 0) {
			return false
		}
		pending = append(pending, w)
		return true
	})
	t.mu.Unlock()

	// Merge the committed rows with the pending writes, the pending write wins on equal keys.
	stopped := false
	emit := func(key, val []byte) bool {
		if !fn(key, val) {
			stopped = true
		}
		return !stopped
	}
	err := t.backend.scan(table, start, end, func(key, val []byte) bool {
		for len(pending) > 0 && bytes.Compare(pending[0].key, key) < 0 {
			w := pending[0]
			pending = pending[1:]
			if !w.delete && !emit(w.key, w.val) {
				return false
			}
		}
		if len(pending) > 0 && bytes.Equal(pending[0].key, key) {
			w := pending[0]
			pending = pending[1:]
			if w.delete {
				return true
			}
			return emit(w.key, w.val)
		}
		return emit(key, val)
	})
	if err != nil {
		return err
	}
	for _, w := range pending {
		if stopped {
			break
		}
		if !w.delete {
			emit(w.key, w.val)
		}
	}
	return nil
}

func (t *txn) put(table string, key, val []byte, mustExist bool) error {
	if len(val) == 0 {
		return ErrEmptyValue
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	_, err := t.lookup(table, key)
	switch {
	case err == nil && !mustExist:
		return errors.Annotatef(ErrKeyExists, "table %s", table)
	case errors.Cause(err) == ErrNotFound && mustExist:
		return errors.Annotatef(ErrNotFound, "table %s", table)
	case err != nil && errors.Cause(err) != ErrNotFound:
		return err
	}
	t.writes.ReplaceOrInsert(&write{table: table, key: cloneBytes(key), val: cloneBytes(val)})
	return nil
}

func (t *txn) Insert(table string, key, val []byte) error {
	return t.put(table, key, val, false)
}

func (t *txn) Update(table string, key, val []byte) error {
	return t.put(table, key, val, true)
}

func (t *txn) Delete(table string, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	if _, err := t.lookup(table, key); err != nil {
		return errors.Annotatef(err, "table %s", table)
	}
	t.writes.ReplaceOrInsert(&write{table: table, key: cloneBytes(key), delete: true})
	return nil
}

func (t *txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	if t.writes.Len() == 0 {
		return nil
	}
	writes := make([]*write, 0, t.writes.Len())
	t.writes.Ascend(func(w *write) bool {
		writes = append(writes, w)
		return true
	})
	t.writes.Clear(false)
	return errors.Trace(t.backend.apply(writes))
}

func (t *txn) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxnDone
	}
	t.done = true
	t.writes.Clear(false)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
