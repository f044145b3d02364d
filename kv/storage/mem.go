package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"go.uber.org/atomic"
)

type memItem struct {
	key []byte
	val []byte
}

func memItemLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemEngine keeps every table in an in-memory btree.
type MemEngine struct {
	mu     sync.RWMutex
	tables map[string]*btree.BTreeG[memItem]

	commits atomic.Uint64
}

func NewMemEngine() *MemEngine {
	return &MemEngine{tables: make(map[string]*btree.BTreeG[memItem])}
}

func (e *MemEngine) Begin(xctID uint64) (Txn, error) {
	return newTxn(xctID, e), nil
}

func (e *MemEngine) get(table string, key []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	item, ok := t.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return item.val, nil
}

func (e *MemEngine) scan(table string, start, end []byte, fn func(key, val []byte) bool) error {
	e.mu.RLock()
	t, ok := e.tables[table]
	if !ok {
		e.mu.RUnlock()
		return nil
	}
	var items []memItem
	iter := func(item memItem) bool {
		items = append(items, item)
		return true
	}
	if len(end) == 0 {
		t.AscendGreaterOrEqual(memItem{key: start}, iter)
	} else {
		t.AscendRange(memItem{key: start}, memItem{key: end}, iter)
	}
	e.mu.RUnlock()

	for _, item := range items {
		if !fn(item.key, item.val) {
			break
		}
	}
	return nil
}

func (e *MemEngine) apply(writes []*write) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range writes {
		t, ok := e.tables[w.table]
		if !ok {
			t = btree.NewG(32, memItemLess)
			e.tables[w.table] = t
		}
		if w.delete {
			t.Delete(memItem{key: w.key})
		} else {
			t.ReplaceOrInsert(memItem{key: w.key, val: w.val})
		}
	}
	e.commits.Inc()
	return nil
}

func (e *MemEngine) DropTable(table string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tables, table)
	return nil
}

// Len returns the number of rows of table.
func (e *MemEngine) Len(table string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.tables[table]; ok {
		return t.Len()
	}
	return 0
}

func (e *MemEngine) Close() error {
	return nil
}
