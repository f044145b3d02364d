package storage

import (
	"github.com/pingcap/errors"
)

var (
	ErrNotFound   = errors.New("storage: key not found")
	ErrKeyExists  = errors.New("storage: key already exists")
	ErrTxnDone    = errors.New("storage: transaction already committed or aborted")
	ErrEmptyValue = errors.New("storage: empty value")
)

// Engine is the physical storage the DORA workers execute against. Isolation between transactions is provided by
// the logical locks held by the workers, so an engine only has to apply a committed write set atomically.
type Engine interface {
	// Begin starts a transaction. A transaction may be used by several goroutines, each touching its own keys.
	Begin(xctID uint64) (Txn, error)
	// DropTable removes every row of table.
	DropTable(table string) error
	Close() error
}

type Txn interface {
	ID() uint64
	Get(table string, key []byte) ([]byte, error)
	// Scan calls fn for every row of table in [start, end) in key order, own uncommitted writes included. An empty
	// end means no upper bound.
	Scan(table string, start, end []byte, fn func(key, val []byte) bool) error
	Insert(table string, key, val []byte) error
	Update(table string, key, val []byte) error
	Delete(table string, key []byte) error
	Commit() error
	Abort() error
}

// backend is the part an engine has to provide for the shared Txn implementation.
type backend interface {
	get(table string, key []byte) ([]byte, error)
	scan(table string, start, end []byte, fn func(key, val []byte) bool) error
	apply(writes []*write) error
}

func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}
