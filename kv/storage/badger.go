package storage

import (
	"os"

	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinydora/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerEngine stores all tables in one badger DB, keys prefixed by table.
type BadgerEngine struct {
	db   *badger.DB
	path string
}

func NewBadgerEngine(path string, syncWrites bool) (*BadgerEngine, error) {
	db, err := engine_util.CreateDB(path, syncWrites)
	if err != nil {
		return nil, err
	}
	return &BadgerEngine{db: db, path: path}, nil
}

func (e *BadgerEngine) Begin(xctID uint64) (Txn, error) {
	return newTxn(xctID, e), nil
}

func (e *BadgerEngine) get(table string, key []byte) ([]byte, error) {
	val, err := engine_util.Get(e.db, table, key)
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return val, errors.Trace(err)
}

func (e *BadgerEngine) scan(table string, start, end []byte, fn func(key, val []byte) bool) error {
	return errors.Trace(engine_util.Scan(e.db, table, start, end, fn))
}

func (e *BadgerEngine) apply(writes []*write) error {
	wb := new(engine_util.WriteBatch)
	for _, w := range writes {
		if w.delete {
			wb.Delete(w.table, w.key)
		} else {
			wb.Set(w.table, w.key, w.val)
		}
	}
	return wb.WriteToDB(e.db)
}

func (e *BadgerEngine) DropTable(table string) error {
	return errors.Trace(engine_util.DeleteTable(e.db, table))
}

func (e *BadgerEngine) Close() error {
	return e.db.Close()
}

// Destroy closes the engine and removes its files.
func (e *BadgerEngine) Destroy() error {
	if err := e.Close(); err != nil {
		return err
	}
	return errors.WithStack(os.RemoveAll(e.path))
}
