package storage

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pingcap/errors"
	"go.etcd.io/bbolt"
)

const boltFileName = "dora.db"

// BoltEngine keeps one bbolt bucket per table.
type BoltEngine struct {
	db   *bbolt.DB
	path string
}

func NewBoltEngine(dir string, syncWrites bool) (*BoltEngine, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := *bbolt.DefaultOptions
	opts.NoSync = !syncWrites
	db, err := bbolt.Open(filepath.Join(dir, boltFileName), 0644, &opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open bolt at %s", dir)
	}
	return &BoltEngine{db: db, path: dir}, nil
}

func (e *BoltEngine) Begin(xctID uint64) (Txn, error) {
	return newTxn(xctID, e), nil
}

func (e *BoltEngine) get(table string, key []byte) ([]byte, error) {
	var val []byte
	err := e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get(key)
		if v == nil {
			return ErrNotFound
		}
		// Bolt values are only valid inside the transaction.
		val = cloneBytes(v)
		return nil
	})
	return val, err
}

func (e *BoltEngine) scan(table string, start, end []byte, fn func(key, val []byte) bool) error {
	return e.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(table))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		var k, v []byte
		if len(start) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if len(end) > 0 && bytes.Compare(k, end) >= 0 {
				break
			}
			if !fn(cloneBytes(k), cloneBytes(v)) {
				break
			}
		}
		return nil
	})
}

func (e *BoltEngine) apply(writes []*write) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		for _, w := range writes {
			bucket, err := tx.CreateBucketIfNotExists([]byte(w.table))
			if err != nil {
				return errors.Trace(err)
			}
			if w.delete {
				err = bucket.Delete(w.key)
			} else {
				err = bucket.Put(w.key, w.val)
			}
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
}

func (e *BoltEngine) DropTable(table string) error {
	return e.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(table))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) Destroy() error {
	if err := e.Close(); err != nil {
		return err
	}
	return errors.WithStack(os.RemoveAll(e.path))
}
