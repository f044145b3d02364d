package engine_util

import (
	"bytes"
	"os"

	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinydora/kv/util/codec"
	"github.com/pingcap/errors"
)

// TablePrefix returns the prefix of every key stored for table. The table name is memcomparable encoded so that no
// table prefix is a prefix of another one.
func TablePrefix(table string) []byte {
	return codec.EncodeBytes([]byte(table))
}

func KeyWithTable(table string, key []byte) []byte {
	prefix := TablePrefix(table)
	buf := make([]byte, 0, len(prefix)+len(key))
	buf = append(buf, prefix...)
	return append(buf, key...)
}

// CreateDB opens or creates a badger DB at path.
func CreateDB(path string, syncWrites bool) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = opts.Dir
	opts.SyncWrites = syncWrites
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}

func Get(db *badger.DB, table string, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		val, err = GetFromTxn(txn, table, key)
		return err
	})
	return
}

func GetFromTxn(txn *badger.Txn, table string, key []byte) (val []byte, err error) {
	item, err := txn.Get(KeyWithTable(table, key))
	if err != nil {
		return nil, err
	}
	val, err = item.ValueCopy(val)
	return
}

// Scan calls fn for every key of table in [startKey, endKey) in ascending order until fn returns false. An empty
// endKey means no upper bound.
func Scan(db *badger.DB, table string, startKey, endKey []byte, fn func(key, val []byte) bool) error {
	return db.View(func(txn *badger.Txn) error {
		it := NewTableIterator(table, txn)
		defer it.Close()
		for it.Seek(startKey); it.Valid(); it.Next() {
			item := it.Item()
			if ExceedEndKey(item.Key(), endKey) {
				break
			}
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(key, val) {
				break
			}
		}
		return nil
	})
}

// Deletes of one table are written in batches of at most this many bytes of keys.
const deleteBatchSize = 1 << 20

// DeleteTable removes every key of table.
func DeleteTable(db *badger.DB, table string) error {
	var keys [][]byte
	err := db.View(func(txn *badger.Txn) error {
		it := NewTableIterator(table, txn)
		defer it.Close()
		for it.Seek(nil); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	batch := new(WriteBatch)
	for _, key := range keys {
		batch.Delete(table, key)
		if batch.Size() >= deleteBatchSize {
			if err := batch.WriteToDB(db); err != nil {
				return err
			}
			batch.Reset()
		}
	}
	return batch.WriteToDB(db)
}

func ExceedEndKey(current, endKey []byte) bool {
	if len(endKey) == 0 {
		return false
	}
	return bytes.Compare(current, endKey) >= 0
}
