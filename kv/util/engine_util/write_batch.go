package engine_util

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

// WriteBatch collects writes to several tables and applies them in one badger transaction. An entry without value
// is a delete.
type WriteBatch struct {
	entries []*badger.Entry
	size    int
}

func (wb *WriteBatch) Len() int {
	return len(wb.entries)
}

func (wb *WriteBatch) Size() int {
	return wb.size
}

func (wb *WriteBatch) Set(table string, key, val []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key:   KeyWithTable(table, key),
		Value: val,
	})
	wb.size += len(key) + len(val)
}

func (wb *WriteBatch) Delete(table string, key []byte) {
	wb.entries = append(wb.entries, &badger.Entry{
		Key: KeyWithTable(table, key),
	})
	wb.size += len(key)
}

func (wb *WriteBatch) WriteToDB(db *badger.DB) error {
	if wb.Len() > 0 {
		err := db.Update(func(txn *badger.Txn) error {
			for _, entry := range wb.entries {
				var err1 error
				if len(entry.Value) == 0 {
					err1 = txn.Delete(entry.Key)
				} else {
					err1 = txn.SetEntry(entry)
				}
				if err1 != nil {
					return err1
				}
			}
			return nil
		})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (wb *WriteBatch) Reset() {
	wb.entries = wb.entries[:0]
	wb.size = 0
}
