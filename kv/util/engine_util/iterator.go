package engine_util

import (
	"github.com/Connor1996/badger"
)

// TableItem is a badger item with the table prefix stripped from its key.
type TableItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *TableItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *TableItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *TableItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// TableIterator iterates the keys of one table.
type TableIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

func NewTableIterator(table string, txn *badger.Txn) *TableIterator {
	return &TableIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: TablePrefix(table),
	}
}

func (it *TableIterator) Item() *TableItem {
	return &TableItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *TableIterator) Valid() bool { return it.iter.ValidForPrefix(it.prefix) }

func (it *TableIterator) Close() {
	it.iter.Close()
}

func (it *TableIterator) Next() {
	it.iter.Next()
}

func (it *TableIterator) Seek(key []byte) {
	seek := make([]byte, 0, len(it.prefix)+len(key))
	seek = append(seek, it.prefix...)
	it.iter.Seek(append(seek, key...))
}
