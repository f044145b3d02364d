package tpcb

import (
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap/errors"
)

// Rows written by one load transaction.
const loadBatchSize = 1024

type loader struct {
	engine  storage.Engine
	txn     storage.Txn
	pending int
	xctID   uint64
}

func (l *loader) insert(table string, row []int64, key ...int64) error {
	if l.txn == nil {
		l.xctID++
		txn, err := l.engine.Begin(l.xctID)
		if err != nil {
			return errors.Trace(err)
		}
		l.txn = txn
	}
	if err := insertRow(l.txn, table, dora.NewKey(key...), row); err != nil {
		return err
	}
	l.pending++
	if l.pending >= loadBatchSize {
		return l.flush()
	}
	return nil
}

func (l *loader) flush() error {
	if l.txn == nil {
		return nil
	}
	err := l.txn.Commit()
	l.txn = nil
	l.pending = 0
	return errors.Trace(err)
}

// Load populates the branch, teller and account tables of s, every balance set to initBalance. Load runs directly
// against the engine and must finish before the env starts.
func Load(engine storage.Engine, s Scale, initBalance int64) error {
	if err := s.Validate(); err != nil {
		return err
	}
	start := time.Now()
	l := &loader{engine: engine}
	for b := int64(0); b < int64(s.Branches); b++ {
		if err := l.insert(TableBranch, []int64{initBalance}, b); err != nil {
			return err
		}
		for t := b * TellersPerBranch; t < (b+1)*TellersPerBranch; t++ {
			if err := l.insert(TableTeller, []int64{b, initBalance}, t); err != nil {
				return err
			}
		}
		first := b * int64(s.AccountsPerBranch)
		for a := first; a < first+int64(s.AccountsPerBranch); a++ {
			if err := l.insert(TableAccount, []int64{b, initBalance}, a); err != nil {
				return err
			}
		}
	}
	if err := l.flush(); err != nil {
		return err
	}
	log.Infof("tpcb: loaded %d branches, %d tellers and %d accounts in %v",
		s.Branches, s.Tellers(), s.Accounts(), time.Since(start))
	return nil
}

// Clear drops every row of the four tables.
func Clear(engine storage.Engine) error {
	for _, table := range []string{TableBranch, TableTeller, TableAccount, TableHistory} {
		if err := engine.DropTable(table); err != nil {
			return errors.Annotatef(err, "drop %s", table)
		}
	}
	return nil
}
