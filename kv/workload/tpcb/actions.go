package tpcb

import (
	"time"

	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap/errors"
)

// balanceAction adds delta to the balance of one branch, teller or account.
type balanceAction struct {
	table string
	key   dora.Key
	delta int64
	// Abort the transaction instead of letting the balance go negative.
	noOverdraft bool
	// Receives the new balance when set.
	after *int64
}

func (a *balanceAction) Table() string { return a.table }
func (a *balanceAction) CalcKeys() []dora.Key { return []dora.Key{a.key} }
func (a *balanceAction) ReadOnly() bool { return false }

func (a *balanceAction) Exec(txn storage.Txn) error {
	row, err := readRow(txn, a.table, a.key)
	if err != nil {
		return err
	}
	f := balanceFieldOf(a.table)
	if len(row) <= f {
		return errors.Errorf("short %s row %v", a.table, row)
	}
	balance := row[f] + a.delta
	if a.noOverdraft && balance < 0 {
		return errors.Annotatef(dora.ErrXctAborted, "%s %s has %d, needs %d", a.table, a.key, row[f], -a.delta)
	}
	row[f] = balance
	if a.after != nil {
		*a.after = balance
	}
	return updateRow(txn, a.table, a.key, row)
}

// historyAction appends the history row of an account update.
type historyAction struct {
	branch  int64
	teller  int64
	account int64
	delta   int64
	xctID   uint64
}

func (a *historyAction) Table() string { return TableHistory }
func (a *historyAction) CalcKeys() []dora.Key { return []dora.Key{historyKey(a.branch, a.xctID)} }
func (a *historyAction) ReadOnly() bool { return false }

func (a *historyAction) Exec(txn storage.Txn) error {
	row := []int64{a.branch, a.teller, a.account, a.delta, time.Now().Unix()}
	return insertRow(txn, TableHistory, historyKey(a.branch, a.xctID), row)
}

// sumAction adds up the balances of a group of accounts owned by one partition.
type sumAction struct {
	keys []dora.Key
	out  *int64
}

func (a *sumAction) Table() string { return TableAccount }
func (a *sumAction) CalcKeys() []dora.Key { return a.keys }
func (a *sumAction) ReadOnly() bool { return true }

func (a *sumAction) Exec(txn storage.Txn) error {
	var sum int64
	for _, k := range a.keys {
		row, err := readRow(txn, TableAccount, k)
		if err != nil {
			return err
		}
		sum += row[balanceField]
	}
	*a.out = sum
	return nil
}

// interestAction credits rateBP basis points of interest to a group of accounts owned by one partition.
type interestAction struct {
	keys   []dora.Key
	rateBP int64
	out    *int64
}

func (a *interestAction) Table() string { return TableAccount }
func (a *interestAction) CalcKeys() []dora.Key { return a.keys }
func (a *interestAction) ReadOnly() bool { return false }

func (a *interestAction) Exec(txn storage.Txn) error {
	var paid int64
	for _, k := range a.keys {
		row, err := readRow(txn, TableAccount, k)
		if err != nil {
			return err
		}
		interest := row[balanceField] * a.rateBP / 10000
		if interest == 0 {
			continue
		}
		row[balanceField] += interest
		if err := updateRow(txn, TableAccount, k, row); err != nil {
			return err
		}
		paid += interest
	}
	*a.out = paid
	return nil
}
