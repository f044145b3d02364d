package tpcb

import (
	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap-incubator/tinydora/kv/storage"
	"github.com/pingcap-incubator/tinydora/kv/util/codec"
	"github.com/pingcap/errors"
)

const (
	TableBranch  = "branch"
	TableTeller  = "teller"
	TableAccount = "account"
	TableHistory = "history"
)

const (
	TellersPerBranch         = 10
	DefaultAccountsPerBranch = 100000
	defaultLocalPercent      = 85
	// Deltas of account updates lie in [-maxDelta, maxDelta].
	maxDelta = 999999

	// Index of the balance in branch rows and in teller and account rows.
	branchBalanceField = 0
	balanceField       = 1
)

// Scale sizes the database. Branches are numbered from 0, teller t belongs to branch t/TellersPerBranch and account
// a to branch a/AccountsPerBranch.
type Scale struct {
	Branches          int
	AccountsPerBranch int
	// Zipfian skew of the branch and account choice, 0 picks uniformly.
	Skew float64
	// Percentage of account updates whose account belongs to the teller's branch.
	LocalPercent int
}

func NewScale(branches int) Scale {
	return Scale{Branches: branches, AccountsPerBranch: DefaultAccountsPerBranch, LocalPercent: defaultLocalPercent}
}

func (s Scale) Validate() error {
	if s.Branches <= 0 {
		return errors.New("tpcb: at least one branch is needed")
	}
	if s.AccountsPerBranch <= 0 {
		return errors.New("tpcb: at least one account per branch is needed")
	}
	if s.LocalPercent < 0 || s.LocalPercent > 100 {
		return errors.Errorf("tpcb: local percent %d out of range", s.LocalPercent)
	}
	return nil
}

func (s Scale) Tellers() int64 {
	return int64(s.Branches) * TellersPerBranch
}

func (s Scale) Accounts() int64 {
	return int64(s.Branches) * int64(s.AccountsPerBranch)
}

func (s Scale) BranchOfTeller(t int64) int64 {
	return t / TellersPerBranch
}

func (s Scale) BranchOfAccount(a int64) int64 {
	return a / int64(s.AccountsPerBranch)
}

// Tables describes the partitioning of the four tables. History rows are keyed by (branch, xct) and live with their
// branch.
func (s Scale) Tables() []dora.TableDesc {
	return []dora.TableDesc{
		{Name: TableBranch, KeyEstimate: s.Branches, MinKey: 0, MaxKey: int64(s.Branches)},
		{Name: TableTeller, KeyEstimate: int(s.Tellers()), MinKey: 0, MaxKey: s.Tellers()},
		{Name: TableAccount, KeyEstimate: int(s.Accounts()), MinKey: 0, MaxKey: s.Accounts()},
		{Name: TableHistory, KeyEstimate: s.Branches, MinKey: 0, MaxKey: int64(s.Branches)},
	}
}

func branchKey(b int64) dora.Key {
	return dora.NewKey(b)
}

func tellerKey(t int64) dora.Key {
	return dora.NewKey(t)
}

func accountKey(a int64) dora.Key {
	return dora.NewKey(a)
}

func historyKey(b int64, xctID uint64) dora.Key {
	return dora.NewKey(b, int64(xctID))
}

// Rows are stored as memcomparable int tuples:
//   branch:  (balance)
//   teller:  (branch, balance)
//   account: (branch, balance)
//   history: (branch, teller, account, delta, unix time)

func readRow(txn storage.Txn, table string, key dora.Key) ([]int64, error) {
	val, err := txn.Get(table, key.Encode())
	if err != nil {
		return nil, errors.Annotatef(err, "read %s %s", table, key)
	}
	row, err := codec.DecodeInts(val)
	if err != nil {
		return nil, errors.Annotatef(err, "decode %s %s", table, key)
	}
	return row, nil
}

func updateRow(txn storage.Txn, table string, key dora.Key, row []int64) error {
	return errors.Trace(txn.Update(table, key.Encode(), codec.EncodeInts(row)))
}

func insertRow(txn storage.Txn, table string, key dora.Key, row []int64) error {
	return errors.Trace(txn.Insert(table, key.Encode(), codec.EncodeInts(row)))
}

func balanceFieldOf(table string) int {
	if table == TableBranch {
		return branchBalanceField
	}
	return balanceField
}

// Balance reads the balance of one branch, teller or account.
func Balance(txn storage.Txn, table string, id int64) (int64, error) {
	row, err := readRow(txn, table, dora.NewKey(id))
	if err != nil {
		return 0, err
	}
	field := balanceFieldOf(table)
	if len(row) <= field {
		return 0, errors.Errorf("short %s row %v", table, row)
	}
	return row[field], nil
}

// SumBalances adds up the balances of every row of table.
func SumBalances(txn storage.Txn, table string) (int64, error) {
	field := balanceFieldOf(table)
	var (
		sum    int64
		decErr error
	)
	err := txn.Scan(table, nil, nil, func(key, val []byte) bool {
		row, err := codec.DecodeInts(val)
		if err != nil || len(row) <= field {
			decErr = errors.Errorf("bad %s row %x", table, val)
			return false
		}
		sum += row[field]
		return true
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return sum, decErr
}

// CountRows returns the number of rows of table.
func CountRows(txn storage.Txn, table string) (int, error) {
	n := 0
	err := txn.Scan(table, nil, nil, func(key, val []byte) bool {
		n++
		return true
	})
	return n, errors.Trace(err)
}
