package tpcb

import (
	"github.com/pingcap-incubator/tinydora/kv/dora"
	"github.com/pingcap/errors"
)

// Transaction types registered by Register.
const (
	XctAcctUpdate = "acct_update"
	XctTransfer   = "transfer"
	XctAudit      = "audit"
	XctInterest   = "interest"
)

// AcctUpdateInput is the TPC-B transaction: Delta is added to one branch, one teller and one account, and a history
// row is written.
type AcctUpdateInput struct {
	BranchID  int64
	TellerID  int64
	AccountID int64
	Delta     int64
}

// TransferInput moves Amount from account From to account To. The transaction aborts when From would be overdrawn.
type TransferInput struct {
	From   int64
	To     int64
	Teller int64
	Amount int64

	// Balances after the transfer, set by the actions.
	FromBalance int64
	ToBalance   int64
}

// RangeInput covers the accounts [From, To). The transaction runs one range action per partition owning part of the
// range, each filling one slot of Sums.
type RangeInput struct {
	From int64
	To   int64
	// Interest rate in basis points, interest only.
	RateBP int64

	Sums []int64
}

// Total adds up the per partition results: the balance for audit, the interest paid for interest.
func (in *RangeInput) Total() int64 {
	var total int64
	for _, s := range in.Sums {
		total += s
	}
	return total
}

// Register adds the four tables of s and the transaction types working on them to env. The env must be stopped.
func Register(env *dora.Env, s Scale) error {
	if err := s.Validate(); err != nil {
		return err
	}
	for _, desc := range s.Tables() {
		if _, err := env.RegisterTable(desc); err != nil {
			return errors.Trace(err)
		}
	}
	builders := map[string]dora.Builder{
		XctAcctUpdate: buildAcctUpdate(s),
		XctTransfer:   buildTransfer(s),
		XctAudit:      buildRange(false),
		XctInterest:   buildRange(true),
	}
	for name, b := range builders {
		if err := env.RegisterXct(name, b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func buildAcctUpdate(s Scale) dora.Builder {
	return func(p *dora.Phase, input interface{}) error {
		in, ok := input.(*AcctUpdateInput)
		if !ok {
			return errors.Errorf("%s: unexpected input %T", XctAcctUpdate, input)
		}
		if s.BranchOfTeller(in.TellerID) != in.BranchID {
			return errors.Errorf("%s: teller %d does not belong to branch %d", XctAcctUpdate, in.TellerID, in.BranchID)
		}
		p.Add(
			&balanceAction{table: TableBranch, key: branchKey(in.BranchID), delta: in.Delta},
			&balanceAction{table: TableTeller, key: tellerKey(in.TellerID), delta: in.Delta},
			&balanceAction{table: TableAccount, key: accountKey(in.AccountID), delta: in.Delta},
			&historyAction{
				branch:  in.BranchID,
				teller:  in.TellerID,
				account: in.AccountID,
				delta:   in.Delta,
				xctID:   p.Xct().ID(),
			},
		)
		return nil
	}
}

func buildTransfer(s Scale) dora.Builder {
	return func(p *dora.Phase, input interface{}) error {
		in, ok := input.(*TransferInput)
		if !ok {
			return errors.Errorf("%s: unexpected input %T", XctTransfer, input)
		}
		if in.Amount <= 0 || in.From == in.To {
			return errors.Errorf("%s: invalid transfer of %d from %d to %d", XctTransfer, in.Amount, in.From, in.To)
		}
		p.Add(&balanceAction{
			table:       TableAccount,
			key:         accountKey(in.From),
			delta:       -in.Amount,
			noOverdraft: true,
			after:       &in.FromBalance,
		})
		p.Then(func(p *dora.Phase, input interface{}) error {
			in := input.(*TransferInput)
			p.Add(
				&balanceAction{table: TableAccount, key: accountKey(in.To), delta: in.Amount, after: &in.ToBalance},
				&historyAction{
					branch:  s.BranchOfAccount(in.To),
					teller:  in.Teller,
					account: in.To,
					delta:   in.Amount,
					xctID:   p.Xct().ID(),
				},
			)
			return nil
		})
		return nil
	}
}

// buildRange builds audit, or interest when write is set.
func buildRange(write bool) dora.Builder {
	return func(p *dora.Phase, input interface{}) error {
		in, ok := input.(*RangeInput)
		if !ok {
			return errors.Errorf("range xct: unexpected input %T", input)
		}
		kr, err := dora.NewKeyRange(accountKey(in.From), accountKey(in.To))
		if err != nil {
			return err
		}
		groups, err := p.GroupKeys(TableAccount, kr.Keys())
		if err != nil {
			return err
		}
		in.Sums = make([]int64, len(groups))
		for i, keys := range groups {
			if write {
				p.Add(&interestAction{keys: keys, rateBP: in.RateBP, out: &in.Sums[i]})
			} else {
				p.Add(&sumAction{keys: keys, out: &in.Sums[i]})
			}
		}
		return nil
	}
}
