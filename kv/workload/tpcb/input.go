package tpcb

import (
	"math/rand"

	"github.com/pingcap-incubator/tinydora/kv/workload/generator"
	"github.com/pingcap/errors"
)

// Mix gives the relative weight of every transaction type.
type Mix struct {
	AcctUpdate int
	Transfer   int
	Audit      int
	Interest   int
}

// DefaultMix runs the TPC-B transaction only.
var DefaultMix = Mix{AcctUpdate: 100}

func (m Mix) total() int {
	return m.AcctUpdate + m.Transfer + m.Audit + m.Interest
}

func (m Mix) Validate() error {
	if m.AcctUpdate < 0 || m.Transfer < 0 || m.Audit < 0 || m.Interest < 0 {
		return errors.New("tpcb: negative mix weight")
	}
	if m.total() == 0 {
		return errors.New("tpcb: empty mix")
	}
	return nil
}

// Pick draws a transaction type.
func (m Mix) Pick(r *rand.Rand) string {
	n := r.Intn(m.total())
	if n < m.AcctUpdate {
		return XctAcctUpdate
	}
	n -= m.AcctUpdate
	if n < m.Transfer {
		return XctTransfer
	}
	n -= m.Transfer
	if n < m.Audit {
		return XctAudit
	}
	return XctInterest
}

// Workload draws inputs over a loaded database. It is safe for concurrent use as long as each client passes its own
// *rand.Rand.
type Workload struct {
	scale Scale
	// Width of the account ranges of audit and interest.
	RangeWidth int64
	// Interest rate in basis points.
	RateBP int64

	branches generator.Generator
	accounts generator.Generator
	tellers  generator.Generator
}

func NewWorkload(s Scale) *Workload {
	width := int64(s.AccountsPerBranch)
	if width > 100 {
		width = 100
	}
	return &Workload{
		scale:      s,
		RangeWidth: width,
		RateBP:     1,
		branches:   generator.New(0, int64(s.Branches)-1, s.Skew),
		accounts:   generator.New(0, int64(s.AccountsPerBranch)-1, s.Skew),
		tellers:    generator.NewUniform(0, TellersPerBranch-1),
	}
}

func (w *Workload) Scale() Scale {
	return w.scale
}

// account draws an account, from branch b with LocalPercent probability and from any branch otherwise.
func (w *Workload) account(r *rand.Rand, b int64) int64 {
	if r.Intn(100) >= w.scale.LocalPercent {
		b = r.Int63n(int64(w.scale.Branches))
	}
	return b*int64(w.scale.AccountsPerBranch) + w.accounts.Next(r)
}

func (w *Workload) AcctUpdate(r *rand.Rand) *AcctUpdateInput {
	b := w.branches.Next(r)
	return &AcctUpdateInput{
		BranchID:  b,
		TellerID:  b*TellersPerBranch + w.tellers.Next(r),
		AccountID: w.account(r, b),
		Delta:     r.Int63n(2*maxDelta+1) - maxDelta,
	}
}

func (w *Workload) Transfer(r *rand.Rand) *TransferInput {
	b := w.branches.Next(r)
	from := w.account(r, b)
	to := w.account(r, b)
	if to == from {
		to = (from + 1) % w.scale.Accounts()
	}
	return &TransferInput{
		From:   from,
		To:     to,
		Teller: b*TellersPerBranch + w.tellers.Next(r),
		Amount: r.Int63n(maxDelta) + 1,
	}
}

func (w *Workload) rangeInput(r *rand.Rand) *RangeInput {
	total := w.scale.Accounts()
	width := w.RangeWidth
	if width > total {
		width = total
	}
	from := r.Int63n(total - width + 1)
	return &RangeInput{From: from, To: from + width}
}

func (w *Workload) Audit(r *rand.Rand) *RangeInput {
	return w.rangeInput(r)
}

func (w *Workload) Interest(r *rand.Rand) *RangeInput {
	in := w.rangeInput(r)
	in.RateBP = w.RateBP
	return in
}

// Input draws the input of a transaction of type typ.
func (w *Workload) Input(typ string, r *rand.Rand) (interface{}, error) {
	switch typ {
	case XctAcctUpdate:
		return w.AcctUpdate(r), nil
	case XctTransfer:
		return w.Transfer(r), nil
	case XctAudit:
		return w.Audit(r), nil
	case XctInterest:
		return w.Interest(r), nil
	}
	return nil, errors.Errorf("tpcb: unknown transaction type %s", typ)
}
