package dora

// Decision is the outcome of an action or of a whole transaction.
type Decision int32

const (
	Undecided Decision = iota
	Abort
	Deadlock
	Commit
	// Die means a sibling already doomed the transaction, no work was done.
	Die
	// Propagate marks a decided action whose locks are being released.
	Propagate
)

var decisionNames = [...]string{
	Undecided: "undecided",
	Abort:     "abort",
	Deadlock:  "deadlock",
	Commit:    "commit",
	Die:       "die",
	Propagate: "propagate",
}

func (d Decision) String() string {
	if d >= 0 && int(d) < len(decisionNames) {
		return decisionNames[d]
	}
	return "unknown"
}

// merge folds d into the aggregate agg. Deadlock dominates abort which dominates commit.
func (agg Decision) merge(d Decision) Decision {
	switch d {
	case Deadlock:
		return Deadlock
	case Abort:
		if agg != Deadlock {
			return Abort
		}
	case Commit:
		if agg == Undecided {
			return Commit
		}
	}
	return agg
}

type LockMode int

const (
	NoLock LockMode = iota
	Shared
	Exclusive
)

var lockCompatible = [3][3]bool{
	{true, true, true},
	{true, true, false},
	{true, false, false},
}

func (m LockMode) Compatible(o LockMode) bool {
	return lockCompatible[m][o]
}

func (m LockMode) String() string {
	switch m {
	case NoLock:
		return "NL"
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	}
	return "?"
}
