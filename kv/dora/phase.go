package dora

// Builder fills one phase of a transaction with actions. The input is shared by all phases, actions of an earlier
// phase may store their outputs in it for the builders of later phases.
type Builder func(p *Phase, input interface{}) error

// Phase collects the actions that run in parallel between two rendezvous points.
type Phase struct {
	env     *Env
	xct     *Xct
	actions []Action
	next    Builder
}

func (p *Phase) Add(actions ...Action) {
	p.actions = append(p.actions, actions...)
}

// Then makes next the builder of the phase that starts once every action of this phase is done. Without it the phase
// is the last one.
func (p *Phase) Then(next Builder) {
	p.next = next
}

func (p *Phase) Xct() *Xct {
	return p.xct
}

// GroupKeys splits keys of table by owning partition, so that each group can be handled by one range action.
func (p *Phase) GroupKeys(table string, keys []Key) ([][]Key, error) {
	t, err := p.env.Table(table)
	if err != nil {
		return nil, err
	}
	return t.GroupKeys(keys)
}
