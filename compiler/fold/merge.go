package fold

import (
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/df"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	merger struct {
		rebuilt map[ir.Expr]ir.Expr // original phi -> new phi

		pending []rebuiltPhi
	}

	rebuiltPhi struct {
		phi  ir.Expr
		vals []ir.Expr // per merged state
	}
)

func (mg *merger) Merge(m *df.MergeProcessor[*State], states []*State) *State {
	cl := m.Closure()

	r := states[0].Clone()

	for _, s := range states[1:] {
		r.intersect(s)
	}

	mg.pending = mg.pending[:0]

	for _, phi := range m.Phis() {
		delete(r.phis, phi)

		self := mg.rebuilt[phi]

		same := ir.Nil
		uniq := true
		differ := false

		vals := make([]ir.Expr, len(states))

		for i := range states {
			a := m.PhiValueAt(phi, i)
			v := cl.Resolve(a)
			vals[i] = v

			if v != a {
				differ = true
			}

			if v == phi || v == self && self != ir.Nil {
				continue
			}

			switch {
			case same == ir.Nil:
				same = v
			case same != v:
				uniq = false
			}
		}

		if uniq && same != ir.Nil {
			r.phis[phi] = same
			continue
		}

		if !differ {
			continue
		}

		if self == ir.Nil {
			self = m.NewPhi()
			mg.rebuilt[phi] = self
		}

		for i, v := range vals {
			if v == phi {
				vals[i] = self
			}
		}

		r.phis[phi] = self

		m.MergeEffects.AddFloatingNode(self)
		mg.pending = append(mg.pending, rebuiltPhi{phi: self, vals: vals})

		tlog.V("fold_merge").Printw("rebuild phi", "merge", m, "phi", phi, "new", self, "vals", vals)
	}

	return r
}

func (mg *merger) CommitEnds(m *df.MergeProcessor[*State], states []*State) {
	if m.NewState.Dead() {
		return
	}

	for _, p := range mg.pending {
		for i, v := range p.vals {
			m.SetPhiInput(p.phi, i, v)
		}
	}
}
