package fold

import (
	"maps"

	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/effects/compiler/ir"
)

type (
	// State is what is known about values on one control flow path.
	State struct {
		dead bool

		phis  map[ir.Expr]ir.Expr // phi -> value it carries
		facts map[Fact]bool       // condition -> known value
	}

	// Fact is a branch condition up to its inputs aliases.
	// Non comparison conditions are keyed by the node itself with OpInvalid.
	Fact struct {
		Op   ir.Op
		A, B ir.Expr
	}
)

func NewState() *State {
	return &State{
		phis:  map[ir.Expr]ir.Expr{},
		facts: map[Fact]bool{},
	}
}

func (s *State) Dead() bool { return s.dead }

func (s *State) MarkDead() { s.dead = true }

func (s *State) Clone() *State {
	return &State{
		dead:  s.dead,
		phis:  maps.Clone(s.phis),
		facts: maps.Clone(s.facts),
	}
}

func (s *State) Equivalent(x *State) bool {
	if s.dead || x.dead {
		return s.dead == x.dead
	}

	return maps.Equal(s.phis, x.phis) && maps.Equal(s.facts, x.facts)
}

// Known returns the known value of the condition.
func (s *State) Known(k Fact) (val, ok bool) {
	val, ok = s.facts[k]
	return
}

// PhiValue returns the value the phi is known to carry.
func (s *State) PhiValue(phi ir.Expr) (ir.Expr, bool) {
	v, ok := s.phis[phi]
	return v, ok
}

func (s *State) intersect(x *State) {
	for k, v := range s.phis {
		if w, ok := x.phis[k]; !ok || w != v {
			delete(s.phis, k)
		}
	}

	for k, v := range s.facts {
		if w, ok := x.facts[k]; !ok || w != v {
			delete(s.facts, k)
		}
	}
}

func (s *State) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if s == nil {
		return e.AppendNil(b)
	}

	b = e.AppendMap(b, 3)
	b = e.AppendKeyInt(b, "phis", len(s.phis))
	b = e.AppendKeyInt(b, "facts", len(s.facts))
	b = e.AppendString(b, "dead")
	b = e.AppendFormat(b, "%v", s.dead)

	return b
}
