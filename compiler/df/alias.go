package df

import (
	"github.com/slowlang/effects/compiler/ir"
	"github.com/slowlang/effects/compiler/set"
)

// Aliases maps graph values to their canonical replacement.
// Nodes allocated after the map was created are not part of the analyzed graph
// unless an alias is set for them explicitly.
type Aliases struct {
	f *ir.Func

	alias            []ir.Expr
	hasAliasedInputs set.Bits[ir.Expr]
}

func NewAliases(f *ir.Func) *Aliases {
	a := &Aliases{
		f:     f,
		alias: make([]ir.Expr, f.Len()),
	}

	for i := range a.alias {
		a.alias[i] = ir.Nil
	}

	return a
}

// Resolve returns the alias of x or x itself.
// Exactly one hop is made.
func (a *Aliases) Resolve(x ir.Expr) ir.Expr {
	if x == ir.Nil || a.isNew(x) || !a.f.Alive(x) {
		return x
	}

	r := a.alias[x]
	if r == ir.Nil || !a.f.Alive(r) || a.f.Op(r) == ir.OpVirtual {
		return x
	}

	return r
}

// Set records the alias and marks every user of x as having aliased inputs.
func (a *Aliases) Set(x, alias ir.Expr) {
	for a.isNew(x) {
		a.alias = append(a.alias, ir.Nil)
	}

	a.alias[x] = alias

	for _, u := range a.f.Uses(x) {
		if !a.isNew(u) {
			a.hasAliasedInputs.Set(u)
		}
	}
}

func (a *Aliases) Clear(x ir.Expr) {
	if x == ir.Nil || a.isNew(x) {
		return
	}

	a.alias[x] = ir.Nil
}

// Aliased reports whether the alias is set, whether it's usable or not.
func (a *Aliases) Aliased(x ir.Expr) bool {
	return x != ir.Nil && !a.isNew(x) && a.alias[x] != ir.Nil
}

func (a *Aliases) HasAliasedInputs(x ir.Expr) bool {
	return a.hasAliasedInputs.IsSet(x)
}

func (a *Aliases) isNew(x ir.Expr) bool {
	return int(x) >= len(a.alias)
}
