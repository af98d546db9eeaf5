package effect

import (
	"tlog.app/go/errors"

	"github.com/slowlang/effects/compiler/ir"
)

// AddFloatingNode schedules a node allocated during analysis.
func (l *List) AddFloatingNode(x ir.Expr) {
	l.add("add floating node", false, func(f *ir.Func, _ *[]ir.Expr) error {
		return f.Attach(x)
	}, x)
}

// InitializePhiInput sets phi input for predecessor index i.
func (l *List) InitializePhiInput(phi ir.Expr, i int, v ir.Expr) {
	l.add("set phi input", false, func(f *ir.Func, _ *[]ir.Expr) error {
		if !f.Alive(phi) || f.Op(phi) != ir.OpPhi {
			return errors.New("not a live phi")
		}

		if i >= len(f.Exprs[phi].Args) {
			return errors.New("input %d out of %d", i, len(f.Exprs[phi].Args))
		}

		f.SetArg(phi, i, v)

		return nil
	}, phi, v)
}

// ReplaceAtUsages redirects all uses of x to v.
func (l *List) ReplaceAtUsages(x, v ir.Expr) {
	l.add("replace at usages", false, func(f *ir.Func, _ *[]ir.Expr) error {
		if !f.Alive(x) {
			return nil
		}

		if v != ir.Nil && !f.Alive(v) {
			return errors.New("replacement is dead")
		}

		f.ReplaceAtUsages(x, v)

		return nil
	}, x, v)
}

// ReplaceFirstInput replaces old input of x with v.
// It's a no-op if x doesn't use old anymore.
func (l *List) ReplaceFirstInput(x, old, v ir.Expr) {
	l.add("replace first input", false, func(f *ir.Func, _ *[]ir.Expr) error {
		if !f.Alive(x) {
			return errors.New("node is dead")
		}

		f.ReplaceInput(x, old, v)

		return nil
	}, x, old, v)
}

// DeleteNode removes the node from its block.
// The node is disconnected from its remaining usages after all effects are applied.
func (l *List) DeleteNode(x ir.Expr) {
	l.add("delete node", true, func(f *ir.Func, obsolete *[]ir.Expr) error {
		if !f.Alive(x) {
			return nil
		}

		f.Unlink(x)
		*obsolete = append(*obsolete, x)

		return nil
	}, x)
}

// KillIfBranch makes the If node unconditionally go to the taken successor.
func (l *List) KillIfBranch(x ir.Expr, taken bool) {
	l.add("kill if branch", true, func(f *ir.Func, _ *[]ir.Expr) error {
		return f.KillIfBranch(x, taken)
	}, x)
}
