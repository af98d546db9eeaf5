package ir

import (
	"slices"

	"tlog.app/go/errors"

	"github.com/slowlang/effects/compiler/set"
)

// Attach schedules a detached node and registers its inputs as uses.
// Phis go after the leading phis of their block, constants and params go
// to the top of the entry block, everything else right before the terminator.
func (f *Func) Attach(x Expr) error {
	if !f.Alive(x) {
		return errors.New("attach dead node %v", x)
	}

	if f.Attached(x) {
		return nil
	}

	n := &f.Exprs[x]

	switch n.Op {
	case OpConst, OpBool, OpParam:
		n.Block = f.Entry
	}

	if !f.BlockAlive(n.Block) {
		return errors.New("attach %v to dead block %v", x, n.Block)
	}

	bl := &f.Blocks[n.Block]

	var pos int

	switch n.Op {
	case OpPhi:
		for pos < len(bl.Code) && f.Exprs[bl.Code[pos]].Op == OpPhi {
			pos++
		}
	case OpConst, OpBool, OpParam:
		for pos < len(bl.Code) && f.Exprs[bl.Code[pos]].Op == OpParam {
			pos++
		}
	default:
		pos = len(bl.Code)

		if f.Terminator(n.Block) != Nil {
			pos--
		}
	}

	bl.Code = slices.Insert(bl.Code, pos, x)
	f.register(x)

	return nil
}

// SetArg sets i-th input of x keeping use lists consistent.
func (f *Func) SetArg(x Expr, i int, v Expr) {
	n := &f.Exprs[x]
	old := n.Args[i]

	if old == v {
		return
	}

	n.Args[i] = v

	if !f.Attached(x) {
		return
	}

	if old != Nil {
		f.dropUse(old, x)
	}

	if v != Nil {
		f.uses[v] = append(f.uses[v], x)
	}
}

// ReplaceInput replaces the first occurrence of old among x inputs.
func (f *Func) ReplaceInput(x, old, v Expr) bool {
	for i, a := range f.Exprs[x].Args {
		if a == old {
			f.SetArg(x, i, v)
			return true
		}
	}

	return false
}

// ReplaceAtUsages redirects every use of x to v. v may be Nil.
func (f *Func) ReplaceAtUsages(x, v Expr) {
	if x == v {
		return
	}

	users := append([]Expr{}, f.uses[x]...)

	for _, u := range users {
		for i, a := range f.Exprs[u].Args {
			if a == x {
				f.SetArg(u, i, v)
			}
		}
	}
}

// Unlink removes the node from its block schedule keeping it alive.
func (f *Func) Unlink(x Expr) {
	n := &f.Exprs[x]

	if n.Block == NoBlock || int(n.Block) >= len(f.Blocks) {
		return
	}

	bl := &f.Blocks[n.Block]

	if i := slices.Index(bl.Code, x); i >= 0 {
		bl.Code = slices.Delete(bl.Code, i, i+1)
	}
}

// Kill removes unused node from the graph.
func (f *Func) Kill(x Expr) error {
	if !f.Alive(x) {
		return nil
	}

	for _, u := range f.uses[x] {
		if u != x {
			return errors.New("kill %v: still used by %v", x, u)
		}
	}

	f.Unlink(x)
	f.unregister(x)

	f.Exprs[x].Args = nil
	f.uses[x] = nil
	f.alive.Clear(x)

	return nil
}

// KillWithUnusedFloatingInputs kills x and then every floating input
// which is left without uses.
func (f *Func) KillWithUnusedFloatingInputs(x Expr) error {
	args := append([]Expr{}, f.Exprs[x].Args...)

	err := f.Kill(x)
	if err != nil {
		return err
	}

	for _, a := range args {
		if a == Nil || !f.Alive(a) || !f.Exprs[a].Op.IsFloating() || len(f.uses[a]) != 0 {
			continue
		}

		err = f.KillWithUnusedFloatingInputs(a)
		if err != nil {
			return errors.Wrap(err, "input %v", a)
		}
	}

	return nil
}

// RemoveEdge removes control edge from -> to dropping corresponding phi inputs.
func (f *Func) RemoveEdge(from, to BlockID) error {
	i := f.PredIndex(to, from)
	if i < 0 {
		return errors.New("no edge %v -> %v", from, to)
	}

	bl := &f.Blocks[to]
	bl.Preds = slices.Delete(bl.Preds, i, i+1)

	for _, phi := range f.Phis(to) {
		n := &f.Exprs[phi]

		if a := n.Args[i]; a != Nil && f.Attached(phi) {
			f.dropUse(a, phi)
		}

		n.Args = slices.Delete(n.Args, i, i+1)
	}

	src := &f.Blocks[from]

	if j := slices.Index(src.Succs, to); j >= 0 {
		src.Succs = slices.Delete(src.Succs, j, j+1)
	}

	return nil
}

// KillIfBranch turns the If node into a Jump to the taken successor,
// removes the other edge and every block it was the only way to.
func (f *Func) KillIfBranch(x Expr, taken bool) error {
	n := &f.Exprs[x]
	if n.Op != OpIf {
		return errors.New("kill branch of %v: not an if", n.Op)
	}

	b := n.Block
	succs := f.Blocks[b].Succs

	if len(succs) != 2 {
		return errors.New("kill branch of %v: %d successors", x, len(succs))
	}

	live, dead := succs[0], succs[1]
	if !taken {
		live, dead = dead, live
	}

	f.unregister(x)
	n.Op = OpJump
	n.Args = nil
	f.attached.Set(x)

	err := f.RemoveEdge(b, dead)
	if err != nil {
		return errors.Wrap(err, "remove edge")
	}

	f.Blocks[b].Succs = []BlockID{live}

	f.RemoveUnreachable()

	return nil
}

// Reachable returns blocks reachable from entry.
func (f *Func) Reachable() set.Bits[BlockID] {
	vis := set.MakeBits[BlockID](len(f.Blocks))

	if !f.BlockAlive(f.Entry) {
		return vis
	}

	q := []BlockID{f.Entry}
	vis.Set(f.Entry)

	for len(q) != 0 {
		b := q[len(q)-1]
		q = q[:len(q)-1]

		for _, s := range f.Blocks[b].Succs {
			if vis.IsSet(s) {
				continue
			}

			vis.Set(s)
			q = append(q, s)
		}
	}

	return vis
}

// RemoveUnreachable deletes blocks not reachable from entry with all their nodes.
func (f *Func) RemoveUnreachable() (removed int) {
	vis := f.Reachable()

	var dead []BlockID

	f.live.Range(func(b BlockID) bool {
		if !vis.IsSet(b) {
			dead = append(dead, b)
		}

		return true
	})

	for _, b := range dead {
		for _, s := range append([]BlockID{}, f.Blocks[b].Succs...) {
			if vis.IsSet(s) {
				_ = f.RemoveEdge(b, s)
			}
		}
	}

	for _, b := range dead {
		for _, x := range f.Blocks[b].Code {
			f.ReplaceAtUsages(x, Nil)
		}
	}

	for _, b := range dead {
		code := append([]Expr{}, f.Blocks[b].Code...)

		for _, x := range code {
			f.unregister(x)
			f.Exprs[x].Args = nil
			f.uses[x] = nil
			f.alive.Clear(x)
		}

		bl := &f.Blocks[b]
		bl.Code = nil
		bl.Preds = nil
		bl.Succs = nil

		f.live.Clear(b)
	}

	return len(dead)
}

// Roots returns the nodes which are kept alive regardless of their uses:
// terminators and calls of live blocks.
func (f *Func) Roots() (r []Expr) {
	f.live.Range(func(b BlockID) bool {
		for _, x := range f.Blocks[b].Code {
			switch op := f.Exprs[x].Op; {
			case op.IsTerminator(), op == OpCall, op == OpParam:
				r = append(r, x)
			}
		}

		return true
	})

	return r
}

// ReachableNodes returns every node reachable from roots through inputs.
func (f *Func) ReachableNodes() set.Bits[Expr] {
	vis := set.MakeBits[Expr](len(f.Exprs))
	q := f.Roots()

	for _, x := range q {
		vis.Set(x)
	}

	for len(q) != 0 {
		x := q[len(q)-1]
		q = q[:len(q)-1]

		for _, a := range f.Exprs[x].Args {
			if a == Nil || vis.IsSet(a) {
				continue
			}

			vis.Set(a)
			q = append(q, a)
		}
	}

	return vis
}
