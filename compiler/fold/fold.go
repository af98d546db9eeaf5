// Package fold is constant folding and branch pruning
// built on the effects closure.
package fold

import (
	"context"

	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/df"
	"github.com/slowlang/effects/compiler/effect"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	Closure = df.Closure[*State]

	Client struct {
		g *cfg.CFG
		f *ir.Func

		consts map[int64]ir.Expr
		bools  [2]ir.Expr
	}
)

var _ df.Client[*State] = (*Client)(nil)

func New(g *cfg.CFG) *Client {
	c := &Client{
		g:      g,
		f:      g.Func,
		consts: map[int64]ir.Expr{},
		bools:  [2]ir.Expr{ir.Nil, ir.Nil},
	}

	f := c.f

	for _, x := range f.Blocks[f.Entry].Code {
		n := f.Node(x)

		switch n.Op {
		case ir.OpConst:
			if _, ok := c.consts[n.Imm]; !ok {
				c.consts[n.Imm] = x
			}
		case ir.OpBool:
			if c.bools[n.Imm&1] == ir.Nil {
				c.bools[n.Imm&1] = x
			}
		}
	}

	return c
}

// Phase returns the fold phase ready to be applied to functions.
func Phase(conf df.Config) *df.Phase[*State] {
	return &df.Phase[*State]{
		Name:   "fold",
		Config: conf,
		NewClient: func(g *cfg.CFG) df.Client[*State] {
			return New(g)
		},
		InitialState: func(g *cfg.CFG) *State {
			return NewState()
		},
	}
}

// Apply runs the fold phase on f.
func Apply(ctx context.Context, f *ir.Func, iterations int, conf df.Config) (bool, error) {
	p := Phase(conf)
	p.Iterations = iterations

	return p.Apply(ctx, f)
}

func (c *Client) ProcessNode(cl *Closure, x ir.Expr, st *State, effects *effect.List, last ir.Expr) bool {
	f := c.f
	n := f.Node(x)

	if last != ir.Nil && f.Node(last).Block != n.Block {
		c.learn(cl, st, last, n.Block)
	}

	switch n.Op {
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpEq, ir.OpLt:
		if v := c.fold(cl, st, x); v != ir.Nil {
			c.alias(cl, effects, x, v)
			return true
		}
	case ir.OpPhi:
		if v, ok := st.PhiValue(x); ok && v != x {
			c.alias(cl, effects, x, v)
			return true
		}

		return false
	case ir.OpProxy:
		v := cl.Resolve(n.Args[0])

		if op := f.Op(v); op == ir.OpConst || op == ir.OpBool {
			c.alias(cl, effects, x, v)
			return true
		}

		return false
	case ir.OpLoopExit:
		return false
	}

	if !cl.HasAliasedInputs(x) {
		return false
	}

	replaced := false

	for _, a := range n.Args {
		if r := cl.Resolve(a); r != a {
			effects.ReplaceFirstInput(x, a, r)
			replaced = true
		}
	}

	return replaced
}

// learn records the branch condition value known in the successor b.
func (c *Client) learn(cl *Closure, st *State, last ir.Expr, b ir.BlockID) {
	f := c.f
	n := f.Node(last)

	if n.Op != ir.OpIf {
		return
	}

	cond := cl.Resolve(n.Args[0])
	if f.Op(cond) == ir.OpBool {
		return
	}

	k := c.fact(cl, cond)
	val := f.Blocks[n.Block].Succs[0] == b

	if _, ok := st.facts[k]; !ok {
		tlog.V("fold_fact").Printw("learned fact", "cond", cond, "value", val, "block", b)
	}

	st.facts[k] = val
}

func (c *Client) fact(cl *Closure, cond ir.Expr) Fact {
	n := c.f.Node(cond)

	switch n.Op {
	case ir.OpEq, ir.OpLt:
		return Fact{Op: n.Op, A: cl.Resolve(n.Args[0]), B: cl.Resolve(n.Args[1])}
	}

	return Fact{Op: ir.OpInvalid, A: cond, B: ir.Nil}
}

func (c *Client) fold(cl *Closure, st *State, x ir.Expr) ir.Expr {
	f := c.f
	n := f.Node(x)

	if n.Op.IsLogic() {
		if val, ok := st.Known(c.fact(cl, x)); ok {
			return c.boolNode(val)
		}
	}

	a := cl.Resolve(n.Args[0])
	b := cl.Resolve(n.Args[1])

	ac, aok := c.constValue(a)
	bc, bok := c.constValue(b)

	if aok && bok {
		switch n.Op {
		case ir.OpAdd:
			return c.constNode(ac + bc)
		case ir.OpSub:
			return c.constNode(ac - bc)
		case ir.OpMul:
			return c.constNode(ac * bc)
		case ir.OpEq:
			return c.boolNode(ac == bc)
		case ir.OpLt:
			return c.boolNode(ac < bc)
		}
	}

	switch n.Op {
	case ir.OpAdd:
		if aok && ac == 0 {
			return b
		}

		fallthrough
	case ir.OpSub:
		if bok && bc == 0 {
			return a
		}
	case ir.OpMul:
		switch {
		case aok && ac == 1:
			return b
		case bok && bc == 1:
			return a
		case aok && ac == 0, bok && bc == 0:
			return c.constNode(0)
		}
	case ir.OpEq:
		if a == b {
			return c.boolNode(true)
		}
	case ir.OpLt:
		if a == b {
			return c.boolNode(false)
		}
	}

	return ir.Nil
}

func (c *Client) alias(cl *Closure, effects *effect.List, x, v ir.Expr) {
	if !c.f.Attached(v) {
		effects.AddFloatingNode(v)
	}

	cl.AddAlias(x, v)

	effects.ReplaceAtUsages(x, v)
	effects.DeleteNode(x)
}

func (c *Client) constValue(x ir.Expr) (int64, bool) {
	if c.f.Op(x) != ir.OpConst {
		return 0, false
	}

	return c.f.Node(x).Imm, true
}

// constNode finds or allocates the constant.
// Allocated nodes are attached by an effect when used.
func (c *Client) constNode(v int64) ir.Expr {
	if x, ok := c.consts[v]; ok && c.f.Alive(x) {
		return x
	}

	x := c.f.NewNode(ir.OpConst, c.f.Entry, v)
	c.consts[v] = x

	return x
}

func (c *Client) boolNode(v bool) ir.Expr {
	var i int64
	if v {
		i = 1
	}

	if x := c.bools[i]; x != ir.Nil && c.f.Alive(x) {
		return x
	}

	x := c.f.NewNode(ir.OpBool, c.f.Entry, i)
	c.bools[i] = x

	return x
}

func (c *Client) ProcessLoopExit(cl *Closure, exit ir.Expr, _, st *State, effects *effect.List) {
	f := c.f
	l := c.g.Block(ir.BlockID(f.Node(exit).Imm)).Loop

	for _, p := range f.Proxies(exit) {
		if cl.Aliases().Aliased(p) {
			continue
		}

		v := cl.Resolve(f.Node(p).Args[0])

		if c.inLoop(l, v) {
			continue
		}

		c.alias(cl, effects, p, v)
	}

	// loop-local knowledge must not leak out of the loop
	for k := range st.phis {
		if c.inLoop(l, k) {
			delete(st.phis, k)
		}
	}

	for k := range st.facts {
		if c.inLoop(l, k.A) || c.inLoop(l, k.B) {
			delete(st.facts, k)
		}
	}
}

func (c *Client) inLoop(l *cfg.Loop, x ir.Expr) bool {
	if x == ir.Nil {
		return false
	}

	return l.Contains(c.g.Block(c.f.Node(x).Block))
}

// ProcessInitialLoopState assumes header phis carry their entry value.
// The loop fixpoint drops the assumption if a back edge disagrees.
func (c *Client) ProcessInitialLoopState(cl *Closure, l *cfg.Loop, st *State) {
	for _, phi := range c.f.Phis(l.Header.ID) {
		st.phis[phi] = cl.Resolve(c.f.Node(phi).Args[0])
	}
}

func (c *Client) NewMerger(cl *Closure, b *cfg.Block) df.Merger[*State] {
	return &merger{
		rebuilt: map[ir.Expr]ir.Expr{},
	}
}
