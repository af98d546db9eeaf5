package df

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/effect"
	"github.com/slowlang/effects/compiler/ir"
	"github.com/slowlang/effects/compiler/walk"
)

// Closure walks the CFG running the client transfer and collecting effects.
// The graph is not changed until ApplyEffects.
type Closure[S State[S]] struct {
	Config

	f      *ir.Func
	g      *cfg.CFG
	client Client[S]

	aliases *Aliases

	blockEffects     *cfg.BlockMap[*effect.List]
	loopMergeEffects map[*cfg.Loop]*effect.List
	loopEntryStates  map[ir.BlockID]S

	changed bool

	tr tlog.Span
}

func New[S State[S]](g *cfg.CFG, client Client[S], conf Config) *Closure[S] {
	c := &Closure[S]{
		Config: conf,

		f:      g.Func,
		g:      g,
		client: client,

		aliases: NewAliases(g.Func),

		blockEffects:     cfg.NewBlockMap[*effect.List](g),
		loopMergeEffects: map[*cfg.Loop]*effect.List{},
		loopEntryStates:  map[ir.BlockID]S{},
	}

	for _, b := range g.Blocks {
		c.blockEffects.Put(b, effect.New())
	}

	return c
}

// Run analyzes the graph from the entry block.
// It returns the final states of the blocks without successors.
func (c *Closure[S]) Run(ctx context.Context, initial S) (finals map[ir.BlockID]S, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "df: analyze", "func", c.f.Name, "blocks", len(c.g.Blocks), "loops", len(c.g.Loops))
	defer tr.Finish("changed", &c.changed, "err", &err)

	c.tr = tr

	finals, err = walk.Apply[S](c, c.g, initial)
	if err != nil {
		return nil, err
	}

	if tr.If("dump_effects") {
		for _, b := range c.g.Blocks {
			if l := c.blockEffects.Get(b); !l.IsEmpty() {
				tr.Printw("block effects", "block", b.ID, "effects", l)
			}
		}

		for _, l := range c.g.Loops {
			tr.Printw("loop merge effects", "loop", l, "effects", c.loopMergeEffects[l])
		}
	}

	return finals, nil
}

func (c *Closure[S]) Changed() bool { return c.changed }

func (c *Closure[S]) Func() *ir.Func { return c.f }

func (c *Closure[S]) CFG() *cfg.CFG { return c.g }

func (c *Closure[S]) Aliases() *Aliases { return c.aliases }

// Resolve returns the scalar alias of x or x.
func (c *Closure[S]) Resolve(x ir.Expr) ir.Expr { return c.aliases.Resolve(x) }

// AddAlias records x should be replaced by alias.
func (c *Closure[S]) AddAlias(x, alias ir.Expr) { c.aliases.Set(x, alias) }

func (c *Closure[S]) HasAliasedInputs(x ir.Expr) bool { return c.aliases.HasAliasedInputs(x) }

func (c *Closure[S]) BlockEffects(b *cfg.Block) *effect.List { return c.blockEffects.Get(b) }

func (c *Closure[S]) LoopMergeEffects(l *cfg.Loop) *effect.List { return c.loopMergeEffects[l] }

// LoopEntryState returns the state the loop with the header was entered with.
func (c *Closure[S]) LoopEntryState(header ir.BlockID) (S, bool) {
	st, ok := c.loopEntryStates[header]
	return st, ok
}

// HasEffects reports whether there is anything to apply.
func (c *Closure[S]) HasEffects() bool {
	for _, b := range c.g.Blocks {
		if !c.blockEffects.Get(b).IsEmpty() {
			return true
		}
	}

	for _, l := range c.loopMergeEffects {
		if !l.IsEmpty() {
			return true
		}
	}

	return false
}

func (c *Closure[S]) CloneState(st S) S { return st.Clone() }

func (c *Closure[S]) ProcessBlock(b *cfg.Block, st S) (S, error) {
	if st.Dead() {
		return st, nil
	}

	f := c.f
	effects := c.blockEffects.Get(b)
	last := ir.Nil

	if len(b.Preds) == 1 {
		p := b.Preds[0]
		last = f.Terminator(p.ID)

		if f.Op(last) == ir.OpIf {
			cond := c.aliases.Resolve(f.Exprs[last].Args[0])

			if f.Op(cond) == ir.OpBool {
				value := f.Exprs[cond].Imm != 0
				trueSucc := f.Blocks[p.ID].Succs[0] == b.ID

				if value != trueSucc {
					c.tr.V("df_dead_branch").Printw("dead branch", "block", b.ID, "if", last, "cond", cond, "value", value)

					st.MarkDead()
					effects.KillIfBranch(last, value)

					return st, nil
				}
			}
		}
	}

	for _, x := range f.Blocks[b.ID].Code {
		op := f.Op(x)

		if op == ir.OpProxy {
			continue
		}

		c.aliases.Clear(x)

		if op == ir.OpLoopExit {
			for _, p := range f.Proxies(x) {
				c.aliases.Clear(p)

				if c.client.ProcessNode(c, p, st, effects, last) && significant(ir.OpProxy) {
					c.changed = true
				}
			}

			header := ir.BlockID(f.Exprs[x].Imm)

			entry, ok := c.loopEntryStates[header]
			if !ok {
				return st, errors.New("no loop entry state for exit %v of loop %v", x, header)
			}

			c.client.ProcessLoopExit(c, x, entry, st, effects)
		}

		if c.client.ProcessNode(c, x, st, effects, last) && significant(op) {
			c.changed = true
		}

		last = x

		if st.Dead() {
			break
		}
	}

	return st, nil
}

func (c *Closure[S]) Merge(b *cfg.Block, states []S) (S, error) {
	effects := c.blockEffects.Get(b)

	if c.Check && !effects.IsEmpty() {
		var zero S
		return zero, errors.New("merge block %v already has %d effects", b.ID, effects.Len())
	}

	m := c.newMergeProcessor(b)

	c.mergeWithoutDead(m, states)
	m.merger.CommitEnds(m, states)

	effects.AddAll(&m.MergeEffects)
	effects.AddAll(&m.AfterMergeEffects)

	return m.NewState, nil
}

func (c *Closure[S]) ProcessLoop(l *cfg.Loop, initial S) (_ []S, err error) {
	if initial.Dead() {
		c.dropLoopLogs(l)

		states := make([]S, len(l.Exits))

		for i := range states {
			states[i] = initial.Clone()
		}

		return states, nil
	}

	entry := initial
	last := initial.Clone()

	c.client.ProcessInitialLoopState(c, l, last)

	m := c.newMergeProcessor(l.Header)

	for it := 0; it < c.loopIterations(); it++ {
		info, err := walk.ProcessLoop[S](c, l, last.Clone())
		if err != nil {
			return nil, err
		}

		states := make([]S, 0, 1+len(info.EndStates))
		states = append(states, initial)
		states = append(states, info.EndStates...)

		c.mergeWithoutDead(m, states)

		c.tr.V("df_loop").Printw("loop iteration", "loop", l, "iteration", it, "merged", m.NewState, "last", last)

		if m.NewState.Equivalent(last) {
			m.merger.CommitEnds(m, states)

			c.blockEffects.Get(l.Header).InsertAll(&m.MergeEffects, 0)

			after := effect.New()
			after.AddAll(&m.AfterMergeEffects)
			c.loopMergeEffects[l] = after

			c.loopEntryStates[l.Header.ID] = entry

			if c.Check && len(info.ExitStates) != len(l.Exits) {
				return nil, errors.New("%v: %d exit states for %d exits", l, len(info.ExitStates), len(l.Exits))
			}

			return info.ExitStates, nil
		}

		last = m.NewState

		for _, b := range l.Blocks {
			c.blockEffects.Get(b).Clear()
		}

		for _, in := range c.g.Loops {
			if in != l && l.Contains(in.Header) {
				c.dropLoopLogs(in)
			}
		}
	}

	return nil, errors.Wrap(ErrTooManyIterations, "%v", l)
}

// dropLoopLogs forgets the results of the last accepted fixpoint of the loop.
func (c *Closure[S]) dropLoopLogs(l *cfg.Loop) {
	delete(c.loopMergeEffects, l)
	delete(c.loopEntryStates, l.Header.ID)
}

// ApplyEffects commits the recorded effects to the graph.
// Effects are applied in reverse postorder with loop merge effects following
// their loop body. Non-kill effects go first, then kill effects.
func (c *Closure[S]) ApplyEffects(ctx context.Context) (err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "df: apply effects", "func", c.f.Name)
	defer tr.Finish("err", &err)

	col := &collector{c: c.blockEffects, loops: c.loopMergeEffects}

	_, err = walk.Apply[struct{}](col, c.g, struct{}{})
	if err != nil {
		return errors.Wrap(err, "collect effects")
	}

	var obsolete []ir.Expr

	for _, kills := range []bool{false, true} {
		for _, l := range col.lists {
			err = l.Apply(c.f, &obsolete, kills)
			if err != nil {
				return errors.Wrap(err, "apply (kills: %v)", kills)
			}
		}
	}

	tr.V("df_apply").Printw("effects applied", "lists", len(col.lists), "obsolete", obsolete)

	if c.Check {
		reachable := c.f.ReachableNodes()

		for _, x := range obsolete {
			if c.f.Alive(x) && reachable.IsSet(x) {
				return errors.New("obsolete node %v is still reachable", x)
			}
		}
	}

	for _, x := range obsolete {
		if !c.f.Alive(x) {
			continue
		}

		c.f.ReplaceAtUsages(x, ir.Nil)

		err = c.f.KillWithUnusedFloatingInputs(x)
		if err != nil {
			return errors.Wrap(err, "kill obsolete %v", x)
		}
	}

	if c.Check {
		err = c.f.Verify()
		if err != nil {
			return errors.Wrap(err, "verify")
		}
	}

	return nil
}

// collector gathers effect lists in the order they are to be applied.
type collector struct {
	c     *cfg.BlockMap[*effect.List]
	loops map[*cfg.Loop]*effect.List

	lists []*effect.List
}

func (col *collector) ProcessBlock(b *cfg.Block, s struct{}) (struct{}, error) {
	if l := col.c.Get(b); !l.IsEmpty() {
		col.lists = append(col.lists, l)
	}

	return s, nil
}

func (col *collector) Merge(b *cfg.Block, _ []struct{}) (struct{}, error) {
	return struct{}{}, nil
}

func (col *collector) CloneState(s struct{}) struct{} { return s }

func (col *collector) ProcessLoop(l *cfg.Loop, s struct{}) ([]struct{}, error) {
	_, err := walk.ProcessLoop[struct{}](col, l, s)
	if err != nil {
		return nil, err
	}

	if x := col.loops[l]; !x.IsEmpty() {
		col.lists = append(col.lists, x)
	}

	return make([]struct{}, len(l.Exits)), nil
}
