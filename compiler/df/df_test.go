package df

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/effect"
	"github.com/slowlang/effects/compiler/format"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	testState struct {
		dead   bool
		assume bool
		n      int
	}

	testClient struct {
		g *cfg.CFG

		grow    bool
		changed map[ir.Op]bool
		guards  map[ir.Expr]ir.Expr // aliased once the loop assumption is dropped

		visited []string
		merges  [][]int
		commits int
		applied []string
	}

	testMerger struct {
		c *testClient
		b string
	}
)

const loopYAML = `
funcs:
- name: loop
  blocks:
  - name: entry
    code:
    - {id: c, op: param}
    succs: [head]
  - name: head
    code:
    - {op: if, args: [c]}
    succs: [body, out]
  - name: body
    succs: [head]
  - name: out
`

const deadBranchYAML = `
funcs:
- name: dead
  blocks:
  - name: entry
    code:
    - {id: one, op: const, imm: 1}
    - {id: k, op: bool, imm: 1}
    - {op: if, args: [k]}
    succs: [then, else]
  - name: then
    succs: [join]
  - name: else
    code:
    - {id: x, op: add, args: [one, one]}
    succs: [join]
  - name: join
`

const noElseYAML = `
funcs:
- name: noelse
  blocks:
  - name: entry
    code:
    - {id: k, op: bool, imm: 1}
    - {op: if, args: [k]}
    succs: [then, join]
  - name: then
    succs: [join]
  - name: join
`

const deadLoopYAML = `
funcs:
- name: deadloop
  blocks:
  - name: entry
    code:
    - {id: c, op: param}
    - {id: k, op: bool, imm: 1}
    - {op: if, args: [k]}
    succs: [out, head]
  - name: head
    code:
    - {op: if, args: [c]}
    succs: [body, exit]
  - name: body
    succs: [head]
  - name: exit
    succs: [out]
  - name: out
`

const nestedYAML = `
funcs:
- name: nested
  blocks:
  - name: entry
    code:
    - {id: c, op: param}
    - {id: no, op: bool, imm: 0}
    succs: [outer]
  - name: outer
    code:
    - {op: if, args: [c]}
    succs: [guard, done]
  - name: guard
    code:
    - {id: g, op: lt, args: [c, c]}
    - {op: if, args: [g]}
    succs: [inner, olatch]
  - name: inner
    code:
    - {op: if, args: [c]}
    succs: [ibody, iout]
  - name: ibody
    succs: [inner]
  - name: iout
    succs: [olatch]
  - name: olatch
    succs: [outer]
  - name: done
`

func (s *testState) Dead() bool { return s.dead }
func (s *testState) MarkDead()  { s.dead = true }

func (s *testState) Clone() *testState {
	c := *s
	return &c
}

func (s *testState) Equivalent(x *testState) bool { return *s == *x }

func (c *testClient) name(b ir.BlockID) string { return c.g.Func.Blocks[b].Name }

func (c *testClient) record(name string) effect.Func {
	return func(*ir.Func, *[]ir.Expr) error {
		c.applied = append(c.applied, name)
		return nil
	}
}

func (c *testClient) ProcessNode(cl *Closure[*testState], x ir.Expr, st *testState, effects *effect.List, last ir.Expr) bool {
	n := cl.Func().Node(x)
	name := fmt.Sprintf("%s:%v", c.name(n.Block), n.Op)

	c.visited = append(c.visited, name)

	if v, ok := c.guards[x]; ok && !st.assume {
		cl.AddAlias(x, v)
	}

	effects.Add(name, n.Op == ir.OpLoopExit, c.record(name))

	return c.changed[n.Op]
}

func (c *testClient) ProcessLoopExit(cl *Closure[*testState], exit ir.Expr, entry, st *testState, effects *effect.List) {
	c.visited = append(c.visited, fmt.Sprintf("exit (entry assume %v)", entry.assume))
}

func (c *testClient) ProcessInitialLoopState(cl *Closure[*testState], l *cfg.Loop, st *testState) {
	st.assume = true
}

func (c *testClient) NewMerger(cl *Closure[*testState], b *cfg.Block) Merger[*testState] {
	name := ""
	if c.g != nil {
		name = c.name(b.ID)
	}

	return &testMerger{c: c, b: name}
}

func (m *testMerger) Merge(p *MergeProcessor[*testState], states []*testState) *testState {
	var idx []int

	for i := range states {
		idx = append(idx, p.StateIndex(i))
	}

	m.c.merges = append(m.c.merges, idx)

	r := &testState{assume: true}

	for _, s := range states {
		r.assume = r.assume && s.assume
		r.n = max(r.n, s.n)
	}

	if m.c.grow {
		r.n++
	}

	p.MergeEffects.Add("merge "+m.b, false, m.c.record("merge "+m.b))
	p.AfterMergeEffects.Add("after merge "+m.b, false, m.c.record("after merge "+m.b))

	return r
}

func (m *testMerger) CommitEnds(p *MergeProcessor[*testState], states []*testState) {
	m.c.commits++
}

func build(t testing.TB, text string) *cfg.CFG {
	t.Helper()

	p, err := format.Load(context.Background(), []byte(text))
	require.NoError(t, err)

	f := p.Funcs[0]

	require.NoError(t, cfg.Normalize(f))

	g, err := cfg.Build(f)
	require.NoError(t, err)

	return g
}

func blockByName(t testing.TB, g *cfg.CFG, name string) *cfg.Block {
	t.Helper()

	for _, b := range g.Blocks {
		if g.Func.Blocks[b.ID].Name == name {
			return b
		}
	}

	t.Fatalf("no block %q", name)

	return nil
}

func count(l []string, x string) (n int) {
	for _, y := range l {
		if x == y {
			n++
		}
	}

	return n
}

func TestMergeWithoutDead(t *testing.T) {
	tc := &testClient{}
	c := &Closure[*testState]{client: tc}

	b := &cfg.Block{ID: 5, Preds: []*cfg.Block{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}

	m := c.newMergeProcessor(b)

	states := []*testState{{n: 1}, {dead: true}, {n: 3}, {dead: true}}

	c.mergeWithoutDead(m, states)

	assert.Equal(t, [][]int{{0, 2}}, tc.merges)
	assert.Equal(t, 0, m.StateIndex(0))
	assert.Equal(t, 2, m.StateIndex(1))
	assert.Equal(t, ir.BlockID(3), m.Predecessor(1).ID)
	assert.Equal(t, &testState{n: 3}, m.NewState)
	assert.Equal(t, []string{"merge "}, m.MergeEffects.Names())

	t.Run("all_dead", func(t *testing.T) {
		tc.merges = nil

		states := []*testState{{dead: true, n: 7}, {dead: true}}

		c.mergeWithoutDead(m, states)

		assert.Empty(t, tc.merges)
		assert.Same(t, states[0], m.NewState)
		assert.True(t, m.MergeEffects.IsEmpty(), "previous effects dropped")
		assert.True(t, m.AfterMergeEffects.IsEmpty())
	})
}

func TestDeadBranch(t *testing.T) {
	g := build(t, deadBranchYAML)
	f := g.Func

	tc := &testClient{g: g}
	c := New(g, tc, Config{Check: true})

	_, err := c.Run(context.Background(), &testState{})
	require.NoError(t, err)

	kills := 0

	for _, b := range g.Blocks {
		for _, e := range c.BlockEffects(b).Effects() {
			if e.Kill {
				kills++
			}
		}
	}

	assert.Equal(t, 1, kills)
	assert.Equal(t, []string{"kill if branch"}, c.BlockEffects(blockByName(t, g, "else")).Names())

	assert.NotContains(t, tc.visited, "else:add", "dead state is not processed")
	assert.Equal(t, [][]int{{0}}, tc.merges, "only then branch is alive at join")

	assert.False(t, c.Changed())

	els := blockByName(t, g, "else").ID
	entry := g.Entry.ID

	require.NoError(t, c.ApplyEffects(context.Background()))

	assert.False(t, f.BlockAlive(els))
	assert.Equal(t, ir.OpJump, f.Op(f.Terminator(entry)))
	require.NoError(t, f.Verify())
}

func TestChanged(t *testing.T) {
	for _, tc := range []struct {
		op      ir.Op
		changed bool
	}{
		{op: ir.OpConst, changed: false},
		{op: ir.OpBool, changed: false},
		{op: ir.OpJump, changed: true},
		{op: ir.OpReturn, changed: true},
	} {
		t.Run(tc.op.String(), func(t *testing.T) {
			g := build(t, deadBranchYAML)

			cl := &testClient{g: g, changed: map[ir.Op]bool{tc.op: true}}
			c := New(g, cl, Config{})

			_, err := c.Run(context.Background(), &testState{})
			require.NoError(t, err)

			assert.Equal(t, tc.changed, c.Changed())
		})
	}
}

func TestLoopConverges(t *testing.T) {
	g := build(t, loopYAML)

	tc := &testClient{g: g}
	c := New(g, tc, Config{Check: true})

	_, err := c.Run(context.Background(), &testState{})
	require.NoError(t, err)

	require.Len(t, g.Loops, 1)

	l := g.Loops[0]

	assert.Equal(t, 2, count(tc.visited, "head:if"), "second round is stable")
	assert.Equal(t, 1, tc.commits)

	assert.Equal(t, []string{"merge head", "head:if"}, c.BlockEffects(l.Header).Names())
	assert.Equal(t, []string{"body:jump"}, c.BlockEffects(blockByName(t, g, "body")).Names(), "rejected round effects dropped")
	assert.Equal(t, []string{"after merge head"}, c.LoopMergeEffects(l).Names())

	entry, ok := c.LoopEntryState(l.Header.ID)
	require.True(t, ok)
	assert.False(t, entry.assume)

	assert.Contains(t, tc.visited, "exit (entry assume false)")

	require.NoError(t, c.ApplyEffects(context.Background()))

	want := []string{
		"entry:param", "entry:jump",
		"merge head", "head:if",
		"body:jump",
		"after merge head",
		"head.exit:jump",
		"out:return",
		"head.exit:loopexit",
	}

	if diff := cmp.Diff(want, tc.applied); diff != "" {
		t.Errorf("applied effects (-want +got):\n%s", diff)
	}
}

func TestLoopTooManyIterations(t *testing.T) {
	for _, tc := range []struct {
		limit, rounds int
	}{
		{limit: 0, rounds: DefaultLoopIterations},
		{limit: 3, rounds: 3},
	} {
		t.Run(fmt.Sprintf("limit_%d", tc.limit), func(t *testing.T) {
			g := build(t, loopYAML)

			cl := &testClient{g: g, grow: true}
			c := New(g, cl, Config{MaxLoopIterations: tc.limit})

			_, err := c.Run(context.Background(), &testState{})
			assert.ErrorIs(t, err, ErrTooManyIterations)

			assert.Equal(t, tc.rounds, count(cl.visited, "head:if"))
			assert.Zero(t, cl.commits)
		})
	}
}

func TestDeterministic(t *testing.T) {
	run := func() ([]string, [][]string) {
		g := build(t, loopYAML)

		tc := &testClient{g: g}
		c := New(g, tc, Config{Check: true})

		_, err := c.Run(context.Background(), &testState{})
		require.NoError(t, err)

		var logs [][]string

		for _, b := range g.Blocks {
			logs = append(logs, c.BlockEffects(b).Names())
		}

		require.NoError(t, c.ApplyEffects(context.Background()))

		return tc.applied, logs
	}

	a1, l1 := run()
	a2, l2 := run()

	if diff := cmp.Diff(a1, a2); diff != "" {
		t.Errorf("applied effects differ:\n%s", diff)
	}

	if diff := cmp.Diff(l1, l2); diff != "" {
		t.Errorf("effect logs differ:\n%s", diff)
	}
}

func killed(g *cfg.CFG, c *Closure[*testState]) (r []string) {
	for _, b := range g.Blocks {
		for _, e := range c.BlockEffects(b).Effects() {
			if e.Kill {
				r = append(r, g.Func.Blocks[b.ID].Name+": "+e.Name)
			}
		}
	}

	return r
}

func firstOp(t testing.TB, g *cfg.CFG, block string, op ir.Op) ir.Expr {
	t.Helper()

	b := blockByName(t, g, block)

	for _, x := range g.Func.Blocks[b.ID].Code {
		if g.Func.Op(x) == op {
			return x
		}
	}

	t.Fatalf("no %v in %v", op, block)

	return ir.Nil
}

func TestDeadBranchCriticalEdge(t *testing.T) {
	g := build(t, noElseYAML)
	f := g.Func

	tc := &testClient{g: g}
	c := New(g, tc, Config{Check: true})

	_, err := c.Run(context.Background(), &testState{})
	require.NoError(t, err)

	assert.Equal(t, []string{"entry.join: kill if branch"}, killed(g, c))

	// join preds are [entry.join, then]
	assert.Equal(t, [][]int{{1}}, tc.merges, "dead edge does not contribute")

	split := blockByName(t, g, "entry.join").ID
	join := blockByName(t, g, "join").ID

	require.NoError(t, c.ApplyEffects(context.Background()))

	assert.False(t, f.BlockAlive(split))
	assert.True(t, f.BlockAlive(join))
	assert.Len(t, f.Blocks[join].Preds, 1)
	assert.Equal(t, ir.OpJump, f.Op(f.Terminator(g.Entry.ID)))
}

func TestDeadLoopEntry(t *testing.T) {
	g := build(t, deadLoopYAML)
	f := g.Func

	require.Len(t, g.Loops, 1)

	l := g.Loops[0]

	tc := &testClient{g: g}
	c := New(g, tc, Config{Check: true})

	_, err := c.Run(context.Background(), &testState{})
	require.NoError(t, err)

	assert.Equal(t, []string{"head.preheader: kill if branch"}, killed(g, c))

	assert.NotContains(t, tc.visited, "head:if", "loop is not iterated")
	assert.NotContains(t, tc.visited, "head.exit:loopexit")

	assert.True(t, c.LoopMergeEffects(l).IsEmpty())

	_, ok := c.LoopEntryState(l.Header.ID)
	assert.False(t, ok)

	// out preds are [entry.out, exit]
	assert.Equal(t, [][]int{{0}}, tc.merges)

	head := l.Header.ID

	require.NoError(t, c.ApplyEffects(context.Background()))

	assert.False(t, f.BlockAlive(head))
	require.NoError(t, f.Verify())
}

func TestNestedLoopRejectedRound(t *testing.T) {
	g := build(t, nestedYAML)

	require.Len(t, g.Loops, 2)

	outer, inner := g.Loops[0], g.Loops[1]
	require.Same(t, outer, inner.Parent)

	tc := &testClient{
		g: g,
		guards: map[ir.Expr]ir.Expr{
			firstOp(t, g, "guard", ir.OpLt): firstOp(t, g, "entry", ir.OpBool),
		},
	}

	c := New(g, tc, Config{Check: true})

	_, err := c.Run(context.Background(), &testState{})
	require.NoError(t, err)

	assert.Equal(t, 2, count(tc.visited, "outer:if"))
	assert.Equal(t, 1, count(tc.visited, "inner:if"), "inner loop is live in the first outer round only")

	assert.True(t, c.LoopMergeEffects(inner).IsEmpty(), "rejected round logs are dropped")
	assert.Equal(t, []string{"after merge outer"}, c.LoopMergeEffects(outer).Names())

	_, ok := c.LoopEntryState(inner.Header.ID)
	assert.False(t, ok)

	_, ok = c.LoopEntryState(outer.Header.ID)
	assert.True(t, ok)

	assert.ElementsMatch(t, []string{
		"inner.preheader: kill if branch",
		"outer.exit: outer.exit:loopexit",
	}, killed(g, c))

	require.NoError(t, c.ApplyEffects(context.Background()))

	assert.NotContains(t, tc.applied, "merge inner")
	assert.NotContains(t, tc.applied, "after merge inner")
	assert.Contains(t, tc.applied, "after merge outer")

	assert.False(t, g.Func.BlockAlive(inner.Header.ID))
	require.NoError(t, g.Func.Verify())
}
