package fold

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/effects/compiler/df"
	"github.com/slowlang/effects/compiler/format"
	"github.com/slowlang/effects/compiler/ir"
)

func load(t testing.TB, text string) *ir.Func {
	t.Helper()

	p, err := format.Load(context.Background(), []byte(text))
	require.NoError(t, err)
	require.Len(t, p.Funcs, 1)

	return p.Funcs[0]
}

func optimize(t testing.TB, f *ir.Func) bool {
	t.Helper()

	changed, err := Apply(context.Background(), f, 0, df.Config{Check: true})
	require.NoError(t, err)

	dump, err := format.Format(context.Background(), nil, f)
	require.NoError(t, err)

	t.Logf("result:\n%s", dump)

	return changed
}

func block(t testing.TB, f *ir.Func, name string) ir.BlockID {
	t.Helper()

	for i, b := range f.Blocks {
		if b.Name == name {
			return ir.BlockID(i)
		}
	}

	t.Fatalf("no block %q", name)

	return ir.NoBlock
}

func returned(t testing.TB, f *ir.Func, name string) *ir.Node {
	t.Helper()

	b := block(t, f, name)
	require.True(t, f.BlockAlive(b), "block %v", name)

	ret := f.Terminator(b)
	require.Equal(t, ir.OpReturn, f.Op(ret))
	require.Len(t, f.Node(ret).Args, 1)

	return f.Node(f.Node(ret).Args[0])
}

func TestConstants(t *testing.T) {
	f := load(t, `
funcs:
- name: consts
  blocks:
  - name: entry
    code:
    - {id: p, op: param}
    - {id: zero, op: const, imm: 0}
    - {id: one, op: const, imm: 1}
    - {id: two, op: const, imm: 2}
    - {id: three, op: const, imm: 3}
    - {id: s, op: add, args: [two, three]}
    - {id: m, op: mul, args: [s, one]}
    - {id: d, op: sub, args: [m, two]}
    - {id: px, op: add, args: [p, zero]}
    - {id: pm, op: mul, args: [px, one]}
    - {op: call, args: [d, pm]}
    - {op: return, args: [d]}
`)

	assert.True(t, optimize(t, f))

	r := returned(t, f, "entry")

	assert.Equal(t, ir.OpConst, r.Op)
	assert.Equal(t, int64(3), r.Imm)

	var call *ir.Node

	for _, x := range f.Blocks[f.Entry].Code {
		switch f.Op(x) {
		case ir.OpAdd, ir.OpSub, ir.OpMul:
			t.Errorf("arithmetic left: %v %v", x, f.Node(x))
		case ir.OpCall:
			call = f.Node(x)
		}
	}

	require.NotNil(t, call)
	assert.Equal(t, ir.OpConst, f.Op(call.Args[0]))
	assert.Equal(t, f.Params[0], call.Args[1], "identities are folded to the operand")
}

func TestBranch(t *testing.T) {
	f := load(t, `
funcs:
- name: branch
  blocks:
  - name: entry
    code:
    - {id: one, op: const, imm: 1}
    - {id: two, op: const, imm: 2}
    - {id: c, op: lt, args: [one, two]}
    - {op: if, args: [c]}
    succs: [then, else]
  - name: then
    succs: [join]
  - name: else
    succs: [join]
  - name: join
    code:
    - {id: r, op: phi, args: [one, two]}
    - {op: return, args: [r]}
`)

	assert.True(t, optimize(t, f))

	assert.False(t, f.BlockAlive(block(t, f, "else")))
	assert.Equal(t, ir.OpJump, f.Op(f.Terminator(f.Entry)))
	assert.Empty(t, f.Phis(block(t, f, "join")))

	r := returned(t, f, "join")

	assert.Equal(t, ir.OpConst, r.Op)
	assert.Equal(t, int64(1), r.Imm)
}

func TestBranchWithoutElse(t *testing.T) {
	f := load(t, `
funcs:
- name: noelse
  blocks:
  - name: entry
    code:
    - {id: p, op: param}
    - {id: one, op: const, imm: 1}
    - {id: two, op: const, imm: 2}
    - {id: c, op: lt, args: [two, one]}
    - {op: if, args: [c]}
    succs: [then, join]
  - name: then
    code:
    - {id: a, op: add, args: [p, one]}
    succs: [join]
  - name: join
    code:
    - {id: r, op: phi, args: [p, a]}
    - {op: return, args: [r]}
`)

	assert.True(t, optimize(t, f))

	assert.False(t, f.BlockAlive(block(t, f, "then")))
	assert.Equal(t, ir.OpJump, f.Op(f.Terminator(f.Entry)))

	join := block(t, f, "join")

	assert.Empty(t, f.Phis(join))
	assert.Equal(t, ir.OpParam, returned(t, f, "join").Op, "only the fall through value is left")
}

func TestFacts(t *testing.T) {
	f := load(t, `
funcs:
- name: facts
  blocks:
  - name: entry
    code:
    - {id: p, op: param}
    - {id: q, op: param}
    - {id: zero, op: const, imm: 0}
    - {id: one, op: const, imm: 1}
    - {id: c, op: lt, args: [p, q]}
    - {op: if, args: [c]}
    succs: [then, out]
  - name: then
    code:
    - {id: d, op: lt, args: [p, q]}
    - {op: if, args: [d]}
    succs: [a, b]
  - name: a
    code:
    - {op: return, args: [one]}
  - name: b
    code:
    - {op: return, args: [zero]}
  - name: out
    code:
    - {op: return, args: [zero]}
`)

	assert.True(t, optimize(t, f))

	assert.False(t, f.BlockAlive(block(t, f, "b")))
	assert.True(t, f.BlockAlive(block(t, f, "a")))
	assert.True(t, f.BlockAlive(block(t, f, "out")), "first branch is unknown")
	assert.Equal(t, ir.OpIf, f.Op(f.Terminator(f.Entry)))
}

func TestLoopCarried(t *testing.T) {
	f := load(t, `
funcs:
- name: count
  blocks:
  - name: entry
    code:
    - {id: n, op: param}
    - {id: zero, op: const, imm: 0}
    - {id: one, op: const, imm: 1}
    succs: [head]
  - name: head
    code:
    - {id: i, op: phi, args: [zero, inc]}
    - {id: c, op: lt, args: [i, n]}
    - {op: if, args: [c]}
    succs: [body, out]
  - name: body
    code:
    - {id: inc, op: add, args: [i, one]}
    succs: [head]
  - name: out
    code:
    - {op: return, args: [i]}
`)

	before := f.Len()

	assert.False(t, optimize(t, f))

	head := block(t, f, "head")

	require.Len(t, f.Phis(head), 1)

	phi := f.Node(f.Phis(head)[0])

	assert.Equal(t, ir.OpConst, f.Op(phi.Args[0]))
	assert.Equal(t, ir.OpAdd, f.Op(phi.Args[1]))
	assert.Equal(t, ir.OpPhi, returned(t, f, "out").Op)

	assert.GreaterOrEqual(t, f.Len(), before)
}

func TestLoopInvariant(t *testing.T) {
	f := load(t, `
funcs:
- name: invariant
  blocks:
  - name: entry
    code:
    - {id: p, op: param}
    - {id: c, op: param}
    succs: [head]
  - name: head
    code:
    - {id: i, op: phi, args: [p, i]}
    - {op: if, args: [c]}
    succs: [head, out]
  - name: out
    code:
    - {id: e, op: loopexit, loop: head}
    - {id: r, op: proxy, args: [i]}
    - {op: return, args: [r]}
`)

	assert.True(t, optimize(t, f))

	head := block(t, f, "head")

	assert.Empty(t, f.Phis(head))
	assert.Equal(t, f.Params[0], f.Node(f.Terminator(block(t, f, "out"))).Args[0])

	for _, x := range f.Blocks[block(t, f, "out")].Code {
		assert.NotEqual(t, ir.OpProxy, f.Op(x), "proxy %v", x)
	}
}

func TestState(t *testing.T) {
	s := NewState()

	s.phis[1] = 2
	s.facts[Fact{Op: ir.OpLt, A: 1, B: 2}] = true

	c := s.Clone()

	assert.True(t, s.Equivalent(c))

	c.facts[Fact{Op: ir.OpEq, A: 1, B: 2}] = false

	assert.False(t, s.Equivalent(c))
	assert.Len(t, s.facts, 1, "clone is independent")

	c.intersect(s)

	assert.True(t, s.Equivalent(c))

	d := s.Clone()
	d.phis[1] = 3

	c.intersect(d)

	assert.Empty(t, c.phis)
	assert.Len(t, c.facts, 1)

	s.MarkDead()
	c.MarkDead()

	assert.True(t, s.Dead())
	assert.True(t, s.Equivalent(c))
	assert.False(t, s.Equivalent(NewState()))
}
