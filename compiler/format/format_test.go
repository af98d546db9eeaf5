package format

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slowlang/effects/compiler/ir"
)

const smallYAML = `
path: small
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {id: p, op: param}
    - {id: k, op: const, imm: 7}
    - {id: s, op: add, args: [p, k]}
    succs: [exit]
  - name: exit
    code:
    - {op: return, args: [s]}
`

func TestLoad(t *testing.T) {
	ctx := context.Background()

	p, err := Load(ctx, []byte(smallYAML))
	require.NoError(t, err)

	assert.Equal(t, "small", p.Path)
	require.Len(t, p.Funcs, 1)

	f := p.Funcs[0]

	assert.Equal(t, "f", f.Name)
	assert.Len(t, f.Params, 1)
	assert.Equal(t, []ir.BlockID{1}, f.Blocks[0].Succs)
	assert.Equal(t, []ir.BlockID{0}, f.Blocks[1].Preds)
	assert.Equal(t, ir.OpJump, f.Op(f.Terminator(0)), "jump is added")
	assert.Equal(t, []ir.Expr{0, 1}, f.Node(2).Args)
}

func TestFormat(t *testing.T) {
	ctx := context.Background()

	p, err := Load(ctx, []byte(smallYAML))
	require.NoError(t, err)

	b, err := Format(ctx, nil, p)
	require.NoError(t, err)

	exp := `package small

func f(v0) {
b0 entry:
	v0 = param 0
	v1 = const 7
	v2 = add v0 v1
	jump [b1]
b1 exit:  preds [b0]
	return v2
}
`

	assert.Equal(t, exp, string(b))

	_, err = Format(ctx, nil, 3)
	assert.Error(t, err)
}

func TestLoadForwardRefs(t *testing.T) {
	p, err := Load(context.Background(), []byte(`
funcs:
- name: loop
  blocks:
  - name: entry
    code:
    - {id: zero, op: const}
    succs: [head]
  - name: head
    code:
    - {id: i, op: phi, args: [zero, i]}
    - {id: c, op: bool, imm: 1}
    - {op: if, args: [c]}
    succs: [head, out]
  - name: out
    code:
    - {id: e, op: loopexit, loop: head}
    - {id: r, op: proxy, args: [i]}
    - {op: return, args: [r]}
`))
	require.NoError(t, err)

	f := p.Funcs[0]

	r := f.Node(f.Blocks[2].Code[1])

	assert.Equal(t, ir.OpProxy, r.Op)
	assert.Equal(t, []ir.Expr{f.Phis(1)[0], f.Blocks[2].Code[0]}, r.Args)
	assert.Equal(t, int64(1), f.Node(f.Blocks[2].Code[0]).Imm, "loop exit refers to the header")

	phi := f.Phis(1)[0]
	assert.Equal(t, []ir.Expr{0, phi}, f.Node(phi).Args, "phi refers to itself")
	assert.Contains(t, f.Uses(phi), phi)
}

func TestLoadErrors(t *testing.T) {
	for name, text := range map[string]string{
		"unknown_op": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {op: nop}
`,
		"unknown_arg": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {op: return, args: [x]}
`,
		"duplicate_id": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {id: x, op: param}
    - {id: x, op: param}
`,
		"unknown_succ": `
funcs:
- name: f
  blocks:
  - name: entry
    succs: [nowhere]
`,
		"unknown_field": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {op: param, value: 1}
`,
		"phi_inputs": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {id: x, op: param}
    succs: [next]
  - name: next
    code:
    - {id: y, op: phi, args: [x, x]}
`,
		"proxy_outside_exit": `
funcs:
- name: f
  blocks:
  - name: entry
    code:
    - {id: x, op: param}
    - {op: proxy, args: [x]}
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(context.Background(), []byte(text))
			assert.Error(t, err)
		})
	}
}
