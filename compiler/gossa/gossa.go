// Package gossa lowers Go functions into the program graph
// through golang.org/x/tools/go/ssa.
package gossa

import (
	"context"
	"go/ast"
	"go/constant"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"os"
	"sort"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	lowerer struct {
		fn *ssa.Function
		f  *ir.Func

		blocks []ir.BlockID
		vals   map[ssa.Value]ir.Expr

		// entry nodes created on demand: constants, globals, free vars
		pre []ir.Expr

		// ssa instruction operands per allocated node
		todo []pending
	}

	pending struct {
		x    ir.Expr
		args []ssa.Value
	}
)

// LoadFile parses and type checks a single Go file and lowers its functions.
func LoadFile(ctx context.Context, name string) (*ir.Package, error) {
	src, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	return Load(ctx, name, src)
}

// Load lowers every function with a body declared in the Go source.
// Package initializer and other synthetic functions are skipped.
// Functions are sorted by name.
func Load(ctx context.Context, name string, src []byte) (_ *ir.Package, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "gossa: load", "file", name)
	defer tr.Finish("err", &err)

	fset := token.NewFileSet()

	file, err := parser.ParseFile(fset, name, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, errors.Wrap(err, "parse")
	}

	tc := &types.Config{Importer: importer.Default()}
	pkg := types.NewPackage(file.Name.Name, file.Name.Name)

	sp, _, err := ssautil.BuildPackage(tc, fset, pkg, []*ast.File{file}, ssa.SanityCheckFunctions)
	if err != nil {
		return nil, errors.Wrap(err, "build ssa")
	}

	var fns []*ssa.Function

	for _, m := range sp.Members {
		fn, ok := m.(*ssa.Function)
		if !ok || len(fn.Blocks) == 0 || fn.Synthetic != "" {
			continue
		}

		fns = append(fns, fn)
	}

	sort.Slice(fns, func(i, j int) bool { return fns[i].Name() < fns[j].Name() })

	p := &ir.Package{Path: pkg.Path()}

	for _, fn := range fns {
		f, err := Lower(ctx, fn)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", fn.Name())
		}

		p.Funcs = append(p.Funcs, f)
	}

	return p, nil
}

// Lower converts ssa function into a normalized graph.
// Integer and boolean constants, integer arithmetic and comparisons, phis,
// control flow and calls are kept, other values become opaque.
func Lower(ctx context.Context, fn *ssa.Function) (f *ir.Func, err error) {
	l := &lowerer{
		fn:   fn,
		f:    ir.NewFunc(fn.Name()),
		vals: map[ssa.Value]ir.Expr{},
	}

	for _, b := range fn.Blocks {
		l.blocks = append(l.blocks, l.f.NewBlock(b.Comment))
	}

	for _, b := range fn.Blocks {
		bl := &l.f.Blocks[l.blocks[b.Index]]

		for _, p := range b.Preds {
			bl.Preds = append(bl.Preds, l.blocks[p.Index])
		}

		for _, s := range b.Succs {
			bl.Succs = append(bl.Succs, l.blocks[s.Index])
		}
	}

	entry := l.blocks[0]

	var params []ir.Expr

	for i, p := range fn.Params {
		x := l.f.NewNode(ir.OpParam, entry, int64(i))
		l.vals[p] = x
		params = append(params, x)
	}

	var code [][]ir.Expr

	for _, b := range fn.Blocks {
		var bc []ir.Expr

		for _, in := range b.Instrs {
			bc = append(bc, l.instr(l.blocks[b.Index], in)...)
		}

		code = append(code, bc)
	}

	for _, p := range l.todo {
		n := l.f.Node(p.x)

		for _, a := range p.args {
			n.Args = append(n.Args, l.value(a))
		}
	}

	for _, x := range params {
		l.f.Append(x)
	}

	for _, x := range l.pre {
		l.f.Append(x)
	}

	for _, bc := range code {
		for _, x := range bc {
			l.f.Append(x)
		}
	}

	tlog.SpanFromContext(ctx).V("gossa").Printw("lowered", "func", l.f.Name, "blocks", len(l.f.Blocks), "nodes", l.f.Len())

	err = cfg.Normalize(l.f)
	if err != nil {
		return nil, errors.Wrap(err, "normalize")
	}

	err = l.f.Verify()
	if err != nil {
		return nil, errors.Wrap(err, "verify")
	}

	return l.f, nil
}

func (l *lowerer) instr(b ir.BlockID, in ssa.Instruction) []ir.Expr {
	switch in := in.(type) {
	case *ssa.DebugRef:
		return nil
	case *ssa.Jump:
		return []ir.Expr{l.node(b, ir.OpJump, 0)}
	case *ssa.If:
		return []ir.Expr{l.node(b, ir.OpIf, 0, in.Cond)}
	case *ssa.Return:
		return []ir.Expr{l.node(b, ir.OpReturn, 0, in.Results...)}
	case *ssa.Panic:
		return []ir.Expr{
			l.node(b, ir.OpCall, 0, in.X),
			l.node(b, ir.OpReturn, 0),
		}
	case *ssa.Phi:
		return []ir.Expr{l.define(in, l.node(b, ir.OpPhi, 0, in.Edges...))}
	case *ssa.BinOp:
		if x := l.binop(b, in); x != ir.Nil {
			return []ir.Expr{l.define(in, x)}
		}
	case *ssa.Call:
		return []ir.Expr{l.define(in, l.node(b, ir.OpCall, 0, in.Call.Args...))}
	}

	args := operands(in)

	if v, ok := in.(ssa.Value); ok {
		return []ir.Expr{l.define(v, l.node(b, ir.OpOpaque, 0, args...))}
	}

	// side effects
	return []ir.Expr{l.node(b, ir.OpCall, 0, args...)}
}

func (l *lowerer) binop(b ir.BlockID, in *ssa.BinOp) ir.Expr {
	t, ok := in.X.Type().Underlying().(*types.Basic)
	if !ok {
		return ir.Nil
	}

	integer := t.Info()&types.IsInteger != 0
	boolean := t.Info()&types.IsBoolean != 0

	switch {
	case in.Op == token.ADD && integer:
		return l.node(b, ir.OpAdd, 0, in.X, in.Y)
	case in.Op == token.SUB && integer:
		return l.node(b, ir.OpSub, 0, in.X, in.Y)
	case in.Op == token.MUL && integer:
		return l.node(b, ir.OpMul, 0, in.X, in.Y)
	case in.Op == token.EQL && (integer || boolean):
		return l.node(b, ir.OpEq, 0, in.X, in.Y)
	case in.Op == token.LSS && integer:
		return l.node(b, ir.OpLt, 0, in.X, in.Y)
	case in.Op == token.GTR && integer:
		return l.node(b, ir.OpLt, 0, in.Y, in.X)
	}

	return ir.Nil
}

func (l *lowerer) node(b ir.BlockID, op ir.Op, imm int64, args ...ssa.Value) ir.Expr {
	x := l.f.NewNode(op, b, imm)

	if len(args) != 0 {
		l.todo = append(l.todo, pending{x: x, args: args})
	}

	return x
}

func (l *lowerer) define(v ssa.Value, x ir.Expr) ir.Expr {
	l.vals[v] = x
	return x
}

// value returns the node for instruction operand.
// Values defined outside of instructions are created in the entry block.
func (l *lowerer) value(v ssa.Value) ir.Expr {
	if x, ok := l.vals[v]; ok {
		return x
	}

	entry := l.blocks[0]

	var x ir.Expr

	switch c := v.(type) {
	case *ssa.Const:
		x = l.constant(c)
	default:
		x = l.f.NewNode(ir.OpOpaque, entry, 0)
	}

	l.vals[v] = x
	l.pre = append(l.pre, x)

	return x
}

func (l *lowerer) constant(c *ssa.Const) ir.Expr {
	entry := l.blocks[0]

	t, ok := c.Type().Underlying().(*types.Basic)

	switch {
	case !ok || c.Value == nil:
	case t.Info()&types.IsBoolean != 0:
		var imm int64
		if constant.BoolVal(c.Value) {
			imm = 1
		}

		return l.f.NewNode(ir.OpBool, entry, imm)
	case t.Info()&types.IsInteger != 0:
		if v, exact := constant.Int64Val(c.Value); exact {
			return l.f.NewNode(ir.OpConst, entry, v)
		}
	}

	return l.f.NewNode(ir.OpOpaque, entry, 0)
}

func operands(in ssa.Instruction) (r []ssa.Value) {
	for _, op := range in.Operands(nil) {
		if op == nil || *op == nil {
			continue
		}

		r = append(r, *op)
	}

	return r
}
