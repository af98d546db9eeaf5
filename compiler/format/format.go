package format

import (
	"context"

	"nikand.dev/go/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/effects/compiler/ir"
)

// Format appends text representation of *ir.Package or *ir.Func.
func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Package:
		return formatPackage(ctx, b, x, d)
	case *ir.Func:
		return formatFunc(ctx, b, x, d)
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatPackage(ctx context.Context, b []byte, x *ir.Package, d int) (_ []byte, err error) {
	if x.Path != "" {
		b = app(b, d, "package %s\n\n", x.Path)
	}

	for i, f := range x.Funcs {
		if i != 0 {
			b = append(b, '\n')
		}

		b, err = formatFunc(ctx, b, f, d)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", f.Name)
		}
	}

	return b, nil
}

func formatFunc(ctx context.Context, b []byte, f *ir.Func, d int) (_ []byte, err error) {
	b = app(b, d, "func %v(", f.Name)

	for i, p := range f.Params {
		if i != 0 {
			b = append(b, ", "...)
		}

		b = app(b, 0, "%v", p)
	}

	b = app(b, 0, ") {\n")

	for _, id := range f.LiveBlocks() {
		b, err = formatBlock(ctx, b, f, id, d)
		if err != nil {
			return nil, errors.Wrap(err, "block %v", id)
		}
	}

	b = app(b, d, "}\n")

	return b, nil
}

func formatBlock(ctx context.Context, b []byte, f *ir.Func, id ir.BlockID, d int) (_ []byte, err error) {
	bl := &f.Blocks[id]

	b = app(b, d, "%v %s:", id, bl.Name)

	if len(bl.Preds) != 0 {
		b = app(b, 0, "  preds %v", bl.Preds)
	}

	b = append(b, '\n')

	for _, x := range bl.Code {
		b, err = formatNode(ctx, b, f, x, d+1)
		if err != nil {
			return nil, errors.Wrap(err, "node %v", x)
		}
	}

	return b, nil
}

func formatNode(ctx context.Context, b []byte, f *ir.Func, x ir.Expr, d int) ([]byte, error) {
	n := f.Node(x)
	bl := &f.Blocks[n.Block]

	switch n.Op {
	case ir.OpJump:
		return app(b, d, "jump %v\n", bl.Succs), nil
	case ir.OpIf:
		return app(b, d, "if %v %v\n", n.Args[0], bl.Succs), nil
	case ir.OpReturn:
		b = app(b, d, "return")
		b = appArgs(b, n.Args)

		return append(b, '\n'), nil
	case ir.OpInvalid:
		return nil, errors.New("invalid op")
	}

	b = app(b, d, "%v = %v", x, n.Op)

	switch n.Op {
	case ir.OpConst, ir.OpParam, ir.OpCall, ir.OpOpaque:
		b = app(b, 0, " %d", n.Imm)
	case ir.OpBool:
		b = app(b, 0, " %v", n.Imm != 0)
	case ir.OpLoopExit:
		b = app(b, 0, " %v", ir.BlockID(n.Imm))
	}

	b = appArgs(b, n.Args)

	return append(b, '\n'), nil
}

func appArgs(b []byte, args []ir.Expr) []byte {
	for _, a := range args {
		b = app(b, 0, " %v", a)
	}

	return b
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}
