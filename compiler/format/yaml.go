package format

import (
	"bytes"
	"context"
	"os"

	"gopkg.in/yaml.v3"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/ir"
)

type (
	yamlPackage struct {
		Path  string     `yaml:"path"`
		Funcs []yamlFunc `yaml:"funcs"`
	}

	yamlFunc struct {
		Name   string      `yaml:"name"`
		Blocks []yamlBlock `yaml:"blocks"`
	}

	yamlBlock struct {
		Name  string     `yaml:"name"`
		Code  []yamlNode `yaml:"code"`
		Succs []string   `yaml:"succs"`
	}

	yamlNode struct {
		ID   string   `yaml:"id"`
		Op   string   `yaml:"op"`
		Imm  int64    `yaml:"imm"`
		Args []string `yaml:"args"`
		Loop string   `yaml:"loop"` // loopexit header block
	}
)

// LoadFile reads package description from the yaml file.
func LoadFile(ctx context.Context, name string) (*ir.Package, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}

	return Load(ctx, data)
}

// Load parses yaml package description.
//
// Nodes refer to each other by id, blocks by name.
// Block predecessors are derived from successor lists in the order blocks appear.
// Proxy second argument is the loop exit of its block unless given.
// A block without terminator gets jump if it has one successor and return if none.
func Load(ctx context.Context, data []byte) (_ *ir.Package, err error) {
	tr, _ := tlog.SpawnFromContextAndWrap(ctx, "format: load yaml", "size", len(data))
	defer tr.Finish("err", &err)

	var y yamlPackage

	d := yaml.NewDecoder(bytes.NewReader(data))
	d.KnownFields(true)

	err = d.Decode(&y)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	p := &ir.Package{Path: y.Path}

	for _, yf := range y.Funcs {
		f, err := loadFunc(yf)
		if err != nil {
			return nil, errors.Wrap(err, "func %v", yf.Name)
		}

		tr.V("format").Printw("func loaded", "func", f.Name, "blocks", len(f.Blocks), "nodes", f.Len())

		p.Funcs = append(p.Funcs, f)
	}

	return p, nil
}

func loadFunc(yf yamlFunc) (*ir.Func, error) {
	f := ir.NewFunc(yf.Name)

	blocks := map[string]ir.BlockID{}

	for _, yb := range yf.Blocks {
		if _, ok := blocks[yb.Name]; ok {
			return nil, errors.New("duplicate block %q", yb.Name)
		}

		blocks[yb.Name] = f.NewBlock(yb.Name)
	}

	if len(blocks) == 0 {
		return nil, errors.New("no blocks")
	}

	nodes := map[string]ir.Expr{}
	ids := make([][]ir.Expr, len(yf.Blocks))

	for i, yb := range yf.Blocks {
		b := blocks[yb.Name]

		for _, yn := range yb.Code {
			op, ok := ir.ParseOp(yn.Op)
			if !ok {
				return nil, errors.New("block %v: unknown op %q", yb.Name, yn.Op)
			}

			imm := yn.Imm

			if op == ir.OpLoopExit {
				h, ok := blocks[yn.Loop]
				if !ok {
					return nil, errors.New("block %v: loopexit of unknown block %q", yb.Name, yn.Loop)
				}

				imm = int64(h)
			}

			x := f.NewNode(op, b, imm)
			ids[i] = append(ids[i], x)

			if yn.ID == "" {
				continue
			}

			if _, ok := nodes[yn.ID]; ok {
				return nil, errors.New("duplicate node %q", yn.ID)
			}

			nodes[yn.ID] = x
		}
	}

	for i, yb := range yf.Blocks {
		for j, yn := range yb.Code {
			x := ids[i][j]
			n := f.Node(x)

			for _, a := range yn.Args {
				v, ok := nodes[a]
				if !ok {
					return nil, errors.New("block %v: node %v: unknown arg %q", yb.Name, yn.ID, a)
				}

				n.Args = append(n.Args, v)
			}

			if n.Op == ir.OpProxy && len(n.Args) == 1 {
				e := ir.Nil

				if len(ids[i]) != 0 && f.Node(ids[i][0]).Op == ir.OpLoopExit {
					e = ids[i][0]
				}

				if e == ir.Nil {
					return nil, errors.New("block %v: proxy %v outside of loop exit", yb.Name, yn.ID)
				}

				n.Args = append(n.Args, e)
			}
		}
	}

	// all nodes exist now, so uses can be registered
	for i := range yf.Blocks {
		for _, x := range ids[i] {
			f.Append(x)
		}
	}

	for _, yb := range yf.Blocks {
		b := blocks[yb.Name]

		for _, s := range yb.Succs {
			to, ok := blocks[s]
			if !ok {
				return nil, errors.New("block %v: unknown successor %q", yb.Name, s)
			}

			f.Link(b, to)
		}
	}

	for _, yb := range yf.Blocks {
		b := blocks[yb.Name]

		if f.Terminator(b) != ir.Nil {
			continue
		}

		switch len(yb.Succs) {
		case 0:
			f.Add(b, ir.OpReturn, 0)
		case 1:
			f.Add(b, ir.OpJump, 0)
		default:
			return nil, errors.New("block %v: no terminator for %d successors", yb.Name, len(yb.Succs))
		}
	}

	err := f.Verify()
	if err != nil {
		return nil, errors.Wrap(err, "verify")
	}

	return f, nil
}
