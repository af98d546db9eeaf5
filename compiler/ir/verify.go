package ir

import (
	"tlog.app/go/errors"
)

// Verify checks the graph is well formed.
func (f *Func) Verify() error {
	if !f.BlockAlive(f.Entry) {
		return errors.New("no entry block")
	}

	if n := len(f.Blocks[f.Entry].Preds); n != 0 {
		return errors.New("entry block has %d predecessors", n)
	}

	for _, b := range f.LiveBlocks() {
		err := f.verifyBlock(b)
		if err != nil {
			return errors.Wrap(err, "block %v (%s)", b, f.Blocks[b].Name)
		}
	}

	return nil
}

func (f *Func) verifyBlock(b BlockID) error {
	bl := &f.Blocks[b]

	if len(bl.Code) == 0 {
		return errors.New("empty block")
	}

	term := f.Terminator(b)
	if term == Nil {
		return errors.New("no terminator")
	}

	want := map[Op]int{OpJump: 1, OpIf: 2, OpReturn: 0}[f.Exprs[term].Op]
	if len(bl.Succs) != want {
		return errors.New("%v terminator with %d successors", f.Exprs[term].Op, len(bl.Succs))
	}

	if len(bl.Succs) == 2 && bl.Succs[0] == bl.Succs[1] {
		return errors.New("both branches lead to %v", bl.Succs[0])
	}

	for _, s := range bl.Succs {
		if !f.BlockAlive(s) {
			return errors.New("successor %v is dead", s)
		}

		if f.PredIndex(s, b) < 0 {
			return errors.New("successor %v doesn't list it as predecessor", s)
		}
	}

	for _, p := range bl.Preds {
		if !f.BlockAlive(p) {
			return errors.New("predecessor %v is dead", p)
		}
	}

	phis := true

	for i, x := range bl.Code {
		n := &f.Exprs[x]

		if !f.Alive(x) {
			return errors.New("dead node %v scheduled", x)
		}

		if n.Block != b {
			return errors.New("node %v belongs to %v", x, n.Block)
		}

		if n.Op.IsTerminator() && i != len(bl.Code)-1 {
			return errors.New("terminator %v in the middle", x)
		}

		if n.Op != OpPhi {
			phis = false
		} else if !phis {
			return errors.New("phi %v after non-phi", x)
		}

		if n.Op == OpPhi && len(n.Args) != len(bl.Preds) {
			return errors.New("phi %v: %d inputs for %d predecessors", x, len(n.Args), len(bl.Preds))
		}

		if n.Op == OpLoopExit && i != 0 {
			return errors.New("loop exit %v is not the first node", x)
		}

		for _, a := range n.Args {
			if a == Nil || !f.Alive(a) {
				return errors.New("node %v uses dead input %v", x, a)
			}
		}
	}

	return nil
}
