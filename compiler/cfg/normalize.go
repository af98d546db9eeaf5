package cfg

import (
	"slices"

	"tlog.app/go/errors"

	"github.com/slowlang/effects/compiler/ir"
	"github.com/slowlang/effects/compiler/set"
)

// Normalize rewrites the graph into the shape Build expects.
// Unreachable blocks are removed, every loop gets a single entering edge
// coming first, and every edge leaving a loop passes through a loop exit
// block per loop level it leaves. Critical edges are split so that
// every branch successor has the branch as its only predecessor.
func Normalize(f *ir.Func) (err error) {
	f.RemoveUnreachable()

	a, err := analyze(f)
	if err != nil {
		return errors.Wrap(err, "analyze")
	}

	headers, bodies, err := a.naturalLoops()
	if err != nil {
		return errors.Wrap(err, "loops")
	}

	for _, h := range headers {
		err = preheader(f, h, bodies[h])
		if err != nil {
			return errors.Wrap(err, "preheader %v", h)
		}
	}

	a, err = analyze(f)
	if err != nil {
		return errors.Wrap(err, "analyze")
	}

	headers, bodies, err = a.naturalLoops()
	if err != nil {
		return errors.Wrap(err, "loops")
	}

	for _, b := range f.LiveBlocks() {
		x := f.LoopExit(b)
		if x == ir.Nil {
			continue
		}

		h := ir.BlockID(f.Exprs[x].Imm)
		body := bodies[h]

		if body != nil && len(f.Blocks[b].Preds) == 1 && body.IsSet(f.Blocks[b].Preds[0]) && !body.IsSet(b) {
			continue
		}

		err = stripLoopExit(f, x)
		if err != nil {
			return errors.Wrap(err, "block %v", b)
		}
	}

	for _, b := range f.LiveBlocks() {
		for j := 0; j < len(f.Blocks[b].Succs); j++ {
			s := f.Blocks[b].Succs[j]

			var left []ir.BlockID

			for _, h := range headers {
				if body := bodies[h]; body.IsSet(b) && !body.IsSet(s) {
					left = append(left, h)
				}
			}

			if len(left) == 0 {
				continue
			}

			// innermost first
			slices.Reverse(left)

			if len(left) == 1 && len(f.Blocks[s].Preds) == 1 {
				if x := f.LoopExit(s); x != ir.Nil && ir.BlockID(f.Exprs[x].Imm) == left[0] {
					continue
				}
			}

			if x := f.LoopExit(s); x != ir.Nil {
				err = stripLoopExit(f, x)
				if err != nil {
					return errors.Wrap(err, "block %v", s)
				}
			}

			splitExit(f, b, j, left)
		}
	}

	for _, b := range f.LiveBlocks() {
		if len(f.Blocks[b].Succs) < 2 {
			continue
		}

		for j, s := range f.Blocks[b].Succs {
			if len(f.Blocks[s].Preds) < 2 {
				continue
			}

			name := f.Blocks[b].Name + "." + f.Blocks[s].Name
			if body := bodies[s]; body != nil && !body.IsSet(b) {
				name = f.Blocks[s].Name + ".preheader"
			}

			splitEdge(f, b, j, name)
		}
	}

	return nil
}

func preheader(f *ir.Func, h ir.BlockID, body *set.Bits[ir.BlockID]) error {
	preds := f.Blocks[h].Preds

	var enter, back []int

	for i, p := range preds {
		if body.IsSet(p) {
			back = append(back, i)
		} else {
			enter = append(enter, i)
		}
	}

	if len(enter) == 0 {
		return errors.New("loop without entry")
	}

	if len(enter) == 1 && enter[0] == 0 {
		return nil
	}

	order := append(slices.Clone(enter), back...)

	if len(enter) == 1 {
		reorderPreds(f, h, order)
		return nil
	}

	ph := f.NewBlock(f.Blocks[h].Name + ".preheader")

	for _, phi := range f.Phis(h) {
		args := make([]ir.Expr, len(enter))

		for k, i := range enter {
			args[k] = f.Exprs[phi].Args[i]
		}

		x := f.NewNode(ir.OpPhi, ph, 0, args...)

		err := f.Attach(x)
		if err != nil {
			return errors.Wrap(err, "preheader phi")
		}

		f.SetArg(phi, enter[0], x)
	}

	for _, i := range enter {
		p := preds[i]

		f.Blocks[ph].Preds = append(f.Blocks[ph].Preds, p)

		succs := f.Blocks[p].Succs
		succs[slices.Index(succs, h)] = ph
	}

	f.Add(ph, ir.OpJump, 0)
	f.Blocks[ph].Succs = []ir.BlockID{h}

	// enter[0] slot now comes from the preheader, the others go away
	preds[enter[0]] = ph

	keep := append([]int{enter[0]}, back...)
	reorderPreds(f, h, keep)

	return nil
}

// reorderPreds keeps only the predecessors listed in order, permuting phi inputs the same way.
func reorderPreds(f *ir.Func, b ir.BlockID, order []int) {
	bl := &f.Blocks[b]

	preds := make([]ir.BlockID, len(order))

	for k, i := range order {
		preds[k] = bl.Preds[i]
	}

	for _, phi := range f.Phis(b) {
		old := slices.Clone(f.Exprs[phi].Args)
		args := make([]ir.Expr, len(order))

		for k, i := range order {
			args[k] = old[i]
		}

		for i := range old {
			if !slices.Contains(order, i) {
				f.SetArg(phi, i, ir.Nil)
			}
		}

		f.Exprs[phi].Args = args
	}

	bl.Preds = preds
}

// splitExit inserts a chain of loop exit blocks on j-th outgoing edge of b.
func splitExit(f *ir.Func, b ir.BlockID, j int, headers []ir.BlockID) {
	s := f.Blocks[b].Succs[j]
	i := f.PredIndex(s, b)

	prev := b

	for _, h := range headers {
		e := f.NewBlock(f.Blocks[h].Name + ".exit")

		f.Add(e, ir.OpLoopExit, int64(h))
		f.Add(e, ir.OpJump, 0)

		if prev == b {
			f.Blocks[b].Succs[j] = e
		} else {
			f.Blocks[prev].Succs = []ir.BlockID{e}
		}

		f.Blocks[e].Preds = []ir.BlockID{prev}
		prev = e
	}

	f.Blocks[prev].Succs = []ir.BlockID{s}
	f.Blocks[s].Preds[i] = prev
}

// splitEdge inserts an empty block on j-th outgoing edge of b.
// Repeated edges to the same block are matched to predecessor slots in order.
func splitEdge(f *ir.Func, b ir.BlockID, j int, name string) {
	s := f.Blocks[b].Succs[j]
	i := f.PredIndex(s, b)

	e := f.NewBlock(name)
	f.Add(e, ir.OpJump, 0)

	f.Blocks[b].Succs[j] = e
	f.Blocks[e].Preds = []ir.BlockID{b}
	f.Blocks[e].Succs = []ir.BlockID{s}
	f.Blocks[s].Preds[i] = e
}

func stripLoopExit(f *ir.Func, x ir.Expr) error {
	for _, p := range f.Proxies(x) {
		f.ReplaceAtUsages(p, f.Exprs[p].Args[0])

		err := f.Kill(p)
		if err != nil {
			return errors.Wrap(err, "proxy %v", p)
		}
	}

	return f.Kill(x)
}
