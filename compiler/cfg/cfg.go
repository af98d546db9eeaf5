package cfg

import (
	"fmt"
	"slices"

	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"

	"github.com/slowlang/effects/compiler/ir"
	"github.com/slowlang/effects/compiler/set"
)

type (
	Block struct {
		ID    ir.BlockID
		Index int // reverse postorder position

		Preds []*Block
		Succs []*Block

		Idom *Block
		Loop *Loop // innermost

		domDepth int
	}

	Loop struct {
		Index  int
		Header *Block

		Blocks []*Block // reverse postorder, header first
		Ends   []*Block // back edge sources in header predecessor order
		Exits  []*Block // reverse postorder

		Parent   *Loop
		Children []*Loop
		Depth    int

		body set.Bits[int]
	}

	CFG struct {
		Func *ir.Func

		Entry  *Block
		Blocks []*Block
		Loops  []*Loop

		byID []*Block
	}

	// analysis is the raw order and dominance information
	// shared by Build and Normalize.
	analysis struct {
		f *ir.Func

		rpo   []ir.BlockID
		index []int // block id -> rpo index, -1 if unreachable
		idom  []int // rpo index -> idom rpo index
	}
)

var (
	ErrIrreducible  = errors.New("irreducible control flow")
	ErrCriticalEdge = errors.New("critical edge")
)

// Build creates CFG view of the graph.
// The graph must be verified and normalized.
func Build(f *ir.Func) (g *CFG, err error) {
	err = f.Verify()
	if err != nil {
		return nil, errors.Wrap(err, "verify")
	}

	a, err := analyze(f)
	if err != nil {
		return nil, err
	}

	for _, b := range f.LiveBlocks() {
		if a.index[b] < 0 {
			return nil, errors.New("block %v is unreachable", b)
		}
	}

	g = &CFG{
		Func: f,
		byID: make([]*Block, len(f.Blocks)),
	}

	g.Blocks = make([]*Block, len(a.rpo))

	for i, id := range a.rpo {
		b := &Block{ID: id, Index: i}

		g.Blocks[i] = b
		g.byID[id] = b
	}

	g.Entry = g.Blocks[0]

	for i, b := range g.Blocks {
		bl := &f.Blocks[b.ID]

		for _, p := range bl.Preds {
			b.Preds = append(b.Preds, g.byID[p])
		}

		for _, s := range bl.Succs {
			b.Succs = append(b.Succs, g.byID[s])
		}

		if i != 0 {
			b.Idom = g.Blocks[a.idom[i]]
			b.domDepth = b.Idom.domDepth + 1
		}
	}

	err = g.buildLoops(a)
	if err != nil {
		return nil, errors.Wrap(err, "loops")
	}

	for _, b := range g.Blocks {
		if len(b.Succs) < 2 {
			continue
		}

		for _, s := range b.Succs {
			if len(s.Preds) > 1 {
				return nil, errors.Wrap(ErrCriticalEdge, "%v -> %v", b, s)
			}
		}
	}

	return g, nil
}

func (g *CFG) Block(id ir.BlockID) *Block {
	if id < 0 || int(id) >= len(g.byID) {
		return nil
	}

	return g.byID[id]
}

func (g *CFG) buildLoops(a *analysis) error {
	f := g.Func

	for _, h := range g.Blocks {
		latch := false

		for _, p := range h.Preds {
			if h.Dominates(p) {
				latch = true
			} else if p.Index >= h.Index {
				return errors.Wrap(ErrIrreducible, "edge %v -> %v", p.ID, h.ID)
			}
		}

		if !latch {
			continue
		}

		l := &Loop{
			Index:  len(g.Loops),
			Header: h,
		}

		for i, p := range h.Preds {
			back := h.Dominates(p)

			if i == 0 && back {
				return errors.New("loop %v: first predecessor %v is a back edge", h.ID, p.ID)
			}

			if i != 0 && !back {
				return errors.New("loop %v: several entering edges (%v)", h.ID, p.ID)
			}

			if i != 0 {
				l.Ends = append(l.Ends, p)
			}
		}

		g.Loops = append(g.Loops, l)
	}

	for _, l := range g.Loops {
		err := g.loopBody(l)
		if err != nil {
			return errors.Wrap(err, "loop %v", l.Header.ID)
		}
	}

	for _, l := range g.Loops {
		for _, o := range g.Loops {
			if o == l || !o.Contains(l.Header) {
				continue
			}

			if l.Parent == nil || len(o.Blocks) < len(l.Parent.Blocks) {
				l.Parent = o
			}
		}
	}

	// headers are in rpo so parents come first
	for _, l := range g.Loops {
		if l.Parent != nil {
			l.Depth = l.Parent.Depth + 1
			l.Parent.Children = append(l.Parent.Children, l)
		}
	}

	byDepth := slices.Clone(g.Loops)
	slices.SortStableFunc(byDepth, func(x, y *Loop) int { return x.Depth - y.Depth })

	for _, l := range byDepth {
		for _, b := range l.Blocks {
			b.Loop = l
		}
	}

	for _, l := range g.Loops {
		for _, e := range l.Exits {
			x := f.LoopExit(e.ID)

			if x == ir.Nil || ir.BlockID(f.Exprs[x].Imm) != l.Header.ID {
				return errors.New("loop %v: exit block %v doesn't begin with its loop exit", l.Header.ID, e.ID)
			}

			if len(e.Preds) != 1 {
				return errors.New("loop %v: exit block %v has %d predecessors", l.Header.ID, e.ID, len(e.Preds))
			}
		}
	}

	return nil
}

// loopBody collects blocks dominated by the header and reachable from it
// without passing one of the loop's exit blocks.
func (g *CFG) loopBody(l *Loop) error {
	f := g.Func
	h := l.Header

	l.body.Set(h.Index)
	q := []*Block{h}

	var exits set.Bits[int]

	for len(q) != 0 {
		b := q[len(q)-1]
		q = q[:len(q)-1]

		for _, s := range b.Succs {
			if l.body.IsSet(s.Index) || exits.IsSet(s.Index) {
				continue
			}

			if x := f.LoopExit(s.ID); x != ir.Nil && ir.BlockID(f.Exprs[x].Imm) == h.ID {
				exits.Set(s.Index)
				continue
			}

			if !h.Dominates(s) {
				return errors.New("edge %v -> %v leaves the loop without loop exit", b.ID, s.ID)
			}

			l.body.Set(s.Index)
			q = append(q, s)
		}
	}

	for _, e := range l.Ends {
		if !l.body.IsSet(e.Index) {
			return errors.New("loop end %v is behind a loop exit", e.ID)
		}
	}

	l.body.Range(func(i int) bool {
		l.Blocks = append(l.Blocks, g.Blocks[i])
		return true
	})

	exits.Range(func(i int) bool {
		l.Exits = append(l.Exits, g.Blocks[i])
		return true
	})

	return nil
}

func (b *Block) String() string { return fmt.Sprintf("%v", b.ID) }

func (b *Block) IsLoopHeader() bool { return b.Loop != nil && b.Loop.Header == b }

// Dominates reports whether b dominates x.
func (b *Block) Dominates(x *Block) bool {
	for x != nil && x.domDepth > b.domDepth {
		x = x.Idom
	}

	return x == b
}

func (l *Loop) Contains(b *Block) bool { return b != nil && l.body.IsSet(b.Index) }

func (l *Loop) String() string {
	if l == nil {
		return "none"
	}

	return fmt.Sprintf("loop@%v", l.Header.ID)
}

func (b *Block) TlogAppend(buf []byte) []byte {
	var e tlwire.Encoder

	if b == nil {
		return e.AppendNil(buf)
	}

	return e.AppendFormat(buf, "%v", b.ID)
}

func (l *Loop) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	if l == nil {
		return e.AppendNil(b)
	}

	return e.AppendFormat(b, "%v", l)
}

func analyze(f *ir.Func) (*analysis, error) {
	a := &analysis{
		f:     f,
		index: make([]int, len(f.Blocks)),
	}

	for i := range a.index {
		a.index[i] = -1
	}

	type frame struct {
		b    ir.BlockID
		next int
	}

	var post []ir.BlockID

	visited := set.MakeBits[ir.BlockID](len(f.Blocks))
	visited.Set(f.Entry)
	stack := []frame{{b: f.Entry}}

	for len(stack) != 0 {
		top := &stack[len(stack)-1]
		succs := f.Blocks[top.b].Succs

		if top.next == len(succs) {
			post = append(post, top.b)
			stack = stack[:len(stack)-1]

			continue
		}

		s := succs[top.next]
		top.next++

		if visited.IsSet(s) {
			continue
		}

		visited.Set(s)
		stack = append(stack, frame{b: s})
	}

	for i := len(post) - 1; i >= 0; i-- {
		a.index[post[i]] = len(a.rpo)
		a.rpo = append(a.rpo, post[i])
	}

	a.idom = make([]int, len(a.rpo))

	for i := range a.idom {
		a.idom[i] = -1
	}

	a.idom[0] = 0

	for changed := true; changed; {
		changed = false

		for i := 1; i < len(a.rpo); i++ {
			nd := -1

			for _, p := range f.Blocks[a.rpo[i]].Preds {
				pi := a.index[p]
				if pi < 0 || a.idom[pi] < 0 {
					continue
				}

				if nd < 0 {
					nd = pi
				} else {
					nd = a.intersect(pi, nd)
				}
			}

			if nd != a.idom[i] {
				a.idom[i] = nd
				changed = true
			}
		}
	}

	return a, nil
}

func (a *analysis) intersect(x, y int) int {
	for x != y {
		for x > y {
			x = a.idom[x]
		}

		for y > x {
			y = a.idom[y]
		}
	}

	return x
}

func (a *analysis) dominates(x, y ir.BlockID) bool {
	xi, yi := a.index[x], a.index[y]
	if xi < 0 || yi < 0 {
		return false
	}

	for yi > xi {
		yi = a.idom[yi]
	}

	return xi == yi
}

// naturalLoops returns loop bodies keyed by header built from back edges.
func (a *analysis) naturalLoops() (headers []ir.BlockID, bodies map[ir.BlockID]*set.Bits[ir.BlockID], err error) {
	f := a.f
	bodies = map[ir.BlockID]*set.Bits[ir.BlockID]{}

	for _, h := range a.rpo {
		var latches []ir.BlockID

		for _, p := range f.Blocks[h].Preds {
			if a.index[p] < 0 {
				continue
			}

			if a.dominates(h, p) {
				latches = append(latches, p)
			} else if a.index[p] >= a.index[h] {
				return nil, nil, errors.Wrap(ErrIrreducible, "edge %v -> %v", p, h)
			}
		}

		if len(latches) == 0 {
			continue
		}

		body := set.NewBits[ir.BlockID](len(f.Blocks))
		body.Set(h)

		q := latches

		for len(q) != 0 {
			b := q[len(q)-1]
			q = q[:len(q)-1]

			if body.IsSet(b) {
				continue
			}

			body.Set(b)

			for _, p := range f.Blocks[b].Preds {
				if a.index[p] >= 0 && !body.IsSet(p) {
					q = append(q, p)
				}
			}
		}

		headers = append(headers, h)
		bodies[h] = body
	}

	return headers, bodies, nil
}
