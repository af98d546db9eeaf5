package walk

import (
	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	// Closure is driven by the iterator.
	// States are owned by the callee once passed in.
	Closure[S any] interface {
		ProcessBlock(b *cfg.Block, s S) (S, error)
		Merge(b *cfg.Block, states []S) (S, error)
		CloneState(s S) S
		ProcessLoop(l *cfg.Loop, s S) ([]S, error)
	}

	LoopInfo[S any] struct {
		EndStates  []S // in loop.Ends order
		ExitStates []S // in loop.Exits order
	}

	edge struct {
		from, to ir.BlockID
	}

	walker[S any] struct {
		c        Closure[S]
		boundary *cfg.Loop
		start    *cfg.Block

		queue heap.Heap[*cfg.Block]

		states map[edge]S
		finals map[ir.BlockID]S
		ends   map[ir.BlockID]S
		exits  map[ir.BlockID]S
	}
)

// Apply walks the whole graph from entry in reverse postorder.
// It returns the final states of blocks without successors.
func Apply[S any](c Closure[S], g *cfg.CFG, initial S) (map[ir.BlockID]S, error) {
	w := newWalker(c, nil, g.Entry)

	err := w.run(initial)
	if err != nil {
		return nil, err
	}

	return w.finals, nil
}

// ProcessLoop walks one iteration of the loop body starting at the header.
func ProcessLoop[S any](c Closure[S], l *cfg.Loop, initial S) (info LoopInfo[S], err error) {
	w := newWalker(c, l, l.Header)

	err = w.run(initial)
	if err != nil {
		return info, err
	}

	for _, e := range l.Ends {
		s, ok := w.ends[e.ID]
		if !ok {
			return info, errors.New("%v: no state for loop end %v", l, e)
		}

		info.EndStates = append(info.EndStates, s)
	}

	for _, e := range l.Exits {
		s, ok := w.exits[e.ID]
		if !ok {
			return info, errors.New("%v: no state for loop exit %v", l, e)
		}

		info.ExitStates = append(info.ExitStates, s)
	}

	return info, nil
}

func newWalker[S any](c Closure[S], boundary *cfg.Loop, start *cfg.Block) *walker[S] {
	return &walker[S]{
		c:        c,
		boundary: boundary,
		start:    start,
		queue:    heap.Heap[*cfg.Block]{Less: rpoLess},
		states:   map[edge]S{},
		finals:   map[ir.BlockID]S{},
		ends:     map[ir.BlockID]S{},
		exits:    map[ir.BlockID]S{},
	}
}

func (w *walker[S]) run(st S) (err error) {
	cur := w.start

	for {
		tlog.V("walk").Printw("walk block", "block", cur.ID, "rpo", cur.Index, "boundary", w.boundary, "queued", w.queue.Len())

		if cur != w.start && cur.IsLoopHeader() {
			l := cur.Loop

			exits, err := w.c.ProcessLoop(l, st)
			if err != nil {
				return errors.Wrap(err, "%v", l)
			}

			if len(exits) != len(l.Exits) {
				return errors.New("%v: %d exit states for %d exits", l, len(exits), len(l.Exits))
			}

			for i, e := range l.Exits {
				w.deliver(e.Preds[0], e, exits[i])
			}
		} else {
			st, err = w.c.ProcessBlock(cur, st)
			if err != nil {
				return errors.Wrap(err, "block %v", cur)
			}

			if len(cur.Succs) == 0 {
				w.finals[cur.ID] = st
			}

			last := len(cur.Succs) - 1

			for i, s := range cur.Succs {
				x := st
				if i != last {
					x = w.c.CloneState(st)
				}

				w.deliver(cur, s, x)
			}
		}

		if w.queue.Len() == 0 {
			return nil
		}

		cur = w.queue.Pop()

		st, err = w.take(cur)
		if err != nil {
			return errors.Wrap(err, "block %v", cur)
		}
	}
}

func (w *walker[S]) deliver(from, to *cfg.Block, st S) {
	if l := w.boundary; l != nil {
		if to == l.Header {
			w.ends[from.ID] = st
			return
		}

		if !l.Contains(to) {
			w.exits[to.ID] = st
			return
		}
	}

	w.states[edge{from: from.ID, to: to.ID}] = st

	if to.IsLoopHeader() || len(to.Preds) == 1 {
		w.queue.Push(to)
		return
	}

	for _, p := range to.Preds {
		if _, ok := w.states[edge{from: p.ID, to: to.ID}]; !ok {
			return
		}
	}

	w.queue.Push(to)
}

func (w *walker[S]) take(b *cfg.Block) (st S, err error) {
	if b.IsLoopHeader() || len(b.Preds) == 1 {
		e := edge{from: b.Preds[0].ID, to: b.ID}

		st = w.states[e]
		delete(w.states, e)

		return st, nil
	}

	states := make([]S, len(b.Preds))

	for i, p := range b.Preds {
		e := edge{from: p.ID, to: b.ID}

		states[i] = w.states[e]
		delete(w.states, e)
	}

	return w.c.Merge(b, states)
}

func rpoLess(d []*cfg.Block, i, j int) bool {
	return d[i].Index < d[j].Index
}
