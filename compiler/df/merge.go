package df

import (
	"fmt"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/effect"
	"github.com/slowlang/effects/compiler/ir"
)

// MergeProcessor holds one merge point reconciliation.
// Merge input slot i is the i-th live state handed to the Merger,
// StateIndex maps it back to the block predecessor index.
type MergeProcessor[S State[S]] struct {
	Block *cfg.Block

	// MergeEffects change the merge point structure.
	MergeEffects effect.List
	// AfterMergeEffects wire values into the merge point.
	AfterMergeEffects effect.List

	NewState S

	c            *Closure[S]
	merger       Merger[S]
	stateIndexes []int
}

func (c *Closure[S]) newMergeProcessor(b *cfg.Block) *MergeProcessor[S] {
	m := &MergeProcessor[S]{
		Block: b,
		c:     c,
	}

	m.merger = c.client.NewMerger(c, b)

	return m
}

func (m *MergeProcessor[S]) Closure() *Closure[S] { return m.c }

func (m *MergeProcessor[S]) Func() *ir.Func { return m.c.f }

// Predecessor returns the block the i-th merged state comes from.
func (m *MergeProcessor[S]) Predecessor(i int) *cfg.Block {
	return m.Block.Preds[m.stateIndexes[i]]
}

func (m *MergeProcessor[S]) StateIndex(i int) int {
	return m.stateIndexes[i]
}

func (m *MergeProcessor[S]) Phis() []ir.Expr {
	return m.c.f.Phis(m.Block.ID)
}

// PhiValueAt returns phi input corresponding to the i-th merged state.
func (m *MergeProcessor[S]) PhiValueAt(phi ir.Expr, i int) ir.Expr {
	return m.c.f.Exprs[phi].Args[m.stateIndexes[i]]
}

// NewPhi allocates a detached phi at the merge point.
// Its inputs are set with SetPhiInput and it's scheduled by an AddFloatingNode effect.
func (m *MergeProcessor[S]) NewPhi() ir.Expr {
	args := make([]ir.Expr, len(m.Block.Preds))

	for i := range args {
		args[i] = ir.Nil
	}

	return m.c.f.NewNode(ir.OpPhi, m.Block.ID, 0, args...)
}

// SetPhiInput schedules wiring the value into the phi slot of the i-th merged state.
func (m *MergeProcessor[S]) SetPhiInput(phi ir.Expr, i int, v ir.Expr) {
	m.AfterMergeEffects.InitializePhiInput(phi, m.stateIndexes[i], v)
}

func (m *MergeProcessor[S]) String() string {
	return fmt.Sprintf("merge@%v", m.Block.ID)
}

func (m *MergeProcessor[S]) setNewState(st S) {
	m.NewState = st
	m.MergeEffects.Clear()
	m.AfterMergeEffects.Clear()
}

// mergeWithoutDead merges only live states.
// If none is alive the first state is adopted.
func (c *Closure[S]) mergeWithoutDead(m *MergeProcessor[S], states []S) {
	alive := 0

	for _, st := range states {
		if !st.Dead() {
			alive++
		}
	}

	if alive == 0 {
		m.stateIndexes = nil
		m.setNewState(states[0])

		return
	}

	live := states
	idx := make([]int, 0, alive)

	if alive == len(states) {
		for i := range states {
			idx = append(idx, i)
		}
	} else {
		live = make([]S, 0, alive)

		for i, st := range states {
			if st.Dead() {
				continue
			}

			idx = append(idx, i)
			live = append(live, st)
		}
	}

	m.stateIndexes = idx

	var zero S
	m.setNewState(zero)

	m.NewState = m.merger.Merge(m, live)

	c.tr.V("df_merge").Printw("merged", "block", m.Block.ID, "states", len(states), "alive", alive, "indexes", idx)
}
