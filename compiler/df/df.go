package df

import (
	"tlog.app/go/errors"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/effect"
	"github.com/slowlang/effects/compiler/ir"
)

type (
	// State is the abstract block state of one control flow path.
	// Dead state transfer must be a no-op.
	State[S any] interface {
		Dead() bool
		MarkDead()
		Clone() S
		Equivalent(S) bool
	}

	// Client is the optimization built on top of the Closure.
	Client[S State[S]] interface {
		// ProcessNode records the effects of the node transfer.
		// It returns true if the effects change the node.
		ProcessNode(c *Closure[S], x ir.Expr, st S, effects *effect.List, last ir.Expr) bool

		// ProcessLoopExit reconciles the state leaving the loop with the state the loop was entered with.
		ProcessLoopExit(c *Closure[S], exit ir.Expr, entry, st S, effects *effect.List)

		// ProcessInitialLoopState seeds loop-carried facts before the first iteration.
		ProcessInitialLoopState(c *Closure[S], l *cfg.Loop, st S)

		NewMerger(c *Closure[S], b *cfg.Block) Merger[S]
	}

	// Merger reconciles live predecessor states at a merge point.
	Merger[S State[S]] interface {
		// Merge returns the merged state. Input states must not be modified.
		Merge(m *MergeProcessor[S], states []S) S

		// CommitEnds is called once the merge result is accepted.
		// states include dead ones.
		CommitEnds(m *MergeProcessor[S], states []S)
	}

	Config struct {
		// MaxLoopIterations bounds loop fixpoint rounds.
		MaxLoopIterations int

		// Check enables internal consistency assertions.
		Check bool
	}
)

const DefaultLoopIterations = 10

var ErrTooManyIterations = errors.New("too many iterations")

func (c Config) loopIterations() int {
	if c.MaxLoopIterations <= 0 {
		return DefaultLoopIterations
	}

	return c.MaxLoopIterations
}

// significant reports whether changing the node is worth another phase iteration.
func significant(op ir.Op) bool {
	switch op {
	case ir.OpConst, ir.OpBool, ir.OpVirtual:
		return false
	}

	return true
}
