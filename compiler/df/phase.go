package df

import (
	"context"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/cfg"
	"github.com/slowlang/effects/compiler/ir"
)

// Phase repeatedly runs a Closure based optimization until it stops changing the graph.
type Phase[S State[S]] struct {
	Name string

	// Iterations bounds the number of analyze-apply rounds. Default is 2.
	Iterations int

	Config

	NewClient    func(g *cfg.CFG) Client[S]
	InitialState func(g *cfg.CFG) S
}

const DefaultPhaseIterations = 2

// Apply runs the phase on f. It reports whether anything was changed.
func (p *Phase[S]) Apply(ctx context.Context, f *ir.Func) (changed bool, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "df: phase", "phase", p.Name, "func", f.Name)
	defer tr.Finish("changed", &changed, "err", &err)

	n := p.Iterations
	if n <= 0 {
		n = DefaultPhaseIterations
	}

	for it := 0; it < n; it++ {
		err = cfg.Normalize(f)
		if err != nil {
			return changed, errors.Wrap(err, "normalize")
		}

		g, err := cfg.Build(f)
		if err != nil {
			return changed, errors.Wrap(err, "build cfg")
		}

		c := New(g, p.NewClient(g), p.Config)

		_, err = c.Run(ctx, p.InitialState(g))
		if err != nil {
			return changed, errors.Wrap(err, "iteration %d", it)
		}

		if c.HasEffects() {
			err = c.ApplyEffects(ctx)
			if err != nil {
				return changed, errors.Wrap(err, "iteration %d", it)
			}

			changed = true
		}

		tr.Printw("phase iteration", "iteration", it, "changed", c.Changed(), "effects", c.HasEffects())

		if !c.Changed() {
			break
		}
	}

	err = cfg.Normalize(f)
	if err != nil {
		return changed, errors.Wrap(err, "normalize")
	}

	return changed, nil
}
