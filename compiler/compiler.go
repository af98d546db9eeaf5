package compiler

import (
	"context"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler/df"
	"github.com/slowlang/effects/compiler/fold"
	"github.com/slowlang/effects/compiler/format"
	"github.com/slowlang/effects/compiler/gossa"
	"github.com/slowlang/effects/compiler/ir"
)

type Options struct {
	// Iterations is the number of analyze-apply rounds per function.
	Iterations int

	df.Config

	// Jobs is the number of functions optimized concurrently.
	// GOMAXPROCS if not set.
	Jobs int
}

var ErrUnsupportedFile = errors.New("unsupported file type")

// LoadFile loads the graph from a .go or .yaml file.
func LoadFile(ctx context.Context, name string) (p *ir.Package, err error) {
	switch filepath.Ext(name) {
	case ".go":
		p, err = gossa.LoadFile(ctx, name)
	case ".yaml", ".yml":
		p, err = format.LoadFile(ctx, name)
	default:
		return nil, errors.Wrap(ErrUnsupportedFile, "%v", name)
	}

	if err != nil {
		return nil, err
	}

	tlog.SpanFromContext(ctx).Printw("file loaded", "name", name, "funcs", len(p.Funcs))

	return p, nil
}

// OptimizeFile loads and optimizes the file.
func OptimizeFile(ctx context.Context, name string, opts Options) (p *ir.Package, err error) {
	p, err = LoadFile(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "load")
	}

	_, err = OptimizePackage(ctx, p, opts)
	if err != nil {
		return nil, errors.Wrap(err, "optimize")
	}

	return p, nil
}

// OptimizePackage optimizes functions concurrently.
// It returns the number of changed functions.
func OptimizePackage(ctx context.Context, p *ir.Package, opts Options) (changed int, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "optimize package", "path", p.Path, "funcs", len(p.Funcs))
	defer tr.Finish("changed", &changed, "err", &err)

	jobs := opts.Jobs
	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}

	res := make([]bool, len(p.Funcs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for i, f := range p.Funcs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			ch, err := fold.Apply(ctx, f, opts.Iterations, opts.Config)
			if err != nil {
				return errors.Wrap(err, "func %v", f.Name)
			}

			res[i] = ch

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return 0, err
	}

	for _, ch := range res {
		if ch {
			changed++
		}
	}

	return changed, nil
}
