package main

import (
	"context"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/slowlang/effects/compiler"
	"github.com/slowlang/effects/compiler/df"
	"github.com/slowlang/effects/compiler/format"
)

func main() {
	dumpCmd := &cli.Command{
		Name:        "dump",
		Description: "load files and print the graph",
		Action:      dumpAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics filter"),
		},
	}

	runCmd := &cli.Command{
		Name:        "run",
		Description: "optimize files and print the result",
		Action:      runAct,
		Args:        cli.Args{},
		Flags: []*cli.Flag{
			cli.NewFlag("iterations", 2, "analyze-apply rounds per function"),
			cli.NewFlag("loop-iterations", df.DefaultLoopIterations, "loop fixpoint rounds limit"),
			cli.NewFlag("check", false, "verify the graph after each phase"),
			cli.NewFlag("jobs,j", 0, "functions optimized concurrently"),
			cli.NewFlag("verbosity,v", "", "tlog verbosity topics filter"),
		},
	}

	app := &cli.Command{
		Name:        "effects",
		Description: "effects is a dataflow optimizer for go and yaml described programs",
		Commands: []*cli.Command{
			dumpCmd,
			runCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	tlog.SetVerbosity(c.String("verbosity"))

	for _, a := range c.Args {
		p, err := compiler.LoadFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "load %v", a)
		}

		err = printGraph(ctx, p)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}
	}

	return nil
}

func runAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	tlog.SetVerbosity(c.String("verbosity"))

	opts := compiler.Options{
		Iterations: c.Int("iterations"),
		Config: df.Config{
			MaxLoopIterations: c.Int("loop-iterations"),
			Check:             c.Bool("check"),
		},
		Jobs: c.Int("jobs"),
	}

	for _, a := range c.Args {
		p, err := compiler.OptimizeFile(ctx, a, opts)
		if err != nil {
			return errors.Wrap(err, "optimize %v", a)
		}

		err = printGraph(ctx, p)
		if err != nil {
			return errors.Wrap(err, "%v", a)
		}
	}

	return nil
}

func printGraph(ctx context.Context, x any) error {
	b, err := format.Format(ctx, nil, x)
	if err != nil {
		return errors.Wrap(err, "format")
	}

	_, err = os.Stdout.Write(b)

	return err
}
