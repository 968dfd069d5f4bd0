package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/bench"
	"github.com/samcharles93/scaledmm/internal/logger"
)

func runCmd() *cli.Command {
	var (
		problem problemFlags
		format  string
	)
	return &cli.Command{
		Name:  "run",
		Usage: "Run one generated problem and verify it against the reference",
		Flags: append(problem.flags(), formatFlag(&format)),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			if cfg.Seed != nil && !cmd.IsSet("seed") {
				problem.seed = *cfg.Seed
			}
			if cfg.Format != "" && !cmd.IsSet("format") {
				format = cfg.Format
			}

			opts, err := problem.options(0, 1, true, false)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			d, err := newDispatcher(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Debug("running problem", "family", opts.Problem.Family.String(), "m", opts.Problem.M, "n", opts.Problem.N, "k", opts.Problem.K)

			res, err := bench.NewRunner(d, log).Run(ctx, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			w := cmd.Root().Writer
			done, err := writeStructured(w, format, res)
			if err != nil {
				return err
			}
			if !done {
				_, _ = fmt.Fprintln(w, res.Summary())
			}
			if err := res.Report.Err(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 2)
			}
			return nil
		},
	}
}
