package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/bench"
	"github.com/samcharles93/scaledmm/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		problem  problemFlags
		warmup   int64
		runs     int64
		verify   bool
		autotune bool
		format   string
	)

	flags := append([]cli.Flag{}, problem.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &runs,
		},
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "check the output against the reference after the runs",
			Value:       true,
			Destination: &verify,
		},
		&cli.BoolFlag{
			Name:        "autotune",
			Usage:       "measure every candidate configuration and keep the fastest",
			Destination: &autotune,
		},
		formatFlag(&format),
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark the kernel chosen for a problem shape",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyBenchConfig(cmd, LoadConfig(), &warmup, &runs, &problem.seed, &verify, &format)

			opts, err := problem.options(warmup, runs, verify, autotune)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			d, err := newDispatcher(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log.Info("benchmarking", "m", opts.Problem.M, "n", opts.Problem.N, "k", opts.Problem.K, "runs", opts.Runs)
			res, err := bench.NewRunner(d, log).Run(ctx, opts)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: benchmark: %v", err), 1)
			}

			w := cmd.Root().Writer
			if done, err := writeStructured(w, format, res); done || err != nil {
				return err
			}

			dev := d.Device()
			_, _ = fmt.Fprintln(w, "=== scaledmm benchmark ===")
			_, _ = fmt.Fprintf(w, "Device:     %s\n", dev)
			_, _ = fmt.Fprintf(w, "GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			_, _ = fmt.Fprintf(w, "Problem:    %s %dx%dx%d -> %s, %s\n", opts.Problem.Family, opts.Problem.M, opts.Problem.N, opts.Problem.K, opts.Problem.Out, opts.Problem.Epilogue)
			_, _ = fmt.Fprintf(w, "Kernel:     %s\n", res.Kernel)
			_, _ = fmt.Fprintf(w, "Workers:    %d\n", res.Workers)
			_, _ = fmt.Fprintf(w, "Workspace:  %s\n", humanize.IBytes(uint64(res.Workspace)))
			_, _ = fmt.Fprintln(w)

			_, _ = fmt.Fprintf(w, "%-6s %12s %14s\n", "Run", "Duration", "Throughput")
			for i, d := range res.Durations {
				tput := res.Ops / d.Seconds()
				_, _ = fmt.Fprintf(w, "%-6d %12s %14s\n", i+1, d.Round(time.Microsecond), humanize.SIWithDigits(tput, 2, "OP/s"))
			}
			_, _ = fmt.Fprintf(w, "\n%-6s %12s\n%-6s %12s %14s\n", "Mean", res.Mean.Round(time.Microsecond),
				"Best", res.Best.Round(time.Microsecond), humanize.SIWithDigits(res.OpsPerSec, 2, "OP/s"))

			if res.Report != nil {
				_, _ = fmt.Fprintf(w, "\nVerify: %s\n", res.Report)
				if err := res.Report.Err(); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
			}
			return nil
		},
	}
}
