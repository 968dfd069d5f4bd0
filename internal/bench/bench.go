// Package bench runs generated problems through the dispatcher, times them
// and checks the output against the naive reference.
package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/dispatch"
	"github.com/samcharles93/scaledmm/internal/logger"
	"github.com/samcharles93/scaledmm/internal/reference"
	"github.com/samcharles93/scaledmm/internal/stream"
)

// Options controls one benchmark.
type Options struct {
	Problem reference.Spec `json:"problem" yaml:"problem"`
	Warmup  int            `json:"warmup" yaml:"warmup"`
	Runs    int            `json:"runs" yaml:"runs"`
	Verify  bool           `json:"verify" yaml:"verify"`
	// Config names a table configuration to use instead of the selector.
	Config string `json:"config,omitempty" yaml:"config,omitempty"`
	// Autotune measures every candidate configuration first.
	Autotune bool `json:"autotune" yaml:"autotune"`
}

// Result is the outcome of a benchmark.
type Result struct {
	Problem   reference.Spec    `json:"problem"`
	Kernel    string            `json:"kernel"`
	Config    string            `json:"config"`
	Workers   int               `json:"workers"`
	Workspace int               `json:"workspace_bytes"`
	Durations []time.Duration   `json:"durations_ns"`
	Mean      time.Duration     `json:"mean_ns"`
	Best      time.Duration     `json:"best_ns"`
	Ops       float64           `json:"ops"`
	OpsPerSec float64           `json:"ops_per_sec"`
	Report    *reference.Report `json:"report,omitempty"`
}

// Summary is a one-line human readable form.
func (r *Result) Summary() string {
	s := fmt.Sprintf("%s: %dx%dx%d best %s mean %s, %s, workspace %s",
		r.Kernel, r.Problem.M, r.Problem.N, r.Problem.K,
		r.Best.Round(time.Microsecond), r.Mean.Round(time.Microsecond),
		humanize.SIWithDigits(r.OpsPerSec, 2, "OP/s"),
		humanize.IBytes(uint64(r.Workspace)))
	if r.Report != nil {
		s += ", " + r.Report.String()
	}
	return s
}

// Runner owns the dispatcher and the autotuning cache.
type Runner struct {
	d     *dispatch.Dispatcher
	tuner *config.Autotuner
	log   logger.Logger
}

func NewRunner(d *dispatch.Dispatcher, log logger.Logger) *Runner {
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{d: d, tuner: config.NewAutotuner(), log: log}
}

// Tuner exposes the autotuning cache.
func (r *Runner) Tuner() *config.Autotuner { return r.tuner }

// Run generates opts.Problem and benchmarks it.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Runs <= 0 {
		opts.Runs = 1
	}
	p, err := reference.Generate(opts.Problem)
	if err != nil {
		return nil, err
	}
	req := Request(p)

	s := stream.New("bench", r.log)
	defer func() { _ = s.Close() }()

	switch {
	case opts.Autotune:
		key := config.Key{Family: opts.Problem.Family, M: opts.Problem.M, N: opts.Problem.N, K: opts.Problem.K}
		cfg, err := r.tuner.GetConfig(key, func(cfg config.Config) (float64, error) {
			req := req
			req.Config = &cfg
			// A failing candidate faults its own stream, not the timed one.
			cs := stream.New("autotune/"+cfg.Name, r.log)
			defer func() { _ = cs.Close() }()
			d, err := r.once(ctx, cs, req)
			if err != nil {
				return 0, err
			}
			return 1 / max(d, time.Nanosecond).Seconds(), nil
		})
		if err != nil {
			return nil, err
		}
		r.log.Info("autotuned configuration", "config", cfg.Name, "m", key.M, "n", key.N, "k", key.K)
		req.Config = &cfg
	case opts.Config != "":
		cfg, err := config.ByName(opts.Problem.Family, opts.Config)
		if err != nil {
			return nil, err
		}
		req.Config = &cfg
	}

	plan, err := r.d.Plan(req)
	if err != nil {
		return nil, err
	}
	for i := 0; i < opts.Warmup; i++ {
		if _, err := r.once(ctx, s, req); err != nil {
			return nil, errors.Wrapf(err, "warmup run %d", i+1)
		}
	}

	res := &Result{
		Problem:   opts.Problem,
		Kernel:    plan.Kernel.Name(),
		Config:    plan.Config.Name,
		Workers:   plan.Workers,
		Workspace: plan.Workspace,
		Ops:       2 * float64(plan.M) * float64(plan.N) * float64(plan.K),
	}
	var total time.Duration
	for i := 0; i < opts.Runs; i++ {
		d, err := r.once(ctx, s, req)
		if err != nil {
			return nil, errors.Wrapf(err, "run %d", i+1)
		}
		res.Durations = append(res.Durations, d)
		total += d
		if res.Best == 0 || d < res.Best {
			res.Best = d
		}
	}
	res.Mean = total / time.Duration(len(res.Durations))
	if res.Best > 0 {
		res.OpsPerSec = res.Ops / res.Best.Seconds()
	}

	if opts.Verify {
		report, err := p.Verify()
		if err != nil {
			return nil, err
		}
		res.Report = &report
		if !report.OK() {
			r.log.Warn("verification failed", "kernel", res.Kernel, "mismatches", report.Mismatches, "max_abs", report.MaxAbs)
		}
	}
	r.log.Debug("benchmark complete", "kernel", res.Kernel, "best", res.Best, "mean", res.Mean)
	return res, nil
}

// once enqueues one call and waits for it.
func (r *Runner) once(ctx context.Context, s *stream.Stream, req dispatch.Request) (time.Duration, error) {
	start := time.Now()
	if err := r.d.ScaledSparseMM(ctx, s, req); err != nil {
		return 0, err
	}
	if err := s.Synchronize(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Request builds the dispatcher request of a generated problem.
func Request(p *reference.Problem) dispatch.Request {
	return dispatch.Request{
		A:      p.A,
		B:      p.B,
		D:      p.D,
		ScaleA: p.Inputs.ScaleA,
		ScaleB: p.Inputs.ScaleB,
		Bias:   p.Inputs.Bias,
		AZPAdj: p.Inputs.AZPAdj,
		AZP:    p.Inputs.AZP,
	}
}
