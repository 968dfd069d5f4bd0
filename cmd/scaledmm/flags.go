package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/bench"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/reference"
)

var (
	logLevel  string
	logFormat string
	debug     bool
	arch      string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "architecture reported by the host device (e.g. sm_90); overrides SCALEDMM_ARCH",
			Destination: &arch,
		},
	}
}

// problemFlags describes a generated problem.
type problemFlags struct {
	family       string
	out          string
	epilogue     string
	m, n, k      int64
	seed         int64
	scalarScales bool
	config       string
}

func (p *problemFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "family",
			Aliases:     []string{"f"},
			Usage:       "operand family (f16, bf16, fp8, int8)",
			Value:       "int8",
			Destination: &p.family,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output type (f16, bf16, f32)",
			Value:       "bf16",
			Destination: &p.out,
		},
		&cli.StringFlag{
			Name:        "epilogue",
			Aliases:     []string{"e"},
			Usage:       "epilogue (scale, scale_bias, scale_bias_azp, scale_bias_azp_token)",
			Value:       "scale",
			Destination: &p.epilogue,
		},
		&cli.Int64Flag{Name: "m", Usage: "rows of A and D", Value: 128, Destination: &p.m},
		&cli.Int64Flag{Name: "n", Usage: "columns of B and D", Value: 128, Destination: &p.n},
		&cli.Int64Flag{Name: "k", Usage: "reduction length (multiple of 4)", Value: 256, Destination: &p.k},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for operands",
			Value:       42,
			Destination: &p.seed,
		},
		&cli.BoolFlag{
			Name:        "scalar-scales",
			Usage:       "use one scale per operand instead of per-row and per-column scales",
			Destination: &p.scalarScales,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "use the named table configuration instead of the selector",
			Destination: &p.config,
		},
	}
}

func (p *problemFlags) spec() (reference.Spec, error) {
	family, err := dtype.ParseFamily(p.family)
	if err != nil {
		return reference.Spec{}, err
	}
	out, err := dtype.Parse(p.out)
	if err != nil {
		return reference.Spec{}, err
	}
	kind, err := epilogue.ParseKind(p.epilogue)
	if err != nil {
		return reference.Spec{}, err
	}
	return reference.Spec{
		Family:       family,
		Out:          out,
		Epilogue:     kind,
		M:            int(p.m),
		N:            int(p.n),
		K:            int(p.k),
		Seed:         p.seed,
		ScalarScales: p.scalarScales,
	}, nil
}

func (p *problemFlags) options(warmup, runs int64, verify, autotune bool) (bench.Options, error) {
	spec, err := p.spec()
	if err != nil {
		return bench.Options{}, err
	}
	return bench.Options{
		Problem:  spec,
		Warmup:   int(warmup),
		Runs:     int(runs),
		Verify:   verify,
		Config:   p.config,
		Autotune: autotune,
	}, nil
}

func formatFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "format",
		Usage:       "output format (text, json, yaml)",
		Value:       "text",
		Destination: dst,
	}
}
