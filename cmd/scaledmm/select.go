package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/dtype"
)

type selectResult struct {
	Family string   `json:"family" yaml:"family"`
	M      int      `json:"m,omitempty" yaml:"m,omitempty"`
	N      int      `json:"n,omitempty" yaml:"n,omitempty"`
	Config []cfgRow `json:"configs" yaml:"configs"`
}

type cfgRow struct {
	Name      string `json:"name" yaml:"name"`
	Tile      string `json:"tile" yaml:"tile"`
	Cluster   string `json:"cluster" yaml:"cluster"`
	Stages    int    `json:"stages" yaml:"stages"`
	Mainloop  string `json:"mainloop" yaml:"mainloop"`
	Scheduler string `json:"scheduler" yaml:"scheduler"`
	Stage     int    `json:"stage_bytes" yaml:"stage_bytes"`
}

func rowOf(f dtype.Family, c config.Config) cfgRow {
	return cfgRow{
		Name:      c.Name,
		Tile:      c.Tile.String(),
		Cluster:   c.Cluster.String(),
		Stages:    c.Stages,
		Mainloop:  c.Mainloop.String(),
		Scheduler: c.Scheduler.String(),
		Stage:     config.StageBytes(f, c.Tile),
	}
}

func selectCmd() *cli.Command {
	var (
		family string
		m, n   int64
		all    bool
		format string
	)
	return &cli.Command{
		Name:  "select",
		Usage: "Show the kernel configuration chosen for a problem shape",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "family",
				Aliases:     []string{"f"},
				Usage:       "operand family (f16, bf16, fp8, int8)",
				Value:       "int8",
				Destination: &family,
			},
			&cli.Int64Flag{Name: "m", Usage: "rows of the output", Value: 128, Destination: &m},
			&cli.Int64Flag{Name: "n", Usage: "columns of the output", Value: 128, Destination: &n},
			&cli.BoolFlag{
				Name:        "all",
				Usage:       "list every candidate configuration of the family",
				Destination: &all,
			},
			formatFlag(&format),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := dtype.ParseFamily(family)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res := selectResult{Family: f.String()}
			if all {
				for _, c := range config.Candidates(f) {
					res.Config = append(res.Config, rowOf(f, c))
				}
			} else {
				c, err := config.Select(f, int(m), int(n))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				res.M, res.N = int(m), int(n)
				res.Config = append(res.Config, rowOf(f, c))
			}

			w := cmd.Root().Writer
			done, err := writeStructured(w, format, res)
			if done || err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%-16s %-12s %-8s %6s %-16s %-10s %10s\n", "Config", "Tile", "Cluster", "Stages", "Mainloop", "Scheduler", "Stage")
			for _, r := range res.Config {
				_, _ = fmt.Fprintf(w, "%-16s %-12s %-8s %6d %-16s %-10s %10d\n", r.Name, r.Tile, r.Cluster, r.Stages, r.Mainloop, r.Scheduler, r.Stage)
			}
			return nil
		},
	}
}
