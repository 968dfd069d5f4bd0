package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dispatch"
	"github.com/samcharles93/scaledmm/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "scaledmm",
		Usage: "Structured-sparse scaled matmul kernels: selection, verification and benchmarks",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyGlobalConfig(cmd, LoadConfig())
			if arch != "" {
				if _, err := device.ParseArch(arch); err != nil {
					return ctx, err
				}
				// The probe reads the environment once, on first use.
				if err := os.Setenv(device.EnvArch, arch); err != nil {
					return ctx, err
				}
			}
			level := logger.ParseLevel(logLevel)
			if debug {
				level = logger.ParseLevel("debug")
			}
			log := logger.ForFormat(os.Stderr, logFormat, level)
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			selectCmd(),
			runCmd(),
			benchCmd(),
			devicesCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

func newDispatcher(ctx context.Context) (*dispatch.Dispatcher, error) {
	return dispatch.New(dispatch.WithLogger(logger.FromContext(ctx)))
}
