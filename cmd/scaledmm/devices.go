package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/kernel"
)

func devicesCmd() *cli.Command {
	var (
		format  string
		kernels bool
	)
	return &cli.Command{
		Name:  "devices",
		Usage: "Show the execution device and the kernels it can run",
		Flags: []cli.Flag{
			formatFlag(&format),
			&cli.BoolFlag{
				Name:        "kernels",
				Usage:       "list the supported kernel names",
				Destination: &kernels,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info, err := device.Probe()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: probe: %v", err), 1)
			}
			w := cmd.Root().Writer
			if done, err := writeStructured(w, format, info); done || err != nil {
				return err
			}

			printDevice(cmd, info.Host)
			for _, dev := range info.Accelerators {
				printDevice(cmd, dev)
			}
			if info.AcceleratorErr != "" {
				_, _ = fmt.Fprintf(w, "accelerators: %s\n", info.AcceleratorErr)
			}
			if !info.Host.Supports(kernel.RequiredArch) {
				_, _ = fmt.Fprintf(w, "\nno kernels: %s requires %s\n", info.Host.Name, kernel.RequiredArch)
				return nil
			}
			if kernels {
				d, err := newDispatcher(ctx)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				_, _ = fmt.Fprintln(w)
				for _, k := range d.Supported() {
					_, _ = fmt.Fprintln(w, k.Name())
				}
			}
			return nil
		},
	}
}

func printDevice(cmd *cli.Command, dev device.Device) {
	w := cmd.Root().Writer
	kind := "native"
	if dev.Emulated {
		kind = "emulated"
	}
	_, _ = fmt.Fprintf(w, "%d: %s\n", dev.Index, dev.Name)
	_, _ = fmt.Fprintf(w, "   arch:          %s (%s)\n", dev.Arch, kind)
	_, _ = fmt.Fprintf(w, "   units:         %d\n", dev.Units)
	_, _ = fmt.Fprintf(w, "   shared memory: %s\n", humanize.IBytes(uint64(dev.SharedMemory)))
	if len(dev.Features) > 0 {
		_, _ = fmt.Fprintf(w, "   features:      %v\n", dev.Features)
	}
}
