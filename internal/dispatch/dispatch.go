// Package dispatch is the public entry point of the sparse scaled matmul: it
// derives the problem from the request tensors, selects a configuration,
// looks up the matching kernel, reserves its workspace and enqueues it.
package dispatch

import (
	"context"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/kernel"
	"github.com/samcharles93/scaledmm/internal/logger"
	"github.com/samcharles93/scaledmm/internal/sparse"
	"github.com/samcharles93/scaledmm/internal/stream"
	"github.com/samcharles93/scaledmm/internal/tensor"
	"github.com/samcharles93/scaledmm/internal/workspace"
)

// Request carries the tensors of one call. Absent auxiliary tensors are nil;
// which ones are present selects the epilogue.
type Request struct {
	A *sparse.Operand
	B *tensor.Tensor
	D *tensor.Tensor

	ScaleA *tensor.Tensor
	ScaleB *tensor.Tensor
	Bias   *tensor.Tensor
	AZPAdj *tensor.Tensor
	AZP    *tensor.Tensor

	// Config overrides the table selection when set.
	Config *config.Config
	// Workspace overrides the dispatcher allocator when set.
	Workspace workspace.Allocator
}

func (r Request) inputs() epilogue.Inputs {
	return epilogue.Inputs{ScaleA: r.ScaleA, ScaleB: r.ScaleB, Bias: r.Bias, AZPAdj: r.AZPAdj, AZP: r.AZP}
}

// Enqueuer is the part of a stream the dispatcher needs.
type Enqueuer interface {
	Enqueue(name string, op stream.Op) error
}

// Plan is the resolved launch of a request.
type Plan struct {
	Kernel    *kernel.Kernel
	Config    config.Config
	Family    dtype.Family
	Out       dtype.DType
	Epilogue  epilogue.Kind
	M, N, K   int
	Workers   int
	Workspace int
	Args      kernel.Args
}

// Dispatcher owns the kernel registry and the execution device.
type Dispatcher struct {
	registry *kernel.Registry
	engine   engine.MMA
	dev      device.Device
	devSet   bool
	alloc    workspace.Allocator
	log      logger.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDevice replaces the probed device.
func WithDevice(dev device.Device) Option {
	return func(d *Dispatcher) {
		d.dev = dev
		d.devSet = true
	}
}

// WithEngine replaces the host multiply-accumulate engine.
func WithEngine(eng engine.MMA) Option {
	return func(d *Dispatcher) { d.engine = eng }
}

// WithAllocator sets the default workspace allocator.
func WithAllocator(a workspace.Allocator) Option {
	return func(d *Dispatcher) { d.alloc = a }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// New probes the device (once per process) and assembles every kernel.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		engine: engine.Host{},
		alloc:  workspace.NewPool(0),
		log:    logger.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if !d.devSet {
		dev, err := device.Current()
		if err != nil {
			return nil, errors.Wrap(err, "probe device")
		}
		d.dev = dev
	}
	reg, err := kernel.NewRegistry(d.engine, d.log)
	if err != nil {
		return nil, err
	}
	d.registry = reg
	if !d.dev.Supports(kernel.RequiredArch) {
		d.log.Warn("device cannot run sparse kernels", "device", d.dev.Name, "arch", d.dev.Arch.String(), "required", kernel.RequiredArch.String())
	}
	return d, nil
}

// Device returns the execution device.
func (d *Dispatcher) Device() device.Device { return d.dev }

// Registry returns the kernel registry.
func (d *Dispatcher) Registry() *kernel.Registry { return d.registry }

// Supported lists the kernels the device can run. It is empty on devices
// older than the required architecture.
func (d *Dispatcher) Supported() []*kernel.Kernel {
	return d.registry.Supported(d.dev)
}

// Compress packs a dense M x K first operand for an n-column problem.
func (d *Dispatcher) Compress(dense *tensor.Tensor, n int) (*sparse.Operand, error) {
	layout, err := sparse.NewLayout(dense.Rows, n, dense.Cols)
	if err != nil {
		return nil, err
	}
	return sparse.Compress(layout, dense)
}

// Plan resolves a request without running it.
func (d *Dispatcher) Plan(req Request) (*Plan, error) {
	if req.A == nil || req.A.Values == nil {
		return nil, errors.Wrap(kernel.ErrNotImplementable, "missing sparse operand")
	}
	if req.B == nil || req.D == nil {
		return nil, errors.Wrap(kernel.ErrNotImplementable, "missing dense operand or output")
	}
	kind, err := epilogue.Infer(req.inputs())
	if err != nil {
		return nil, err
	}
	family := dtype.FamilyOf(req.A.Values.DType)
	if family == dtype.FamilyUnknown {
		return nil, errors.Wrapf(epilogue.ErrTypeMismatch, "operand dtype %s", req.A.Values.DType)
	}

	m, k, n := req.A.Values.Rows, req.A.K(), req.B.Cols
	layout, err := sparse.NewLayout(m, n, k)
	if err != nil {
		return nil, errors.Wrap(kernel.ErrNotImplementable, err.Error())
	}
	if err := req.A.Check(layout); err != nil {
		return nil, errors.Wrap(kernel.ErrNotImplementable, err.Error())
	}

	var cfg config.Config
	if req.Config != nil {
		cfg = *req.Config
		if err := cfg.Validate(family); err != nil {
			return nil, err
		}
	} else if cfg, err = config.Select(family, m, n); err != nil {
		return nil, err
	}

	spec := kernel.Spec{Family: family, Out: req.D.DType, Epilogue: kind, Config: cfg}
	kern, err := d.kernelFor(spec)
	if err != nil {
		return nil, err
	}
	args := kernel.Args{A: req.A, B: req.B, D: req.D, Epilogue: req.inputs(), M: m, N: n, K: k}
	if err := kern.CanImplement(args); err != nil {
		return nil, err
	}
	return &Plan{
		Kernel:    kern,
		Config:    cfg,
		Family:    family,
		Out:       req.D.DType,
		Epilogue:  kind,
		M:         m,
		N:         n,
		K:         k,
		Workers:   kern.Workers(args, d.dev),
		Workspace: kern.WorkspaceSize(args, d.dev),
		Args:      args,
	}, nil
}

// kernelFor looks up a registered kernel. Override configurations that are
// not in the table get a kernel assembled for the call.
func (d *Dispatcher) kernelFor(spec kernel.Spec) (*kernel.Kernel, error) {
	k, err := d.registry.Lookup(kernel.KeyOf(spec), d.dev)
	if err != nil && !errors.Is(err, kernel.ErrNotImplementable) {
		return nil, err
	}
	if k != nil && k.Config() == spec.Config {
		return k, nil
	}
	if k, err = kernel.Assemble(spec, d.engine); err != nil {
		return nil, err
	}
	if !d.dev.Supports(k.Spec().Arch) {
		return nil, errors.Wrapf(kernel.ErrUnsupportedArch, "%s requires %s, device is %s", k.Name(), k.Spec().Arch, d.dev.Arch)
	}
	d.log.Debug("assembled override kernel", "kernel", k.Name(), "config", spec.Config.String())
	return k, nil
}

// ScaledSparseMM validates req, reserves its workspace and enqueues the
// kernel on s. It returns once the work is enqueued; the result is visible
// after the stream is synchronized. Any error returned here means nothing was
// enqueued.
func (d *Dispatcher) ScaledSparseMM(ctx context.Context, s Enqueuer, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	plan, err := d.Plan(req)
	if err != nil {
		return err
	}

	alloc := req.Workspace
	if alloc == nil {
		alloc = d.alloc
	}
	buf, err := alloc.Allocate(plan.Workspace)
	if err != nil {
		return err
	}
	mem, err := buf.Acquire(plan.Workspace)
	if err != nil {
		return err
	}

	kern, args, dev := plan.Kernel, plan.Args, d.dev
	d.log.Debug("enqueue sparse scaled mm",
		"kernel", kern.Name(),
		"m", plan.M, "n", plan.N, "k", plan.K,
		"workers", plan.Workers,
		"workspace", plan.Workspace,
	)
	err = s.Enqueue(kern.Name(), func(ctx context.Context) error {
		defer buf.Release()
		return kern.Run(ctx, args, mem, dev)
	})
	if err != nil {
		buf.Release()
		return err
	}
	return nil
}
