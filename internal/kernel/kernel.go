// Package kernel assembles sparse scaled matmul kernels from an operand
// family, an output type, an epilogue and a configuration, and runs them
// with a persistent tile scheduler.
package kernel

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/sparse"
	"github.com/samcharles93/scaledmm/internal/tensor"
)

var (
	// ErrNotImplementable is returned when a problem does not fit a kernel.
	// No work has been enqueued when it is returned.
	ErrNotImplementable = errors.New("kernel: problem not implementable")
	// ErrUnsupportedArch is returned when the device is older than the
	// architecture a kernel requires.
	ErrUnsupportedArch = errors.New("kernel: unsupported device architecture")
)

// RequiredArch is the architecture every sparse kernel is built for.
const RequiredArch = device.SM90

// Spec is the static description of one kernel.
type Spec struct {
	Family   dtype.Family
	Out      dtype.DType
	Epilogue epilogue.Kind
	Config   config.Config
	// Arch is the minimum architecture; zero means RequiredArch.
	Arch device.Arch
}

// Kernel is an assembled, immutable kernel.
type Kernel struct {
	spec   Spec
	name   string
	engine engine.MMA
}

// Assemble binds a spec to an engine. Type errors are reported here, before
// any problem is seen.
func Assemble(spec Spec, eng engine.MMA) (*Kernel, error) {
	if spec.Arch == 0 {
		spec.Arch = RequiredArch
	}
	if spec.Family == dtype.FamilyUnknown {
		return nil, errors.Wrap(epilogue.ErrTypeMismatch, "kernel: unknown operand family")
	}
	if !spec.Out.IsOutput() {
		return nil, errors.Wrapf(epilogue.ErrTypeMismatch, "kernel: output dtype %s", spec.Out)
	}
	if spec.Epilogue.HasAZP() && spec.Family != dtype.FamilyInt8 {
		return nil, errors.Wrapf(epilogue.ErrTypeMismatch, "kernel: %s requires int8 operands, got %s", spec.Epilogue, spec.Family)
	}
	if spec.Epilogue.String() == "unknown" {
		return nil, errors.Wrapf(epilogue.ErrTypeMismatch, "kernel: epilogue %d", spec.Epilogue)
	}
	if err := spec.Config.Validate(spec.Family); err != nil {
		return nil, errors.Wrap(err, "kernel")
	}
	if eng == nil || !eng.Supports(spec.Family) {
		return nil, errors.Wrapf(engine.ErrUnsupported, "kernel: engine cannot multiply %s", spec.Family)
	}
	return &Kernel{
		spec:   spec,
		name:   Name(spec),
		engine: eng,
	}, nil
}

// Name is the registry name of a spec.
func Name(spec Spec) string {
	return fmt.Sprintf("sparse_scaled_mm_%s_%s_%s_%s", spec.Family, spec.Out, spec.Epilogue, spec.Config.Name)
}

func (k *Kernel) Name() string          { return k.name }
func (k *Kernel) Spec() Spec            { return k.spec }
func (k *Kernel) Config() config.Config { return k.spec.Config }
func (k *Kernel) Engine() string        { return k.engine.Name() }

// Args are the runtime operands of one call.
type Args struct {
	A        *sparse.Operand
	B        *tensor.Tensor
	D        *tensor.Tensor
	Epilogue epilogue.Inputs
	M, N, K  int
}

// notImplementable wraps a cause so that errors.Is matches both
// ErrNotImplementable and the cause.
type notImplementable struct {
	msg   string
	cause error
}

func (e *notImplementable) Error() string {
	if e.cause == nil {
		return ErrNotImplementable.Error() + ": " + e.msg
	}
	return ErrNotImplementable.Error() + ": " + e.msg + ": " + e.cause.Error()
}

func (e *notImplementable) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrNotImplementable}
	}
	return []error{ErrNotImplementable, e.cause}
}

func reject(cause error, format string, args ...any) error {
	return &notImplementable{msg: fmt.Sprintf(format, args...), cause: cause}
}

// bound is a validated problem ready to run.
type bound struct {
	layout sparse.Layout
	epi    *epilogue.Epilogue
}

// CanImplement validates shapes, strides, layouts, element types and the
// epilogue operands of args against the kernel.
func (k *Kernel) CanImplement(args Args) error {
	_, err := k.bind(args)
	return err
}

func (k *Kernel) bind(args Args) (*bound, error) {
	if args.M <= 0 || args.N <= 0 || args.K <= 0 {
		return nil, reject(nil, "empty problem %dx%dx%d", args.M, args.N, args.K)
	}
	layout, err := sparse.NewLayout(args.M, args.N, args.K)
	if err != nil {
		return nil, reject(err, "layout")
	}
	if args.A == nil || args.A.Values == nil {
		return nil, reject(nil, "missing sparse operand")
	}
	operand := k.spec.Family.Operand()
	if args.A.Values.DType != operand {
		return nil, reject(epilogue.ErrTypeMismatch, "a dtype %s, kernel expects %s", args.A.Values.DType, operand)
	}
	if err := args.A.Check(layout); err != nil {
		return nil, reject(err, "a")
	}
	if !args.A.Values.Is(tensor.RowMajor) {
		return nil, reject(nil, "a values must be row-major, got %s", args.A.Values.Layout())
	}

	if err := checkDense("b", args.B, operand, args.K, args.N, tensor.ColMajor); err != nil {
		return nil, err
	}
	if err := checkDense("d", args.D, k.spec.Out, args.M, args.N, tensor.RowMajor); err != nil {
		return nil, err
	}

	epi, err := epilogue.New(k.spec.Epilogue, args.Epilogue)
	if err != nil {
		return nil, reject(err, "epilogue")
	}
	if err := epi.CheckTypes(k.spec.Family, k.spec.Out); err != nil {
		return nil, reject(err, "epilogue")
	}
	if err := epi.Bind(args.M, args.N); err != nil {
		return nil, reject(err, "epilogue")
	}
	return &bound{layout: layout, epi: epi}, nil
}

func checkDense(name string, t *tensor.Tensor, dt dtype.DType, rows, cols int, want tensor.Layout) error {
	if t == nil {
		return reject(nil, "missing %s", name)
	}
	if err := t.Validate(); err != nil {
		return reject(err, "%s", name)
	}
	if t.DType != dt {
		return reject(epilogue.ErrTypeMismatch, "%s dtype %s, want %s", name, t.DType, dt)
	}
	if t.Rows != rows || t.Cols != cols {
		return reject(nil, "%s is %dx%d, want %dx%d", name, t.Rows, t.Cols, rows, cols)
	}
	if !t.Is(want) {
		return reject(nil, "%s must be %s, got %s", name, want, t.Layout())
	}
	return nil
}
