package dispatch

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/kernel"
	"github.com/samcharles93/scaledmm/internal/reference"
	"github.com/samcharles93/scaledmm/internal/stream"
	"github.com/samcharles93/scaledmm/internal/tensor"
	"github.com/samcharles93/scaledmm/internal/workspace"
)

func newDispatcher(t *testing.T, arch device.Arch, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithDevice(device.Host(arch, 4))}, opts...)
	d, err := New(opts...)
	require.NoError(t, err)
	return d
}

func newStream(t *testing.T) *stream.Stream {
	t.Helper()
	s := stream.New("test", nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func requestOf(p *reference.Problem) Request {
	return Request{
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

func generate(t *testing.T, spec reference.Spec) *reference.Problem {
	t.Helper()
	p, err := reference.Generate(spec)
	require.NoError(t, err)
	return p
}

func TestScaledSparseMMScalarScales(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	s := newStream(t)
	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 128, N: 128, K: 256, Seed: 1})

	req := requestOf(p)
	req.ScaleA = tensor.Scalar(dtype.Float32, 0.5)
	req.ScaleB = tensor.Scalar(dtype.Float32, 0.25)
	require.NoError(t, d.ScaledSparseMM(context.Background(), s, req))
	require.NoError(t, s.Synchronize(context.Background()))

	acc, err := reference.Accumulate(p.Dense, p.B)
	require.NoError(t, err)
	for i := 0; i < 128; i++ {
		for j := 0; j < 128; j++ {
			require.Equal(t, float32(0.125*acc[i*128+j]), p.D.Float(i, j), "D[%d,%d]", i, j)
		}
	}
}

func TestScaledSparseMMEveryEpilogue(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	s := newStream(t)
	specs := []reference.Spec{
		{Family: dtype.FamilyInt8, Out: dtype.BFloat16, Epilogue: epilogue.ScaleBias, M: 20, N: 36, K: 64},
		{Family: dtype.FamilyInt8, Out: dtype.Float16, Epilogue: epilogue.ScaleBiasAZP, M: 70, N: 24, K: 96},
		{Family: dtype.FamilyInt8, Out: dtype.Float32, Epilogue: epilogue.ScaleBiasAZPToken, M: 129, N: 40, K: 48},
		{Family: dtype.FamilyFP8, Out: dtype.Float16, Epilogue: epilogue.ScaleOnly, M: 65, N: 33, K: 128},
		{Family: dtype.FamilyF16, Out: dtype.Float32, Epilogue: epilogue.ScaleBias, M: 8, N: 8, K: 32},
		{Family: dtype.FamilyBF16, Out: dtype.BFloat16, Epilogue: epilogue.ScaleOnly, M: 17, N: 9, K: 16, ScalarScales: true},
	}
	problems := make([]*reference.Problem, len(specs))
	for i, spec := range specs {
		spec.Seed = int64(i + 10)
		problems[i] = generate(t, spec)
		require.NoError(t, d.ScaledSparseMM(context.Background(), s, requestOf(problems[i])))
	}
	require.NoError(t, s.Synchronize(context.Background()))
	for _, p := range problems {
		report, err := p.Verify()
		require.NoError(t, err)
		assert.NoError(t, report.Err(), "%s %s %s", p.Spec.Family, p.Spec.Out, p.Spec.Epilogue)
	}
}

func TestPlan(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	p := generate(t, reference.Spec{Family: dtype.FamilyFP8, Out: dtype.BFloat16, Epilogue: epilogue.ScaleBias, M: 100, N: 64, K: 64})

	plan, err := d.Plan(requestOf(p))
	require.NoError(t, err)
	assert.Equal(t, "fp8_m128", plan.Config.Name)
	assert.Equal(t, epilogue.ScaleBias, plan.Epilogue)
	assert.Equal(t, dtype.FamilyFP8, plan.Family)
	assert.Equal(t, 100, plan.M)
	assert.Equal(t, 64, plan.N)
	assert.Equal(t, 64, plan.K)
	assert.Equal(t, plan.Kernel.WorkspaceSize(plan.Args, d.Device()), plan.Workspace)
	assert.Equal(t, "sparse_scaled_mm_fp8_bf16_scale_bias_fp8_m128", plan.Kernel.Name())
}

func TestPlanConfigOverride(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 40, N: 40, K: 64, Seed: 3})

	cfg, err := config.ByName(dtype.FamilyInt8, "int8_m64")
	require.NoError(t, err)
	req := requestOf(p)
	req.Config = &cfg
	plan, err := d.Plan(req)
	require.NoError(t, err)
	assert.Equal(t, "int8_m64", plan.Config.Name)

	custom := cfg
	custom.Name = "int8_custom"
	custom.Tile = config.Shape{M: 16, N: 16, K: 32}
	custom.Mainloop = config.Cooperative
	req.Config = &custom
	plan, err = d.Plan(req)
	require.NoError(t, err)
	assert.Equal(t, custom, plan.Kernel.Config())

	s := newStream(t)
	require.NoError(t, d.ScaledSparseMM(context.Background(), s, req))
	require.NoError(t, s.Synchronize(context.Background()))
	report, err := p.Verify()
	require.NoError(t, err)
	assert.NoError(t, report.Err())

	bad := cfg
	bad.Accumulator = dtype.Float32
	req.Config = &bad
	_, err = d.Plan(req)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRefusesOlderArch(t *testing.T) {
	d := newDispatcher(t, device.SM89)
	assert.Empty(t, d.Supported())

	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 16, N: 16, K: 32})
	s := newStream(t)
	err := d.ScaledSparseMM(context.Background(), s, requestOf(p))
	assert.ErrorIs(t, err, kernel.ErrUnsupportedArch)
	require.NoError(t, s.Synchronize(context.Background()))
	for i := 0; i < 16; i++ {
		assert.Zero(t, p.D.Float(i, i))
	}
}

func TestInvalidRequests(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	s := newStream(t)
	ctx := context.Background()
	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Epilogue: epilogue.ScaleBiasAZP, M: 16, N: 16, K: 32})

	t.Run("zero point without bias", func(t *testing.T) {
		req := requestOf(p)
		req.Bias = nil
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), epilogue.ErrTypeMismatch)
	})
	t.Run("missing scale", func(t *testing.T) {
		req := requestOf(p)
		req.ScaleB = nil
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), epilogue.ErrTypeMismatch)
	})
	t.Run("metadata shape", func(t *testing.T) {
		req := requestOf(p)
		a := *p.A
		a.Meta = tensor.New(dtype.Uint16, 16, 4, tensor.RowMajor)
		req.A = &a
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("inner dimension", func(t *testing.T) {
		req := requestOf(p)
		req.B = tensor.New(dtype.Int8, 64, 16, tensor.ColMajor)
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("output type", func(t *testing.T) {
		req := requestOf(p)
		req.D = tensor.New(dtype.Int8, 16, 16, tensor.RowMajor)
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), epilogue.ErrTypeMismatch)
	})
	t.Run("scale without storage", func(t *testing.T) {
		req := requestOf(p)
		req.ScaleA = &tensor.Tensor{DType: dtype.Float32, Rows: 1, Cols: 1}
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("scale of invalid type", func(t *testing.T) {
		req := requestOf(p)
		req.ScaleB = &tensor.Tensor{DType: dtype.Invalid, Rows: 1, Cols: 1, Data: make([]byte, 4)}
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("bias without storage", func(t *testing.T) {
		req := requestOf(p)
		req.Bias = &tensor.Tensor{DType: dtype.Float32, Rows: 1, Cols: 1}
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("zero point without storage", func(t *testing.T) {
		req := requestOf(p)
		req.AZPAdj = &tensor.Tensor{DType: dtype.Int32, Rows: 1, Cols: 16, ColStride: 1}
		assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), kernel.ErrNotImplementable)
	})
	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, d.ScaledSparseMM(cctx, s, requestOf(p)), context.Canceled)
	})
	assert.NoError(t, s.Status())
}

func TestWorkspaceInUse(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	s := newStream(t)
	ctx := context.Background()
	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 32, N: 32, K: 64})

	plan, err := d.Plan(requestOf(p))
	require.NoError(t, err)
	req := requestOf(p)
	req.Workspace = workspace.Fixed{Buf: workspace.NewBuffer(plan.Workspace)}

	gate := make(chan struct{})
	require.NoError(t, s.Enqueue("gate", func(context.Context) error {
		<-gate
		return nil
	}))
	require.NoError(t, d.ScaledSparseMM(ctx, s, req))
	assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), workspace.ErrInUse)

	close(gate)
	require.NoError(t, s.Synchronize(ctx))
	require.NoError(t, d.ScaledSparseMM(ctx, s, req))
	require.NoError(t, s.Synchronize(ctx))

	req.Workspace = workspace.Fixed{Buf: workspace.NewBuffer(plan.Workspace / 2)}
	assert.ErrorIs(t, d.ScaledSparseMM(ctx, s, req), workspace.ErrTooSmall)
}

type failingEngine struct{ engine.Host }

var errEngine = errors.New("engine fault")

func (failingEngine) MMA(*engine.Accumulator, engine.SparseTile, *engine.Panel) error {
	return errEngine
}

func TestExecutionFaultIsSticky(t *testing.T) {
	d := newDispatcher(t, device.SM90, WithEngine(failingEngine{}))
	s := newStream(t)
	ctx := context.Background()
	p := generate(t, reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 16, N: 16, K: 32})

	require.NoError(t, d.ScaledSparseMM(ctx, s, requestOf(p)))
	err := s.Synchronize(ctx)
	assert.ErrorIs(t, err, stream.ErrFaulted)
	assert.ErrorIs(t, err, errEngine)

	err = d.ScaledSparseMM(ctx, s, requestOf(p))
	assert.ErrorIs(t, err, stream.ErrFaulted)
}

func TestCompress(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	p := generate(t, reference.Spec{Family: dtype.FamilyF16, Out: dtype.Float16, M: 8, N: 4, K: 32})
	op, err := d.Compress(p.Dense, 4)
	require.NoError(t, err)
	assert.Equal(t, p.A.Values.Data, op.Values.Data)
	assert.Equal(t, p.A.Meta.Data, op.Meta.Data)
}

func TestSupported(t *testing.T) {
	d := newDispatcher(t, device.SM90)
	assert.Len(t, d.Supported(), d.Registry().Len())
}
