package kernel

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/scaledmm/internal/config"
	"github.com/samcharles93/scaledmm/internal/device"
	"github.com/samcharles93/scaledmm/internal/dtype"
	"github.com/samcharles93/scaledmm/internal/engine"
	"github.com/samcharles93/scaledmm/internal/epilogue"
	"github.com/samcharles93/scaledmm/internal/reference"
	"github.com/samcharles93/scaledmm/internal/tensor"
	"github.com/samcharles93/scaledmm/internal/workspace"
)

var hopper = device.Host(device.SM90, 4)

func smallConfig(f dtype.Family, loop config.Mainloop) config.Config {
	return config.Config{
		Name:        "test_" + loop.String(),
		Tile:        config.Shape{M: 16, N: 16, K: 32},
		Cluster:     config.Shape{M: 2, N: 2, K: 1},
		Stages:      3,
		Mainloop:    loop,
		Scheduler:   config.Persistent,
		Accumulator: f.Accumulator(),
	}
}

func argsOf(p *reference.Problem) Args {
	return Args{
		A:        p.A,
		B:        p.B,
		D:        p.D,
		Epilogue: p.Inputs,
		M:        p.Spec.M,
		N:        p.Spec.N,
		K:        p.Spec.K,
	}
}

func run(t *testing.T, k *Kernel, args Args, dev device.Device) error {
	t.Helper()
	ws := workspace.NewBuffer(k.WorkspaceSize(args, dev))
	return k.Run(context.Background(), args, ws.Bytes(), dev)
}

func TestRunMatchesReference(t *testing.T) {
	cases := []struct {
		family dtype.Family
		out    dtype.DType
		kind   epilogue.Kind
	}{
		{dtype.FamilyInt8, dtype.Float32, epilogue.ScaleOnly},
		{dtype.FamilyInt8, dtype.Float16, epilogue.ScaleBias},
		{dtype.FamilyInt8, dtype.BFloat16, epilogue.ScaleBiasAZP},
		{dtype.FamilyInt8, dtype.Float32, epilogue.ScaleBiasAZPToken},
		{dtype.FamilyFP8, dtype.Float32, epilogue.ScaleBias},
		{dtype.FamilyF16, dtype.Float16, epilogue.ScaleOnly},
		{dtype.FamilyBF16, dtype.BFloat16, epilogue.ScaleBias},
	}
	for _, tc := range cases {
		for _, loop := range []config.Mainloop{config.WarpSpecialized, config.Cooperative} {
			name := fmt.Sprintf("%s/%s/%s/%s", tc.family, tc.out, tc.kind, loop)
			t.Run(name, func(t *testing.T) {
				p, err := reference.Generate(reference.Spec{
					Family: tc.family, Out: tc.out, Epilogue: tc.kind,
					M: 37, N: 45, K: 200, Seed: 5,
				})
				require.NoError(t, err)
				k, err := Assemble(Spec{Family: tc.family, Out: tc.out, Epilogue: tc.kind, Config: smallConfig(tc.family, loop)}, engine.Host{})
				require.NoError(t, err)

				require.NoError(t, run(t, k, argsOf(p), hopper))
				report, err := p.Verify()
				require.NoError(t, err)
				assert.True(t, report.OK(), report.String())
			})
		}
	}
}

func TestRunTableConfig(t *testing.T) {
	p, err := reference.Generate(reference.Spec{
		Family: dtype.FamilyFP8, Out: dtype.BFloat16, Epilogue: epilogue.ScaleBias,
		M: 300, N: 130, K: 64, Seed: 1, ScalarScales: true,
	})
	require.NoError(t, err)
	cfg, err := config.Select(dtype.FamilyFP8, 300, 130)
	require.NoError(t, err)
	require.Equal(t, config.Cooperative, cfg.Mainloop)

	k, err := Assemble(Spec{Family: dtype.FamilyFP8, Out: dtype.BFloat16, Epilogue: epilogue.ScaleBias, Config: cfg}, engine.Host{})
	require.NoError(t, err)
	require.NoError(t, run(t, k, argsOf(p), hopper))
	report, err := p.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
}

func TestRunRefusesOlderArch(t *testing.T) {
	p, err := reference.Generate(reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 16, N: 16, K: 32, Seed: 2})
	require.NoError(t, err)
	k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Config: smallConfig(dtype.FamilyInt8, config.WarpSpecialized)}, engine.Host{})
	require.NoError(t, err)

	for _, arch := range []device.Arch{device.SM80, device.SM89} {
		err := run(t, k, argsOf(p), device.Host(arch, 2))
		assert.ErrorIs(t, err, ErrUnsupportedArch, arch.String())
	}
	for _, v := range p.D.Floats() {
		require.Zero(t, v, "output untouched")
	}
}

func TestRunWorkspaceTooSmall(t *testing.T) {
	p, err := reference.Generate(reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 16, N: 16, K: 32, Seed: 2})
	require.NoError(t, err)
	k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Config: smallConfig(dtype.FamilyInt8, config.Cooperative)}, engine.Host{})
	require.NoError(t, err)
	args := argsOf(p)
	ws := workspace.NewBuffer(k.WorkspaceSize(args, hopper) - 1)
	err = k.Run(context.Background(), args, ws.Bytes(), hopper)
	assert.ErrorIs(t, err, workspace.ErrTooSmall)
}

type panickingEngine struct{ engine.Host }

func (panickingEngine) MMA(*engine.Accumulator, engine.SparseTile, *engine.Panel) error {
	panic("boom")
}

func TestRunEnginePanicReleasesWorkers(t *testing.T) {
	p, err := reference.Generate(reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, M: 16, N: 16, K: 512, Seed: 3})
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	for _, loop := range []config.Mainloop{config.WarpSpecialized, config.Cooperative} {
		k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Config: smallConfig(dtype.FamilyInt8, loop)}, panickingEngine{})
		require.NoError(t, err)
		for range 20 {
			err := run(t, k, argsOf(p), hopper)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "panicked: boom")
		}
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, time.Second, 10*time.Millisecond, "panel producers still running")
}

func TestAssembleRejects(t *testing.T) {
	cfg, err := config.Select(dtype.FamilyFP8, 64, 64)
	require.NoError(t, err)

	_, err = Assemble(Spec{Family: dtype.FamilyFP8, Out: dtype.Float32, Epilogue: epilogue.ScaleBiasAZP, Config: cfg}, engine.Host{})
	assert.ErrorIs(t, err, epilogue.ErrTypeMismatch)

	_, err = Assemble(Spec{Family: dtype.FamilyFP8, Out: dtype.Int8, Config: cfg}, engine.Host{})
	assert.ErrorIs(t, err, epilogue.ErrTypeMismatch)

	_, err = Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Config: cfg}, engine.Host{})
	assert.ErrorIs(t, err, config.ErrInvalid, "float accumulator for int8")

	_, err = Assemble(Spec{Family: dtype.FamilyFP8, Out: dtype.Float32, Config: cfg}, nil)
	assert.ErrorIs(t, err, engine.ErrUnsupported)

	k, err := Assemble(Spec{Family: dtype.FamilyFP8, Out: dtype.Float32, Config: cfg}, engine.Host{})
	require.NoError(t, err)
	assert.Equal(t, RequiredArch, k.Spec().Arch)
	assert.Equal(t, "sparse_scaled_mm_fp8_f32_scale_fp8_m64", k.Name())
}

func TestCanImplement(t *testing.T) {
	p, err := reference.Generate(reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float16, Epilogue: epilogue.ScaleBias, M: 16, N: 24, K: 64, Seed: 3})
	require.NoError(t, err)
	k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float16, Epilogue: epilogue.ScaleBias, Config: smallConfig(dtype.FamilyInt8, config.Cooperative)}, engine.Host{})
	require.NoError(t, err)
	require.NoError(t, k.CanImplement(argsOf(p)))

	args := argsOf(p)
	rowB := tensor.New(dtype.Int8, 64, 24, tensor.RowMajor)
	args.B = rowB
	assert.ErrorIs(t, k.CanImplement(args), ErrNotImplementable)

	args = argsOf(p)
	args.Epilogue.Bias = tensor.Vector(dtype.Float32, 24)
	err = k.CanImplement(args)
	assert.ErrorIs(t, err, ErrNotImplementable)
	assert.ErrorIs(t, err, epilogue.ErrTypeMismatch)

	args = argsOf(p)
	args.Epilogue.ScaleB = tensor.Vector(dtype.Float32, 23)
	assert.ErrorIs(t, k.CanImplement(args), ErrNotImplementable)

	args = argsOf(p)
	args.K = 128
	assert.ErrorIs(t, k.CanImplement(args), ErrNotImplementable)

	args = argsOf(p)
	args.D = tensor.New(dtype.Float32, 16, 24, tensor.RowMajor)
	assert.True(t, errors.Is(k.CanImplement(args), epilogue.ErrTypeMismatch))
}

func TestRunSingleColumnOperand(t *testing.T) {
	p, err := reference.Generate(reference.Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Epilogue: epilogue.ScaleBias, M: 16, N: 1, K: 64, Seed: 9})
	require.NoError(t, err)
	// K x 1 with unit strides is contiguous either way.
	p.B, err = tensor.Wrap(dtype.Int8, 64, 1, 1, 1, p.B.Data)
	require.NoError(t, err)

	k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Epilogue: epilogue.ScaleBias, Config: smallConfig(dtype.FamilyInt8, config.Cooperative)}, engine.Host{})
	require.NoError(t, err)
	args := argsOf(p)
	require.NoError(t, k.CanImplement(args))
	require.NoError(t, run(t, k, args, hopper))
	report, err := p.Verify()
	require.NoError(t, err)
	assert.True(t, report.OK(), report.String())
}

func TestScheduleCoversEveryTileOnce(t *testing.T) {
	shapes := []struct{ m, n, cm, cn int }{
		{1, 1, 1, 1}, {100, 100, 2, 1}, {33, 300, 1, 8}, {129, 64, 2, 2}, {17, 17, 1, 4},
	}
	for _, s := range shapes {
		cfg := config.Config{Tile: config.Shape{M: 16, N: 16, K: 32}, Cluster: config.Shape{M: s.cm, N: s.cn, K: 1}}
		sched := NewSchedule(cfg, s.m, s.n)
		seen := map[[2]int]int{}
		for w := 0; w < sched.Slots(); w++ {
			tm, tn, ok := sched.Tile(w)
			if ok {
				seen[[2]int{tm, tn}]++
			}
		}
		assert.Len(t, seen, sched.Tiles(), "%+v", s)
		for tile, n := range seen {
			assert.Equal(t, 1, n, "tile %v of %+v", tile, s)
		}
	}
}

func TestScheduleClusterMajor(t *testing.T) {
	cfg := config.Config{Tile: config.Shape{M: 16, N: 16, K: 32}, Cluster: config.Shape{M: 2, N: 1, K: 1}}
	sched := NewSchedule(cfg, 64, 32)
	var order [][2]int
	for w := 0; w < sched.Slots(); w++ {
		tm, tn, ok := sched.Tile(w)
		require.True(t, ok)
		order = append(order, [2]int{tm, tn})
	}
	assert.Equal(t, [][2]int{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {0, 1}, {1, 1}, {2, 1}, {3, 1}}, order)
}

func TestWorkspaceSize(t *testing.T) {
	cfg := smallConfig(dtype.FamilyInt8, config.WarpSpecialized)
	k, err := Assemble(Spec{Family: dtype.FamilyInt8, Out: dtype.Float32, Config: cfg}, engine.Host{})
	require.NoError(t, err)

	args := Args{M: 64, N: 64, K: 64}
	per := workspace.AlignUp(16*16*4) + cfg.Stages*workspace.AlignUp(32*16*4)
	assert.Equal(t, 4, k.Workers(args, hopper))
	assert.Equal(t, headerBytes+4*per, k.WorkspaceSize(args, hopper))

	args = Args{M: 16, N: 16, K: 64}
	assert.Equal(t, 1, k.Workers(args, hopper), "one tile")
	assert.Equal(t, headerBytes+per, k.WorkspaceSize(args, hopper))
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(engine.Host{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 96, r.Len())

	cfg, err := config.Select(dtype.FamilyInt8, 128, 128)
	require.NoError(t, err)
	key := Key{Family: dtype.FamilyInt8, Out: dtype.Float16, Epilogue: epilogue.ScaleBiasAZPToken, Config: cfg.Name}
	k, err := r.Lookup(key, hopper)
	require.NoError(t, err)
	assert.Equal(t, key, KeyOf(k.Spec()))

	_, err = r.Lookup(key, device.Host(device.SM89, 4))
	assert.ErrorIs(t, err, ErrUnsupportedArch)

	_, err = r.Lookup(Key{Family: dtype.FamilyFP8, Out: dtype.Float16, Epilogue: epilogue.ScaleBiasAZP, Config: "fp8_m64"}, hopper)
	assert.ErrorIs(t, err, ErrNotImplementable)

	assert.Len(t, r.Supported(hopper), 96)
	assert.Empty(t, r.Supported(device.Host(device.SM80, 1)))
	kernels := r.Kernels()
	for i := 1; i < len(kernels); i++ {
		assert.Less(t, kernels[i-1].Name(), kernels[i].Name())
	}
}
