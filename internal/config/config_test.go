package config

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/scaledmm/internal/dtype"
)

func TestSelectBoundaries(t *testing.T) {
	cases := []struct {
		family  dtype.Family
		m, n    int
		tile    Shape
		cluster Shape
		loop    Mainloop
	}{
		{dtype.FamilyF16, 1, 1, Shape{128, 128, 128}, Shape{2, 1, 1}, WarpSpecialized},
		{dtype.FamilyBF16, 4096, 4096, Shape{128, 128, 128}, Shape{2, 1, 1}, WarpSpecialized},

		{dtype.FamilyFP8, 64, 4096, Shape{64, 64, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyFP8, 65, 4096, Shape{128, 64, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyFP8, 128, 4096, Shape{128, 64, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyFP8, 129, 4096, Shape{128, 128, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyFP8, 256, 4096, Shape{128, 128, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyFP8, 257, 4096, Shape{256, 128, 128}, Shape{2, 1, 1}, Cooperative},

		{dtype.FamilyInt8, 32, 8191, Shape{64, 64, 256}, Shape{1, 8, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 32, 8192, Shape{64, 128, 256}, Shape{1, 4, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 1, 8192, Shape{64, 128, 256}, Shape{1, 4, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 33, 8192, Shape{64, 64, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 64, 100, Shape{64, 64, 256}, Shape{1, 1, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 65, 100, Shape{64, 128, 128}, Shape{2, 1, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 128, 100, Shape{64, 128, 128}, Shape{2, 1, 1}, WarpSpecialized},
		{dtype.FamilyInt8, 129, 100, Shape{128, 128, 128}, Shape{2, 1, 1}, WarpSpecialized},
	}
	for _, tc := range cases {
		cfg, err := Select(tc.family, tc.m, tc.n)
		require.NoError(t, err)
		assert.Equal(t, tc.tile, cfg.Tile, "%s m=%d n=%d", tc.family, tc.m, tc.n)
		assert.Equal(t, tc.cluster, cfg.Cluster, "%s m=%d n=%d", tc.family, tc.m, tc.n)
		assert.Equal(t, tc.loop, cfg.Mainloop, "%s m=%d n=%d", tc.family, tc.m, tc.n)
		assert.Equal(t, Persistent, cfg.Scheduler)
		assert.Equal(t, tc.family.Accumulator(), cfg.Accumulator)
		assert.NoError(t, cfg.Validate(tc.family))
	}
}

func TestSelectDeterministic(t *testing.T) {
	for _, f := range dtype.Families() {
		for _, m := range []int{1, 31, 32, 33, 64, 200, 300, 10000} {
			for _, n := range []int{1, 8191, 8192, 20000} {
				a, err := Select(f, m, n)
				require.NoError(t, err)
				b, err := Select(f, m, n)
				require.NoError(t, err)
				assert.Equal(t, a, b)
			}
		}
	}
}

func TestSelectUnknownFamily(t *testing.T) {
	_, err := Select(dtype.FamilyUnknown, 16, 16)
	assert.True(t, errors.Is(err, ErrNoConfig))
}

func TestStages(t *testing.T) {
	cases := []struct {
		family dtype.Family
		tile   Shape
		want   int
	}{
		{dtype.FamilyF16, Shape{128, 128, 128}, 3},
		{dtype.FamilyFP8, Shape{64, 64, 256}, 8},
		{dtype.FamilyFP8, Shape{128, 64, 256}, 5},
		{dtype.FamilyFP8, Shape{256, 128, 128}, 4},
		{dtype.FamilyInt8, Shape{128, 128, 128}, 7},
		{dtype.FamilyInt8, Shape{64, 128, 128}, MaxStages},
		{dtype.FamilyF16, Shape{512, 512, 512}, MinStages},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Stages(tc.family, tc.tile), "%s %s", tc.family, tc.tile)
	}
}

func TestCandidates(t *testing.T) {
	assert.Len(t, Candidates(dtype.FamilyF16), 1)
	assert.Len(t, Candidates(dtype.FamilyFP8), 4)
	assert.Len(t, Candidates(dtype.FamilyInt8), 5)
	assert.Empty(t, Candidates(dtype.FamilyUnknown))

	names := map[string]bool{}
	for _, f := range dtype.Families() {
		for _, c := range Candidates(f) {
			assert.False(t, names[c.Name], "duplicate %s", c.Name)
			names[c.Name] = true
			got, err := ByName(f, c.Name)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		}
	}
	_, err := ByName(dtype.FamilyInt8, "fp8_large")
	assert.ErrorIs(t, err, ErrNoConfig)
}

func TestValidate(t *testing.T) {
	cfg, err := Select(dtype.FamilyInt8, 128, 128)
	require.NoError(t, err)

	bad := cfg
	bad.Tile.K = 24
	assert.ErrorIs(t, bad.Validate(dtype.FamilyInt8), ErrInvalid)

	bad = cfg
	bad.Stages = 9
	assert.ErrorIs(t, bad.Validate(dtype.FamilyInt8), ErrInvalid)

	assert.ErrorIs(t, cfg.Validate(dtype.FamilyFP8), ErrInvalid, "int32 accumulator")
}

func TestAutotunerCachesWinner(t *testing.T) {
	tuner := NewAutotuner()
	key := Key{Family: dtype.FamilyInt8, M: 16, N: 256, K: 512}
	calls := 0
	run := func(cfg Config) (float64, error) {
		calls++
		if cfg.Name == "int8_m128" {
			return 10, nil
		}
		if cfg.Name == "int8_large" {
			return 0, errors.New("boom")
		}
		return 1, nil
	}

	cfg, err := tuner.GetConfig(key, run)
	require.NoError(t, err)
	assert.Equal(t, "int8_m128", cfg.Name)
	assert.Equal(t, 5, calls)

	cfg, err = tuner.GetConfig(key, run)
	require.NoError(t, err)
	assert.Equal(t, "int8_m128", cfg.Name)
	assert.Equal(t, 5, calls, "second lookup is served from cache")

	tuned, ok := tuner.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, 10.0, tuned.Score)
}

func TestAutotunerBaseFailure(t *testing.T) {
	tuner := NewAutotuner()
	_, err := tuner.GetConfig(Key{Family: dtype.FamilyF16, M: 1, N: 1, K: 16}, func(Config) (float64, error) {
		return 0, errors.New("no device")
	})
	require.Error(t, err)
	_, ok := tuner.Lookup(Key{Family: dtype.FamilyF16, M: 1, N: 1, K: 16})
	assert.False(t, ok)
}
