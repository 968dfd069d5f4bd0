// Package config chooses the tiling, clustering, pipelining and scheduling
// parameters of a sparse scaled matmul from the operand family and problem
// size.
package config

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/samcharles93/scaledmm/internal/dtype"
)

// ErrNoConfig is returned when no rule covers a family.
var ErrNoConfig = errors.New("config: no configuration for family")

// ErrInvalid is returned by Validate for a malformed configuration.
var ErrInvalid = errors.New("config: invalid configuration")

// Shape is a three dimensional extent in M, N and K.
type Shape struct {
	M, N, K int
}

func (s Shape) String() string { return fmt.Sprintf("%dx%dx%d", s.M, s.N, s.K) }

// Mainloop selects how producer and consumer work is split inside a tile.
type Mainloop uint8

const (
	// WarpSpecialized dedicates workers to loading and to math.
	WarpSpecialized Mainloop = iota
	// Cooperative lets every worker of a tile share loading and math.
	Cooperative
)

func (m Mainloop) String() string {
	if m == Cooperative {
		return "cooperative"
	}
	return "warp-specialized"
}

// Scheduler selects how output tiles are distributed to workers.
type Scheduler uint8

const (
	// Persistent launches one long-lived worker per execution unit that pulls
	// tiles from a shared queue.
	Persistent Scheduler = iota
)

func (s Scheduler) String() string { return "persistent" }

// Config is one immutable kernel configuration.
type Config struct {
	Name        string
	Tile        Shape
	Cluster     Shape
	Stages      int
	Mainloop    Mainloop
	Scheduler   Scheduler
	Accumulator dtype.DType
}

func (c Config) String() string {
	return fmt.Sprintf("%s[tile=%s cluster=%s stages=%d %s %s]",
		c.Name, c.Tile, c.Cluster, c.Stages, c.Mainloop, c.Scheduler)
}

// Validate checks a caller supplied configuration.
func (c Config) Validate(family dtype.Family) error {
	if c.Tile.M <= 0 || c.Tile.N <= 0 || c.Tile.K <= 0 {
		return errors.Wrapf(ErrInvalid, "tile %s", c.Tile)
	}
	if c.Tile.K%KAlign != 0 {
		return errors.Wrapf(ErrInvalid, "tile K %d is not a multiple of %d", c.Tile.K, KAlign)
	}
	if c.Cluster.M <= 0 || c.Cluster.N <= 0 || c.Cluster.K != 1 {
		return errors.Wrapf(ErrInvalid, "cluster %s", c.Cluster)
	}
	if c.Stages < MinStages || c.Stages > MaxStages {
		return errors.Wrapf(ErrInvalid, "stages %d outside [%d, %d]", c.Stages, MinStages, MaxStages)
	}
	if c.Accumulator != family.Accumulator() {
		return errors.Wrapf(ErrInvalid, "accumulator %s for family %s", c.Accumulator, family)
	}
	return nil
}

// Range is a half-open bound Lo < x <= Hi. A zero Hi is unbounded.
type Range struct {
	Lo, Hi int
}

// Contains reports whether x lies in the range.
func (r Range) Contains(x int) bool {
	return x > r.Lo && (r.Hi == 0 || x <= r.Hi)
}

// Rule is one row of the selection table.
type Rule struct {
	Name     string
	Families []dtype.Family
	M        Range
	N        Range
	Tile     Shape
	Cluster  Shape
	Mainloop Mainloop
}

func (r Rule) matches(f dtype.Family, m, n int) bool {
	for _, rf := range r.Families {
		if rf == f {
			return r.M.Contains(m) && r.N.Contains(n)
		}
	}
	return false
}

func (r Rule) config(f dtype.Family) Config {
	return Config{
		Name:        f.String() + "_" + r.Name,
		Tile:        r.Tile,
		Cluster:     r.Cluster,
		Stages:      Stages(f, r.Tile),
		Mainloop:    r.Mainloop,
		Scheduler:   Persistent,
		Accumulator: f.Accumulator(),
	}
}

var (
	halfFamilies = []dtype.Family{dtype.FamilyF16, dtype.FamilyBF16}
	fp8Family    = []dtype.Family{dtype.FamilyFP8}
	int8Family   = []dtype.Family{dtype.FamilyInt8}
)

// rules is evaluated top to bottom; the first match wins.
var rules = []Rule{
	{Name: "default", Families: halfFamilies, Tile: Shape{128, 128, 128}, Cluster: Shape{2, 1, 1}},

	{Name: "m64", Families: fp8Family, M: Range{Hi: 64}, Tile: Shape{64, 64, 256}, Cluster: Shape{1, 1, 1}},
	{Name: "m128", Families: fp8Family, M: Range{Lo: 64, Hi: 128}, Tile: Shape{128, 64, 256}, Cluster: Shape{1, 1, 1}},
	{Name: "m256", Families: fp8Family, M: Range{Lo: 128, Hi: 256}, Tile: Shape{128, 128, 256}, Cluster: Shape{1, 1, 1}},
	{Name: "large", Families: fp8Family, M: Range{Lo: 256}, Tile: Shape{256, 128, 128}, Cluster: Shape{2, 1, 1}, Mainloop: Cooperative},

	{Name: "m32_wide", Families: int8Family, M: Range{Hi: 32}, N: Range{Lo: 8191}, Tile: Shape{64, 128, 256}, Cluster: Shape{1, 4, 1}},
	{Name: "m32", Families: int8Family, M: Range{Hi: 32}, N: Range{Hi: 8191}, Tile: Shape{64, 64, 256}, Cluster: Shape{1, 8, 1}},
	{Name: "m64", Families: int8Family, M: Range{Lo: 32, Hi: 64}, Tile: Shape{64, 64, 256}, Cluster: Shape{1, 1, 1}},
	{Name: "m128", Families: int8Family, M: Range{Lo: 64, Hi: 128}, Tile: Shape{64, 128, 128}, Cluster: Shape{2, 1, 1}},
	{Name: "large", Families: int8Family, M: Range{Lo: 128}, Tile: Shape{128, 128, 128}, Cluster: Shape{2, 1, 1}},
}

// Rules returns a copy of the selection table in evaluation order.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Select returns the configuration for an m x n problem of the family.
// It is pure: equal inputs always give equal outputs.
func Select(f dtype.Family, m, n int) (Config, error) {
	for _, r := range rules {
		if r.matches(f, m, n) {
			return r.config(f), nil
		}
	}
	return Config{}, errors.Wrapf(ErrNoConfig, "%s m=%d n=%d", f, m, n)
}

// Candidates lists every configuration the table can produce for the
// family, in table order. Kernels are registered for exactly these.
func Candidates(f dtype.Family) []Config {
	var out []Config
	for _, r := range rules {
		for _, rf := range r.Families {
			if rf == f {
				out = append(out, r.config(f))
			}
		}
	}
	return out
}

// ByName finds a candidate configuration of the family by name.
func ByName(f dtype.Family, name string) (Config, error) {
	for _, c := range Candidates(f) {
		if c.Name == name {
			return c, nil
		}
	}
	return Config{}, errors.Wrapf(ErrNoConfig, "%s has no configuration %q", f, name)
}
