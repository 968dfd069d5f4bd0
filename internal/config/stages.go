package config

import "github.com/samcharles93/scaledmm/internal/dtype"

const (
	// SharedMemoryBytes is the per-cluster-member staging capacity the stage
	// count is derived from.
	SharedMemoryBytes = 227 * 1024

	MinStages = 2
	MaxStages = 8

	// KAlign is the K granularity of one metadata word.
	KAlign = 16

	// barrierBytes is the pipeline bookkeeping carried by each stage.
	barrierBytes = 16
)

// StageBytes is the staging footprint of one pipeline stage: the compressed
// A tile, its metadata words and the dense B tile.
func StageBytes(f dtype.Family, tile Shape) int {
	elem := f.Operand().Size()
	a := tile.M * (tile.K / 2) * elem
	meta := tile.M * (tile.K / KAlign) * 2
	b := tile.N * tile.K * elem
	return a + meta + b + barrierBytes
}

// EpilogueCarveout is the capacity reserved for staging the output tile in
// 16-bit before it is stored.
func EpilogueCarveout(tile Shape) int {
	return tile.M * tile.N * 2
}

// Stages derives the pipeline depth automatically from the remaining
// capacity after the epilogue carve-out, clamped to [MinStages, MaxStages].
func Stages(f dtype.Family, tile Shape) int {
	per := StageBytes(f, tile)
	if per <= 0 {
		return MinStages
	}
	n := (SharedMemoryBytes - EpilogueCarveout(tile)) / per
	return min(max(n, MinStages), MaxStages)
}
