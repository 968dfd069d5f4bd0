package kernel

import (
	"github.com/samcharles93/scaledmm/internal/config"
)

// Schedule maps a linear work index to an output tile. Tiles are rasterized
// cluster-major: all tiles of one cluster are issued back to back, clusters
// advance along M first. Edge clusters may cover tile slots outside the
// problem; those indices are skipped.
type Schedule struct {
	TilesM, TilesN       int
	ClusterM, ClusterN   int
	ClustersM, ClustersN int
}

// NewSchedule builds the schedule of an m x n output.
func NewSchedule(cfg config.Config, m, n int) Schedule {
	s := Schedule{
		TilesM:   ceilDiv(m, cfg.Tile.M),
		TilesN:   ceilDiv(n, cfg.Tile.N),
		ClusterM: max(cfg.Cluster.M, 1),
		ClusterN: max(cfg.Cluster.N, 1),
	}
	s.ClustersM = ceilDiv(s.TilesM, s.ClusterM)
	s.ClustersN = ceilDiv(s.TilesN, s.ClusterN)
	return s
}

// Tiles is the number of output tiles.
func (s Schedule) Tiles() int { return s.TilesM * s.TilesN }

// Slots is the number of work indices, including skipped edge slots.
func (s Schedule) Slots() int {
	return s.ClustersM * s.ClustersN * s.ClusterM * s.ClusterN
}

// Tile returns the tile coordinates of work index w. ok is false for slots
// outside the problem.
func (s Schedule) Tile(w int) (tm, tn int, ok bool) {
	per := s.ClusterM * s.ClusterN
	c, within := w/per, w%per
	cm, cn := c%s.ClustersM, c/s.ClustersM
	tm = cm*s.ClusterM + within%s.ClusterM
	tn = cn*s.ClusterN + within/s.ClusterM
	return tm, tn, tm < s.TilesM && tn < s.TilesN
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
