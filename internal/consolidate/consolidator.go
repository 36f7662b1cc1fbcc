// Package consolidate implements the sedimentary pass: when the live record
// count crosses the capacity threshold, dense neighborhoods of concepts are
// compressed into single aggregate fossils, bounding memory growth without
// sudden amnesia.
package consolidate

import (
	"math"

	"github.com/google/uuid"
	"github.com/strataworks/strata/internal/config"
	"github.com/strataworks/strata/internal/terrain"
)

// Consolidator plans merges over frozen record snapshots. Planning is pure;
// the terrain store applies the resulting merges under its write lock, which
// keeps the stop-the-world window to the apply step only.
type Consolidator struct {
	cfg config.TerrainConfig
}

// New creates a Consolidator with the given thresholds.
func New(cfg config.TerrainConfig) *Consolidator {
	return &Consolidator{cfg: cfg}
}

// NeedsRun reports whether the live record count has crossed the capacity
// threshold.
func (c *Consolidator) NeedsRun(live int) bool {
	return float64(live) > c.cfg.CapacityRatio*float64(c.cfg.MaxRecords)
}

type cluster struct {
	leader  terrain.Record
	members []terrain.Record
}

// Plan runs single-pass leader clustering over the snapshot in insertion
// order: each record joins the nearest existing leader within the cluster
// radius, or founds a new cluster. Only clusters reaching the minimum size
// become merges; singletons are left untouched. Records whose valence
// differs from the leader's by more than the valence guard stay out — joy
// and trauma do not share a fossil. Fossils never re-cluster.
func (c *Consolidator) Plan(records []terrain.Record) []terrain.Merge {
	var clusters []cluster

	for _, r := range records {
		if r.Fossilized {
			continue
		}

		best := -1
		bestDist := c.cfg.ClusterRadius
		for i := range clusters {
			lead := clusters[i].leader
			dx := float64(r.X - lead.X)
			dy := float64(r.Y - lead.Y)
			d := math.Sqrt(dx*dx + dy*dy)
			if d <= bestDist && math.Abs(r.Elevation-lead.Elevation) < c.cfg.ValenceGuard {
				best = i
				bestDist = d
			}
		}
		if best >= 0 {
			clusters[best].members = append(clusters[best].members, r)
		} else {
			clusters = append(clusters, cluster{leader: r, members: []terrain.Record{r}})
		}
	}

	var merges []terrain.Merge
	for i := range clusters {
		members := clusters[i].members
		if len(members) < c.cfg.MinClusterSize {
			continue
		}
		merges = append(merges, c.merge(members))
	}
	return merges
}

// merge collapses a cluster: position is the magnitude-weighted centroid,
// elevation the magnitude-weighted average, hypervector the majority-vote
// bundle of the members that carry one.
func (c *Consolidator) merge(members []terrain.Record) terrain.Merge {
	var sumW, sumWX, sumWY, sumWE float64
	for _, m := range members {
		w := math.Abs(m.Elevation)
		sumW += w
		sumWX += w * float64(m.X)
		sumWY += w * float64(m.Y)
		sumWE += w * m.Elevation
	}

	var cx, cy int
	var elevation float64
	if sumW > 0 {
		cx = int(math.Round(sumWX / sumW))
		cy = int(math.Round(sumWY / sumW))
		elevation = sumWE / sumW
	} else {
		// All members neutral: plain centroid, zero elevation.
		for _, m := range members {
			cx += m.X
			cy += m.Y
		}
		cx /= len(members)
		cy /= len(members)
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m.Key
	}

	return terrain.Merge{
		FossilKey: "fossil:" + uuid.NewString(),
		X:         cx,
		Y:         cy,
		Elevation: elevation,
		Members:   keys,
		Hyper:     bundle(members),
	}
}

// bundle majority-votes member hypervectors bit by bit. Members without a
// hypervector abstain; no voters means no hypervector.
func bundle(members []terrain.Record) []uint64 {
	var width, voters int
	for _, m := range members {
		if len(m.Hyper) > 0 {
			width = len(m.Hyper)
			voters++
		}
	}
	if voters == 0 {
		return nil
	}

	counts := make([]int, width*64)
	for _, m := range members {
		if len(m.Hyper) != width {
			continue
		}
		for w := 0; w < width; w++ {
			bits := m.Hyper[w]
			for b := 0; bits != 0; b++ {
				if bits&1 != 0 {
					counts[w*64+b]++
				}
				bits >>= 1
			}
		}
	}

	out := make([]uint64, width)
	for i, n := range counts {
		if n*2 > voters {
			out[i/64] |= 1 << (i % 64)
		}
	}
	return out
}
