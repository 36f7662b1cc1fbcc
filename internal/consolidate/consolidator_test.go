package consolidate

import (
	"math"
	"strings"
	"testing"

	"github.com/strataworks/strata/internal/config"
	"github.com/strataworks/strata/internal/terrain"
)

func testConfig() config.TerrainConfig {
	cfg := config.Default().Terrain
	cfg.ClusterRadius = 10
	cfg.MinClusterSize = 3
	cfg.ValenceGuard = 0.5
	cfg.MaxRecords = 100
	cfg.CapacityRatio = 0.8
	return cfg
}

func rec(key string, x, y int, elev float64) terrain.Record {
	return terrain.Record{Key: key, X: x, Y: y, Elevation: elev}
}

func TestNeedsRun(t *testing.T) {
	c := New(testConfig())
	if c.NeedsRun(80) {
		t.Error("80 of 100 at ratio 0.8 should not trigger")
	}
	if !c.NeedsRun(81) {
		t.Error("81 of 100 at ratio 0.8 should trigger")
	}
}

func TestPlanMergesDenseCluster(t *testing.T) {
	c := New(testConfig())
	records := []terrain.Record{
		rec("a", 10, 10, 2),
		rec("b", 12, 11, 2),
		rec("c", 11, 13, 2),
		rec("lonely", 200, 200, 2),
	}

	merges := c.Plan(records)
	if len(merges) != 1 {
		t.Fatalf("got %d merges, want 1", len(merges))
	}
	m := merges[0]
	if len(m.Members) != 3 {
		t.Fatalf("merge has %d members, want 3", len(m.Members))
	}
	for _, k := range m.Members {
		if k == "lonely" {
			t.Error("distant record pulled into cluster")
		}
	}
	if !strings.HasPrefix(m.FossilKey, "fossil:") {
		t.Errorf("fossil key = %q, want fossil: prefix", m.FossilKey)
	}
	// Equal magnitudes: centroid is the plain mean.
	if m.X != 11 || m.Y != 11 {
		t.Errorf("centroid = (%d, %d), want (11, 11)", m.X, m.Y)
	}
	if math.Abs(m.Elevation-2) > 1e-9 {
		t.Errorf("elevation = %f, want 2", m.Elevation)
	}
}

func TestPlanSkipsSmallClusters(t *testing.T) {
	c := New(testConfig())
	records := []terrain.Record{
		rec("a", 10, 10, 1),
		rec("b", 11, 11, 1),
	}
	if merges := c.Plan(records); len(merges) != 0 {
		t.Errorf("pair below minimum size produced %d merges", len(merges))
	}
}

func TestPlanValenceGuard(t *testing.T) {
	c := New(testConfig())
	// Same neighborhood, opposite emotional charge. The outlier must found
	// its own cluster rather than dilute the others.
	records := []terrain.Record{
		rec("calm1", 10, 10, 0.1),
		rec("calm2", 11, 10, 0.1),
		rec("calm3", 10, 11, 0.1),
		rec("trauma", 11, 11, -8),
	}

	merges := c.Plan(records)
	if len(merges) != 1 {
		t.Fatalf("got %d merges, want 1", len(merges))
	}
	for _, k := range merges[0].Members {
		if k == "trauma" {
			t.Error("record outside valence guard merged into cluster")
		}
	}
}

func TestPlanSkipsFossils(t *testing.T) {
	c := New(testConfig())
	records := []terrain.Record{
		{Key: "fossil:old", X: 10, Y: 10, Elevation: 1, Fossilized: true},
		rec("a", 10, 10, 1),
		rec("b", 11, 11, 1),
		rec("c", 12, 10, 1),
	}

	merges := c.Plan(records)
	if len(merges) != 1 {
		t.Fatalf("got %d merges, want 1", len(merges))
	}
	for _, k := range merges[0].Members {
		if k == "fossil:old" {
			t.Error("fossil re-entered clustering")
		}
	}
}

func TestPlanWeightedCentroid(t *testing.T) {
	cfg := testConfig()
	cfg.ValenceGuard = 100 // isolate the centroid math from the guard
	c := New(cfg)
	records := []terrain.Record{
		rec("heavy", 10, 10, 9),
		rec("light1", 16, 10, 1),
		rec("light2", 16, 10, 1),
	}

	merges := c.Plan(records)
	if len(merges) != 1 {
		t.Fatalf("got %d merges, want 1", len(merges))
	}
	m := merges[0]
	// Weighted x: (9*10 + 1*16 + 1*16) / 11 ≈ 11.09 → 11.
	if m.X != 11 {
		t.Errorf("weighted centroid x = %d, want 11", m.X)
	}
	want := (9.0*9 + 1 + 1) / 11
	if math.Abs(m.Elevation-want) > 1e-9 {
		t.Errorf("elevation = %f, want %f", m.Elevation, want)
	}
}

func TestPlanNeutralClusterPlainCentroid(t *testing.T) {
	c := New(testConfig())
	records := []terrain.Record{
		rec("a", 10, 10, 0),
		rec("b", 14, 10, 0),
		rec("c", 12, 14, 0),
	}

	merges := c.Plan(records)
	if len(merges) != 1 {
		t.Fatalf("got %d merges, want 1", len(merges))
	}
	m := merges[0]
	if m.X != 12 || m.Y != 11 {
		t.Errorf("centroid = (%d, %d), want (12, 11)", m.X, m.Y)
	}
	if m.Elevation != 0 {
		t.Errorf("elevation = %f, want 0", m.Elevation)
	}
}

func TestBundleMajorityVote(t *testing.T) {
	records := []terrain.Record{
		{Key: "a", Hyper: []uint64{0b1110}},
		{Key: "b", Hyper: []uint64{0b0111}},
		{Key: "c", Hyper: []uint64{0b0110}},
		{Key: "novec"},
	}

	got := bundle(records)
	if len(got) != 1 {
		t.Fatalf("bundle width = %d, want 1", len(got))
	}
	// Bits 1 and 2 carry three votes, bits 0 and 3 only one each.
	if got[0] != 0b0110 {
		t.Errorf("bundle = %b, want 0110", got[0])
	}

	if bundle([]terrain.Record{{Key: "a"}, {Key: "b"}}) != nil {
		t.Error("bundle of vectorless records should be nil")
	}
}

func TestPlanUniqueFossilKeys(t *testing.T) {
	c := New(testConfig())
	records := []terrain.Record{
		rec("a1", 10, 10, 1), rec("a2", 11, 10, 1), rec("a3", 10, 11, 1),
		rec("b1", 200, 200, 1), rec("b2", 201, 200, 1), rec("b3", 200, 201, 1),
	}

	merges := c.Plan(records)
	if len(merges) != 2 {
		t.Fatalf("got %d merges, want 2", len(merges))
	}
	if merges[0].FossilKey == merges[1].FossilKey {
		t.Error("fossil keys collide")
	}
}
