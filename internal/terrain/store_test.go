package terrain

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/strataworks/strata/internal/config"
)

func testStore(t *testing.T, mutate func(*config.TerrainConfig)) *Store {
	t.Helper()
	cfg := config.Default().Terrain
	cfg.GridSize = 256
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPlaceDeterministic(t *testing.T) {
	m := NewMapper(1024)
	for _, key := range []string{"fire", "water", "カナメ", "", "a"} {
		x1, y1 := m.Place(key)
		x2, y2 := m.Place(key)
		if x1 != x2 || y1 != y2 {
			t.Errorf("Place(%q) not deterministic: (%d,%d) vs (%d,%d)", key, x1, y1, x2, y2)
		}
		if x1 < 0 || x1 >= 1024 || y1 < 0 || y1 >= 1024 {
			t.Errorf("Place(%q) out of range: (%d,%d)", key, x1, y1)
		}
	}
}

func TestNewStoreRejectsBadGrid(t *testing.T) {
	cfg := config.Default().Terrain
	cfg.GridSize = 0
	if _, err := NewStore(cfg); err == nil {
		t.Error("expected error for zero grid size")
	}
}

func TestReinforceClampScenario(t *testing.T) {
	// +5 twice = 10, then -50 clamps to -VMax.
	s := testStore(t, func(c *config.TerrainConfig) { c.VMax = 20 })

	s.Reinforce("fire", 5.0)
	s.Reinforce("fire", 5.0)
	if v := s.Valence("fire"); v != 10.0 {
		t.Errorf("valence after +5 twice = %f, want 10", v)
	}

	s.Reinforce("fire", -50.0)
	if v := s.Valence("fire"); v != -20.0 {
		t.Errorf("valence after -50 = %f, want -VMax (-20)", v)
	}
}

func TestReinforceAlwaysClamped(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) { c.VMax = 10 })
	deltas := []float64{3, 3, 3, 3, 100, -1000, 5, 5, 5, 5, 5}
	for _, d := range deltas {
		s.Reinforce("k", d)
		v := s.Valence("k")
		if v > 10 || v < -10 {
			t.Fatalf("valence %f escaped [-10, 10] after delta %f", v, d)
		}
	}
}

func TestReinforceAbsentZeroDeltaIsNoop(t *testing.T) {
	s := testStore(t, nil)
	s.Reinforce("ghost", 0)
	if s.Len() != 0 {
		t.Error("zero delta on absent key should not create a record")
	}
	s.Reinforce("real", 0.5)
	if s.Len() != 1 {
		t.Error("nonzero delta should auto-create the record")
	}
}

func TestValenceAbsentReturnsZero(t *testing.T) {
	s := testStore(t, nil)
	if v := s.Valence("nope"); v != 0 {
		t.Errorf("absent valence = %f, want 0", v)
	}
}

func TestValenceDoesNotTouchMetadata(t *testing.T) {
	s := testStore(t, nil)
	r := s.Touch("k")
	for i := 0; i < 10; i++ {
		s.Valence("k")
	}
	after := s.LiveRecords()[0]
	if after.AccessCount != r.AccessCount {
		t.Errorf("passive reads inflated access count: %d -> %d", r.AccessCount, after.AccessCount)
	}
}

// collidingKeys brute-forces two distinct keys that map to the same cell.
func collidingKeys(t *testing.T, m *Mapper) (string, string) {
	t.Helper()
	seen := make(map[[2]int]string)
	for i := 0; i < 1_000_000; i++ {
		key := fmt.Sprintf("key-%d", i)
		x, y := m.Place(key)
		if prev, ok := seen[[2]int{x, y}]; ok {
			return prev, key
		}
		seen[[2]int{x, y}] = key
	}
	t.Fatal("no collision found")
	return "", ""
}

func TestCollisionSharesGravityWell(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) { c.GridSize = 16 })
	a, b := collidingKeys(t, NewMapper(16))

	s.GetOrCreate(a)
	s.GetOrCreate(b)
	s.Reinforce(a, 4.0)

	if v := s.Valence(b); v != 4.0 {
		t.Errorf("colliding key %q should share elevation, got %f want 4", b, v)
	}
	s.Reinforce(b, -1.0)
	if v := s.Valence(a); v != 3.0 {
		t.Errorf("shared well should reflect both reinforcements, got %f want 3", v)
	}
}

func TestDriftBounded(t *testing.T) {
	for _, sim := range []float64{0.1, 0.5, 1.0, 7.5, -3} {
		s2 := testStore(t, func(c *config.TerrainConfig) {
			c.MaxDriftStep = 5
			c.StabilityRadius = 2
		})
		s2.GetOrCreate("subject")
		s2.GetOrCreate("attractor")

		moved := s2.ApplyDrift("subject", "attractor", sim)
		// Rounding to grid cells can add at most half a cell per axis.
		if moved > 5+math.Sqrt2 {
			t.Errorf("sim=%f: moved %f, exceeds max step", sim, moved)
		}
	}
}

func TestDriftConverges(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) {
		c.MaxDriftStep = 20
		c.StabilityRadius = 10
	})
	s.GetOrCreate("subject")
	s.GetOrCreate("attractor")

	recs := s.LiveRecords()
	att := recs[1]

	// Repeated drift must settle inside the stability radius, never oscillate
	// past the attractor.
	for i := 0; i < 100; i++ {
		if s.ApplyDrift("subject", "attractor", 1.0) == 0 {
			break
		}
	}
	sub := s.LiveRecords()[0]
	dx, dy := float64(sub.X-att.X), float64(sub.Y-att.Y)
	if d := math.Sqrt(dx*dx + dy*dy); d >= 20 {
		t.Errorf("drift did not converge, final distance %f", d)
	}
}

func TestDriftAbsentKeysNoop(t *testing.T) {
	s := testStore(t, nil)
	if moved := s.ApplyDrift("a", "b", 1.0); moved != 0 {
		t.Errorf("drift on absent keys moved %f", moved)
	}
}

func TestErodeMonotonic(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) {
		c.AgeLimit = time.Hour
		c.ErosionRate = 0.1
	})
	s.Reinforce("old", 8.0)
	before := s.Valence("old")

	report := s.Erode(time.Now().Add(2 * time.Hour))
	after := s.Valence("old")

	if report.Decayed != 1 {
		t.Errorf("decayed = %d, want 1", report.Decayed)
	}
	if math.Abs(after) > math.Abs(before) {
		t.Errorf("erosion increased magnitude: %f -> %f", before, after)
	}
	if after != before*0.9 {
		t.Errorf("erosion rate not applied: %f -> %f", before, after)
	}
}

func TestErodeSkipsFresh(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) { c.AgeLimit = time.Hour })
	s.Reinforce("fresh", 5.0)

	report := s.Erode(time.Now())
	if report.Decayed != 0 {
		t.Errorf("fresh record decayed")
	}
	if v := s.Valence("fresh"); v != 5.0 {
		t.Errorf("fresh valence changed to %f", v)
	}
}

func TestErodeDeletesFaded(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) {
		c.AgeLimit = time.Hour
		c.ForgetThreshold = 0.5
		c.MinAccessCount = 5
		c.ErosionRate = 0.5
	})
	s.Reinforce("faint", 0.2)

	// Far past any emotional-persistence horizon.
	report := s.Erode(time.Now().Add(1000 * time.Hour))
	if len(report.Removed) != 1 || report.Removed[0] != "faint" {
		t.Fatalf("removed = %v, want [faint]", report.Removed)
	}
	if report.Composted == 0 {
		t.Error("composted valence should carry the deleted record's affect")
	}
	if s.Len() != 0 {
		t.Errorf("record count = %d after deletion, want 0", s.Len())
	}
}

func TestErodeSparesImportant(t *testing.T) {
	// High elevation dominates recency: an intense stale memory decays but
	// is not deleted.
	s := testStore(t, func(c *config.TerrainConfig) {
		c.AgeLimit = time.Hour
		c.ForgetThreshold = 0.5
		c.ErosionRate = 0.01
	})
	s.Reinforce("trauma", -50.0)

	report := s.Erode(time.Now().Add(1000 * time.Hour))
	if len(report.Removed) != 0 {
		t.Errorf("important record was deleted: %v", report.Removed)
	}
	if report.Decayed != 1 {
		t.Errorf("important record should still decay")
	}
}

func TestFossilFrozen(t *testing.T) {
	s := testStore(t, nil)
	s.Reinforce("a", 2.0)
	s.Reinforce("b", 2.0)

	recs := s.LiveRecords()
	merge := Merge{
		FossilKey: "fossil:test",
		X:         recs[0].X,
		Y:         recs[0].Y,
		Elevation: 2.0,
		Members:   []string{"a", "b"},
	}
	if n := s.Consolidate([]Merge{merge}); n != 2 {
		t.Fatalf("consolidated %d members, want 2", n)
	}

	fossil := s.LiveRecords()[0]
	if !fossil.Fossilized {
		t.Fatal("expected fossil record")
	}

	// Reinforcement must not raise a fossil's elevation.
	before := s.Valence("fossil:test")
	s.Reinforce("fossil:test", 10.0)
	if v := s.Valence("fossil:test"); v != before {
		t.Errorf("fossil elevation rose via reinforcement: %f -> %f", before, v)
	}

	// Fossil positions are frozen against drift.
	s.GetOrCreate("attractor-far")
	if moved := s.ApplyDrift("fossil:test", "attractor-far", 1.0); moved != 0 {
		t.Errorf("fossil moved %f under drift", moved)
	}

	// Erosion never deletes fossils.
	report := s.Erode(time.Now().Add(10000 * time.Hour))
	if len(report.Removed) != 0 {
		t.Errorf("erosion removed fossil: %v", report.Removed)
	}
}

func TestConsolidateConservesMass(t *testing.T) {
	s := testStore(t, nil)
	keys := []string{"m1", "m2", "m3"}
	for _, k := range keys {
		s.Reinforce(k, 3.0)
	}
	before := s.Mass()

	recs := s.LiveRecords()
	merge := Merge{
		FossilKey: "fossil:mass",
		X:         recs[0].X,
		Y:         recs[0].Y,
		Elevation: 3.0, // magnitude-weighted average of equal members
		Members:   keys,
	}
	s.Consolidate([]Merge{merge})

	after := s.Mass()
	if diff := math.Abs(after - before); diff > 1e-9 {
		t.Errorf("mass not conserved: %f -> %f (diff %g)", before, after, diff)
	}
}

func TestWeather(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) {
		c.WeatherCycle = time.Minute
		c.WeatherRate = 0.005
		c.WeatherMaxLoss = 0.3
	})
	s.Reinforce("k", 10.0)

	factor := s.Weather(10 * time.Minute)
	if math.Abs(factor-0.05) > 1e-9 {
		t.Errorf("weather factor = %f, want 0.05", factor)
	}
	if v := s.Valence("k"); math.Abs(v-9.5) > 1e-9 {
		t.Errorf("valence after weathering = %f, want 9.5", v)
	}

	// Long sleeps cap at the configured maximum loss.
	if f := s.Weather(1000 * time.Hour); f != 0.3 {
		t.Errorf("capped factor = %f, want 0.3", f)
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	s := testStore(t, nil)
	s.Reinforce("fire", 7.5)
	s.Touch("water")
	s.Deposit("earth", 1.0)

	st := s.ExportState()

	s2 := testStore(t, nil)
	if err := s2.RestoreState(st); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	if s2.Len() != s.Len() {
		t.Errorf("record count %d, want %d", s2.Len(), s.Len())
	}
	for _, key := range []string{"fire", "water", "earth"} {
		if math.Abs(s2.Valence(key)-s.Valence(key)) > 1e-12 {
			t.Errorf("%s valence %f, want %f", key, s2.Valence(key), s.Valence(key))
		}
	}

	a, b := s.LiveRecords(), s2.LiveRecords()
	for i := range a {
		if a[i].Key != b[i].Key || a[i].X != b[i].X || a[i].Y != b[i].Y ||
			a[i].AccessCount != b[i].AccessCount || a[i].Fossilized != b[i].Fossilized {
			t.Errorf("record %d mismatch: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestRestoreRejectsSizeMismatch(t *testing.T) {
	s := testStore(t, nil)
	st := s.ExportState()
	st.GridSize = 64
	st.Grid = make([]float64, 64*64)
	if err := s.RestoreState(st); err == nil {
		t.Error("expected error for mismatched grid size")
	}
}

func TestContext(t *testing.T) {
	s := testStore(t, nil)
	if _, err := s.Context("missing"); err == nil {
		t.Error("expected ErrNotFound for absent key")
	}
	s.Reinforce("k", 90.0)
	ctx, err := s.Context("k")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if ctx == "" {
		t.Error("expected non-empty context description")
	}
}

func TestDepositFalloff(t *testing.T) {
	s := testStore(t, func(c *config.TerrainConfig) { c.DepositRadius = 5 })
	r := s.Deposit("volcano", 5.0)

	center := s.Valence("volcano")
	if center <= 0 {
		t.Fatalf("center elevation = %f, want positive", center)
	}

	// A cell at the radius edge received less than the center.
	edge := s.ExportState().Grid[(r.Y)*256+boundCoord(r.X+4, 256)]
	if edge >= center {
		t.Errorf("falloff violated: edge %f >= center %f", edge, center)
	}
}
