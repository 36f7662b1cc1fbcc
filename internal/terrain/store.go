package terrain

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/strataworks/strata/internal/config"
	"github.com/strataworks/strata/internal/hyper"
)

// Store owns the elevation grid and every Concept Record. It is the single
// shared mutable resource of the engine: all mutation runs under the write
// lock, Valence queries run under the read lock. Collaborators receive a
// *Store handle at construction time — there is no ambient global.
type Store struct {
	mu     sync.RWMutex
	cfg    config.TerrainConfig
	mapper *Mapper

	// grid is the physical substrate: one elevation per cell, row-major
	// (y*size + x). Cells keep residual elevation after their occupants are
	// forgotten.
	grid    []float64
	records map[string]*Record
	// order preserves insertion order for the consolidation scan.
	order []string

	// lastActive is unix ms of the last mutation; persisted so restores can
	// weather the downtime.
	lastActive int64
}

// NewStore allocates an empty terrain. The configuration is validated here:
// a bad grid size is an ErrOutOfRange class bug and must fail at startup.
func NewStore(cfg config.TerrainConfig) (*Store, error) {
	if cfg.GridSize <= 0 {
		return nil, fmt.Errorf("%w: grid size %d", ErrOutOfRange, cfg.GridSize)
	}
	return &Store{
		cfg:        cfg,
		mapper:     NewMapper(cfg.GridSize),
		grid:       make([]float64, cfg.GridSize*cfg.GridSize),
		records:    make(map[string]*Record),
		lastActive: time.Now().UnixMilli(),
	}, nil
}

func (s *Store) idx(x, y int) int { return y*s.cfg.GridSize + x }

func (s *Store) clamp(v float64) float64 {
	if v > s.cfg.VMax {
		return s.cfg.VMax
	}
	if v < -s.cfg.VMax {
		return -s.cfg.VMax
	}
	return v
}

func saturatingInc(c uint32) uint32 {
	if c == math.MaxUint32 {
		return c
	}
	return c + 1
}

// view copies a record with its current cell elevation filled in.
func (s *Store) view(r *Record) Record {
	out := *r
	out.Elevation = s.grid[s.idx(r.X, r.Y)]
	out.Hyper = r.Hyper.Clone()
	return out
}

// getOrCreate returns the live record, creating one at its mapped coordinate
// if the key is unseen. Caller must hold the write lock.
func (s *Store) getOrCreate(key string) *Record {
	if r, ok := s.records[key]; ok {
		return r
	}
	x, y := s.mapper.Place(key)
	r := &Record{
		Key:        key,
		X:          x,
		Y:          y,
		LastAccess: time.Now().UnixMilli(),
	}
	s.records[key] = r
	s.order = append(s.order, key)
	return r
}

// GetOrCreate returns the record for key, creating it if absent. Creation
// does not disturb the cell's residual elevation — a brand-new cell is
// already at zero, and a colliding key joins the existing well.
func (s *Store) GetOrCreate(key string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view(s.getOrCreate(key))
}

// Get returns the record for key without creating or touching anything.
func (s *Store) Get(key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return Record{}, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return s.view(r), nil
}

// Touch ensures key exists and records an access: last_access moves forward,
// access_count saturates upward. Returns the record's coordinate.
func (s *Store) Touch(key string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreate(key)
	now := time.Now().UnixMilli()
	if now > r.LastAccess {
		r.LastAccess = now
	}
	r.AccessCount = saturatingInc(r.AccessCount)
	s.lastActive = now
	return s.view(r)
}

// Reinforce adds delta to the record's cell elevation, clamped to ±VMax.
// An unseen key with a zero delta is a silent no-op; a nonzero delta
// auto-creates the record. Reinforcing a fossil updates its access metadata
// but never raises its elevation.
func (s *Store) Reinforce(key string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[key]; !ok && delta == 0 {
		return
	}
	r := s.getOrCreate(key)

	now := time.Now().UnixMilli()
	if now > r.LastAccess {
		r.LastAccess = now
	}
	r.AccessCount = saturatingInc(r.AccessCount)
	s.lastActive = now

	if r.Fossilized {
		return
	}
	i := s.idx(r.X, r.Y)
	s.grid[i] = s.clamp(s.grid[i] + delta)
}

// Valence returns the current elevation of key's cell, 0.0 if the key is
// absent. Read-only: access metadata is not touched, so passive reads never
// inflate frequency counts.
func (s *Store) Valence(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return 0
	}
	return s.grid[s.idx(r.X, r.Y)]
}

// Deposit spreads an emotional imprint across the terrain around key's cell:
// strongest at the center, linear falloff to the deposit radius. Cells clamp
// to ±VMax. The key is created and touched if unseen.
func (s *Store) Deposit(key string, emotion float64) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.getOrCreate(key)
	now := time.Now().UnixMilli()
	if now > r.LastAccess {
		r.LastAccess = now
	}
	r.AccessCount = saturatingInc(r.AccessCount)
	s.lastActive = now

	radius := s.cfg.DepositRadius
	power := emotion * 0.2
	size := s.cfg.GridSize

	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			x, y := r.X+dx, r.Y+dy
			if x < 0 || x >= size || y < 0 || y >= size {
				continue
			}
			d := math.Sqrt(float64(dx*dx + dy*dy))
			if d > float64(radius) {
				continue
			}
			effect := power * (1 - d/float64(radius+1))
			i := s.idx(x, y)
			s.grid[i] = s.clamp(s.grid[i] + effect)
		}
	}
	return s.view(r)
}

// ApplyDrift moves subject a bounded step toward attractor, scaled by
// similarity in [0,1]. The step never exceeds MaxDriftStep and never
// overshoots past half the remaining distance, so repeated calls converge
// without oscillating. Subjects inside the stability radius, fossils, and
// absent keys do not move. Returns the distance actually moved.
func (s *Store) ApplyDrift(subject, attractor string, similarity float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.records[subject]
	if !ok {
		return 0
	}
	att, ok := s.records[attractor]
	if !ok {
		return 0
	}
	if sub.Fossilized {
		return 0
	}

	if similarity < 0 {
		similarity = 0
	} else if similarity > 1 {
		similarity = 1
	}

	dx := float64(att.X - sub.X)
	dy := float64(att.Y - sub.Y)
	dist := math.Sqrt(dx*dx + dy*dy)
	if dist < s.cfg.StabilityRadius {
		return 0
	}

	// Quadratic pull: strong similarity dominates, weak barely nudges.
	step := s.cfg.MaxDriftStep * similarity * similarity
	if step > dist*0.5 {
		step = dist * 0.5
	}
	if step <= 0 {
		return 0
	}

	ratio := step / dist
	nx := int(math.Round(float64(sub.X) + dx*ratio))
	ny := int(math.Round(float64(sub.Y) + dy*ratio))
	nx = boundCoord(nx, s.cfg.GridSize)
	ny = boundCoord(ny, s.cfg.GridSize)

	moved := math.Sqrt(float64((nx-sub.X)*(nx-sub.X) + (ny-sub.Y)*(ny-sub.Y)))
	sub.X, sub.Y = nx, ny
	s.lastActive = time.Now().UnixMilli()
	return moved
}

func boundCoord(v, size int) int {
	if v < 0 {
		return 0
	}
	if v >= size {
		return size - 1
	}
	return v
}

// ErosionReport summarizes one erosion pass.
type ErosionReport struct {
	// Decayed counts records whose cells lost elevation this pass.
	Decayed int
	// Removed lists keys deleted because they faded below the forget
	// threshold with too few accesses.
	Removed []string
	// Composted is the summed valence of removed records, returned so a
	// caller can fold forgotten affect back into longer-lived state.
	Composted float64
}

// Erode scans all live records: anything unaccessed past the age limit loses
// elevation at the erosion rate; records that end up below the forget
// threshold with few accesses are deleted. Strong valence stretches a
// record's deletion horizon (emotional persistence): an intense memory has to
// fade before it can be forgotten. Fossils are exempt — they decay only
// through global weathering.
//
// Importance dominates recency here: a high-elevation record survives no
// matter how stale it is. This is not LRU.
func (s *Store) Erode(now time.Time) ErosionReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report ErosionReport
	nowMs := now.UnixMilli()
	ageLimitMs := s.cfg.AgeLimit.Milliseconds()
	decayedCells := make(map[int]bool)

	for _, key := range s.order {
		r := s.records[key]
		if r == nil || r.Fossilized {
			continue
		}
		age := nowMs - r.LastAccess
		if age <= ageLimitMs {
			continue
		}

		i := s.idx(r.X, r.Y)
		if !decayedCells[i] {
			s.grid[i] *= 1 - s.cfg.ErosionRate
			decayedCells[i] = true
		}
		report.Decayed++

		elev := s.grid[i]
		// Emotional persistence: |valence| stretches the deletion horizon.
		horizon := float64(ageLimitMs) * (1 + math.Abs(elev)*s.cfg.ValenceFactor)
		if math.Abs(elev) < s.cfg.ForgetThreshold &&
			r.AccessCount < s.cfg.MinAccessCount &&
			float64(age) > horizon {
			report.Removed = append(report.Removed, key)
			report.Composted += elev
		}
	}

	if len(report.Removed) > 0 {
		for _, key := range report.Removed {
			delete(s.records, key)
		}
		s.compactOrder()
	}
	return report
}

// Weather applies downtime erosion: the whole terrain relaxes toward zero in
// proportion to how long the engine slept, capped so even a long sleep never
// wipes more than the configured maximum. Returns the applied loss factor.
func (s *Store) Weather(elapsed time.Duration) float64 {
	if elapsed <= 0 || s.cfg.WeatherCycle <= 0 {
		return 0
	}
	cycles := float64(elapsed / s.cfg.WeatherCycle)
	factor := s.cfg.WeatherRate * cycles
	if factor > s.cfg.WeatherMaxLoss {
		factor = s.cfg.WeatherMaxLoss
	}
	if factor <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.grid {
		s.grid[i] *= 1 - factor
	}
	return factor
}

// Consolidate applies a batch of merges computed from a frozen snapshot.
// Each merge deposits the fossil's elevation at the centroid cell while the
// member cells give up a proportional share, so total terrain mass moves
// rather than vanishes (bounded loss from clamping only). Member records are
// deleted; the fossil takes their summed access history. Restructures the
// key→record mapping, so it requires the full write lock.
func (s *Store) Consolidate(merges []Merge) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	removed := 0

	for _, m := range merges {
		var members []*Record
		for _, key := range m.Members {
			if r, ok := s.records[key]; ok && !r.Fossilized {
				members = append(members, r)
			}
		}
		if len(members) == 0 {
			continue
		}

		// Move elevation mass: the fossil's share leaves the member cells and
		// lands on the centroid cell.
		var totalMag float64
		seen := make(map[int]bool)
		for _, r := range members {
			i := s.idx(r.X, r.Y)
			if seen[i] {
				continue
			}
			seen[i] = true
			totalMag += math.Abs(s.grid[i])
		}
		deposit := s.clamp(m.Elevation)
		if totalMag > 0 {
			for i := range seen {
				share := deposit * math.Abs(s.grid[i]) / totalMag
				s.grid[i] -= share
			}
		}
		ci := s.idx(m.X, m.Y)
		s.grid[ci] = s.clamp(s.grid[ci] + deposit)

		fossil := &Record{
			Key:        m.FossilKey,
			X:          m.X,
			Y:          m.Y,
			LastAccess: now,
			Fossilized: true,
			Members:    uint32(len(members)),
			Hyper:      hyper.BitVector(m.Hyper),
		}
		for _, r := range members {
			count := fossil.AccessCount + r.AccessCount
			if count < fossil.AccessCount { // overflow
				count = math.MaxUint32
			}
			fossil.AccessCount = count
			delete(s.records, r.Key)
			removed++
		}
		s.records[m.FossilKey] = fossil
		s.order = append(s.order, m.FossilKey)
	}

	if removed > 0 {
		s.compactOrder()
		s.lastActive = now
	}
	return removed
}

// compactOrder rebuilds the insertion-order slice after deletions. Caller
// must hold the write lock.
func (s *Store) compactOrder() {
	kept := s.order[:0]
	for _, key := range s.order {
		if _, ok := s.records[key]; ok {
			kept = append(kept, key)
		}
	}
	s.order = kept
}

// SetHyper attaches a hypervector to an existing record.
func (s *Store) SetHyper(key string, vec hyper.BitVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return fmt.Errorf("set hypervector %q: %w", key, ErrNotFound)
	}
	r.Hyper = vec.Clone()
	return nil
}

// LiveRecords returns copies of all records in insertion order, elevations
// resolved from the grid. The result is a disposable snapshot — safe to use
// without the lock, stale the moment it is returned.
func (s *Store) LiveRecords() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for _, key := range s.order {
		if r, ok := s.records[key]; ok {
			out = append(out, s.view(r))
		}
	}
	return out
}

// Len returns the live record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// FossilCount returns how many records are fossils.
func (s *Store) FossilCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Fossilized {
			n++
		}
	}
	return n
}

// Mass returns the summed elevation over all grid cells. Consolidation
// conserves this within a small epsilon.
func (s *Store) Mass() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, v := range s.grid {
		sum += v
	}
	return sum
}

// Context describes a concept's mental coordinate in human terms: compass
// sector plus terrain type scaled against VMax.
func (s *Store) Context(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return "", fmt.Errorf("context %q: %w", key, ErrNotFound)
	}
	alt := s.grid[s.idx(r.X, r.Y)]
	size := float64(s.cfg.GridSize)

	sector := "Central"
	if float64(r.Y) < size/3 {
		sector = "North"
	} else if float64(r.Y) > size*2/3 {
		sector = "South"
	}
	if float64(r.X) < size/3 {
		sector += "-West"
	} else if float64(r.X) > size*2/3 {
		sector += "-East"
	}

	rel := alt / s.cfg.VMax
	terrainType := "Plains"
	switch {
	case rel > 0.7:
		terrainType = "High Peak"
	case rel > 0.2:
		terrainType = "Hills"
	case rel < -0.7:
		terrainType = "Deep Abyss"
	case rel < -0.2:
		terrainType = "Valley"
	}

	return fmt.Sprintf("Sector: %s / Type: %s (Alt: %.2f)", sector, terrainType, alt), nil
}

// LastActive returns unix ms of the last mutation.
func (s *Store) LastActive() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// ExportState copies the full store content for serialization. Runs under
// the read lock so writers block only for the copy, not the disk write.
func (s *Store) ExportState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{
		GridSize:   s.cfg.GridSize,
		Grid:       make([]float64, len(s.grid)),
		Records:    make([]RecordState, 0, len(s.records)),
		LastActive: s.lastActive,
	}
	copy(st.Grid, s.grid)
	for _, key := range s.order {
		r, ok := s.records[key]
		if !ok {
			continue
		}
		st.Records = append(st.Records, RecordState{
			Key:         r.Key,
			X:           r.X,
			Y:           r.Y,
			LastAccess:  r.LastAccess,
			AccessCount: r.AccessCount,
			Fossilized:  r.Fossilized,
			Members:     r.Members,
			Hyper:       r.Hyper.Clone(),
		})
	}
	return st
}

// RestoreState replaces the store content with a deserialized snapshot.
// The snapshot's grid size must match the configured size.
func (s *Store) RestoreState(st State) error {
	if st.GridSize != s.cfg.GridSize {
		return fmt.Errorf("snapshot grid size %d does not match configured %d",
			st.GridSize, s.cfg.GridSize)
	}
	if len(st.Grid) != st.GridSize*st.GridSize {
		return fmt.Errorf("snapshot grid has %d cells, want %d",
			len(st.Grid), st.GridSize*st.GridSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.grid = make([]float64, len(st.Grid))
	copy(s.grid, st.Grid)
	s.records = make(map[string]*Record, len(st.Records))
	s.order = s.order[:0]
	for _, rs := range st.Records {
		if rs.X < 0 || rs.X >= st.GridSize || rs.Y < 0 || rs.Y >= st.GridSize {
			return fmt.Errorf("%w: record %q at (%d,%d)", ErrOutOfRange, rs.Key, rs.X, rs.Y)
		}
		s.records[rs.Key] = &Record{
			Key:         rs.Key,
			X:           rs.X,
			Y:           rs.Y,
			LastAccess:  rs.LastAccess,
			AccessCount: rs.AccessCount,
			Fossilized:  rs.Fossilized,
			Members:     rs.Members,
			Hyper:       hyper.BitVector(rs.Hyper).Clone(),
		}
		s.order = append(s.order, rs.Key)
	}
	if st.LastActive > 0 {
		s.lastActive = st.LastActive
	}
	return nil
}
