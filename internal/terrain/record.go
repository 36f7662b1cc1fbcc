package terrain

import (
	"errors"

	"github.com/strataworks/strata/internal/hyper"
)

// ErrNotFound is returned by queries on absent keys where a defined default
// cannot apply. Non-fatal.
var ErrNotFound = errors.New("concept not found")

// ErrOutOfRange indicates a coordinate computation produced an invalid index.
// This is a configuration bug: fatal at startup, never expected at runtime.
var ErrOutOfRange = errors.New("coordinate out of range")

// Record is the unit of memory: a concept anchored to a grid cell. The cell
// holds the elevation; the record holds the occupant's metadata. Records
// sharing a cell share its elevation.
type Record struct {
	Key string
	X   int
	Y   int
	// Elevation is a read view of the record's grid cell at copy time.
	Elevation float64
	// LastAccess is unix milliseconds; monotonically increasing.
	LastAccess int64
	// AccessCount saturates at MaxUint32 instead of wrapping.
	AccessCount uint32
	// Fossilized records have frozen positions; their elevation only decays
	// through global weathering, never rises through reinforcement.
	Fossilized bool
	// Members is the number of records merged into this fossil (0 for live
	// records).
	Members uint32
	// Hyper is the optional binary hypervector for approximate similarity.
	Hyper hyper.BitVector
}

// Merge describes one consolidation result: the member records collapse into
// a single fossil at the centroid.
type Merge struct {
	FossilKey string
	X         int
	Y         int
	// Elevation is the magnitude-weighted average of member elevations; it is
	// deposited at the centroid cell while the members' cells give it up
	// proportionally, so total terrain mass is conserved.
	Elevation float64
	Members   []string
	// Hyper is the bundled hypervector of the members, if any carried one.
	Hyper []uint64
}

// State is the full serializable content of a Store.
type State struct {
	GridSize   int
	Grid       []float64
	Records    []RecordState
	LastActive int64
}

// RecordState is the persisted form of a Record. Elevation is not stored —
// it lives in the grid.
type RecordState struct {
	Key         string
	X           int
	Y           int
	LastAccess  int64
	AccessCount uint32
	Fossilized  bool
	Members     uint32
	Hyper       []uint64
}
