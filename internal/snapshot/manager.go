package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/strataworks/strata/internal/terrain"
	"golang.org/x/time/rate"
)

// FileName is the snapshot file name inside the data directory.
const FileName = "terrain.snap"

// ErrThrottled is returned when a save is requested before the minimum gap
// since the previous save has elapsed. The caller retries on its next tick.
var ErrThrottled = errors.New("snapshot throttled")

// Manager owns the snapshot file: saves go through a temp file, fsync, and
// rename so a crash mid-write leaves the previous snapshot intact.
type Manager struct {
	dir     string
	meta    Meta
	limiter *rate.Limiter
}

// NewManager creates a Manager writing under dir. minGap throttles
// back-to-back saves; zero disables throttling.
func NewManager(dir string, meta Meta, minGap time.Duration) *Manager {
	limit := rate.Inf
	if minGap > 0 {
		limit = rate.Every(minGap)
	}
	return &Manager{
		dir:     dir,
		meta:    meta,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Path returns the snapshot file path.
func (m *Manager) Path() string {
	return filepath.Join(m.dir, FileName)
}

// Save atomically replaces the snapshot file with st.
func (m *Manager) Save(st *terrain.State) error {
	if !m.limiter.Allow() {
		return ErrThrottled
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp := filepath.Join(m.dir, ".snap-"+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if err := Encode(f, st, m.meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp, m.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Load reads and verifies the snapshot file. A missing file is reported via
// fs.ErrNotExist; a damaged one via ErrCorruptSnapshot.
func (m *Manager) Load() (*terrain.State, *Header, error) {
	return LoadFile(m.Path())
}

// LoadFile reads and verifies an arbitrary snapshot file.
func LoadFile(path string) (*terrain.State, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Decode(f)
}

// InspectFile reads only the header of a snapshot file.
func InspectFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadHeader(f)
}
