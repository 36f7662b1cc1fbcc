// Package engine wires the terrain store, hypervector encoder, spatial
// index, consolidator, snapshot manager, and fossil ledger into one
// lifecycle, and runs the background passes that keep the terrain honest:
// erosion, consolidation, index rebuilds, and periodic snapshots.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/strataworks/strata/internal/config"
	"github.com/strataworks/strata/internal/consolidate"
	"github.com/strataworks/strata/internal/fossil"
	"github.com/strataworks/strata/internal/hyper"
	"github.com/strataworks/strata/internal/snapshot"
	"github.com/strataworks/strata/internal/spatial"
	"github.com/strataworks/strata/internal/terrain"
)

// ErrLockTimeout is returned when a maintenance pass cannot get exclusive
// access within the configured wait. The pass is skipped and retried on its
// next tick; callers never block behind maintenance indefinitely.
var ErrLockTimeout = errors.New("maintenance lock timeout")

// LedgerName is the fossil ledger file name inside the data directory.
const LedgerName = "fossils.db"

// Engine is the top-level memory engine.
type Engine struct {
	cfg    config.Config
	store  *terrain.Store
	enc    *hyper.Encoder
	index  *spatial.Index
	cons   *consolidate.Consolidator
	snaps  *snapshot.Manager
	ledger *fossil.DB

	// maint is a capacity-1 semaphore: erosion, consolidation, and restore
	// are mutually exclusive.
	maint chan struct{}

	mu             sync.Mutex
	composted      float64
	lastSnapshotID string
	lastSnapshotAt time.Time
}

// New builds an engine from config. The data directory is created on first
// snapshot; the fossil ledger is opened (and migrated) immediately.
func New(cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		var err error
		dataDir, err = config.DefaultDataDir()
		if err != nil {
			return nil, err
		}
	}

	store, err := terrain.NewStore(cfg.Terrain)
	if err != nil {
		return nil, err
	}
	enc, err := hyper.NewEncoder(cfg.Hyper.EmbeddingDim, cfg.Hyper.Bits, cfg.Hyper.ProjectionSeed)
	if err != nil {
		return nil, err
	}
	ledger, err := fossil.Open(filepath.Join(dataDir, LedgerName))
	if err != nil {
		return nil, fmt.Errorf("open fossil ledger: %w", err)
	}

	meta := snapshot.Meta{
		HyperBits:      cfg.Hyper.Bits,
		EmbeddingDim:   cfg.Hyper.EmbeddingDim,
		ProjectionSeed: cfg.Hyper.ProjectionSeed,
	}

	return &Engine{
		cfg:    cfg,
		store:  store,
		enc:    enc,
		index:  spatial.NewIndex(),
		cons:   consolidate.New(cfg.Terrain),
		snaps:  snapshot.NewManager(dataDir, meta, cfg.Schedule.SnapshotMinGap),
		ledger: ledger,
		maint:  make(chan struct{}, 1),
	}, nil
}

// Close releases the fossil ledger.
func (e *Engine) Close() error {
	return e.ledger.Close()
}

// acquireMaintenance takes the maintenance semaphore, waiting at most the
// configured bound.
func (e *Engine) acquireMaintenance() error {
	wait := e.cfg.Schedule.MaintenanceWait
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.maint <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrLockTimeout, wait)
	}
}

func (e *Engine) releaseMaintenance() {
	<-e.maint
}

// PlaceOrTouch resolves key to its coordinate, creating the record on first
// sight, and registers the access.
func (e *Engine) PlaceOrTouch(key string) terrain.Record {
	return e.store.Touch(key)
}

// Get returns the record for key without registering an access.
func (e *Engine) Get(key string) (terrain.Record, error) {
	return e.store.Get(key)
}

// Reinforce raises or lowers key's elevation by delta, clamped.
func (e *Engine) Reinforce(key string, delta float64) {
	e.store.Reinforce(key, delta)
}

// Valence returns key's current elevation; 0 for unknown keys.
func (e *Engine) Valence(key string) float64 {
	return e.store.Valence(key)
}

// Deposit spreads an emotional imprint on the terrain around key.
func (e *Engine) Deposit(key string, emotion float64) terrain.Record {
	return e.store.Deposit(key, emotion)
}

// Context returns the human-readable description of key's mental coordinate.
func (e *Engine) Context(key string) (string, error) {
	return e.store.Context(key)
}

// Drift pulls subject toward attractor in proportion to similarity and
// returns the distance moved.
func (e *Engine) Drift(subject, attractor string, similarity float64) float64 {
	return e.store.ApplyDrift(subject, attractor, similarity)
}

// AttachEmbedding encodes a dense embedding into a binary hypervector and
// attaches it to key's record.
func (e *Engine) AttachEmbedding(key string, embedding []float64) error {
	vec, err := e.enc.Encode(embedding)
	if err != nil {
		return fmt.Errorf("encode embedding for %q: %w", key, err)
	}
	return e.store.SetHyper(key, vec)
}

// Similarity returns the hypervector similarity of two keys. Both records
// must exist and carry hypervectors.
func (e *Engine) Similarity(a, b string) (float64, error) {
	ra, err := e.store.Get(a)
	if err != nil {
		return 0, err
	}
	rb, err := e.store.Get(b)
	if err != nil {
		return 0, err
	}
	if ra.Hyper == nil || rb.Hyper == nil {
		return 0, fmt.Errorf("similarity %q/%q: %w: no hypervector", a, b, terrain.ErrNotFound)
	}
	return hyper.Similarity(ra.Hyper, rb.Hyper), nil
}

// Match is one similarity search result.
type Match struct {
	Key        string  `json:"key"`
	Similarity float64 `json:"similarity"`
}

// SimilarTo scans all records carrying hypervectors and returns the k most
// similar to key, best first. Linear scan: hamming distance over packed
// words is cheap enough that an approximate index would not pay for itself
// at this scale.
func (e *Engine) SimilarTo(key string, k int) ([]Match, error) {
	ref, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	if ref.Hyper == nil {
		return nil, fmt.Errorf("similar to %q: %w: no hypervector", key, terrain.ErrNotFound)
	}

	var matches []Match
	for _, r := range e.store.LiveRecords() {
		if r.Key == key || r.Hyper == nil {
			continue
		}
		matches = append(matches, Match{Key: r.Key, Similarity: hyper.Similarity(ref.Hyper, r.Hyper)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Nearest returns the k spatially nearest concepts to a point, per the
// current index generation.
func (e *Engine) Nearest(x, y float64, k int) []spatial.Neighbor {
	return e.index.QueryKNN(x, y, k)
}

// NearestToKey returns the k nearest concepts to key's own coordinate,
// excluding key itself.
func (e *Engine) NearestToKey(key string, k int) ([]spatial.Neighbor, error) {
	r, err := e.store.Get(key)
	if err != nil {
		return nil, err
	}
	neighbors := e.index.QueryKNN(float64(r.X), float64(r.Y), k+1)
	out := neighbors[:0]
	for _, n := range neighbors {
		if n.Key != key {
			out = append(out, n)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Fossil resolves a consolidated member key through the ledger.
func (e *Engine) Fossil(memberKey string) (*fossil.Entry, error) {
	return e.ledger.Lookup(memberKey)
}

// RebuildIndex publishes a fresh index generation from the current records.
func (e *Engine) RebuildIndex() int {
	records := e.store.LiveRecords()
	points := make([]spatial.Point, len(records))
	for i, r := range records {
		points[i] = spatial.Point{Key: r.Key, X: r.X, Y: r.Y}
	}
	return e.index.Rebuild(points)
}

// Maintain runs one erosion pass and, if the capacity threshold is crossed,
// one consolidation pass. Exclusive with restore and other maintenance.
func (e *Engine) Maintain(now time.Time) error {
	if err := e.acquireMaintenance(); err != nil {
		return err
	}
	defer e.releaseMaintenance()

	report := e.store.Erode(now)
	if report.Decayed > 0 || len(report.Removed) > 0 {
		log.Printf("erosion: %d decayed, %d forgotten", report.Decayed, len(report.Removed))
	}
	if report.Composted != 0 {
		e.mu.Lock()
		e.composted += report.Composted
		e.mu.Unlock()
	}

	if e.cons.NeedsRun(e.store.Len()) {
		merges := e.cons.Plan(e.store.LiveRecords())
		if len(merges) > 0 {
			removed := e.store.Consolidate(merges)
			log.Printf("consolidation: %d records compressed into %d fossils", removed, len(merges))
			if err := e.ledger.RecordMerges(merges); err != nil {
				return fmt.Errorf("record merges: %w", err)
			}
		}
	}
	return nil
}

// DrainComposted returns the valence of everything forgotten since the last
// drain and resets the accumulator. Forgotten affect is not destroyed; the
// caller folds it back into longer-lived state.
func (e *Engine) DrainComposted() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.composted
	e.composted = 0
	return v
}

// SnapshotNow persists the current terrain state. Returns the snapshot id,
// or snapshot.ErrThrottled when called too soon after the previous save.
func (e *Engine) SnapshotNow() (string, error) {
	st := e.store.ExportState()
	if err := e.snaps.Save(&st); err != nil {
		return "", err
	}

	id := uuid.NewString()
	e.mu.Lock()
	e.lastSnapshotID = id
	e.lastSnapshotAt = time.Now()
	e.mu.Unlock()
	return id, nil
}

// Restore loads the default snapshot file, replacing in-memory state, then
// applies downtime weathering for the time slept since the snapshot's last
// activity. Exclusive with maintenance.
func (e *Engine) Restore() error {
	return e.RestoreFrom(e.snaps.Path())
}

// RestoreFrom loads an arbitrary snapshot file. On any error the in-memory
// state is left untouched; a corrupt file surfaces ErrCorruptSnapshot and
// the caller decides whether bare terrain is acceptable.
func (e *Engine) RestoreFrom(path string) error {
	if err := e.acquireMaintenance(); err != nil {
		return err
	}
	defer e.releaseMaintenance()

	st, hdr, err := snapshot.LoadFile(path)
	if err != nil {
		return err
	}

	meta := snapshot.Meta{
		HyperBits:      e.cfg.Hyper.Bits,
		EmbeddingDim:   e.cfg.Hyper.EmbeddingDim,
		ProjectionSeed: e.cfg.Hyper.ProjectionSeed,
	}
	if hdr.Meta != meta {
		return fmt.Errorf("snapshot encoder parameters %+v do not match configured %+v",
			hdr.Meta, meta)
	}

	if err := e.store.RestoreState(*st); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	if st.LastActive > 0 {
		slept := time.Since(time.UnixMilli(st.LastActive))
		if factor := e.store.Weather(slept); factor > 0 {
			log.Printf("weathering: slept %s, terrain relaxed by %.1f%%",
				slept.Round(time.Second), factor*100)
		}
	}

	e.RebuildIndex()
	return nil
}

// Stats is the observability surface.
type Stats struct {
	Records          int     `json:"records"`
	Fossils          int     `json:"fossils"`
	Mass             float64 `json:"mass"`
	IndexSize        int     `json:"index_size"`
	IndexGenerations int64   `json:"index_generations"`
	LedgerFossils    int     `json:"ledger_fossils"`
	LedgerMembers    int     `json:"ledger_members"`
	LastActive       int64   `json:"last_active"`
	LastSnapshotID   string  `json:"last_snapshot_id,omitempty"`
	LastSnapshotAt   int64   `json:"last_snapshot_at,omitempty"`
	Composted        float64 `json:"composted"`
}

// Stats reports current engine state. Ledger counts degrade to zero on
// query error rather than failing the whole surface.
func (e *Engine) Stats() Stats {
	s := Stats{
		Records:          e.store.Len(),
		Fossils:          e.store.FossilCount(),
		Mass:             e.store.Mass(),
		IndexSize:        e.index.Len(),
		IndexGenerations: e.index.Generations(),
		LastActive:       e.store.LastActive(),
	}
	if lf, lm, err := e.ledger.Counts(); err == nil {
		s.LedgerFossils = lf
		s.LedgerMembers = lm
	}

	e.mu.Lock()
	s.LastSnapshotID = e.lastSnapshotID
	if !e.lastSnapshotAt.IsZero() {
		s.LastSnapshotAt = e.lastSnapshotAt.UnixMilli()
	}
	s.Composted = math.Round(e.composted*1e9) / 1e9
	e.mu.Unlock()
	return s
}

// Run drives the background passes until ctx is canceled: erosion (with
// capacity-triggered consolidation), index rebuilds, and periodic snapshots.
// Lock timeouts and snapshot throttling are logged and retried next tick,
// never fatal.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.tick(ctx, e.cfg.Schedule.ErodeInterval, func() {
			if err := e.Maintain(time.Now()); err != nil {
				log.Printf("maintenance pass skipped: %v", err)
			}
		})
	})

	g.Go(func() error {
		return e.tick(ctx, e.cfg.Schedule.RebuildInterval, func() {
			e.RebuildIndex()
		})
	})

	g.Go(func() error {
		return e.tick(ctx, e.cfg.Schedule.SnapshotInterval, func() {
			if _, err := e.SnapshotNow(); err != nil && !errors.Is(err, snapshot.ErrThrottled) {
				log.Printf("snapshot failed: %v", err)
			}
		})
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) tick(ctx context.Context, interval time.Duration, fn func()) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn()
		}
	}
}
