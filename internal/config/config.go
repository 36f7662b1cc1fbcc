package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all strata configuration. Every threshold the engine uses is a
// named field here — nothing is hardcoded at the call sites.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Terrain  TerrainConfig  `yaml:"terrain"`
	Hyper    HyperConfig    `yaml:"hyper"`
	Schedule ScheduleConfig `yaml:"schedule"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	// DataDir holds the snapshot file and the fossil ledger.
	// Empty means ~/.strata, resolved at runtime.
	DataDir string `yaml:"data_dir"`
}

type TerrainConfig struct {
	// GridSize is the side length of the square elevation grid.
	GridSize int `yaml:"grid_size"`
	// VMax bounds elevation to [-VMax, +VMax] after any mutation.
	VMax float64 `yaml:"v_max"`
	// ErosionRate is the per-pass fractional decay applied to stale records.
	ErosionRate float64 `yaml:"erosion_rate"`
	// ForgetThreshold: records eroded below this magnitude become delete
	// candidates.
	ForgetThreshold float64 `yaml:"forget_threshold"`
	// AgeLimit is the base staleness horizon before erosion touches a record.
	AgeLimit time.Duration `yaml:"age_limit"`
	// ValenceFactor scales the effective age limit with emotional weight:
	// strong memories erode later.
	ValenceFactor float64 `yaml:"valence_factor"`
	// MinAccessCount: records accessed at least this often survive deletion
	// even when faded.
	MinAccessCount uint32 `yaml:"min_access_count"`
	// MaxDriftStep caps how far a single drift call may move a concept.
	MaxDriftStep float64 `yaml:"max_drift_step"`
	// StabilityRadius: subjects already this close to their attractor stop
	// drifting, preventing oscillation.
	StabilityRadius float64 `yaml:"stability_radius"`
	// DepositRadius is the footprint of a terrain deposit around a concept.
	DepositRadius int `yaml:"deposit_radius"`

	// Consolidation.
	MaxRecords     int     `yaml:"max_records"`
	CapacityRatio  float64 `yaml:"capacity_ratio"`
	ClusterRadius  float64 `yaml:"cluster_radius"`
	MinClusterSize int     `yaml:"min_cluster_size"`
	// ValenceGuard: cluster members whose valence differs from the leader by
	// more than this are not merged (joy and trauma stay separate fossils).
	ValenceGuard float64 `yaml:"valence_guard"`

	// Weathering applied for downtime elapsed between snapshot and restore.
	WeatherCycle   time.Duration `yaml:"weather_cycle"`
	WeatherRate    float64       `yaml:"weather_rate"`
	WeatherMaxLoss float64       `yaml:"weather_max_loss"`
}

type HyperConfig struct {
	// Bits is the hypervector width.
	Bits int `yaml:"bits"`
	// EmbeddingDim is the expected input embedding dimensionality.
	EmbeddingDim int `yaml:"embedding_dim"`
	// ProjectionSeed makes the random projection reproducible across restarts.
	ProjectionSeed int64 `yaml:"projection_seed"`
}

type ScheduleConfig struct {
	ErodeInterval    time.Duration `yaml:"erode_interval"`
	RebuildInterval  time.Duration `yaml:"rebuild_interval"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// SnapshotMinGap bounds how often snapshots may hit the disk, regardless
	// of how often SnapshotNow is called.
	SnapshotMinGap time.Duration `yaml:"snapshot_min_gap"`
	// MaintenanceWait bounds how long a maintenance pass waits for exclusive
	// access before reporting a lock timeout and retrying next tick.
	MaintenanceWait time.Duration `yaml:"maintenance_wait"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37710,
		},
		Storage: StorageConfig{
			DataDir: "", // resolved at runtime via DefaultDataDir()
		},
		Terrain: TerrainConfig{
			GridSize:        1024,
			VMax:            100.0,
			ErosionRate:     0.05,
			ForgetThreshold: 0.3,
			AgeLimit:        time.Hour,
			ValenceFactor:   5.0,
			MinAccessCount:  5,
			MaxDriftStep:    20.0,
			StabilityRadius: 10.0,
			DepositRadius:   15,
			MaxRecords:      100000,
			CapacityRatio:   0.8,
			ClusterRadius:   25.0,
			MinClusterSize:  3,
			ValenceGuard:    0.5,
			WeatherCycle:    time.Minute,
			WeatherRate:     0.005,
			WeatherMaxLoss:  0.3,
		},
		Hyper: HyperConfig{
			Bits:           1024,
			EmbeddingDim:   768,
			ProjectionSeed: 2026,
		},
		Schedule: ScheduleConfig{
			ErodeInterval:    10 * time.Minute,
			RebuildInterval:  time.Minute,
			SnapshotInterval: 5 * time.Minute,
			SnapshotMinGap:   30 * time.Second,
			MaintenanceWait:  2 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error — defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would produce out-of-range coordinates
// or degenerate behavior. Called once at startup; a failure here is fatal.
func (c *Config) Validate() error {
	if c.Terrain.GridSize <= 0 {
		return fmt.Errorf("grid_size must be positive, got %d", c.Terrain.GridSize)
	}
	if c.Terrain.VMax <= 0 {
		return fmt.Errorf("v_max must be positive, got %f", c.Terrain.VMax)
	}
	if c.Terrain.ErosionRate < 0 || c.Terrain.ErosionRate > 1 {
		return fmt.Errorf("erosion_rate must be in [0,1], got %f", c.Terrain.ErosionRate)
	}
	if c.Terrain.CapacityRatio <= 0 || c.Terrain.CapacityRatio > 1 {
		return fmt.Errorf("capacity_ratio must be in (0,1], got %f", c.Terrain.CapacityRatio)
	}
	if c.Terrain.MaxDriftStep < 0 {
		return fmt.Errorf("max_drift_step must be non-negative, got %f", c.Terrain.MaxDriftStep)
	}
	if c.Hyper.Bits <= 0 || c.Hyper.Bits%64 != 0 {
		return fmt.Errorf("hyper bits must be a positive multiple of 64, got %d", c.Hyper.Bits)
	}
	if c.Hyper.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim must be positive, got %d", c.Hyper.EmbeddingDim)
	}
	return nil
}

// DefaultDataDir returns the default data directory: ~/.strata
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".strata"), nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
