package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Terrain.GridSize != 1024 {
		t.Errorf("grid size = %d, want 1024", cfg.Terrain.GridSize)
	}
	if cfg.Hyper.Bits%64 != 0 {
		t.Errorf("hyper bits = %d, not a multiple of 64", cfg.Hyper.Bits)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("port = %d, want default %d", cfg.Server.Port, Default().Server.Port)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
server:
  port: 4242
terrain:
  grid_size: 256
  erosion_rate: 0.1
schedule:
  erode_interval: 30s
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 4242 {
		t.Errorf("port = %d, want 4242", cfg.Server.Port)
	}
	if cfg.Terrain.GridSize != 256 {
		t.Errorf("grid size = %d, want 256", cfg.Terrain.GridSize)
	}
	if cfg.Terrain.ErosionRate != 0.1 {
		t.Errorf("erosion rate = %f, want 0.1", cfg.Terrain.ErosionRate)
	}
	if cfg.Schedule.ErodeInterval != 30*time.Second {
		t.Errorf("erode interval = %s, want 30s", cfg.Schedule.ErodeInterval)
	}
	// Untouched fields keep their defaults.
	if cfg.Terrain.VMax != Default().Terrain.VMax {
		t.Errorf("v_max = %f, want default", cfg.Terrain.VMax)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero grid", func(c *Config) { c.Terrain.GridSize = 0 }},
		{"negative vmax", func(c *Config) { c.Terrain.VMax = -1 }},
		{"erosion above one", func(c *Config) { c.Terrain.ErosionRate = 1.5 }},
		{"zero capacity ratio", func(c *Config) { c.Terrain.CapacityRatio = 0 }},
		{"negative drift step", func(c *Config) { c.Terrain.MaxDriftStep = -1 }},
		{"ragged hyper bits", func(c *Config) { c.Hyper.Bits = 100 }},
		{"zero embedding dim", func(c *Config) { c.Hyper.EmbeddingDim = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "127.0.0.1:37710" {
		t.Errorf("listen addr = %s", got)
	}
}
