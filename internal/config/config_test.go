package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if cfg.Export.OutputDir != "data" {
		t.Errorf("Expected output dir data, got %s", cfg.Export.OutputDir)
	}
	if cfg.Sensor.FrameRate != 30 {
		t.Errorf("Expected 30 fps, got %v", cfg.Sensor.FrameRate)
	}

	exp := cfg.ToExportConfig()
	if exp.Delimiter != ';' || exp.Dir != "data" || exp.Compression != 0 {
		t.Errorf("Unexpected export config %+v", exp)
	}

	st := cfg.ToStorageConfig()
	if st.Path != cfg.Storage.Path || st.CompressionLevel != 3 || st.BlockDuration != time.Minute {
		t.Errorf("Unexpected storage config %+v", st)
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("OUTPUT_DIR", "/tmp/mocap")
	t.Setenv("EXPORT_COMPRESSION", "2")
	t.Setenv("ENABLE_WAL", "false")
	t.Setenv("CACHE_TTL", "90s")
	t.Setenv("SENSOR_FRAME_RATE", "15.5")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultConfig()

	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("Unexpected listen addr %s", cfg.Server.ListenAddr)
	}
	if cfg.Export.OutputDir != "/tmp/mocap" || cfg.Export.Compression != 2 {
		t.Errorf("Unexpected export config %+v", cfg.Export)
	}
	if cfg.Storage.EnableWAL {
		t.Error("Expected WAL disabled")
	}
	if cfg.Storage.CacheTTL != 90*time.Second {
		t.Errorf("Unexpected cache TTL %v", cfg.Storage.CacheTTL)
	}
	if cfg.Sensor.FrameRate != 15.5 {
		t.Errorf("Unexpected frame rate %v", cfg.Sensor.FrameRate)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Unexpected log level %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"empty output dir", func(c *Config) { c.Export.OutputDir = "" }},
		{"export compression", func(c *Config) { c.Export.Compression = 5 }},
		{"storage path", func(c *Config) { c.Storage.Path = "" }},
		{"compression level", func(c *Config) { c.Storage.CompressionLevel = 0 }},
		{"cache size", func(c *Config) { c.Storage.CacheSize = -1 }},
		{"frame rate", func(c *Config) { c.Sensor.FrameRate = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MOCAP_TEST_OUTPUT=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OUTPUT_DIR", "")
	defer os.Unsetenv("MOCAP_TEST_OUTPUT")

	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := os.Getenv("MOCAP_TEST_OUTPUT"); got != "from-file" {
		t.Errorf("Expected variable from env file, got %q", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing env file should be ignored: %v", err)
	}
}
