package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/vjranagit/mocap/pkg/export"
	"github.com/vjranagit/mocap/pkg/storage"
)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `json:"server"`
	Export  ExportConfig  `json:"export"`
	Storage StorageConfig `json:"storage"`
	Sensor  SensorConfig  `json:"sensor"`
	Log     LogConfig     `json:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `json:"listen_addr"`
	Timeout    time.Duration `json:"timeout"`
}

// ExportConfig holds file export configuration
type ExportConfig struct {
	OutputDir   string `json:"output_dir"`
	Compression int    `json:"compression"`
}

// StorageConfig holds archive configuration
type StorageConfig struct {
	Path             string        `json:"path"`
	EnableArchive    bool          `json:"enable_archive"`
	EnableWAL        bool          `json:"enable_wal"`
	CompressionLevel int           `json:"compression_level"`
	CacheSize        int           `json:"cache_size"`
	CacheTTL         time.Duration `json:"cache_ttl"`
}

// SensorConfig holds frame source configuration
type SensorConfig struct {
	ReplayPath string  `json:"replay_path"`
	FrameRate  float64 `json:"frame_rate"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string `json:"level"`
	Dir        string `json:"dir"`
	MaxSize    int    `json:"max_size"`
	MaxBackups int    `json:"max_backups"`
	MaxAge     int    `json:"max_age"`
	Compress   bool   `json:"compress"`
}

// Load reads the given .env files (".env" when none are named) into the
// environment and returns the validated configuration. Missing files are
// ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
			Timeout:    getEnvDuration("SERVER_TIMEOUT", 30*time.Second),
		},
		Export: ExportConfig{
			OutputDir:   getEnv("OUTPUT_DIR", "data"),
			Compression: getEnvInt("EXPORT_COMPRESSION", 0),
		},
		Storage: StorageConfig{
			Path:             getEnv("STORAGE_PATH", "./archive"),
			EnableArchive:    getEnvBool("ENABLE_ARCHIVE", true),
			EnableWAL:        getEnvBool("ENABLE_WAL", true),
			CompressionLevel: getEnvInt("COMPRESSION_LEVEL", 3),
			CacheSize:        getEnvInt("CACHE_SIZE", 256),
			CacheTTL:         getEnvDuration("CACHE_TTL", 5*time.Minute),
		},
		Sensor: SensorConfig{
			ReplayPath: getEnv("SENSOR_REPLAY_PATH", ""),
			FrameRate:  getEnvFloat("SENSOR_FRAME_RATE", 30),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Dir:        getEnv("LOG_DIR", "logs"),
			MaxSize:    getEnvInt("LOG_MAX_SIZE", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAge:     getEnvInt("LOG_MAX_AGE", 7),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
	}
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:             c.Storage.Path,
		CompressionLevel: c.Storage.CompressionLevel,
		BlockDuration:    time.Minute,
	}
}

// ToExportConfig converts to export.Config
func (c *Config) ToExportConfig() *export.Config {
	return &export.Config{
		Dir:         c.Export.OutputDir,
		Delimiter:   ';',
		Compression: c.Export.Compression,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Export.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	if c.Export.Compression < 0 || c.Export.Compression > 4 {
		return fmt.Errorf("export compression must be between 0 and 4")
	}

	if (c.Storage.EnableArchive || c.Storage.EnableWAL) && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("cache size must not be negative")
	}

	if c.Sensor.FrameRate <= 0 {
		return fmt.Errorf("sensor frame rate must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}

	return nil
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var floatVal float64
		if _, err := fmt.Sscanf(value, "%g", &floatVal); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
