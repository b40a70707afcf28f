package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/eliseemond/elastix/internal/gpu"
)

// Config represents the application configuration
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Coherence CoherenceConfig `mapstructure:"coherence"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type DeviceConfig struct {
	Backend       string `mapstructure:"backend"`
	Queues        int    `mapstructure:"queues"`
	Contexts      int    `mapstructure:"contexts"`
	MemoryLimitMB int    `mapstructure:"memory_limit_mb"`
	PoolMaxMB     int    `mapstructure:"pool_max_mb"`
}

type CoherenceConfig struct {
	// GenerationBump re-stamps an image's device clock after a producer's
	// notification when the producer's last write was on the device
	GenerationBump bool `mapstructure:"generation_bump"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Backend:       gpu.BackendAuto,
			Queues:        2,
			Contexts:      1,
			MemoryLimitMB: 0,
			PoolMaxMB:     256,
		},
		Coherence: CoherenceConfig{
			GenerationBump: true,
		},
		Logging: LoggingConfig{
			Level:   "warn",
			File:    "",
			Console: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".elastix"))
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("gpu")
	}

	v.SetEnvPrefix("ELASTIX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is okay, use defaults
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validBackends := []string{gpu.BackendAuto, gpu.BackendHost, gpu.BackendCUDA}
	if !contains(validBackends, strings.ToLower(c.Device.Backend)) {
		return fmt.Errorf("device.backend must be one of: %v", validBackends)
	}

	if c.Device.Queues < 1 || c.Device.Queues > 64 {
		return errors.New("device.queues must be between 1 and 64")
	}

	if c.Device.Contexts < 1 || c.Device.Contexts > c.Device.Queues {
		return errors.New("device.contexts must be between 1 and device.queues")
	}

	if c.Device.MemoryLimitMB < 0 || c.Device.PoolMaxMB < 0 {
		return errors.New("device memory sizes must not be negative")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// RegistryOptions converts the device section into queue registry options
func (c *Config) RegistryOptions() gpu.RegistryOptions {
	return gpu.RegistryOptions{
		Backend:     c.Device.Backend,
		Queues:      c.Device.Queues,
		Devices:     c.Device.Contexts,
		MemoryLimit: int64(c.Device.MemoryLimitMB) << 20,
		PoolMax:     int64(c.Device.PoolMaxMB) << 20,
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("device.backend", cfg.Device.Backend)
	v.SetDefault("device.queues", cfg.Device.Queues)
	v.SetDefault("device.contexts", cfg.Device.Contexts)
	v.SetDefault("device.memory_limit_mb", cfg.Device.MemoryLimitMB)
	v.SetDefault("device.pool_max_mb", cfg.Device.PoolMaxMB)

	v.SetDefault("coherence.generation_bump", cfg.Coherence.GenerationBump)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
}
