// internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	USB        USBConfig        `mapstructure:"usb"`
	Scan       ScanConfig       `mapstructure:"scan"`
	ModeSwitch ModeSwitchConfig `mapstructure:"mode_switch"`
	I2C        I2CConfig        `mapstructure:"i2c"`
	SPI        SPIConfig        `mapstructure:"spi"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	App        AppConfig        `mapstructure:"app"`
}

// USBConfig represents USB transport configuration
type USBConfig struct {
	ControlTimeout time.Duration `mapstructure:"control_timeout"`
	DebugLevel     int           `mapstructure:"debug_level"`
}

// ScanConfig represents device discovery configuration
type ScanConfig struct {
	// Filter lists the VID:PID pairs to scan for, as "vvvv:pppp" hex
	// strings. The low PID bit is treated as a pair wildcard.
	Filter []string `mapstructure:"filter"`
}

// ModeSwitchConfig represents re-enumeration supervision settings
type ModeSwitchConfig struct {
	Budget       time.Duration `mapstructure:"budget"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// I2CConfig represents default I2C master settings
type I2CConfig struct {
	Frequency    uint32 `mapstructure:"frequency"`
	ClockStretch bool   `mapstructure:"clock_stretch"`
}

// SPIConfig represents default SPI master settings
type SPIConfig struct {
	Frequency uint32 `mapstructure:"frequency"`
	WordSize  int    `mapstructure:"word_size"`
	Mode      int    `mapstructure:"mode"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Environment string `mapstructure:"environment" validate:"required"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	viper.SetConfigName("scb-bridge")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/scb-bridge")

	// Environment variable support
	viper.SetEnvPrefix("SCB_BRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	// Read config file; the tool runs fine on defaults alone
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// USB defaults
	viper.SetDefault("usb.control_timeout", "1s")
	viper.SetDefault("usb.debug_level", 0)

	// Scan defaults
	viper.SetDefault("scan.filter", []string{"04b4:e010"})

	// Mode switch defaults
	viper.SetDefault("mode_switch.budget", "10s")
	viper.SetDefault("mode_switch.poll_interval", "100ms")

	// Bus defaults
	viper.SetDefault("i2c.frequency", 400000)
	viper.SetDefault("i2c.clock_stretch", false)
	viper.SetDefault("spi.frequency", 1000000)
	viper.SetDefault("spi.word_size", 8)
	viper.SetDefault("spi.mode", 0)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.output", "stderr")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// App defaults
	viper.SetDefault("app.name", "scb-bridge")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := config.FilterPairs(); err != nil {
		return err
	}

	if config.ModeSwitch.Budget <= 0 {
		return fmt.Errorf("mode_switch.budget must be positive")
	}
	if config.ModeSwitch.PollInterval <= 0 {
		return fmt.Errorf("mode_switch.poll_interval must be positive")
	}

	// Validate environment
	validEnvs := []string{"development", "staging", "production", "test"}
	isValidEnv := false
	for _, env := range validEnvs {
		if config.App.Environment == env {
			isValidEnv = true
			break
		}
	}
	if !isValidEnv {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	// Validate logging level
	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	isValidLevel := false
	for _, level := range validLevels {
		if config.Logging.Level == level {
			isValidLevel = true
			break
		}
	}
	if !isValidLevel {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	return nil
}

// FilterPairs parses the scan filter into VID/PID pairs
func (c *Config) FilterPairs() ([][2]uint16, error) {
	pairs := make([][2]uint16, 0, len(c.Scan.Filter))
	for _, s := range c.Scan.Filter {
		vid, pid, err := ParseVIDPID(s)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]uint16{vid, pid})
	}
	return pairs, nil
}

// ParseVIDPID parses a "vvvv:pppp" hex identity string
func ParseVIDPID(s string) (vid, pid uint16, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid VID:PID %q, want vvvv:pppp hex", s)
	}
	v, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid VID in %q: %w", s, err)
	}
	p, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid PID in %q: %w", s, err)
	}
	return uint16(v), uint16(p), nil
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
