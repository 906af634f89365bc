package config

import (
	"testing"
	"time"
)

func TestParseVIDPID(t *testing.T) {
	tests := []struct {
		in      string
		vid     uint16
		pid     uint16
		wantErr bool
	}{
		{"04b4:e010", 0x04B4, 0xE010, false},
		{"04B4:E011", 0x04B4, 0xE011, false},
		{"ffff:0001", 0xFFFF, 0x0001, false},
		{"04b4", 0, 0, true},
		{"04b4:", 0, 0, true},
		{"xyz:e010", 0, 0, true},
		{"04b4:10000", 0, 0, true},
	}
	for _, tt := range tests {
		vid, pid, err := ParseVIDPID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVIDPID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && (vid != tt.vid || pid != tt.pid) {
			t.Errorf("ParseVIDPID(%q) = %04x:%04x, want %04x:%04x", tt.in, vid, pid, tt.vid, tt.pid)
		}
	}
}

func validConfig() *Config {
	return &Config{
		Scan: ScanConfig{Filter: []string{"04b4:e010"}},
		ModeSwitch: ModeSwitchConfig{
			Budget:       10 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info"},
		App:     AppConfig{Environment: "development"},
	}
}

func TestValidate(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad filter entry", func(c *Config) { c.Scan.Filter = []string{"nonsense"} }},
		{"zero budget", func(c *Config) { c.ModeSwitch.Budget = 0 }},
		{"zero poll interval", func(c *Config) { c.ModeSwitch.PollInterval = 0 }},
		{"bad environment", func(c *Config) { c.App.Environment = "prod" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Error("invalid config accepted")
			}
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	tests := []struct {
		env        string
		debug      bool
		production bool
		debugOn    bool
	}{
		{"production", false, true, false},
		{"production", true, true, true},
		{"development", false, false, true},
		{"staging", false, false, false},
		{"staging", true, false, true},
	}
	for _, tt := range tests {
		cfg := validConfig()
		cfg.App.Environment = tt.env
		cfg.App.Debug = tt.debug
		if got := cfg.IsProduction(); got != tt.production {
			t.Errorf("%s/debug=%v: IsProduction() = %v, want %v", tt.env, tt.debug, got, tt.production)
		}
		if got := cfg.IsDevelopment(); got != (tt.env == "development") {
			t.Errorf("%s: IsDevelopment() = %v", tt.env, got)
		}
		if got := cfg.IsDebugEnabled(); got != tt.debugOn {
			t.Errorf("%s/debug=%v: IsDebugEnabled() = %v, want %v", tt.env, tt.debug, got, tt.debugOn)
		}
	}
}
