// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Loop modes accepted by loop.mode.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Dispatch breadths accepted by dispatch.breadth.
const (
	BreadthDocument = "document"
	BreadthBroad    = "broad"
	BreadthNative   = "native"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Loop      LoopConfig      `mapstructure:"loop" yaml:"loop"`
	Detection DetectionConfig `mapstructure:"detection" yaml:"detection"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	UI        UIConfig        `mapstructure:"ui" yaml:"ui"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chromium instance the loop drives.
type BrowserConfig struct {
	// StartURL is opened once the tab is ready.
	StartURL string `mapstructure:"start_url" yaml:"start_url"`
	// RemoteURL attaches to an already running browser (ws://... or http://host:port)
	// instead of launching one.
	RemoteURL   string         `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath    string         `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string         `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Headless    bool           `mapstructure:"headless" yaml:"headless"`
	Args        []string       `mapstructure:"args" yaml:"args"`
	Viewport    map[string]int `mapstructure:"viewport" yaml:"viewport"`
	// NavigationTimeout bounds the initial navigation and bridge injection.
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// ActionTimeout bounds a single CDP round trip (dispatch, watch, overlay update).
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// LoopConfig holds the timing of the action sequence and the loop.
type LoopConfig struct {
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	InterKeyDelay time.Duration `mapstructure:"inter_key_delay" yaml:"inter_key_delay"`
	FallbackDelay time.Duration `mapstructure:"fallback_delay" yaml:"fallback_delay"`
	StartDelay    time.Duration `mapstructure:"start_delay" yaml:"start_delay"`
	ArmDelay      time.Duration `mapstructure:"arm_delay" yaml:"arm_delay"`
	SettleDelay   time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	BackstopDelay time.Duration `mapstructure:"backstop_delay" yaml:"backstop_delay"`
	MinInterval   time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

// DetectionConfig tunes the completion heuristics.
type DetectionConfig struct {
	InteractionWatches bool   `mapstructure:"interaction_watches" yaml:"interaction_watches"`
	DialogSelector     string `mapstructure:"dialog_selector" yaml:"dialog_selector"`
}

// DispatchConfig selects where synthetic key events are delivered.
type DispatchConfig struct {
	Breadth string `mapstructure:"breadth" yaml:"breadth"`
}

// UIConfig toggles the presentation surfaces.
type UIConfig struct {
	Overlay bool `mapstructure:"overlay" yaml:"overlay"`
	TUI     bool `mapstructure:"tui" yaml:"tui"`
	// NotificationTTL is how long an overlay toast stays visible.
	NotificationTTL time.Duration `mapstructure:"notification_ttl" yaml:"notification_ttl"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "replyloop")
	v.SetDefault("logger.log_file", "replyloop.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.start_url", "https://x.com/home")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.user_data_dir", "~/.replyloop/profile")
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "5s")

	// -- Loop --
	v.SetDefault("loop.mode", ModeAuto)
	v.SetDefault("loop.inter_key_delay", "1ms")
	v.SetDefault("loop.fallback_delay", "800ms")
	v.SetDefault("loop.start_delay", "50ms")
	v.SetDefault("loop.arm_delay", "200ms")
	v.SetDefault("loop.settle_delay", "100ms")
	v.SetDefault("loop.backstop_delay", "0s")
	v.SetDefault("loop.min_interval", "0s")

	// -- Detection --
	v.SetDefault("detection.interaction_watches", false)
	v.SetDefault("detection.dialog_selector", `[role="dialog"]`)

	// -- Dispatch --
	v.SetDefault("dispatch.breadth", BreadthBroad)

	// -- UI --
	v.SetDefault("ui.overlay", true)
	v.SetDefault("ui.tui", true)
	v.SetDefault("ui.notification_ttl", "2s")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Browser.UserDataDir != "" {
		dir, err := homedir.Expand(cfg.Browser.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("could not expand browser.user_data_dir: %w", err)
		}
		cfg.Browser.UserDataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Loop.Validate(); err != nil {
		return fmt.Errorf("loop configuration invalid: %w", err)
	}
	switch strings.ToLower(c.Dispatch.Breadth) {
	case BreadthDocument, BreadthBroad, BreadthNative:
	default:
		return fmt.Errorf("dispatch.breadth must be one of %q, %q or %q", BreadthDocument, BreadthBroad, BreadthNative)
	}
	if strings.TrimSpace(c.Detection.DialogSelector) == "" {
		return fmt.Errorf("detection.dialog_selector must not be empty")
	}
	if c.Browser.RemoteURL == "" && c.Browser.StartURL == "" {
		return fmt.Errorf("browser.start_url is required when not attaching to a remote browser")
	}
	if c.Browser.ActionTimeout <= 0 {
		return fmt.Errorf("browser.action_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the loop timings. All delays are non-negative.
func (l *LoopConfig) Validate() error {
	switch strings.ToLower(l.Mode) {
	case ModeAuto, ModeManual:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeAuto, ModeManual, l.Mode)
	}
	delays := []struct {
		name string
		d    time.Duration
	}{
		{"inter_key_delay", l.InterKeyDelay},
		{"fallback_delay", l.FallbackDelay},
		{"start_delay", l.StartDelay},
		{"arm_delay", l.ArmDelay},
		{"settle_delay", l.SettleDelay},
		{"backstop_delay", l.BackstopDelay},
		{"min_interval", l.MinInterval},
	}
	for _, d := range delays {
		if d.d < 0 {
			return fmt.Errorf("%s must not be negative", d.name)
		}
	}
	return nil
}
