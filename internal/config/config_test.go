// File: internal/config/config_test.go
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "replyloop", cfg.Logger.ServiceName)
	assert.Equal(t, ModeAuto, cfg.Loop.Mode)
	assert.Equal(t, time.Millisecond, cfg.Loop.InterKeyDelay)
	assert.Equal(t, 800*time.Millisecond, cfg.Loop.FallbackDelay)
	assert.Equal(t, 200*time.Millisecond, cfg.Loop.ArmDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Loop.SettleDelay)
	assert.Zero(t, cfg.Loop.BackstopDelay)
	assert.False(t, cfg.Detection.InteractionWatches)
	assert.Equal(t, `[role="dialog"]`, cfg.Detection.DialogSelector)
	assert.Equal(t, BreadthBroad, cfg.Dispatch.Breadth)
	assert.True(t, cfg.UI.Overlay)
	assert.NoError(t, cfg.Validate(), "defaults must validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Loop Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Loop
		assert.NoError(t, valid.Validate())

		badMode := valid
		badMode.Mode = "sometimes"
		err := badMode.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mode must be")

		manual := valid
		manual.Mode = "MANUAL"
		assert.NoError(t, manual.Validate(), "mode is case-insensitive")

		negative := valid
		negative.FallbackDelay = -time.Millisecond
		err = negative.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fallback_delay must not be negative")

		zero := valid
		zero.InterKeyDelay = 0
		zero.FallbackDelay = 0
		assert.NoError(t, zero.Validate(), "zero delays are allowed")
	})

	t.Run("Dispatch Breadth", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Dispatch.Breadth = "everywhere"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dispatch.breadth must be one of")

		cfg.Dispatch.Breadth = BreadthNative
		assert.NoError(t, cfg.Validate())
	})

	t.Run("Dialog Selector", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Detection.DialogSelector = "  "
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "detection.dialog_selector")
	})

	t.Run("Start URL Or Remote", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.StartURL = ""
		require.Error(t, cfg.Validate())

		cfg.Browser.RemoteURL = "ws://127.0.0.1:9222/devtools/browser/abc"
		assert.NoError(t, cfg.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
loop:
  mode: manual
  fallback_delay: 1500ms
detection:
  interaction_watches: true
dispatch:
  breadth: document
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, ModeManual, cfg.Loop.Mode)
		assert.Equal(t, 1500*time.Millisecond, cfg.Loop.FallbackDelay)
		assert.True(t, cfg.Detection.InteractionWatches)
		assert.Equal(t, BreadthDocument, cfg.Dispatch.Breadth)
		// Untouched keys keep their defaults.
		assert.Equal(t, 200*time.Millisecond, cfg.Loop.ArmDelay)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("loop.settle_delay", "-5ms")

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "settle_delay must not be negative")
	})

	t.Run("Expands Home Directory", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		home, err := homedir.Dir()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(cfg.Browser.UserDataDir, home), "got %s", cfg.Browser.UserDataDir)
		assert.NotContains(t, cfg.Browser.UserDataDir, "~")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.SetEnvPrefix("REPLYLOOP")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		v.AutomaticEnv()
		t.Setenv("REPLYLOOP_LOOP_INTER_KEY_DELAY", "25ms")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 25*time.Millisecond, cfg.Loop.InterKeyDelay)
	})
}

// -- Scaffold Tests --

func TestWriteScaffold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteScaffold(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# replyloop configuration."))

	// The scaffold is valid YAML that loads back into an equivalent config.
	var raw map[string]any
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.Contains(t, raw, "loop")

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, cfg.Loop.FallbackDelay)

	err = WriteScaffold(path, false)
	assert.ErrorIs(t, err, ErrConfigExists)
	assert.NoError(t, WriteScaffold(path, true), "force overwrites")
}
