package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfigExists is returned by WriteScaffold when the target file is already present.
var ErrConfigExists = errors.New("config file already exists")

const scaffoldHeader = `# replyloop configuration.
# Durations use Go syntax (e.g. 800ms, 2s). Every key can be overridden
# with an environment variable: loop.fallback_delay -> REPLYLOOP_LOOP_FALLBACK_DELAY.
`

// RenderScaffold returns the default configuration as YAML.
func RenderScaffold() ([]byte, error) {
	v := viper.New()
	SetDefaults(v)

	var buf bytes.Buffer
	buf.WriteString(scaffoldHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush default config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteScaffold writes the default configuration to path. Existing files are
// left untouched unless force is set.
func WriteScaffold(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrConfigExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("could not stat %s: %w", path, err)
		}
	}

	data, err := RenderScaffold()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write %s: %w", path, err)
	}
	return nil
}
