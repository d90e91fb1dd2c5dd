// File: cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/replyloop/internal/config"
	"github.com/xkilldash9x/replyloop/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

const envPrefix = "REPLYLOOP"

// flagBindings maps command flags onto configuration keys so flags override
// the config file and environment.
var flagBindings = map[string]string{
	"url":                 "browser.start_url",
	"remote-url":          "browser.remote_url",
	"headless":            "browser.headless",
	"user-data-dir":       "browser.user_data_dir",
	"mode":                "loop.mode",
	"interaction-watches": "detection.interaction_watches",
	"dispatch":            "dispatch.breadth",
	"overlay":             "ui.overlay",
	"tui":                 "ui.tui",
	"log-level":           "logger.level",
}

// NewRootCommand builds a fresh command tree. Every call returns independent
// flag and config state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "replyloop",
		Short:         "replyloop walks a timeline and opens a reply for every post.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			// 1. Config file, environment, then flags.
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Build and validate.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "replyloop"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// 3. The dashboard owns the terminal, so the console core is
			// dropped while it runs and only the log file is written.
			var console zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
			if ownsTerminal(cmd, cfg) {
				console = nil
			}
			observability.Initialize(cfg.Logger, console)
			observability.GetLogger().Debug("Starting replyloop", zap.String("version", Version))

			// 4. Hand the config to subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}

// Execute runs the command tree with ctx, which should be cancelled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		observability.Sync()
		return err
	}
	if logger := observability.GetLogger(); logger != nil {
		logger.Error("Command execution failed", zap.Error(err))
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	observability.Sync()
	return err
}

// initializeConfig reads the config file and environment into v and binds the
// flags of the executing command.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	for name, key := range flagBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("could not bind --%s: %w", name, err)
		}
	}
	return nil
}

func ownsTerminal(cmd *cobra.Command, cfg *config.Config) bool {
	return cmd.Name() == "run" && cfg.UI.TUI
}

// configFrom returns the config stored by the root command.
func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
