// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/replyloop/internal/browser"
	"github.com/xkilldash9x/replyloop/internal/browser/bridge"
	"github.com/xkilldash9x/replyloop/internal/config"
	"github.com/xkilldash9x/replyloop/internal/detect"
	"github.com/xkilldash9x/replyloop/internal/keys"
	"github.com/xkilldash9x/replyloop/internal/loop"
	"github.com/xkilldash9x/replyloop/internal/observability"
	"github.com/xkilldash9x/replyloop/internal/tui"
)

var errBrowserGone = errors.New("browser session ended")

// pageSession is the part of *browser.Session the run needs.
type pageSession interface {
	browser.Evaluator
	Events() <-chan browser.Event
	Done() <-chan struct{}
	Close()
}

// openSession is swapped out in tests.
var openSession = func(ctx context.Context, cfg config.BrowserConfig, script string, logger *zap.Logger) (pageSession, error) {
	return browser.Open(ctx, cfg, script, logger)
}

func newRunCmd() *cobra.Command {
	var start bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Open the browser and drive the reply loop",
		Long: `Opens the configured page with the control overlay installed. The loop
starts stopped; toggle it from the overlay button, Ctrl+Shift+A in the page,
or the terminal dashboard.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			var ui *tui.UI
			if cfg.UI.TUI {
				ui = tui.New(teaOptions(cmd)...)
			}
			return runLoop(ctx, cfg, ui, start, logger)
		},
	}

	runCmd.Flags().String("url", "", "page to open (overrides browser.start_url)")
	runCmd.Flags().String("remote-url", "", "attach to a running browser instead of launching one")
	runCmd.Flags().Bool("headless", false, "run the browser without a window")
	runCmd.Flags().String("user-data-dir", "", "browser profile directory")
	runCmd.Flags().String("mode", "", "loop mode after a completion: auto or manual")
	runCmd.Flags().Bool("interaction-watches", false, "also watch Enter and submit-button clicks")
	runCmd.Flags().String("dispatch", "", "key dispatch breadth: document, broad or native")
	runCmd.Flags().Bool("overlay", true, "draw the in-page control overlay")
	runCmd.Flags().Bool("tui", true, "show the terminal dashboard")
	runCmd.Flags().BoolVar(&start, "start", false, "start the loop as soon as the page is ready")
	return runCmd
}

// runLoop wires the browser, the page bridge and the controller and blocks
// until ctx is done, the user quits the dashboard or the browser goes away.
func runLoop(ctx context.Context, cfg *config.Config, ui *tui.UI, start bool, logger *zap.Logger) error {
	opts, err := loopOptions(cfg)
	if err != nil {
		return err
	}
	breadth, err := keys.ParseBreadth(cfg.Dispatch.Breadth)
	if err != nil {
		return err
	}
	script, err := bridge.Script(bridgeConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build page bridge: %w", err)
	}

	// 1. Browser and page adapter.
	session, err := openSession(ctx, cfg.Browser, script, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	page := browser.NewPage(session, cfg.Browser.ActionTimeout, cfg.UI.Overlay, logger)
	synth := keys.NewSynthesizer(page, breadth, logger)

	// 2. Presenters and controller.
	presenters := loop.MultiPresenter{loop.NewLogPresenter(logger), page}
	if ui != nil {
		presenters = append(presenters, ui)
		defer ui.Close()
	}
	ctrl, err := loop.NewController(synth, page, presenters, opts, logger)
	if err != nil {
		return fmt.Errorf("failed to create loop controller: %w", err)
	}

	// 3. Run everything until one part stops.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return browser.Route(gctx, session.Events(), ctrl, page.Restore, logger) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-session.Done():
			return errBrowserGone
		}
	})
	if ui != nil {
		g.Go(func() error { return ui.Run(gctx, ctrl, ctrl.Status, opts.Mode) })
	}
	if start {
		ctrl.Toggle()
	}

	err = g.Wait()
	st := ctrl.Status()
	logger.Info("Run finished.",
		zap.Uint64("sequences", st.Sequences),
		zap.Uint64("completions", st.Completions),
	)
	switch {
	case errors.Is(err, tui.ErrQuit):
		return nil
	case errors.Is(err, errBrowserGone):
		logger.Info("Browser closed.")
		return nil
	}
	return err
}

// loopOptions converts the loop and detection config into controller options.
func loopOptions(cfg *config.Config) (loop.Options, error) {
	mode, err := loop.ParseMode(cfg.Loop.Mode)
	if err != nil {
		return loop.Options{}, err
	}
	return loop.Options{
		Mode: mode,
		Sequence: loop.SequenceConfig{
			InterKeyDelay: cfg.Loop.InterKeyDelay,
			FallbackDelay: cfg.Loop.FallbackDelay,
			StartDelay:    cfg.Loop.StartDelay,
			ArmDelay:      cfg.Loop.ArmDelay,
			SettleDelay:   cfg.Loop.SettleDelay,
			BackstopDelay: cfg.Loop.BackstopDelay,
			MinInterval:   cfg.Loop.MinInterval,
		},
		InteractionWatches: cfg.Detection.InteractionWatches,
		CallTimeout:        cfg.Browser.ActionTimeout,
	}, nil
}

func teaOptions(cmd *cobra.Command) []tea.ProgramOption {
	return []tea.ProgramOption{
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.OutOrStdout()),
	}
}

func bridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.NewConfig(
		cfg.Detection.DialogSelector,
		cfg.Detection.InteractionWatches,
		cfg.UI.Overlay,
		cfg.UI.NotificationTTL,
		detect.MaxAncestorDepth,
	)
}
