// internal/browser/allocator.go
package browser

import (
	"context"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/replyloop/internal/config"
)

// Flags returns the command line switches added on top of chromedp's
// defaults, keyed without the leading dashes. A false value removes a default.
func Flags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		// Recommended for stability in containers.
		"disable-dev-shm-usage": true,
	}
	// The loop drives a tab that is often in the background; keep its timers running.
	for _, f := range []string{
		"disable-background-timer-throttling",
		"disable-backgrounding-occluded-windows",
		"disable-renderer-backgrounding",
	} {
		flags[f] = true
	}
	if !cfg.Headless {
		flags["headless"] = false
		flags["hide-scrollbars"] = false
		flags["mute-audio"] = false
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			flags[key] = true
			continue
		}
		flags[key] = value
	}
	return flags
}

// AllocatorOptions builds the exec allocator options for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)

	flags := Flags(cfg)
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, chromedp.Flag(k, flags[k]))
	}

	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		opts = append(opts, chromedp.WindowSize(w, h))
	}
	return opts
}

// newAllocator attaches to cfg.RemoteURL when set and launches Chromium otherwise.
func newAllocator(ctx context.Context, cfg config.BrowserConfig) (context.Context, context.CancelFunc) {
	if cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	}
	return chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
}
