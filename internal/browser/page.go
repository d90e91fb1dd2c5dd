// internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replyloop/internal/browser/bridge"
	"github.com/xkilldash9x/replyloop/internal/detect"
	"github.com/xkilldash9x/replyloop/internal/keys"
	"github.com/xkilldash9x/replyloop/internal/loop"
)

// Evaluator is the slice of the CDP session the page adapter needs.
// *Session implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, expr string, res interface{}) error
	DispatchKey(ctx context.Context, p *input.DispatchKeyEventParams) error
}

// Page adapts the injected bridge to the core interfaces: it dispatches key
// events, watches dialogs and draws the overlay.
type Page struct {
	eval    Evaluator
	timeout time.Duration
	overlay bool
	logger  *zap.Logger

	mu              sync.Mutex
	running         bool
	continueVisible bool
}

var (
	_ keys.Dispatcher      = (*Page)(nil)
	_ detect.DialogWatcher = (*Page)(nil)
	_ loop.Presenter       = (*Page)(nil)
)

// NewPage creates a Page. timeout bounds each presenter call, which has no
// caller context of its own. overlay disables the presenter calls when false.
func NewPage(eval Evaluator, timeout time.Duration, overlay bool, logger *zap.Logger) *Page {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Page{
		eval:    eval,
		timeout: timeout,
		overlay: overlay,
		logger:  logger.Named("page"),
	}
}

// Dispatch delivers triple to target. Page targets that do not exist in the
// current document yield keys.ErrTargetMissing.
func (p *Page) Dispatch(ctx context.Context, target keys.Target, triple keys.Triple) error {
	if target == keys.TargetNative {
		return p.dispatchNative(ctx, triple)
	}

	events, err := json.MarshalToString(triple)
	if err != nil {
		return fmt.Errorf("failed to encode key events: %w", err)
	}
	var delivered bool
	expr := fmt.Sprintf("%s.dispatch(%s, %s)", bridge.Global, quote(string(target)), events)
	if err := p.eval.Evaluate(ctx, expr, &delivered); err != nil {
		return fmt.Errorf("bridge dispatch to %s failed: %w", target, err)
	}
	if !delivered {
		return keys.ErrTargetMissing
	}
	return nil
}

// dispatchNative sends the press through Input.dispatchKeyEvent. The browser
// derives the keypress from the keydown's text, so only two events are sent.
func (p *Page) dispatchNative(ctx context.Context, triple keys.Triple) error {
	char := triple.Char()
	ch, _ := utf8.DecodeRuneInString(char)
	vk := int64(keys.VirtualKeyCode(ch))
	code := triple[0].Code

	down := input.DispatchKeyEvent(input.KeyDown).
		WithKey(char).
		WithCode(code).
		WithText(char).
		WithUnmodifiedText(char).
		WithWindowsVirtualKeyCode(vk).
		WithNativeVirtualKeyCode(vk)
	up := input.DispatchKeyEvent(input.KeyUp).
		WithKey(char).
		WithCode(code).
		WithWindowsVirtualKeyCode(vk).
		WithNativeVirtualKeyCode(vk)

	for _, ev := range []*input.DispatchKeyEventParams{down, up} {
		if err := p.eval.DispatchKey(ctx, ev); err != nil {
			return fmt.Errorf("native key dispatch failed: %w", err)
		}
	}
	return nil
}

// WatchDialog attaches the page observer for token to the newest dialog.
func (p *Page) WatchDialog(ctx context.Context, token uint64) (bool, error) {
	var found bool
	if err := p.eval.Evaluate(ctx, fmt.Sprintf("%s.watchDialog(%d)", bridge.Global, token), &found); err != nil {
		return false, fmt.Errorf("failed to watch dialog: %w", err)
	}
	return found, nil
}

// UnwatchDialog disconnects the observer for token.
func (p *Page) UnwatchDialog(ctx context.Context, token uint64) error {
	var ok bool
	if err := p.eval.Evaluate(ctx, fmt.Sprintf("%s.unwatchDialog(%d)", bridge.Global, token), &ok); err != nil {
		return fmt.Errorf("failed to unwatch dialog: %w", err)
	}
	return nil
}

func (p *Page) OnStateChanged(state loop.RunState) {
	p.mu.Lock()
	p.running = state == loop.Running
	running := p.running
	p.mu.Unlock()
	p.call("setState", fmt.Sprintf("%t", running))
}

func (p *Page) OnNotify(message string) {
	p.call("notify", quote(message))
}

func (p *Page) OnManualContinueAvailable() {
	p.setContinue(true)
}

func (p *Page) OnManualContinueConsumed() {
	p.setContinue(false)
}

// Restore redraws the overlay state after a new document loaded the bridge.
func (p *Page) Restore(ctx context.Context) {
	if !p.overlay {
		return
	}
	p.mu.Lock()
	running, visible := p.running, p.continueVisible
	p.mu.Unlock()

	expr := fmt.Sprintf("%[1]s.setState(%[2]t) && %[1]s.showContinue(%[3]t)", bridge.Global, running, visible)
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	var ok bool
	if err := p.eval.Evaluate(callCtx, expr, &ok); err != nil {
		p.logger.Debug("Could not restore overlay.", zap.Error(err))
	}
}

func (p *Page) setContinue(visible bool) {
	p.mu.Lock()
	p.continueVisible = visible
	p.mu.Unlock()
	p.call("showContinue", fmt.Sprintf("%t", visible))
}

// call invokes an overlay function. Failures are expected while the page
// navigates and are only logged.
func (p *Page) call(fn, arg string) {
	if !p.overlay {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var ok bool
	if err := p.eval.Evaluate(ctx, fmt.Sprintf("%s.%s(%s)", bridge.Global, fn, arg), &ok); err != nil {
		p.logger.Debug("Overlay call failed.", zap.String("fn", fn), zap.Error(err))
	}
}

// quote renders s as a JavaScript string literal.
func quote(s string) string {
	out, err := json.MarshalToString(s)
	if err != nil {
		return `""`
	}
	return out
}
