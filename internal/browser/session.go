// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replyloop/internal/browser/bridge"
	"github.com/xkilldash9x/replyloop/internal/config"
)

const eventBuffer = 256

// Session is the browser tab the loop drives. It owns the CDP connection,
// the injected bridge and the stream of events the bridge reports.
type Session struct {
	id          string
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
	logger      *zap.Logger

	events chan Event

	mu       sync.Mutex
	isClosed bool
}

// Open starts (or attaches to) a browser, installs the bridge on every new
// document and navigates to cfg.StartURL. The browser's lifetime is bound to
// Close, not to ctx; ctx only bounds the setup.
func Open(ctx context.Context, cfg config.BrowserConfig, script string, logger *zap.Logger) (*Session, error) {
	id := uuid.New().String()
	s := &Session{
		id:     id,
		cfg:    cfg,
		logger: logger.Named("browser").With(zap.String("session_id", id)),
		events: make(chan Event, eventBuffer),
	}

	allocCtx, allocCancel := newAllocator(Detach(ctx), cfg)
	s.allocCancel = allocCancel
	s.ctx, s.cancel = chromedp.NewContext(allocCtx,
		chromedp.WithLogf(s.logger.Sugar().Debugf),
		chromedp.WithErrorf(s.logger.Sugar().Debugf),
	)

	// 1. Start the browser and attach to the tab. This first Run must not
	// carry a deadline or the browser dies with it.
	if err := chromedp.Run(s.ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	chromedp.ListenTarget(s.ctx, s.onTargetEvent)

	setupCtx := ctx
	if cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, cfg.NavigationTimeout)
		defer cancel()
	}

	// 2. Binding and persistent bridge.
	err := s.runActions(setupCtx,
		runtime.AddBinding(bridge.BindingName),
		chromedp.ActionFunc(func(c context.Context) error {
			scriptID, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			if err != nil {
				return err
			}
			s.logger.Debug("Injected persistent bridge.", zap.String("script_id", string(scriptID)))
			return nil
		}),
	)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to install page bridge: %w", err)
	}

	// 3. Navigate, or install the bridge into the document already loaded.
	if cfg.StartURL != "" {
		s.logger.Info("Navigating.", zap.String("url", cfg.StartURL))
		err = s.runActions(setupCtx, chromedp.Navigate(cfg.StartURL))
	} else {
		err = s.runActions(setupCtx, chromedp.Evaluate(script, nil))
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open start page: %w", err)
	}

	s.logger.Info("Browser session ready.", zap.Bool("remote", cfg.RemoteURL != ""))
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Events streams decoded bridge reports. It is never closed; select on Done.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed when the tab goes away or the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Evaluate runs expr in the current document and decodes the result into res.
func (s *Session) Evaluate(ctx context.Context, expr string, res interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(expr, res))
}

// DispatchKey sends one event through the browser's trusted input pipeline.
func (s *Session) DispatchKey(ctx context.Context, p *input.DispatchKeyEventParams) error {
	return s.runActions(ctx, p)
}

// Close shuts the tab (and a launched browser) down. Safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return
	}
	s.isClosed = true
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")
	if s.ctx != nil && s.ctx.Err() == nil {
		// Graceful close lets the browser flush the profile.
		closeCtx, cancel := context.WithTimeout(Detach(s.ctx), 5*time.Second)
		if err := chromedp.Cancel(closeCtx); err != nil {
			s.logger.Debug("Graceful browser close failed.", zap.Error(err))
		}
		cancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

func (s *Session) onTargetEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *runtime.EventBindingCalled:
		if ev.Name != bridge.BindingName {
			return
		}
		e, err := DecodeEvent(ev.Payload)
		if err != nil {
			s.logger.Warn("Discarding malformed bridge event.", zap.Error(err), zap.String("payload", ev.Payload))
			return
		}
		// ListenTarget callbacks must not block.
		select {
		case s.events <- e:
		default:
			s.logger.Warn("Bridge event buffer full; dropping event.", zap.String("kind", string(e.Kind)))
		}
	case *inspector.EventDetached:
		s.logger.Warn("Browser tab detached.", zap.String("reason", string(ev.Reason)))
		go s.cancel()
	case *inspector.EventTargetCrashed:
		s.logger.Error("Browser tab crashed.")
		go s.cancel()
	}
}

// runActions executes actions bounded by both the session lifetime and ctx.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}
