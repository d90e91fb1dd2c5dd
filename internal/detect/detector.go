// Package detect decides when the action triggered by a sequence has finished.
//
// A Detector arms one Session per sequence. The session races several
// producers (the page's dialog observer, a fallback timer, an optional
// backstop timer) and forwards only the first completion it sees.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Source names the heuristic that produced a completion.
type Source string

const (
	SourceDialogClosed Source = "dialog_closed"
	SourceFallback     Source = "fallback"
	SourceBackstop     Source = "backstop"
)

// Signal is a completion for the session identified by Token.
type Signal struct {
	Token  uint64
	Source Source
}

// DialogWatcher is the page-side half of the structural watch.
type DialogWatcher interface {
	// WatchDialog observes the most recently inserted dialog for the given
	// token. It returns false when no dialog exists; the page reports the
	// close asynchronously.
	WatchDialog(ctx context.Context, token uint64) (bool, error)
	// UnwatchDialog disconnects the observer for token, if any.
	UnwatchDialog(ctx context.Context, token uint64) error
}

// Options configures the detection timings.
type Options struct {
	// FallbackDelay is used when no dialog can be watched.
	FallbackDelay time.Duration
	// ArmDelay is how long to wait before looking for the dialog.
	ArmDelay time.Duration
	// BackstopDelay, when positive, declares completion even while a dialog
	// is still being watched.
	BackstopDelay time.Duration
	// InteractionWatches makes sessions wait for submission evidence before
	// arming the structural watch.
	InteractionWatches bool
	// CallTimeout bounds each call into the DialogWatcher.
	CallTimeout time.Duration
}

// Detector creates detection sessions.
type Detector struct {
	watcher DialogWatcher
	clock   clockwork.Clock
	opts    Options
	logger  *zap.Logger

	wg sync.WaitGroup
}

// New creates a Detector.
func New(w DialogWatcher, clock clockwork.Clock, opts Options, logger *zap.Logger) *Detector {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	return &Detector{
		watcher: w,
		clock:   clock,
		opts:    opts,
		logger:  logger.Named("detector"),
	}
}

// Options returns the detector's configuration.
func (d *Detector) Options() Options { return d.opts }

// Arm starts a session for token. emit is called at most once, from an
// arbitrary goroutine, with the session's first completion.
func (d *Detector) Arm(ctx context.Context, token uint64, emit func(Signal)) *Session {
	s := newSession(ctx, d, token, emit)
	if d.opts.InteractionWatches {
		s.logger.Debug("Session armed; waiting for submission evidence.")
		s.setPhase(PhaseAwaitingEvidence)
	} else {
		s.scheduleProbe()
	}
	return s
}

// Wait blocks until background page calls started by sessions have returned.
func (d *Detector) Wait() {
	d.wg.Wait()
}

// goTracked runs fn on its own goroutine and tracks it for Wait.
func (d *Detector) goTracked(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}
