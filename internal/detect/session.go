package detect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Phase is where a session is in its detection lifecycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	// PhaseAwaitingEvidence waits for an Enter/click submission (interaction watches).
	PhaseAwaitingEvidence
	// PhaseArming waits ArmDelay, then asks the page for a dialog.
	PhaseArming
	// PhaseWatching has a page observer attached to a dialog.
	PhaseWatching
	// PhaseFallback found no dialog and runs the fallback timer.
	PhaseFallback
	// PhaseDone is terminal: fired or torn down.
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingEvidence:
		return "awaiting_evidence"
	case PhaseArming:
		return "arming"
	case PhaseWatching:
		return "watching"
	case PhaseFallback:
		return "fallback"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Session is one armed detection. It emits at most one Signal and its
// teardown is idempotent.
type Session struct {
	token  uint64
	d      *Detector
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	emit   func(Signal)
	logger *zap.Logger

	fired atomic.Bool

	mu     sync.Mutex
	phase  Phase
	probed bool
	closed bool
	timers []clockwork.Timer
}

func newSession(parent context.Context, d *Detector, token uint64, emit func(Signal)) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		token:  token,
		d:      d,
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
		emit:   emit,
		logger: d.logger.With(zap.Uint64("token", token)),
	}
}

// Token returns the session identity.
func (s *Session) Token() uint64 { return s.token }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Fired reports whether the session has emitted its completion.
func (s *Session) Fired() bool { return s.fired.Load() }

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.phase = p
	}
}

func (s *Session) scheduleProbe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleProbeLocked()
}

func (s *Session) scheduleProbeLocked() {
	if s.closed {
		return
	}
	s.phase = PhaseArming
	s.afterLocked(s.d.opts.ArmDelay, s.probe)
}

// afterLocked runs fn after delay. Timers are tracked so teardown can stop
// them and Detector.Wait can join callbacks already running.
func (s *Session) afterLocked(delay time.Duration, fn func()) {
	if delay <= 0 {
		s.d.goTracked(fn)
		return
	}
	s.d.wg.Add(1)
	t := s.d.clock.AfterFunc(delay, func() {
		defer s.d.wg.Done()
		fn()
	})
	s.timers = append(s.timers, t)
}

// probe asks the page to watch the newest dialog and falls back to the timer
// when there is none.
func (s *Session) probe() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.probed = true
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(s.ctx, s.d.opts.CallTimeout)
	found, err := s.d.watcher.WatchDialog(callCtx, s.token)
	cancel()
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn("Dialog watch failed; using the fallback timer.", zap.Error(err))
		}
		found = false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if found {
			// Torn down while the page was attaching the observer.
			s.d.goTracked(s.unwatch)
		}
		return
	}

	if found {
		s.phase = PhaseWatching
		s.logger.Debug("Watching dialog for closure.")
		if s.d.opts.BackstopDelay > 0 {
			s.afterLocked(s.d.opts.BackstopDelay, func() { s.fire(SourceBackstop) })
		}
		return
	}

	s.phase = PhaseFallback
	s.logger.Debug("No dialog found; using the fallback timer.", zap.Duration("delay", s.d.opts.FallbackDelay))
	s.afterLocked(s.d.opts.FallbackDelay, func() { s.fire(SourceFallback) })
}

// DialogClosed records the page's report that the watched dialog closed.
func (s *Session) DialogClosed() {
	s.fire(SourceDialogClosed)
}

// Evidence feeds an interaction observation to the session. A submission
// arms the structural watch; it never completes the session by itself. It
// returns true when the evidence was accepted.
func (s *Session) Evidence(ev Evidence) bool {
	if !ev.IsSubmission() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.phase != PhaseAwaitingEvidence {
		return false
	}
	s.logger.Debug("Submission detected; arming dialog watch.", zap.String("evidence", string(ev.Kind)))
	s.scheduleProbeLocked()
	return true
}

// PageReloaded re-arms the structural watch when a new document replaced
// the one holding the observer.
func (s *Session) PageReloaded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.phase != PhaseWatching {
		return
	}
	s.logger.Debug("Document replaced while watching; re-arming.")
	s.scheduleProbeLocked()
}

// fire emits the first completion and tears the session down. Later calls,
// from any producer, are no-ops.
func (s *Session) fire(src Source) {
	if !s.fired.CompareAndSwap(false, true) {
		s.logger.Debug("Completion already signaled; ignoring.", zap.String("source", string(src)))
		return
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	s.logger.Info("Completion detected.", zap.String("source", string(src)))
	s.Close()
	s.emit(Signal{Token: s.token, Source: src})
}

// Close stops every timer, cancels in-flight page calls and detaches the
// page observer. Safe to call repeatedly and concurrently.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.phase = PhaseDone
	timers := s.timers
	s.timers = nil
	probed := s.probed
	s.mu.Unlock()

	for _, t := range timers {
		if t.Stop() {
			s.d.wg.Done()
		}
	}
	s.cancel()
	if probed {
		s.d.goTracked(s.unwatch)
	}
}

func (s *Session) unwatch() {
	if s.parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.parent), s.d.opts.CallTimeout)
	defer cancel()
	if err := s.d.watcher.UnwatchDialog(ctx, s.token); err != nil {
		s.logger.Debug("Could not detach dialog observer.", zap.Error(err))
	}
}
