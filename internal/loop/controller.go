// Package loop ties the run switch, the sequencer and the completion detector
// into one state machine.
//
// The Controller is an actor: a single goroutine (Run) owns every piece of
// mutable state. Inbound calls, timer expiries, page callbacks and detector
// signals are all messages on one channel. Each scheduled action carries the
// token it was created for and is dropped when the token is no longer current.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/replyloop/internal/detect"
	"github.com/xkilldash9x/replyloop/internal/sequence"
)

var (
	// ErrRunning is returned when the sequence config is changed while the loop runs.
	ErrRunning = errors.New("loop is running; stop it before changing the sequence config")
	// ErrInvalidConfig wraps validation failures of a SequenceConfig.
	ErrInvalidConfig = errors.New("invalid sequence config")
	// ErrClosed is returned by calls made after the controller stopped.
	ErrClosed = errors.New("loop controller is closed")
)

var _ Controls = (*Controller)(nil)

// Options configures a Controller.
type Options struct {
	Mode               Mode
	Sequence           SequenceConfig
	InteractionWatches bool
	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// CallTimeout bounds each page call made by detection sessions.
	CallTimeout time.Duration
}

type (
	toggleMsg       struct{}
	continueMsg     struct{}
	pageReadyMsg    struct{}
	modeMsg         struct{ mode Mode }
	sequenceDueMsg  struct{ token uint64 }
	completionMsg   struct{ sig detect.Signal }
	dialogClosedMsg struct{ token uint64 }
	watchLostMsg    struct{ token uint64 }
	evidenceMsg     struct{ ev detect.Evidence }
	configMsg       struct {
		cfg   SequenceConfig
		reply chan error
	}
)

// Controller is the loop state machine. Create it with NewController and
// drive it with Run.
type Controller struct {
	presser     sequence.Presser
	watcher     detect.DialogWatcher
	presenter   Presenter
	clock       clockwork.Clock
	logger      *zap.Logger
	interaction bool
	callTimeout time.Duration

	events   chan any
	stop     chan struct{}
	stopOnce sync.Once
	exiting  chan struct{}
	done     chan struct{}
	started  atomic.Bool
	wg       sync.WaitGroup

	// Read by sequencer goroutines through the gate.
	running atomic.Bool
	gen     atomic.Uint64

	snapMu sync.Mutex
	snap   Status

	// Owned by the Run goroutine.
	ctx         context.Context
	runCtx      context.Context
	runCancel   context.CancelFunc
	state       State
	mode        Mode
	cfg         SequenceConfig
	seq         *sequence.Sequencer
	det         *detect.Detector
	retired     []retiredPair
	limiter     *rate.Limiter
	reservation *rate.Reservation
	session     *detect.Session
	token       uint64
	pending     clockwork.Timer
	runID       string
	sequences   uint64
	completions uint64
}

type retiredPair struct {
	seq *sequence.Sequencer
	det *detect.Detector
}

// NewController validates opts and builds a stopped controller.
func NewController(p sequence.Presser, w detect.DialogWatcher, presenter Presenter, opts Options, logger *zap.Logger) (*Controller, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if err := opts.Sequence.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if presenter == nil {
		presenter = MultiPresenter(nil)
	}

	c := &Controller{
		presser:     p,
		watcher:     w,
		presenter:   presenter,
		clock:       opts.Clock,
		logger:      logger.Named("loop"),
		interaction: opts.InteractionWatches,
		callTimeout: opts.CallTimeout,
		events:      make(chan any, 64),
		stop:        make(chan struct{}),
		exiting:     make(chan struct{}),
		done:        make(chan struct{}),
		state:       StateStopped,
		mode:        opts.Mode,
	}
	c.applyConfig(opts.Sequence)
	c.publish()
	return c, nil
}

// Toggle flips the run state.
func (c *Controller) Toggle() { c.post(toggleMsg{}) }

// SetLoopMode switches between auto and manual continuation.
func (c *Controller) SetLoopMode(mode Mode) { c.post(modeMsg{mode: mode}) }

// RequestManualContinue starts the next sequence when the loop is waiting for
// the user. It is ignored in every other state.
func (c *Controller) RequestManualContinue() { c.post(continueMsg{}) }

// DialogClosed reports that the page observer for token saw its dialog close.
func (c *Controller) DialogClosed(token uint64) { c.post(dialogClosedMsg{token: token}) }

// DialogWatchLost reports that the observer for token went away with its document.
func (c *Controller) DialogWatchLost(token uint64) { c.post(watchLostMsg{token: token}) }

// Evidence forwards an Enter or click observation from the page.
func (c *Controller) Evidence(ev detect.Evidence) { c.post(evidenceMsg{ev: ev}) }

// PageReady reports that a fresh document finished loading the bridge.
func (c *Controller) PageReady() { c.post(pageReadyMsg{}) }

// UpdateSequenceConfig replaces the run timings. It fails with ErrRunning
// unless the loop is stopped. Run must be active.
func (c *Controller) UpdateSequenceConfig(cfg SequenceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !c.post(configMsg{cfg: cfg, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.exiting:
		return ErrClosed
	}
}

// Status returns the latest snapshot. It never blocks on the event loop.
func (c *Controller) Status() Status {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// Run processes events until ctx is cancelled or Close is called. On exit the
// loop is stopped and every background goroutine has been joined.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("loop controller already running")
	}
	defer close(c.done)

	c.ctx = ctx
	c.logger.Info("Loop controller ready.", zap.String("mode", string(c.mode)))
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.stop:
			c.shutdown()
			return nil
		case m := <-c.events:
			c.handle(m)
			c.publish()
		}
	}
}

// Close stops the event loop and waits for it to exit.
func (c *Controller) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started.Load() {
		<-c.done
	}
}

func (c *Controller) post(m any) bool {
	select {
	case c.events <- m:
		return true
	case <-c.exiting:
		return false
	}
}

func (c *Controller) handle(m any) {
	switch m := m.(type) {
	case toggleMsg:
		if c.state == StateStopped {
			c.start()
		} else {
			c.halt("Stopped")
		}
	case modeMsg:
		c.setMode(m.mode)
	case continueMsg:
		c.manualContinue()
	case sequenceDueMsg:
		c.sequenceDue(m.token)
	case completionMsg:
		c.complete(m.sig)
	case dialogClosedMsg:
		if s := c.currentSession(m.token); s != nil {
			// DialogClosed emits synchronously; keep the emit off this goroutine.
			c.goTracked(s.DialogClosed)
		}
	case watchLostMsg:
		if s := c.currentSession(m.token); s != nil {
			s.PageReloaded()
		}
	case pageReadyMsg:
		if c.session != nil {
			c.session.PageReloaded()
		}
	case evidenceMsg:
		if c.session != nil && c.state == StateAwaitingCompletion {
			c.session.Evidence(m.ev)
		}
	case configMsg:
		m.reply <- c.updateConfig(m.cfg)
	default:
		c.logger.Warn("Unknown controller message.", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

func (c *Controller) start() {
	c.running.Store(true)
	c.gen.Add(1)
	c.runCtx, c.runCancel = context.WithCancel(c.ctx)
	c.runID = uuid.NewString()
	c.logger.Info("Loop started.", zap.String("run_id", c.runID), zap.String("mode", string(c.mode)))

	c.presenter.OnStateChanged(Running)
	c.presenter.OnNotify("replyloop: Started")
	c.scheduleSequence(c.cfg.StartDelay)
}

// halt moves to STOPPED from any state. A non-empty notice is shown to the user.
func (c *Controller) halt(notice string) {
	c.running.Store(false)
	c.gen.Add(1)
	c.stopPending()
	c.destroySession()
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	wasWaiting := c.state == StateWaitingForUser
	c.state = StateStopped
	c.token++
	c.logger.Info("Loop stopped.", zap.String("run_id", c.runID), zap.Uint64("sequences", c.sequences))

	if notice == "" {
		return
	}
	if wasWaiting {
		c.presenter.OnManualContinueConsumed()
	}
	c.presenter.OnStateChanged(Stopped)
	c.presenter.OnNotify("replyloop: " + notice)
}

func (c *Controller) setMode(mode Mode) {
	if _, err := ParseMode(string(mode)); err != nil {
		c.logger.Warn("Ignoring invalid loop mode.", zap.Error(err))
		return
	}
	if mode == c.mode {
		return
	}
	c.mode = mode
	c.logger.Info("Loop mode changed.", zap.String("mode", string(mode)))
	c.presenter.OnNotify("replyloop: " + string(mode) + " mode")

	if mode == ModeAuto && c.state == StateWaitingForUser {
		c.presenter.OnManualContinueConsumed()
		c.scheduleSequence(0)
	}
}

func (c *Controller) manualContinue() {
	if c.state != StateWaitingForUser {
		c.logger.Debug("Manual continue ignored.", zap.Stringer("state", c.state))
		return
	}
	c.presenter.OnManualContinueConsumed()
	c.scheduleSequence(0)
}

// scheduleSequence invalidates every outstanding callback and queues the next
// sequence after delay, pushed back further if the rate limiter requires it.
func (c *Controller) scheduleSequence(delay time.Duration) {
	c.stopPending()
	c.destroySession()
	c.token++
	c.state = StateSequencing

	if c.limiter != nil {
		at := c.clock.Now().Add(delay)
		c.reservation = c.limiter.ReserveN(at, 1)
		if c.reservation.OK() {
			delay += c.reservation.DelayFrom(at)
		}
	}

	if delay <= 0 {
		c.fireSequence()
		return
	}
	token := c.token
	c.pending = c.clock.AfterFunc(delay, func() { c.post(sequenceDueMsg{token: token}) })
}

func (c *Controller) sequenceDue(token uint64) {
	if token != c.token || c.state != StateSequencing {
		c.logger.Debug("Dropping stale sequence timer.", zap.Uint64("token", token), zap.Uint64("current", c.token))
		return
	}
	c.pending = nil
	c.fireSequence()
}

// fireSequence runs the two-key sequence and arms a fresh detection session.
// The previous session is always gone by the time this runs.
func (c *Controller) fireSequence() {
	c.pending = nil
	c.reservation = nil
	c.sequences++
	gen := c.gen.Load()
	gate := func() bool { return c.running.Load() && c.gen.Load() == gen }

	c.logger.Debug("Firing sequence.", zap.Uint64("token", c.token), zap.Uint64("sequence", c.sequences))
	c.seq.Perform(c.runCtx, gate)

	// Sessions outlive the run context so their teardown can still detach
	// the page observer after a toggle-off.
	token := c.token
	c.session = c.det.Arm(c.ctx, token, func(sig detect.Signal) { c.post(completionMsg{sig: sig}) })
	c.state = StateAwaitingCompletion
}

func (c *Controller) complete(sig detect.Signal) {
	if sig.Token != c.token || c.state != StateAwaitingCompletion {
		c.logger.Debug("Dropping stale completion.",
			zap.Uint64("token", sig.Token),
			zap.Uint64("current", c.token),
			zap.Stringer("state", c.state))
		return
	}
	c.completions++
	c.destroySession()
	c.logger.Info("Action completed.", zap.String("source", string(sig.Source)), zap.Uint64("completions", c.completions))

	if c.mode == ModeManual {
		c.token++
		c.state = StateWaitingForUser
		c.presenter.OnManualContinueAvailable()
		return
	}

	delay := time.Duration(0)
	if sig.Source == detect.SourceDialogClosed {
		delay = c.cfg.SettleDelay
	}
	c.scheduleSequence(delay)
}

func (c *Controller) currentSession(token uint64) *detect.Session {
	if c.session == nil || token != c.session.Token() {
		c.logger.Debug("Dropping page event for an inactive session.", zap.Uint64("token", token))
		return nil
	}
	return c.session
}

func (c *Controller) destroySession() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Controller) stopPending() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	if c.reservation != nil {
		c.reservation.CancelAt(c.clock.Now())
		c.reservation = nil
	}
}

func (c *Controller) updateConfig(cfg SequenceConfig) error {
	if c.state != StateStopped {
		return ErrRunning
	}
	c.retired = append(c.retired, retiredPair{seq: c.seq, det: c.det})
	c.applyConfig(cfg)
	c.logger.Info("Sequence config updated.",
		zap.Duration("inter_key_delay", cfg.InterKeyDelay),
		zap.Duration("fallback_delay", cfg.FallbackDelay))
	return nil
}

func (c *Controller) applyConfig(cfg SequenceConfig) {
	c.cfg = cfg
	c.seq = sequence.New(c.presser, c.clock, cfg.InterKeyDelay, c.logger)
	c.det = detect.New(c.watcher, c.clock, detect.Options{
		FallbackDelay:      cfg.FallbackDelay,
		ArmDelay:           cfg.ArmDelay,
		BackstopDelay:      cfg.BackstopDelay,
		InteractionWatches: c.interaction,
		CallTimeout:        c.callTimeout,
	}, c.logger)
	c.limiter = nil
	if cfg.MinInterval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
}

func (c *Controller) goTracked(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Controller) shutdown() {
	// 1. Refuse new messages so producers blocked in post return.
	close(c.exiting)

	// 2. Stop quietly; presenters may already be gone.
	if c.state != StateStopped {
		c.halt("")
	}
	c.publish()

	// 3. Join everything that might still call back.
	c.wg.Wait()
	for _, r := range append(c.retired, retiredPair{seq: c.seq, det: c.det}) {
		r.seq.Wait()
		r.det.Wait()
	}
	c.logger.Info("Loop controller exited.", zap.Uint64("sequences", c.sequences), zap.Uint64("completions", c.completions))
}

func (c *Controller) publish() {
	st := Status{
		State:       c.state,
		RunState:    Stopped,
		Mode:        c.mode,
		Sequences:   c.sequences,
		Completions: c.completions,
		Token:       c.token,
		RunID:       c.runID,
	}
	if c.running.Load() {
		st.RunState = Running
	}
	c.snapMu.Lock()
	c.snap = st
	c.snapMu.Unlock()
}
