package loop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/replyloop/internal/detect"
	"github.com/xkilldash9x/replyloop/internal/keys"
	"github.com/xkilldash9x/replyloop/internal/loop"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test doubles --

type recordingPresser struct {
	mu      sync.Mutex
	pressed []rune
}

func (p *recordingPresser) Press(_ context.Context, ch rune) keys.Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pressed = append(p.pressed, ch)
	return keys.Report{Char: string(ch), Attempted: 1, Delivered: 1}
}

func (p *recordingPresser) keys() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.pressed)
}

type mockWatcher struct {
	mock.Mock
}

func (m *mockWatcher) WatchDialog(ctx context.Context, token uint64) (bool, error) {
	args := m.Called(ctx, token)
	return args.Bool(0), args.Error(1)
}

func (m *mockWatcher) UnwatchDialog(ctx context.Context, token uint64) error {
	args := m.Called(ctx, token)
	return args.Error(0)
}

type recordingPresenter struct {
	mu        sync.Mutex
	states    []loop.RunState
	notices   []string
	available int
	consumed  int
}

func (p *recordingPresenter) OnStateChanged(s loop.RunState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
}

func (p *recordingPresenter) OnNotify(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, msg)
}

func (p *recordingPresenter) OnManualContinueAvailable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available++
}

func (p *recordingPresenter) OnManualContinueConsumed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed++
}

func (p *recordingPresenter) counts() (available, consumed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available, p.consumed
}

func (p *recordingPresenter) runStates() []loop.RunState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]loop.RunState(nil), p.states...)
}

// -- Harness --

type harness struct {
	clock     *clockwork.FakeClock
	presser   *recordingPresser
	watcher   *mockWatcher
	presenter *recordingPresenter
	ctrl      *loop.Controller
}

func testOptions() loop.Options {
	return loop.Options{
		Mode: loop.ModeAuto,
		Sequence: loop.SequenceConfig{
			FallbackDelay: 800 * time.Millisecond,
			ArmDelay:      200 * time.Millisecond,
			SettleDelay:   100 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, opts loop.Options) *harness {
	t.Helper()
	h := &harness{
		clock:     clockwork.NewFakeClock(),
		presser:   &recordingPresser{},
		watcher:   &mockWatcher{},
		presenter: &recordingPresenter{},
	}
	h.watcher.On("UnwatchDialog", mock.Anything, mock.Anything).Return(nil).Maybe()
	opts.Clock = h.clock

	ctrl, err := loop.NewController(h.presser, h.watcher, h.presenter, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	h.ctrl = ctrl

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(context.Background()) }()
	t.Cleanup(func() {
		ctrl.Close()
		require.NoError(t, <-errc)
	})
	return h
}

func (h *harness) waitFor(t *testing.T, msg string, cond func(loop.Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.ctrl.Status()) }, time.Second, time.Millisecond, msg)
}

func (h *harness) waitState(t *testing.T, s loop.State) {
	t.Helper()
	h.waitFor(t, "state "+s.String(), func(st loop.Status) bool { return st.State == s })
}

// settle gives the actor time to drain anything already queued.
func settle() { time.Sleep(20 * time.Millisecond) }

// -- Tests --

func TestToggleOn_FiresSequenceAndArmsSession(t *testing.T) {
	opts := testOptions()
	opts.Sequence.InterKeyDelay = 10 * time.Millisecond
	h := newHarness(t, opts)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)

	st := h.ctrl.Status()
	assert.Equal(t, loop.Running, st.RunState)
	assert.Equal(t, uint64(1), st.Sequences)
	assert.NotEmpty(t, st.RunID)

	// Inter-key wait and the session's arm timer.
	h.clock.BlockUntil(2)
	assert.Equal(t, "j", h.presser.keys())

	h.clock.Advance(10 * time.Millisecond)
	require.Eventually(t, func() bool { return h.presser.keys() == "jr" }, time.Second, time.Millisecond)

	assert.Equal(t, []loop.RunState{loop.Running}, h.presenter.runStates())
}

func TestToggleOn_HonorsStartDelay(t *testing.T) {
	opts := testOptions()
	opts.Sequence.StartDelay = 50 * time.Millisecond
	h := newHarness(t, opts)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateSequencing)
	h.clock.BlockUntil(1)
	assert.Empty(t, h.presser.keys())

	h.clock.Advance(50 * time.Millisecond)
	h.waitState(t, loop.StateAwaitingCompletion)
	require.Eventually(t, func() bool { return h.presser.keys() == "jr" }, time.Second, time.Millisecond)
}

func TestNoDialog_FallbackCompletesOnceAt800ms(t *testing.T) {
	h := newHarness(t, testOptions())
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)

	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	h.clock.BlockUntil(1)

	h.clock.Advance(799 * time.Millisecond)
	settle()
	assert.Equal(t, uint64(0), h.ctrl.Status().Completions)

	h.clock.Advance(time.Millisecond)
	h.waitFor(t, "second sequence", func(st loop.Status) bool { return st.Sequences == 2 })

	st := h.ctrl.Status()
	assert.Equal(t, uint64(1), st.Completions)
	assert.Equal(t, loop.StateAwaitingCompletion, st.State)
	require.Eventually(t, func() bool { return h.presser.keys() == "jrjr" }, time.Second, time.Millisecond)
}

func TestDialogClosed_ResequencesExactlyOnce(t *testing.T) {
	h := newHarness(t, testOptions())
	watched := make(chan struct{})
	var once sync.Once
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(true, nil).
		Run(func(mock.Arguments) { once.Do(func() { close(watched) }) })

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)
	token := h.ctrl.Status().Token

	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	select {
	case <-watched:
	case <-time.After(time.Second):
		t.Fatal("dialog watch never requested")
	}

	// Several observers report the same closure.
	h.ctrl.DialogClosed(token)
	h.ctrl.DialogClosed(token)
	h.ctrl.DialogClosed(token)

	h.waitState(t, loop.StateSequencing)
	h.clock.BlockUntil(1)
	h.clock.Advance(100 * time.Millisecond)
	h.waitFor(t, "re-sequenced", func(st loop.Status) bool { return st.Sequences == 2 })

	settle()
	st := h.ctrl.Status()
	assert.Equal(t, uint64(1), st.Completions)
	assert.Equal(t, uint64(2), st.Sequences)
	assert.NotEqual(t, token, st.Token)
}

func TestToggleOff_WhileAwaitingStopsEverything(t *testing.T) {
	h := newHarness(t, testOptions())
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)
	oldToken := h.ctrl.Status().Token
	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	h.clock.BlockUntil(1)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateStopped)
	assert.Equal(t, loop.Stopped, h.ctrl.Status().RunState)

	// Old timers and observers firing late have no effect.
	h.clock.Advance(time.Hour)
	h.ctrl.DialogClosed(oldToken)
	settle()

	st := h.ctrl.Status()
	assert.Equal(t, uint64(1), st.Sequences)
	assert.Equal(t, uint64(0), st.Completions)
	assert.Equal(t, "jr", h.presser.keys())
	assert.Equal(t, []loop.RunState{loop.Running, loop.Stopped}, h.presenter.runStates())
}

func TestToggleOff_BeforeStartDelaySkipsSequence(t *testing.T) {
	opts := testOptions()
	opts.Sequence.StartDelay = 50 * time.Millisecond
	h := newHarness(t, opts)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateSequencing)
	h.ctrl.Toggle()
	h.waitState(t, loop.StateStopped)

	h.clock.Advance(time.Second)
	settle()
	assert.Empty(t, h.presser.keys())
	assert.Equal(t, uint64(0), h.ctrl.Status().Sequences)
}

func TestManualMode_WaitsForContinue(t *testing.T) {
	opts := testOptions()
	opts.Mode = loop.ModeManual
	h := newHarness(t, opts)
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)

	h.ctrl.RequestManualContinue()
	settle()
	assert.Equal(t, uint64(1), h.ctrl.Status().Sequences, "continue is ignored outside WAITING_FOR_USER")

	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	h.clock.BlockUntil(1)
	h.clock.Advance(800 * time.Millisecond)
	h.waitState(t, loop.StateWaitingForUser)

	available, _ := h.presenter.counts()
	assert.Equal(t, 1, available)

	h.clock.Advance(time.Hour)
	settle()
	assert.Equal(t, uint64(1), h.ctrl.Status().Sequences, "no sequence without the user")

	h.ctrl.RequestManualContinue()
	h.waitFor(t, "continued", func(st loop.Status) bool { return st.Sequences == 2 })
	assert.Equal(t, loop.StateAwaitingCompletion, h.ctrl.Status().State)
	_, consumed := h.presenter.counts()
	assert.Equal(t, 1, consumed)
}

func TestManualMode_ToggleOffRemovesAffordance(t *testing.T) {
	opts := testOptions()
	opts.Mode = loop.ModeManual
	opts.Sequence.ArmDelay = 0
	h := newHarness(t, opts)
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)
	h.clock.BlockUntil(1)
	h.clock.Advance(800 * time.Millisecond)
	h.waitState(t, loop.StateWaitingForUser)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateStopped)
	available, consumed := h.presenter.counts()
	assert.Equal(t, 1, available)
	assert.Equal(t, 1, consumed)
}

func TestSetLoopMode_AutoResumesWaitingLoop(t *testing.T) {
	opts := testOptions()
	opts.Mode = loop.ModeManual
	opts.Sequence.ArmDelay = 0
	h := newHarness(t, opts)
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)
	h.clock.BlockUntil(1)
	h.clock.Advance(800 * time.Millisecond)
	h.waitState(t, loop.StateWaitingForUser)

	h.ctrl.SetLoopMode(loop.ModeAuto)
	h.waitFor(t, "resumed", func(st loop.Status) bool { return st.Sequences == 2 && st.Mode == loop.ModeAuto })
}

func TestMinInterval_ThrottlesSequences(t *testing.T) {
	opts := testOptions()
	opts.Sequence.ArmDelay = 0
	opts.Sequence.MinInterval = 5 * time.Second
	h := newHarness(t, opts)
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)
	h.clock.BlockUntil(1)
	h.clock.Advance(800 * time.Millisecond)
	h.waitState(t, loop.StateSequencing)

	h.clock.BlockUntil(1)
	h.clock.Advance(4 * time.Second)
	settle()
	assert.Equal(t, uint64(1), h.ctrl.Status().Sequences, "the limiter holds the next sequence back")

	h.clock.Advance(time.Second)
	h.waitFor(t, "throttled sequence", func(st loop.Status) bool { return st.Sequences == 2 })
}

func TestInteractionWatches_EvidenceArmsDetection(t *testing.T) {
	opts := testOptions()
	opts.InteractionWatches = true
	h := newHarness(t, opts)
	h.watcher.On("WatchDialog", mock.Anything, mock.Anything).Return(false, nil)

	h.ctrl.Toggle()
	h.waitState(t, loop.StateAwaitingCompletion)

	h.clock.Advance(time.Hour)
	settle()
	h.watcher.AssertNotCalled(t, "WatchDialog", mock.Anything, mock.Anything)

	h.ctrl.Evidence(detect.Evidence{Kind: detect.EvidenceEnter, Focused: &detect.Element{Tag: "TEXTAREA"}})
	h.clock.BlockUntil(1)
	h.clock.Advance(200 * time.Millisecond)
	h.clock.BlockUntil(1)
	h.clock.Advance(800 * time.Millisecond)

	h.waitFor(t, "completion after evidence", func(st loop.Status) bool { return st.Completions == 1 })
}

func TestUpdateSequenceConfig(t *testing.T) {
	h := newHarness(t, testOptions())

	err := h.ctrl.UpdateSequenceConfig(loop.SequenceConfig{FallbackDelay: -time.Second})
	assert.ErrorIs(t, err, loop.ErrInvalidConfig)

	require.NoError(t, h.ctrl.UpdateSequenceConfig(loop.DefaultSequenceConfig()))

	h.ctrl.Toggle()
	h.waitFor(t, "running", func(st loop.Status) bool { return st.RunState == loop.Running })
	err = h.ctrl.UpdateSequenceConfig(loop.DefaultSequenceConfig())
	assert.ErrorIs(t, err, loop.ErrRunning)
}

func TestUpdateSequenceConfig_AfterClose(t *testing.T) {
	opts := testOptions()
	opts.Clock = clockwork.NewFakeClock()
	ctrl, err := loop.NewController(&recordingPresser{}, &mockWatcher{}, nil, opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(context.Background()) }()
	ctrl.Close()
	require.NoError(t, <-errc)

	assert.ErrorIs(t, ctrl.UpdateSequenceConfig(loop.DefaultSequenceConfig()), loop.ErrClosed)
}

func TestNewController_RejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.Mode = "sometimes"
	_, err := loop.NewController(&recordingPresser{}, &mockWatcher{}, nil, opts, zaptest.NewLogger(t))
	assert.Error(t, err)

	opts = testOptions()
	opts.Sequence.ArmDelay = -1
	_, err = loop.NewController(&recordingPresser{}, &mockWatcher{}, nil, opts, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, loop.ErrInvalidConfig)
}

func TestRun_ContextCancelStopsLoop(t *testing.T) {
	opts := testOptions()
	opts.Clock = clockwork.NewFakeClock()
	ctrl, err := loop.NewController(&recordingPresser{}, &mockWatcher{}, nil, opts, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()

	ctrl.Toggle()
	require.Eventually(t, func() bool { return ctrl.Status().RunState == loop.Running }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, loop.Stopped, ctrl.Status().RunState)
	ctrl.Close()
}

func TestMultiPresenter_FansOut(t *testing.T) {
	a, b := &recordingPresenter{}, &recordingPresenter{}
	m := loop.MultiPresenter{a, b}

	m.OnStateChanged(loop.Running)
	m.OnNotify("hello")
	m.OnManualContinueAvailable()
	m.OnManualContinueConsumed()

	for _, p := range []*recordingPresenter{a, b} {
		assert.Equal(t, []loop.RunState{loop.Running}, p.runStates())
		assert.Equal(t, []string{"hello"}, p.notices)
		available, consumed := p.counts()
		assert.Equal(t, 1, available)
		assert.Equal(t, 1, consumed)
	}
}

func TestParseMode(t *testing.T) {
	m, err := loop.ParseMode(" Manual ")
	require.NoError(t, err)
	assert.Equal(t, loop.ModeManual, m)

	_, err = loop.ParseMode("")
	assert.Error(t, err)
}
