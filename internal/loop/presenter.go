package loop

import "go.uber.org/zap"

// Presenter receives the controller's outbound notifications. Calls are made
// from the controller goroutine and must not call back into Controls
// synchronously.
type Presenter interface {
	OnStateChanged(state RunState)
	OnNotify(message string)
	OnManualContinueAvailable()
	OnManualContinueConsumed()
}

// Controls is the inbound surface used by overlays, shortcuts and the TUI.
type Controls interface {
	Toggle()
	SetLoopMode(mode Mode)
	RequestManualContinue()
}

// MultiPresenter fans every notification out to each presenter in order.
type MultiPresenter []Presenter

func (m MultiPresenter) OnStateChanged(state RunState) {
	for _, p := range m {
		p.OnStateChanged(state)
	}
}

func (m MultiPresenter) OnNotify(message string) {
	for _, p := range m {
		p.OnNotify(message)
	}
}

func (m MultiPresenter) OnManualContinueAvailable() {
	for _, p := range m {
		p.OnManualContinueAvailable()
	}
}

func (m MultiPresenter) OnManualContinueConsumed() {
	for _, p := range m {
		p.OnManualContinueConsumed()
	}
}

// LogPresenter writes every notification to the log. It is always part of the
// presenter chain so headless runs still report what the loop is doing.
type LogPresenter struct {
	logger *zap.Logger
}

// NewLogPresenter creates a LogPresenter.
func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	return &LogPresenter{logger: logger.Named("presenter")}
}

func (l *LogPresenter) OnStateChanged(state RunState) {
	l.logger.Info("Run state changed.", zap.Stringer("run_state", state))
}

func (l *LogPresenter) OnNotify(message string) {
	l.logger.Info(message)
}

func (l *LogPresenter) OnManualContinueAvailable() {
	l.logger.Info("Waiting for manual continue.")
}

func (l *LogPresenter) OnManualContinueConsumed() {
	l.logger.Debug("Manual continue consumed.")
}
