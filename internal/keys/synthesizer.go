package keys

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrTargetMissing is returned by a Dispatcher when the requested target does
// not exist in the current document (no focused element, no main column...).
var ErrTargetMissing = errors.New("keys: dispatch target not present")

// Dispatcher delivers a triple to one target.
type Dispatcher interface {
	Dispatch(ctx context.Context, target Target, triple Triple) error
}

// Report summarizes one Press. Delivered counts targets whose dispatch call
// returned without error; it says nothing about whether the page reacted.
type Report struct {
	Char      string
	Attempted int
	Delivered int
	Missing   int
	Failed    int
}

// Synthesizer presses single characters against a prioritized target list.
type Synthesizer struct {
	dispatcher Dispatcher
	targets    []Target
	logger     *zap.Logger
}

// NewSynthesizer creates a Synthesizer for the given breadth.
func NewSynthesizer(d Dispatcher, breadth Breadth, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		dispatcher: d,
		targets:    Targets(breadth),
		logger:     logger.Named("keys"),
	}
}

// Press synthesizes ch and dispatches it to every candidate target in order.
// Each dispatch is isolated: errors and panics are logged and the remaining
// targets are still attempted.
func (s *Synthesizer) Press(ctx context.Context, ch rune) Report {
	triple, err := Synthesize(ch)
	if err != nil {
		s.logger.Warn("Refusing to synthesize key.", zap.Error(err))
		return Report{}
	}

	report := Report{Char: triple.Char()}
	s.logger.Debug("Simulating key press.", zap.String("key", report.Char))

	for _, target := range s.targets {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++
		switch err := s.dispatchOne(ctx, target, triple); {
		case err == nil:
			report.Delivered++
		case errors.Is(err, ErrTargetMissing):
			report.Missing++
			s.logger.Debug("Dispatch target not present.", zap.String("target", string(target)))
		default:
			report.Failed++
			s.logger.Warn("Error dispatching key event.",
				zap.String("target", string(target)),
				zap.String("key", report.Char),
				zap.Error(err))
		}
	}
	return report
}

func (s *Synthesizer) dispatchOne(ctx context.Context, target Target, triple Triple) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &dispatchPanic{value: r}
		}
	}()
	return s.dispatcher.Dispatch(ctx, target, triple)
}

type dispatchPanic struct{ value any }

func (p *dispatchPanic) Error() string {
	return fmt.Sprintf("keys: dispatcher panicked: %v", p.value)
}
