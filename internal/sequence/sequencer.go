// Package sequence emits the fixed two-key action sequence.
package sequence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replyloop/internal/keys"
)

// The sequence: move to the next post, then open the reply composer.
const (
	FirstKey  = 'j'
	SecondKey = 'r'
)

// Presser presses a single character. *keys.Synthesizer satisfies it.
type Presser interface {
	Press(ctx context.Context, ch rune) keys.Report
}

// Gate reports whether the run that started a sequence is still current.
// Scheduled presses consult it right before acting.
type Gate func() bool

// Sequencer fires FirstKey immediately and SecondKey after the inter-key delay.
type Sequencer struct {
	presser       Presser
	clock         clockwork.Clock
	interKeyDelay time.Duration
	logger        *zap.Logger

	wg sync.WaitGroup
}

// New creates a Sequencer. The delay is fixed for the Sequencer's lifetime;
// build a new one to change it.
func New(p Presser, clock clockwork.Clock, interKeyDelay time.Duration, logger *zap.Logger) *Sequencer {
	return &Sequencer{
		presser:       p,
		clock:         clock,
		interKeyDelay: interKeyDelay,
		logger:        logger.Named("sequencer"),
	}
}

// InterKeyDelay returns the configured delay between the two keys.
func (s *Sequencer) InterKeyDelay() time.Duration { return s.interKeyDelay }

// Perform starts one sequence timeline and returns immediately. It offers no
// completion callback; callers must not start a second timeline while one
// may still be in flight.
func (s *Sequencer) Perform(ctx context.Context, gate Gate) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, gate)
	}()
}

func (s *Sequencer) run(ctx context.Context, gate Gate) {
	if !gate() || ctx.Err() != nil {
		return
	}
	s.logger.Debug("Pressing first key.", zap.String("key", string(FirstKey)))
	s.presser.Press(ctx, FirstKey)

	if s.interKeyDelay > 0 {
		select {
		case <-s.clock.After(s.interKeyDelay):
		case <-ctx.Done():
			return
		}
	}

	if !gate() || ctx.Err() != nil {
		s.logger.Debug("Run stopped before the second key; skipping it.")
		return
	}
	s.logger.Debug("Pressing second key.", zap.String("key", string(SecondKey)))
	s.presser.Press(ctx, SecondKey)
}

// Wait blocks until every started timeline has finished.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}
