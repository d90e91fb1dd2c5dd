package loop

import (
	"fmt"
	"strings"
	"time"
)

// RunState is the user-visible on/off switch.
type RunState int

const (
	Stopped RunState = iota
	Running
)

func (r RunState) String() string {
	if r == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Mode decides what happens after a completion.
type Mode string

const (
	// ModeAuto re-sequences as soon as an action completes.
	ModeAuto Mode = "auto"
	// ModeManual offers a continue affordance and waits for the user.
	ModeManual Mode = "manual"
)

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	}
	return "", fmt.Errorf("unknown loop mode %q (want auto or manual)", s)
}

// State is the controller's position in the loop.
type State int

const (
	StateStopped State = iota
	StateSequencing
	StateAwaitingCompletion
	StateWaitingForUser
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateSequencing:
		return "SEQUENCING"
	case StateAwaitingCompletion:
		return "AWAITING_COMPLETION"
	case StateWaitingForUser:
		return "WAITING_FOR_USER"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SequenceConfig holds the timings of a run. It can only change while stopped.
type SequenceConfig struct {
	InterKeyDelay time.Duration
	FallbackDelay time.Duration
	StartDelay    time.Duration
	ArmDelay      time.Duration
	SettleDelay   time.Duration
	BackstopDelay time.Duration
	MinInterval   time.Duration
}

// DefaultSequenceConfig returns the stock timings.
func DefaultSequenceConfig() SequenceConfig {
	return SequenceConfig{
		InterKeyDelay: time.Millisecond,
		FallbackDelay: 800 * time.Millisecond,
		StartDelay:    50 * time.Millisecond,
		ArmDelay:      200 * time.Millisecond,
		SettleDelay:   100 * time.Millisecond,
	}
}

// Validate rejects negative durations.
func (c SequenceConfig) Validate() error {
	fields := []struct {
		name string
		d    time.Duration
	}{
		{"inter_key_delay", c.InterKeyDelay},
		{"fallback_delay", c.FallbackDelay},
		{"start_delay", c.StartDelay},
		{"arm_delay", c.ArmDelay},
		{"settle_delay", c.SettleDelay},
		{"backstop_delay", c.BackstopDelay},
		{"min_interval", c.MinInterval},
	}
	for _, f := range fields {
		if f.d < 0 {
			return fmt.Errorf("%w: %s must not be negative (got %s)", ErrInvalidConfig, f.name, f.d)
		}
	}
	return nil
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State       State
	RunState    RunState
	Mode        Mode
	Sequences   uint64
	Completions uint64
	Token       uint64
	RunID       string
}
