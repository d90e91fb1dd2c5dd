// internal/browser/events.go
package browser

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/replyloop/internal/detect"
	"github.com/xkilldash9x/replyloop/internal/loop"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventKind names a report sent by the page bridge.
type EventKind string

const (
	EventDialogClosed    EventKind = "dialog_closed"
	EventDialogWatchLost EventKind = "dialog_watch_lost"
	EventEnterKey        EventKind = "enter_key"
	EventClick           EventKind = "click"
	EventToggle          EventKind = "toggle"
	EventContinue        EventKind = "continue"
	EventReady           EventKind = "ready"
)

// Event is one bridge report.
type Event struct {
	Kind      EventKind        `json:"kind"`
	Token     uint64           `json:"token,omitempty"`
	Element   *detect.Element  `json:"element,omitempty"`
	Ancestors []detect.Element `json:"ancestors,omitempty"`
}

// DecodeEvent parses a binding payload.
func DecodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.UnmarshalFromString(payload, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode bridge event: %w", err)
	}
	switch e.Kind {
	case EventDialogClosed, EventDialogWatchLost:
		if e.Token == 0 {
			return Event{}, fmt.Errorf("bridge event %q carries no token", e.Kind)
		}
	case EventEnterKey, EventClick, EventToggle, EventContinue, EventReady:
	default:
		return Event{}, fmt.Errorf("unknown bridge event kind %q", e.Kind)
	}
	return e, nil
}

// Evidence converts an interaction report into detection evidence.
func (e Event) Evidence() (detect.Evidence, bool) {
	switch e.Kind {
	case EventEnterKey:
		return detect.Evidence{Kind: detect.EvidenceEnter, Focused: e.Element}, true
	case EventClick:
		chain := make([]detect.Element, 0, len(e.Ancestors)+1)
		if e.Element != nil {
			chain = append(chain, *e.Element)
		}
		chain = append(chain, e.Ancestors...)
		return detect.Evidence{Kind: detect.EvidenceClick, Chain: chain}, true
	}
	return detect.Evidence{}, false
}

// PageSink receives routed page events. *loop.Controller implements it.
type PageSink interface {
	loop.Controls
	DialogClosed(token uint64)
	DialogWatchLost(token uint64)
	Evidence(ev detect.Evidence)
	PageReady()
}

// Route forwards events to sink until ctx is done or events is closed.
// onReady, if set, runs after every fresh document reports in.
func Route(ctx context.Context, events <-chan Event, sink PageSink, onReady func(context.Context), logger *zap.Logger) error {
	logger = logger.Named("router")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			logger.Debug("Bridge event.", zap.String("kind", string(e.Kind)), zap.Uint64("token", e.Token))
			dispatchEvent(ctx, e, sink, onReady)
		}
	}
}

func dispatchEvent(ctx context.Context, e Event, sink PageSink, onReady func(context.Context)) {
	switch e.Kind {
	case EventToggle:
		sink.Toggle()
	case EventContinue:
		sink.RequestManualContinue()
	case EventDialogClosed:
		sink.DialogClosed(e.Token)
	case EventDialogWatchLost:
		sink.DialogWatchLost(e.Token)
	case EventEnterKey, EventClick:
		if ev, ok := e.Evidence(); ok {
			sink.Evidence(ev)
		}
	case EventReady:
		if onReady != nil {
			onReady(ctx)
		}
		sink.PageReady()
	}
}
