// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also
// cancelled when secondary is. Values come from primary only, which is where
// chromedp keeps its target.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{} { return nil }
func (valueOnlyContext) Err() error { return nil }

// Detach keeps ctx's values (the CDP target) but drops its cancellation and
// deadline, for cleanup that must outlive the caller.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
