// Package signals maps OS shutdown signals onto context cancellation.
package signals

import (
	"context"
	"os/signal"
)

// notifyContext is swapped by tests.
var notifyContext = signal.NotifyContext

// Context returns a copy of parent that is canceled on the first shutdown
// signal. Call stop to release the signal registration.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return notifyContext(parent, ShutdownSignals()...)
}
