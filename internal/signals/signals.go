//go:build !unix

package signals

import "os"

// ShutdownSignals returns the signals that stop the dashboard, the tail
// follower and the mock backend. Windows only delivers Interrupt.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
