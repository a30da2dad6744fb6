//go:build unix

package signals

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop the dashboard, the tail
// follower and the mock backend. SIGTERM covers process managers and
// containers; SIGHUP covers a closed terminal.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
