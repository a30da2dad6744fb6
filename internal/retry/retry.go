// Package retry holds the backoff policy shared by session reconnects, REST
// calls and journal connects, plus the transient-error classification they
// all use.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"aeternum/internal/domain"
)

// Config is an exponential backoff: attempt n waits
// InitialBackoff * Multiplier^n, capped at MaxBackoff.
type Config struct {
	MaxRetries     int // extra attempts Do makes after the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64 // 1 gives a fixed interval
}

// DefaultConfig waits 1s, 2s, 4s ... up to 30s.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, Multiplier: 2}
}

// FixedConfig always waits interval.
func FixedConfig(interval time.Duration) Config {
	return Config{MaxRetries: 3, InitialBackoff: interval, MaxBackoff: interval, Multiplier: 1}
}

// FromDomain converts the millisecond config section; zero fields keep
// their DefaultConfig value.
func FromDomain(rc domain.RetryConfig) Config {
	cfg := DefaultConfig()
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	if rc.MaxRetries > 0 {
		cfg.MaxRetries = rc.MaxRetries
	}
	if rc.InitialBackoff > 0 {
		cfg.InitialBackoff = ms(rc.InitialBackoff)
	}
	if rc.MaxBackoff > 0 {
		cfg.MaxBackoff = ms(rc.MaxBackoff)
	}
	if rc.Multiplier > 0 {
		cfg.Multiplier = rc.Multiplier
	}
	return cfg
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.New("retry: MaxRetries must be >= 0")
	case c.InitialBackoff <= 0:
		return errors.New("retry: InitialBackoff must be > 0")
	case c.MaxBackoff < c.InitialBackoff:
		return errors.New("retry: MaxBackoff must be >= InitialBackoff")
	case c.Multiplier < 1:
		return errors.New("retry: Multiplier must be >= 1")
	}
	return nil
}

// Delay is the wait before retry number attempt (0-based).
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(max(attempt, 0)))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// StatusCoder is an error carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// RetryableStatus reports HTTP statuses worth another attempt.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Some drivers (libSQL over HTTP among them) flatten network failures
// into strings.
var transientText = []string{"connection refused", "connection reset", "broken pipe", "EOF"}

// IsRetryable reports whether err is a transient failure: a timeout, a
// refused or dropped connection, or a retryable HTTP status. Context
// cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return RetryableStatus(sc.StatusCode())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, target := range []error{io.EOF, io.ErrUnexpectedEOF, syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE} {
		if errors.Is(err, target) {
			return true
		}
	}
	msg := err.Error()
	for _, s := range transientText {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// sleep is swapped by tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls op until it succeeds, fails permanently, or MaxRetries retries
// are spent.
func Do(ctx context.Context, cfg Config, op func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("gave up after %d attempts: %w", attempt+1, err)
		}
		if serr := sleep(ctx, cfg.Delay(attempt)); serr != nil {
			return serr
		}
	}
}
