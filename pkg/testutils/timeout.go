package testutils

import (
	"context"
	"testing"
	"time"
)

var (
	SettleTimeout = 10 * time.Second
)

// WithTimeout polls f until it returns an empty string or the timeout
// expires, failing the test with the last reported problem.
func WithTimeout(t *testing.T, f func() string) {
	ctx, cancel := context.WithTimeout(context.Background(), SettleTimeout)
	defer cancel()
	lastErr := ""
	for {
		select {
		case <-ctx.Done():
			if lastErr != "" {
				t.Fatalf("did not reach expected state after %v: %s", SettleTimeout, lastErr)
			}
			return
		case <-time.After(10 * time.Millisecond):
			lastErr = f()
			if lastErr == "" {
				return
			}
		}
	}
}
