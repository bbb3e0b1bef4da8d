package dataplane

import (
	"context"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/juju/clock"
	"golang.org/x/xerrors"
)

// RetryingDialer is the Dialer a worker uses to open cross-stage block
// transfer connections to peer executors, wrapping net.Dial with an
// exponential-backoff retry loop. Grounded on dialer.RetryingDialer,
// generalized from a fixed (network, address) pair to a directory lookup by
// executor id and from a raw net.Conn return to the io.ReadWriteCloser
// Dialer needs.
type RetryingDialer struct {
	clk         clock.Clock
	addresses   AddressBook
	maxAttempts int
}

// AddressBook resolves an executor id to the network address where it
// serves C7 block transfer connections.
type AddressBook interface {
	DataAddress(executorID string) (string, error)
}

const (
	maxJitter  = 1000 * time.Millisecond
	maxBackoff = 32 * time.Second
)

// NewRetryingDialer builds a RetryingDialer, retrying each dial up to
// maxAttempts times (clamped to the range 1..31).
func NewRetryingDialer(clk clock.Clock, addresses AddressBook, maxAttempts int) *RetryingDialer {
	if maxAttempts > 31 {
		maxAttempts = 31
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingDialer{clk: clk, addresses: addresses, maxAttempts: maxAttempts}
}

// Dial resolves executorID's data address and connects to it, retrying with
// exponential backoff until maxAttempts is exhausted or ctx expires.
func (d *RetryingDialer) Dial(ctx context.Context, executorID string) (io.ReadWriteCloser, error) {
	addr, err := d.addresses.DataAddress(executorID)
	if err != nil {
		return nil, xerrors.Errorf("resolving data address for %q: %w", executorID, err)
	}

	var dialer net.Dialer
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-d.clk.After(expBackoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, xerrors.Errorf("dialing %q (%s) after %d attempts: %w", executorID, addr, d.maxAttempts, lastErr)
}

// expBackoff returns the delay before the next attempt:
// min(pow(2, attempt+1)ms + jitter, maxBackoff).
func expBackoff(attempt int) time.Duration {
	jitter := time.Millisecond * time.Duration(rand.Int63n(maxJitter.Milliseconds()))
	backoff := time.Duration(2<<uint(attempt))*time.Millisecond + jitter
	if backoff < maxBackoff {
		return backoff
	}
	return maxBackoff
}
