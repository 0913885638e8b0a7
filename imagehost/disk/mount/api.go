package mount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
)

// DefaultMaxDeviceWait is how long GetDev keeps retrying device allocation.
const DefaultMaxDeviceWait = 30 * time.Second

// DefaultRetryInterval is the pause between two allocation attempts.
const DefaultRetryInterval = 2 * time.Second

// DefaultNbdTimeout is how many seconds to wait for an attached device to show up.
const DefaultNbdTimeout = 10

var errAllocationFailed = errors.New("Device allocation failed")

// RetryPolicy bounds the number of device allocation attempts made by GetDev.
type RetryPolicy struct {
	Attempts uint
	Interval time.Duration
}

// NewRetryPolicy returns a policy retrying every interval until maxWait has
// been spent. The first attempt is immediate and always made.
func NewRetryPolicy(maxWait time.Duration, interval time.Duration) RetryPolicy {
	attempts := uint(1)
	if interval > 0 && maxWait > 0 {
		attempts += uint(maxWait / interval)
	}

	return RetryPolicy{Attempts: attempts, Interval: interval}
}

// DefaultRetryPolicy is the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return NewRetryPolicy(DefaultMaxDeviceWait, DefaultRetryInterval)
}

// getDevRetryHelper runs attempt until it succeeds or the policy is exhausted.
func (m *NbdMount) getDevRetryHelper(ctx context.Context, attempt func(ctx context.Context) bool) bool {
	attempts := m.retry.Attempts
	if attempts == 0 {
		attempts = 1
	}

	err := ctx.Err()
	if err != nil {
		m.Error = fmt.Sprintf("Device allocation cancelled: %v", err)
		m.logger.Warn("Device allocation cancelled", nbdCtx(m, "err", err))
		return false
	}

	tried := uint(0)
	attached := false
	limit := func(uint) bool {
		return tried < attempts && ctx.Err() == nil
	}

	err = retry.Retry(func(uint) error {
		tried++
		if attempt(ctx) {
			attached = true
			return nil
		}

		if tried < attempts {
			m.logger.Info(fmt.Sprintf("Device allocation failed. Will retry in %s.", m.retry.Interval))
		}

		return errAllocationFailed
	}, limit, strategy.Wait(m.retry.Interval))
	if err != nil || !attached {
		if m.Error == "" {
			m.Error = errAllocationFailed.Error()
		}

		m.logger.Warn("Device allocation failed after repeated retries", nbdCtx(m, "attempts", tried))
		return false
	}

	return true
}
