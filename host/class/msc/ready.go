package msc

import (
	"fmt"
	"time"

	"github.com/ardnew/mschost/pkg"
)

// readyAttempts returns the number of TEST UNIT READY attempts made within
// timeout.
func readyAttempts(timeout time.Duration) int {
	return max(1, int(timeout/ReadyPollInterval))
}

// waitForReady polls TEST UNIT READY until the unit is ready. Every failed
// poll, including one that timed out or stalled, is followed by REQUEST SENSE.
// A sense key other than no sense, not ready or unit attention ends the wait
// at once.
func (dev *Device) waitForReady(timeout time.Duration) error {
	attempts := readyAttempts(timeout)

	var last error
	for i := range attempts {
		if i > 0 {
			dev.clock.Sleep(ReadyPollInterval)
		}

		polled := dev.TestUnitReady()
		if polled == nil {
			pkg.LogDebug(pkg.ComponentSCSI, "unit ready",
				"address", dev.Address(),
				"attempts", i+1)
			return nil
		}

		sense, err := dev.RequestSense()
		if err != nil {
			return err
		}
		if !sense.transient() {
			return fmt.Errorf("%w: unit not ready: %s", pkg.ErrInternal, sense)
		}

		pkg.LogDebug(pkg.ComponentSCSI, "unit not ready",
			"address", dev.Address(),
			"attempt", i+1,
			"sense", sense,
			"error", polled)
		last = fmt.Errorf("%w: %s", polled, sense)
	}

	return fmt.Errorf("%w: unit not ready after %d attempts: %w", pkg.ErrInternal, attempts, last)
}
