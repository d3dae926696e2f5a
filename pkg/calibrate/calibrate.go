// Package calibrate implements the transmit-offset convergence procedure
// (spec.md §4.1 "Calibration", Scenario D): a node with a known-good clock
// echoes timestamps back to a peer, which nudges its transmit offset by
// the observed residual until it settles.
//
// This intentionally talks to the radio.Transceiver directly rather than
// through a slotclock.Clock: offset convergence is the procedure that
// *produces* the values a Clock's TxOffset/RxOffset are configured with,
// so it cannot yet rely on slot alignment being trustworthy. This mirrors
// control/src/calibrate.cpp's assist_calibrate, which drives the RF module
// directly rather than through the tdma wrapper.
package calibrate

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/airfleet/air/pkg/radio"
)

// Tunables fixed by spec.md §4.1/§8 Scenario D.
const (
	MaxIterations       = 20
	RequiredConsecutive = 5
	ToleranceMs         = 5
	RolloverThresholdMs = 500

	// roundTripCorrectionMs is the helper's fixed estimate of one-way
	// radio+processing latency, subtracted from its echoed timestamp.
	// Grounded on control/src/calibrate.cpp's literal `generate_ms() - 13`.
	roundTripCorrectionMs = 13

	pingDeadline = 200 * time.Millisecond
)

// ErrCalibrationDiverged is returned when MaxIterations elapse without
// RequiredConsecutive consecutive residuals within ±ToleranceMs.
var ErrCalibrationDiverged = errors.New("calibrate: did not converge")

func nowMs(now func() time.Time) int {
	return now().Nanosecond() / int(time.Millisecond)
}

// Assist runs the calibration-helper role: on every received ping it
// replies with its own ms-of-second minus the fixed round-trip
// correction. It blocks until ctx is cancelled.
func Assist(ctx context.Context, tc radio.Transceiver, now func() time.Time, logger *slog.Logger) error {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calibrate-assist")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		raw, err := tc.Receive(ctx, pingDeadline)
		if err != nil {
			logger.Debug("receive failed", "err", err)
			continue
		}
		if len(raw) == 0 {
			continue
		}

		reply := nowMs(now) - roundTripCorrectionMs
		if err := tc.Transmit([]byte(strconv.Itoa(reply))); err != nil {
			logger.Debug("reply transmit failed", "err", err)
		}
	}
}

// Converge runs the car-side role: it pings the helper with its own
// ms-of-second, accumulates the peer's residual into a running transmit
// offset, and returns once the residual has settled within ±ToleranceMs
// for RequiredConsecutive consecutive iterations. It returns
// ErrCalibrationDiverged after MaxIterations without convergence.
func Converge(ctx context.Context, tc radio.Transceiver, now func() time.Time, logger *slog.Logger) (offsetMs int, err error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calibrate-converge")

	consecutive := 0
	for iter := 0; iter < MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		sent := nowMs(now)
		if err := tc.Transmit([]byte(strconv.Itoa(sent))); err != nil {
			logger.Debug("ping transmit failed", "err", err)
			consecutive = 0
			continue
		}

		raw, err := tc.Receive(ctx, pingDeadline)
		if err != nil || len(raw) == 0 {
			logger.Debug("no echo received, retrying")
			consecutive = 0
			continue
		}

		echoed, parseErr := strconv.Atoi(string(raw))
		if parseErr != nil {
			logger.Debug("dropping malformed echo", "raw", string(raw))
			consecutive = 0
			continue
		}

		residual := echoed - sent
		if residual > RolloverThresholdMs {
			residual -= 1000
		} else if residual < -RolloverThresholdMs {
			residual += 1000
		}

		offsetMs += residual
		logger.Debug("calibration iteration", "iter", iter, "residual", residual, "offset", offsetMs)

		if abs(residual) <= ToleranceMs {
			consecutive++
			if consecutive >= RequiredConsecutive {
				return offsetMs, nil
			}
		} else {
			consecutive = 0
		}
	}

	return 0, ErrCalibrationDiverged
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
