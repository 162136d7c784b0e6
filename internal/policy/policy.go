// Package policy implements the pure pacing-throttle computation: given a
// campaign spec, a ledger snapshot, and the current local hour, it
// produces a throttle rate in [0, 1]. It performs no I/O and holds no
// state of its own — EVEN/ASAP/FRONT_LOADED are stateless functions of
// the snapshot; ADAPTIVE carries an EWMA that the caller persists
// alongside the ledger cell.
//
// Grounded on the teacher's checkBudget target-curve formulas
// (internal/dsp/pacing.go), generalized to the overshoot-capped linear
// throttle this system requires instead of the teacher's fixed 20%
// ahead-of-pace buffer.
package policy

import (
	"math"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

// Config holds tunables shared across all pacing modes.
type Config struct {
	OvershootCap float64 // default 1.5
	AdaptiveAlpha float64 // default 0.3
}

// Compute returns the throttle rate for one decision. localHour is
// fractional, in [0, 24). daySpent/dailyBudget are in cents.
func Compute(mode models.PacingMode, dailyBudgetCents, daySpentCents int64, localHour float64, ewmaHourlySpend float64, cfg Config) float64 {
	if dailyBudgetCents <= 0 {
		return 1
	}
	if daySpentCents >= dailyBudgetCents {
		return 1
	}

	switch mode {
	case models.PacingASAP:
		return 0

	case models.PacingFrontLoaded:
		timeProgress := localHour / 24
		target := float64(dailyBudgetCents) * (1 - math.Pow(1-timeProgress, 2))
		return linearThrottle(float64(daySpentCents), target, cfg.OvershootCap)

	case models.PacingAdaptive:
		if ewmaHourlySpend <= 0 {
			// No completed hour to project from yet: pace against EVEN.
			return linearThrottle(float64(daySpentCents), float64(dailyBudgetCents)*localHour/24, cfg.OvershootCap)
		}
		hoursRemaining := 24 - localHour
		projected := float64(daySpentCents) + ewmaHourlySpend*hoursRemaining
		if projected <= float64(dailyBudgetCents) {
			return 0
		}
		t := (projected - float64(dailyBudgetCents)) / float64(dailyBudgetCents)
		return clamp(t, 0, 1)

	case models.PacingEven:
		fallthrough
	default:
		timeProgress := localHour / 24
		target := float64(dailyBudgetCents) * timeProgress
		return linearThrottle(float64(daySpentCents), target, cfg.OvershootCap)
	}
}

// linearThrottle implements the EVEN/FRONT_LOADED shared formula: no
// throttle below target, full throttle at overshootCap*target, linear
// between the two. A zero target (start of day) throttles fully unless
// spend is also zero.
func linearThrottle(spent, target, overshootCap float64) float64 {
	if spent <= target {
		return 0
	}
	if target <= 0 {
		return 1
	}
	if spent >= target*overshootCap {
		return 1
	}
	return clamp((spent/target-1)/(overshootCap-1), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UpdateEWMA folds the latest hour's observed spend into the running
// exponentially-weighted moving average used by ADAPTIVE. Call once per
// completed local hour, not per Track.
func UpdateEWMA(prev float64, observedHourlySpend float64, alpha float64) float64 {
	if prev == 0 {
		return observedHourlySpend
	}
	return alpha*observedHourlySpend + (1-alpha)*prev
}
