// Package breaker implements the per-campaign circuit breaker state
// machine described in the pacer's component design: a hard kill-switch
// that blocks bids as spend approaches the daily budget, with hysteresis
// so it never flaps directly between CLOSED and OPEN.
package breaker

import (
	"time"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

// Config holds the breaker's tunable thresholds.
type Config struct {
	OpenFraction          float64
	Cooldown              time.Duration
	HalfOpenProbeFraction float64
}

// Evaluate runs the state machine forward one step given the current
// state, the latest spend ratio, the monotonic clock reading, and a
// Bernoulli draw in [0, 1) supplied by the caller's per-shard RNG stream
// (so the function itself stays pure and deterministic for tests).
//
// admitProbe can only be true when the incoming state is HALF_OPEN; it
// reports whether this particular bid was selected as the probe.
func Evaluate(cur models.BreakerState, spendRatio float64, mono time.Duration, cfg Config, probeDraw float64) (next models.BreakerState, admitProbe bool) {
	switch cur.State {
	case models.BreakerClosed, "":
		if spendRatio >= cfg.OpenFraction {
			return models.BreakerState{State: models.BreakerOpen, OpenedAt: mono}, false
		}
		return models.BreakerState{State: models.BreakerClosed}, false

	case models.BreakerOpen:
		if mono-cur.OpenedAt >= cfg.Cooldown && spendRatio < cfg.OpenFraction {
			return models.BreakerState{State: models.BreakerHalfOpen, OpenedAt: cur.OpenedAt}, false
		}
		return cur, false

	case models.BreakerHalfOpen:
		admit := probeDraw < cfg.HalfOpenProbeFraction
		if !admit {
			return cur, false
		}
		// The probe bid was admitted; the caller tracks the resulting
		// spend and calls ObserveProbeResult to complete the transition.
		return cur, true

	default:
		return models.BreakerState{State: models.BreakerClosed}, false
	}
}

// ObserveProbeResult completes a HALF_OPEN probe after its spend (if any)
// has been applied to the ledger. A probe that does not push spendRatio
// back over OpenFraction closes the breaker; otherwise it reopens.
func ObserveProbeResult(cur models.BreakerState, spendRatio float64, mono time.Duration, cfg Config) models.BreakerState {
	if spendRatio >= cfg.OpenFraction {
		return models.BreakerState{State: models.BreakerOpen, OpenedAt: mono}
	}
	return models.BreakerState{State: models.BreakerClosed}
}

// OnTrack re-evaluates the breaker after a spend increment lands,
// independent of any decision-path probe logic. This is the path used by
// Track: spend is always applied regardless of breaker state, but the
// breaker itself must react to the new ratio immediately afterward.
func OnTrack(cur models.BreakerState, spendRatio float64, mono time.Duration, cfg Config) models.BreakerState {
	switch cur.State {
	case models.BreakerClosed, "":
		if spendRatio >= cfg.OpenFraction {
			return models.BreakerState{State: models.BreakerOpen, OpenedAt: mono}
		}
		return models.BreakerState{State: models.BreakerClosed}

	case models.BreakerOpen:
		return cur

	case models.BreakerHalfOpen:
		// A track arriving while HALF_OPEN reflects spend from an
		// admitted probe (or from a campaign the breaker hasn't gated
		// at all yet); resolve the probe using the post-track ratio.
		return ObserveProbeResult(cur, spendRatio, mono, cfg)

	default:
		return models.BreakerState{State: models.BreakerClosed}
	}
}

// OnDayRollover forces CLOSED regardless of prior state, per the
// lifecycle rule that a new calendar day always starts fresh.
func OnDayRollover() models.BreakerState {
	return models.BreakerState{State: models.BreakerClosed}
}
