package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

func cfg() Config {
	return Config{OpenFraction: 0.95, Cooldown: 5 * time.Minute, HalfOpenProbeFraction: 0.10}
}

func TestClosedTripsAtThreshold(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerClosed}
	next, probe := Evaluate(cur, 0.96, 10*time.Second, cfg(), 0.5)
	require.False(t, probe)
	require.Equal(t, models.BreakerOpen, next.State)
}

func TestOpenStaysOpenBeforeCooldown(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerOpen, OpenedAt: 0}
	next, _ := Evaluate(cur, 0.80, 1*time.Minute, cfg(), 0.0)
	require.Equal(t, models.BreakerOpen, next.State)
}

func TestOpenEntersHalfOpenAfterCooldownAndBelowThreshold(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerOpen, OpenedAt: 0}
	next, _ := Evaluate(cur, 0.80, 6*time.Minute, cfg(), 0.0)
	require.Equal(t, models.BreakerHalfOpen, next.State)
}

func TestOpenNeverSkipsDirectlyToClosed(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerOpen, OpenedAt: 0}
	next, _ := Evaluate(cur, 0.10, 1*time.Hour, cfg(), 0.0)
	require.NotEqual(t, models.BreakerClosed, next.State)
	require.Equal(t, models.BreakerHalfOpen, next.State)
}

func TestHalfOpenAdmitsProbeBelowFraction(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerHalfOpen, OpenedAt: 0}
	_, admit := Evaluate(cur, 0.80, time.Minute, cfg(), 0.05)
	require.True(t, admit)
}

func TestHalfOpenDeniesAboveFraction(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerHalfOpen, OpenedAt: 0}
	_, admit := Evaluate(cur, 0.80, time.Minute, cfg(), 0.50)
	require.False(t, admit)
}

func TestProbeSuccessClosesBreaker(t *testing.T) {
	next := ObserveProbeResult(models.BreakerState{State: models.BreakerHalfOpen}, 0.80, time.Minute, cfg())
	require.Equal(t, models.BreakerClosed, next.State)
}

func TestProbeFailureReopensBreaker(t *testing.T) {
	next := ObserveProbeResult(models.BreakerState{State: models.BreakerHalfOpen}, 0.99, time.Minute, cfg())
	require.Equal(t, models.BreakerOpen, next.State)
}

func TestDayRolloverForcesClosed(t *testing.T) {
	require.Equal(t, models.BreakerClosed, OnDayRollover().State)
}

func TestOnTrackAppliesRegardlessOfOpenState(t *testing.T) {
	cur := models.BreakerState{State: models.BreakerOpen, OpenedAt: 0}
	next := OnTrack(cur, 0.99, time.Minute, cfg())
	require.Equal(t, models.BreakerOpen, next.State)
}
