package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

func cfg() Config {
	return Config{OvershootCap: 1.5, AdaptiveAlpha: 0.3}
}

func TestEvenHappyPath(t *testing.T) {
	// B=240000, at 12:00 target=120000, spend=120000 (at target) -> no throttle
	th := Compute(models.PacingEven, 240000, 120000, 12, 0, cfg())
	require.Equal(t, 0.0, th)
}

func TestEvenOverspendFullyThrottles(t *testing.T) {
	// target=120000, spend=180000, ratio=1.5 == overshoot cap -> throttle=1
	th := Compute(models.PacingEven, 240000, 180000, 12, 0, cfg())
	require.Equal(t, 1.0, th)
}

func TestASAPNeverThrottlesBelowBudget(t *testing.T) {
	th := Compute(models.PacingASAP, 10000, 9999, 23, 0, cfg())
	require.Equal(t, 0.0, th)
}

func TestASAPDeniesAtBudget(t *testing.T) {
	th := Compute(models.PacingASAP, 10000, 10000, 1, 0, cfg())
	require.Equal(t, 1.0, th)
}

func TestZeroBudgetAlwaysThrottles(t *testing.T) {
	th := Compute(models.PacingEven, 0, 0, 12, 0, cfg())
	require.Equal(t, 1.0, th)
}

func TestFrontLoadedConcaveTarget(t *testing.T) {
	// At time_progress=0.5, target = B*(1-(0.5)^2) = 0.75B, well ahead of EVEN's 0.5B.
	thFrontLoaded := Compute(models.PacingFrontLoaded, 100000, 60000, 12, 0, cfg())
	thEven := Compute(models.PacingEven, 100000, 60000, 12, 0, cfg())
	require.Equal(t, 0.0, thFrontLoaded)
	require.Greater(t, thEven, 0.0)
}

func TestAdaptiveDegeneratesToEvenWithoutSamples(t *testing.T) {
	th := Compute(models.PacingAdaptive, 240000, 50000, 12, 0, cfg())
	require.Equal(t, 0.0, th)
}

func TestAdaptiveThrottlesOnProjectedOverspend(t *testing.T) {
	// ewma of 20000/hr with 12 hours remaining projects 240000 extra -> far over budget.
	th := Compute(models.PacingAdaptive, 100000, 50000, 12, 20000, cfg())
	require.Equal(t, 1.0, th)
}

func TestUpdateEWMASeedsFromFirstObservation(t *testing.T) {
	require.Equal(t, 500.0, UpdateEWMA(0, 500, 0.3))
}

func TestUpdateEWMABlends(t *testing.T) {
	got := UpdateEWMA(1000, 0, 0.3)
	require.InDelta(t, 700, got, 0.001)
}
