package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/breaker"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	clk, err := clock.New("UTC")
	require.NoError(t, err)
	return New(Config{
		ShardCount:    4,
		RetentionDays: 7,
		QueueCapacity: 64,
		AdaptiveAlpha: 0.5,
		Breaker:       breaker.Config{OpenFraction: 0.95, Cooldown: 5 * time.Minute, HalfOpenProbeFraction: 0.10},
	}, clk, nil)
}

// fixedClock pins Now() for Rehydrate's "fold every hour before the
// current one" logic, which real startup code calls against the
// genuinely current wall clock.
type fixedClock struct {
	clock.Clock
	now time.Time
}

func (f fixedClock) Now() time.Time { return f.now }

func TestEWMAFoldsOnHourRollover(t *testing.T) {
	l := newTestLedger(t)

	hour0 := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	snap, _, _ := l.TryIncrement("camp-1", 1000, 1, hour0, "", 100000, 0)
	require.Equal(t, float64(0), snap.EWMAHourlySpend, "ewma stays zero until an hour completes")

	hour1 := time.Date(2026, 1, 1, 1, 15, 0, 0, time.UTC)
	snap, _, _ = l.TryIncrement("camp-1", 500, 1, hour1, "", 100000, 0)
	require.Equal(t, float64(1000), snap.EWMAHourlySpend, "first completed hour seeds the ewma at its total")

	hour2 := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	snap, _, _ = l.TryIncrement("camp-1", 0, 0, hour2, "", 100000, 0)
	require.InDelta(t, 0.5*500+0.5*1000, snap.EWMAHourlySpend, 0.001)
}

func TestEWMASkippedHoursFoldAsZero(t *testing.T) {
	l := newTestLedger(t)

	hour0 := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	l.TryIncrement("camp-1", 2000, 1, hour0, "", 100000, 0)

	// No activity in hour 1; the next track lands in hour 2, so hours 0
	// and 1 both fold in order (hour 1 contributes zero).
	hour2 := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	snap, _, _ := l.TryIncrement("camp-1", 0, 0, hour2, "", 100000, 0)
	require.InDelta(t, 1000, snap.EWMAHourlySpend, 0.001) // 0.5*0 + 0.5*2000
}

func TestRehydrateSeedsDaySpentAndEWMA(t *testing.T) {
	realClk, err := clock.New("UTC")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC)
	fc := fixedClock{Clock: realClk, now: now}

	l := New(Config{
		ShardCount:    4,
		RetentionDays: 7,
		QueueCapacity: 64,
		AdaptiveAlpha: 0.5,
		Breaker:       breaker.Config{OpenFraction: 0.95, Cooldown: 5 * time.Minute, HalfOpenProbeFraction: 0.10},
	}, fc, nil)

	var hourly [24]int64
	hourly[0] = 1000
	hourly[1] = 3000

	day := fc.LocalDate(now)
	l.Rehydrate("camp-1", day, 4000, hourly)

	snap, ok := l.Snapshot("camp-1", now)
	require.True(t, ok)
	require.Equal(t, int64(4000), snap.DaySpentCents)
	require.InDelta(t, 0.5*3000+0.5*1000, snap.EWMAHourlySpend, 0.001)
}

func TestTryIncrementReportsBreakerTrip(t *testing.T) {
	l := newTestLedger(t)
	at := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)

	_, _, tripped := l.TryIncrement("camp-1", 9000, 1, at, "", 10000, 0)
	require.False(t, tripped, "90% of budget is below the 95% open threshold")

	_, _, tripped = l.TryIncrement("camp-1", 1000, 1, at, "", 10000, 0)
	require.True(t, tripped, "crossing 95% of budget must report the CLOSED->OPEN transition once")

	_, _, tripped = l.TryIncrement("camp-1", 0, 0, at, "", 10000, 0)
	require.False(t, tripped, "an already-open breaker does not re-report a trip")
}

func TestResetClearsEWMAToo(t *testing.T) {
	l := newTestLedger(t)
	at := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	l.TryIncrement("camp-1", 1000, 1, at, "", 100000, 0)
	l.Reset("camp-1", at)

	snap, ok := l.Snapshot("camp-1", at)
	require.True(t, ok)
	require.Equal(t, int64(0), snap.DaySpentCents)
	require.Equal(t, float64(0), snap.EWMAHourlySpend)
}
