package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalHourFractional(t *testing.T) {
	c, err := New("UTC")
	require.NoError(t, err)

	t1 := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	require.InDelta(t, 12.5, c.LocalHour(t1), 0.001)
}

func TestLocalDateRespectsTimezone(t *testing.T) {
	c, err := New("America/New_York")
	require.NoError(t, err)

	// 01:00 UTC on Jan 2 is still Jan 1 in New York (UTC-5 in winter).
	t1 := time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-01-01", c.LocalDate(t1))
}

func TestMonotonicImmuneToWallClockJump(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	origNow, origSince := nowFn, sinceFn
	defer func() { nowFn, sinceFn = origNow, origSince }()

	nowFn = func() time.Time { return fixed }
	c, err := New("UTC")
	require.NoError(t, err)

	elapsed := 5 * time.Minute
	sinceFn = func(time.Time) time.Duration { return elapsed }
	require.Equal(t, elapsed, c.Monotonic())
}

func TestInvalidTimezoneRejected(t *testing.T) {
	_, err := New("Not/AZone")
	require.Error(t, err)
}
