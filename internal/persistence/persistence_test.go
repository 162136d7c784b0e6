package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/breaker"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/ledger"
)

func TestFullJitterBackoffNeverExceedsCap(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := FullJitterBackoff(attempt, 50*time.Millisecond, 5*time.Second)
		require.LessOrEqual(t, d, 5*time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestWriteAllNoopsWithoutRedisClient(t *testing.T) {
	clk, err := clock.New("UTC")
	require.NoError(t, err)
	ldg := ledger.New(ledger.Config{ShardCount: 4, Breaker: breaker.Config{OpenFraction: 0.95, Cooldown: time.Minute, HalfOpenProbeFraction: 0.1}}, clk, nil)

	b := New(nil, nil, ldg, zap.NewNop(), Config{}, nil)
	pending := map[string]*ledger.Delta{
		"camp-1:2026-01-01:12": {CampaignID: "camp-1", Day: "2026-01-01", Hour: 12, DaySpentCents: 100},
	}
	require.NoError(t, b.writeAll(context.Background(), pending))
}

func TestArchiveNoopsWithoutPool(t *testing.T) {
	clk, err := clock.New("UTC")
	require.NoError(t, err)
	ldg := ledger.New(ledger.Config{ShardCount: 4, Breaker: breaker.Config{OpenFraction: 0.95, Cooldown: time.Minute, HalfOpenProbeFraction: 0.1}}, clk, nil)
	b := New(nil, nil, ldg, zap.NewNop(), Config{}, nil)

	var hourly [24]int64
	require.NoError(t, b.Archive(context.Background(), "camp-1", "2026-01-01", 1000, hourly, 5))
}
