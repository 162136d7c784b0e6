package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/breaker"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/ledger"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/policy"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/registry"
)

type staticCatalog struct {
	specs map[string]*models.CampaignSpec
}

func (c *staticCatalog) FetchCampaign(ctx context.Context, id string) (*models.CampaignSpec, error) {
	if s, ok := c.specs[id]; ok {
		return s, nil
	}
	return nil, registry.ErrNotFound
}

func (c *staticCatalog) ListActive(ctx context.Context) ([]*models.CampaignSpec, error) {
	out := make([]*models.CampaignSpec, 0, len(c.specs))
	for _, s := range c.specs {
		out = append(out, s)
	}
	return out, nil
}

func newTestEngine(t *testing.T, specs map[string]*models.CampaignSpec) *Engine {
	t.Helper()
	clk, err := clock.New("UTC")
	require.NoError(t, err)

	reg := registry.New(&staticCatalog{specs: specs}, registry.Config{}, nil)
	for _, s := range specs {
		reg.Put(s)
	}

	ldg := ledger.New(ledger.Config{
		ShardCount:    8,
		RetentionDays: 7,
		QueueCapacity: 128,
		Breaker:       breaker.Config{OpenFraction: 0.95, Cooldown: 5 * time.Minute, HalfOpenProbeFraction: 0.10},
	}, clk, nil)

	return New(reg, ldg, clk, Config{Policy: policy.Config{OvershootCap: 1.5, AdaptiveAlpha: 0.3}, DecisionDeadline: 50 * time.Millisecond})
}

func evenSpec(id string, budget int64) *models.CampaignSpec {
	return &models.CampaignSpec{
		ID:               id,
		DailyBudgetCents: budget,
		PacingMode:       models.PacingEven,
		Status:           models.StatusActive,
		ActiveFrom:       time.Time{},
		ActiveTo:         time.Time{},
	}
}

func TestDecideUnknownCampaignDenies(t *testing.T) {
	e := newTestEngine(t, map[string]*models.CampaignSpec{})
	result := e.Decide(context.Background(), "does-not-exist", 100)
	require.False(t, result.AllowBid)
	require.Equal(t, models.ReasonUnknownCampaign, result.Reason)
}

func TestDecidePausedCampaignDenies(t *testing.T) {
	s := evenSpec("camp-1", 10000)
	s.Status = models.StatusPaused
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})
	result := e.Decide(context.Background(), "camp-1", 100)
	require.Equal(t, models.ReasonPaused, result.Reason)
}

func TestZeroBudgetAlwaysDenies(t *testing.T) {
	s := evenSpec("camp-1", 0)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})
	result := e.Decide(context.Background(), "camp-1", 100)
	require.Equal(t, models.ReasonBudgetExhausted, result.Reason)
}

func TestTrackAppliesSpendExactly(t *testing.T) {
	s := evenSpec("camp-1", 240000)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})

	res := e.Track(context.Background(), "camp-1", 1000, 1, time.Now(), "", 0)
	require.Equal(t, int64(1000), res.Snapshot.DaySpentCents)
}

func TestConcurrentTrackingIsExact(t *testing.T) {
	s := evenSpec("camp-1", 1_000_000)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Track(context.Background(), "camp-1", 100, 1, time.Now(), "", 0)
		}()
	}
	wg.Wait()

	_, snap, ok := e.Status("camp-1")
	require.True(t, ok)
	require.Equal(t, int64(10000), snap.DaySpentCents)

	var sum int64
	for _, h := range snap.HourlySpentCents {
		sum += h
	}
	require.Equal(t, snap.DaySpentCents, sum)
}

func TestIdempotentTrackWithEventID(t *testing.T) {
	s := evenSpec("camp-1", 240000)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})

	at := time.Now()
	r1 := e.Track(context.Background(), "camp-1", 500, 1, at, "evt-1", 0)
	r2 := e.Track(context.Background(), "camp-1", 500, 1, at, "evt-1", 0)

	require.Equal(t, r1.Snapshot.DaySpentCents, r2.Snapshot.DaySpentCents)
	require.Equal(t, int64(500), r2.Snapshot.DaySpentCents)
}

func TestBreakerTripsAndDeniesDecisions(t *testing.T) {
	s := evenSpec("camp-1", 10000)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})

	at := time.Now()
	for i := 0; i < 19; i++ {
		e.Track(context.Background(), "camp-1", 500, 1, at, "", 0)
	}

	result := e.Decide(context.Background(), "camp-1", 100)
	require.Equal(t, models.ReasonCircuitOpen, result.Reason)

	e.Track(context.Background(), "camp-1", 500, 1, at, "", 0)
	_, snap, _ := e.Status("camp-1")
	require.Equal(t, int64(10000), snap.DaySpentCents)
	require.Equal(t, models.BreakerOpen, snap.Breaker.State)
}

func TestResetEnumeratesExactCampaignState(t *testing.T) {
	s := evenSpec("camp-1", 10000)
	e := newTestEngine(t, map[string]*models.CampaignSpec{"camp-1": s})

	e.Track(context.Background(), "camp-1", 5000, 1, time.Now(), "", 0)
	e.Reset("camp-1")

	_, snap, ok := e.Status("camp-1")
	require.True(t, ok)
	require.Equal(t, int64(0), snap.DaySpentCents)
}
