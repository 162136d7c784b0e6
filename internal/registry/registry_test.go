package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

type fakeCatalog struct {
	mu    sync.Mutex
	calls int
	specs map[string]*models.CampaignSpec
	delay time.Duration
}

func (f *fakeCatalog) FetchCampaign(ctx context.Context, id string) (*models.CampaignSpec, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if s, ok := f.specs[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (f *fakeCatalog) ListActive(ctx context.Context) ([]*models.CampaignSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.CampaignSpec, 0, len(f.specs))
	for _, s := range f.specs {
		out = append(out, s)
	}
	return out, nil
}

func spec(id string) *models.CampaignSpec {
	return &models.CampaignSpec{ID: id, DailyBudgetCents: 1000, PacingMode: models.PacingEven, Status: models.StatusActive}
}

func TestLookupMissReturnsFalseImmediately(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{}, delay: 50 * time.Millisecond}
	r := New(cat, Config{}, nil)

	start := time.Now()
	_, ok := r.Lookup("camp-1")
	require.False(t, ok)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestLookupPopulatesCacheAsynchronously(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{"camp-1": spec("camp-1")}}
	r := New(cat, Config{}, nil)

	r.Lookup("camp-1")
	require.Eventually(t, func() bool {
		_, ok := r.Lookup("camp-1")
		return ok
	}, time.Second, time.Millisecond)
}

func TestNegativeCacheAvoidsRepeatedFetches(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{}}
	r := New(cat, Config{NegativeTTL: time.Hour}, nil)

	r.Lookup("missing")
	require.Eventually(t, func() bool {
		cat.mu.Lock()
		defer cat.mu.Unlock()
		return cat.calls >= 1
	}, time.Second, time.Millisecond)

	calls := cat.calls
	r.Lookup("missing")
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, calls, cat.calls)
}

func TestPutIgnoresStaleVersion(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{}}
	r := New(cat, Config{}, nil)

	newer := spec("camp-1")
	newer.Version = 5
	r.Put(newer)

	older := spec("camp-1")
	older.Version = 2
	r.Put(older)

	got, ok := r.Lookup("camp-1")
	require.True(t, ok)
	require.Equal(t, int64(5), got.Version)
}

func TestPutDeletedRemovesSpec(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{}}
	r := New(cat, Config{}, nil)

	r.Put(spec("camp-1"))
	_, ok := r.Lookup("camp-1")
	require.True(t, ok)

	deleted := spec("camp-1")
	deleted.Status = models.StatusDeleted
	r.Put(deleted)

	_, ok = r.Lookup("camp-1")
	require.False(t, ok)
}

func TestEvictForcesRefetch(t *testing.T) {
	cat := &fakeCatalog{specs: map[string]*models.CampaignSpec{"camp-1": spec("camp-1")}}
	r := New(cat, Config{}, nil)

	r.Put(spec("camp-1"))
	r.Evict("camp-1")

	_, ok := r.Lookup("camp-1")
	require.False(t, ok)
}
