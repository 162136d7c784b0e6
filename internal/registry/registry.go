// Package registry implements the Campaign Registry: a thread-safe,
// read-heavy, copy-on-write map from campaign id to CampaignSpec, with
// single-flight-deduplicated catalog fetches on cache miss and a
// negative cache for unknown ids.
//
// Grounded on the teacher's RedisPacingEngine local cache field
// (internal/dsp/pacing.go's `local spendCache map`) for the
// copy-on-write map pattern, generalized here to hold specs rather than
// spend counters and to add single-flight and negative caching, neither
// of which the teacher implemented.
package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/metrics"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

// Catalog is the external collaborator the Registry fetches specs from.
type Catalog interface {
	FetchCampaign(ctx context.Context, id string) (*models.CampaignSpec, error)

	// ListActive returns every currently active campaign spec, used once
	// at startup to seed the Registry and to know which campaigns the
	// Ledger should rehydrate from the persistence mirror.
	ListActive(ctx context.Context) ([]*models.CampaignSpec, error)
}

// ErrNotFound is returned by a Catalog when a campaign id is unknown.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "campaign not found" }

type negativeEntry struct {
	until time.Time
}

// Registry resolves campaign specs for the Decision Engine's fast path.
// Reads never block on I/O: a miss returns UNKNOWN_CAMPAIGN immediately
// and populates the cache asynchronously in the background.
type Registry struct {
	catalog Catalog
	group   singleflight.Group

	mu       sync.RWMutex
	specs    map[string]*models.CampaignSpec
	negative map[string]negativeEntry

	negativeTTL   time.Duration
	fetchDeadline time.Duration

	nowFn   func() time.Time
	metrics *metrics.Metrics
}

// Config configures negative-cache TTL and the single-flight fetch
// deadline.
type Config struct {
	NegativeTTL   time.Duration // default 30s
	FetchDeadline time.Duration // default 100ms
}

func New(catalog Catalog, cfg Config, met *metrics.Metrics) *Registry {
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	if cfg.FetchDeadline <= 0 {
		cfg.FetchDeadline = 100 * time.Millisecond
	}
	return &Registry{
		catalog:       catalog,
		specs:         make(map[string]*models.CampaignSpec),
		negative:      make(map[string]negativeEntry),
		negativeTTL:   cfg.NegativeTTL,
		fetchDeadline: cfg.FetchDeadline,
		nowFn:         time.Now,
		metrics:       met,
	}
}

// Lookup returns the cached spec for id without ever performing I/O
// inline. On a cold miss it kicks off an asynchronous single-flight
// fetch and returns (nil, false) immediately.
func (r *Registry) Lookup(id string) (*models.CampaignSpec, bool) {
	r.mu.RLock()
	spec, ok := r.specs[id]
	if ok {
		r.mu.RUnlock()
		return spec, true
	}
	neg, negHit := r.negative[id]
	r.mu.RUnlock()

	if negHit && r.nowFn().Before(neg.until) {
		if r.metrics != nil {
			r.metrics.RecordCacheMiss("negative_cache")
		}
		return nil, false
	}

	if r.metrics != nil {
		r.metrics.RecordCacheMiss("fetch_triggered")
	}
	r.triggerAsyncFetch(id)
	return nil, false
}

// triggerAsyncFetch deduplicates concurrent misses for the same id via
// singleflight and populates the cache (positive or negative) once the
// catalog responds, bounded by fetchDeadline.
func (r *Registry) triggerAsyncFetch(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.fetchDeadline)
		defer cancel()

		v, err, _ := r.group.Do(id, func() (interface{}, error) {
			return r.catalog.FetchCampaign(ctx, id)
		})

		if err != nil {
			r.mu.Lock()
			r.negative[id] = negativeEntry{until: r.nowFn().Add(r.negativeTTL)}
			r.mu.Unlock()
			return
		}

		spec := v.(*models.CampaignSpec)
		r.Put(spec)
	}()
}

// Put installs or atomically replaces a spec — copy-on-write: readers
// never observe a partially-updated spec. Reads and writes share an
// RWMutex, so a writer waits for in-flight reads to release it.
func (r *Registry) Put(spec *models.CampaignSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec.Status == models.StatusDeleted {
		delete(r.specs, spec.ID)
		if r.metrics != nil {
			r.metrics.SetRegistrySize(len(r.specs))
		}
		return
	}
	if existing, ok := r.specs[spec.ID]; ok && existing.Version > spec.Version {
		return // stale write, ignore
	}
	r.specs[spec.ID] = spec
	delete(r.negative, spec.ID)
	if r.metrics != nil {
		r.metrics.SetRegistrySize(len(r.specs))
	}
}

// Evict drops a cached spec, forcing the next Lookup to refetch. Nothing
// in the pacer subscribes to catalog change notifications, so a spec is
// evicted only when a caller invokes Evict.
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, id)
	delete(r.negative, id)
	if r.metrics != nil {
		r.metrics.SetRegistrySize(len(r.specs))
	}
}

// Count reports the number of cached live specs (the same value Put and
// Evict publish to the registry_size gauge).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.specs)
}

// Bootstrap seeds the cache from a catalog listing at startup, ahead of
// the first lazy Lookup miss, and returns the campaign ids installed so
// the caller can rehydrate their ledger cells from the mirror.
func (r *Registry) Bootstrap(specs []*models.CampaignSpec) []string {
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		r.Put(spec)
		ids = append(ids, spec.ID)
	}
	return ids
}
