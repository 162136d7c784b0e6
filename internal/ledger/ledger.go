// Package ledger implements the sharded spend ledger: N independent
// in-process shards, each guarding its own campaign cells, breaker
// states, and RNG stream, so that decisions and tracks for a given
// campaign are linearizable without any cross-shard coordination.
//
// This is new code — the teacher (internal/dsp/pacing.go) only ever
// pseudo-sharded by pushing counters into Redis keys; true in-process
// N-shard locking with a deterministic hash router is built fresh here,
// in the teacher's general style of small, mutex-guarded structs.
package ledger

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/breaker"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/policy"
)

// Delta is one mutation queued for the Persistence Bridge.
type Delta struct {
	CampaignID       string
	Day              string
	Hour             int
	SpendCents       int64
	Impressions      int64
	DaySpentCents    int64 // running total, for INCRBY-equivalent coalescing
	HourlySpentCents int64
	Breaker          models.BreakerState
}

type cell struct {
	day      string
	daySpent int64
	hourly   [24]int64
	impr     int64
	lastNs   int64
	breaker  models.BreakerState
	// eventIDs is a bounded dedup ring for idempotent Track calls.
	eventIDs map[string]models.LedgerSnapshot
	eventLRU []string

	// ewmaHourlySpend and curHour maintain ADAPTIVE's exponentially-
	// weighted hourly spend average. curHour is -1 until the cell's first
	// increment; each increment that crosses into a new local hour folds
	// every hour passed through into the average before moving on.
	ewmaHourlySpend float64
	curHour         int
}

const defaultEventLRUCap = 10000

type shard struct {
	mu      sync.Mutex
	cells   map[string]*cell // campaign id -> current day's cell
	archive map[string]map[string]*cell // campaign id -> day -> retained historical cell
	rng     *rand.Rand
	queue   chan Delta
}

// Ledger is the sharded spend ledger.
type Ledger struct {
	shards        []*shard
	numShards     uint64
	retentionDays int
	clock         clock.Clock
	breakerCfg    breaker.Config
	adaptiveAlpha float64
}

// Config configures shard count, retention, breaker thresholds, and the
// ADAPTIVE pacing mode's EWMA smoothing factor.
type Config struct {
	ShardCount    int
	RetentionDays int
	QueueCapacity int
	Breaker       breaker.Config
	AdaptiveAlpha float64 // default 0.3, shared with policy.Config.AdaptiveAlpha
}

// New builds a Ledger with the given shard count. Each shard gets its own
// seeded RNG so Bernoulli sampling never contends across campaigns.
func New(cfg Config, clk clock.Clock, seedFn func(shardIdx int) int64) *Ledger {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 256
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if cfg.AdaptiveAlpha <= 0 {
		cfg.AdaptiveAlpha = 0.3
	}
	l := &Ledger{
		shards:        make([]*shard, cfg.ShardCount),
		numShards:     uint64(cfg.ShardCount),
		retentionDays: cfg.RetentionDays,
		clock:         clk,
		breakerCfg:    cfg.Breaker,
		adaptiveAlpha: cfg.AdaptiveAlpha,
	}
	for i := range l.shards {
		seed := int64(i)
		if seedFn != nil {
			seed = seedFn(i)
		}
		l.shards[i] = &shard{
			cells:   make(map[string]*cell),
			archive: make(map[string]map[string]*cell),
			rng:     rand.New(rand.NewSource(seed)),
			queue:   make(chan Delta, cfg.QueueCapacity),
		}
	}
	return l
}

func (l *Ledger) shardFor(campaignID string) *shard {
	h := xxhash.Sum64String(campaignID)
	return l.shards[h%l.numShards]
}

// Deltas exposes the outbound queue for shard i, drained by the
// Persistence Bridge's per-shard flusher goroutine.
func (l *Ledger) Deltas(shardIdx int) <-chan Delta {
	return l.shards[shardIdx].queue
}

func (l *Ledger) ShardCount() int {
	return len(l.shards)
}

func (l *Ledger) getOrCreateCell(s *shard, campaignID string, today string) *cell {
	c, ok := s.cells[campaignID]
	if !ok || c.day != today {
		if ok {
			l.retire(s, campaignID, c)
		}
		c = &cell{day: today, eventIDs: make(map[string]models.LedgerSnapshot), curHour: -1}
		if ok {
			// day rollover forces the breaker closed
			c.breaker = breaker.OnDayRollover()
		}
		s.cells[campaignID] = c
	}
	return c
}

func (l *Ledger) retire(s *shard, campaignID string, c *cell) {
	if l.retentionDays <= 0 {
		return
	}
	byDay, ok := s.archive[campaignID]
	if !ok {
		byDay = make(map[string]*cell)
		s.archive[campaignID] = byDay
	}
	byDay[c.day] = c
	if len(byDay) > l.retentionDays {
		oldest := ""
		for d := range byDay {
			if oldest == "" || d < oldest {
				oldest = d
			}
		}
		delete(byDay, oldest)
	}
}

func snapshotOf(campaignID string, c *cell) models.LedgerSnapshot {
	return models.LedgerSnapshot{
		CampaignID:       campaignID,
		Day:              c.day,
		DaySpentCents:    c.daySpent,
		HourlySpentCents: c.hourly,
		Impressions:      c.impr,
		LastUpdateNs:     c.lastNs,
		Breaker:          c.breaker,
		EWMAHourlySpend:  c.ewmaHourlySpend,
	}
}

// TryIncrement atomically applies a spend+impression delta at the shard
// owning campaignID, re-evaluating the breaker, and returns the
// post-increment snapshot plus whether the resulting delta was
// successfully enqueued for persistence within enqueueTimeout (0 means
// non-blocking). The ledger mutation itself always succeeds — spend is
// never dropped from the authoritative in-memory state, matching the
// spec's rule that Track never abandons a spend — only the persistence
// delta can be rejected under backpressure. When eventID is non-empty
// and has been seen before (within the bounded LRU), the increment is
// skipped and the prior snapshot is returned unchanged (idempotence).
func (l *Ledger) TryIncrement(campaignID string, spendCents, impressions int64, at time.Time, eventID string, dailyBudgetCents int64, enqueueTimeout time.Duration) (snap models.LedgerSnapshot, queued bool, tripped bool) {
	s := l.shardFor(campaignID)
	s.mu.Lock()

	today := l.clock.LocalDate(at)
	c := l.getOrCreateCell(s, campaignID, today)

	if eventID != "" {
		if prior, seen := c.eventIDs[eventID]; seen {
			s.mu.Unlock()
			return prior, true, false
		}
	}

	hour := int(l.clock.LocalHour(at))
	if hour < 0 {
		hour = 0
	}
	if hour > 23 {
		hour = 23
	}

	switch {
	case c.curHour < 0:
		c.curHour = hour
	case hour > c.curHour:
		// One or more local hours completed since the last Track on this
		// cell: fold each one's final total into the EWMA in order, then
		// resume tracking at the new hour.
		for h := c.curHour; h < hour; h++ {
			c.ewmaHourlySpend = policy.UpdateEWMA(c.ewmaHourlySpend, float64(c.hourly[h]), l.adaptiveAlpha)
		}
		c.curHour = hour
	}

	c.daySpent += spendCents
	c.hourly[hour] += spendCents
	c.impr += impressions
	c.lastNs = at.UnixNano()

	var ratio float64
	if dailyBudgetCents > 0 {
		ratio = float64(c.daySpent) / float64(dailyBudgetCents)
	}
	prevState := c.breaker.State
	c.breaker = breaker.OnTrack(c.breaker, ratio, l.clock.Monotonic(), l.breakerCfg)
	tripped = (prevState == models.BreakerClosed || prevState == "") && c.breaker.State == models.BreakerOpen

	snap = snapshotOf(campaignID, c)

	if eventID != "" {
		c.eventIDs[eventID] = snap
		c.eventLRU = append(c.eventLRU, eventID)
		if len(c.eventLRU) > defaultEventLRUCap {
			evict := c.eventLRU[0]
			c.eventLRU = c.eventLRU[1:]
			delete(c.eventIDs, evict)
		}
	}

	delta := Delta{
		CampaignID:       campaignID,
		Day:              today,
		Hour:             hour,
		SpendCents:       spendCents,
		Impressions:      impressions,
		DaySpentCents:    c.daySpent,
		HourlySpentCents: c.hourly[hour],
		Breaker:          c.breaker,
	}
	s.mu.Unlock()

	if enqueueTimeout <= 0 {
		select {
		case s.queue <- delta:
			return snap, true, tripped
		default:
			return snap, false, tripped
		}
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- delta:
		return snap, true, tripped
	case <-timer.C:
		return snap, false, tripped
	}
}

// Snapshot is a lock-free-to-the-caller read: it takes the shard lock
// briefly to copy the cell, never exposing partial (hour vs day) state.
func (l *Ledger) Snapshot(campaignID string, at time.Time) (models.LedgerSnapshot, bool) {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()

	today := l.clock.LocalDate(at)
	c, ok := s.cells[campaignID]
	if !ok {
		return models.LedgerSnapshot{}, false
	}
	if c.day != today {
		// Stale cell for a day that has already rolled over locally but
		// has not yet seen a mutating call; report it as absent so the
		// caller treats the new day as zero-spend.
		if byDay, found := s.archive[campaignID]; found {
			if archived, ok := byDay[today]; ok {
				return snapshotOf(campaignID, archived), true
			}
		}
		return models.LedgerSnapshot{}, false
	}
	return snapshotOf(campaignID, c), true
}

// Breaker returns the current breaker state for campaignID on today's
// cell, creating a CLOSED cell if none exists yet.
func (l *Ledger) Breaker(campaignID string, at time.Time) models.BreakerState {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := l.getOrCreateCell(s, campaignID, l.clock.LocalDate(at))
	return c.breaker
}

// EvaluateForDecide runs the breaker's decision-path evaluation (which
// may admit a HALF_OPEN probe) against campaignID's current cell, using
// the owning shard's own RNG stream so the draw never races with other
// campaigns. It applies any resulting CLOSED->OPEN or OPEN->HALF_OPEN
// transition in place; a HALF_OPEN->CLOSED/OPEN transition only happens
// once the probe's spend is tracked, via OnTrack.
func (l *Ledger) EvaluateForDecide(campaignID string, dailyBudgetCents int64, at time.Time) (state models.BreakerState, admitProbe bool) {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c := l.getOrCreateCell(s, campaignID, l.clock.LocalDate(at))
	var ratio float64
	if dailyBudgetCents > 0 {
		ratio = float64(c.daySpent) / float64(dailyBudgetCents)
	}
	draw := s.rng.Float64()
	next, admit := breaker.Evaluate(c.breaker, ratio, l.clock.Monotonic(), l.breakerCfg, draw)
	c.breaker = next
	return next, admit
}

// BernoulliDraw draws a uniform [0,1) sample from campaignID's shard RNG,
// used for the pacing policy's throttle Bernoulli sample.
func (l *Ledger) BernoulliDraw(campaignID string) float64 {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Rehydrate restores campaignID's current-day cell from previously
// mirrored totals, called once at startup — before the HTTP server
// accepts any decision or track — so a cold ledger or a freshly
// restarted process recovers the day's spend instead of starting from
// zero and under-throttling until the next flush window. A campaign
// already holding a cell for today (e.g. rehydrated twice) is
// overwritten with the mirror's value, which is authoritative at
// startup since nothing has tracked against the in-memory ledger yet.
func (l *Ledger) Rehydrate(campaignID, day string, daySpentCents int64, hourlySpentCents [24]int64) {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := l.getOrCreateCell(s, campaignID, day)
	c.daySpent = daySpentCents
	c.hourly = hourlySpentCents

	// Fold every hour up to (but not including) the current local hour
	// into the EWMA immediately, so ADAPTIVE has a seeded average from
	// the first post-restart decision instead of learning it cold.
	currentHour := int(l.clock.LocalHour(l.clock.Now()))
	if currentHour > 23 {
		currentHour = 23
	}
	for h := 0; h < currentHour; h++ {
		c.ewmaHourlySpend = policy.UpdateEWMA(c.ewmaHourlySpend, float64(c.hourly[h]), l.adaptiveAlpha)
	}
	c.curHour = currentHour
}

// Reset enumerates and deletes exactly the in-memory state for
// campaignID's current day — never a wildcard sweep, per the spec's
// resolution of the original implementation's buggy wildcard delete.
func (l *Ledger) Reset(campaignID string, at time.Time) {
	s := l.shardFor(campaignID)
	s.mu.Lock()
	defer s.mu.Unlock()
	today := l.clock.LocalDate(at)
	delete(s.cells, campaignID)
	s.cells[campaignID] = &cell{day: today, eventIDs: make(map[string]models.LedgerSnapshot), curHour: -1}
}
