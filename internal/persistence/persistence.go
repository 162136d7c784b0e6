// Package persistence implements the Persistence Bridge: one background
// flusher per ledger shard, coalescing spend deltas within a flush
// window and writing them to Redis with retrying, jittered backoff. It
// also fans budget events out over Redis pub/sub, and provides Archive to
// write a ledger cell snapshot to Postgres; the ledger's retention
// eviction does not call Archive.
//
// Grounded on the teacher's RedisPacingEngine.incrementCounters (Redis
// pipeline INCRBY + Expire) for the mirror-write shape, and on
// other_examples/.../Kelpejol-consonant-engine's bounded async write
// queue with retry for the coalescing-flusher structure (zerolog there,
// zap here, per the ambient stack).
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/ledger"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/metrics"
)

const budgetUpdatesChannel = "budget_updates"

// Config tunes the flush window and retry policy.
type Config struct {
	FlushWindow      time.Duration // default 50ms
	BackoffBase      time.Duration // default 50ms
	BackoffCap       time.Duration // default 5s
	DegradedAfterN   int           // default 5 consecutive failures
}

// Bridge owns one flusher goroutine per ledger shard.
type Bridge struct {
	redis   *redis.Client
	pg      *pgxpool.Pool // nil disables archival
	ledger  *ledger.Ledger
	logger  *zap.Logger
	cfg     Config
	metrics *metrics.Metrics

	failureCounts []int
}

func New(redisClient *redis.Client, pg *pgxpool.Pool, ldg *ledger.Ledger, logger *zap.Logger, cfg Config, met *metrics.Metrics) *Bridge {
	if cfg.FlushWindow <= 0 {
		cfg.FlushWindow = 50 * time.Millisecond
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 50 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Second
	}
	if cfg.DegradedAfterN <= 0 {
		cfg.DegradedAfterN = 5
	}
	return &Bridge{
		redis:         redisClient,
		pg:            pg,
		ledger:        ldg,
		logger:        logger,
		cfg:           cfg,
		metrics:       met,
		failureCounts: make([]int, ldg.ShardCount()),
	}
}

// Run launches one flusher goroutine per shard and blocks until ctx is
// canceled, then waits for in-flight flushes to drain.
func (b *Bridge) Run(ctx context.Context) {
	done := make(chan struct{}, b.ledger.ShardCount())
	for i := 0; i < b.ledger.ShardCount(); i++ {
		go func(shardIdx int) {
			b.flushLoop(ctx, shardIdx)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < b.ledger.ShardCount(); i++ {
		<-done
	}
}

func (b *Bridge) flushLoop(ctx context.Context, shardIdx int) {
	ticker := time.NewTicker(b.cfg.FlushWindow)
	defer ticker.Stop()

	pending := make(map[string]*ledger.Delta) // campaign:day:hour -> latest coalesced delta

	deltas := b.ledger.Deltas(shardIdx)
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background(), shardIdx, pending)
			return
		case d := <-deltas:
			key := fmt.Sprintf("%s:%s:%d", d.CampaignID, d.Day, d.Hour)
			if prior, ok := pending[key]; ok {
				// Coalesce: sum the per-increment deltas so the eventual
				// IncrBy reflects every Track call folded into this window,
				// not just the last one. DaySpentCents/HourlySpentCents/
				// Breaker are carried as the latest observed value since
				// they already reflect the full running total locally.
				d.SpendCents += prior.SpendCents
				d.Impressions += prior.Impressions
			}
			pending[key] = &d
			if b.metrics != nil {
				b.metrics.SetPersistenceQueueDepth(fmt.Sprintf("%d", shardIdx), len(pending))
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			// A failed flush keeps its deltas pending so the next tick
			// retries them together with anything coalesced meanwhile.
			if b.flush(ctx, shardIdx, pending) {
				pending = make(map[string]*ledger.Delta)
			}
		}
	}
}

func (b *Bridge) flush(ctx context.Context, shardIdx int, pending map[string]*ledger.Delta) bool {
	op := func() (struct{}, error) {
		return struct{}{}, b.writeAll(ctx, pending)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = b.cfg.BackoffBase
	expBackoff.MaxInterval = b.cfg.BackoffCap
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(b.cfg.BackoffCap*4),
	)
	if err != nil {
		b.failureCounts[shardIdx]++
		b.logger.Error("persistence flush failed",
			zap.Int("shard", shardIdx),
			zap.Int("consecutive_failures", b.failureCounts[shardIdx]),
			zap.Error(err),
		)
		shardLabel := fmt.Sprintf("%d", shardIdx)
		if b.metrics != nil {
			b.metrics.RecordFlushError(shardLabel)
		}
		if b.failureCounts[shardIdx] == b.cfg.DegradedAfterN {
			if b.metrics != nil {
				b.metrics.RecordDegraded(shardLabel)
			}
			b.publish(ctx, "PERSISTENCE_DEGRADED", map[string]interface{}{"shard": shardIdx})
		}
		return false
	}
	b.failureCounts[shardIdx] = 0
	if b.metrics != nil {
		b.metrics.SetPersistenceQueueDepth(fmt.Sprintf("%d", shardIdx), 0)
	}
	return true
}

func (b *Bridge) writeAll(ctx context.Context, pending map[string]*ledger.Delta) error {
	if b.redis == nil {
		return nil
	}
	pipe := b.redis.Pipeline()
	for _, d := range pending {
		dayKey := fmt.Sprintf("budget:day:%s:%s", d.CampaignID, d.Day)
		hourKey := fmt.Sprintf("budget:hour:%s:%s:%02d", d.CampaignID, d.Day, d.Hour)
		// INCRBY the coalesced delta, never SET the locally-coalesced
		// absolute total — two pacer processes (or one that restarted)
		// mirroring the same campaign must sum at the Redis server, not
		// overwrite each other's running totals.
		pipe.IncrBy(ctx, dayKey, d.SpendCents)
		pipe.Expire(ctx, dayKey, 48*time.Hour)
		pipe.IncrBy(ctx, hourKey, d.SpendCents)
		pipe.Expire(ctx, hourKey, 48*time.Hour)

		breakerKey := fmt.Sprintf("breaker:%s", d.CampaignID)
		breakerJSON, _ := json.Marshal(d.Breaker)
		pipe.Set(ctx, breakerKey, breakerJSON, 20*time.Minute)

		payload, _ := json.Marshal(map[string]interface{}{
			"campaign_id":     d.CampaignID,
			"day_spent_cents": d.DaySpentCents,
			"breaker_state":   d.Breaker.State,
			"ts":              time.Now().UTC().Format(time.RFC3339),
		})
		pipe.Publish(ctx, budgetUpdatesChannel, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Rehydrate scans the mirror's budget:day:*/budget:hour:* keys for each
// given campaign id on the given day and restores the Ledger's
// in-memory cells before the HTTP server starts accepting decisions. A
// nil Redis client (mirroring disabled) makes this a no-op, matching
// the rest of the Bridge's degraded-startup behavior.
func (b *Bridge) Rehydrate(ctx context.Context, campaignIDs []string, day string) error {
	if b.redis == nil {
		return nil
	}
	for _, id := range campaignIDs {
		dayKey := fmt.Sprintf("budget:day:%s:%s", id, day)
		daySpent, err := b.redis.Get(ctx, dayKey).Int64()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("rehydrate %s: %w", id, err)
		}

		var hourly [24]int64
		for h := 0; h < 24; h++ {
			hourKey := fmt.Sprintf("budget:hour:%s:%s:%02d", id, day, h)
			v, err := b.redis.Get(ctx, hourKey).Int64()
			if err != nil && err != redis.Nil {
				return fmt.Errorf("rehydrate %s hour %d: %w", id, h, err)
			}
			hourly[h] = v
		}

		if daySpent == 0 {
			allZero := true
			for _, v := range hourly {
				if v != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				continue
			}
		}

		b.ledger.Rehydrate(id, day, daySpent, hourly)
		b.logger.Info("rehydrated ledger cell from mirror",
			zap.String("campaign_id", id),
			zap.Int64("day_spent_cents", daySpent),
		)
	}
	return nil
}

func (b *Bridge) publish(ctx context.Context, event string, fields map[string]interface{}) {
	if b.redis == nil {
		return
	}
	fields["event"] = event
	payload, _ := json.Marshal(fields)
	if err := b.redis.Publish(ctx, budgetUpdatesChannel, payload).Err(); err != nil {
		b.logger.Warn("failed to publish degraded event", zap.Error(err))
	}
}

// Archive upserts a ledger cell snapshot into the Postgres
// ledger_cell_archive table, keyed by (campaign_id, day). Nothing reads
// the table back: GET /budget/status answers from the in-memory ledger
// only. A nil pool makes this a no-op.
func (b *Bridge) Archive(ctx context.Context, campaignID, day string, daySpentCents int64, hourlySpentCents [24]int64, impressions int64) error {
	if b.pg == nil {
		return nil
	}
	hourlyJSON, err := json.Marshal(hourlySpentCents)
	if err != nil {
		return err
	}
	_, err = b.pg.Exec(ctx, `
		INSERT INTO ledger_cell_archive (campaign_id, day, day_spent_cents, hourly_spent_cents, impressions)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, day) DO UPDATE SET
			day_spent_cents = EXCLUDED.day_spent_cents,
			hourly_spent_cents = EXCLUDED.hourly_spent_cents,
			impressions = EXCLUDED.impressions
	`, campaignID, day, daySpentCents, hourlyJSON, impressions)
	return err
}

// FullJitterBackoff returns a single full-jitter delay, uniform in
// [0, min(base<<attempt, maxDelay)], for a caller that needs one delay
// rather than the full backoff.Retry loop. flush does not use it.
func FullJitterBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	exp := base << attempt
	if exp <= 0 || exp > maxDelay {
		exp = maxDelay
	}
	return time.Duration(rand.Int63n(int64(exp) + 1))
}
