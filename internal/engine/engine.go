// Package engine composes the Campaign Registry, Spend Ledger, Pacing
// Policy, and Circuit Breaker behind the two public operations the rest
// of the system calls: Decide and Track. This is the fast path; no
// network I/O happens on it.
package engine

import (
	"context"
	"time"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/clock"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/ledger"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/policy"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/registry"
)

// Engine is the Decision Engine.
type Engine struct {
	registry    *registry.Registry
	ledger      *ledger.Ledger
	clock       clock.Clock
	policyCfg   policy.Config
	decisionDDL time.Duration
}

// Config wires the Engine's tunables.
type Config struct {
	Policy           policy.Config
	DecisionDeadline time.Duration
}

func New(reg *registry.Registry, ldg *ledger.Ledger, clk clock.Clock, cfg Config) *Engine {
	if cfg.DecisionDeadline <= 0 {
		cfg.DecisionDeadline = 50 * time.Millisecond
	}
	return &Engine{registry: reg, ledger: ldg, clock: clk, policyCfg: cfg.Policy, decisionDDL: cfg.DecisionDeadline}
}

// Decide is the fast path: deadline-bearing, lock-scoped, and allocation-
// light. It follows spec §4.5's eight-step sequence exactly.
func (e *Engine) Decide(ctx context.Context, campaignID string, bidCents int64) models.DecisionResult {
	deadline := time.Now().Add(e.decisionDDL)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	spec, ok := e.registry.Lookup(campaignID)
	if !ok {
		return models.Deny(models.ReasonUnknownCampaign)
	}
	if spec.Status != models.StatusActive {
		return models.Deny(models.ReasonPaused)
	}

	now := e.clock.Now()
	if !spec.Active(now) {
		return models.Deny(models.ReasonInactive)
	}

	if time.Now().After(deadline) {
		return models.Deny(models.ReasonDeadlineExceeded)
	}

	if spec.DailyBudgetCents <= 0 {
		return models.Deny(models.ReasonBudgetExhausted)
	}

	state, admitProbe := e.ledger.EvaluateForDecide(campaignID, spec.DailyBudgetCents, now)
	switch state.State {
	case models.BreakerOpen:
		return models.Deny(models.ReasonCircuitOpen)
	case models.BreakerHalfOpen:
		if !admitProbe {
			return models.Deny(models.ReasonCircuitOpen)
		}
		// fall through: the probe bid is evaluated against policy below
		// like any other bid, and its outcome resolves the probe once
		// Track lands.
	}

	snap, found := e.ledger.Snapshot(campaignID, now)
	var daySpent int64
	if found {
		daySpent = snap.DaySpentCents
	}
	if daySpent >= spec.DailyBudgetCents {
		return models.Deny(models.ReasonBudgetExhausted)
	}

	localHour := e.clock.LocalHour(now)
	throttle := policy.Compute(spec.PacingMode, spec.DailyBudgetCents, daySpent, localHour, snap.EWMAHourlySpend, e.policyCfg)

	draw := e.ledger.BernoulliDraw(campaignID)
	if draw < throttle {
		return models.DecisionResult{AllowBid: false, ThrottleRate: throttle, Reason: models.ReasonThrottled}
	}
	return models.DecisionResult{AllowBid: true, ThrottleRate: throttle, Reason: models.ReasonOK}
}

// TrackResult is Track's return value.
type TrackResult struct {
	Snapshot       models.LedgerSnapshot
	PersistQueued  bool
	BreakerTripped bool
}

// Track applies a spend event to the ledger and re-evaluates the breaker.
// Spend is applied unconditionally per spec §4.4: tracking is never
// denied by breaker state, only decisions are.
func (e *Engine) Track(ctx context.Context, campaignID string, spendCents, impressions int64, at time.Time, eventID string, enqueueTimeout time.Duration) TrackResult {
	spec, _ := e.registry.Lookup(campaignID)
	var dailyBudget int64
	if spec != nil {
		dailyBudget = spec.DailyBudgetCents
	}

	if at.IsZero() {
		at = e.clock.Now()
	}

	snap, queued, tripped := e.ledger.TryIncrement(campaignID, spendCents, impressions, at, eventID, dailyBudget, enqueueTimeout)
	return TrackResult{Snapshot: snap, PersistQueued: queued, BreakerTripped: tripped}
}

// Status resolves the read-only pacing status for a campaign, used by
// GET /budget/status/{id}.
func (e *Engine) Status(campaignID string) (models.CampaignSpec, models.LedgerSnapshot, bool) {
	spec, ok := e.registry.Lookup(campaignID)
	if !ok {
		return models.CampaignSpec{}, models.LedgerSnapshot{}, false
	}
	snap, _ := e.ledger.Snapshot(campaignID, e.clock.Now())
	return *spec, snap, true
}

// ThrottleRate recomputes the current throttle probability for a known
// spec/snapshot pair without consuming a Bernoulli draw or mutating
// breaker state — a read-only echo of the same policy.Compute call Decide
// makes, for display on the status endpoint.
func (e *Engine) ThrottleRate(spec models.CampaignSpec, snap models.LedgerSnapshot) float64 {
	now := e.clock.Now()
	localHour := e.clock.LocalHour(now)
	return policy.Compute(spec.PacingMode, spec.DailyBudgetCents, snap.DaySpentCents, localHour, snap.EWMAHourlySpend, e.policyCfg)
}

// Reset clears a campaign's current-day ledger cell by explicit key
// enumeration (never a wildcard delete — see spec §9's resolved Open
// Question).
func (e *Engine) Reset(campaignID string) {
	e.ledger.Reset(campaignID, e.clock.Now())
}
