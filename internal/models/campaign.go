package models

import (
	"errors"
	"time"
)

// PacingMode selects the throttle curve a campaign is shaped against.
type PacingMode string

const (
	PacingEven        PacingMode = "EVEN"
	PacingASAP        PacingMode = "ASAP"
	PacingFrontLoaded PacingMode = "FRONT_LOADED"
	PacingAdaptive    PacingMode = "ADAPTIVE"
)

func (m PacingMode) Valid() bool {
	switch m {
	case PacingEven, PacingASAP, PacingFrontLoaded, PacingAdaptive:
		return true
	}
	return false
}

// CampaignStatus gates whether a campaign is eligible to bid at all.
type CampaignStatus string

const (
	StatusActive  CampaignStatus = "ACTIVE"
	StatusPaused  CampaignStatus = "PAUSED"
	StatusDeleted CampaignStatus = "DELETED"
)

// CampaignSpec is the immutable, versioned campaign configuration resolved
// from the catalog collaborator. A new version replaces the prior one
// atomically in the Registry; no field is ever mutated in place.
type CampaignSpec struct {
	ID                string         `json:"id"`
	DailyBudgetCents  int64          `json:"daily_budget_cents"`
	TotalBudgetCents  int64          `json:"total_budget_cents,omitempty"`
	ActiveFrom        time.Time      `json:"active_from"`
	ActiveTo          time.Time      `json:"active_to"`
	PacingMode        PacingMode     `json:"pacing_mode"`
	Status            CampaignStatus `json:"status"`
	Version           int64          `json:"version"`
}

func (s *CampaignSpec) Validate() error {
	if s.ID == "" {
		return errors.New("campaign id required")
	}
	if s.DailyBudgetCents < 0 {
		return errors.New("daily_budget_cents must be non-negative")
	}
	if s.TotalBudgetCents < 0 {
		return errors.New("total_budget_cents must be non-negative")
	}
	if !s.PacingMode.Valid() {
		return errors.New("unknown pacing_mode")
	}
	switch s.Status {
	case StatusActive, StatusPaused, StatusDeleted:
	default:
		return errors.New("unknown status")
	}
	return nil
}

// Active reports whether t falls within the campaign's active window.
func (s *CampaignSpec) Active(t time.Time) bool {
	if !s.ActiveFrom.IsZero() && t.Before(s.ActiveFrom) {
		return false
	}
	if !s.ActiveTo.IsZero() && t.After(s.ActiveTo) {
		return false
	}
	return true
}

// DecisionReason is the tagged result carried across the fast-path
// contract in place of an error — no `Decide` call ever returns a Go
// error for a domain-normal outcome.
type DecisionReason string

const (
	ReasonOK               DecisionReason = "OK"
	ReasonThrottled        DecisionReason = "THROTTLED"
	ReasonCircuitOpen      DecisionReason = "CIRCUIT_OPEN"
	ReasonBudgetExhausted  DecisionReason = "BUDGET_EXHAUSTED"
	ReasonInactive         DecisionReason = "INACTIVE"
	ReasonUnknownCampaign  DecisionReason = "UNKNOWN_CAMPAIGN"
	ReasonPaused           DecisionReason = "PAUSED"
	ReasonDeadlineExceeded DecisionReason = "DEADLINE_EXCEEDED"
)

// DecisionResult is returned, never stored.
type DecisionResult struct {
	AllowBid     bool           `json:"allow_bid"`
	ThrottleRate float64        `json:"throttle_rate"`
	Reason       DecisionReason `json:"reason"`
}

// Deny is a convenience constructor for the common deny-with-reason case.
func Deny(reason DecisionReason) DecisionResult {
	return DecisionResult{AllowBid: false, ThrottleRate: 1, Reason: reason}
}

// BreakerStateType is one of the three circuit breaker states.
type BreakerStateType string

const (
	BreakerClosed   BreakerStateType = "CLOSED"
	BreakerOpen     BreakerStateType = "OPEN"
	BreakerHalfOpen BreakerStateType = "HALF_OPEN"
)

// BreakerState is per-campaign and lives inside the owning shard, guarded
// by the shard's lock rather than its own.
type BreakerState struct {
	State    BreakerStateType
	OpenedAt time.Duration // monotonic reading, zero value means "never opened"
}

// LedgerSnapshot is a coherent, point-in-time read of one campaign-day's
// counters, safe to hand to a caller outside the shard lock.
type LedgerSnapshot struct {
	CampaignID       string
	Day              string
	DaySpentCents    int64
	HourlySpentCents [24]int64
	Impressions      int64
	LastUpdateNs     int64
	Breaker          BreakerState
	// EWMAHourlySpend is the exponentially-weighted average hourly spend
	// maintained across completed local hours today, used by ADAPTIVE to
	// project the rest of the day. Zero until the first hour completes.
	EWMAHourlySpend float64
}

// PacePercentage is the convenience ratio surfaced on the status endpoint.
func (s LedgerSnapshot) PacePercentage(dailyBudgetCents int64) float64 {
	if dailyBudgetCents <= 0 {
		return 0
	}
	return float64(s.DaySpentCents) / float64(dailyBudgetCents) * 100
}
