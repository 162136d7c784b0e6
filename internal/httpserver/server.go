package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/config"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/database"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/engine"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/metrics"
	"github.com/t84393252-create/ad-campaign-budget-pacer-244/internal/models"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Engine  *engine.Engine
}

// Server wraps the Decision Engine behind the hot-path and admin HTTP
// surface.
type Server struct {
	engine  *engine.Engine
	db      *database.PostgresDB
	redis   *database.RedisDB
	logger  *zap.Logger
	config  *config.Config
	metrics *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		engine:  deps.Engine,
		db:      deps.DB,
		redis:   deps.Redis,
		logger:  deps.Logger,
		config:  deps.Config,
		metrics: deps.Metrics,
	}

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if deps.Config.Metrics.Enabled {
		mux.Handle(deps.Config.Metrics.Path, metrics.Handler())
	}

	// =============================================
	// Hot path — decisioning and tracking
	// =============================================
	mux.HandleFunc("/pacing/decision", s.handleDecision)
	mux.HandleFunc("/spend/track", s.handleTrack)

	// =============================================
	// Admin / status surface
	// =============================================
	mux.HandleFunc("/budget/status/", s.handleBudgetStatus)
	mux.HandleFunc("/budget/reset/", s.handleBudgetReset)

	return mux
}

// =============================================
// Health Check
// =============================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			s.logger.Warn("health check: postgres unreachable", zap.Error(err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.redis != nil {
		if err := s.redis.Health(r.Context()); err != nil {
			s.logger.Warn("health check: redis unreachable", zap.Error(err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"env":     s.config.Server.Env,
		"version": "1.0.0",
	})
}

// =============================================
// Hot path — POST /pacing/decision
// =============================================

type decisionRequest struct {
	CampaignID string `json:"campaign_id"`
	BidCents   int64  `json:"bid_cents"`
	EventID    string `json:"event_id,omitempty"`
}

type decisionResponse struct {
	AllowBid     bool                  `json:"allow_bid"`
	ThrottleRate float64               `json:"throttle_rate"`
	Reason       models.DecisionReason `json:"reason"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		s.errorResponse(w, "campaign_id required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := s.engine.Decide(r.Context(), req.CampaignID, req.BidCents)
	latency := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordDecision(req.CampaignID, string(result.Reason), latency)
		s.metrics.SetThrottleRate(req.CampaignID, result.ThrottleRate)
	}

	s.jsonResponse(w, decisionResponse{
		AllowBid:     result.AllowBid,
		ThrottleRate: result.ThrottleRate,
		Reason:       result.Reason,
	})
}

// =============================================
// Hot path — POST /spend/track
// =============================================

type trackRequest struct {
	CampaignID  string    `json:"campaign_id"`
	SpendCents  int64     `json:"spend_cents"`
	Impressions int64     `json:"impressions"`
	EventID     string    `json:"event_id,omitempty"`
	Timestamp   time.Time `json:"ts,omitempty"`
}

type trackResponse struct {
	DailySpentCents     int64                   `json:"daily_spent_cents"`
	HourlySpentCents    int64                   `json:"hourly_spent_cents"`
	CircuitBreakerState models.BreakerStateType `json:"circuit_breaker_state"`
	PacePercentage      float64                 `json:"pace_percentage"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.CampaignID == "" {
		s.errorResponse(w, "campaign_id required", http.StatusBadRequest)
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
		s.logger.Debug("spend/track without client event_id, generated correlation id",
			zap.String("campaign_id", req.CampaignID),
			zap.String("event_id", eventID),
		)
	}

	result := s.engine.Track(r.Context(), req.CampaignID, req.SpendCents, req.Impressions, req.Timestamp, eventID, 0)

	if !result.PersistQueued {
		// The spend already landed in the authoritative in-memory ledger —
		// Track never drops it — but the persistence delta was rejected
		// under backpressure, so the mirror will be stale until the caller
		// retries. Surface that as a retryable error rather than a silent 200.
		s.logger.Warn("spend tracked but persistence queue full",
			zap.String("campaign_id", req.CampaignID),
			zap.String("event_id", eventID),
		)
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, "persistence queue full, spend recorded but not yet mirrored", http.StatusServiceUnavailable)
		return
	}

	spec, _, found := s.engine.Status(req.CampaignID)
	var pace float64
	if found {
		pace = result.Snapshot.PacePercentage(spec.DailyBudgetCents)
		if s.metrics != nil {
			s.metrics.RecordSpend(req.CampaignID, req.SpendCents, pace)
			s.metrics.SetBreakerState(req.CampaignID, string(result.Snapshot.Breaker.State))
			if result.BreakerTripped {
				s.metrics.RecordBreakerTrip(req.CampaignID)
			}
		}
	}

	hour := time.Now().Hour()
	if !req.Timestamp.IsZero() {
		hour = req.Timestamp.Hour()
	}
	var hourlySpent int64
	if hour >= 0 && hour < 24 {
		hourlySpent = result.Snapshot.HourlySpentCents[hour]
	}

	s.jsonResponse(w, trackResponse{
		DailySpentCents:     result.Snapshot.DaySpentCents,
		HourlySpentCents:    hourlySpent,
		CircuitBreakerState: result.Snapshot.Breaker.State,
		PacePercentage:      pace,
	})
}

// =============================================
// Admin — GET /budget/status/{campaign_id}
// =============================================

type budgetStatusResponse struct {
	CampaignID          string                  `json:"campaign_id"`
	DailyBudgetCents    int64                   `json:"daily_budget_cents"`
	DailySpentCents     int64                   `json:"daily_spent_cents"`
	HourlySpentCents    [24]int64               `json:"hourly_spent_cents"`
	PacePercentage      float64                 `json:"pace_percentage"`
	ShouldThrottle      bool                    `json:"should_throttle"`
	ThrottleRate        float64                 `json:"throttle_rate"`
	CircuitBreakerOpen  bool                    `json:"circuit_breaker_open"`
	CircuitBreakerState models.BreakerStateType `json:"circuit_breaker_state"`
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/budget/status/")
	if id == "" {
		s.errorResponse(w, "campaign_id required", http.StatusBadRequest)
		return
	}

	spec, snap, ok := s.engine.Status(id)
	if !ok {
		s.errorResponse(w, "campaign not found", http.StatusNotFound)
		return
	}

	pace := snap.PacePercentage(spec.DailyBudgetCents)
	throttle := s.engine.ThrottleRate(spec, snap)

	s.jsonResponse(w, budgetStatusResponse{
		CampaignID:          id,
		DailyBudgetCents:    spec.DailyBudgetCents,
		DailySpentCents:     snap.DaySpentCents,
		HourlySpentCents:    snap.HourlySpentCents,
		PacePercentage:      pace,
		ShouldThrottle:      throttle > 0,
		ThrottleRate:        throttle,
		CircuitBreakerOpen:  snap.Breaker.State == models.BreakerOpen,
		CircuitBreakerState: snap.Breaker.State,
	})
}

// =============================================
// Admin — POST /budget/reset/{campaign_id}
// =============================================

type budgetResetResponse struct {
	CampaignID string `json:"campaign_id"`
	Reset      bool   `json:"reset"`
}

func (s *Server) handleBudgetReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/budget/reset/")
	if id == "" {
		s.errorResponse(w, "campaign_id required", http.StatusBadRequest)
		return
	}

	s.engine.Reset(id)
	s.logger.Info("budget reset", zap.String("campaign_id", id))

	s.jsonResponse(w, budgetResetResponse{CampaignID: id, Reset: true})
}

// =============================================
// Helper Methods
// =============================================

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
