package api

import (
	"errors"
	"net/http"
	"strings"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"

	"github.com/gin-gonic/gin"
)

// subscriberStatus is what a subscriber sees about the worker their short id selects.
// Other subscribers' identities are never exposed here; only how many matched.
type subscriberStatus struct {
	ID             string `json:"id"`
	Running        bool   `json:"running"`
	Connected      *bool  `json:"connected,omitempty"`
	Balance        string `json:"balance"`
	SessionProfit  string `json:"session_profit"`
	LifetimeProfit string `json:"lifetime_profit"`
	TradesToday    int    `json:"trades_today"`
	TradeLimit     int    `json:"trade_limit"`
	Ambiguous      bool   `json:"ambiguous"`
	Matches        int    `json:"matches"`
}

func maskIdentity(id string) string {
	if len(id) <= 4 {
		return id
	}
	return strings.Repeat("*", len(id)-4) + id[len(id)-4:]
}

func newSubscriberStatus(res lifecycle.Result, connected *bool) subscriberStatus {
	c := res.Counters
	matches := len(res.Candidates)
	if matches == 0 && res.Matched {
		matches = 1
	}
	return subscriberStatus{
		ID:             maskIdentity(res.Identity),
		Running:        c.IsRunning,
		Connected:      connected,
		Balance:        c.Balance.StringFixed(2),
		SessionProfit:  c.SessionProfit.StringFixed(2),
		LifetimeProfit: c.LifetimeProfit.StringFixed(2),
		TradesToday:    c.TradesToday,
		TradeLimit:     c.TradeLimit,
		Ambiguous:      res.Ambiguous,
		Matches:        matches,
	}
}

// writeControlError maps lifecycle errors onto HTTP statuses. It returns false when err is nil.
func writeControlError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	var amb *lifecycle.AmbiguityError
	switch {
	case errors.As(err, &amb):
		c.JSON(http.StatusConflict, gin.H{
			"error":     true,
			"message":   "short id matches more than one bot, use a longer id",
			"ambiguous": true,
			"matches":   len(amb.Candidates),
		})
	case errors.Is(err, lifecycle.ErrNotReconciled):
		errorResponse(c, http.StatusServiceUnavailable, "service is starting, try again shortly")
	case errors.Is(err, lifecycle.ErrInvalidLimit):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrCredentialUnresolved):
		errorResponse(c, http.StatusUnprocessableEntity, "credential could not be resolved")
	case errors.Is(err, credentials.ErrInvalidReference):
		errorResponse(c, http.StatusBadRequest, err.Error())
	default:
		logging.FromContext(c.Request.Context()).Error("Control operation failed", "error", err)
		errorResponse(c, http.StatusInternalServerError, "operation failed")
	}
	return true
}

func notFound(c *gin.Context, shortID string) {
	errorResponse(c, http.StatusNotFound, "no active bot found for ID ending in \""+shortID+"\"")
}

// handleInfo returns the subscription payment details
// GET /api/info
func (s *Server) handleInfo(c *gin.Context) {
	successResponse(c, gin.H{
		"payment_number": s.payment.Number,
		"price":          s.payment.Price,
		"help_link":      s.payment.HelpLink,
	})
}

type stagePendingRequest struct {
	Token      string `json:"token" form:"token" binding:"required"`
	PaymentRef string `json:"payment_ref" form:"payment_ref"`
}

// handleStagePending records a subscriber's token until payment is approved
// POST /api/pending
func (s *Server) handleStagePending(c *gin.Context) {
	var req stagePendingRequest
	if err := c.ShouldBind(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "token is required")
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		errorResponse(c, http.StatusBadRequest, "token is required")
		return
	}

	id, err := s.lifecycle.StagePending(c.Request.Context(), credentials.Literal(token), strings.TrimSpace(req.PaymentRef))
	if writeControlError(c, err) {
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": gin.H{
			"pending_id":     id,
			"payment_number": s.payment.Number,
			"price":          s.payment.Price,
			"help_link":      s.payment.HelpLink,
			"message":        "Send " + s.payment.Price + " to " + s.payment.Number + " and keep your ID: " + id,
		},
	})
}

// handleTrack shows the stats of the bot a short id selects
// GET /api/track/:shortId
func (s *Server) handleTrack(c *gin.Context) {
	shortID := strings.TrimSpace(c.Param("shortId"))
	st, res, err := s.lifecycle.Lookup(shortID)
	if writeControlError(c, err) {
		return
	}
	if !res.Matched {
		notFound(c, shortID)
		return
	}
	successResponse(c, newSubscriberStatus(res, &st.Connected))
}

// trackControl runs op against the worker a short id selects
func (s *Server) trackControl(c *gin.Context, op func(shortID string) (lifecycle.Result, error)) {
	shortID := strings.TrimSpace(c.Param("shortId"))
	res, err := op(shortID)
	if writeControlError(c, err) {
		return
	}
	if !res.Matched {
		notFound(c, shortID)
		return
	}
	successResponse(c, newSubscriberStatus(res, nil))
}

// handleTrackStop pauses trading
// POST /api/track/:shortId/stop
func (s *Server) handleTrackStop(c *gin.Context) {
	s.trackControl(c, func(id string) (lifecycle.Result, error) {
		return s.lifecycle.Stop(c.Request.Context(), id)
	})
}

// handleTrackStart resets the session and resumes trading
// POST /api/track/:shortId/start
func (s *Server) handleTrackStart(c *gin.Context) {
	s.trackControl(c, func(id string) (lifecycle.Result, error) {
		return s.lifecycle.Start(c.Request.Context(), id)
	})
}

type limitRequest struct {
	Limit *int `json:"limit" form:"limit" binding:"required"`
}

// handleTrackLimit sets the daily trade cap, 0 for unlimited
// POST /api/track/:shortId/limit
func (s *Server) handleTrackLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBind(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "limit is required")
		return
	}
	s.trackControl(c, func(id string) (lifecycle.Result, error) {
		return s.lifecycle.SetLimit(c.Request.Context(), id, *req.Limit)
	})
}
