package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"deriv-bot-manager/internal/lifecycle"
	"deriv-bot-manager/internal/logging"

	"github.com/gin-gonic/gin"
)

const (
	signatureHeader    = "X-Signature"
	maxWebhookBodySize = 64 << 10
)

// signPayload returns the hex HMAC-SHA256 of body under secret
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(header)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(signPayload(secret, body))
	return hmac.Equal(got, want)
}

// handlePaymentWebhook approves a staged activation when the payment provider confirms it
// POST /api/payments/webhook
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	if s.payment.WebhookSecret == "" {
		errorResponse(c, http.StatusServiceUnavailable, "payment webhook not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodySize))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "failed to read request body")
		return
	}

	if !validSignature(s.payment.WebhookSecret, payload, c.GetHeader(signatureHeader)) {
		errorResponse(c, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev lifecycle.PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Reference == "" {
		errorResponse(c, http.StatusBadRequest, "invalid payment event")
		return
	}

	logger := logging.FromContext(c.Request.Context())
	res, err := s.lifecycle.ConfirmPayment(c.Request.Context(), ev)
	switch {
	case errors.Is(err, lifecycle.ErrNotReconciled):
		// The provider retries on 5xx, which is what we want during startup
		errorResponse(c, http.StatusServiceUnavailable, "service is starting, try again shortly")
		return
	case err != nil:
		logger.Error("Payment approval failed", "reference", ev.Reference, "error", err)
		errorResponse(c, http.StatusUnprocessableEntity, "approval failed, activation kept pending")
		return
	}

	if !res.Ignored && !res.Approved {
		logger.Warn("Payment for unknown pending id", "reference", ev.Reference)
	}
	successResponse(c, res)
}
