package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// adminResult is the operator view of a control result, full candidates included
type adminResult struct {
	Query      string   `json:"query"`
	Identity   string   `json:"identity,omitempty"`
	Matched    bool     `json:"matched"`
	Ambiguous  bool     `json:"ambiguous"`
	Candidates []string `json:"candidates,omitempty"`
	Running    bool     `json:"running"`
	TradeLimit int      `json:"trade_limit"`
}

func newAdminResult(res lifecycle.Result) adminResult {
	return adminResult{
		Query:      res.Query,
		Identity:   res.Identity,
		Matched:    res.Matched,
		Ambiguous:  res.Ambiguous,
		Candidates: res.Candidates,
		Running:    res.Counters.IsRunning,
		TradeLimit: res.Counters.TradeLimit,
	}
}

type pendingView struct {
	ID         string `json:"id"`
	Kind       string `json:"credential_kind"`
	Credential string `json:"credential"`
	PaymentRef string `json:"payment_ref,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// handleAdminPendingList lists activations waiting for payment approval
// GET /api/admin/pending
func (s *Server) handleAdminPendingList(c *gin.Context) {
	list, err := s.lifecycle.PendingList(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "failed to read pending activations")
		return
	}

	out := make([]pendingView, 0, len(list))
	for _, a := range list {
		out = append(out, pendingView{
			ID:         a.ID,
			Kind:       a.Credential.Kind().String(),
			Credential: a.Credential.String(),
			PaymentRef: a.PaymentRef,
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	successResponse(c, gin.H{"pending": out, "count": len(out)})
}

// handleAdminStageIndirect stages an activation whose secret lives in the environment or Vault
// POST /api/admin/pending/indirect
func (s *Server) handleAdminStageIndirect(c *gin.Context) {
	var req struct {
		Name       string `json:"name" binding:"required"`
		PaymentRef string `json:"payment_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	id, err := s.lifecycle.StagePending(c.Request.Context(), credentials.Indirect(strings.TrimSpace(req.Name)), req.PaymentRef)
	if writeControlError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": gin.H{"pending_id": id}})
}

// handleAdminApprove activates a staged credential, optionally under a final identity
// POST /api/admin/pending/:id/approve
func (s *Server) handleAdminApprove(c *gin.Context) {
	var req struct {
		Identity string `json:"identity"`
	}
	// An empty body approves under the ephemeral id
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
			return
		}
	}

	res, err := s.lifecycle.Approve(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Identity), lifecycle.SourceAdmin)
	if writeControlError(c, err) {
		return
	}
	if !res.Approved {
		errorResponse(c, http.StatusNotFound, "no pending activation "+c.Param("id"))
		return
	}
	successResponse(c, res)
}

// handleAdminWorkers lists every live worker with a fleet summary
// GET /api/admin/workers
func (s *Server) handleAdminWorkers(c *gin.Context) {
	workers := s.lifecycle.Workers()

	running, connected := 0, 0
	for _, w := range workers {
		if w.Counters.IsRunning {
			running++
		}
		if w.Connected {
			connected++
		}
	}

	successResponse(c, gin.H{
		"workers": workers,
		"summary": gin.H{
			"total":      len(workers),
			"running":    running,
			"connected":  connected,
			"reconciled": s.lifecycle.Reconciled(),
		},
	})
}

func (s *Server) adminControl(c *gin.Context, op func(query string) (lifecycle.Result, error)) {
	res, err := op(c.Param("id"))
	var amb *lifecycle.AmbiguityError
	if errors.As(err, &amb) {
		c.JSON(http.StatusConflict, gin.H{"error": true, "message": err.Error(), "data": newAdminResult(res)})
		return
	}
	if writeControlError(c, err) {
		return
	}
	if !res.Matched {
		c.JSON(http.StatusNotFound, gin.H{"error": true, "message": "worker not found", "data": newAdminResult(res)})
		return
	}
	successResponse(c, newAdminResult(res))
}

// handleAdminTerminate closes a worker and deletes its record
// DELETE /api/admin/workers/:id
func (s *Server) handleAdminTerminate(c *gin.Context) {
	s.adminControl(c, func(q string) (lifecycle.Result, error) {
		return s.lifecycle.Terminate(c.Request.Context(), q)
	})
}

// POST /api/admin/workers/:id/stop
func (s *Server) handleAdminStop(c *gin.Context) {
	s.adminControl(c, func(q string) (lifecycle.Result, error) {
		return s.lifecycle.Stop(c.Request.Context(), q)
	})
}

// POST /api/admin/workers/:id/start
func (s *Server) handleAdminStart(c *gin.Context) {
	s.adminControl(c, func(q string) (lifecycle.Result, error) {
		return s.lifecycle.Start(c.Request.Context(), q)
	})
}

// POST /api/admin/workers/:id/limit
func (s *Server) handleAdminLimit(c *gin.Context) {
	var req limitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "limit is required")
		return
	}
	s.adminControl(c, func(q string) (lifecycle.Result, error) {
		return s.lifecycle.SetLimit(c.Request.Context(), q, *req.Limit)
	})
}
