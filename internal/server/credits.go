package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
)

type accountRefRequest struct {
	AccountID   string `json:"account_id"`
	ExternalKey string `json:"external_key"`
}

func (r accountRefRequest) toRef() (accountdomain.AccountRef, error) {
	if id := strings.TrimSpace(r.AccountID); id != "" {
		parsed, err := snowflake.ParseString(id)
		if err != nil {
			return accountdomain.AccountRef{}, ErrInvalidRequest
		}
		return accountdomain.AccountRef{ID: parsed}, nil
	}
	if key := strings.TrimSpace(r.ExternalKey); key != "" {
		return accountdomain.AccountRef{ExternalKey: key}, nil
	}
	return accountdomain.AccountRef{}, accountdomain.ErrInvalidExternalKey
}

type reserveRequest struct {
	accountRefRequest
	Amount           int64          `json:"amount"`
	RefType          string         `json:"ref_type"`
	RefID            string         `json:"ref_id"`
	IdempotencyKey   string         `json:"idempotency_key"`
	OperatorOverride bool           `json:"operator_override"`
	Metadata         map[string]any `json:"metadata"`
}

func (s *Server) reserveCredits(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ref, err := req.toRef()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.credits.Reserve(c.Request.Context(), creditdomain.ReserveInput{
		Account:          ref,
		Amount:           req.Amount,
		RefType:          req.RefType,
		RefID:            req.RefID,
		IdempotencyKey:   idempotencyKey(c, req.IdempotencyKey),
		OperatorOverride: req.OperatorOverride,
		Metadata:         req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type settleRequest struct {
	accountRefRequest
	ReservationID  string `json:"reservation_id"`
	RefType        string `json:"ref_type"`
	RefID          string `json:"ref_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) consumeCredits(c *gin.Context) {
	s.settleCredits(c, s.credits.Consume)
}

func (s *Server) releaseCredits(c *gin.Context) {
	s.settleCredits(c, s.credits.Release)
}

func (s *Server) settleCredits(c *gin.Context, settle func(ctx context.Context, in creditdomain.SettleInput) (*creditdomain.ReservationResult, error)) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ref, err := req.toRef()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := settle(c.Request.Context(), creditdomain.SettleInput{
		Account:        ref,
		ReservationID:  req.ReservationID,
		RefType:        req.RefType,
		RefID:          req.RefID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type grantRequest struct {
	accountRefRequest
	Amount         int64          `json:"amount"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) grantCredits(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	ref, err := req.toRef()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.credits.Grant(c.Request.Context(), creditdomain.GrantInput{
		Account:        ref,
		Amount:         req.Amount,
		Reason:         creditdomain.LedgerReason(strings.ToLower(strings.TrimSpace(req.Reason))),
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getBalance(c *gin.Context) {
	ref, err := queryAccountRef(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.credits.GetBalance(c.Request.Context(), ref)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listLedger(c *gin.Context) {
	ref, err := queryAccountRef(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	entries, err := s.credits.ListLedger(c.Request.Context(), creditdomain.LedgerQuery{
		Account: ref,
		Limit:   limit,
		Before:  c.Query("before"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

type reconcileRequest struct {
	TenantID       string `json:"tenant_id"`
	Limit          int    `json:"limit"`
	TimeoutMinutes int    `json:"timeout_minutes"`
	DryRun         bool   `json:"dry_run"`
}

func (s *Server) reconcileCredits(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.ReconcileBatchSize
	}
	if req.TimeoutMinutes <= 0 {
		req.TimeoutMinutes = s.cfg.ReservationTimeoutMinutes
	}

	result, err := s.credits.Reconcile(c.Request.Context(), creditdomain.ReconcileInput{
		TenantID:       strings.TrimSpace(req.TenantID),
		Limit:          req.Limit,
		TimeoutMinutes: req.TimeoutMinutes,
		DryRun:         req.DryRun,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryAccountRef(c *gin.Context) (accountdomain.AccountRef, error) {
	return accountRefRequest{
		AccountID:   c.Query("account_id"),
		ExternalKey: c.Query("external_key"),
	}.toRef()
}

// idempotencyKey prefers the body field and falls back to the standard
// header so callers can pick either convention.
func idempotencyKey(c *gin.Context, body string) string {
	if key := strings.TrimSpace(body); key != "" {
		return key
	}
	return strings.TrimSpace(c.GetHeader("Idempotency-Key"))
}
