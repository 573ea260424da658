package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
)

type accountResponse struct {
	ID          string `json:"id"`
	ExternalKey string `json:"external_key"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

type policyResponse struct {
	AccountID       string `json:"account_id"`
	BillingMode     string `json:"billing_mode"`
	PaymentTermDays int    `json:"payment_term_days"`
	Currency        string `json:"currency"`
}

type createAccountRequest struct {
	ExternalKey string `json:"external_key"`
	Kind        string `json:"kind"`
}

func (s *Server) createAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	kind := accountdomain.AccountKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = accountdomain.AccountKindTenant
	}

	account, err := s.accounts.GetOrCreateAccount(c.Request.Context(), req.ExternalKey, kind)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(account))
}

type billingModeRequest struct {
	Mode  string `json:"mode"`
	Force bool   `json:"force"`
}

func (s *Server) setBillingMode(c *gin.Context) {
	accountID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	var req billingModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	policy, err := s.accounts.SetBillingMode(c.Request.Context(), accountID,
		accountdomain.BillingMode(strings.ToLower(strings.TrimSpace(req.Mode))), req.Force)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, policyResponse{
		AccountID:       policy.AccountID.String(),
		BillingMode:     strings.ToUpper(string(policy.BillingMode)),
		PaymentTermDays: policy.PaymentTermDays,
		Currency:        policy.Currency,
	})
}

func (s *Server) suspendAccount(c *gin.Context) {
	accountID, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if err := s.accounts.Suspend(c.Request.Context(), accountID); err != nil {
		AbortWithError(c, err)
		return
	}
	account, err := s.accounts.GetAccount(c.Request.Context(), accountdomain.AccountRef{ID: accountID})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toAccountResponse(account))
}

func toAccountResponse(account *accountdomain.Account) accountResponse {
	return accountResponse{
		ID:          account.ID.String(),
		ExternalKey: account.ExternalKey,
		Kind:        strings.ToUpper(string(account.Kind)),
		Status:      strings.ToUpper(string(account.Status)),
		CreatedAt:   creditdomain.FormatTime(account.CreatedAt),
	}
}
