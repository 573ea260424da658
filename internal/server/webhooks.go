package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/reserva/internal/webhook"
)

type paymentWebhookRequest struct {
	EventID            string         `json:"event_id"`
	EventType          string         `json:"event_type"`
	AccountExternalKey string         `json:"account_external_key"`
	Amount             int64          `json:"amount"`
	Data               map[string]any `json:"data"`
}

func (s *Server) ingestPaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.webhookSvc.Ingest(c.Request.Context(), webhook.IngestInput{
		Provider:           strings.TrimSpace(c.Param("provider")),
		EventID:            req.EventID,
		EventType:          req.EventType,
		AccountExternalKey: req.AccountExternalKey,
		Amount:             req.Amount,
		Payload:            req.Data,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
