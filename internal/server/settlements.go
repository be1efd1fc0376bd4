package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
)

const maxWebhookBody = 1 << 20

type settlePaymentRequest struct {
	EventID          string `json:"event_id"`
	AccountID        string `json:"account_id"`
	TokenQuantity    int64  `json:"token_quantity"`
	PaymentReference string `json:"payment_reference"`
	PackCode         string `json:"pack_code"`
}

func (s *Server) SettlePayment(c *gin.Context) {
	var req settlePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextAccountIDKey, strings.TrimSpace(req.AccountID))

	quantity := req.TokenQuantity
	if quantity == 0 && strings.TrimSpace(req.PackCode) != "" {
		pack, err := s.pricing.Pack(req.PackCode)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		quantity = pack.Tokens
	}

	result, err := s.settlementSvc.SettlePayment(c.Request.Context(), settlementdomain.SettleRequest{
		EventID:          req.EventID,
		AccountID:        req.AccountID,
		TokenQuantity:    quantity,
		PaymentReference: req.PaymentReference,
		PackCode:         req.PackCode,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) IngestWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.IngestWebhook(c.Request.Context(), c.Param("provider"), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result == nil {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"ignored": true}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
