package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
	"go.opentelemetry.io/otel/trace"
)

type meterUsageRequest struct {
	AccountID       string   `json:"account_id"`
	Model           string   `json:"model"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	Margin          *float64 `json:"margin"`
	ContextEstimate *int64   `json:"context_estimate"`
}

func (s *Server) MeterUsage(c *gin.Context) {
	var req meterUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	c.Set(contextAccountIDKey, accountID)

	var traceID string
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	result, err := s.meteringSvc.MeterUsage(c.Request.Context(), meteringdomain.MeterUsageRequest{
		AccountID:       accountID,
		Model:           strings.TrimSpace(req.Model),
		InputTokens:     req.InputTokens,
		OutputTokens:    req.OutputTokens,
		Margin:          req.Margin,
		ContextEstimate: req.ContextEstimate,
		TraceID:         traceID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}
