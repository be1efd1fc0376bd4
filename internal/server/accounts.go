package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
)

type openAccountRequest struct {
	ExternalRef string `json:"external_ref"`
}

func (s *Server) OpenAccount(c *gin.Context) {
	var req openAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.ledgerSvc.OpenAccount(c.Request.Context(), ledgerdomain.OpenAccountRequest{
		ExternalRef: strings.TrimSpace(req.ExternalRef),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set(contextAccountIDKey, resp.Account.ID.String())
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": resp})
}

func (s *Server) GetAccount(c *gin.Context) {
	account, err := s.ledgerSvc.GetAccount(c.Request.Context(), accountParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) GetBalance(c *gin.Context) {
	id := accountParam(c)
	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"account_id": id,
		"balance":    balance,
	}})
}

func (s *Server) ListTransactions(c *gin.Context) {
	id := accountParam(c)
	query, err := bindListQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		AccountID: id,
		Limit:     query.PageSize,
		PageToken: query.PageToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Transactions, "page_info": resp.PageInfo})
}

func (s *Server) ListUsage(c *gin.Context) {
	id := accountParam(c)
	query, err := bindListQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.meteringSvc.ListUsage(c.Request.Context(), meteringdomain.ListUsageRequest{
		AccountID: id,
		Limit:     query.PageSize,
		PageToken: query.PageToken,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Records, "page_info": resp.PageInfo})
}

func (s *Server) VerifyAccount(c *gin.Context) {
	rec, err := s.ledgerSvc.VerifyAccount(c.Request.Context(), accountParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": rec})
}

func (s *Server) DisableAccount(c *gin.Context) {
	account, err := s.ledgerSvc.DisableAccount(c.Request.Context(), accountParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": account})
}

type adjustAccountRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) AdjustAccount(c *gin.Context) {
	id := accountParam(c)
	var req adjustAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	actor, _ := actorFromContext(c)
	txn, err := s.ledgerSvc.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		AccountID: id,
		Amount:    req.Amount,
		Reason:    reason,
		Actor:     actor.subject(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": txn})
}
