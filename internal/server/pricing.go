package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
)

func (s *Server) ListPacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.pricing.Packs()})
}

func (s *Server) Quote(c *gin.Context) {
	var req pricingdomain.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.Model = strings.TrimSpace(req.Model)

	quote, err := s.pricing.Quote(req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": quote})
}
