package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

type listQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

func bindListQuery(c *gin.Context) (listQuery, error) {
	var query listQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		return listQuery{}, invalidRequestError()
	}
	if query.PageSize < 0 {
		return listQuery{}, newValidationError("page_size", "invalid_page_size", "invalid page_size")
	}
	query.PageToken = strings.TrimSpace(query.PageToken)
	return query, nil
}

// accountParam returns the :id path parameter and tags the request log.
func accountParam(c *gin.Context) string {
	id := strings.TrimSpace(c.Param("id"))
	c.Set(contextAccountIDKey, id)
	return id
}
