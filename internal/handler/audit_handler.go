package handler

import (
	"net/http"

	"loanpipe/internal/middleware"
	"loanpipe/internal/service"
	"loanpipe/pkg/pagination"
	"loanpipe/pkg/response"

	"github.com/gin-gonic/gin"
)

type AuditHandler struct {
	facade service.SubmissionFacade
}

func NewAuditHandler(facade service.SubmissionFacade) *AuditHandler {
	return &AuditHandler{facade: facade}
}

func (h *AuditHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/audit-logs")
	group.Use(middleware.RequireDevice())
	{
		group.GET("", h.GetAuditLogs)
	}
}

// GetAuditLogs retrieves the paginated command and transition history
// @Summary      Get audit logs
// @Description  Retrieves the history of facade commands and pipeline transitions
// @Tags         audit
// @Security     BearerAuth
// @Produce      json
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Router       /api/audit-logs [get]
func (h *AuditHandler) GetAuditLogs(c *gin.Context) {
	params := pagination.Parse(c)

	logs, total, err := h.facade.ListAudit(c.Request.Context(), params.Page, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to retrieve audit logs: "+err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Paginated(http.StatusOK, logs, total, params.Page, params.Limit))
}
