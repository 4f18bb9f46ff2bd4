package handler

import (
	"net/http"
	"time"

	"loanpipe/internal/middleware"
	"loanpipe/pkg/response"

	"github.com/gin-gonic/gin"
)

type deviceAuthDTO struct {
	DeviceID string `json:"device_id" binding:"required"`
}

type AuthHandler struct {
	tokenTTL time.Duration
}

func NewAuthHandler(tokenTTL time.Duration) *AuthHandler {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthHandler{tokenTTL: tokenTTL}
}

func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/api/auth/device", h.IssueToken)
}

// IssueToken exchanges a device id for a signed bearer token
// @Summary      Issue a device token
// @Description  Returns a JWT used for API and websocket access
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        device  body      deviceAuthDTO  true  "Device identity"
// @Success      200     {object}  response.Response{data=object}
// @Failure      400     {object}  response.Response
// @Router       /api/auth/device [post]
func (h *AuthHandler) IssueToken(c *gin.Context) {
	var dto deviceAuthDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request: "+err.Error()))
		return
	}

	token, err := middleware.IssueDeviceToken(dto.DeviceID, h.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to sign token"))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{
		"access_token": token,
		"expires_in":   int(h.tokenTTL.Seconds()),
	}))
}
