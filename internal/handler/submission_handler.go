package handler

import (
	"errors"
	"net/http"

	"loanpipe/internal/middleware"
	"loanpipe/internal/service"
	"loanpipe/pkg/response"

	"github.com/gin-gonic/gin"
)

type SubmissionHandler struct {
	facade service.SubmissionFacade
}

func NewSubmissionHandler(facade service.SubmissionFacade) *SubmissionHandler {
	return &SubmissionHandler{facade: facade}
}

func (h *SubmissionHandler) RegisterRoutes(router *gin.RouterGroup) {
	group := router.Group("/api/submissions")
	group.Use(middleware.RequireDevice())
	{
		group.POST("", h.CreateSubmission)
		group.GET("", h.ListPending)
		group.GET("/:id", h.GetSubmission)
		group.POST("/:id/retry", h.RetrySubmission)
		group.DELETE("/:id", h.CancelSubmission)
		group.POST("/trigger", h.TriggerPending)
	}
}

// CreateSubmission stores a durable work record and schedules its first attempt
// @Summary      Create a loan submission
// @Description  Persists the loan application locally and queues it for remote submission
// @Tags         submissions
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        submission  body      service.CreateSubmissionDTO  true  "Submission payload"
// @Success      201         {object}  response.Response{data=service.SubmissionResponse}
// @Failure      400         {object}  response.Response
// @Router       /api/submissions [post]
func (h *SubmissionHandler) CreateSubmission(c *gin.Context) {
	var dto service.CreateSubmissionDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request: "+err.Error()))
		return
	}

	result, err := h.facade.Create(c.Request.Context(), middleware.GetDeviceID(c), dto)
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Failed to create submission: "+err.Error()))
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// ListPending lists the submissions still visible as in flight
// @Summary      List pending submissions
// @Description  Returns PENDING, SUBMITTING and FAILED submissions newest first
// @Tags         submissions
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response{data=[]service.SubmissionResponse}
// @Router       /api/submissions [get]
func (h *SubmissionHandler) ListPending(c *gin.Context) {
	subs, err := h.facade.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to list submissions: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, subs))
}

// GetSubmission returns one submission with its documents
// @Summary      Get a submission
// @Tags         submissions
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Local submission id"
// @Success      200  {object}  response.Response{data=service.SubmissionResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/submissions/{id} [get]
func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	result, err := h.facade.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrSubmissionNotFound) {
		c.JSON(http.StatusNotFound, response.Error(http.StatusNotFound, "Submission not found"))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// RetrySubmission clears a FAILED submission back to PENDING and runs it now
// @Summary      Retry a failed submission
// @Tags         submissions
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Local submission id"
// @Success      200  {object}  response.Response{data=service.SubmissionResponse}
// @Failure      404  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /api/submissions/{id}/retry [post]
func (h *SubmissionHandler) RetrySubmission(c *gin.Context) {
	result, err := h.facade.Retry(c.Request.Context(), middleware.GetDeviceID(c), c.Param("id"))
	if errors.Is(err, service.ErrSubmissionNotFound) {
		c.JSON(http.StatusNotFound, response.Error(http.StatusNotFound, "Submission not found"))
		return
	}
	if errors.Is(err, service.ErrNotRetriable) {
		c.JSON(http.StatusConflict, response.Error(http.StatusConflict, "Submission is not in a retriable state"))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// CancelSubmission deletes a submission and its queued work
// @Summary      Cancel a submission
// @Tags         submissions
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Local submission id"
// @Success      200  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /api/submissions/{id} [delete]
func (h *SubmissionHandler) CancelSubmission(c *gin.Context) {
	err := h.facade.Cancel(c.Request.Context(), middleware.GetDeviceID(c), c.Param("id"))
	if errors.Is(err, service.ErrSubmissionNotFound) {
		c.JSON(http.StatusNotFound, response.Error(http.StatusNotFound, "Submission not found"))
		return
	}
	if errors.Is(err, service.ErrAlreadySucceeded) {
		c.JSON(http.StatusConflict, response.Error(http.StatusConflict, "Submission already succeeded"))
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"cancelled": true}))
}

// TriggerPending schedules every PENDING submission for an immediate attempt
// @Summary      Trigger all pending submissions
// @Description  Used on pull-to-refresh and when connectivity returns
// @Tags         submissions
// @Security     BearerAuth
// @Produce      json
// @Success      200  {object}  response.Response
// @Router       /api/submissions/trigger [post]
func (h *SubmissionHandler) TriggerPending(c *gin.Context) {
	count, err := h.facade.Trigger(c.Request.Context(), middleware.GetDeviceID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to trigger submissions: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"triggered": count}))
}
