package quiz

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/middleware"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/pkg/response"
)

// SubmitRequest is the body for POST /parties/:code/quiz.
type SubmitRequest struct {
	Answers     []int `json:"answers" binding:"required"`
	TotalTimeMs int64 `json:"total_time_ms" binding:"required"`
}

// Handler handles quiz HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a quiz handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Submit handles POST /parties/:code/quiz.
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code := c.Param("code")
	if c.MustGet(middleware.ContextSessionCode).(string) != code {
		response.Forbidden(c, "token is not valid for this session")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	snap, err := h.service.Submit(c.Request.Context(), code, userID, req.Answers, req.TotalTimeMs)
	if err != nil {
		sessions.RespondError(c, h.logger, err)
		return
	}
	response.OK(c, snap)
}
