package voting

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/middleware"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/pkg/response"
)

// BatchRequest is the body for POST /parties/:code/votes/batch.
type BatchRequest struct {
	Batch   int      `json:"batch"`
	Ballots []Ballot `json:"ballots" binding:"required"`
}

// FinalRequest is the body for POST /parties/:code/votes/final.
type FinalRequest struct {
	MovieID     string `json:"movie_id" binding:"required"`
	TimeTakenMs int64  `json:"time_taken_ms" binding:"required"`
}

// Handler handles voting HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a voting handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// SubmitBatch handles POST /parties/:code/votes/batch.
func (h *Handler) SubmitBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code, userID, ok := callerFor(c)
	if !ok {
		return
	}
	snap, err := h.service.SubmitBatch(c.Request.Context(), code, userID, req.Batch, req.Ballots)
	if err != nil {
		sessions.RespondError(c, h.logger, err)
		return
	}
	response.OK(c, snap)
}

// SubmitFinal handles POST /parties/:code/votes/final.
func (h *Handler) SubmitFinal(c *gin.Context) {
	var req FinalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code, userID, ok := callerFor(c)
	if !ok {
		return
	}
	snap, err := h.service.SubmitFinal(c.Request.Context(), code, userID, req.MovieID, req.TimeTakenMs)
	if err != nil {
		sessions.RespondError(c, h.logger, err)
		return
	}
	response.OK(c, snap)
}

func callerFor(c *gin.Context) (string, uuid.UUID, bool) {
	code := c.Param("code")
	if c.MustGet(middleware.ContextSessionCode).(string) != code {
		response.Forbidden(c, "token is not valid for this session")
		return "", uuid.Nil, false
	}
	return code, c.MustGet(middleware.ContextUserID).(uuid.UUID), true
}
