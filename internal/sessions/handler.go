package sessions

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/auth"
	"github.com/cinematch/backend/internal/middleware"
	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/pkg/response"
)

// CreateRequest is the body for POST /parties.
type CreateRequest struct {
	ViewingMode       string   `json:"viewing_mode" binding:"required"`
	SelectedPlatforms []string `json:"selected_platforms"`
}

// ProfileRequest is the body for PUT /parties/:code/profile.
type ProfileRequest struct {
	Platform string `json:"platform"`
	Username string `json:"username" binding:"required"`
	PicURL   string `json:"pic_url"`
}

// PreferencesRequest is the body for PUT /parties/:code/preferences.
type PreferencesRequest struct {
	Preferences json.RawMessage `json:"preferences" binding:"required"`
}

// AuthorizedSnapshot is the response for create/join: a snapshot plus the
// caller's scoped token and identity.
type AuthorizedSnapshot struct {
	Session  *models.Session  `json:"session"`
	Profiles []models.Profile `json:"profiles,omitempty"`
	UserID   uuid.UUID        `json:"user_id"`
	Token    string           `json:"token"`
}

// Kicker schedules a background pipeline advance after a write that may
// newly satisfy a stage precondition.
type Kicker interface {
	Kick(ctx context.Context, code string)
}

// Handler handles watch party HTTP endpoints.
type Handler struct {
	service  *Service
	jwt      *auth.JWTService
	pipeline Kicker
	logger   *zap.Logger
}

// NewHandler creates a session handler.
func NewHandler(service *Service, jwt *auth.JWTService, pipeline Kicker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, jwt: jwt, pipeline: pipeline, logger: logger}
}

// RespondError maps domain errors onto the API envelope. Shared by the quiz
// and voting handlers so every endpoint speaks the same error taxonomy.
func RespondError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrNotAuthorized):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnsupportedAction):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrSessionFull), errors.Is(err, ErrConflict):
		response.Conflict(c, err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		}
		response.Internal(c, "internal error")
	}
}

// Create handles POST /parties. Unauthenticated: it mints the admin identity
// and the session-scoped token.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	adminID := uuid.New()
	sess, err := h.service.Create(c.Request.Context(), adminID, models.ViewingMode(req.ViewingMode), req.SelectedPlatforms)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	token, err := h.jwt.Generate(adminID, sess.Code, true)
	if err != nil {
		response.Internal(c, "failed to issue token")
		return
	}
	response.Created(c, AuthorizedSnapshot{Session: sess, UserID: adminID, Token: token})
}

// Join handles POST /parties/:code/join. Unauthenticated: joining is how a
// guest obtains an identity.
func (h *Handler) Join(c *gin.Context) {
	code := c.Param("code")
	snap, userID, err := h.service.Join(c.Request.Context(), code)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	token, err := h.jwt.Generate(userID, code, false)
	if err != nil {
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, AuthorizedSnapshot{Session: snap.Session, Profiles: snap.Profiles, UserID: userID, Token: token})
}

// Get handles GET /parties/:code. The on-demand snapshot is the fallback for
// clients that missed a push event.
func (h *Handler) Get(c *gin.Context) {
	code, _, ok := scopedIdentity(c)
	if !ok {
		return
	}
	snap, err := h.service.Get(c.Request.Context(), code)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	response.OK(c, snap)
}

// SubmitProfile handles PUT /parties/:code/profile.
func (h *Handler) SubmitProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code, userID, ok := scopedIdentity(c)
	if !ok {
		return
	}
	snap, err := h.service.SubmitProfile(c.Request.Context(), code, userID, req.Platform, req.Username, req.PicURL)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	// A saved social handle unblocks that participant's social analysis.
	h.pipeline.Kick(c.Request.Context(), code)
	response.OK(c, snap)
}

// SetPreferences handles PUT /parties/:code/preferences (admin only).
func (h *Handler) SetPreferences(c *gin.Context) {
	var req PreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	code, userID, ok := scopedIdentity(c)
	if !ok {
		return
	}
	snap, err := h.service.SetPreferences(c.Request.Context(), code, userID, req.Preferences)
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	// Preferences are one of the candidate-search preconditions.
	h.pipeline.Kick(c.Request.Context(), code)
	response.OK(c, snap)
}

// Action handles POST /parties/:code/actions/:action (admin only).
func (h *Handler) Action(c *gin.Context) {
	code, userID, ok := scopedIdentity(c)
	if !ok {
		return
	}
	snap, err := h.service.AdminAction(c.Request.Context(), code, userID, c.Param("action"))
	if err != nil {
		RespondError(c, h.logger, err)
		return
	}
	response.OK(c, snap)
}

// scopedIdentity reads the caller's identity from the token claims and checks
// that the token is scoped to the session named in the path. A token from one
// party never works on another.
func scopedIdentity(c *gin.Context) (code string, userID uuid.UUID, ok bool) {
	code = c.Param("code")
	tokenCode := c.MustGet(middleware.ContextSessionCode).(string)
	if tokenCode != code {
		response.Forbidden(c, "token is not valid for this session")
		return "", uuid.Nil, false
	}
	return code, c.MustGet(middleware.ContextUserID).(uuid.UUID), true
}
