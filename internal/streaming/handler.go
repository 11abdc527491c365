package streaming

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fitcast/backend/internal/middleware"
	"github.com/fitcast/backend/internal/models"
	"github.com/fitcast/backend/pkg/response"
)

// CallbackRequest is the body for POST /platform/callback.
type CallbackRequest struct {
	Code  string `json:"code" binding:"required"`
	State string `json:"state" binding:"required"`
}

// DisconnectRequest is the body for POST /platform/disconnect.
type DisconnectRequest struct {
	AccessToken string `json:"accessToken"`
}

// RespondRequest is the body for POST /challenges/:id/respond.
type RespondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// ProgressRequest is the body for POST /challenges/:id/progress.
type ProgressRequest struct {
	Reps int `json:"reps" binding:"required,gt=0"`
}

// Handler binds Service to HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a streaming handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the routes. protected must run the JWT middleware.
func (h *Handler) Register(public, protected gin.IRoutes) {
	public.GET("/overlay/:endpoint", h.Overlay)

	protected.POST("/broadcast/enable", h.Enable)
	protected.POST("/broadcast/disable", h.Disable)
	protected.GET("/broadcast/settings", h.GetSettings)
	protected.PATCH("/broadcast/settings", h.UpdateSettings)
	protected.GET("/broadcast/status", h.Status)
	protected.POST("/broadcast/regenerate", h.Regenerate)

	protected.GET("/platform/authorize", h.Authorize)
	protected.POST("/platform/callback", h.Callback)
	protected.GET("/platform/account", h.Account)
	protected.POST("/platform/disconnect", h.Disconnect)

	protected.POST("/chatbot/start", h.StartChatBot)
	protected.POST("/chatbot/stop", h.StopChatBot)
	protected.GET("/chatbot/status", h.ChatBotStatus)
	protected.GET("/chatbot/commands", h.ListCommands)
	protected.PATCH("/chatbot/commands/:name", h.UpdateCommand)

	protected.GET("/challenges", h.ListChallenges)
	protected.POST("/challenges/:id/respond", h.RespondChallenge)
	protected.POST("/challenges/:id/progress", h.ChallengeProgress)
}

// Enable handles POST /broadcast/enable.
func (h *Handler) Enable(c *gin.Context) {
	res, err := h.svc.EnableBroadcast(middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Disable handles POST /broadcast/disable.
func (h *Handler) Disable(c *gin.Context) {
	if err := h.svc.DisableBroadcast(middleware.UserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"ok": true})
}

// GetSettings handles GET /broadcast/settings.
func (h *Handler) GetSettings(c *gin.Context) {
	response.OK(c, h.svc.GetSettings(middleware.UserID(c)))
}

// UpdateSettings handles PATCH /broadcast/settings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch models.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	settings, err := h.svc.UpdateSettings(middleware.UserID(c), patch)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, settings)
}

// Status handles GET /broadcast/status.
func (h *Handler) Status(c *gin.Context) {
	response.OK(c, h.svc.GetStatus(middleware.UserID(c)))
}

// Regenerate handles POST /broadcast/regenerate.
func (h *Handler) Regenerate(c *gin.Context) {
	res, err := h.svc.RegenerateEndpoint(middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Overlay handles GET /overlay/:endpoint (public).
func (h *Handler) Overlay(c *gin.Context) {
	view, err := h.svc.Overlay(c.Param("endpoint"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, view)
}

// Authorize handles GET /platform/authorize.
func (h *Handler) Authorize(c *gin.Context) {
	res, err := h.svc.GetAuthorizationURL(middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Callback handles POST /platform/callback.
func (h *Handler) Callback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.ExchangeCallback(c.Request.Context(), req.Code, req.State, middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Account handles GET /platform/account.
func (h *Handler) Account(c *gin.Context) {
	acc, err := h.svc.Account(middleware.UserID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, acc)
}

// Disconnect handles POST /platform/disconnect.
func (h *Handler) Disconnect(c *gin.Context) {
	var req DisconnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	if err := h.svc.Disconnect(c.Request.Context(), middleware.UserID(c), req.AccessToken); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"ok": true})
}

// StartChatBot handles POST /chatbot/start.
func (h *Handler) StartChatBot(c *gin.Context) {
	var req StartChatBotRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	st, err := h.svc.StartChatBot(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, st)
}

// StopChatBot handles POST /chatbot/stop.
func (h *Handler) StopChatBot(c *gin.Context) {
	if err := h.svc.StopChatBot(middleware.UserID(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"ok": true})
}

// ChatBotStatus handles GET /chatbot/status.
func (h *Handler) ChatBotStatus(c *gin.Context) {
	response.OK(c, h.svc.GetChatBotStatus(c.Request.Context(), middleware.UserID(c)))
}

// ListCommands handles GET /chatbot/commands.
func (h *Handler) ListCommands(c *gin.Context) {
	response.OK(c, h.svc.ListCommands(middleware.UserID(c)))
}

// UpdateCommand handles PATCH /chatbot/commands/:name.
func (h *Handler) UpdateCommand(c *gin.Context) {
	var patch models.ChatCommandPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	cmd, err := h.svc.UpdateCommand(middleware.UserID(c), c.Param("name"), patch)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, cmd)
}

// ListChallenges handles GET /challenges.
func (h *Handler) ListChallenges(c *gin.Context) {
	list := h.svc.ListChallenges(middleware.UserID(c))
	if list == nil {
		list = []models.Challenge{}
	}
	response.OK(c, list)
}

// RespondChallenge handles POST /challenges/:id/respond.
func (h *Handler) RespondChallenge(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid challenge id")
		return
	}
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ch, err := h.svc.RespondChallenge(middleware.UserID(c), id, *req.Accept)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ch)
}

// ChallengeProgress handles POST /challenges/:id/progress.
func (h *Handler) ChallengeProgress(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid challenge id")
		return
	}
	var req ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ch, err := h.svc.ChallengeProgress(middleware.UserID(c), id, req.Reps)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, ch)
}
