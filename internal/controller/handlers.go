package controller

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/echoscribe/echoscribe/internal/apierr"
	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/platform"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
	"github.com/echoscribe/echoscribe/internal/token"
)

// LaunchBotHandler handles POST /bots.
func LaunchBotHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		var req LaunchBotRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
		if !platform.Supported(req.Platform) {
			apierr.BadRequest(c, "Unsupported platform", map[string]interface{}{"platform": req.Platform})
			return
		}

		meeting, err := service.LaunchBot(c.Request.Context(), account, req)
		switch {
		case errors.Is(err, ErrDuplicateMeeting):
			apierr.Conflict(c, "A bot already exists for this meeting", map[string]interface{}{
				"meeting_id": meeting.ID,
				"status":     meeting.Status,
			})
			return
		case errors.Is(err, ErrConcurrencyLimit):
			apierr.Forbidden(c, "Concurrent bot limit reached", map[string]interface{}{
				"max_concurrent_bots": account.MaxConcurrentBots,
			})
			return
		case errors.Is(err, ErrSchedulerFailure):
			apierr.Unavailable(c, "Failed to schedule bot workload", nil)
			return
		case err != nil:
			apierr.BadRequest(c, err.Error(), nil)
			return
		}

		c.JSON(http.StatusCreated, NewMeetingResponse(meeting))
	}
}

// StopBotHandler handles DELETE /bots/{platform}/{native_meeting_id}.
func StopBotHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		plat := c.Param("platform")
		nativeID := c.Param("native_meeting_id")

		meeting, err := service.StopBot(c.Request.Context(), account, plat, nativeID)
		switch {
		case errors.Is(err, pg.ErrNotFound):
			apierr.NotFound(c, "No active bot for this meeting", nil)
			return
		case err != nil:
			var invalid *model.ErrInvalidTransition
			if errors.As(err, &invalid) {
				apierr.Conflict(c, "Meeting cannot be stopped in its current state", map[string]interface{}{
					"status": invalid.From,
				})
				return
			}
			apierr.Internal(c, "Failed to stop bot", nil)
			return
		}

		c.JSON(http.StatusAccepted, NewMeetingResponse(meeting))
	}
}

// UpdateBotConfigHandler handles PUT /bots/{platform}/{native_meeting_id}/config.
func UpdateBotConfigHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		var req BotConfigRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}
		if req.Language == nil && req.Task == nil {
			apierr.BadRequest(c, "Nothing to update", nil)
			return
		}

		meeting, err := service.UpdateBotConfig(c.Request.Context(), account,
			c.Param("platform"), c.Param("native_meeting_id"), req)
		switch {
		case errors.Is(err, pg.ErrNotFound):
			apierr.NotFound(c, "No active bot for this meeting", nil)
			return
		case errors.Is(err, ErrNotReconfigurable):
			apierr.Conflict(c, "Bot does not accept configuration changes in its current state", nil)
			return
		case err != nil:
			apierr.Internal(c, "Failed to update bot configuration", nil)
			return
		}

		c.JSON(http.StatusAccepted, NewMeetingResponse(meeting))
	}
}

// ListBotsHandler handles GET /bots/status.
func ListBotsHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		meetings, err := service.ListBots(c.Request.Context(), account)
		if err != nil {
			apierr.Internal(c, "Failed to list bots", nil)
			return
		}

		out := make([]MeetingResponse, 0, len(meetings))
		for _, m := range meetings {
			out = append(out, NewMeetingResponse(m))
		}
		c.JSON(http.StatusOK, gin.H{"bots": out})
	}
}

// StatusCallbackHandler handles POST /bots/internal/callback/status_change.
// Bots authenticate with the meeting token minted at launch.
func StatusCallbackHandler(service *Service, minter *token.Minter, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			apierr.Unauthorized(c, "Meeting token required", nil)
			return
		}

		claims, err := minter.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			apierr.Unauthorized(c, "Invalid meeting token", nil)
			return
		}

		var cb BotStatusCallback
		if err := c.ShouldBindJSON(&cb); err != nil {
			apierr.BadRequest(c, "Invalid callback body", map[string]interface{}{"error": err.Error()})
			return
		}

		// Callbacks are lenient: a 4xx would make the bot retry forever, so
		// rejected updates still return 200 with the action encoded.
		ctx := logger.WithMeetingID(c.Request.Context(), claims.MeetingID)
		meeting, err := service.ProcessStatusCallback(ctx, claims, cb)
		if err != nil {
			var invalid *model.ErrInvalidTransition
			switch {
			case errors.As(err, &invalid):
				c.JSON(http.StatusOK, gin.H{
					"status": "ignored",
					"reason": "invalid_transition",
					"from":   invalid.From,
					"to":     invalid.To,
				})
			case errors.Is(err, pg.ErrNotFound):
				c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "meeting_not_found"})
			default:
				c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": err.Error()})
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "applied", "meeting_status": meeting.Status})
	}
}

// RegisterRoutes wires the controller surface onto the router.
func RegisterRoutes(r *gin.Engine, service *Service, minter *token.Minter, authMW *auth.APIKeyMiddleware, log *logger.Logger) {
	bots := r.Group("/bots")
	bots.POST("/internal/callback/status_change", StatusCallbackHandler(service, minter, log))

	authed := bots.Group("")
	authed.Use(authMW.RequireAPIKey())
	authed.POST("", LaunchBotHandler(service))
	authed.GET("/status", ListBotsHandler(service))
	authed.DELETE("/:platform/:native_meeting_id", StopBotHandler(service))
	authed.PUT("/:platform/:native_meeting_id/config", UpdateBotConfigHandler(service))
}
