package collector

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/echoscribe/echoscribe/internal/apierr"
	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
)

// ListMeetingsHandler handles GET /meetings.
func ListMeetingsHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		meetings, err := service.ListMeetings(c.Request.Context(), account)
		if err != nil {
			apierr.Internal(c, "Failed to list meetings", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"meetings": meetings})
	}
}

// GetTranscriptHandler handles GET /transcripts/{platform}/{native_meeting_id}.
func GetTranscriptHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		var meetingID *int64
		if raw := c.Query("meeting_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				apierr.BadRequest(c, "Invalid meeting_id", nil)
				return
			}
			meetingID = &id
		}

		transcript, err := service.GetTranscript(c.Request.Context(), account,
			c.Param("platform"), c.Param("native_meeting_id"), meetingID)
		if errors.Is(err, pg.ErrNotFound) {
			apierr.NotFound(c, "Meeting not found", nil)
			return
		}
		if err != nil {
			apierr.Internal(c, "Failed to build transcript", nil)
			return
		}
		c.JSON(http.StatusOK, transcript)
	}
}

// PatchMeetingHandler handles PATCH /meetings/{platform}/{native_meeting_id}.
func PatchMeetingHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		var patch MeetingPatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			apierr.BadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}

		meeting, err := service.PatchMeeting(c.Request.Context(), account,
			c.Param("platform"), c.Param("native_meeting_id"), patch)
		if errors.Is(err, pg.ErrNotFound) {
			apierr.NotFound(c, "Meeting not found", nil)
			return
		}
		if err != nil {
			apierr.Internal(c, "Failed to update meeting", nil)
			return
		}
		c.JSON(http.StatusOK, newMeetingSummary(meeting))
	}
}

// PurgeMeetingHandler handles DELETE /meetings/{platform}/{native_meeting_id}.
func PurgeMeetingHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		err := service.Purge(c.Request.Context(), account,
			c.Param("platform"), c.Param("native_meeting_id"))
		switch {
		case errors.Is(err, pg.ErrNotFound):
			apierr.NotFound(c, "Meeting not found", nil)
			return
		case errors.Is(err, ErrNotFinalized):
			apierr.Conflict(c, "Meeting is not finalized", nil)
			return
		case err != nil:
			apierr.Internal(c, "Failed to purge meeting", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "purged"})
	}
}

// AuthorizeSubscribeHandler handles POST /ws/authorize-subscribe for the
// gateway.
func AuthorizeSubscribeHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			apierr.Unauthorized(c, "Account not resolved", nil)
			return
		}

		var req struct {
			Meetings []SubscribeTarget `json:"meetings" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
			return
		}

		results := service.AuthorizeSubscriptions(c.Request.Context(), account, req.Meetings)

		authorized := make([]SubscribeResult, 0, len(results))
		failures := make([]SubscribeResult, 0)
		for _, r := range results {
			if r.Authorized {
				authorized = append(authorized, r)
			} else {
				failures = append(failures, r)
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"authorized": authorized,
			"errors":     failures,
			"account_id": account.ID,
		})
	}
}

// InternalTranscriptHandler handles GET /internal/transcripts/{meeting_id}.
func InternalTranscriptHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		meetingID, err := strconv.ParseInt(c.Param("meeting_id"), 10, 64)
		if err != nil {
			apierr.BadRequest(c, "Invalid meeting id", nil)
			return
		}

		transcript, err := service.InternalTranscript(c.Request.Context(), meetingID)
		if errors.Is(err, pg.ErrNotFound) {
			apierr.NotFound(c, "Meeting not found", nil)
			return
		}
		if err != nil {
			apierr.Internal(c, "Failed to build transcript", nil)
			return
		}
		c.JSON(http.StatusOK, transcript)
	}
}

// RegisterRoutes wires the collector surface onto the router.
func RegisterRoutes(r *gin.Engine, service *Service, authMW *auth.APIKeyMiddleware) {
	healthz := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET("/healthz", healthz)
	r.GET("/health", healthz)
	r.GET("/internal/transcripts/:meeting_id", InternalTranscriptHandler(service))

	authed := r.Group("")
	authed.Use(authMW.RequireAPIKey())
	authed.GET("/meetings", ListMeetingsHandler(service))
	authed.GET("/transcripts/:platform/:native_meeting_id", GetTranscriptHandler(service))
	authed.PATCH("/meetings/:platform/:native_meeting_id", PatchMeetingHandler(service))
	authed.DELETE("/meetings/:platform/:native_meeting_id", PurgeMeetingHandler(service))
	authed.POST("/ws/authorize-subscribe", AuthorizeSubscribeHandler(service))
}
