package controller

import (
	"time"

	"github.com/echoscribe/echoscribe/internal/model"
)

// LaunchBotRequest is the POST /bots body.
type LaunchBotRequest struct {
	Platform        string `json:"platform" binding:"required"`
	NativeMeetingID string `json:"native_meeting_id"`
	MeetingURL      string `json:"meeting_url"`
	Passcode        string `json:"passcode"`
	BotName         string `json:"bot_name"`
	Language        string `json:"language"`
	Task            string `json:"task"`
}

// BotConfigRequest is the PUT /bots/{platform}/{native_meeting_id}/config body.
type BotConfigRequest struct {
	Language *string `json:"language"`
	Task     *string `json:"task"`
}

// BotStatusCallback is the BotStatusChangePayload a bot posts to the
// internal status endpoint.
type BotStatusCallback struct {
	ConnectionID          string `json:"connection_id"`
	ContainerID           string `json:"container_id,omitempty"`
	Status                string `json:"status" binding:"required"`
	Reason                string `json:"reason,omitempty"`
	ExitCode              *int   `json:"exit_code,omitempty"`
	ErrorDetails          string `json:"error_details,omitempty"`
	PlatformSpecificError string `json:"platform_specific_error,omitempty"`
	CompletionReason      string `json:"completion_reason,omitempty"`
	FailureStage          string `json:"failure_stage,omitempty"`
	Timestamp             string `json:"timestamp,omitempty"`
}

// MeetingResponse is the API shape of one meeting attempt.
type MeetingResponse struct {
	ID              int64               `json:"id"`
	Platform        string              `json:"platform"`
	NativeMeetingID string              `json:"native_meeting_id"`
	Status          model.MeetingStatus `json:"status"`
	BotName         string              `json:"bot_name,omitempty"`
	Language        string              `json:"language,omitempty"`
	Task            string              `json:"task,omitempty"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	EndTime         *time.Time          `json:"end_time,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// NewMeetingResponse converts a stored meeting into its API shape.
func NewMeetingResponse(m *model.Meeting) MeetingResponse {
	return MeetingResponse{
		ID:              m.ID,
		Platform:        m.Platform,
		NativeMeetingID: m.NativeMeetingID,
		Status:          m.Status,
		BotName:         m.Data.BotName,
		Language:        m.Data.Language,
		Task:            m.Data.Task,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// StatusEvent is published on the per-meeting status channel after every
// committed transition, already in the frame shape the gateway forwards
// verbatim to clients.
type StatusEvent struct {
	Type    string `json:"type"`
	Meeting struct {
		ID       int64  `json:"id"`
		Platform string `json:"platform"`
		NativeID string `json:"native_id"`
	} `json:"meeting"`
	Payload struct {
		Status model.MeetingStatus `json:"status"`
		Reason string              `json:"reason,omitempty"`
	} `json:"payload"`
	TS string `json:"ts"`
}

// BotCommand is published on the per-meeting command channel.
type BotCommand struct {
	Action    string `json:"action"`
	MeetingID int64  `json:"meeting_id,omitempty"`
	Language  string `json:"language,omitempty"`
	Task      string `json:"task,omitempty"`
}
