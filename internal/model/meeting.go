package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// MeetingStatus is the lifecycle state of a bot execution attempt.
type MeetingStatus string

const (
	StatusRequested         MeetingStatus = "requested"
	StatusJoining           MeetingStatus = "joining"
	StatusAwaitingAdmission MeetingStatus = "awaiting_admission"
	StatusActive            MeetingStatus = "active"
	StatusStopping          MeetingStatus = "stopping"
	StatusCompleted         MeetingStatus = "completed"
	StatusFailed            MeetingStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s MeetingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TransitionSource labels why a status transition happened.
type TransitionSource string

const (
	SourceUser            TransitionSource = "user"
	SourceBotCallback     TransitionSource = "bot_callback"
	SourceValidationError TransitionSource = "validation_error"
	SourceReconciliation  TransitionSource = "reconciliation"
)

// CompletionReason records how a meeting ended normally.
type CompletionReason string

const (
	ReasonNormal  CompletionReason = "normal"
	ReasonStopped CompletionReason = "stopped"
)

// FailureStage records which phase a meeting failed in.
type FailureStage string

const (
	StageRequested   FailureStage = "requested"
	StageJoining     FailureStage = "joining"
	StageWaitingRoom FailureStage = "waiting_room"
	StageActive      FailureStage = "active"
)

// StatusTransition is one entry of the append-only transition log kept in
// the meeting's data bag.
type StatusTransition struct {
	From      MeetingStatus    `json:"from"`
	To        MeetingStatus    `json:"to"`
	Timestamp time.Time        `json:"timestamp"`
	Source    TransitionSource `json:"source"`
	Reason    string           `json:"reason,omitempty"`
}

// MeetingData is the semi-structured bag persisted as JSONB alongside the
// meeting row.
type MeetingData struct {
	CompletionReason  CompletionReason   `json:"completion_reason,omitempty"`
	FailureStage      FailureStage       `json:"failure_stage,omitempty"`
	LastError         string             `json:"last_error,omitempty"`
	Passcode          string             `json:"passcode,omitempty"`
	BotName           string             `json:"bot_name,omitempty"`
	Language          string             `json:"language,omitempty"`
	Task              string             `json:"task,omitempty"`
	StopRequested     bool               `json:"stop_requested,omitempty"`
	Redacted          bool               `json:"redacted,omitempty"`
	NativeIDDigest    string             `json:"native_id_digest,omitempty"`
	Name              string             `json:"name,omitempty"`
	Participants      []string           `json:"participants,omitempty"`
	Languages         []string           `json:"languages,omitempty"`
	Notes             string             `json:"notes,omitempty"`
	WorkloadSnapshot  string             `json:"workload_snapshot,omitempty"`
	StatusTransitions []StatusTransition `json:"status_transition,omitempty"`
}

// Value serializes the data bag for storage.
func (d *MeetingData) Value() ([]byte, error) {
	return json.Marshal(d)
}

// NativeIDDigest is the one-way fingerprint of a (platform, native id) tuple.
// Purged meetings keep this digest in their data bag so the tuple stays
// addressable after the raw id is scrubbed.
func NativeIDDigest(platform, nativeID string) string {
	sum := sha256.Sum256([]byte(platform + "|" + nativeID))
	return hex.EncodeToString(sum[:])
}

// Meeting is one bot execution attempt against a platform meeting.
type Meeting struct {
	ID              int64
	AccountID       int64
	Platform        string
	NativeMeetingID string
	Status          MeetingStatus
	WorkloadHandle  string
	StartTime       *time.Time
	EndTime         *time.Time
	Data            MeetingData
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// MeetingSession is one recognition connection within a meeting.
type MeetingSession struct {
	ID               int64
	MeetingID        int64
	SessionUID       string
	SessionStartTime time.Time
}

// Account is an external tenant.
type Account struct {
	ID                int64
	APIKey            string
	APISecret         string
	WebhookURL        string
	WebhookSecret     string
	MaxConcurrentBots int
	Enabled           bool
	CreatedAt         time.Time
}

// TranscriptSegment is an immutable finalized segment in the durable store.
type TranscriptSegment struct {
	ID         int64
	MeetingID  int64
	SessionUID string
	StartTime  float64 // seconds relative to session start
	EndTime    float64 // seconds relative to session start
	Text       string
	Language   string
	Speaker    *string
	CreatedAt  time.Time
}
