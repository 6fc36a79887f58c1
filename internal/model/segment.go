package model

// Wire payloads shared between the recognition worker and the collector.
// All of these travel as JSON inside the `payload` field of a stream entry.

// TranscriptionMessage is one entry on the transcription_segments stream.
// Type is one of "session_start", "transcription", "session_end".
type TranscriptionMessage struct {
	Type           string        `json:"type"`
	UID            string        `json:"uid"`
	Token          string        `json:"token,omitempty"`
	Platform       string        `json:"platform,omitempty"`
	MeetingID      int64         `json:"meeting_id,omitempty"`
	StartTimestamp string        `json:"start_timestamp,omitempty"` // ISO, session_start only
	Segments       []WireSegment `json:"segments,omitempty"`
}

// WireSegment is a single transcribed span as emitted by the recognizer.
type WireSegment struct {
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	Completed bool    `json:"completed"`
}

// Speaker event types emitted by the meeting-UI integration.
const (
	SpeakerStart = "SPEAKER_START"
	SpeakerEnd   = "SPEAKER_END"
)

// SpeakerEvent is one entry on the speaker_events_relative stream and a
// member of the speaker_events:{uid} sorted set.
type SpeakerEvent struct {
	UID                       string `json:"uid"`
	EventType                 string `json:"event_type"`
	ParticipantName           string `json:"participant_name"`
	ParticipantID             string `json:"participant_id,omitempty"`
	RelativeClientTimestampMS int64  `json:"relative_client_timestamp_ms"`
}

// Speaker mapping statuses stored on mutable segments.
const (
	MappingUnknown            = "UNKNOWN"
	MappingMapped             = "MAPPED"
	MappingNoSpeakerEvents    = "NO_SPEAKER_EVENTS"
	MappingMultipleConcurrent = "MULTIPLE_CONCURRENT_SPEAKERS"
	MappingError              = "ERROR_IN_MAPPING"
)

// MutableSegment is the value stored in the meeting:{id}:segments hash,
// keyed by the 3-decimal start-time string.
type MutableSegment struct {
	Text                string  `json:"text"`
	EndTime             float64 `json:"end_time"`
	Language            string  `json:"language,omitempty"`
	UpdatedAt           string  `json:"updated_at"` // ISO
	SessionUID          string  `json:"session_uid"`
	Speaker             *string `json:"speaker"`
	SpeakerID           string  `json:"speaker_participant_id,omitempty"`
	SpeakerMappingState string  `json:"speaker_mapping_status"`
	AbsoluteStartTime   string  `json:"absolute_start_time,omitempty"`
	AbsoluteEndTime     string  `json:"absolute_end_time,omitempty"`
}
