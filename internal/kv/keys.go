package kv

import "strconv"

// Normative keyspace. These names are part of the wire contract between the
// controller, the collector, the recognition workers and the gateway; do not
// change them without coordinating all four.
const (
	// ActiveMeetingsKey is the set of meeting ids with live mutable segments.
	ActiveMeetingsKey = "active_meetings"

	// TranscriptionStream carries transcription messages from workers.
	TranscriptionStream = "transcription_segments"
	// TranscriptionGroup is the collector's consumer group on TranscriptionStream.
	TranscriptionGroup = "transcription_collector_group"

	// SpeakerEventsStream carries speaker events from workers.
	SpeakerEventsStream = "speaker_events_relative"
	// SpeakerEventsGroup is the collector's consumer group on SpeakerEventsStream.
	SpeakerEventsGroup = "speaker_events_collector_group"
)

// SegmentsHashKey is the hash of mutable segments for one meeting, keyed by
// 3-decimal start-time strings.
func SegmentsHashKey(meetingID int64) string {
	return "meeting:" + strconv.FormatInt(meetingID, 10) + ":segments"
}

// SpeakerEventsKey is the sorted set of speaker events for one session,
// scored by relative client timestamp in milliseconds.
func SpeakerEventsKey(sessionUID string) string {
	return "speaker_events:" + sessionUID
}

// SessionStartKey caches the session start timestamp for one session.
func SessionStartKey(sessionUID string) string {
	return "meeting_session:" + sessionUID + ":start"
}

// MutableChannel is the pub/sub channel for change-only segment updates.
func MutableChannel(meetingID int64) string {
	return "tc:meeting:" + strconv.FormatInt(meetingID, 10) + ":mutable"
}

// StatusChannel is the pub/sub channel for meeting status changes.
func StatusChannel(meetingID int64) string {
	return "bm:meeting:" + strconv.FormatInt(meetingID, 10) + ":status"
}

// CommandChannel is the pub/sub channel the controller uses to steer a bot.
func CommandChannel(meetingID int64) string {
	return "bot_commands:meeting:" + strconv.FormatInt(meetingID, 10)
}
