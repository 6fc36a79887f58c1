package collector

import (
	"testing"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/model"
)

func init() {
	config.AppConfig = &config.Config{
		SpeakerEventWindowMS:   500,
		RedisSpeakerEventTTL:   2 * time.Hour,
		RedisSegmentTTL:        2 * time.Hour,
		ImmutabilityThreshold:  5 * time.Second,
		BackgroundTaskInterval: 2 * time.Second,
	}
}

func ev(ts int64, eventType, name string) model.SpeakerEvent {
	return model.SpeakerEvent{
		UID:                       "sess-1",
		EventType:                 eventType,
		ParticipantName:           name,
		RelativeClientTimestampMS: ts,
	}
}

func TestMapSpeakerNoEvents(t *testing.T) {
	speaker, _, status := MapSpeaker(nil, 0, 1000)
	if speaker != nil {
		t.Errorf("expected nil speaker, got %q", *speaker)
	}
	if status != model.MappingNoSpeakerEvents {
		t.Errorf("expected NO_SPEAKER_EVENTS, got %s", status)
	}
}

func TestMapSpeakerSingleActive(t *testing.T) {
	events := []model.SpeakerEvent{
		ev(100, model.SpeakerStart, "Alice"),
		ev(900, model.SpeakerEnd, "Alice"),
	}
	speaker, _, status := MapSpeaker(events, 200, 800)
	if status != model.MappingMapped {
		t.Fatalf("expected MAPPED, got %s", status)
	}
	if speaker == nil || *speaker != "Alice" {
		t.Errorf("expected Alice, got %v", speaker)
	}
}

func TestMapSpeakerEventsOutsideSegment(t *testing.T) {
	events := []model.SpeakerEvent{
		ev(5000, model.SpeakerStart, "Alice"),
		ev(6000, model.SpeakerEnd, "Alice"),
	}
	speaker, _, status := MapSpeaker(events, 200, 800)
	if status != model.MappingNoSpeakerEvents {
		t.Errorf("expected NO_SPEAKER_EVENTS for non-overlapping events, got %s", status)
	}
	if speaker != nil {
		t.Errorf("expected nil speaker, got %q", *speaker)
	}
}

func TestMapSpeakerConcurrentPicksLargestOverlap(t *testing.T) {
	// Alice speaks 100-800, Bob 500-1500. Segment 600-900 overlaps Alice by
	// 200ms and Bob by 300ms: Bob wins with concurrent status.
	events := []model.SpeakerEvent{
		ev(100, model.SpeakerStart, "Alice"),
		ev(500, model.SpeakerStart, "Bob"),
		ev(800, model.SpeakerEnd, "Alice"),
		ev(1500, model.SpeakerEnd, "Bob"),
	}
	speaker, _, status := MapSpeaker(events, 600, 900)
	if status != model.MappingMultipleConcurrent {
		t.Fatalf("expected MULTIPLE_CONCURRENT_SPEAKERS, got %s", status)
	}
	if speaker == nil || *speaker != "Bob" {
		t.Errorf("expected Bob, got %v", speaker)
	}
}

func TestMapSpeakerOverlapTieBreaksOnLatestStart(t *testing.T) {
	// Both overlap the segment by 400ms; Bob started later.
	events := []model.SpeakerEvent{
		ev(0, model.SpeakerStart, "Alice"),
		ev(400, model.SpeakerEnd, "Alice"),
		ev(400, model.SpeakerStart, "Bob"),
		ev(800, model.SpeakerEnd, "Bob"),
	}
	speaker, _, status := MapSpeaker(events, 0, 800)
	if status != model.MappingMultipleConcurrent {
		t.Fatalf("expected MULTIPLE_CONCURRENT_SPEAKERS, got %s", status)
	}
	if speaker == nil || *speaker != "Bob" {
		t.Errorf("expected Bob on tie, got %v", speaker)
	}
}

func TestMapSpeakerUnterminatedStartRunsToHorizon(t *testing.T) {
	events := []model.SpeakerEvent{
		ev(100, model.SpeakerStart, "Alice"),
	}
	speaker, _, status := MapSpeaker(events, 200, 2000)
	if status != model.MappingMapped {
		t.Fatalf("expected MAPPED for open interval, got %s", status)
	}
	if speaker == nil || *speaker != "Alice" {
		t.Errorf("expected Alice, got %v", speaker)
	}
}

func TestMapSpeakerCarriesParticipantID(t *testing.T) {
	events := []model.SpeakerEvent{
		{UID: "sess-1", EventType: model.SpeakerStart, ParticipantName: "Alice", ParticipantID: "p7", RelativeClientTimestampMS: 100},
		{UID: "sess-1", EventType: model.SpeakerEnd, ParticipantName: "Alice", ParticipantID: "p7", RelativeClientTimestampMS: 900},
	}
	speaker, id, status := MapSpeaker(events, 200, 800)
	if status != model.MappingMapped {
		t.Fatalf("expected MAPPED, got %s", status)
	}
	if speaker == nil || *speaker != "Alice" {
		t.Errorf("expected Alice, got %v", speaker)
	}
	if id != "p7" {
		t.Errorf("expected participant id p7, got %q", id)
	}
}

func TestMapSpeakerPairsByParticipantID(t *testing.T) {
	// Same display name, different participant ids: the ids keep the
	// intervals apart, so the segment sees two concurrent participants and
	// the larger overlap wins.
	events := []model.SpeakerEvent{
		{UID: "sess-1", EventType: model.SpeakerStart, ParticipantName: "Guest", ParticipantID: "p1", RelativeClientTimestampMS: 0},
		{UID: "sess-1", EventType: model.SpeakerStart, ParticipantName: "Guest", ParticipantID: "p2", RelativeClientTimestampMS: 100},
		{UID: "sess-1", EventType: model.SpeakerEnd, ParticipantName: "Guest", ParticipantID: "p1", RelativeClientTimestampMS: 200},
		{UID: "sess-1", EventType: model.SpeakerEnd, ParticipantName: "Guest", ParticipantID: "p2", RelativeClientTimestampMS: 900},
	}
	speaker, id, status := MapSpeaker(events, 0, 1000)
	if status != model.MappingMultipleConcurrent {
		t.Fatalf("expected MULTIPLE_CONCURRENT_SPEAKERS, got %s", status)
	}
	if speaker == nil || *speaker != "Guest" {
		t.Errorf("expected Guest, got %v", speaker)
	}
	if id != "p2" {
		t.Errorf("expected the larger-overlap participant p2, got %q", id)
	}
}
