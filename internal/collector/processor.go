// Package collector consumes the transcription and speaker-event streams,
// maintains live mutable transcript state in Redis, flushes immutable
// segments to Postgres and serves the transcript read API.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/token"
)

// Store is the slice of the query layer the collector uses.
type Store interface {
	GetMeetingByID(ctx context.Context, id int64) (*model.Meeting, error)
	GetMeetingForAccount(ctx context.Context, accountID, id int64) (*model.Meeting, error)
	FindLatestMeeting(ctx context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error)
	ListMeetings(ctx context.Context, accountID int64) ([]*model.Meeting, error)
	UpsertSession(ctx context.Context, meetingID int64, sessionUID string, start time.Time) error
	GetSessionStart(ctx context.Context, sessionUID string) (time.Time, error)
	ListSessions(ctx context.Context, meetingID int64) ([]model.MeetingSession, error)
	InsertSegments(ctx context.Context, segments []model.TranscriptSegment) error
	ListSegments(ctx context.Context, meetingID int64) ([]model.TranscriptSegment, error)
	DeleteSegments(ctx context.Context, meetingID int64) (int64, error)
	MutateMeeting(ctx context.Context, meetingID int64, fn func(*model.Meeting) error) (*model.Meeting, error)
}

// Processor applies stream messages to the live KV state.
type Processor struct {
	store    Store
	kvc      *kv.Client
	events   *EventStore
	verifier *token.Minter
	logger   *logger.Logger
}

func NewProcessor(store Store, kvc *kv.Client, verifier *token.Minter, log *logger.Logger) *Processor {
	return &Processor{
		store:    store,
		kvc:      kvc,
		events:   NewEventStore(kvc),
		verifier: verifier,
		logger:   log.WithComponent("collector-processor"),
	}
}

// HandleTranscription is the handler for the transcription_segments stream.
// Returning nil acks the entry; poison messages (bad JSON, bad token) are
// acked too so they don't wedge the group.
func (p *Processor) HandleTranscription(ctx context.Context, entryID string, payload []byte) error {
	var msg model.TranscriptionMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Warn("dropping unparsable transcription entry",
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()))
		return nil
	}

	switch msg.Type {
	case "session_start":
		return p.processSessionStart(ctx, msg)
	case "transcription":
		return p.processTranscription(ctx, msg)
	case "session_end":
		return p.processSessionEnd(ctx, msg)
	default:
		p.logger.Debug("dropping unknown transcription message type",
			slog.String("type", msg.Type))
		return nil
	}
}

// HandleSpeakerEvent is the handler for the speaker_events_relative stream.
func (p *Processor) HandleSpeakerEvent(ctx context.Context, entryID string, payload []byte) error {
	var ev model.SpeakerEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.logger.Warn("dropping unparsable speaker event",
			slog.String("entry_id", entryID),
			slog.String("error", err.Error()))
		return nil
	}
	if ev.UID == "" || ev.ParticipantName == "" ||
		(ev.EventType != model.SpeakerStart && ev.EventType != model.SpeakerEnd) {
		p.logger.Debug("dropping malformed speaker event", slog.String("uid", ev.UID))
		return nil
	}

	if err := p.events.Record(ctx, ev); err != nil {
		// Transient Redis failure: leave pending for redelivery.
		return fmt.Errorf("record speaker event: %w", err)
	}
	speakerEventsTotal.Inc()
	return nil
}

// verify checks the meeting token and that it was minted for this meeting.
func (p *Processor) verify(msg model.TranscriptionMessage) (*token.Claims, error) {
	claims, err := p.verifier.Verify(msg.Token)
	if err != nil {
		return nil, err
	}
	if msg.MeetingID != 0 && claims.MeetingID != msg.MeetingID {
		return nil, fmt.Errorf("token meeting id %d does not match message meeting id %d",
			claims.MeetingID, msg.MeetingID)
	}
	return claims, nil
}

func (p *Processor) processSessionStart(ctx context.Context, msg model.TranscriptionMessage) error {
	claims, err := p.verify(msg)
	if err != nil {
		p.logger.Warn("dropping session_start with bad token",
			slog.String("uid", msg.UID),
			slog.String("error", err.Error()))
		return nil
	}

	start, err := time.Parse(time.RFC3339, msg.StartTimestamp)
	if err != nil {
		p.logger.Warn("dropping session_start with bad timestamp",
			slog.String("uid", msg.UID),
			slog.String("start_timestamp", msg.StartTimestamp))
		return nil
	}

	if err := p.store.UpsertSession(ctx, claims.MeetingID, msg.UID, start); err != nil {
		return fmt.Errorf("upsert session %s: %w", msg.UID, err)
	}
	if err := p.kvc.Set(ctx, kv.SessionStartKey(msg.UID),
		start.UTC().Format(time.RFC3339Nano), 2*time.Hour).Err(); err != nil {
		p.logger.LogError(ctx, err, "failed to cache session start", slog.String("uid", msg.UID))
	}

	p.logger.Info("session started",
		slog.Int64("meeting_id", claims.MeetingID),
		slog.String("uid", msg.UID))
	return nil
}

func (p *Processor) processSessionEnd(ctx context.Context, msg model.TranscriptionMessage) error {
	pipe := p.kvc.Pipeline()
	pipe.Del(ctx, kv.SpeakerEventsKey(msg.UID))
	pipe.Del(ctx, kv.SessionStartKey(msg.UID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clean up session %s: %w", msg.UID, err)
	}
	p.logger.Info("session ended", slog.String("uid", msg.UID))
	return nil
}

// resolveSessionStart returns the session start, checking the KV cache before
// the database and re-priming the cache on a miss.
func (p *Processor) resolveSessionStart(ctx context.Context, uid string) (time.Time, bool) {
	if raw, err := p.kvc.Get(ctx, kv.SessionStartKey(uid)).Result(); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t, true
		}
	}
	t, err := p.store.GetSessionStart(ctx, uid)
	if err != nil {
		return time.Time{}, false
	}
	p.kvc.Set(ctx, kv.SessionStartKey(uid), t.UTC().Format(time.RFC3339Nano), 2*time.Hour)
	return t, true
}

// publishedSegment is one entry of a transcript.mutable publish.
type publishedSegment struct {
	Start float64 `json:"start"`
	model.MutableSegment
}

// MutableEvent is the payload published on tc:meeting:{id}:mutable.
type MutableEvent struct {
	Type    string `json:"type"`
	Meeting struct {
		ID int64 `json:"id"`
	} `json:"meeting"`
	Payload struct {
		Segments []publishedSegment `json:"segments"`
	} `json:"payload"`
	TS string `json:"ts"`
}

func (p *Processor) processTranscription(ctx context.Context, msg model.TranscriptionMessage) error {
	claims, err := p.verify(msg)
	if err != nil {
		p.logger.Warn("dropping transcription with bad token",
			slog.String("uid", msg.UID),
			slog.String("error", err.Error()))
		return nil
	}
	meetingID := claims.MeetingID

	sessionStart, haveStart := p.resolveSessionStart(ctx, msg.UID)
	hashKey := kv.SegmentsHashKey(meetingID)
	now := time.Now().UTC()

	existing, err := p.kvc.HGetAll(ctx, hashKey).Result()
	if err != nil {
		return fmt.Errorf("read segment hash for meeting %d: %w", meetingID, err)
	}

	var changed []publishedSegment
	writes := make(map[string]interface{})

	for _, ws := range msg.Segments {
		start, end, ok := normalizeTimes(ws.Start, ws.End)
		if !ok {
			continue
		}

		speaker, speakerID, status := p.events.MapSegment(ctx, msg.UID, int64(start*1000), int64(end*1000))

		seg := model.MutableSegment{
			Text:                ws.Text,
			EndTime:             end,
			Language:            ws.Language,
			UpdatedAt:           now.Format(time.RFC3339Nano),
			SessionUID:          msg.UID,
			Speaker:             speaker,
			SpeakerID:           speakerID,
			SpeakerMappingState: status,
		}
		if haveStart {
			seg.AbsoluteStartTime = sessionStart.Add(durationSeconds(start)).UTC().Format(time.RFC3339Nano)
			seg.AbsoluteEndTime = sessionStart.Add(durationSeconds(end)).UTC().Format(time.RFC3339Nano)
		}

		key := SegmentKey(start)
		if prev, ok := existing[key]; ok {
			var old model.MutableSegment
			if json.Unmarshal([]byte(prev), &old) == nil && renderEqual(old, seg) {
				continue
			}
		}

		encoded, err := json.Marshal(seg)
		if err != nil {
			continue
		}
		writes[key] = string(encoded)
		changed = append(changed, publishedSegment{Start: start, MutableSegment: seg})
	}

	if len(writes) == 0 {
		return nil
	}

	pipe := p.kvc.Pipeline()
	pipe.SAdd(ctx, kv.ActiveMeetingsKey, strconv.FormatInt(meetingID, 10))
	pipe.HSet(ctx, hashKey, writes)
	pipe.Expire(ctx, hashKey, config.AppConfig.RedisSegmentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write segment hash for meeting %d: %w", meetingID, err)
	}
	segmentsUpsertedTotal.Add(float64(len(writes)))

	ev := MutableEvent{Type: "transcript.mutable", TS: now.Format(time.RFC3339Nano)}
	ev.Meeting.ID = meetingID
	ev.Payload.Segments = changed
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil
	}
	if err := p.kvc.PublishJSON(ctx, kv.MutableChannel(meetingID), payload); err != nil {
		p.logger.LogError(ctx, err, "failed to publish mutable update",
			slog.Int64("meeting_id", meetingID))
	}
	return nil
}

// normalizeTimes validates a segment's relative times: reject non-finite
// values, swap inverted bounds, drop near-zero spans.
func normalizeTimes(start, end float64) (float64, float64, bool) {
	if math.IsNaN(start) || math.IsInf(start, 0) || math.IsNaN(end) || math.IsInf(end, 0) {
		return 0, 0, false
	}
	if start < 0 || end < 0 {
		return 0, 0, false
	}
	if start > end {
		start, end = end, start
	}
	if end-start < 0.001 {
		return 0, 0, false
	}
	return start, end, true
}

// SegmentKey is the canonical hash field for a relative start time:
// a 3-decimal fixed-point string.
func SegmentKey(start float64) string {
	return strconv.FormatFloat(start, 'f', 3, 64)
}

// renderEqual compares the render-relevant fields of two mutable segments.
// UpdatedAt is deliberately excluded: a write that changes nothing visible
// must not reset the immutability clock.
func renderEqual(a, b model.MutableSegment) bool {
	if a.Text != b.Text || a.Language != b.Language || a.EndTime != b.EndTime {
		return false
	}
	if a.AbsoluteStartTime != b.AbsoluteStartTime || a.AbsoluteEndTime != b.AbsoluteEndTime {
		return false
	}
	switch {
	case a.Speaker == nil && b.Speaker == nil:
		return true
	case a.Speaker == nil || b.Speaker == nil:
		return false
	default:
		return *a.Speaker == *b.Speaker
	}
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
