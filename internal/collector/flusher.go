package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
)

// Flusher moves mutable segments that have gone quiet past the immutability
// threshold from the KV hash into the durable store. Entries are deleted from
// the hash only after the transaction commits, so a failed flush retries on
// the next pass.
type Flusher struct {
	store  Store
	kvc    *kv.Client
	events *EventStore
	filter *Filter
	logger *logger.Logger
}

func NewFlusher(store Store, kvc *kv.Client, filter *Filter, log *logger.Logger) *Flusher {
	return &Flusher{
		store:  store,
		kvc:    kvc,
		events: NewEventStore(kvc),
		filter: filter,
		logger: log.WithComponent("flusher"),
	}
}

// Run ticks until the context is cancelled.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(config.AppConfig.BackgroundTaskInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

func (f *Flusher) sweep(ctx context.Context) {
	members, err := f.kvc.SMembers(ctx, kv.ActiveMeetingsKey).Result()
	if err != nil {
		f.logger.LogError(ctx, err, "failed to list active meetings")
		return
	}
	activeMeetingsGauge.Set(float64(len(members)))

	for _, member := range members {
		meetingID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			// Junk member: remove it so it doesn't resurface every pass.
			f.kvc.SRem(ctx, kv.ActiveMeetingsKey, member)
			continue
		}
		f.flushMeeting(ctx, meetingID)
	}
}

type flushEntry struct {
	key     string
	start   float64
	segment model.MutableSegment
}

func (f *Flusher) flushMeeting(ctx context.Context, meetingID int64) {
	hashKey := kv.SegmentsHashKey(meetingID)
	raw, err := f.kvc.HGetAll(ctx, hashKey).Result()
	if err != nil {
		f.logger.LogError(ctx, err, "failed to read segment hash",
			slog.Int64("meeting_id", meetingID))
		return
	}

	if len(raw) == 0 {
		// Meeting drained: drop it from the active set and forget its
		// dedup cache.
		f.kvc.SRem(ctx, kv.ActiveMeetingsKey, strconv.FormatInt(meetingID, 10))
		f.filter.ClearMeeting(meetingID)
		return
	}

	entries := make([]flushEntry, 0, len(raw))
	for key, value := range raw {
		start, err := strconv.ParseFloat(key, 64)
		if err != nil {
			continue
		}
		var seg model.MutableSegment
		if err := json.Unmarshal([]byte(value), &seg); err != nil {
			continue
		}
		entries = append(entries, flushEntry{key: key, start: start, segment: seg})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	now := time.Now().UTC()
	threshold := config.AppConfig.ImmutabilityThreshold

	var rows []model.TranscriptSegment
	var expired []string

	for _, e := range entries {
		updatedAt, err := time.Parse(time.RFC3339Nano, e.segment.UpdatedAt)
		if err != nil || now.Sub(updatedAt) < threshold {
			continue
		}
		expired = append(expired, e.key)

		seg := e.segment
		if needsRemap(seg.SpeakerMappingState) {
			speaker, speakerID, status := f.events.MapSegment(ctx, seg.SessionUID,
				int64(e.start*1000), int64(seg.EndTime*1000))
			if status == model.MappingMapped || status == model.MappingMultipleConcurrent {
				seg.Speaker = speaker
				seg.SpeakerID = speakerID
				seg.SpeakerMappingState = status
				// Write the upgrade back so live readers see it even if the
				// durable commit below fails.
				if encoded, err := json.Marshal(seg); err == nil {
					f.kvc.HSet(ctx, hashKey, e.key, string(encoded))
				}
			}
		}

		if !f.filter.Accept(meetingID, seg.Text, e.start, seg.EndTime) {
			segmentsFilteredTotal.Inc()
			continue
		}

		rows = append(rows, model.TranscriptSegment{
			MeetingID:  meetingID,
			SessionUID: seg.SessionUID,
			StartTime:  e.start,
			EndTime:    seg.EndTime,
			Text:       seg.Text,
			Language:   seg.Language,
			Speaker:    seg.Speaker,
		})
	}

	if len(expired) == 0 {
		return
	}

	if err := f.store.InsertSegments(ctx, rows); err != nil {
		flushFailuresTotal.Inc()
		f.logger.LogError(ctx, err, "durable flush failed, will retry",
			slog.Int64("meeting_id", meetingID),
			slog.Int("rows", len(rows)))
		return
	}

	if err := f.kvc.HDel(ctx, hashKey, expired...).Err(); err != nil {
		// The unique index makes the inevitable re-flush idempotent.
		f.logger.LogError(ctx, err, "failed to delete flushed entries",
			slog.Int64("meeting_id", meetingID))
		return
	}

	segmentsFlushedTotal.Add(float64(len(rows)))
	f.logger.Debug("flushed segments",
		slog.Int64("meeting_id", meetingID),
		slog.Int("persisted", len(rows)),
		slog.Int("expired", len(expired)))
}

func needsRemap(status string) bool {
	switch status {
	case model.MappingUnknown, model.MappingNoSpeakerEvents, model.MappingError, "":
		return true
	}
	return false
}
