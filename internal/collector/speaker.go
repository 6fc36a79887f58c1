package collector

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/model"
)

// speakerInterval is one participant activity span in relative milliseconds.
type speakerInterval struct {
	key   string // participant id when known, display name otherwise
	name  string
	id    string
	start int64
	end   int64
}

// buildIntervals pairs SPEAKER_START events with the earliest subsequent
// SPEAKER_END for the same participant. Events must be in chronological
// order. An unterminated start stays open until horizonMS.
func buildIntervals(events []model.SpeakerEvent, horizonMS int64) []speakerInterval {
	type open struct {
		name  string
		id    string
		start int64
	}
	pending := make(map[string][]open)
	var intervals []speakerInterval

	keyOf := func(ev model.SpeakerEvent) string {
		if ev.ParticipantID != "" {
			return ev.ParticipantID
		}
		return ev.ParticipantName
	}

	for _, ev := range events {
		key := keyOf(ev)
		switch ev.EventType {
		case model.SpeakerStart:
			pending[key] = append(pending[key], open{
				name:  ev.ParticipantName,
				id:    ev.ParticipantID,
				start: ev.RelativeClientTimestampMS,
			})
		case model.SpeakerEnd:
			if opens := pending[key]; len(opens) > 0 {
				intervals = append(intervals, speakerInterval{
					key:   key,
					name:  opens[0].name,
					id:    opens[0].id,
					start: opens[0].start,
					end:   ev.RelativeClientTimestampMS,
				})
				pending[key] = opens[1:]
			}
		}
	}

	// Still-speaking participants run to the horizon.
	for key, opens := range pending {
		for _, o := range opens {
			intervals = append(intervals, speakerInterval{
				key:   key,
				name:  o.name,
				id:    o.id,
				start: o.start,
				end:   horizonMS,
			})
		}
	}
	return intervals
}

// MapSpeaker resolves the speaker for a segment spanning [startMS, endMS]
// given the speaker events fetched around it. Returns the participant name
// (nil unless mapped), the participant id when the platform reported one,
// and the mapping status.
func MapSpeaker(events []model.SpeakerEvent, startMS, endMS int64) (*string, string, string) {
	if len(events) == 0 {
		return nil, "", model.MappingNoSpeakerEvents
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].RelativeClientTimestampMS < events[j].RelativeClientTimestampMS
	})

	horizon := endMS + config.AppConfig.SpeakerEventWindowMS
	intervals := buildIntervals(events, horizon)

	// Per participant: total overlap with the segment and latest start.
	type activity struct {
		name        string
		id          string
		overlap     int64
		latestStart int64
	}
	active := make(map[string]*activity)
	for _, iv := range intervals {
		lo := iv.start
		if startMS > lo {
			lo = startMS
		}
		hi := iv.end
		if endMS < hi {
			hi = endMS
		}
		if lo >= hi {
			continue
		}
		a := active[iv.key]
		if a == nil {
			a = &activity{name: iv.name, id: iv.id}
			active[iv.key] = a
		}
		a.overlap += hi - lo
		if iv.start > a.latestStart {
			a.latestStart = iv.start
		}
	}

	switch len(active) {
	case 0:
		return nil, "", model.MappingNoSpeakerEvents
	case 1:
		for _, a := range active {
			n := a.name
			return &n, a.id, model.MappingMapped
		}
	}

	var best *activity
	for _, a := range active {
		if best == nil ||
			a.overlap > best.overlap ||
			(a.overlap == best.overlap && a.latestStart > best.latestStart) {
			best = a
		}
	}
	n := best.name
	return &n, best.id, model.MappingMultipleConcurrent
}

// EventStore persists speaker events in the per-session sorted set.
type EventStore struct {
	kvc *kv.Client
}

func NewEventStore(kvc *kv.Client) *EventStore {
	return &EventStore{kvc: kvc}
}

// Record adds an event to speaker_events:{uid} scored by its relative
// timestamp and refreshes the set TTL.
func (s *EventStore) Record(ctx context.Context, ev model.SpeakerEvent) error {
	member, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := kv.SpeakerEventsKey(ev.UID)
	pipe := s.kvc.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(ev.RelativeClientTimestampMS),
		Member: string(member),
	})
	pipe.Expire(ctx, key, config.AppConfig.RedisSpeakerEventTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Fetch returns the events for uid whose timestamps fall inside the padded
// window around [startMS, endMS].
func (s *EventStore) Fetch(ctx context.Context, uid string, startMS, endMS int64) ([]model.SpeakerEvent, error) {
	window := config.AppConfig.SpeakerEventWindowMS
	members, err := s.kvc.ZRangeByScore(ctx, kv.SpeakerEventsKey(uid), &redis.ZRangeBy{
		Min: strconv.FormatInt(startMS-window, 10),
		Max: strconv.FormatInt(endMS+window, 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]model.SpeakerEvent, 0, len(members))
	for _, m := range members {
		var ev model.SpeakerEvent
		if err := json.Unmarshal([]byte(m), &ev); err != nil {
			continue // tolerate junk members
		}
		events = append(events, ev)
	}
	return events, nil
}

// MapSegment fetches events for the session and maps the segment in one call.
// Any fetch error degrades to ERROR_IN_MAPPING rather than failing the write.
func (s *EventStore) MapSegment(ctx context.Context, uid string, startMS, endMS int64) (*string, string, string) {
	events, err := s.Fetch(ctx, uid, startMS, endMS)
	if err != nil {
		return nil, "", model.MappingError
	}
	return MapSpeaker(events, startMS, endMS)
}
