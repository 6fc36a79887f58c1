package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/platform"
)

var (
	// ErrNotFinalized means a purge was requested for a meeting that is
	// still running.
	ErrNotFinalized = errors.New("meeting is not in a terminal state")
)

const (
	// dedupGap is the max gap between same-text segments from different
	// sources that still counts as a duplicate.
	dedupGap = 2 * time.Second
	// mergeGap is the max silence between same-speaker segments that get
	// merged in the read path.
	mergeGap = 5 * time.Second
	// mergeCap bounds a merged group's total span.
	mergeCap = 60 * time.Second
)

// MergedSegment is one segment of the merged read, with absolute times
// computed from the session start.
type MergedSegment struct {
	Start             float64   `json:"start"`
	End               float64   `json:"end"`
	Text              string    `json:"text"`
	Language          string    `json:"language,omitempty"`
	Speaker           *string   `json:"speaker"`
	SessionUID        string    `json:"session_uid"`
	AbsoluteStartTime time.Time `json:"absolute_start_time"`
	AbsoluteEndTime   time.Time `json:"absolute_end_time"`
	Source            string    `json:"source"`
}

// TranscriptResponse is the merged transcript read payload.
type TranscriptResponse struct {
	Meeting  MeetingSummary  `json:"meeting"`
	Segments []MergedSegment `json:"segments"`
}

// MeetingSummary is the meeting record slice exposed on transcript reads.
type MeetingSummary struct {
	ID              int64               `json:"id"`
	Platform        string              `json:"platform"`
	NativeMeetingID string              `json:"native_meeting_id"`
	Status          model.MeetingStatus `json:"status"`
	Name            string              `json:"name,omitempty"`
	Participants    []string            `json:"participants,omitempty"`
	Languages       []string            `json:"languages,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	StartTime       *time.Time          `json:"start_time,omitempty"`
	EndTime         *time.Time          `json:"end_time,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
}

func newMeetingSummary(m *model.Meeting) MeetingSummary {
	return MeetingSummary{
		ID:              m.ID,
		Platform:        m.Platform,
		NativeMeetingID: m.NativeMeetingID,
		Status:          m.Status,
		Name:            m.Data.Name,
		Participants:    m.Data.Participants,
		Languages:       m.Data.Languages,
		Notes:           m.Data.Notes,
		StartTime:       m.StartTime,
		EndTime:         m.EndTime,
		CreatedAt:       m.CreatedAt,
	}
}

// Service serves the collector's REST surface.
type Service struct {
	store  Store
	kvc    *kv.Client
	logger *logger.Logger
}

func NewService(store Store, kvc *kv.Client, log *logger.Logger) *Service {
	return &Service{store: store, kvc: kvc, logger: log.WithComponent("collector")}
}

// ListMeetings returns the account's meetings.
func (s *Service) ListMeetings(ctx context.Context, account *model.Account) ([]MeetingSummary, error) {
	meetings, err := s.store.ListMeetings(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	out := make([]MeetingSummary, 0, len(meetings))
	for _, m := range meetings {
		out = append(out, newMeetingSummary(m))
	}
	return out, nil
}

// GetTranscript builds the merged transcript for the account's meeting
// identified by platform + native id (latest attempt unless meetingID pins
// a specific one).
func (s *Service) GetTranscript(ctx context.Context, account *model.Account, plat, nativeID string, meetingID *int64) (*TranscriptResponse, error) {
	var meeting *model.Meeting
	var err error
	if meetingID != nil {
		meeting, err = s.store.GetMeetingForAccount(ctx, account.ID, *meetingID)
	} else {
		meeting, err = s.store.FindLatestMeeting(ctx, account.ID, plat, nativeID)
	}
	if err != nil {
		return nil, err
	}

	segments, err := s.mergedSegments(ctx, meeting)
	if err != nil {
		return nil, err
	}
	return &TranscriptResponse{Meeting: newMeetingSummary(meeting), Segments: segments}, nil
}

// InternalTranscript is the unauthenticated-surface variant used by trusted
// internal callers: lookup by meeting id only.
func (s *Service) InternalTranscript(ctx context.Context, meetingID int64) (*TranscriptResponse, error) {
	meeting, err := s.store.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	segments, err := s.mergedSegments(ctx, meeting)
	if err != nil {
		return nil, err
	}
	return &TranscriptResponse{Meeting: newMeetingSummary(meeting), Segments: segments}, nil
}

// mergedSegments unions the durable rows with the live KV hash, computes
// absolute times, dedups across sources and merges same-speaker runs.
func (s *Service) mergedSegments(ctx context.Context, meeting *model.Meeting) ([]MergedSegment, error) {
	sessionStarts := make(map[string]time.Time)
	if sessions, err := s.store.ListSessions(ctx, meeting.ID); err == nil {
		for _, sess := range sessions {
			sessionStarts[sess.SessionUID] = sess.SessionStartTime
		}
	} else {
		s.logger.LogError(ctx, err, "session listing failed, degrading to meeting times",
			slog.Int64("meeting_id", meeting.ID))
	}

	// Missing session rows degrade to the meeting start, then created_at.
	fallback := meeting.CreatedAt
	if meeting.StartTime != nil {
		fallback = *meeting.StartTime
	}
	startOf := func(uid string) time.Time {
		if t, ok := sessionStarts[uid]; ok {
			return t
		}
		return fallback
	}

	var merged []MergedSegment

	durable, err := s.store.ListSegments(ctx, meeting.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range durable {
		base := startOf(row.SessionUID)
		merged = append(merged, MergedSegment{
			Start:             row.StartTime,
			End:               row.EndTime,
			Text:              row.Text,
			Language:          row.Language,
			Speaker:           row.Speaker,
			SessionUID:        row.SessionUID,
			AbsoluteStartTime: base.Add(durationSeconds(row.StartTime)),
			AbsoluteEndTime:   base.Add(durationSeconds(row.EndTime)),
			Source:            "durable",
		})
	}

	live, err := s.kvc.HGetAll(ctx, kv.SegmentsHashKey(meeting.ID)).Result()
	if err != nil {
		s.logger.LogError(ctx, err, "live hash read failed, serving durable only",
			slog.Int64("meeting_id", meeting.ID))
		live = nil
	}
	for key, value := range live {
		start, err := strconv.ParseFloat(key, 64)
		if err != nil {
			continue
		}
		var seg model.MutableSegment
		if err := json.Unmarshal([]byte(value), &seg); err != nil {
			continue
		}

		ms := MergedSegment{
			Start:      start,
			End:        seg.EndTime,
			Text:       seg.Text,
			Language:   seg.Language,
			Speaker:    seg.Speaker,
			SessionUID: seg.SessionUID,
			Source:     "live",
		}
		if t, err := time.Parse(time.RFC3339Nano, seg.AbsoluteStartTime); err == nil {
			ms.AbsoluteStartTime = t
		} else {
			ms.AbsoluteStartTime = startOf(seg.SessionUID).Add(durationSeconds(start))
		}
		if t, err := time.Parse(time.RFC3339Nano, seg.AbsoluteEndTime); err == nil {
			ms.AbsoluteEndTime = t
		} else {
			ms.AbsoluteEndTime = startOf(seg.SessionUID).Add(durationSeconds(seg.EndTime))
		}
		merged = append(merged, ms)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].AbsoluteStartTime.Equal(merged[j].AbsoluteStartTime) {
			// Durable wins ties so the dedup pass keeps the immutable copy.
			return merged[i].Source < merged[j].Source
		}
		return merged[i].AbsoluteStartTime.Before(merged[j].AbsoluteStartTime)
	})

	return mergeSameSpeaker(dedupAcrossSources(merged)), nil
}

// dedupAcrossSources drops later segments whose text matches an earlier one
// within the dedup window (interval overlap or sub-2s gap).
func dedupAcrossSources(segments []MergedSegment) []MergedSegment {
	out := segments[:0:0]
	for _, seg := range segments {
		dup := false
		for i := len(out) - 1; i >= 0; i-- {
			prev := out[i]
			if seg.AbsoluteStartTime.Sub(prev.AbsoluteEndTime) > dedupGap {
				break
			}
			if prev.Text != seg.Text {
				continue
			}
			overlapping := prev.AbsoluteStartTime.Before(seg.AbsoluteEndTime) &&
				seg.AbsoluteStartTime.Before(prev.AbsoluteEndTime)
			if overlapping || seg.AbsoluteStartTime.Sub(prev.AbsoluteEndTime) < dedupGap {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, seg)
		}
	}
	return out
}

// mergeSameSpeaker joins consecutive segments from the same speaker when the
// gap is under mergeGap, never growing a group past mergeCap.
func mergeSameSpeaker(segments []MergedSegment) []MergedSegment {
	if len(segments) == 0 {
		return segments
	}

	sameSpeaker := func(a, b *string) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return *a == *b
	}

	out := []MergedSegment{segments[0]}
	for _, seg := range segments[1:] {
		last := &out[len(out)-1]
		gap := seg.AbsoluteStartTime.Sub(last.AbsoluteEndTime)
		span := seg.AbsoluteEndTime.Sub(last.AbsoluteStartTime)
		if sameSpeaker(last.Speaker, seg.Speaker) &&
			last.SessionUID == seg.SessionUID &&
			gap >= 0 && gap < mergeGap && span <= mergeCap {
			last.Text = last.Text + " " + seg.Text
			last.End = seg.End
			last.AbsoluteEndTime = seg.AbsoluteEndTime
			continue
		}
		out = append(out, seg)
	}
	return out
}

// MeetingPatch is the whitelist of metadata fields PATCH may touch.
type MeetingPatch struct {
	Name         *string   `json:"name"`
	Participants *[]string `json:"participants"`
	Languages    *[]string `json:"languages"`
	Notes        *string   `json:"notes"`
}

// PatchMeeting applies whitelisted metadata updates to the account's latest
// meeting for the tuple.
func (s *Service) PatchMeeting(ctx context.Context, account *model.Account, plat, nativeID string, patch MeetingPatch) (*model.Meeting, error) {
	meeting, err := s.store.FindLatestMeeting(ctx, account.ID, plat, nativeID)
	if err != nil {
		return nil, err
	}

	return s.store.MutateMeeting(ctx, meeting.ID, func(m *model.Meeting) error {
		if patch.Name != nil {
			m.Data.Name = *patch.Name
		}
		if patch.Participants != nil {
			m.Data.Participants = *patch.Participants
		}
		if patch.Languages != nil {
			m.Data.Languages = *patch.Languages
		}
		if patch.Notes != nil {
			m.Data.Notes = *patch.Notes
		}
		return nil
	})
}

// Purge deletes a finalized meeting's transcript and anonymizes its PII while
// keeping the meeting and session rows. The raw native id is replaced by its
// digest so a repeat purge on the same tuple still resolves and no-ops.
func (s *Service) Purge(ctx context.Context, account *model.Account, plat, nativeID string) error {
	meeting, err := s.store.FindLatestMeeting(ctx, account.ID, plat, nativeID)
	if err != nil {
		return err
	}
	if !meeting.Status.IsTerminal() {
		return ErrNotFinalized
	}
	if meeting.Data.Redacted {
		return nil
	}

	deleted, err := s.store.DeleteSegments(ctx, meeting.ID)
	if err != nil {
		return err
	}

	pipe := s.kvc.Pipeline()
	pipe.Del(ctx, kv.SegmentsHashKey(meeting.ID))
	pipe.SRem(ctx, kv.ActiveMeetingsKey, strconv.FormatInt(meeting.ID, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	_, err = s.store.MutateMeeting(ctx, meeting.ID, func(m *model.Meeting) error {
		m.NativeMeetingID = ""
		m.Data.NativeIDDigest = model.NativeIDDigest(plat, nativeID)
		m.Data.Name = ""
		m.Data.Participants = nil
		m.Data.Notes = ""
		m.Data.Passcode = ""
		m.Data.Redacted = true
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("meeting purged",
		slog.Int64("meeting_id", meeting.ID),
		slog.Int64("segments_deleted", deleted))
	return nil
}

// SubscribeTarget is one (platform, native id) tuple of an authorize request.
type SubscribeTarget struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
}

// SubscribeResult is the per-tuple outcome of an authorize request.
type SubscribeResult struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	AccountID       int64  `json:"account_id,omitempty"`
	MeetingID       int64  `json:"meeting_id,omitempty"`
	Authorized      bool   `json:"authorized"`
	Error           string `json:"error,omitempty"`
}

// AuthorizeSubscriptions resolves each tuple to the account's latest meeting.
// Unknown or malformed tuples produce per-entry errors, never abort the
// whole request.
func (s *Service) AuthorizeSubscriptions(ctx context.Context, account *model.Account, targets []SubscribeTarget) []SubscribeResult {
	results := make([]SubscribeResult, 0, len(targets))
	for _, t := range targets {
		res := SubscribeResult{Platform: t.Platform, NativeMeetingID: t.NativeMeetingID}

		if err := platform.ValidateNativeID(t.Platform, t.NativeMeetingID); err != nil {
			res.Error = err.Error()
			results = append(results, res)
			continue
		}

		meeting, err := s.store.FindLatestMeeting(ctx, account.ID, t.Platform, t.NativeMeetingID)
		if err != nil {
			res.Error = "no meeting found for this account"
			results = append(results, res)
			continue
		}

		res.Authorized = true
		res.AccountID = account.ID
		res.MeetingID = meeting.ID
		results = append(results, res)
	}
	return results
}
