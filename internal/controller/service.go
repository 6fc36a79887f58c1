// Package controller owns the bot lifecycle: launching workloads through the
// scheduler, serializing status transitions, steering running bots over the
// command channel and reconciling meetings whose workloads died silently.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/platform"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
	"github.com/echoscribe/echoscribe/internal/token"
	"github.com/echoscribe/echoscribe/internal/webhook"
)

var (
	// ErrDuplicateMeeting means the account already has a live attempt for
	// this platform meeting.
	ErrDuplicateMeeting = errors.New("a bot is already requested for this meeting")
	// ErrConcurrencyLimit means the account is at its concurrent bot cap.
	ErrConcurrencyLimit = errors.New("concurrent bot limit reached")
	// ErrSchedulerFailure wraps runner errors during launch.
	ErrSchedulerFailure = errors.New("failed to schedule bot workload")
	// ErrNotReconfigurable means the meeting is not in a state that accepts
	// config updates.
	ErrNotReconfigurable = errors.New("meeting does not accept configuration changes")

	// errUnchanged aborts a mutation that turned out to be a no-op.
	errUnchanged = errors.New("status unchanged")
)

// Store is the subset of the query layer the controller uses.
type Store interface {
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	CreateMeeting(ctx context.Context, m *model.Meeting) error
	GetMeetingByID(ctx context.Context, id int64) (*model.Meeting, error)
	FindActiveMeeting(ctx context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error)
	FindLatestMeeting(ctx context.Context, accountID int64, platform, nativeID string) (*model.Meeting, error)
	CountActiveMeetings(ctx context.Context, accountID int64) (int, error)
	ListActiveMeetings(ctx context.Context, accountID int64) ([]*model.Meeting, error)
	ListOrphanCandidates(ctx context.Context, grace, maxAge time.Duration) ([]*model.Meeting, error)
	ListStaleMeetings(ctx context.Context, maxAge time.Duration) ([]*model.Meeting, error)
	SetWorkloadHandle(ctx context.Context, meetingID int64, handle string) error
	MutateMeeting(ctx context.Context, meetingID int64, fn func(*model.Meeting) error) (*model.Meeting, error)
}

// Publisher is the pub/sub slice of the Redis client the controller uses.
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, payload []byte) error
}

// Notifier delivers lifecycle events to tenant webhooks.
type Notifier interface {
	NotifyStatusChange(account *model.Account, m *model.Meeting, reason string)
}

type Service struct {
	store     Store
	scheduler Scheduler
	publisher Publisher
	notifier  Notifier
	minter    *token.Minter
	logger    *logger.Logger
}

func NewService(store Store, sched Scheduler, pub Publisher, notifier Notifier, minter *token.Minter, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		scheduler: sched,
		publisher: pub,
		notifier:  notifier,
		minter:    minter,
		logger:    log.WithComponent("controller"),
	}
}

// LaunchBot validates the request, creates the meeting row and schedules the
// bot workload. The meeting is created in requested state before the
// scheduler call so a runner crash still leaves an auditable row.
func (s *Service) LaunchBot(ctx context.Context, account *model.Account, req LaunchBotRequest) (*model.Meeting, error) {
	nativeID := req.NativeMeetingID
	passcode := req.Passcode
	if nativeID == "" && req.MeetingURL != "" {
		p, id, err := platform.ParseMeetingURL(req.MeetingURL)
		if err != nil {
			return nil, err
		}
		if p != req.Platform {
			return nil, fmt.Errorf("meeting URL does not match platform %q", req.Platform)
		}
		nativeID = id
	}
	if err := platform.ValidateNativeID(req.Platform, nativeID); err != nil {
		return nil, err
	}

	if existing, err := s.store.FindActiveMeeting(ctx, account.ID, req.Platform, nativeID); err == nil && existing != nil {
		return existing, ErrDuplicateMeeting
	} else if err != nil && !errors.Is(err, pg.ErrNotFound) {
		return nil, err
	}

	active, err := s.store.CountActiveMeetings(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if active >= account.MaxConcurrentBots {
		return nil, ErrConcurrencyLimit
	}

	meeting := &model.Meeting{
		AccountID:       account.ID,
		Platform:        req.Platform,
		NativeMeetingID: nativeID,
		Status:          model.StatusRequested,
		Data: model.MeetingData{
			BotName:  botDisplayName(req.BotName),
			Passcode: passcode,
			Language: req.Language,
			Task:     req.Task,
			StatusTransitions: []model.StatusTransition{{
				To:        model.StatusRequested,
				Timestamp: time.Now().UTC(),
				Source:    model.SourceUser,
			}},
		},
	}
	if err := s.store.CreateMeeting(ctx, meeting); err != nil {
		// A concurrent launch can win the race past the pre-check; surface
		// the winner the same way.
		if errors.Is(err, pg.ErrDuplicateActive) {
			if existing, ferr := s.store.FindActiveMeeting(ctx, account.ID, req.Platform, nativeID); ferr == nil {
				return existing, ErrDuplicateMeeting
			}
		}
		return nil, err
	}

	// The initial requested state never goes through Transition, so emit its
	// status event here; commit-then-publish holds because the insert is done.
	s.publishStatus(ctx, meeting, "")

	meetingToken, err := s.minter.Mint(meeting.ID, account.ID, req.Platform, nativeID)
	if err != nil {
		s.failLaunch(ctx, meeting.ID, fmt.Sprintf("mint meeting token: %v", err))
		return nil, fmt.Errorf("%w: %v", ErrSchedulerFailure, err)
	}

	meetingURL, err := platform.MeetingURL(req.Platform, nativeID, passcode)
	if err != nil {
		s.failLaunch(ctx, meeting.ID, err.Error())
		return nil, err
	}

	handle, err := s.scheduler.Schedule(ctx, LaunchSpec{
		MeetingID:                  meeting.ID,
		Platform:                   req.Platform,
		NativeMeetingID:            nativeID,
		MeetingURL:                 meetingURL,
		Passcode:                   passcode,
		BotName:                    meeting.Data.BotName,
		Language:                   req.Language,
		Task:                       req.Task,
		SessionUID:                 uuid.NewString(),
		MeetingToken:               meetingToken,
		CallbackURL:                config.AppConfig.CallbackBaseURL + "/bots/internal/callback/status_change",
		KVEndpoint:                 config.AppConfig.RedisURL,
		WaitingRoomTimeoutSeconds:  config.AppConfig.WaitingRoomTimeoutSeconds,
		NoOneJoinedTimeoutSeconds:  config.AppConfig.NoOneJoinedTimeoutSeconds,
		EveryoneLeftTimeoutSeconds: config.AppConfig.EveryoneLeftTimeoutSeconds,
	})
	if err != nil {
		s.failLaunch(ctx, meeting.ID, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrSchedulerFailure, err)
	}

	if err := s.store.SetWorkloadHandle(ctx, meeting.ID, handle); err != nil {
		s.logger.LogError(ctx, err, "failed to record workload handle",
			slog.Int64("meeting_id", meeting.ID))
	}
	meeting.WorkloadHandle = handle

	s.logger.Info("bot workload scheduled",
		slog.Int64("meeting_id", meeting.ID),
		slog.String("platform", req.Platform),
		slog.String("workload_handle", handle))
	return meeting, nil
}

// failLaunch moves a just-created meeting to failed after a launch error.
func (s *Service) failLaunch(ctx context.Context, meetingID int64, lastErr string) {
	_, err := s.Transition(ctx, meetingID, model.StatusFailed, model.SourceValidationError,
		"launch_failed", func(m *model.Meeting) {
			m.Data.FailureStage = model.StageRequested
			m.Data.LastError = lastErr
		})
	if err != nil {
		s.logger.LogError(ctx, err, "failed to mark launch failure",
			slog.Int64("meeting_id", meetingID))
	}
}

// botDisplayName prepends the vendor prefix so meeting participants can tell
// whose bot joined. The prefix is never duplicated.
func botDisplayName(requested string) string {
	prefix := config.AppConfig.BotNamePrefix
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return prefix
	}
	if strings.HasPrefix(requested, prefix) {
		return requested
	}
	return prefix + " " + requested
}

// youngStopWindow is the age under which a pre-active meeting is killed
// immediately on stop rather than asked to leave; a bot that young has
// nothing to say goodbye to.
const youngStopWindow = 5 * time.Second

// StopBot requests a graceful leave for the account's live attempt. A stop
// against an already-terminal meeting is an idempotent no-op. The bot gets
// StopKillDelay to confirm before the finalizer kills the workload.
func (s *Service) StopBot(ctx context.Context, account *model.Account, plat, nativeID string) (*model.Meeting, error) {
	meeting, err := s.store.FindLatestMeeting(ctx, account.ID, plat, nativeID)
	if err != nil {
		return nil, err
	}
	if meeting.Status.IsTerminal() {
		return meeting, nil
	}

	if meeting.Status != model.StatusActive && time.Since(meeting.CreatedAt) < youngStopWindow {
		if meeting.WorkloadHandle != "" {
			if err := s.scheduler.Kill(ctx, meeting.WorkloadHandle); err != nil {
				s.logger.LogError(ctx, err, "immediate stop kill failed",
					slog.Int64("meeting_id", meeting.ID))
			}
		}
		return s.Transition(ctx, meeting.ID, model.StatusCompleted, model.SourceUser,
			"user_requested", func(m *model.Meeting) {
				m.Data.StopRequested = true
				m.Data.CompletionReason = model.ReasonStopped
			})
	}

	updated, err := s.Transition(ctx, meeting.ID, model.StatusStopping, model.SourceUser,
		"user_requested", func(m *model.Meeting) {
			m.Data.StopRequested = true
		})
	if err != nil {
		return nil, err
	}

	s.publishCommand(ctx, meeting.ID, BotCommand{Action: "leave"})
	s.scheduleStopFinalizer(meeting.ID, updated.WorkloadHandle)
	return updated, nil
}

// scheduleStopFinalizer arms the delayed kill for a stopping meeting. If the
// bot confirms its exit first, the transition to a terminal state makes the
// finalizer a no-op.
func (s *Service) scheduleStopFinalizer(meetingID int64, handle string) {
	time.AfterFunc(config.AppConfig.StopKillDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := s.store.GetMeetingByID(ctx, meetingID)
		if err != nil {
			s.logger.LogError(ctx, err, "stop finalizer lookup failed",
				slog.Int64("meeting_id", meetingID))
			return
		}
		if m.Status != model.StatusStopping {
			return
		}

		if handle != "" {
			if err := s.scheduler.Kill(ctx, handle); err != nil {
				s.logger.LogError(ctx, err, "stop finalizer kill failed",
					slog.Int64("meeting_id", meetingID))
			}
		}

		_, err = s.Transition(ctx, meetingID, model.StatusCompleted, model.SourceReconciliation,
			"stop_finalizer", func(m *model.Meeting) {
				m.Data.CompletionReason = model.ReasonStopped
			})
		if err != nil {
			s.logger.LogError(ctx, err, "stop finalizer transition failed",
				slog.Int64("meeting_id", meetingID))
		}
	})
}

// UpdateBotConfig pushes a language/task change to a live bot.
func (s *Service) UpdateBotConfig(ctx context.Context, account *model.Account, plat, nativeID string, req BotConfigRequest) (*model.Meeting, error) {
	meeting, err := s.store.FindActiveMeeting(ctx, account.ID, plat, nativeID)
	if err != nil {
		return nil, err
	}

	switch meeting.Status {
	case model.StatusJoining, model.StatusAwaitingAdmission, model.StatusActive:
	default:
		return nil, ErrNotReconfigurable
	}

	updated, err := s.store.MutateMeeting(ctx, meeting.ID, func(m *model.Meeting) error {
		if req.Language != nil {
			m.Data.Language = *req.Language
		}
		if req.Task != nil {
			m.Data.Task = *req.Task
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishCommand(ctx, meeting.ID, BotCommand{
		Action:    "reconfigure",
		MeetingID: meeting.ID,
		Language:  updated.Data.Language,
		Task:      updated.Data.Task,
	})
	return updated, nil
}

// ListBots returns the account's live attempts.
func (s *Service) ListBots(ctx context.Context, account *model.Account) ([]*model.Meeting, error) {
	return s.store.ListActiveMeetings(ctx, account.ID)
}

// ProcessStatusCallback applies a bot-reported status change. The claims come
// from the verified meeting token, so the meeting id is trusted.
func (s *Service) ProcessStatusCallback(ctx context.Context, claims *token.Claims, cb BotStatusCallback) (*model.Meeting, error) {
	status, ok := model.ParseStatus(cb.Status)
	if !ok {
		return nil, fmt.Errorf("unknown bot status %q", cb.Status)
	}

	updated, err := s.Transition(ctx, claims.MeetingID, status, model.SourceBotCallback, cb.Reason,
		func(m *model.Meeting) {
			if cb.ErrorDetails != "" {
				m.Data.LastError = cb.ErrorDetails
			} else if cb.PlatformSpecificError != "" {
				m.Data.LastError = cb.PlatformSpecificError
			}
			switch status {
			case model.StatusActive:
				// A rescheduled container reports its own id; track that one.
				if cb.ContainerID != "" {
					m.WorkloadHandle = cb.ContainerID
				}
			case model.StatusCompleted:
				switch {
				case cb.CompletionReason != "":
					m.Data.CompletionReason = model.CompletionReason(cb.CompletionReason)
				case m.Data.StopRequested:
					m.Data.CompletionReason = model.ReasonStopped
				default:
					m.Data.CompletionReason = model.ReasonNormal
				}
			case model.StatusFailed:
				if cb.FailureStage != "" {
					m.Data.FailureStage = model.FailureStage(cb.FailureStage)
				} else {
					m.Data.FailureStage = failureStageFor(m.Status)
				}
			}
		})
	if err != nil {
		return nil, err
	}

	if cb.ExitCode != nil && *cb.ExitCode != 0 && !updated.Status.IsTerminal() {
		s.logger.Warn("bot exited non-zero without a terminal status",
			slog.Int64("meeting_id", updated.ID),
			slog.Int("exit_code", *cb.ExitCode))
		s.scheduleSafetyKill(updated.ID)
	}
	return updated, nil
}

// scheduleSafetyKill arms a delayed workload kill after a bot reported a
// non-zero exit without reaching a terminal state. A terminal callback landing
// first disarms it; the reconciler finalizes the meeting either way.
func (s *Service) scheduleSafetyKill(meetingID int64) {
	time.AfterFunc(config.AppConfig.StopKillDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := s.store.GetMeetingByID(ctx, meetingID)
		if err != nil {
			s.logger.LogError(ctx, err, "safety kill lookup failed",
				slog.Int64("meeting_id", meetingID))
			return
		}
		if m.Status.IsTerminal() || m.WorkloadHandle == "" {
			return
		}
		if err := s.scheduler.Kill(ctx, m.WorkloadHandle); err != nil {
			s.logger.LogError(ctx, err, "safety kill failed",
				slog.Int64("meeting_id", meetingID),
				slog.String("workload_handle", m.WorkloadHandle))
		}
	})
}

// failureStageFor maps the state a meeting failed from to its failure stage.
func failureStageFor(from model.MeetingStatus) model.FailureStage {
	switch from {
	case model.StatusRequested:
		return model.StageRequested
	case model.StatusJoining:
		return model.StageJoining
	case model.StatusAwaitingAdmission:
		return model.StageWaitingRoom
	default:
		return model.StageActive
	}
}

// Transition is the single write path for status changes: it locks the row,
// validates the move against the lifecycle, appends to the transition log and
// commits before publishing. A same-state move is an idempotent no-op that
// publishes nothing.
func (s *Service) Transition(ctx context.Context, meetingID int64, to model.MeetingStatus, source model.TransitionSource, reason string, extra func(*model.Meeting)) (*model.Meeting, error) {
	updated, err := s.store.MutateMeeting(ctx, meetingID, func(m *model.Meeting) error {
		if m.Status == to {
			return errUnchanged
		}
		if err := model.ValidateTransition(m.Status, to); err != nil {
			return err
		}

		m.Data.StatusTransitions = append(m.Data.StatusTransitions, model.StatusTransition{
			From:      m.Status,
			To:        to,
			Timestamp: time.Now().UTC(),
			Source:    source,
			Reason:    reason,
		})
		if extra != nil {
			extra(m)
		}
		m.Status = to

		now := time.Now().UTC()
		if to == model.StatusActive && m.StartTime == nil {
			m.StartTime = &now
		}
		if to.IsTerminal() && m.EndTime == nil {
			m.EndTime = &now
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return s.store.GetMeetingByID(ctx, meetingID)
	}
	if err != nil {
		var invalid *model.ErrInvalidTransition
		if errors.As(err, &invalid) {
			s.logger.Warn("rejected status transition",
				slog.Int64("meeting_id", meetingID),
				slog.String("from", string(invalid.From)),
				slog.String("to", string(invalid.To)),
				slog.String("source", string(source)))
		}
		return nil, err
	}

	s.logger.Info("meeting status changed",
		slog.Int64("meeting_id", meetingID),
		slog.String("status", string(to)),
		slog.String("source", string(source)))

	s.publishStatus(ctx, updated, reason)
	s.notifyWebhook(ctx, updated, reason)
	return updated, nil
}

// publishStatus emits the committed transition on the per-meeting channel.
// Commit-then-publish: subscribers may see the change late, never early.
func (s *Service) publishStatus(ctx context.Context, m *model.Meeting, reason string) {
	ev := StatusEvent{Type: "meeting.status", TS: time.Now().UTC().Format(time.RFC3339Nano)}
	ev.Meeting.ID = m.ID
	ev.Meeting.Platform = m.Platform
	ev.Meeting.NativeID = m.NativeMeetingID
	ev.Payload.Status = m.Status
	ev.Payload.Reason = reason
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.publisher.PublishJSON(ctx, kv.StatusChannel(m.ID), payload); err != nil {
		s.logger.LogError(ctx, err, "failed to publish status event",
			slog.Int64("meeting_id", m.ID))
	}
}

// notifyWebhook schedules post-meeting webhooks. Only terminal states are
// delivered; intermediate transitions reach tenants over the status channel.
func (s *Service) notifyWebhook(ctx context.Context, m *model.Meeting, reason string) {
	if s.notifier == nil || !m.Status.IsTerminal() {
		return
	}
	account, err := s.store.GetAccountByID(ctx, m.AccountID)
	if err != nil {
		s.logger.LogError(ctx, err, "webhook account lookup failed",
			slog.Int64("meeting_id", m.ID))
		return
	}
	s.notifier.NotifyStatusChange(account, m, reason)
}

func (s *Service) publishCommand(ctx context.Context, meetingID int64, cmd BotCommand) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	if err := s.publisher.PublishJSON(ctx, kv.CommandChannel(meetingID), payload); err != nil {
		s.logger.LogError(ctx, err, "failed to publish bot command",
			slog.Int64("meeting_id", meetingID),
			slog.String("action", cmd.Action))
	}
}

var _ Notifier = (*webhook.Service)(nil)
