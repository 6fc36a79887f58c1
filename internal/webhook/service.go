// Package webhook delivers meeting lifecycle events to tenant-configured
// endpoints through a bounded async worker pool. Delivery is best-effort:
// a full queue drops the event rather than blocking the status write path.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
)

// Event is the payload posted to a tenant webhook endpoint.
type Event struct {
	EventID         string                  `json:"event_id"`
	Type            string                  `json:"type"`
	Timestamp       time.Time               `json:"timestamp"`
	MeetingID       int64                   `json:"meeting_id"`
	Platform        string                  `json:"platform"`
	NativeMeetingID string                  `json:"native_meeting_id"`
	Status          model.MeetingStatus     `json:"status"`
	Reason          string                  `json:"reason,omitempty"`
	Completion      model.CompletionReason  `json:"completion_reason,omitempty"`
	FailureStage    model.FailureStage      `json:"failure_stage,omitempty"`
}

type delivery struct {
	url    string
	secret string
	event  Event
}

type Service struct {
	client         *http.Client
	deliveryChan   chan delivery
	workerPool     sync.WaitGroup
	shutdown       chan struct{}
	closed         atomic.Bool
	logger         *logger.Logger
	droppedTotal   atomic.Int64
	deliveredTotal atomic.Int64
}

func NewService(log *logger.Logger) *Service {
	s := &Service{
		client: &http.Client{
			Timeout: time.Duration(config.AppConfig.WebhookTimeoutSeconds) * time.Second,
		},
		deliveryChan: make(chan delivery, config.AppConfig.WebhookBufferSize),
		shutdown:     make(chan struct{}),
		logger:       log.WithComponent("webhook"),
	}

	for i := 0; i < config.AppConfig.WebhookWorkerPoolSize; i++ {
		s.workerPool.Add(1)
		go s.deliveryWorker()
	}

	return s
}

// NotifyStatusChange queues a status-change event for the account. Accounts
// without a webhook URL are skipped silently.
func (s *Service) NotifyStatusChange(account *model.Account, m *model.Meeting, reason string) {
	if account == nil || account.WebhookURL == "" {
		return
	}
	if s.closed.Load() {
		s.logger.Warn("webhook service is shutting down, dropping event",
			slog.Int64("meeting_id", m.ID))
		return
	}

	ev := Event{
		EventID:         uuid.NewString(),
		Type:            "meeting.status_change",
		Timestamp:       time.Now().UTC(),
		MeetingID:       m.ID,
		Platform:        m.Platform,
		NativeMeetingID: m.NativeMeetingID,
		Status:          m.Status,
		Reason:          reason,
	}
	if m.Status == model.StatusCompleted {
		ev.Type = "meeting.completed"
		ev.Completion = m.Data.CompletionReason
	}
	if m.Status == model.StatusFailed {
		ev.Type = "meeting.failed"
		ev.FailureStage = m.Data.FailureStage
	}

	select {
	case s.deliveryChan <- delivery{url: account.WebhookURL, secret: account.WebhookSecret, event: ev}:
	default:
		dropped := s.droppedTotal.Add(1)
		s.logger.Error("webhook queue full, event dropped",
			slog.Int64("meeting_id", m.ID),
			slog.String("status", string(m.Status)),
			slog.Int64("total_dropped", dropped),
			slog.Int("queue_size", config.AppConfig.WebhookBufferSize))
	}
}

func (s *Service) deliveryWorker() {
	defer s.workerPool.Done()

	for {
		select {
		case d := <-s.deliveryChan:
			s.deliver(d)
		case <-s.shutdown:
			// Drain remaining events before shutdown.
			for {
				select {
				case d := <-s.deliveryChan:
					s.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.WebhookTimeoutSeconds)*time.Second)
	defer cancel()

	body, err := json.Marshal(d.event)
	if err != nil {
		s.logger.Error("failed to encode webhook event", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("failed to build webhook request",
			slog.String("url", d.url),
			slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event-ID", d.event.EventID)
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(d.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("webhook delivery failed",
			slog.Int64("meeting_id", d.event.MeetingID),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook endpoint returned non-success status",
			slog.Int64("meeting_id", d.event.MeetingID),
			slog.Int("status_code", resp.StatusCode))
		return
	}

	s.deliveredTotal.Add(1)
	s.logger.Debug("webhook delivered",
		slog.Int64("meeting_id", d.event.MeetingID),
		slog.String("event_type", d.event.Type))
}

// Sign computes the hex HMAC-SHA256 of the body with the account secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}

// Shutdown gracefully shuts down the worker pool.
func (s *Service) Shutdown() {
	s.closed.Store(true)

	close(s.shutdown)
	s.workerPool.Wait()
	close(s.deliveryChan)
}
