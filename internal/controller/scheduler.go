package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
)

// WorkloadState is the scheduler's view of one bot workload.
type WorkloadState string

const (
	WorkloadRunning   WorkloadState = "running"
	WorkloadSucceeded WorkloadState = "succeeded"
	WorkloadFailed    WorkloadState = "failed"
	WorkloadNotFound  WorkloadState = "not_found"
	WorkloadUnknown   WorkloadState = "unknown"
)

// LaunchSpec is everything the runner needs to start one bot container.
type LaunchSpec struct {
	MeetingID       int64  `json:"meeting_id"`
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	MeetingURL      string `json:"meeting_url"`
	Passcode        string `json:"passcode,omitempty"`
	BotName         string `json:"bot_name"`
	Language        string `json:"language,omitempty"`
	Task            string `json:"task,omitempty"`
	SessionUID      string `json:"session_uid"`
	MeetingToken    string `json:"meeting_token"`
	CallbackURL     string `json:"callback_url"`
	KVEndpoint      string `json:"kv_endpoint"`

	// Auto-leave timeouts the bot enforces on its own.
	WaitingRoomTimeoutSeconds  int `json:"waiting_room_timeout_seconds"`
	NoOneJoinedTimeoutSeconds  int `json:"no_one_joined_timeout_seconds"`
	EveryoneLeftTimeoutSeconds int `json:"everyone_left_timeout_seconds"`
}

// Scheduler launches, kills and inspects bot workloads. The production
// implementation talks to the container runner; tests substitute a fake.
type Scheduler interface {
	Schedule(ctx context.Context, spec LaunchSpec) (handle string, err error)
	Kill(ctx context.Context, handle string) error
	Status(ctx context.Context, handle string) (WorkloadState, error)
}

// HTTPScheduler drives the container runner's REST API.
type HTTPScheduler struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPScheduler() *HTTPScheduler {
	return &HTTPScheduler{
		baseURL: config.AppConfig.SchedulerURL,
		apiKey:  config.AppConfig.SchedulerAPIKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPScheduler) Schedule(ctx context.Context, spec LaunchSpec) (string, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode launch spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/workloads", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("schedule workload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("runner rejected workload: status %d: %s", resp.StatusCode, data)
	}

	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode runner response: %w", err)
	}
	if out.Handle == "" {
		return "", fmt.Errorf("runner returned empty workload handle")
	}
	return out.Handle, nil
}

func (s *HTTPScheduler) Kill(ctx context.Context, handle string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/v1/workloads/"+handle, nil)
	if err != nil {
		return err
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("kill workload %s: %w", handle, err)
	}
	defer resp.Body.Close()

	// A workload that already exited is a successful kill.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("runner refused kill for %s: status %d", handle, resp.StatusCode)
	}
	return nil
}

func (s *HTTPScheduler) Status(ctx context.Context, handle string) (WorkloadState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/workloads/"+handle, nil)
	if err != nil {
		return WorkloadUnknown, err
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return WorkloadUnknown, fmt.Errorf("workload status %s: %w", handle, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return WorkloadNotFound, nil
	}
	if resp.StatusCode != http.StatusOK {
		return WorkloadUnknown, fmt.Errorf("runner status check for %s failed: status %d", handle, resp.StatusCode)
	}

	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return WorkloadUnknown, fmt.Errorf("decode runner status: %w", err)
	}

	switch WorkloadState(out.State) {
	case WorkloadRunning, WorkloadSucceeded, WorkloadFailed, WorkloadNotFound:
		return WorkloadState(out.State), nil
	default:
		return WorkloadUnknown, nil
	}
}
