package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/echoscribe/echoscribe/internal/config"
)

// Authorization is one authorized meeting returned by the collector.
type Authorization struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	MeetingID       int64  `json:"meeting_id"`
}

// AuthorizationError is a per-tuple rejection.
type AuthorizationError struct {
	Platform        string `json:"platform"`
	NativeMeetingID string `json:"native_meeting_id"`
	Error           string `json:"error"`
}

// Authorizer resolves subscribe requests to meeting ids. The production
// implementation asks the collector; tests substitute a fake.
type Authorizer interface {
	Authorize(ctx context.Context, apiKey string, meetings []MeetingRef) ([]Authorization, []AuthorizationError, error)
}

// CollectorAuthorizer calls the collector's /ws/authorize-subscribe endpoint
// with the client's own API key, so authorization decisions stay in one
// place.
type CollectorAuthorizer struct {
	baseURL string
	client  *http.Client
}

func NewCollectorAuthorizer() *CollectorAuthorizer {
	return &CollectorAuthorizer{
		baseURL: config.AppConfig.CollectorURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *CollectorAuthorizer) Authorize(ctx context.Context, apiKey string, meetings []MeetingRef) ([]Authorization, []AuthorizationError, error) {
	type target struct {
		Platform        string `json:"platform"`
		NativeMeetingID string `json:"native_meeting_id"`
	}
	targets := make([]target, 0, len(meetings))
	for _, m := range meetings {
		targets = append(targets, target{Platform: m.Platform, NativeMeetingID: m.NativeID})
	}

	body, err := json.Marshal(map[string]interface{}{"meetings": targets})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/ws/authorize-subscribe", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("collector authorize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("collector authorize: status %d", resp.StatusCode)
	}

	var out struct {
		Authorized []Authorization      `json:"authorized"`
		Errors     []AuthorizationError `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("decode collector authorize response: %w", err)
	}
	return out.Authorized, out.Errors, nil
}
