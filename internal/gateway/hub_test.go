package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
)

type fakeAuthorizer struct {
	authorized []Authorization
	errors     []AuthorizationError
}

func (f *fakeAuthorizer) Authorize(_ context.Context, _ string, _ []MeetingRef) ([]Authorization, []AuthorizationError, error) {
	return f.authorized, f.errors, nil
}

// dialTestHub starts a hub behind a stub auth middleware and dials it.
func dialTestHub(t *testing.T, az Authorizer) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, az, logger.New(logger.Config{}))
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		c.Set(string(auth.AccountKey), &model.Account{ID: 1, APIKey: "k", Enabled: true})
	}, hub.HandleWS())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return frame
}

func TestHubPing(t *testing.T) {
	conn := dialTestHub(t, &fakeAuthorizer{})

	if err := conn.WriteJSON(ClientFrame{Action: "ping"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if frame := readFrame(t, conn); frame["type"] != "pong" {
		t.Errorf("expected pong, got %v", frame)
	}
}

func TestHubInvalidJSON(t *testing.T) {
	conn := dialTestHub(t, &fakeAuthorizer{})

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["error"] != "invalid_json" {
		t.Errorf("expected invalid_json error, got %v", frame)
	}
}

func TestHubUnknownAction(t *testing.T) {
	conn := dialTestHub(t, &fakeAuthorizer{})

	if err := conn.WriteJSON(ClientFrame{Action: "teleport"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["error"] != "unknown_action" {
		t.Errorf("expected unknown_action error, got %v", frame)
	}
}

func TestHubSubscribeReportsPerTupleErrors(t *testing.T) {
	az := &fakeAuthorizer{
		errors: []AuthorizationError{{
			Platform:        "google_meet",
			NativeMeetingID: "abc-defg-hij",
			Error:           "no meeting found for this account",
		}},
	}
	conn := dialTestHub(t, az)

	err := conn.WriteJSON(ClientFrame{
		Action:   "subscribe",
		Meetings: []MeetingRef{{Platform: "google_meet", NativeID: "abc-defg-hij"}},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}

	ack := readFrame(t, conn)
	if ack["type"] != "subscribed" {
		t.Fatalf("expected subscribed ack first, got %v", ack)
	}
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" || errFrame["error"] != "authorization_failed" {
		t.Errorf("expected authorization_failed error, got %v", errFrame)
	}
}

func TestHubSubscribeEmptyList(t *testing.T) {
	conn := dialTestHub(t, &fakeAuthorizer{})

	if err := conn.WriteJSON(ClientFrame{Action: "subscribe"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["error"] != "no_meetings_requested" {
		t.Errorf("expected no_meetings_requested, got %v", frame)
	}
}

func TestHubUnsubscribeWithoutSubscription(t *testing.T) {
	conn := dialTestHub(t, &fakeAuthorizer{})

	err := conn.WriteJSON(ClientFrame{
		Action:   "unsubscribe",
		Meetings: []MeetingRef{{Platform: "google_meet", NativeID: "abc-defg-hij"}},
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	frame := readFrame(t, conn)
	if frame["type"] != "unsubscribed" {
		t.Errorf("expected unsubscribed ack, got %v", frame)
	}
}
