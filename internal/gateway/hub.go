// Package gateway fans live transcript and status events out to external
// WebSocket clients. It holds no state of its own: authorization is
// delegated to the collector and events arrive over Redis pub/sub.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
)

var (
	clientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connected_clients",
		Help: "Currently connected WebSocket clients.",
	})
	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_meeting_subscriptions",
		Help: "Active per-meeting subscriptions across all clients.",
	})
	forwardedFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_forwarded_frames_total",
		Help: "Pub/sub frames forwarded to clients.",
	})
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; auth is the API key.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscription is one meeting's pub/sub bridge for one client.
type subscription struct {
	meetingID int64
	ref       MeetingRef
	cancel    context.CancelFunc
}

// client is one connected WebSocket consumer.
type client struct {
	conn      *websocket.Conn
	apiKey    string
	accountID int64

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[int64]*subscription
}

// write sends one JSON frame; gorilla conns allow a single writer at a time.
func (c *client) write(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *client) writeRaw(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub accepts clients and bridges Redis pub/sub channels to their sockets.
type Hub struct {
	kvc        *kv.Client
	authorizer Authorizer
	logger     *logger.Logger
}

func NewHub(kvc *kv.Client, authorizer Authorizer, log *logger.Logger) *Hub {
	return &Hub{
		kvc:        kvc,
		authorizer: authorizer,
		logger:     log.WithComponent("gateway"),
	}
}

// HandleWS upgrades /ws and runs the client's read loop until the socket
// closes. The auth middleware has already resolved the account.
func (h *Hub) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, ok := auth.GetAccount(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Account not resolved"})
			return
		}

		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		cl := &client{
			conn:      conn,
			apiKey:    apiKey,
			accountID: account.ID,
			subs:      make(map[int64]*subscription),
		}
		clientsGauge.Inc()
		h.logger.Info("client connected", slog.Int64("account_id", account.ID))

		h.readLoop(c.Request.Context(), cl)

		h.teardown(cl)
		clientsGauge.Dec()
		h.logger.Info("client disconnected", slog.Int64("account_id", account.ID))
	}
}

func (h *Hub) readLoop(ctx context.Context, cl *client) {
	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			cl.write(ErrorFrame{Type: "error", Error: "invalid_json"})
			continue
		}

		switch frame.Action {
		case "subscribe":
			h.handleSubscribe(ctx, cl, frame.Meetings)
		case "unsubscribe":
			h.handleUnsubscribe(cl, frame.Meetings)
		case "ping":
			cl.write(PongFrame{Type: "pong"})
		default:
			cl.write(ErrorFrame{Type: "error", Error: "unknown_action"})
		}
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, cl *client, meetings []MeetingRef) {
	if len(meetings) == 0 {
		cl.write(ErrorFrame{Type: "error", Error: "no_meetings_requested"})
		return
	}

	authorized, authErrors, err := h.authorizer.Authorize(ctx, cl.apiKey, meetings)
	if err != nil {
		h.logger.LogError(ctx, err, "collector authorize failed",
			slog.Int64("account_id", cl.accountID))
		cl.write(ErrorFrame{Type: "error", Error: "authorization_unavailable"})
		return
	}

	var acked []MeetingRef
	for _, a := range authorized {
		ref := MeetingRef{Platform: a.Platform, NativeID: a.NativeMeetingID}
		h.subscribe(cl, a.MeetingID, ref)
		acked = append(acked, ref)
	}

	cl.write(AckFrame{Type: "subscribed", Meetings: acked})
	if len(authErrors) > 0 {
		cl.write(ErrorFrame{Type: "error", Error: "authorization_failed", Details: authErrors})
	}
}

// subscribe opens the per-meeting pub/sub bridge unless one already exists.
func (h *Hub) subscribe(cl *client, meetingID int64, ref MeetingRef) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if _, ok := cl.subs[meetingID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl.subs[meetingID] = &subscription{meetingID: meetingID, ref: ref, cancel: cancel}
	subscriptionsGauge.Inc()

	go h.pump(ctx, cl, meetingID)
}

// pump forwards pub/sub frames for one meeting to the client verbatim until
// the subscription is cancelled.
func (h *Hub) pump(ctx context.Context, cl *client, meetingID int64) {
	pubsub := h.kvc.Subscribe(ctx, kv.MutableChannel(meetingID), kv.StatusChannel(meetingID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := cl.writeRaw([]byte(msg.Payload)); err != nil {
				// Slow or dead client: drop the bridge, the read loop's
				// teardown finishes the cleanup.
				h.logger.Debug("forward failed, closing subscription",
					slog.Int64("meeting_id", meetingID),
					slog.String("error", err.Error()))
				return
			}
			forwardedFramesTotal.Inc()
		}
	}
}

func (h *Hub) handleUnsubscribe(cl *client, meetings []MeetingRef) {
	cl.mu.Lock()
	var acked []MeetingRef
	for _, ref := range meetings {
		for id, sub := range cl.subs {
			if sub.ref == ref {
				sub.cancel()
				delete(cl.subs, id)
				subscriptionsGauge.Dec()
				acked = append(acked, ref)
			}
		}
	}
	cl.mu.Unlock()

	cl.write(AckFrame{Type: "unsubscribed", Meetings: acked})
}

// teardown cancels all of a client's subscriptions.
func (h *Hub) teardown(cl *client) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, sub := range cl.subs {
		sub.cancel()
		delete(cl.subs, id)
		subscriptionsGauge.Dec()
	}
}

// RegisterRoutes wires the gateway surface onto the router.
func RegisterRoutes(r *gin.Engine, hub *Hub, authMW *auth.APIKeyMiddleware) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", authMW.RequireAPIKey(), hub.HandleWS())
}
