package recognizer

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
	"github.com/echoscribe/echoscribe/internal/token"
)

// endOfAudio is the sentinel the bot sends when its audio stream ends.
var endOfAudio = []byte("END_OF_AUDIO")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server accepts bot audio connections and runs one Session per connection.
type Server struct {
	engine   Engine
	kvc      *kv.Client
	manager  *ClientManager
	filter   *HallucinationFilter
	pulse    *Pulse
	verifier *token.Minter
	logger   *logger.Logger
}

func NewServer(engine Engine, kvc *kv.Client, manager *ClientManager,
	filter *HallucinationFilter, pulse *Pulse, verifier *token.Minter, log *logger.Logger) *Server {
	return &Server{
		engine:   engine,
		kvc:      kvc,
		manager:  manager,
		filter:   filter,
		pulse:    pulse,
		verifier: verifier,
		logger:   log.WithComponent("recognizer-server"),
	}
}

// readyFrame is the handshake reply.
type readyFrame struct {
	Status  string      `json:"status"`
	Message interface{} `json:"message,omitempty"`
	UID     string      `json:"uid,omitempty"`
	Backend string      `json:"backend,omitempty"`
}

// controlMessage is any JSON frame after the handshake.
type controlMessage struct {
	Type   string               `json:"type"`
	Events []model.SpeakerEvent `json:"events,omitempty"`
	Action string               `json:"action,omitempty"`
}

// HandleWS upgrades the connection, performs the options handshake and runs
// the session until the socket closes or END_OF_AUDIO arrives.
func (s *Server) HandleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.Close()

		opts, ok := s.handshake(conn)
		if !ok {
			return
		}

		sess := newSession(opts, conn, s.engine, s.kvc, s.filter, s.pulse, s.logger)
		if !s.manager.TryAdd(sess) {
			conn.WriteJSON(readyFrame{Status: "WAIT", Message: s.manager.WaitMinutes()})
			return
		}
		defer s.manager.Remove(opts.UID)

		if err := conn.WriteJSON(readyFrame{
			Status:  "SERVER_READY",
			UID:     opts.UID,
			Backend: s.engine.Name(),
		}); err != nil {
			return
		}

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go sess.run(ctx)
		defer sess.closeDone()

		s.readLoop(ctx, conn, sess)
	}
}

// handshake reads and validates the options frame. On failure it replies
// with an ERROR frame and reports not-ok; the caller closes the socket.
func (s *Server) handshake(conn *websocket.Conn) (SessionOptions, bool) {
	var opts SessionOptions

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return opts, false
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		conn.WriteJSON(readyFrame{Status: "ERROR", Message: "invalid options frame"})
		return opts, false
	}

	if opts.UID == "" || opts.Platform == "" || opts.MeetingURL == "" ||
		opts.Token == "" || opts.MeetingID == 0 {
		conn.WriteJSON(readyFrame{Status: "ERROR", Message: "missing required option fields"})
		return opts, false
	}

	claims, err := s.verifier.Verify(opts.Token)
	if err != nil {
		conn.WriteJSON(readyFrame{Status: "ERROR", Message: "invalid meeting token"})
		return opts, false
	}
	if claims.MeetingID != opts.MeetingID {
		conn.WriteJSON(readyFrame{Status: "ERROR", Message: "token does not match meeting"})
		return opts, false
	}

	return opts, true
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if bytes.Equal(raw, endOfAudio) {
			s.logger.Info("end of audio", slog.String("uid", sess.opts.UID))
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			sess.AddAudio(decodeSamples(raw))
		case websocket.TextMessage:
			if s.handleControl(ctx, raw, sess) {
				return
			}
		}
	}
}

// handleControl dispatches a JSON control frame; a true return ends the
// session.
func (s *Server) handleControl(ctx context.Context, raw []byte, sess *Session) bool {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Debug("dropping unparsable control message",
			slog.String("uid", sess.opts.UID))
		return false
	}

	switch msg.Type {
	case "speaker_activity", "speaker_activity_update":
		sess.recordSpeakerEvents(ctx, msg.Events)
	case "audio_chunk_metadata":
		// Informational only; timing is reconstructed from the sample count.
	case "session_control":
		if msg.Action == "stop" {
			s.logger.Info("session stop requested", slog.String("uid", sess.opts.UID))
			return true
		}
	default:
		s.logger.Debug("dropping unknown control message type",
			slog.String("type", msg.Type))
	}
	return false
}

// decodeSamples converts little-endian float32 PCM bytes to samples. A
// trailing partial sample is dropped.
func decodeSamples(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// RegisterRoutes wires the recognizer surface onto the router.
func RegisterRoutes(r *gin.Engine, srv *Server, monitor *HealthMonitor, manager *ClientManager) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health", HealthHandler(monitor))
	r.GET("/metrics", MetricsHandler(manager, config.AppConfig.MaxClients))
	r.GET("/ws", srv.HandleWS())
}
