package recognizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/model"
)

// SessionOptions is the first JSON frame a bot sends after connecting.
type SessionOptions struct {
	UID        string `json:"uid"`
	Platform   string `json:"platform"`
	MeetingURL string `json:"meeting_url"`
	Token      string `json:"token"`
	MeetingID  int64  `json:"meeting_id"`

	Backend           string                 `json:"backend,omitempty"`
	Language          string                 `json:"language,omitempty"`
	Task              string                 `json:"task,omitempty"`
	Model             string                 `json:"model,omitempty"`
	UseVAD            *bool                  `json:"use_vad,omitempty"`
	MaxConnectionTime int                    `json:"max_connection_time,omitempty"` // seconds
	InitialPrompt     string                 `json:"initial_prompt,omitempty"`
	VADParameters     map[string]interface{} `json:"vad_parameters,omitempty"`
}

// audioBuffer is the growing per-session sample window. offset tracks how
// many seconds have been trimmed from the front since session start, so
// engine-relative times convert to session-relative by adding it.
type audioBuffer struct {
	samples      []float32
	offset       float64
	sinceSegment float64 // seconds appended since the last produced segment

	maxS        float64
	discardS    float64
	clipAfterS  float64
	clipRetainS float64
}

func newAudioBuffer(maxS, discardS, clipAfterS, clipRetainS float64) *audioBuffer {
	return &audioBuffer{
		maxS:        maxS,
		discardS:    discardS,
		clipAfterS:  clipAfterS,
		clipRetainS: clipRetainS,
	}
}

func (b *audioBuffer) duration() float64 {
	return float64(len(b.samples)) / float64(sampleRate)
}

// append adds samples and applies the overflow rules: past maxS the oldest
// discardS seconds are dropped; past clipAfterS without a produced segment
// only the last clipRetainS seconds are retained.
func (b *audioBuffer) append(chunk []float32) {
	b.samples = append(b.samples, chunk...)
	b.sinceSegment += float64(len(chunk)) / float64(sampleRate)

	if b.duration() > b.maxS {
		drop := int(b.discardS * float64(sampleRate))
		if drop > len(b.samples) {
			drop = len(b.samples)
		}
		b.samples = b.samples[drop:]
		b.offset += float64(drop) / float64(sampleRate)
	}

	if b.sinceSegment >= b.clipAfterS {
		keep := int(b.clipRetainS * float64(sampleRate))
		if keep < len(b.samples) {
			drop := len(b.samples) - keep
			b.samples = b.samples[drop:]
			b.offset += float64(drop) / float64(sampleRate)
		}
		b.sinceSegment = b.clipRetainS
	}
}

// trimTo drops samples up to relEnd (seconds relative to the current window
// start) and resets the no-segment clock.
func (b *audioBuffer) trimTo(relEnd float64) {
	drop := int(relEnd * float64(sampleRate))
	if drop < 0 {
		drop = 0
	}
	if drop > len(b.samples) {
		drop = len(b.samples)
	}
	b.samples = b.samples[drop:]
	b.offset += float64(drop) / float64(sampleRate)
	b.sinceSegment = 0
}

// snapshot copies the current window for a recognition pass.
func (b *audioBuffer) snapshot() ([]float32, float64) {
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out, b.offset
}

// Session is one live bot connection being transcribed.
type Session struct {
	opts    SessionOptions
	conn    *websocket.Conn
	engine  Engine
	kvc     *kv.Client
	filter  *HallucinationFilter
	pulse   *Pulse
	logger  *logger.Logger
	writeMu sync.Mutex

	connectedAt time.Time
	maxConnTime time.Duration

	mu      sync.Mutex
	buf     *audioBuffer
	finals  []model.WireSegment
	started bool

	done     chan struct{}
	doneOnce sync.Once
}

func newSession(opts SessionOptions, conn *websocket.Conn, engine Engine,
	kvc *kv.Client, filter *HallucinationFilter, pulse *Pulse, log *logger.Logger) *Session {
	cfg := config.AppConfig

	maxConn := cfg.MaxConnectionTime
	if opts.MaxConnectionTime > 0 {
		requested := time.Duration(opts.MaxConnectionTime) * time.Second
		if requested < maxConn {
			maxConn = requested
		}
	}

	return &Session{
		opts:        opts,
		conn:        conn,
		engine:      engine,
		kvc:         kvc,
		filter:      filter,
		pulse:       pulse,
		logger:      log.WithFields(map[string]interface{}{"uid": opts.UID, "meeting_id": opts.MeetingID}),
		connectedAt: time.Now(),
		maxConnTime: maxConn,
		buf: newAudioBuffer(cfg.MaxBufferSeconds, cfg.DiscardBufferSeconds,
			cfg.ClipIfNoSegmentSeconds, cfg.ClipRetainSeconds),
		done: make(chan struct{}),
	}
}

// AddAudio appends decoded samples to the session buffer.
func (s *Session) AddAudio(samples []float32) {
	s.mu.Lock()
	s.buf.append(samples)
	s.mu.Unlock()
}

func (s *Session) expired() bool {
	return time.Since(s.connectedAt) > s.maxConnTime
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) writeJSON(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// run is the recognition loop: wait for enough audio, transcribe the window,
// split finals from the trailing partial, filter and emit.
func (s *Session) run(ctx context.Context) {
	defer s.emitSessionEnd(ctx)

	minSamples := int(config.AppConfig.MinAudioSeconds * float64(sampleRate))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(100 * time.Millisecond):
		}

		s.mu.Lock()
		enough := len(s.buf.samples) >= minSamples
		var window []float32
		var offset float64
		if enough {
			window, offset = s.buf.snapshot()
		}
		s.mu.Unlock()
		if !enough {
			continue
		}

		result, err := s.engine.Transcribe(ctx, window, TranscribeOptions{
			Language:      s.opts.Language,
			Task:          s.opts.Task,
			InitialPrompt: s.opts.InitialPrompt,
		})
		if err != nil {
			// Per-pass errors are logged and the loop continues; sustained
			// stalls are the circuit breaker's job.
			s.logger.LogError(ctx, err, "recognition pass failed")
			continue
		}
		if len(result.Segments) == 0 {
			continue
		}

		// Output happened: the liveness clock advances before the
		// hallucination filter so a run of filtered text still counts.
		s.pulse.MarkTranscription()

		s.commit(ctx, result, offset)
	}
}

// commit converts engine segments into session-relative wire segments. The
// last segment of a pass is the in-progress partial; everything before it is
// final.
func (s *Session) commit(ctx context.Context, result Result, offset float64) {
	segs := make([]model.WireSegment, 0, len(result.Segments))
	for i, es := range result.Segments {
		if s.filter.IsHallucination(es.Text) {
			continue
		}
		segs = append(segs, model.WireSegment{
			Start:     offset + es.Start,
			End:       offset + es.End,
			Text:      es.Text,
			Language:  result.Language,
			Completed: i < len(result.Segments)-1,
		})
	}

	var lastFinalEnd float64
	for _, es := range result.Segments[:len(result.Segments)-1] {
		if es.End > lastFinalEnd {
			lastFinalEnd = es.End
		}
	}

	s.mu.Lock()
	for _, seg := range segs {
		if seg.Completed {
			s.finals = append(s.finals, seg)
		}
	}
	windowSize := config.AppConfig.SendLastNSegments
	if len(s.finals) > windowSize {
		s.finals = s.finals[len(s.finals)-windowSize:]
	}
	if lastFinalEnd > 0 {
		s.buf.trimTo(lastFinalEnd)
	}
	recent := make([]model.WireSegment, len(s.finals))
	copy(recent, s.finals)
	if len(segs) > 0 && !segs[len(segs)-1].Completed {
		recent = append(recent, segs[len(segs)-1])
	}
	var first bool
	if len(recent) > 0 {
		first = !s.started
		s.started = true
	}
	s.mu.Unlock()

	if len(recent) == 0 {
		return
	}

	if first {
		s.emitSessionStart(ctx)
	}

	if err := s.writeJSON(map[string]interface{}{
		"uid":      s.opts.UID,
		"segments": recent,
	}); err != nil {
		s.logger.Debug("client write failed", slog.String("error", err.Error()))
	}

	s.emitTranscription(ctx, recent)
}

func (s *Session) emitSessionStart(ctx context.Context) {
	msg := model.TranscriptionMessage{
		Type:           "session_start",
		UID:            s.opts.UID,
		Token:          s.opts.Token,
		Platform:       s.opts.Platform,
		MeetingID:      s.opts.MeetingID,
		StartTimestamp: s.connectedAt.UTC().Format(time.RFC3339),
	}
	s.emit(ctx, msg)
	s.logger.Info("session started")
}

func (s *Session) emitSessionEnd(ctx context.Context) {
	msg := model.TranscriptionMessage{
		Type:      "session_end",
		UID:       s.opts.UID,
		Token:     s.opts.Token,
		Platform:  s.opts.Platform,
		MeetingID: s.opts.MeetingID,
	}
	s.emit(ctx, msg)
	s.logger.Info("session ended")
}

func (s *Session) emitTranscription(ctx context.Context, segments []model.WireSegment) {
	msg := model.TranscriptionMessage{
		Type:      "transcription",
		UID:       s.opts.UID,
		Token:     s.opts.Token,
		Platform:  s.opts.Platform,
		MeetingID: s.opts.MeetingID,
		Segments:  segments,
	}
	s.emit(ctx, msg)
}

func (s *Session) emit(ctx context.Context, msg model.TranscriptionMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if _, err := s.kvc.AddToStream(ctx, kv.TranscriptionStream, payload); err != nil {
		s.logger.LogError(ctx, err, "failed to emit to transcription stream",
			slog.String("type", msg.Type))
	}
}

// recordSpeakerEvents forwards speaker activity onto the speaker stream and
// feeds the circuit breaker.
func (s *Session) recordSpeakerEvents(ctx context.Context, events []model.SpeakerEvent) {
	s.pulse.MarkSpeakerActivity()
	for _, ev := range events {
		ev.UID = s.opts.UID
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := s.kvc.AddToStream(ctx, kv.SpeakerEventsStream, payload); err != nil {
			s.logger.LogError(ctx, err, "failed to emit speaker event")
		}
	}
}
