package recognizer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/echoscribe/echoscribe/internal/logger"
)

// Pulse tracks the two liveness signals the circuit breaker compares:
// when we last produced transcription output and when a speaker was last
// heard from.
type Pulse struct {
	startedAt         time.Time
	lastTranscription atomic.Int64 // unix nanos, 0 = never
	lastSpeaker       atomic.Int64
}

func NewPulse() *Pulse {
	return &Pulse{startedAt: time.Now()}
}

func (p *Pulse) MarkTranscription() {
	p.lastTranscription.Store(time.Now().UnixNano())
}

func (p *Pulse) MarkSpeakerActivity() {
	p.lastSpeaker.Store(time.Now().UnixNano())
}

func (p *Pulse) sinceTranscription(now time.Time) time.Duration {
	v := p.lastTranscription.Load()
	if v == 0 {
		return now.Sub(p.startedAt)
	}
	return now.Sub(time.Unix(0, v))
}

func (p *Pulse) sinceSpeaker(now time.Time) time.Duration {
	v := p.lastSpeaker.Load()
	if v == 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.Unix(0, v))
}

// Breaker is the speaker-ground-truth circuit breaker: if speakers are
// demonstrably active but no transcription has been produced for too long,
// the ASR backend is wedged and a restart is cheaper than limping on.
type Breaker struct {
	pulse  *Pulse
	logger *logger.Logger

	warmup       time.Duration
	activeWindow time.Duration
	stallAfter   time.Duration
	consecutive  int

	streak int
	onTrip func()
}

// NewBreaker builds a breaker; onTrip is invoked once when the consecutive
// stall threshold is reached.
func NewBreaker(pulse *Pulse, warmup, activeWindow, stallAfter time.Duration,
	consecutive int, onTrip func(), log *logger.Logger) *Breaker {
	return &Breaker{
		pulse:        pulse,
		logger:       log.WithComponent("circuit-breaker"),
		warmup:       warmup,
		activeWindow: activeWindow,
		stallAfter:   stallAfter,
		consecutive:  consecutive,
		onTrip:       onTrip,
	}
}

// check evaluates one tick and returns true when the breaker trips.
func (b *Breaker) check(now time.Time) bool {
	if now.Sub(b.pulse.startedAt) < b.warmup {
		return false
	}

	speakerActive := b.pulse.sinceSpeaker(now) <= b.activeWindow
	stalled := b.pulse.sinceTranscription(now) >= b.stallAfter

	if speakerActive && stalled {
		b.streak++
		b.logger.Warn("speaker active but no transcription output",
			slog.Int("streak", b.streak),
			slog.Duration("since_transcription", b.pulse.sinceTranscription(now)))
	} else {
		b.streak = 0
	}

	return b.streak >= b.consecutive
}

// Run evaluates the breaker on each interval until the context ends or the
// breaker trips.
func (b *Breaker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.check(time.Now()) {
				b.logger.Error("circuit breaker tripped, shutting down")
				b.onTrip()
				return
			}
		}
	}
}
