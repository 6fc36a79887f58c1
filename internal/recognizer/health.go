package recognizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
)

// HealthMonitor probes the server's own dependencies and forces a restart
// when they stay unhealthy, on the theory that a supervisor restart beats a
// zombie worker holding client slots.
type HealthMonitor struct {
	kvc       *kv.Client
	manager   *ClientManager
	logger    *logger.Logger
	maxStreak int
	onFail    func()

	streak  int
	healthy atomic.Bool
}

func NewHealthMonitor(kvc *kv.Client, manager *ClientManager, maxStreak int,
	onFail func(), log *logger.Logger) *HealthMonitor {
	m := &HealthMonitor{
		kvc:       kvc,
		manager:   manager,
		logger:    log.WithComponent("health-monitor"),
		maxStreak: maxStreak,
		onFail:    onFail,
	}
	m.healthy.Store(true)
	return m
}

// Run probes every interval until the context ends or the unhealthy streak
// is exhausted.
func (m *HealthMonitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.probe(ctx); err != nil {
				m.streak++
				m.healthy.Store(false)
				m.logger.Warn("health probe failed",
					slog.Int("streak", m.streak),
					slog.String("error", err.Error()))
				if m.streak >= m.maxStreak {
					m.logger.Error("unhealthy streak exhausted, shutting down")
					m.onFail()
					return
				}
			} else {
				m.streak = 0
				m.healthy.Store(true)
			}
		}
	}
}

func (m *HealthMonitor) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.kvc.Ping(probeCtx).Err()
}

// sessionFingerprint is the cross-server dedup view of one live session:
// hashes only, so /metrics never leaks tokens.
type sessionFingerprint struct {
	UIDHash   string `json:"uid_hash"`
	TokenHash string `json:"token_hash"`
	MeetingID int64  `json:"meeting_id"`
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// MetricsHandler serves the JSON load report other workers use to balance
// placement.
func MetricsHandler(manager *ClientManager, maxClients int) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := manager.Sessions()
		fingerprints := make([]sessionFingerprint, 0, len(sessions))
		for _, s := range sessions {
			fingerprints = append(fingerprints, sessionFingerprint{
				UIDHash:   shortHash(s.opts.UID),
				TokenHash: shortHash(s.opts.Token),
				MeetingID: s.opts.MeetingID,
			})
		}

		load := 0.0
		if maxClients > 0 {
			load = float64(len(sessions)) / float64(maxClients) * 100
		}
		c.JSON(http.StatusOK, gin.H{
			"active_sessions": len(sessions),
			"max_clients":     maxClients,
			"load_pct":        load,
			"sessions":        fingerprints,
		})
	}
}

// HealthHandler reports readiness based on the monitor's last probe.
func HealthHandler(m *HealthMonitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
