package recognizer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/echoscribe/echoscribe/internal/logger"
)

// ClientManager enforces the server-wide session cap and sweeps out
// timed-out connections.
type ClientManager struct {
	maxClients int
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session // by uid
}

func NewClientManager(maxClients int, log *logger.Logger) *ClientManager {
	return &ClientManager{
		maxClients: maxClients,
		logger:     log.WithComponent("client-manager"),
		sessions:   make(map[string]*Session),
	}
}

// TryAdd registers the session unless the server is full. A reconnect with
// an already-registered uid replaces the old session.
func (m *ClientManager) TryAdd(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[s.opts.UID]; ok {
		old.closeDone()
		old.conn.Close()
		delete(m.sessions, s.opts.UID)
	}

	if len(m.sessions) >= m.maxClients {
		return false
	}
	m.sessions[s.opts.UID] = s
	return true
}

func (m *ClientManager) Remove(uid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, uid)
}

func (m *ClientManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// WaitMinutes estimates how long a rejected client should back off: the time
// until the longest-standing session hits its connection cap, rounded up.
func (m *ClientManager) WaitMinutes() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	wait := time.Duration(math.MaxInt64)
	for _, s := range m.sessions {
		remaining := s.maxConnTime - time.Since(s.connectedAt)
		if remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 || wait == time.Duration(math.MaxInt64) {
		return 1
	}
	minutes := int(math.Ceil(wait.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// Sessions returns a snapshot of the live sessions.
func (m *ClientManager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// RunJanitor periodically disconnects sessions past their connection cap.
// The read loop notices the closed socket and finishes the teardown.
func (m *ClientManager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.Sessions() {
				if s.expired() {
					m.logger.Info("disconnecting session past max connection time",
						slog.String("uid", s.opts.UID))
					s.closeDone()
					s.conn.Close()
					m.Remove(s.opts.UID)
				}
			}
		}
	}
}
