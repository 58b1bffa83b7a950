package manager

import (
	"context"
	"sync"
	"time"

	"github.com/metagen-ai/metagen/internal/agent"
	"github.com/metagen-ai/metagen/pkg/models"
)

// sessionQueue buffers routed messages for one client session until a
// consumer streams them out.
type sessionQueue struct {
	mu         sync.Mutex
	ch         chan models.Message
	lastActive time.Time
	closed     bool
}

func newSessionQueue(size int) *sessionQueue {
	return &sessionQueue{
		ch:         make(chan models.Message, size),
		lastActive: time.Now(),
	}
}

// push enqueues without blocking; a full or closed queue drops.
func (q *sessionQueue) push(msg models.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.lastActive = time.Now()
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

func (q *sessionQueue) touch() {
	q.mu.Lock()
	q.lastActive = time.Now()
	q.mu.Unlock()
}

func (q *sessionQueue) idleSince(cutoff time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastActive.Before(cutoff)
}

func (q *sessionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// RegisterSession creates the queue for a session id if it does not
// exist yet. Registration is idempotent.
func (m *Manager) RegisterSession(sessionID string) {
	if sessionID == "" {
		return
	}
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return
	}
	m.sessions[sessionID] = newSessionQueue(m.sessionSize)
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
}

// UnregisterSession closes and removes a session queue.
func (m *Manager) UnregisterSession(sessionID string) {
	m.sessionsMu.Lock()
	q, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.sessionsMu.Unlock()
	if ok {
		q.close()
		if m.metrics != nil {
			m.metrics.ActiveSessions.Dec()
		}
	}
}

func (m *Manager) sessionQueue(sessionID string) *sessionQueue {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	return m.sessions[sessionID]
}

// StreamSession returns the message stream for one session. The stream
// ends when the meta agent sends its final response, the context is
// cancelled, or the session is unregistered. Task-agent messages pass
// through unfiltered; only the meta agent's final closes the stream,
// since task finals arrive mid-dispatch.
func (m *Manager) StreamSession(ctx context.Context, sessionID string) <-chan models.Message {
	m.RegisterSession(sessionID)
	q := m.sessionQueue(sessionID)

	out := make(chan models.Message, m.sessionSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q.ch:
				if !ok {
					return
				}
				q.touch()
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
				if msg.AgentID == agent.MetaAgentID && msg.Type == models.MessageAgent && msg.Final {
					return
				}
			}
		}
	}()
	return out
}

// runJanitor periodically drops session queues that have been idle
// longer than the configured timeout.
func (m *Manager) runJanitor(ctx context.Context) {
	interval := m.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.idleTimeout)
			for _, id := range m.idleSessions(cutoff) {
				m.logger.Info("dropping idle session", "session_id", id)
				m.UnregisterSession(id)
			}
		}
	}
}

func (m *Manager) idleSessions(cutoff time.Time) []string {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	var idle []string
	for id, q := range m.sessions {
		if q.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	return idle
}
