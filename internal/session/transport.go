package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
)

// The Manager implements the streamable HTTP transport's SessionIdManager
// contract (Generate/Validate/Terminate). Creation is two-phase: Generate
// hands out the ID and parks a placeholder, and Register completes the
// session once the transport fires its register hook with a request context
// in hand.

// Generate mints a session ID for an initialize request.
func (m *Manager) Generate() string {
	sid := uuid.New().String()
	m.mu.Lock()
	m.pending[sid] = time.Now().UTC()
	m.mu.Unlock()
	return sid
}

// Validate is called for every request carrying a session ID. Live and
// pending sessions pass straight through. A known session without a live
// transport goes through recovery on the spot, so a client that silently
// lost its connection resumes with a plain request instead of a dedicated
// recovery call. The contract: (true, nil) marks a terminated session,
// (false, err) an unknown or unrecoverable one.
func (m *Manager) Validate(sid string) (isTerminated bool, err error) {
	if sid == "" {
		return false, models.Validationf("session id is required")
	}

	now := time.Now().UTC()
	m.mu.Lock()
	if entry, ok := m.active[sid]; ok && entry.heartbeatCancel != nil {
		entry.lastActivity = now
		m.mu.Unlock()
		return false, nil
	}
	if _, ok := m.pending[sid]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetSession(m.runCtx, sid)
	if err != nil {
		return false, err
	}
	if rec.Status == models.SessionStatusExpired {
		return true, nil
	}

	if _, err := m.TryRecover(m.runCtx, sid); err != nil {
		return false, err
	}
	return false, nil
}

// Terminate ends a session for good on a client's explicit goodbye. The row
// flips to expired so recovery can never resurrect it. Termination is always
// permitted.
func (m *Manager) Terminate(sid string) (isNotAllowed bool, err error) {
	if sid == "" {
		return false, models.Validationf("session id is required")
	}

	m.dropEntry(sid)
	m.mu.Lock()
	delete(m.pending, sid)
	m.mu.Unlock()

	if err := m.store.MarkExpired(m.runCtx, sid); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return false, err
		}
		return false, nil
	}

	m.logger.Info("Session terminated by client", zap.String("session_id", sid))
	m.publish(m.runCtx, events.SessionExpired, map[string]interface{}{
		"session_id": sid,
		"reason":     "client terminated",
	})
	return false, nil
}
