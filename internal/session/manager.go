// Package session tracks the lifecycle of MCP client sessions: registration,
// heartbeats, disconnect grace windows, recovery, and expiry. The Manager
// doubles as the transport's session ID authority, so every request that
// carries an Mcp-Session-Id header flows through Validate before dispatch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
)

// liveSession is the in-memory side of a session. The persisted row is the
// source of truth for status; this entry carries what must not hit the
// database on every request. heartbeatCancel is non-nil exactly while the
// heartbeat loop runs, which is also the test for "connected".
type liveSession struct {
	createdAt       time.Time
	lastActivity    time.Time
	recovered       bool
	heartbeatCancel context.CancelFunc
	cleanup         *time.Timer
}

// LiveSession is a read-only snapshot of an in-memory session entry.
type LiveSession struct {
	ID           string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Recovered    bool      `json:"recovered"`
	Connected    bool      `json:"connected"`
}

// Manager owns session lifecycle. It persists every transition through the
// store, keeps an in-memory map of live sessions for fast request validation,
// and emits lifecycle events for the resource catalog and websocket gateway.
type Manager struct {
	store  *store.Store
	bus    bus.EventBus
	logger *logger.Logger

	heartbeatEvery time.Duration
	grace          time.Duration
	sweepEvery     time.Duration
	maxAttempts    int

	mu      sync.RWMutex
	active  map[string]*liveSession
	pending map[string]time.Time

	recovering singleflight.Group

	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager builds a session manager. Zero config values fall back to the
// protocol defaults (30 s heartbeat, 10 min grace, 3 attempts, 5 min sweep).
func NewManager(st *store.Store, eventBus bus.EventBus, cfg config.SessionConfig, log *logger.Logger) *Manager {
	heartbeat := cfg.Heartbeat()
	if heartbeat <= 0 {
		heartbeat = constants.HeartbeatInterval
	}
	grace := cfg.Grace()
	if grace <= 0 {
		grace = constants.RecoveryGracePeriod
	}
	sweep := cfg.SweepInterval()
	if sweep <= 0 {
		sweep = constants.ExpiredSweepInterval
	}
	maxAttempts := cfg.MaxRecoveryAttempts
	if maxAttempts <= 0 {
		maxAttempts = constants.MaxRecoveryAttempts
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	return &Manager{
		store:          st,
		bus:            eventBus,
		logger:         log.WithComponent("session-manager"),
		heartbeatEvery: heartbeat,
		grace:          grace,
		sweepEvery:     sweep,
		maxAttempts:    maxAttempts,
		active:         make(map[string]*liveSession),
		pending:        make(map[string]time.Time),
		runCtx:         runCtx,
		runCancel:      runCancel,
	}
}

// Start reconciles persisted sessions with a fresh boot and launches the
// background sweeper. In-memory transports never survive a restart, so rows
// whose grace window lapsed while the process was down are expired right
// away; rows still inside their window stay recoverable for returning
// clients.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return models.Internalf("session manager already started")
	}
	m.running = true
	m.mu.Unlock()

	expired, err := m.store.ExpireSessionsPastGrace(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire lapsed sessions at boot: %w", err)
	}
	for _, id := range expired {
		m.publish(ctx, events.SessionExpired, map[string]interface{}{"session_id": id, "reason": "grace lapsed during downtime"})
	}

	m.logger.Info("Session manager started",
		zap.Duration("heartbeat", m.heartbeatEvery),
		zap.Duration("grace", m.grace),
		zap.Int("max_recovery_attempts", m.maxAttempts),
		zap.Int("expired_at_boot", len(expired)))

	m.wg.Add(1)
	go m.sweep()
	return nil
}

// Shutdown stops heartbeats and the sweeper, then marks every live session
// disconnected so clients can recover against the next process. The rows keep
// their grace window; nothing is expired here.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runCancel()

	m.mu.Lock()
	for _, e := range m.active {
		if e.cleanup != nil {
			e.cleanup.Stop()
		}
	}
	m.active = make(map[string]*liveSession)
	m.pending = make(map[string]time.Time)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	now := time.Now().UTC()
	ids, err := m.store.MarkAllDisconnected(ctx, now, now.Add(m.grace))
	if err != nil {
		return fmt.Errorf("disconnect sessions at shutdown: %w", err)
	}
	for _, id := range ids {
		m.publish(ctx, events.SessionDisconnected, map[string]interface{}{"session_id": id, "reason": "server shutdown"})
	}

	m.logger.Info("Session manager stopped", zap.Int("sessions_left_recoverable", len(ids)))
	return nil
}

// Register completes session creation once the transport has accepted the
// initialize request. It is idempotent: re-registration of a session that is
// already live (a recovered client reopening its event stream) is a no-op.
func (m *Manager) Register(ctx context.Context, sid string) error {
	if sid == "" {
		return models.Validationf("session id is required")
	}

	now := time.Now().UTC()
	rec := &models.SessionRecord{
		ID:            sid,
		Status:        models.SessionStatusActive,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	err := m.store.InsertSession(ctx, rec)
	reattached := errors.Is(err, models.ErrConflict)
	if err != nil && !reattached {
		return fmt.Errorf("register session %s: %w", sid, err)
	}

	m.mu.Lock()
	delete(m.pending, sid)
	if _, ok := m.active[sid]; ok {
		m.mu.Unlock()
		return nil
	}
	entry := &liveSession{createdAt: now, lastActivity: now}
	entry.heartbeatCancel = m.startHeartbeatLocked(sid)
	m.active[sid] = entry
	m.mu.Unlock()

	if reattached {
		m.logger.Debug("Session reattached", zap.String("session_id", sid))
		return nil
	}

	m.logger.Info("Session registered", zap.String("session_id", sid))
	m.publish(ctx, events.SessionStarted, map[string]interface{}{"session_id": sid})
	return nil
}

// Disconnect opens the recovery grace window for a session. The heartbeat
// stops, but the in-memory entry stays for the whole window; a single-shot
// timer removes it at grace expiry unless recovery happened first. Sessions
// that are already expired or terminated are quietly dropped.
func (m *Manager) Disconnect(ctx context.Context, sid string) error {
	now := time.Now().UTC()
	graceExpires := now.Add(m.grace)

	if err := m.store.MarkDisconnected(ctx, sid, now, graceExpires); err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrConflict) {
			m.dropEntry(sid)
			return nil
		}
		return fmt.Errorf("disconnect session %s: %w", sid, err)
	}

	m.mu.Lock()
	if entry, ok := m.active[sid]; ok {
		if entry.heartbeatCancel != nil {
			entry.heartbeatCancel()
			entry.heartbeatCancel = nil
		}
		entry.recovered = false
		if entry.cleanup != nil {
			entry.cleanup.Stop()
		}
		entry.cleanup = time.AfterFunc(m.grace, func() { m.purgeUnlessRecovered(sid) })
	}
	m.mu.Unlock()

	m.logger.Info("Session disconnected",
		zap.String("session_id", sid),
		zap.Time("grace_period_expires", graceExpires))
	m.publish(ctx, events.SessionDisconnected, map[string]interface{}{
		"session_id":           sid,
		"grace_period_expires": graceExpires,
	})
	return nil
}

// CanRecover reports whether a recovery attempt on the session would be
// accepted right now. Sessions whose transport vanished without a recorded
// disconnect count as recoverable; TryRecover opens their grace window on
// demand.
func (m *Manager) CanRecover(ctx context.Context, sid string) bool {
	rec, err := m.store.GetSession(ctx, sid)
	if err != nil {
		return false
	}
	now := time.Now().UTC()
	switch rec.Status {
	case models.SessionStatusDisconnected:
		return rec.Recoverable(now, m.maxAttempts)
	case models.SessionStatusActive, models.SessionStatusRecovered:
		return rec.RecoveryAttempts < m.maxAttempts
	default:
		return false
	}
}

// TryRecover reattaches a client to its session. Concurrent attempts on the
// same session share one outcome, so a burst of requests after a reconnect
// burns a single recovery attempt. A session that is already live returns its
// current record without consuming an attempt.
func (m *Manager) TryRecover(ctx context.Context, sid string) (*models.SessionRecord, error) {
	v, err, _ := m.recovering.Do(sid, func() (interface{}, error) {
		return m.recoverOnce(ctx, sid)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SessionRecord), nil
}

func (m *Manager) recoverOnce(ctx context.Context, sid string) (*models.SessionRecord, error) {
	m.mu.RLock()
	entry, ok := m.active[sid]
	live := ok && entry.heartbeatCancel != nil
	m.mu.RUnlock()
	if live {
		return m.store.GetSession(ctx, sid)
	}

	rec, err := m.store.GetSession(ctx, sid)
	if err != nil {
		return nil, err
	}

	// A row still marked active (or recovered) with no live transport means
	// the connection dropped before the server noticed. The grace window
	// opens now, backdating nothing.
	if rec.Status == models.SessionStatusActive || rec.Status == models.SessionStatusRecovered {
		now := time.Now().UTC()
		if err := m.store.MarkDisconnected(ctx, sid, now, now.Add(m.grace)); err != nil && !errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("open grace window for session %s: %w", sid, err)
		}
	}

	rec, err = m.store.TryRecoverSession(ctx, sid, time.Now().UTC(), m.maxAttempts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	entry, ok = m.active[sid]
	if !ok {
		entry = &liveSession{createdAt: rec.CreatedAt}
		m.active[sid] = entry
	}
	if entry.cleanup != nil {
		entry.cleanup.Stop()
		entry.cleanup = nil
	}
	entry.recovered = true
	entry.lastActivity = time.Now().UTC()
	if entry.heartbeatCancel == nil {
		entry.heartbeatCancel = m.startHeartbeatLocked(sid)
	}
	m.mu.Unlock()

	m.logger.Info("Session recovered",
		zap.String("session_id", sid),
		zap.Int("recovery_attempts", rec.RecoveryAttempts))
	m.publish(ctx, events.SessionRecovered, map[string]interface{}{
		"session_id":        sid,
		"recovery_attempts": rec.RecoveryAttempts,
	})
	return rec, nil
}

// Touch records request activity on a live session.
func (m *Manager) Touch(sid string) {
	m.mu.Lock()
	if entry, ok := m.active[sid]; ok {
		entry.lastActivity = time.Now().UTC()
	}
	m.mu.Unlock()
}

// ActiveCount reports how many sessions currently have a running heartbeat.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, entry := range m.active {
		if entry.heartbeatCancel != nil {
			n++
		}
	}
	return n
}

// LiveSessions snapshots the in-memory session table, ordered by session ID.
func (m *Manager) LiveSessions() []LiveSession {
	m.mu.RLock()
	out := make([]LiveSession, 0, len(m.active))
	for sid, entry := range m.active {
		out = append(out, LiveSession{
			ID:           sid,
			CreatedAt:    entry.createdAt,
			LastActivity: entry.lastActivity,
			Recovered:    entry.recovered,
			Connected:    entry.heartbeatCancel != nil,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// startHeartbeatLocked launches the per-session heartbeat loop. The caller
// holds m.mu.
func (m *Manager) startHeartbeatLocked(sid string) context.CancelFunc {
	ctx, cancel := context.WithCancel(m.runCtx)
	m.wg.Add(1)
	go m.runHeartbeat(ctx, sid)
	return cancel
}

// runHeartbeat pushes last_heartbeat to the store on every tick. The first
// tick after a recovery flips the persisted status back to active.
func (m *Manager) runHeartbeat(ctx context.Context, sid string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.store.UpdateHeartbeat(ctx, sid, time.Now().UTC())
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					m.logger.Warn("Heartbeat target vanished, stopping loop", zap.String("session_id", sid))
					m.dropEntry(sid)
					return
				}
				m.logger.Error("Heartbeat write failed", zap.String("session_id", sid), zap.Error(err))
				continue
			}
			m.mu.Lock()
			if entry, ok := m.active[sid]; ok && entry.recovered {
				entry.recovered = false
			}
			m.mu.Unlock()
		}
	}
}

// sweep periodically expires sessions whose grace window lapsed and purges
// expired agent session state. Stale pre-registration placeholders are pruned
// on the same cadence.
func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()

			expired, err := m.store.ExpireSessionsPastGrace(m.runCtx, now)
			if err != nil {
				if m.runCtx.Err() != nil {
					return
				}
				m.logger.Error("Session sweep failed", zap.Error(err))
				continue
			}
			for _, id := range expired {
				m.dropEntry(id)
				m.publish(m.runCtx, events.SessionExpired, map[string]interface{}{"session_id": id, "reason": "grace period lapsed"})
			}
			if len(expired) > 0 {
				m.logger.Info("Expired sessions swept", zap.Int("count", len(expired)))
			}

			purged, err := m.store.DeleteExpiredState(m.runCtx, now)
			if err != nil && m.runCtx.Err() == nil {
				m.logger.Error("Expired state purge failed", zap.Error(err))
			} else if purged > 0 {
				m.logger.Debug("Expired session state purged", zap.Int64("count", purged))
			}

			m.mu.Lock()
			for sid, created := range m.pending {
				if now.Sub(created) > m.grace {
					delete(m.pending, sid)
				}
			}
			m.mu.Unlock()
		}
	}
}

// purgeUnlessRecovered is the grace-expiry cleanup for one session. It only
// touches the in-memory entry; the persisted row is the sweeper's business.
func (m *Manager) purgeUnlessRecovered(sid string) {
	m.mu.Lock()
	if entry, ok := m.active[sid]; ok && entry.heartbeatCancel == nil {
		delete(m.active, sid)
	}
	m.mu.Unlock()
}

// dropEntry removes a session from memory and stops its timers.
func (m *Manager) dropEntry(sid string) {
	m.mu.Lock()
	if entry, ok := m.active[sid]; ok {
		if entry.heartbeatCancel != nil {
			entry.heartbeatCancel()
		}
		if entry.cleanup != nil {
			entry.cleanup.Stop()
		}
		delete(m.active, sid)
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Warn("Event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}
