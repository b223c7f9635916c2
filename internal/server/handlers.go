package server

import (
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/models"
	apiv1 "github.com/hivemux/hivemux/pkg/api/v1"
)

// httpStatus maps an error kind to a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrRecoveryDenied):
		return http.StatusConflict
	case errors.Is(err, models.ErrSubprocessTimeout), errors.Is(err, models.ErrSubprocess):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) abortError(c *gin.Context, err error) {
	c.JSON(httpStatus(err), apiv1.ErrorResponse{Error: err.Error(), Kind: models.KindOf(err)})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	resp := apiv1.HealthResponse{
		Status:         "ok",
		Storage:        "ok",
		Uptime:         time.Since(s.deps.StartedAt).Round(time.Second).String(),
		ToolCategories: s.deps.Registry.EnabledCategories(),
	}

	agents, err := s.deps.Store.CountAgentsByStatus(ctx)
	if err != nil {
		resp.Status = "degraded"
		resp.Storage = "unavailable"
		resp.Error = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Agents = agents

	// Best effort; the storage probe above already decided health.
	if tasks, err := s.deps.Store.CountTasksByStatus(ctx); err == nil {
		resp.Tasks = tasks
	}
	if sessions, err := s.deps.Store.CountSessionsByStatus(ctx); err == nil {
		resp.Sessions = sessions
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now().UTC()

	agents, err := s.deps.Store.CountAgentsByStatus(ctx)
	if err != nil {
		s.abortError(c, err)
		return
	}
	tasks, err := s.deps.Store.CountTasksByStatus(ctx)
	if err != nil {
		s.abortError(c, err)
		return
	}
	sessions, err := s.deps.Store.CountSessionsByStatus(ctx)
	if err != nil {
		s.abortError(c, err)
		return
	}
	actions, err := s.deps.Store.CountActionsSince(ctx, now.Add(-constants.AuditWindow))
	if err != nil {
		s.abortError(c, err)
		return
	}
	unread, err := s.deps.Store.CountUnreadMessages(ctx)
	if err != nil {
		s.abortError(c, err)
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := apiv1.StatsResponse{
		Uptime:           time.Since(s.deps.StartedAt).Round(time.Second).String(),
		AgentsByStatus:   agents,
		TasksByStatus:    tasks,
		SessionsByStatus: sessions,
		ActionsLastHour:  actions,
		UnreadMessages:   unread,
		LiveConnections:  s.deps.Sessions.ActiveCount(),
		ToolsEnabled:     len(s.deps.Registry.List()),
		BusConnected:     s.deps.Bus.IsConnected(),
		RAGAvailable:     s.deps.RAG != nil,
		Runtime: apiv1.RuntimeStats{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: mem.HeapAlloc,
		},
	}
	if s.deps.RAG != nil {
		resp.RAGDocuments = s.deps.RAG.Count()
	}

	c.JSON(http.StatusOK, resp)
}

// handleSessions merges persisted rows with in-memory transport liveness.
func (s *Server) handleSessions(c *gin.Context) {
	rows, err := s.deps.Store.ListSessions(c.Request.Context(), "")
	if err != nil {
		s.abortError(c, err)
		return
	}

	connected := make(map[string]bool)
	for _, live := range s.deps.Sessions.LiveSessions() {
		connected[live.ID] = live.Connected
	}

	resp := apiv1.SessionsResponse{Sessions: make([]apiv1.Session, 0, len(rows))}
	for _, row := range rows {
		resp.Sessions = append(resp.Sessions, apiv1.Session{
			ID:                 row.ID,
			AgentID:            row.AgentID,
			Status:             string(row.Status),
			Connected:          connected[row.ID],
			RecoveryAttempts:   row.RecoveryAttempts,
			CreatedAt:          row.CreatedAt,
			LastHeartbeat:      row.LastHeartbeat,
			DisconnectedAt:     row.DisconnectedAt,
			GracePeriodExpires: row.GracePeriodExpires,
		})
	}
	resp.Count = len(resp.Sessions)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRecoverSession(c *gin.Context) {
	rec, err := s.deps.Sessions.TryRecover(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiv1.RecoverSessionResponse{
		SessionID:        rec.ID,
		Status:           string(rec.Status),
		RecoveryAttempts: rec.RecoveryAttempts,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	statuses := s.deps.Registry.Categories()
	resp := apiv1.ConfigResponse{
		Enabled:    s.deps.Registry.EnabledCategories(),
		Categories: make([]apiv1.ToolCategory, 0, len(statuses)),
	}
	for _, st := range statuses {
		resp.Categories = append(resp.Categories, apiv1.ToolCategory{
			Name:    st.Name,
			Enabled: st.Enabled,
			Tools:   st.Tools,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req apiv1.UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiv1.ErrorResponse{Error: err.Error(), Kind: "validation"})
		return
	}

	update, err := s.deps.Registry.UpdateConfiguration(req.Categories)
	if err != nil {
		s.abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, apiv1.UpdateConfigResponse{
		AppliedChanges: apiv1.AppliedChanges{Added: update.Added, Removed: update.Removed},
		Errors:         update.Errors,
		NewConfig:      update.Categories,
	})
}
