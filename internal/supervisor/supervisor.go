// Package supervisor drives the agent fleet: it spawns agent runtimes inside
// tmux sessions, moves tasks between agents, and runs the testing pipeline
// that audits every completed task. All state changes go through the store;
// the supervisor owns the orchestration between store, tmux, and auth.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/appctx"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/tmux"
)

// Environment variables injected into every agent session.
const (
	EnvAgentID    = "HIVEMUX_AGENT_ID"
	EnvAgentToken = "HIVEMUX_AGENT_TOKEN"
	EnvServerURL  = "HIVEMUX_SERVER_URL"
	EnvWorkingDir = "HIVEMUX_WORKING_DIR"
)

// Background agent templates.
const (
	TemplateMonitor = "monitor"
	TemplateWorker  = "worker"
)

// testingCapabilities is the capability set granted to spawned testing
// agents.
var testingCapabilities = []string{"testing", "validation", "criticism", "audit"}

// agentColors is the palette cycled through as agents are created, so panes
// are tellable apart at a glance.
var agentColors = []string{"cyan", "green", "yellow", "magenta", "blue", "red", "white"}

// Supervisor orchestrates agent lifecycle and the testing pipeline.
type Supervisor struct {
	store  *store.Store
	auth   *auth.Authenticator
	tmux   *tmux.Controller
	bus    bus.EventBus
	logger *logger.Logger

	serverURL    string
	agentCommand string
	projectDir   string

	prompts *promptCatalog

	// Timings are fields so tests can collapse the waits.
	injectDelay     time.Duration
	pauseSpacing    time.Duration
	validationDelay time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a supervisor. It fails only when the embedded prompt catalog is
// unusable.
func New(st *store.Store, authn *auth.Authenticator, tm *tmux.Controller, eventBus bus.EventBus, cfg *config.Config, log *logger.Logger) (*Supervisor, error) {
	prompts, err := loadPrompts()
	if err != nil {
		return nil, err
	}

	agentCommand := cfg.Tmux.AgentCommand
	if agentCommand == "" {
		agentCommand = "claude"
	}

	return &Supervisor{
		store:           st,
		auth:            authn,
		tmux:            tm,
		bus:             eventBus,
		logger:          log.WithComponent("supervisor"),
		serverURL:       cfg.Server.AgentURL(),
		agentCommand:    agentCommand,
		projectDir:      cfg.Project.Dir,
		prompts:         prompts,
		injectDelay:     constants.PromptInjectionDelay,
		pauseSpacing:    constants.AgentPauseSpacing,
		validationDelay: constants.ValidationDelay,
		stopCh:          make(chan struct{}),
	}, nil
}

// Shutdown stops accepting new pipeline work and waits for in-flight
// pipelines and prompt injections to wind down.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// CreateAgentParams carries everything needed to spawn one agent.
type CreateAgentParams struct {
	ID               string
	Capabilities     []string
	WorkingDirectory string
	Prompt           string // extra instructions appended to the boot prompt
	Template         string // background template (monitor|worker); empty for normal agents
	Background       bool   // skip the startup delay before prompt injection
	IsTester         bool
}

// CreateAgent provisions an agent: store row, bearer token, tmux session
// with the runtime attached, then the boot prompt. A tmux failure rolls the
// agent row back so no half-created agent is left behind.
func (s *Supervisor) CreateAgent(ctx context.Context, p CreateAgentParams) (*models.Agent, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, models.Validationf("agent id is required")
	}
	if models.CanonicalActor(p.ID) == models.AdminID {
		return nil, models.Validationf("agent id %q is reserved", p.ID)
	}
	if p.Template != "" && p.Template != TemplateMonitor && p.Template != TemplateWorker {
		return nil, models.Validationf("unknown agent template %q", p.Template)
	}

	workingDir := p.WorkingDirectory
	if workingDir == "" {
		workingDir = s.projectDir
	}
	if workingDir == "" {
		workingDir = "."
	}

	token, err := s.auth.MintToken()
	if err != nil {
		return nil, err
	}

	agent := &models.Agent{
		ID:               p.ID,
		Token:            token,
		Capabilities:     p.Capabilities,
		WorkingDirectory: workingDir,
		Color:            s.nextColor(ctx),
		IsTester:         p.IsTester,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.auth.Register(agent.ID, token)

	sessionName := tmux.SessionName(agent.ID, auth.Last4(s.auth.AdminToken()))
	env := map[string]string{
		EnvAgentID:    agent.ID,
		EnvAgentToken: token,
		EnvServerURL:  s.serverURL,
		EnvWorkingDir: workingDir,
	}
	if err := s.tmux.CreateSession(ctx, sessionName, workingDir, s.agentCommand, env); err != nil {
		// Roll back so the id can be retried once tmux is healthy.
		s.auth.RevokeAgent(agent.ID)
		if delErr := s.store.DeleteAgent(ctx, agent.ID); delErr != nil {
			s.logger.Error("Rollback of failed agent creation did not complete",
				zap.String("agent_id", agent.ID), zap.Error(delErr))
		}
		return nil, wrapSubprocess(fmt.Sprintf("create tmux session for agent %s", agent.ID), err)
	}

	if err := s.store.SetAgentTmuxSession(ctx, agent.ID, sessionName); err != nil {
		s.logger.Warn("Could not record tmux session name", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	agent.TmuxSession = sessionName

	if err := s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentStatusActive); err != nil {
		s.logger.Warn("Could not mark agent active", zap.String("agent_id", agent.ID), zap.Error(err))
	} else {
		agent.Status = models.AgentStatusActive
	}

	prompt := renderPrompt(s.prompts.templateFor(p.Template), map[string]string{
		"agent_id":     agent.ID,
		"server_url":   s.serverURL,
		"working_dir":  workingDir,
		"capabilities": strings.Join(agent.Capabilities, ", "),
		"extra":        p.Prompt,
	})
	switch {
	case p.IsTester:
		// The testing pipeline injects its own audit prompt.
	case p.Background:
		// Background agents take their prompt immediately; nothing watches
		// their startup.
		s.injectPrompt(ctx, sessionName, prompt)
	default:
		s.scheduleInjection(ctx, sessionName, prompt)
	}

	s.recordAction(ctx, models.AdminID, "create_agent", nil, map[string]interface{}{
		"agent_id":     agent.ID,
		"tmux_session": sessionName,
		"is_tester":    p.IsTester,
		"background":   p.Background,
	})
	s.publish(ctx, events.AgentCreated, map[string]interface{}{
		"agent_id": agent.ID,
		"color":    agent.Color,
	})

	s.logger.Info("Agent created",
		zap.String("agent_id", agent.ID),
		zap.String("tmux_session", sessionName),
		zap.Bool("background", p.Background))
	return agent, nil
}

// RelaunchAgent restarts the runtime for an existing agent. When the agent's
// tmux session survived (a crashed runtime inside a live pane), the session
// is reused: environment refreshed and the runtime started again. Otherwise
// a fresh session is created with the same identity.
func (s *Supervisor) RelaunchAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Terminated() {
		return nil, models.Conflictf("agent %s is terminated", agentID)
	}

	s.auth.Register(agent.ID, agent.Token)

	sessionName := agent.TmuxSession
	if sessionName == "" {
		sessionName = tmux.SessionName(agent.ID, auth.Last4(s.auth.AdminToken()))
	}

	exists, err := s.tmux.HasSession(ctx, sessionName)
	if err != nil {
		return nil, wrapSubprocess("probe tmux session", err)
	}

	if exists {
		for key, value := range map[string]string{
			EnvAgentID:    agent.ID,
			EnvAgentToken: agent.Token,
			EnvServerURL:  s.serverURL,
			EnvWorkingDir: agent.WorkingDirectory,
		} {
			if err := s.tmux.SetEnvironment(ctx, sessionName, key, value); err != nil {
				s.logger.Warn("Environment refresh failed",
					zap.String("agent_id", agent.ID), zap.String("var", key), zap.Error(err))
			}
		}
		if err := s.tmux.SendKeys(ctx, sessionName, s.agentCommand, true); err != nil {
			return nil, wrapSubprocess("restart agent runtime", err)
		}
	} else {
		env := map[string]string{
			EnvAgentID:    agent.ID,
			EnvAgentToken: agent.Token,
			EnvServerURL:  s.serverURL,
			EnvWorkingDir: agent.WorkingDirectory,
		}
		if err := s.tmux.CreateSession(ctx, sessionName, agent.WorkingDirectory, s.agentCommand, env); err != nil {
			return nil, wrapSubprocess(fmt.Sprintf("recreate tmux session for agent %s", agentID), err)
		}
		if err := s.store.SetAgentTmuxSession(ctx, agent.ID, sessionName); err != nil {
			s.logger.Warn("Could not record tmux session name", zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	agent.TmuxSession = sessionName

	if err := s.store.UpdateAgentStatus(ctx, agent.ID, models.AgentStatusActive); err == nil {
		agent.Status = models.AgentStatusActive
	}

	prompt := renderPrompt(s.prompts.AgentBoot, map[string]string{
		"agent_id":     agent.ID,
		"server_url":   s.serverURL,
		"working_dir":  agent.WorkingDirectory,
		"capabilities": strings.Join(agent.Capabilities, ", "),
		"extra":        "You were relaunched after an interruption. Check get_agent_messages and your current task before resuming work.",
	})
	s.scheduleInjection(ctx, sessionName, prompt)

	s.recordAction(ctx, models.AdminID, "relaunch_agent", nil, map[string]interface{}{
		"agent_id":      agent.ID,
		"tmux_session":  sessionName,
		"session_reuse": exists,
	})
	s.publish(ctx, events.AgentRelaunched, map[string]interface{}{"agent_id": agent.ID})

	s.logger.Info("Agent relaunched",
		zap.String("agent_id", agent.ID),
		zap.Bool("session_reused", exists))
	return agent, nil
}

// TerminateAgent shuts an agent down: terminal status in the store, tmux
// session killed, token revoked. Terminating twice is a conflict so callers
// notice double-teardown bugs.
func (s *Supervisor) TerminateAgent(ctx context.Context, agentID string) error {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Terminated() {
		return models.Conflictf("agent %s is already terminated", agentID)
	}

	if err := s.store.UpdateAgentStatus(ctx, agentID, models.AgentStatusTerminated); err != nil {
		return err
	}

	if agent.TmuxSession != "" {
		if err := s.tmux.KillSession(ctx, agent.TmuxSession); err != nil {
			s.logger.Warn("Kill of agent tmux session failed",
				zap.String("agent_id", agentID),
				zap.String("tmux_session", agent.TmuxSession),
				zap.Error(err))
		}
	}
	s.auth.RevokeAgent(agentID)

	s.recordAction(ctx, models.AdminID, "terminate_agent", nil, map[string]interface{}{"agent_id": agentID})
	s.publish(ctx, events.AgentTerminated, map[string]interface{}{"agent_id": agentID})

	s.logger.Info("Agent terminated", zap.String("agent_id", agentID))
	return nil
}

// AssignTask hands a task to an agent and records who did the assigning.
func (s *Supervisor) AssignTask(ctx context.Context, taskID, agentID, actor string) (*models.Task, error) {
	task, err := s.store.AssignTask(ctx, taskID, agentID)
	if err != nil {
		return nil, err
	}

	s.recordAction(ctx, actor, "assign_task", &taskID, map[string]interface{}{"agent_id": agentID})
	s.publish(ctx, events.TaskAssigned, map[string]interface{}{
		"task_id":  taskID,
		"agent_id": agentID,
	})
	return task, nil
}

// CompleteTask marks the task completed and acks immediately; the testing
// pipeline runs detached from the request. Completions reported by testing
// agents do not spawn another round of testing.
func (s *Supervisor) CompleteTask(ctx context.Context, taskID, byAgentID string) (*models.Task, error) {
	task, err := s.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}

	s.recordAction(ctx, byAgentID, "complete_task", &taskID, nil)
	s.publish(ctx, events.TaskCompleted, map[string]interface{}{
		"task_id":      taskID,
		"completed_by": byAgentID,
	})

	if completer, err := s.store.GetAgent(ctx, byAgentID); err == nil && completer.IsTester {
		s.logger.Debug("Testing-agent completion, pipeline not retriggered",
			zap.String("task_id", taskID), zap.String("agent_id", byAgentID))
		return task, nil
	}

	pipelineCtx, cancel := appctx.Detached(ctx, s.stopCh, 10*time.Minute)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runTestingPipeline(pipelineCtx, task, byAgentID)
	}()

	return task, nil
}

// TestingAgentID derives the deterministic testing-agent id for a completed
// task: "test-" plus the task id's trailing characters.
func TestingAgentID(taskID string) string {
	suffix := taskID
	if len(suffix) > constants.TestingIDLen {
		suffix = suffix[len(suffix)-constants.TestingIDLen:]
	}
	return "test-" + suffix
}

// TestingTaskID derives the testing-task id for a completed task.
func TestingTaskID(taskID string) string {
	return "test-" + taskID
}

// scheduleInjection sends the boot prompt after the runtime startup delay.
// The two-step send (keystrokes, then submit) mirrors how a human pastes
// into the pane; some runtimes drop a trailing newline pasted in one go.
func (s *Supervisor) scheduleInjection(ctx context.Context, sessionName, prompt string) {
	injectCtx, cancel := appctx.Detached(ctx, s.stopCh, s.injectDelay+time.Minute)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		select {
		case <-injectCtx.Done():
			return
		case <-time.After(s.injectDelay):
		}
		s.injectPrompt(injectCtx, sessionName, prompt)
	}()
}

func (s *Supervisor) injectPrompt(ctx context.Context, sessionName, prompt string) {
	if err := s.tmux.SendKeys(ctx, sessionName, prompt, false); err != nil {
		s.logger.Warn("Prompt injection failed",
			zap.String("tmux_session", sessionName), zap.Error(err))
		return
	}
	if err := s.tmux.SendSubmit(ctx, sessionName); err != nil {
		s.logger.Warn("Prompt submit failed",
			zap.String("tmux_session", sessionName), zap.Error(err))
	}
}

// nextColor cycles the palette by live fleet size.
func (s *Supervisor) nextColor(ctx context.Context) string {
	counts, err := s.store.CountAgentsByStatus(ctx)
	if err != nil {
		return agentColors[0]
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return agentColors[total%len(agentColors)]
}

func (s *Supervisor) recordAction(ctx context.Context, actor, action string, taskID *string, details map[string]interface{}) {
	if err := s.store.RecordAction(ctx, actor, action, taskID, details); err != nil {
		s.logger.Warn("Action record failed",
			zap.String("action", action), zap.Error(err))
	}
}

func (s *Supervisor) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, bus.NewEvent(eventType, "supervisor", data)); err != nil {
		s.logger.Warn("Event publish failed", zap.String("event", eventType), zap.Error(err))
	}
}

// wrapSubprocess brands a tmux failure with the subprocess error kind unless
// it already carries one, keeping the original cause in the chain.
func wrapSubprocess(op string, err error) error {
	if errors.Is(err, models.ErrSubprocess) || errors.Is(err, models.ErrSubprocessTimeout) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, err, models.ErrSubprocess)
}

// mustJSON marshals audit payloads that are built from plain maps and
// strings; a marshal failure here is a programming error, downgraded to an
// empty object rather than a panic.
func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
