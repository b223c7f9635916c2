package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/db"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/tmux"
)

// fakeRunner records tmux invocations and answers them through a scripted
// handler; without one every command succeeds.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(args []string) (stdout, stderr string, err error)
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		return handle(args)
	}
	return "", "", nil
}

func (f *fakeRunner) setHandle(h func(args []string) (string, string, error)) {
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
}

// byVerb returns recorded calls whose first argument is verb.
func (f *fakeRunner) byVerb(verb string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if len(call) > 0 && call[0] == verb {
			out = append(out, append([]string(nil), call...))
		}
	}
	return out
}

// sentText returns every literal payload delivered through send-keys.
func (f *fakeRunner) sentText() []string {
	var out []string
	for _, call := range f.byVerb("send-keys") {
		for i, arg := range call {
			if arg == "-l" && i+1 < len(call) {
				out = append(out, call[i+1])
			}
		}
	}
	return out
}

// newTestSupervisor wires a supervisor against a throwaway database, a fake
// tmux runner, and an in-memory bus. The admin token is pinned so session
// names are predictable, and the pipeline waits are collapsed to keep tests
// fast.
func newTestSupervisor(t *testing.T) (*Supervisor, *fakeRunner) {
	t.Helper()

	pool, err := db.Open(filepath.Join(t.TempDir(), "hivemux.db"), 5000)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	st, err := store.New(pool, log)
	require.NoError(t, err)

	authn := auth.New(st, log)
	require.NoError(t, authn.Bootstrap(context.Background(), "hivemux-admin-1234"))

	runner := &fakeRunner{}
	tm := tmux.NewWithRunner(config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5}, log, runner)

	cfg := &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8765},
		Tmux:    config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5},
		Project: config.ProjectConfig{Dir: filepath.Join(t.TempDir(), "project")},
	}

	sup, err := New(st, authn, tm, bus.NewMemoryEventBus(log), cfg, log)
	require.NoError(t, err)
	sup.injectDelay = time.Millisecond
	sup.pauseSpacing = time.Millisecond
	sup.validationDelay = 25 * time.Millisecond
	t.Cleanup(sup.Shutdown)

	return sup, runner
}

func TestCreateAgentProvisionsSessionAndToken(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	agent, err := sup.CreateAgent(ctx, CreateAgentParams{
		ID:           "worker-1",
		Capabilities: []string{"code", "review"},
		Prompt:       "Start with the README.",
	})
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, "worker-1-1234", agent.TmuxSession)
	assert.NotEmpty(t, agent.Token)
	assert.NotEmpty(t, agent.Color)

	row, err := sup.store.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusActive, row.Status)
	assert.Equal(t, "worker-1-1234", row.TmuxSession)
	assert.False(t, row.IsTester)

	actor, isAdmin, err := sup.auth.Identify(agent.Token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", actor)
	assert.False(t, isAdmin)

	creates := runner.byVerb("new-session")
	require.Len(t, creates, 1)
	joined := strings.Join(creates[0], " ")
	assert.Contains(t, joined, "-s worker-1-1234")
	assert.Contains(t, joined, EnvAgentID+"=worker-1")
	assert.Contains(t, joined, EnvAgentToken+"="+agent.Token)
	assert.Contains(t, joined, EnvServerURL+"=")

	// The boot prompt lands after the startup delay, followed by the submit
	// keystroke.
	require.Eventually(t, func() bool {
		injected := false
		for _, text := range runner.sentText() {
			if strings.Contains(text, "You are agent worker-1") &&
				strings.Contains(text, "Start with the README.") {
				injected = true
			}
		}
		if !injected {
			return false
		}
		for _, call := range runner.byVerb("send-keys") {
			if call[len(call)-1] == "Enter" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateAgentValidation(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "   "})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: "Admin"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: "bg-1", Template: "cron"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCreateAgentDuplicateID(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestCreateAgentRollsBackOnTmuxFailure(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	runner.setHandle(func(args []string) (string, string, error) {
		if args[0] == "new-session" {
			return "", "create window failed", errors.New("exit status 1")
		}
		return "", "", nil
	})
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSubprocess)

	// The row was rolled back, so the id is free for a retry.
	_, err = sup.store.GetAgent(ctx, "worker-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	runner.setHandle(nil)
	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	assert.NoError(t, err)
}

func TestCreateAgentBackgroundInjectsImmediately(t *testing.T) {
	sup, runner := newTestSupervisor(t)

	_, err := sup.CreateAgent(context.Background(), CreateAgentParams{
		ID:         "bg-monitor",
		Template:   TemplateMonitor,
		Background: true,
	})
	require.NoError(t, err)

	found := false
	for _, text := range runner.sentText() {
		if strings.Contains(text, "You are background monitor agent bg-monitor") {
			found = true
		}
	}
	assert.True(t, found, "monitor prompt should be injected before CreateAgent returns")
}

func TestTerminateAgent(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	agent, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, sup.TerminateAgent(ctx, "worker-1"))

	row, err := sup.store.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, row.Terminated())

	kills := runner.byVerb("kill-session")
	require.Len(t, kills, 1)
	assert.Contains(t, kills[0], "worker-1-1234")

	_, _, err = sup.auth.Identify(agent.Token)
	assert.ErrorIs(t, err, models.ErrAuth)

	err = sup.TerminateAgent(ctx, "worker-1")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestTerminateUnknownAgent(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	err := sup.TerminateAgent(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRelaunchAgentReusesLiveSession(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	agent, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	// The default handler answers has-session affirmatively, so the pane
	// reads as still alive.
	relaunched, err := sup.RelaunchAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, agent.TmuxSession, relaunched.TmuxSession)
	assert.Equal(t, models.AgentStatusActive, relaunched.Status)

	assert.Len(t, runner.byVerb("set-environment"), 4)

	restarted := false
	for _, text := range runner.sentText() {
		if text == "claude" {
			restarted = true
		}
	}
	assert.True(t, restarted, "agent runtime should be restarted in the existing pane")

	assert.Len(t, runner.byVerb("new-session"), 1)
}

func TestRelaunchAgentRecreatesDeadSession(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	runner.setHandle(func(args []string) (string, string, error) {
		if args[0] == "has-session" {
			return "", "can't find session: worker-1-1234", errors.New("exit status 1")
		}
		return "", "", nil
	})

	_, err = sup.RelaunchAgent(ctx, "worker-1")
	require.NoError(t, err)

	assert.Len(t, runner.byVerb("new-session"), 2)
}

func TestRelaunchAgentErrors(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.RelaunchAgent(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)
	require.NoError(t, sup.TerminateAgent(ctx, "worker-1"))

	_, err = sup.RelaunchAgent(ctx, "worker-1")
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestAssignTaskRecordsAndPublishes(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)
	task := &models.Task{Title: "Build parser", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))

	received := make(chan *bus.Event, 1)
	_, err = sup.bus.Subscribe(events.TaskAssigned, func(_ context.Context, e *bus.Event) error {
		select {
		case received <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	assigned, err := sup.AssignTask(ctx, task.ID, "worker-1", models.AdminID)
	require.NoError(t, err)
	require.NotNil(t, assigned.AssignedTo)
	assert.Equal(t, "worker-1", *assigned.AssignedTo)

	select {
	case e := <-received:
		assert.Equal(t, events.TaskAssigned, e.Type)
		assert.Equal(t, task.ID, e.Data["task_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no task.assigned event published")
	}

	actions, err := sup.store.ListActionsSince(ctx, time.Now().Add(-time.Minute), 50)
	require.NoError(t, err)
	seen := false
	for _, a := range actions {
		if a.Action == "assign_task" && a.TaskID != nil && *a.TaskID == task.ID {
			seen = true
		}
	}
	assert.True(t, seen, "assign_task should land in the action log")
}

func TestCompleteTaskSpawnsTestingAgent(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	task := &models.Task{ID: "feat-123456", Title: "Build parser", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))
	_, err = sup.store.AssignTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)

	spawned := make(chan *bus.Event, 1)
	_, err = sup.bus.Subscribe(events.TestingAgentSpawned, func(_ context.Context, e *bus.Event) error {
		select {
		case spawned <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	completed, err := sup.CompleteTask(ctx, task.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, completed.Status)

	select {
	case <-spawned:
	case <-time.After(3 * time.Second):
		t.Fatal("testing agent was not spawned")
	}

	testerID := TestingAgentID(task.ID)
	assert.Equal(t, "test-123456", testerID)
	tester, err := sup.store.GetAgent(ctx, testerID)
	require.NoError(t, err)
	assert.True(t, tester.IsTester)
	assert.Equal(t, models.AgentStatusActive, tester.Status)
	assert.Contains(t, tester.Capabilities, "testing")

	testingTask, err := sup.store.GetTask(ctx, TestingTaskID(task.ID))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, testingTask.Status)
	assert.Equal(t, models.TaskPriorityHigh, testingTask.Priority)
	require.NotNil(t, testingTask.AssignedTo)
	assert.Equal(t, testerID, *testingTask.AssignedTo)
	assert.Contains(t, testingTask.Description, "Audit the completion of task feat-123456")
	assert.Contains(t, testingTask.Description, "worker-1")
	assert.Contains(t, testingTask.Description, "Verdict protocol")

	grant, err := sup.store.GetContext(ctx, "testing_access_"+testerID)
	require.NoError(t, err)
	assert.Equal(t, models.AdminID, grant.UpdatedBy)

	actions, err := sup.store.ListActionsSince(ctx, time.Time{}, 0)
	require.NoError(t, err)
	audited := false
	for _, a := range actions {
		if a.Action == "create_testing_agent" && a.TaskID != nil && *a.TaskID == task.ID {
			audited = true
		}
	}
	assert.True(t, audited, "the pipeline should leave a create_testing_agent audit row")

	// The completing agent's pane took the pause breaks before the tester
	// came up.
	pauses := 0
	for _, call := range runner.byVerb("send-keys") {
		if len(call) == 4 && call[2] == "worker-1-1234" && call[3] == "Enter" {
			pauses++
		}
	}
	assert.GreaterOrEqual(t, pauses, constants.AgentPauseBreaks)

	// The testing prompt reaches the tester's pane.
	require.Eventually(t, func() bool {
		for _, text := range runner.sentText() {
			if strings.Contains(text, "You are testing agent test-123456") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// No verdict note was left, so validation fails closed and tells the
	// completer.
	require.Eventually(t, func() bool {
		msgs, err := sup.store.GetMessages(ctx, "worker-1", false, false)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Type == models.MessageTypeVerdict && strings.Contains(m.Content, "Validation failed") {
				return m.Priority == models.MessagePriorityHigh && m.SenderID == testerID
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCompleteTaskByTesterSkipsPipeline(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "test-abc123", IsTester: true})
	require.NoError(t, err)

	task := &models.Task{ID: "validate-99", Title: "Validate feature", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))

	_, err = sup.CompleteTask(ctx, task.ID, "test-abc123")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, err = sup.store.GetAgent(ctx, TestingAgentID(task.ID))
	assert.ErrorIs(t, err, models.ErrNotFound, "a tester's completion must not spawn another tester")
}

func TestRecompletionReplacesStaleTester(t *testing.T) {
	sup, runner := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	task := &models.Task{ID: "feat-77", Title: "Wire cache", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))

	sup.runTestingPipeline(ctx, task, "worker-1")

	testerID := TestingAgentID(task.ID)
	first, err := sup.store.GetAgent(ctx, testerID)
	require.NoError(t, err)

	sup.runTestingPipeline(ctx, task, "worker-1")

	second, err := sup.store.GetAgent(ctx, testerID)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token, "the replacement tester gets a fresh token")

	killed := false
	for _, call := range runner.byVerb("kill-session") {
		if len(call) == 3 && call[2] == first.TmuxSession {
			killed = true
		}
	}
	assert.True(t, killed, "the stale tester's pane should be killed during teardown")

	testingTask, err := sup.store.GetTask(ctx, TestingTaskID(task.ID))
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, testingTask.Status)
	require.NotNil(t, testingTask.AssignedTo)
	assert.Equal(t, testerID, *testingTask.AssignedTo)
}

func TestRunEnhancedValidationPass(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	task := &models.Task{ID: "feat-99", Title: "Ship it", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))

	testerID := TestingAgentID(task.ID)
	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: testerID, IsTester: true})
	require.NoError(t, err)
	testingTask, err := sup.store.EnsureAssignedTask(ctx, &models.Task{
		ID:        TestingTaskID(task.ID),
		Title:     "Validate",
		CreatedBy: models.AdminID,
	}, testerID)
	require.NoError(t, err)

	_, err = sup.store.AddTaskNote(ctx, testingTask.ID, testerID,
		"Review complete.\n{\"verdict\": \"pass\", \"reason\": \"acceptance criteria verified\"}")
	require.NoError(t, err)

	sup.runEnhancedValidation(ctx, task, testingTask.ID, testerID, "worker-1")

	msgs, err := sup.store.GetMessages(ctx, "worker-1", false, false)
	require.NoError(t, err)
	var verdictMsg *models.AgentMessage
	for _, m := range msgs {
		if m.Type == models.MessageTypeVerdict {
			verdictMsg = m
		}
	}
	require.NotNil(t, verdictMsg)
	assert.Contains(t, verdictMsg.Content, "Validation passed")
	assert.Contains(t, verdictMsg.Content, "acceptance criteria verified")
	assert.Equal(t, models.MessagePriorityNormal, verdictMsg.Priority)
	assert.Equal(t, testerID, verdictMsg.SenderID)
}

func TestRunEnhancedValidationFailArchivesFlaggedContext(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := sup.CreateAgent(ctx, CreateAgentParams{ID: "worker-1"})
	require.NoError(t, err)

	_, err = sup.store.UpsertContext(ctx, "api_design",
		json.RawMessage(`{"style":"rest"}`), "API design decision", "worker-1")
	require.NoError(t, err)

	task := &models.Task{ID: "feat-55", Title: "Design API", CreatedBy: models.AdminID}
	require.NoError(t, sup.store.CreateTask(ctx, task))

	testerID := TestingAgentID(task.ID)
	_, err = sup.CreateAgent(ctx, CreateAgentParams{ID: testerID, IsTester: true})
	require.NoError(t, err)
	testingTask, err := sup.store.EnsureAssignedTask(ctx, &models.Task{
		ID:        TestingTaskID(task.ID),
		Title:     "Validate",
		CreatedBy: models.AdminID,
	}, testerID)
	require.NoError(t, err)

	// Single-quoted JSON exercises the repair path.
	note := "Problems found. {'verdict': 'fail', 'reason': 'endpoints missing', 'incorrect_context_keys': ['api_design']}"
	_, err = sup.store.AddTaskNote(ctx, testingTask.ID, testerID, note)
	require.NoError(t, err)

	sup.runEnhancedValidation(ctx, task, testingTask.ID, testerID, "worker-1")

	_, err = sup.store.GetContext(ctx, "api_design")
	assert.ErrorIs(t, err, models.ErrNotFound)

	all, err := sup.store.ListContext(ctx, true)
	require.NoError(t, err)
	var archived *models.ContextEntry
	for _, e := range all {
		if strings.HasPrefix(e.Key, models.ArchivedContextPrefix+"api_design") {
			archived = e
		}
	}
	require.NotNil(t, archived, "the flagged key should be archived")
	assert.Equal(t, testerID, archived.UpdatedBy)

	msgs, err := sup.store.GetMessages(ctx, "worker-1", false, false)
	require.NoError(t, err)
	var verdictMsg *models.AgentMessage
	for _, m := range msgs {
		if m.Type == models.MessageTypeVerdict {
			verdictMsg = m
		}
	}
	require.NotNil(t, verdictMsg)
	assert.Contains(t, verdictMsg.Content, "Validation failed")
	assert.Contains(t, verdictMsg.Content, "endpoints missing")
	assert.Equal(t, models.MessagePriorityHigh, verdictMsg.Priority)
}

func TestParseVerdict(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		v, err := parseVerdict(`{"verdict": "pass", "reason": "ok", "incorrect_context_keys": ["a", "b"]}`)
		require.NoError(t, err)
		assert.Equal(t, "pass", v.Verdict)
		assert.Equal(t, "ok", v.Reason)
		assert.Equal(t, []string{"a", "b"}, v.IncorrectContextKeys)
	})

	t.Run("object wrapped in prose", func(t *testing.T) {
		v, err := parseVerdict("Here is my verdict:\n" + `{"verdict": "fail", "reason": "tests red"}` + "\nRegards, tester")
		require.NoError(t, err)
		assert.Equal(t, "fail", v.Verdict)
		assert.Equal(t, "tests red", v.Reason)
	})

	t.Run("trailing comma repaired", func(t *testing.T) {
		v, err := parseVerdict(`{"verdict": "pass", "reason": "done",}`)
		require.NoError(t, err)
		assert.Equal(t, "pass", v.Verdict)
	})

	t.Run("no object", func(t *testing.T) {
		_, err := parseVerdict("looks good to me")
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("missing verdict field", func(t *testing.T) {
		_, err := parseVerdict(`{"reason": "forgot the verdict"}`)
		assert.ErrorIs(t, err, models.ErrValidation)
	})
}

func TestTestingIDHelpers(t *testing.T) {
	assert.Equal(t, "test-123456", TestingAgentID("feat-00123456"))
	assert.Equal(t, "test-ab", TestingAgentID("ab"))
	assert.Equal(t, "test-feat-1", TestingTaskID("feat-1"))
}
