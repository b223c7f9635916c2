package tmux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/models"
)

// fakeRunner records invocations and answers them through a scripted handler.
type fakeRunner struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(args []string) (stdout, stderr string, err error)
}

func (f *fakeRunner) Run(_ context.Context, args ...string) (string, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(args)
	}
	return "", "", nil
}

// commands returns the recorded calls minus the availability probe.
func (f *fakeRunner) commands() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, call := range f.calls {
		if len(call) == 1 && call[0] == "-V" {
			continue
		}
		out = append(out, call)
	}
	return out
}

func newTestController(t *testing.T, runner Runner) *Controller {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return NewWithRunner(config.TmuxConfig{Enabled: true, CommandTimeoutSeconds: 5}, log, runner)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "worker-1", "worker-1"},
		{"dots and colons", "a.b:c", "a_b_c"},
		{"whitespace", "my agent\tname", "my_agent_name"},
		{"quotes and brackets", `x["y"]$z`, "x_y_z"},
		{"collapses runs", "a.. ..b", "a_b"},
		{"strips leading symbols", "__worker", "worker"},
		{"empty falls back", "", "agent_session"},
		{"only symbols falls back", ".:$", "agent_session"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "worker_1-ab3d", SessionName("Worker 1", "AB3D"))
	assert.Equal(t, "agent_session-zz99", SessionName("...", "zz99"))
}

func TestHasSession(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)
	ctx := context.Background()

	ok, err := c.HasSession(ctx, "worker-1-ab3d")
	require.NoError(t, err)
	assert.True(t, ok)

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"has-session", "-t", "=worker-1-ab3d"}, cmds[0])
}

func TestHasSessionMissingIsNotAnError(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "has-session" {
			return "", "can't find session: worker", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	ok, err := c.HasSession(context.Background(), "worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasSessionNoServer(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "has-session" {
			return "", "no server running on /tmp/tmux-0/default", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	ok, err := c.HasSession(context.Background(), "worker")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateSession(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)

	workDir := filepath.Join(t.TempDir(), "agents", "worker-1")
	err := c.CreateSession(context.Background(), "worker-1-ab3d", workDir, "claude",
		map[string]string{"HIVEMUX_AGENT_ID": "worker-1"})
	require.NoError(t, err)

	// The working directory is created before tmux runs.
	info, err := os.Stat(workDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	args := cmds[0]
	assert.Equal(t, []string{"new-session", "-d", "-s", "worker-1-ab3d", "-c", workDir}, args[:6])
	assert.Contains(t, args, "-e")
	assert.Contains(t, args, "HIVEMUX_AGENT_ID=worker-1")
	assert.Equal(t, "claude", args[len(args)-1])
}

func TestCreateSessionDuplicate(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "new-session" {
			return "", "duplicate session: worker-1-ab3d", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	err := c.CreateSession(context.Background(), "worker-1-ab3d", "", "", nil)
	assert.True(t, errors.Is(err, ErrSessionExists))
}

func TestSendKeysSubmitIsTwoKeystrokes(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)

	require.NoError(t, c.SendKeys(context.Background(), "worker", "run the tests", true))

	cmds := runner.commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"send-keys", "-t", "worker", "-l", "run the tests"}, cmds[0])
	assert.Equal(t, []string{"send-keys", "-t", "worker", "Enter"}, cmds[1])
}

func TestSendKeysWithoutSubmit(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)

	require.NoError(t, c.SendKeys(context.Background(), "worker", "partial input", false))

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"send-keys", "-t", "worker", "-l", "partial input"}, cmds[0])
}

func TestSendSubmit(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)

	require.NoError(t, c.SendSubmit(context.Background(), "worker"))

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"send-keys", "-t", "worker", "Enter"}, cmds[0])
}

func TestSetEnvironment(t *testing.T) {
	runner := &fakeRunner{}
	c := newTestController(t, runner)

	require.NoError(t, c.SetEnvironment(context.Background(), "worker", "HIVEMUX_AGENT_TOKEN", "tok"))

	cmds := runner.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"set-environment", "-t", "worker", "HIVEMUX_AGENT_TOKEN", "tok"}, cmds[0])
}

func TestCapturePaneCaches(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "capture-pane" {
			return "pane output", "", nil
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)
	ctx := context.Background()

	first, err := c.CapturePane(ctx, "worker", 50)
	require.NoError(t, err)
	assert.Equal(t, "pane output", first)

	second, err := c.CapturePane(ctx, "worker", 50)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Len(t, runner.commands(), 1, "second capture should come from cache")

	// A different line count is a different capture.
	_, err = c.CapturePane(ctx, "worker", 10)
	require.NoError(t, err)
	assert.Len(t, runner.commands(), 2)
}

func TestKillSessionIdempotent(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "kill-session" {
			return "", "session not found: worker", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	assert.NoError(t, c.KillSession(context.Background(), "worker"))
}

func TestListSessionsNoServer(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "list-sessions" {
			return "", "error connecting to /tmp/tmux-0/default", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	sessions, err := c.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sessions)
}

func TestListPanes(t *testing.T) {
	out := strings.Join([]string{
		"worker-1-ab3d|%0|claude|/work/worker-1|1",
		"worker-2-ab3d|%1|bash|/work/worker-2|0",
	}, "\n")
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "list-panes" {
			return out, "", nil
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	panes, err := c.ListPanes(context.Background())
	require.NoError(t, err)
	require.Len(t, panes, 2)
	assert.Equal(t, Pane{Session: "worker-1-ab3d", ID: "%0", Command: "claude", Path: "/work/worker-1", Active: true}, panes[0])
	assert.False(t, panes[1].Active)
}

func TestDiscoverAgents(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "list-sessions" {
			return "worker-1-ab3d\nscratch\ntest-99fa01-ab3d\nother-ffff", "", nil
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	agents, err := c.DiscoverAgents(context.Background(), "AB3D")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"worker-1-ab3d":    "worker-1",
		"test-99fa01-ab3d": "test-99fa01",
	}, agents)
}

func TestTimeoutMapsToSubprocessTimeout(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "capture-pane" {
			return "", "", context.DeadlineExceeded
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	_, err := c.CapturePane(context.Background(), "worker", 50)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSubprocessTimeout))
	assert.Equal(t, "subprocess_timeout", models.KindOf(err))
}

func TestUnexplainedFailureMapsToSubprocess(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "send-keys" {
			return "", "invalid flag", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	err := c.SendSubmit(context.Background(), "worker")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSubprocess))
}

func TestTransientFailureRetriesUntilSuccess(t *testing.T) {
	var failures int
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "kill-session" && failures < 2 {
			failures++
			return "", "lost server", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	require.NoError(t, c.KillSession(context.Background(), "worker-1-ab3d"))

	attempts := 0
	for _, call := range runner.commands() {
		if call[0] == "kill-session" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestTransientFailureRetriesAreBounded(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "send-keys" {
			return "", "server exited unexpectedly", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	err := c.SendSubmit(context.Background(), "worker")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSubprocess)

	attempts := 0
	for _, call := range runner.commands() {
		if call[0] == "send-keys" {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if args[0] == "new-session" {
			return "", "create window failed", errors.New("exit status 1")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)

	err := c.CreateSession(context.Background(), "worker-1-ab3d", "", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrSubprocess)

	attempts := 0
	for _, call := range runner.commands() {
		if call[0] == "new-session" {
			attempts++
		}
	}
	assert.Equal(t, 1, attempts)
}

func TestDisabledControllerNoOps(t *testing.T) {
	runner := &fakeRunner{}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	c := NewWithRunner(config.TmuxConfig{Enabled: false}, log, runner)
	ctx := context.Background()

	ok, err := c.HasSession(ctx, "worker")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, c.CreateSession(ctx, "worker", "", "", nil), ErrUnavailable)
	assert.ErrorIs(t, c.SendKeys(ctx, "worker", "text", true), ErrUnavailable)
	assert.NoError(t, c.KillSession(ctx, "worker"))

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Nil(t, sessions)

	_, err = c.CapturePane(ctx, "worker", 10)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Empty(t, runner.calls, "disabled controller must not invoke tmux")
}

func TestUnavailableBinaryProbedOnce(t *testing.T) {
	runner := &fakeRunner{handle: func(args []string) (string, string, error) {
		if len(args) == 1 && args[0] == "-V" {
			return "", "", errors.New("exec: tmux: not found")
		}
		return "", "", nil
	}}
	c := newTestController(t, runner)
	ctx := context.Background()

	ok, err := c.HasSession(ctx, "worker")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CapturePane(ctx, "worker", 10)
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.Len(t, runner.calls, 1, "availability probe should run once")
}
