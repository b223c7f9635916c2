// Package tmux drives agent terminal sessions through the tmux binary.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/models"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnavailable     = errors.New("tmux unavailable")
)

const (
	// keyDebounce separates a literal paste from the submit keystroke so the
	// paste is processed before Enter arrives.
	keyDebounce = 100 * time.Millisecond

	// fallbackSessionName is used when sanitizing strips a name to nothing.
	fallbackSessionName = "agent_session"

	captureCacheSize = 64
	captureCacheTTL  = 2 * time.Second

	// runAttempts bounds how often one invocation is retried when the
	// failure looks transient. Backoff doubles from retryBackoffBase.
	runAttempts      = 3
	retryBackoffBase = 100 * time.Millisecond
)

// Runner executes one tmux invocation. The seam exists so tests can script
// tmux behavior without a server.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

// Pane describes one tmux pane.
type Pane struct {
	Session string `json:"session"`
	ID      string `json:"pane_id"`
	Command string `json:"command"`
	Path    string `json:"path"`
	Active  bool   `json:"active"`
}

// Controller wraps tmux session operations. All methods are safe to call
// when tmux is disabled or not installed; they return their documented
// sentinels instead of failing the caller.
type Controller struct {
	runner        Runner
	logger        *logger.Logger
	enabled       bool
	cmdTimeout    time.Duration
	createTimeout time.Duration

	probeOnce sync.Once
	probed    bool

	captures *expirable.LRU[string, string]
}

// New creates a Controller using the real tmux binary.
func New(cfg config.TmuxConfig, log *logger.Logger) *Controller {
	return NewWithRunner(cfg, log, execRunner{})
}

// NewWithRunner creates a Controller with a custom command runner.
func NewWithRunner(cfg config.TmuxConfig, log *logger.Logger, runner Runner) *Controller {
	cmdTimeout := cfg.CommandTimeout()
	if cmdTimeout <= 0 {
		cmdTimeout = constants.TmuxCommandTimeout
	}
	return &Controller{
		runner:        runner,
		logger:        log.WithComponent("tmux"),
		enabled:       cfg.Enabled,
		cmdTimeout:    cmdTimeout,
		createTimeout: constants.TmuxCreateTimeout,
		captures:      expirable.NewLRU[string, string](captureCacheSize, nil, captureCacheTTL),
	}
}

// Available reports whether tmux can be invoked. The probe runs once and is
// remembered for the process lifetime.
func (c *Controller) Available(ctx context.Context) bool {
	if !c.enabled {
		return false
	}
	c.probeOnce.Do(func() {
		_, err := c.run(ctx, c.cmdTimeout, "-V")
		c.probed = err == nil
		if !c.probed {
			c.logger.Warn("tmux not available, session operations disabled", zap.Error(err))
		}
	})
	return c.probed
}

// Sanitize rewrites a name into a safe tmux session name: characters tmux
// treats specially and whitespace become underscores, runs collapse, and the
// result must start alphanumeric.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsSpace(r), strings.ContainsRune(".:[]$'\"`\\", r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.TrimLeftFunc(out, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if out == "" {
		return fallbackSessionName
	}
	return out
}

// SessionName derives the tmux session name for an agent: the sanitized
// agent id plus the admin token suffix, lowercased.
func SessionName(agentID, suffix string) string {
	return strings.ToLower(Sanitize(agentID) + "-" + suffix)
}

// HasSession checks if a session exists (exact match). The "=" prefix stops
// tmux from prefix-matching other sessions.
func (c *Controller) HasSession(ctx context.Context, name string) (bool, error) {
	if !c.Available(ctx) {
		return false, nil
	}
	_, err := c.run(ctx, c.cmdTimeout, "has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateSession creates a detached session in workDir, exporting env into it
// and optionally running command as the pane's initial process. Fails with
// ErrSessionExists when the name is taken.
func (c *Controller) CreateSession(ctx context.Context, name, workDir, command string, env map[string]string) error {
	if !c.Available(ctx) {
		return ErrUnavailable
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("create session workdir: %w: %w", err, models.ErrSubprocess)
		}
	}

	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	for key, value := range env {
		args = append(args, "-e", key+"="+value)
	}
	if command != "" {
		args = append(args, command)
	}

	if _, err := c.run(ctx, c.createTimeout, args...); err != nil {
		return err
	}
	c.logger.Info("tmux session created", zap.String("session", name), zap.String("workdir", workDir))
	return nil
}

// SendKeys pastes text into a session in literal mode. With submit set, the
// submit key follows as a separate keystroke after a short debounce; sending
// it inline is unreliable for agent runtimes that treat paste specially.
func (c *Controller) SendKeys(ctx context.Context, name, text string, submit bool) error {
	if !c.Available(ctx) {
		return ErrUnavailable
	}
	if text != "" {
		if _, err := c.run(ctx, c.cmdTimeout, "send-keys", "-t", name, "-l", text); err != nil {
			return err
		}
	}
	if !submit {
		return nil
	}
	time.Sleep(keyDebounce)
	_, err := c.run(ctx, c.cmdTimeout, "send-keys", "-t", name, "Enter")
	return err
}

// SendSubmit presses the submit key in a session without any text.
func (c *Controller) SendSubmit(ctx context.Context, name string) error {
	if !c.Available(ctx) {
		return ErrUnavailable
	}
	_, err := c.run(ctx, c.cmdTimeout, "send-keys", "-t", name, "Enter")
	return err
}

// SetEnvironment sets a variable in an existing session's environment so
// processes started in it afterwards inherit the value.
func (c *Controller) SetEnvironment(ctx context.Context, name, key, value string) error {
	if !c.Available(ctx) {
		return ErrUnavailable
	}
	_, err := c.run(ctx, c.cmdTimeout, "set-environment", "-t", name, key, value)
	return err
}

// CapturePane returns the last maxLines of a pane's content. Captures are
// cached briefly; monitoring tools poll this aggressively.
func (c *Controller) CapturePane(ctx context.Context, target string, maxLines int) (string, error) {
	if !c.Available(ctx) {
		return "", ErrUnavailable
	}
	if maxLines <= 0 {
		maxLines = 100
	}

	cacheKey := fmt.Sprintf("%s:%d", target, maxLines)
	if cached, ok := c.captures.Get(cacheKey); ok {
		return cached, nil
	}

	out, err := c.run(ctx, c.cmdTimeout, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", maxLines))
	if err != nil {
		return "", err
	}
	c.captures.Add(cacheKey, out)
	return out, nil
}

// KillSession terminates a session. Killing a session that is already gone
// is not an error.
func (c *Controller) KillSession(ctx context.Context, name string) error {
	if !c.Available(ctx) {
		return nil
	}
	_, err := c.run(ctx, c.cmdTimeout, "kill-session", "-t", name)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// ListSessions returns all session names. No server means no sessions.
func (c *Controller) ListSessions(ctx context.Context) ([]string, error) {
	if !c.Available(ctx) {
		return nil, nil
	}
	out, err := c.run(ctx, c.cmdTimeout, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ListPanes enumerates every pane on the server.
func (c *Controller) ListPanes(ctx context.Context) ([]Pane, error) {
	if !c.Available(ctx) {
		return nil, nil
	}
	out, err := c.run(ctx, c.cmdTimeout, "list-panes", "-a", "-F",
		"#{session_name}|#{pane_id}|#{pane_current_command}|#{pane_current_path}|#{pane_active}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}

	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) < 5 {
			continue
		}
		panes = append(panes, Pane{
			Session: parts[0],
			ID:      parts[1],
			Command: parts[2],
			Path:    parts[3],
			Active:  parts[4] == "1",
		})
	}
	return panes, nil
}

// DiscoverAgents finds sessions carrying the admin token suffix and maps
// each session name to the agent id it implies.
func (c *Controller) DiscoverAgents(ctx context.Context, suffix string) (map[string]string, error) {
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	marker := "-" + strings.ToLower(suffix)
	agents := make(map[string]string)
	for _, session := range sessions {
		if suffix == "" || !strings.HasSuffix(session, marker) {
			continue
		}
		agentID := strings.TrimSuffix(session, marker)
		if agentID == "" {
			continue
		}
		agents[session] = agentID
	}
	return agents, nil
}

// run executes one tmux invocation under a deadline. Transient failures are
// retried with doubling backoff; every other failure surfaces immediately.
func (c *Controller) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	backoff := retryBackoffBase
	for attempt := 1; ; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		stdout, stderr, err := c.runner.Run(runCtx, args...)
		cancel()
		if err == nil {
			return stdout, nil
		}
		if attempt >= runAttempts || !transientFailure(stderr, err) {
			return "", c.wrapError(runCtx, err, stderr, args)
		}

		c.logger.Debug("Retrying tmux command",
			zap.String("command", args[0]),
			zap.Int("attempt", attempt),
			zap.String("stderr", strings.TrimSpace(stderr)))
		select {
		case <-ctx.Done():
			return "", c.wrapError(runCtx, err, stderr, args)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// transientFailure recognizes invocations worth retrying: the server died
// mid-command or the kernel briefly refused the fork. Timeouts and tmux's
// own refusals (duplicate session, not found) are permanent for the call.
func transientFailure(stderr string, err error) bool {
	for _, marker := range []string{
		"server exited unexpectedly",
		"lost server",
		"resource temporarily unavailable",
	} {
		if strings.Contains(stderr, marker) || strings.Contains(err.Error(), marker) {
			return true
		}
	}
	return false
}

// wrapError maps a failed invocation to a sentinel where stderr identifies
// one, otherwise to a subprocess-kind error.
func (c *Controller) wrapError(ctx context.Context, err error, stderr string, args []string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("tmux %s timed out: %w", args[0], models.ErrSubprocessTimeout)
	}

	stderr = strings.TrimSpace(stderr)
	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s: %w", args[0], stderr, models.ErrSubprocess)
	}
	return fmt.Errorf("tmux %s: %w: %w", args[0], err, models.ErrSubprocess)
}
