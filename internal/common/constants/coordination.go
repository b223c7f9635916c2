// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Session lifecycle timing. These are protocol contract values; the config
// layer may override them for tests but the defaults ship as written here.
const (
	// HeartbeatInterval is how often an active session's heartbeat is
	// persisted to the store.
	HeartbeatInterval = 30 * time.Second

	// RecoveryGracePeriod is the window after a disconnect during which the
	// session can be recovered under the same session id.
	RecoveryGracePeriod = 10 * time.Minute

	// MaxRecoveryAttempts caps successful recoveries per session. A fourth
	// attempt is rejected even inside the grace window.
	MaxRecoveryAttempts = 3

	// ExpiredSweepInterval is how often the background sweeper expires
	// sessions whose grace window has elapsed.
	ExpiredSweepInterval = 5 * time.Minute
)

// Agent naming.
const (
	// SessionSuffixLen is how many trailing characters of the admin token
	// form the tmux session suffix. The suffix is lowercased.
	SessionSuffixLen = 4

	// TestingIDLen is how many trailing characters of a completed task id
	// form the deterministic testing-agent id ("test-" + suffix).
	TestingIDLen = 6
)

// Testing-agent pipeline timing.
const (
	// AgentPauseBreaks is the number of interrupt keypresses sent to pause
	// a completing agent before its work is audited.
	AgentPauseBreaks = 4

	// AgentPauseSpacing separates consecutive pause keypresses.
	AgentPauseSpacing = 1 * time.Second

	// ValidationDelay is how long after spawning the testing agent the
	// enhanced-validation callback fires.
	ValidationDelay = 15 * time.Second

	// AuditWindow bounds the "recent actions" section of the testing task
	// description.
	AuditWindow = 1 * time.Hour
)

// Subprocess timeouts for tmux operations.
const (
	// TmuxCommandTimeout bounds a routine tmux invocation.
	TmuxCommandTimeout = 5 * time.Second

	// TmuxCreateTimeout bounds session creation, which can be slower when
	// the agent runtime is attached at spawn.
	TmuxCreateTimeout = 10 * time.Second
)

// PromptInjectionDelay is how long the supervisor waits after starting an
// agent runtime before injecting the initial prompt, so the runtime's own
// startup does not swallow keystrokes.
const PromptInjectionDelay = 3 * time.Second
