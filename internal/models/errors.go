package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every error that crosses a package boundary wraps exactly one
// of these sentinels so callers can branch with errors.Is without parsing
// message text.
var (
	// ErrAuth means the caller's token is missing, malformed, or lacks the
	// privilege the operation requires.
	ErrAuth = errors.New("unauthorized")
	// ErrValidation means the request arguments are structurally invalid.
	ErrValidation = errors.New("invalid argument")
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the operation contradicts current state, for
	// example assigning a task to a terminated agent.
	ErrConflict = errors.New("conflict")
	// ErrStorage wraps database failures.
	ErrStorage = errors.New("storage failure")
	// ErrSubprocess wraps tmux command failures.
	ErrSubprocess = errors.New("subprocess failure")
	// ErrSubprocessTimeout means a tmux command exceeded its deadline.
	ErrSubprocessTimeout = errors.New("subprocess timeout")
	// ErrRecoveryDenied means a session reattach was refused: outside the
	// grace window, attempts exhausted, or the session already expired.
	ErrRecoveryDenied = errors.New("recovery denied")
	// ErrInternal covers bugs and states that should be unreachable.
	ErrInternal = errors.New("internal error")
)

// JSON-RPC error codes returned on the MCP transport.
const (
	// RPCCodeSessionInvalid is returned when a request names an unknown or
	// expired session.
	RPCCodeSessionInvalid = -32000
	// RPCCodeMethodNotFound is returned for unknown methods and unknown
	// tool names.
	RPCCodeMethodNotFound = -32601
	// RPCCodeInvalidParams is returned for malformed arguments.
	RPCCodeInvalidParams = -32602
	// RPCCodeInternal is returned for everything else.
	RPCCodeInternal = -32603
)

// kindNames maps each sentinel to the stable name used in logs and the
// /stats error breakdown.
var kindNames = []struct {
	err  error
	name string
}{
	{ErrAuth, "auth"},
	{ErrValidation, "validation"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrStorage, "storage"},
	{ErrSubprocessTimeout, "subprocess_timeout"},
	{ErrSubprocess, "subprocess"},
	{ErrRecoveryDenied, "recovery_denied"},
	{ErrInternal, "internal"},
}

// KindOf returns the stable kind name for err, or "internal" when err wraps
// none of the sentinels. A nil err returns "".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// RPCCode maps err to the JSON-RPC error code the MCP transport should
// return. Domain failures (not found, conflict, auth) surface as tool
// results rather than protocol errors, so they map to the internal code
// only when they escape to the protocol layer.
func RPCCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrValidation):
		return RPCCodeInvalidParams
	case errors.Is(err, ErrRecoveryDenied):
		return RPCCodeSessionInvalid
	default:
		return RPCCodeInternal
	}
}

// Authf wraps ErrAuth with a formatted message.
func Authf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuth)...)
}

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Storagef wraps ErrStorage with a formatted message.
func Storagef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorage)...)
}

// Internalf wraps ErrInternal with a formatted message.
func Internalf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInternal)...)
}
