package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hivemux/hivemux/internal/common/constants"
	"github.com/hivemux/hivemux/internal/common/stringutil"
	"github.com/hivemux/hivemux/internal/events"
	"github.com/hivemux/hivemux/internal/models"
	"github.com/hivemux/hivemux/internal/store"
)

// auditSectionCap bounds each audit section so the testing task description
// stays readable; the testing agent can pull the rest through list tools.
// completedTitleLimit keeps the derived testing-task title one line.
const (
	auditSectionCap     = 10
	completedTitleLimit = 80
)

// testingVerdict is the JSON payload a testing agent leaves as the final
// note on its testing task.
type testingVerdict struct {
	Verdict              string   `json:"verdict"`
	Reason               string   `json:"reason"`
	IncorrectContextKeys []string `json:"incorrect_context_keys"`
}

// runTestingPipeline audits a completed task: pause the agent that reported
// completion, replace any stale testing agent for this task, spawn a fresh
// one with an audit of everything the completer touched, and after the
// validation delay read its verdict and relay it.
//
// The pipeline runs on a context detached from the completing request, so a
// client disconnect does not strand a half-spawned testing agent.
func (s *Supervisor) runTestingPipeline(ctx context.Context, task *models.Task, completedBy string) {
	log := s.logger.WithTaskID(task.ID)

	completer, err := s.store.GetAgent(ctx, completedBy)
	if err != nil {
		// Admin completions have no agent row; there is nothing to pause.
		completer = nil
	}
	s.pauseCompletingAgent(ctx, completer)

	testerID := TestingAgentID(task.ID)
	if err := s.teardownStaleTester(ctx, testerID); err != nil {
		log.Error("Stale testing agent teardown failed", zap.String("tester_id", testerID), zap.Error(err))
		return
	}

	audit := s.buildAudit(ctx, task, completedBy)

	workingDir := ""
	if completer != nil {
		workingDir = completer.WorkingDirectory
	}
	tester, err := s.CreateAgent(ctx, CreateAgentParams{
		ID:               testerID,
		Capabilities:     testingCapabilities,
		WorkingDirectory: workingDir,
		IsTester:         true,
	})
	if err != nil {
		log.Error("Testing agent spawn failed", zap.String("tester_id", testerID), zap.Error(err))
		return
	}

	testingTask, err := s.store.EnsureAssignedTask(ctx, &models.Task{
		ID:          TestingTaskID(task.ID),
		Title:       fmt.Sprintf("Validate completion of %q", stringutil.Ellipsis(task.Title, completedTitleLimit)),
		Description: audit,
		CreatedBy:   models.AdminID,
		Priority:    models.TaskPriorityHigh,
	}, tester.ID)
	if err != nil {
		log.Error("Testing task setup failed", zap.String("tester_id", tester.ID), zap.Error(err))
		return
	}

	grant := mustJSON(map[string]interface{}{
		"task_id":         task.ID,
		"testing_task_id": testingTask.ID,
		"completed_by":    completedBy,
		"granted_at":      time.Now().UTC().Format(time.RFC3339),
		"read_only":       true,
	})
	grantDesc := fmt.Sprintf("Audit access for testing agent %s validating task %s", tester.ID, task.ID)
	if _, err := s.store.UpsertContext(ctx, "testing_access_"+tester.ID, grant, grantDesc, models.AdminID); err != nil {
		log.Warn("Testing access grant not recorded", zap.Error(err))
	}

	prompt := renderPrompt(s.prompts.TestingAgent, map[string]string{
		"agent_id":        tester.ID,
		"completed_by":    completedBy,
		"task_id":         task.ID,
		"task_title":      task.Title,
		"testing_task_id": testingTask.ID,
	})
	s.scheduleInjection(ctx, tester.TmuxSession, prompt)

	s.recordAction(ctx, models.AdminID, "create_testing_agent", &task.ID, map[string]interface{}{
		"tester_id":       tester.ID,
		"testing_task_id": testingTask.ID,
		"completed_by":    completedBy,
	})
	s.publish(ctx, events.TestingAgentSpawned, map[string]interface{}{
		"task_id":         task.ID,
		"tester_id":       tester.ID,
		"testing_task_id": testingTask.ID,
	})
	log.Info("Testing agent spawned",
		zap.String("tester_id", tester.ID),
		zap.String("testing_task_id", testingTask.ID))

	select {
	case <-ctx.Done():
		log.Debug("Validation callback cancelled", zap.String("tester_id", tester.ID))
		return
	case <-time.After(s.validationDelay):
	}
	s.runEnhancedValidation(ctx, task, testingTask.ID, tester.ID, completedBy)
}

// pauseCompletingAgent interrupts whatever the completing agent's runtime is
// doing so it does not race ahead of validation. Best effort; a dead pane is
// not a reason to skip the audit.
func (s *Supervisor) pauseCompletingAgent(ctx context.Context, completer *models.Agent) {
	if completer == nil || completer.TmuxSession == "" {
		return
	}
	for i := 0; i < constants.AgentPauseBreaks; i++ {
		if err := s.tmux.SendSubmit(ctx, completer.TmuxSession); err != nil {
			s.logger.Debug("Pause break not delivered",
				zap.String("agent_id", completer.ID), zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pauseSpacing):
		}
	}
}

// teardownStaleTester removes a leftover testing agent from an earlier
// completion of the same task: row first so the id frees up even when tmux
// is unreachable, then the session.
func (s *Supervisor) teardownStaleTester(ctx context.Context, testerID string) error {
	stale, err := s.store.GetAgent(ctx, testerID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}

	s.auth.RevokeAgent(testerID)
	if err := s.store.DeleteAgent(ctx, testerID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	if stale.TmuxSession != "" {
		if err := s.tmux.KillSession(ctx, stale.TmuxSession); err != nil {
			s.logger.Warn("Stale tester tmux session not killed",
				zap.String("tester_id", testerID), zap.Error(err))
		}
	}
	s.logger.Debug("Stale testing agent removed", zap.String("tester_id", testerID))
	return nil
}

// buildAudit assembles the evidence the testing agent starts from: the
// completed task, its subtasks, and every context entry, file record, and
// recent action attributed to the completing agent.
func (s *Supervisor) buildAudit(ctx context.Context, task *models.Task, completedBy string) string {
	// The four evidence queries are independent; fetch them in parallel.
	// None of the branches returns an error: a failed query degrades to an
	// empty section rather than blocking the pipeline.
	var (
		subtasks []*models.Task
		entries  []*models.ContextEntry
		files    []*models.FileMetadata
		actions  []*models.AgentAction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if subtasks, err = s.store.ListTasks(gctx, store.TaskFilter{ParentTask: task.ID}); err != nil {
			s.logger.Warn("Audit subtask listing failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if entries, err = s.store.ListContext(gctx, false); err != nil {
			s.logger.Warn("Audit context listing failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if files, err = s.store.ListFileMetadata(gctx); err != nil {
			s.logger.Warn("Audit file listing failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if actions, err = s.store.ListActionsSince(gctx, time.Now().Add(-constants.AuditWindow), 200); err != nil {
			s.logger.Warn("Audit action listing failed", zap.Error(err))
		}
		return nil
	})
	_ = g.Wait()

	var b strings.Builder

	fmt.Fprintf(&b, "Audit the completion of task %s (%q), reported by %s.\n", task.ID, task.Title, completedBy)
	if task.Description != "" {
		fmt.Fprintf(&b, "\n## Task description\n%s\n", task.Description)
	}

	fmt.Fprintf(&b, "\n## Subtasks (%d)\n", len(subtasks))
	for i, sub := range subtasks {
		if i == auditSectionCap {
			fmt.Fprintf(&b, "- ... and %d more\n", len(subtasks)-auditSectionCap)
			break
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", sub.Status, sub.ID, sub.Title)
	}

	var written []*models.ContextEntry
	for _, e := range entries {
		if e.UpdatedBy == completedBy {
			written = append(written, e)
		}
	}
	fmt.Fprintf(&b, "\n## Context entries written by %s (%d)\n", completedBy, len(written))
	for i, e := range written {
		if i == auditSectionCap {
			fmt.Fprintf(&b, "- ... and %d more\n", len(written)-auditSectionCap)
			break
		}
		fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Description)
	}

	var touched []*models.FileMetadata
	for _, f := range files {
		if f.UpdatedBy == completedBy {
			touched = append(touched, f)
		}
	}
	fmt.Fprintf(&b, "\n## Files touched by %s (%d)\n", completedBy, len(touched))
	for i, f := range touched {
		if i == auditSectionCap {
			fmt.Fprintf(&b, "- ... and %d more\n", len(touched)-auditSectionCap)
			break
		}
		fmt.Fprintf(&b, "- %s\n", f.Filepath)
	}

	var recent []*models.AgentAction
	for _, a := range actions {
		if a.AgentID == completedBy {
			recent = append(recent, a)
		}
	}
	fmt.Fprintf(&b, "\n## Actions by %s in the last hour (%d)\n", completedBy, len(recent))
	for i, a := range recent {
		if i == auditSectionCap {
			fmt.Fprintf(&b, "- ... and %d more\n", len(recent)-auditSectionCap)
			break
		}
		if a.TaskID != nil {
			fmt.Fprintf(&b, "- %s %s (task %s)\n", a.Timestamp.Format(time.RFC3339), a.Action, *a.TaskID)
		} else {
			fmt.Fprintf(&b, "- %s %s\n", a.Timestamp.Format(time.RFC3339), a.Action)
		}
	}

	b.WriteString("\n## Verdict protocol\n")
	b.WriteString("Re-verify the claims above against the repository. When done, add a note to this task containing a JSON object:\n")
	b.WriteString(`{"verdict": "pass" or "fail", "reason": "<one paragraph>", "incorrect_context_keys": ["<key>", ...]}` + "\n")
	b.WriteString("then call complete_task on this task.\n")

	return b.String()
}

// runEnhancedValidation reads the testing agent's verdict note, relays it to
// the completing agent, and archives any context entries the verdict flagged
// as wrong. A missing or unparseable note counts as a failure with the
// parse problem as the reason.
func (s *Supervisor) runEnhancedValidation(ctx context.Context, task *models.Task, testingTaskID, testerID, completedBy string) {
	log := s.logger.WithTaskID(task.ID)

	verdict := &testingVerdict{Verdict: "fail"}
	note, err := s.store.LatestTaskNote(ctx, testingTaskID)
	if err != nil {
		verdict.Reason = fmt.Sprintf("testing agent left no verdict within %s", s.validationDelay)
	} else if parsed, perr := parseVerdict(note.Content); perr != nil {
		verdict.Reason = fmt.Sprintf("verdict note could not be parsed: %v", perr)
	} else {
		verdict = parsed
	}

	passed := strings.HasPrefix(strings.ToLower(strings.TrimSpace(verdict.Verdict)), "pass")

	content := fmt.Sprintf("Validation failed for task %s", task.ID)
	priority := models.MessagePriorityHigh
	if passed {
		content = fmt.Sprintf("Validation passed for task %s", task.ID)
		priority = models.MessagePriorityNormal
	}
	if verdict.Reason != "" {
		content += ": " + verdict.Reason
	}
	if err := s.store.InsertMessage(ctx, &models.AgentMessage{
		SenderID:    testerID,
		RecipientID: completedBy,
		Content:     content,
		Type:        models.MessageTypeVerdict,
		Priority:    priority,
	}); err != nil {
		log.Warn("Verdict message not delivered", zap.String("recipient", completedBy), zap.Error(err))
	}

	if !passed {
		for _, key := range verdict.IncorrectContextKeys {
			archivedKey, err := s.store.ArchiveContext(ctx, key, testerID)
			if err != nil {
				log.Warn("Flagged context key not archived", zap.String("key", key), zap.Error(err))
				continue
			}
			s.publish(ctx, events.ContextArchived, map[string]interface{}{
				"key":          key,
				"archived_key": archivedKey,
				"archived_by":  testerID,
			})
		}
	}

	s.recordAction(ctx, testerID, "enhanced_validation", &testingTaskID, map[string]interface{}{
		"verdict": verdict.Verdict,
		"reason":  verdict.Reason,
		"passed":  passed,
	})
	s.publish(ctx, events.TestingVerdict, map[string]interface{}{
		"task_id":         task.ID,
		"testing_task_id": testingTaskID,
		"tester_id":       testerID,
		"verdict":         verdict.Verdict,
		"passed":          passed,
	})
	log.Info("Validation verdict relayed",
		zap.String("tester_id", testerID),
		zap.Bool("passed", passed),
		zap.String("reason", verdict.Reason))
}

// parseVerdict extracts the verdict JSON from a note. Testing agents wrap
// the object in prose more often than not, so everything outside the
// outermost braces is discarded, and malformed JSON gets one repair pass
// before giving up.
func parseVerdict(content string) (*testingVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, models.Validationf("note contains no JSON object")
	}
	raw := content[start : end+1]

	var v testingVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(raw)
		if repErr != nil {
			return nil, models.Validationf("invalid verdict JSON: %v", err)
		}
		if err := json.Unmarshal([]byte(repaired), &v); err != nil {
			return nil, models.Validationf("invalid verdict JSON after repair: %v", err)
		}
	}
	if strings.TrimSpace(v.Verdict) == "" {
		return nil, models.Validationf("verdict field is missing")
	}
	return &v, nil
}
