package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemux/hivemux/internal/models"
)

const taskColumns = `task_id, title, description, assigned_to, created_by, status, priority, parent_task, created_at, updated_at`

// CreateTask inserts a task with its dependency edges. The parent and every
// dependency must already exist; a task cannot parent or depend on itself.
// Parents are fixed at creation, so the parent graph stays acyclic by
// construction.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = models.TaskStatusCreated
	}
	if task.Priority == "" {
		task.Priority = models.TaskPriorityMedium
	}
	task.CreatedBy = models.CanonicalActor(task.CreatedBy)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if task.ParentTask != nil {
			if *task.ParentTask == task.ID {
				return models.Validationf("task %s cannot be its own parent", task.ID)
			}
			if err := taskExistsTx(ctx, tx, *task.ParentTask); err != nil {
				return err
			}
		}
		for _, dep := range task.DependsOn {
			if dep == task.ID {
				return models.Validationf("task %s cannot depend on itself", task.ID)
			}
			if err := taskExistsTx(ctx, tx, dep); err != nil {
				return err
			}
		}
		if err := wouldCreateCycle(ctx, tx, task.ID, task.DependsOn); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, title, description, assigned_to, created_by, status, priority, parent_task, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, task.ID, task.Title, task.Description, task.AssignedTo, task.CreatedBy,
			string(task.Status), string(task.Priority), task.ParentTask, task.CreatedAt, task.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return models.Conflictf("task %s already exists", task.ID)
			}
			return storageErr("create task", err)
		}

		for _, dep := range task.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)
			`, task.ID, dep); err != nil {
				return storageErr("create task dependency", err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task with its dependencies and notes.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.ro.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("task %s", id)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}

	if task.DependsOn, err = s.taskDependencies(ctx, id); err != nil {
		return nil, err
	}
	if task.Notes, err = s.ListTaskNotes(ctx, id); err != nil {
		return nil, err
	}
	return task, nil
}

// TaskFilter narrows ListTasks. Zero values mean no filtering on that field.
type TaskFilter struct {
	Status     models.TaskStatus
	AssignedTo string
	CreatedBy  string
	ParentTask string
}

// ListTasks returns tasks matching the filter, oldest first. Dependencies
// are loaded; notes are not.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	if filter.CreatedBy != "" {
		query += ` AND created_by = ?`
		args = append(args, models.CanonicalActor(filter.CreatedBy))
	}
	if filter.ParentTask != "" {
		query += ` AND parent_task = ?`
		args = append(args, filter.ParentTask)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks", err)
	}

	for _, task := range result {
		if task.DependsOn, err = s.taskDependencies(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ListTasksForAgent returns every task the agent is assigned to or has acted
// on, oldest first. "Acted on" means any audit row references the task, so
// work history survives reassignment. Admin spellings collapse: "Admin" and
// "admin" share one task set.
func (s *Store) ListTasksForAgent(ctx context.Context, agentID string) ([]*models.Task, error) {
	canonical := models.CanonicalActor(agentID)
	assignedCond, actorCond := `assigned_to = ?`, `agent_id = ?`
	if canonical == models.AdminID {
		assignedCond, actorCond = `LOWER(assigned_to) = ?`, `LOWER(agent_id) = ?`
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + assignedCond + `
		OR task_id IN (SELECT DISTINCT task_id FROM agent_actions WHERE ` + actorCond + ` AND task_id IS NOT NULL)
		ORDER BY created_at ASC`

	rows, err := s.ro.QueryContext(ctx, query, canonical, canonical)
	if err != nil {
		return nil, storageErr("list tasks for agent", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storageErr("scan task", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list tasks for agent", err)
	}

	for _, task := range result {
		if task.DependsOn, err = s.taskDependencies(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// AssignTask points a task at an agent and moves it to pending. The agent's
// current_task is set in the same transaction when the agent is idle, so the
// two rows never disagree.
func (s *Store) AssignTask(ctx context.Context, taskID, agentID string) (*models.Task, error) {
	var assigned *models.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if models.TerminalTaskStatus(task.Status) {
			return models.Conflictf("task %s is %s and cannot be assigned", taskID, task.Status)
		}

		var agentStatus string
		var currentTask sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT status, current_task FROM agents WHERE agent_id = ?`, agentID).
			Scan(&agentStatus, &currentTask)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("agent %s", agentID)
		}
		if err != nil {
			return storageErr("load agent for assignment", err)
		}
		if models.AgentStatus(agentStatus) == models.AgentStatusTerminated {
			return models.Conflictf("agent %s is terminated", agentID)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_to = ?, status = ?, updated_at = ? WHERE task_id = ?
		`, agentID, string(models.TaskStatusPending), now, taskID); err != nil {
			return storageErr("assign task", err)
		}

		if !currentTask.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE agents SET current_task = ?, updated_at = ? WHERE agent_id = ?
			`, taskID, now, agentID); err != nil {
				return storageErr("set agent current task", err)
			}
		}

		task.AssignedTo = &agentID
		task.Status = models.TaskStatusPending
		task.UpdatedAt = now
		assigned = task
		return nil
	})
	return assigned, err
}

// EnsureAssignedTask creates the task if it does not exist, or refreshes its
// title, description, and priority if it does, then assigns it to the agent
// with status pending. Creation and assignment land in one transaction. A
// re-ensured task is reset to pending even from a terminal state; the testing
// pipeline relies on this when a task is completed a second time.
func (s *Store) EnsureAssignedTask(ctx context.Context, task *models.Task, agentID string) (*models.Task, error) {
	if task.ID == "" {
		return nil, models.Validationf("task id is required")
	}
	task.CreatedBy = models.CanonicalActor(task.CreatedBy)
	if task.Priority == "" {
		task.Priority = models.TaskPriorityMedium
	}

	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var agentStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE agent_id = ?`, agentID).Scan(&agentStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundf("agent %s", agentID)
		}
		if err != nil {
			return storageErr("load agent for assignment", err)
		}
		if models.AgentStatus(agentStatus) == models.AgentStatusTerminated {
			return models.Conflictf("agent %s is terminated", agentID)
		}

		existing, err := getTaskTx(ctx, tx, task.ID)
		switch {
		case err == nil:
			task.CreatedAt = existing.CreatedAt
			task.CreatedBy = existing.CreatedBy
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET title = ?, description = ?, priority = ?, assigned_to = ?, status = ?, updated_at = ? WHERE task_id = ?
			`, task.Title, task.Description, string(task.Priority), agentID,
				string(models.TaskStatusPending), now, task.ID); err != nil {
				return storageErr("refresh assigned task", err)
			}
		case errors.Is(err, models.ErrNotFound):
			task.CreatedAt = now
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (task_id, title, description, assigned_to, created_by, status, priority, parent_task, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, task.ID, task.Title, task.Description, agentID, task.CreatedBy,
				string(models.TaskStatusPending), string(task.Priority), task.ParentTask, now, now); err != nil {
				return storageErr("create assigned task", err)
			}
		default:
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET current_task = ?, updated_at = ? WHERE agent_id = ?
		`, task.ID, now, agentID); err != nil {
			return storageErr("set agent current task", err)
		}

		task.AssignedTo = &agentID
		task.Status = models.TaskStatusPending
		task.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus transitions a task. Terminal states are immutable:
// re-applying the same terminal status is an idempotent no-op, switching
// between terminal states is a conflict. Moving to in_progress points the
// assignee's current_task at the task; reaching a terminal state clears it.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) (*models.Task, error) {
	if !models.ValidTaskStatus(status) {
		return nil, models.Validationf("unknown task status %q", status)
	}

	var updated *models.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		task, err := getTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if models.TerminalTaskStatus(task.Status) {
			if task.Status == status {
				updated = task
				return nil
			}
			return models.Conflictf("task %s is already %s", taskID, task.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?
		`, string(status), now, taskID); err != nil {
			return storageErr("update task status", err)
		}

		if task.AssignedTo != nil {
			switch {
			case status == models.TaskStatusInProgress:
				if _, err := tx.ExecContext(ctx, `
					UPDATE agents SET current_task = ?, updated_at = ? WHERE agent_id = ?
				`, taskID, now, *task.AssignedTo); err != nil {
					return storageErr("set agent current task", err)
				}
			case models.TerminalTaskStatus(status):
				if _, err := tx.ExecContext(ctx, `
					UPDATE agents SET current_task = NULL, updated_at = ? WHERE agent_id = ? AND current_task = ?
				`, now, *task.AssignedTo, taskID); err != nil {
					return storageErr("clear agent current task", err)
				}
			}
		}

		task.Status = status
		task.UpdatedAt = now
		updated = task
		return nil
	})
	return updated, err
}

// AddTaskNote appends a note to a task.
func (s *Store) AddTaskNote(ctx context.Context, taskID, author, content string) (*models.TaskNote, error) {
	note := &models.TaskNote{
		TaskID:    taskID,
		Author:    models.CanonicalActor(author),
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := taskExistsTx(ctx, tx, taskID); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO task_notes (task_id, author, content, created_at) VALUES (?, ?, ?, ?)
		`, note.TaskID, note.Author, note.Content, note.CreatedAt)
		if err != nil {
			return storageErr("add task note", err)
		}
		note.ID, _ = result.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

// ListTaskNotes returns a task's notes oldest first.
func (s *Store) ListTaskNotes(ctx context.Context, taskID string) ([]models.TaskNote, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, task_id, author, content, created_at FROM task_notes WHERE task_id = ? ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, storageErr("list task notes", err)
	}
	defer func() { _ = rows.Close() }()

	var notes []models.TaskNote
	for rows.Next() {
		var note models.TaskNote
		if err := rows.Scan(&note.ID, &note.TaskID, &note.Author, &note.Content, &note.CreatedAt); err != nil {
			return nil, storageErr("scan task note", err)
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// LatestTaskNote returns the most recent note on a task, or not-found when
// the task has none.
func (s *Store) LatestTaskNote(ctx context.Context, taskID string) (*models.TaskNote, error) {
	var note models.TaskNote
	err := s.ro.QueryRowContext(ctx, `
		SELECT id, task_id, author, content, created_at FROM task_notes WHERE task_id = ? ORDER BY id DESC LIMIT 1
	`, taskID).Scan(&note.ID, &note.TaskID, &note.Author, &note.Content, &note.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("notes for task %s", taskID)
	}
	if err != nil {
		return nil, storageErr("latest task note", err)
	}
	return &note, nil
}

// DeleteTask removes a task. Children are detached rather than deleted;
// notes and dependency edges in both directions go with the task, and any
// agent pointing at it has its current_task cleared.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET parent_task = NULL, updated_at = ? WHERE parent_task = ?
		`, now, taskID); err != nil {
			return storageErr("detach child tasks", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_notes WHERE task_id = ?`, taskID); err != nil {
			return storageErr("delete task notes", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE task_id = ? OR depends_on = ?
		`, taskID, taskID); err != nil {
			return storageErr("delete task dependencies", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET current_task = NULL, updated_at = ? WHERE current_task = ?
		`, now, taskID); err != nil {
			return storageErr("clear agent current task", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
		if err != nil {
			return storageErr("delete task", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return models.NotFoundf("task %s", taskID)
		}
		return nil
	})
}

// CountTasksByStatus returns a status -> count map for the stats endpoint.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, storageErr("count tasks", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("count tasks", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) taskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on
	`, taskID)
	if err != nil {
		return nil, storageErr("list task dependencies", err)
	}
	defer func() { _ = rows.Close() }()

	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, storageErr("scan task dependency", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func scanTask(row scanner) (*models.Task, error) {
	task := &models.Task{}
	var status, priority string
	var assignedTo, parentTask sql.NullString

	err := row.Scan(&task.ID, &task.Title, &task.Description, &assignedTo, &task.CreatedBy,
		&status, &priority, &parentTask, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = models.TaskStatus(status)
	task.Priority = models.TaskPriority(priority)
	if assignedTo.Valid {
		task.AssignedTo = &assignedTo.String
	}
	if parentTask.Valid {
		task.ParentTask = &parentTask.String
	}
	return task, nil
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, taskID string) (*models.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundf("task %s", taskID)
	}
	if err != nil {
		return nil, storageErr("get task", err)
	}
	return task, nil
}

func taskExistsTx(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_id = ?`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFoundf("task %s", taskID)
	}
	if err != nil {
		return storageErr("check task exists", err)
	}
	return nil
}

// wouldCreateCycle walks the dependency graph from each new edge's target.
// Reaching taskID again means the edge closes a cycle.
func wouldCreateCycle(ctx context.Context, tx *sqlx.Tx, taskID string, deps []string) error {
	if len(deps) == 0 {
		return nil
	}

	visited := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return models.Validationf("dependency cycle through task %s", taskID)
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		rows, err := tx.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ?`, current)
		if err != nil {
			return storageErr("walk task dependencies", err)
		}
		for rows.Next() {
			var next string
			if err := rows.Scan(&next); err != nil {
				_ = rows.Close()
				return storageErr("walk task dependencies", err)
			}
			stack = append(stack, next)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("walk task dependencies", err)
		}
		_ = rows.Close()
	}
	return nil
}
