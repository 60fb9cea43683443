package store

import (
	"context"
	"database/sql"
	"strings"

	"calendo/internal/model"
)

const taskColumns = `id, title, description, due, priority, status, completed_at,
	category_id, recurring_rule_id, created_at, updated_at`

// TaskFilter narrows ListTasks. Zero fields do not filter.
type TaskFilter struct {
	Status     string
	CategoryID string
}

func scanTask(row scanner) (*model.Task, error) {
	var (
		t                model.Task
		due, completed   sql.NullString
		category, rule   sql.NullString
		created, updated string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &due, &t.Priority, &t.Status, &completed,
		&category, &rule, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Due = parseTimePtr(due)
	t.CompletedAt = parseTimePtr(completed)
	t.CategoryID = stringPtr(category)
	t.RecurringRuleID = stringPtr(rule)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

func validTaskStatus(s string) bool {
	switch s {
	case model.TaskTodo, model.TaskInProgress, model.TaskDone:
		return true
	}
	return false
}

// validateTask also keeps CompletedAt in step with Status.
func (s *Store) validateTask(t *model.Task) error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return invalid("task title is required")
	}
	if t.Status == "" {
		t.Status = model.TaskTodo
	}
	if !validTaskStatus(t.Status) {
		return invalid("task status %q", t.Status)
	}
	if t.Priority < 0 || t.Priority > model.MaxTaskPriority {
		return invalid("task priority %d out of range 0..%d", t.Priority, model.MaxTaskPriority)
	}
	if t.Status == model.TaskDone {
		if t.CompletedAt == nil {
			now := s.stamp()
			t.CompletedAt = &now
		}
	} else {
		t.CompletedAt = nil
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t model.Task) (*model.Task, error) {
	if err := s.validateTask(&t); err != nil {
		return nil, err
	}
	now := s.stamp()
	t.ID = newID()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, fmtTimePtr(t.Due), t.Priority, t.Status, fmtTimePtr(t.CompletedAt),
		nullString(t.CategoryID), nullString(t.RecurringRuleID), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, classify("create task", err)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, classify("get task", err)
	}
	return t, nil
}

// ListTasks orders open work first, then by due date (undated last).
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*model.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY status = 'done', due IS NULL, due, priority DESC, created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list tasks", err)
	}
	defer rows.Close()

	out := make([]*model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify("list tasks", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t model.Task) (*model.Task, error) {
	if err := s.validateTask(&t); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, due = ?, priority = ?, status = ?, completed_at = ?,
			category_id = ?, recurring_rule_id = ?, updated_at = ?
		WHERE id = ?`,
		t.Title, t.Description, fmtTimePtr(t.Due), t.Priority, t.Status, fmtTimePtr(t.CompletedAt),
		nullString(t.CategoryID), nullString(t.RecurringRuleID), fmtTime(s.stamp()), t.ID)
	if err != nil {
		return nil, classify("update task", err)
	}
	if err := expectOne("update task", res); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, t.ID)
}

// CompleteTask marks the task done, stamping completed_at once.
func (s *Store) CompleteTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TaskDone {
		return t, nil
	}
	t.Status = model.TaskDone
	t.CompletedAt = nil
	return s.UpdateTask(ctx, *t)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return classify("delete task", err)
	}
	return expectOne("delete task", res)
}
