package store

import (
	"context"
	"database/sql"
	"time"

	"calendo/internal/model"
)

const reminderColumns = `id, event_id, task_id, remind_at, message, fired_at, created_at, updated_at`

func scanReminder(row scanner) (*model.Reminder, error) {
	var (
		r                  model.Reminder
		event, task, fired sql.NullString
		remindAt           string
		created, updated   string
	)
	if err := row.Scan(&r.ID, &event, &task, &remindAt, &r.Message, &fired, &created, &updated); err != nil {
		return nil, err
	}
	r.EventID = stringPtr(event)
	r.TaskID = stringPtr(task)
	r.RemindAt = parseTime(remindAt)
	r.FiredAt = parseTimePtr(fired)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

func validateReminder(r *model.Reminder) error {
	hasEvent := r.EventID != nil && *r.EventID != ""
	hasTask := r.TaskID != nil && *r.TaskID != ""
	if hasEvent == hasTask {
		return invalid("reminder needs exactly one of event_id or task_id")
	}
	if r.RemindAt.IsZero() {
		return invalid("reminder remind_at is required")
	}
	return nil
}

func (s *Store) CreateReminder(ctx context.Context, r model.Reminder) (*model.Reminder, error) {
	if err := validateReminder(&r); err != nil {
		return nil, err
	}
	now := s.stamp()
	r.ID = newID()
	r.RemindAt = r.RemindAt.UTC()
	r.FiredAt = nil
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullString(r.EventID), nullString(r.TaskID), fmtTime(r.RemindAt), r.Message,
		sql.NullString{}, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, classify("create reminder", err)
	}
	return &r, nil
}

func (s *Store) GetReminder(ctx context.Context, id string) (*model.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err != nil {
		return nil, classify("get reminder", err)
	}
	return r, nil
}

func (s *Store) queryReminders(ctx context.Context, op, where string, args ...any) ([]*model.Reminder, error) {
	q := `SELECT ` + reminderColumns + ` FROM reminders`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY remind_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make([]*model.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListReminders lists all reminders, or those of one owner when ownerID is set.
func (s *Store) ListReminders(ctx context.Context, ownerID string) ([]*model.Reminder, error) {
	if ownerID == "" {
		return s.queryReminders(ctx, "list reminders", "")
	}
	return s.queryReminders(ctx, "list reminders", "event_id = ? OR task_id = ?", ownerID, ownerID)
}

// DueReminders lists unfired reminders at or before now.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*model.Reminder, error) {
	return s.queryReminders(ctx, "due reminders", "fired_at IS NULL AND remind_at <= ?", fmtTime(now))
}

// MarkReminderFired stamps fired_at. A reminder fires once; a second call
// reports ErrConflict.
func (s *Store) MarkReminderFired(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fired_at = ?, updated_at = ? WHERE id = ? AND fired_at IS NULL`,
		fmtTime(at), fmtTime(s.stamp()), id)
	if err != nil {
		return classify("mark reminder fired", err)
	}
	if err := expectOne("mark reminder fired", res); err != nil {
		if _, gerr := s.GetReminder(ctx, id); gerr != nil {
			return gerr
		}
		return invalidState("reminder %s already fired", id)
	}
	return nil
}

// UpdateReminder rewrites owner, time and message. Moving remind_at clears
// fired_at so the reminder fires again.
func (s *Store) UpdateReminder(ctx context.Context, r model.Reminder) (*model.Reminder, error) {
	if err := validateReminder(&r); err != nil {
		return nil, err
	}
	cur, err := s.GetReminder(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	fired := cur.FiredAt
	if !cur.RemindAt.Equal(r.RemindAt) {
		fired = nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET event_id = ?, task_id = ?, remind_at = ?, message = ?, fired_at = ?, updated_at = ?
		WHERE id = ?`,
		nullString(r.EventID), nullString(r.TaskID), fmtTime(r.RemindAt), r.Message, fmtTimePtr(fired),
		fmtTime(s.stamp()), r.ID)
	if err != nil {
		return nil, classify("update reminder", err)
	}
	if err := expectOne("update reminder", res); err != nil {
		return nil, err
	}
	return s.GetReminder(ctx, r.ID)
}

func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return classify("delete reminder", err)
	}
	return expectOne("delete reminder", res)
}
