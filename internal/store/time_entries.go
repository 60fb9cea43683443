package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"calendo/internal/model"
)

const timeEntryColumns = `id, task_id, description, start_at, end_at, created_at, updated_at`

func scanTimeEntry(row scanner) (*model.TimeEntry, error) {
	var (
		e                model.TimeEntry
		task, end        sql.NullString
		start            string
		created, updated string
	)
	if err := row.Scan(&e.ID, &task, &e.Description, &start, &end, &created, &updated); err != nil {
		return nil, err
	}
	e.TaskID = stringPtr(task)
	e.Start = parseTime(start)
	e.End = parseTimePtr(end)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func validateTimeEntry(e *model.TimeEntry) error {
	if e.Start.IsZero() {
		return invalid("time entry start is required")
	}
	e.Start = e.Start.UTC()
	if e.End != nil {
		end := e.End.UTC()
		if end.Before(e.Start) {
			return invalid("time entry end is before start")
		}
		e.End = &end
	}
	return nil
}

// CreateTimeEntry records a span. An entry with no end is a running timer;
// only one may exist at a time.
func (s *Store) CreateTimeEntry(ctx context.Context, e model.TimeEntry) (*model.TimeEntry, error) {
	if err := validateTimeEntry(&e); err != nil {
		return nil, err
	}
	now := s.stamp()
	e.ID = newID()
	e.CreatedAt, e.UpdatedAt = now, now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if e.Running() {
			if id, err := runningEntryID(ctx, tx); err == nil {
				return invalidState("time entry %s is already running", id)
			} else if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO time_entries (`+timeEntryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, nullString(e.TaskID), e.Description, fmtTime(e.Start), fmtTimePtr(e.End), fmtTime(now), fmtTime(now))
		return err
	})
	if err != nil {
		return nil, classify("create time entry", err)
	}
	return &e, nil
}

func runningEntryID(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM time_entries WHERE end_at IS NULL LIMIT 1`).Scan(&id)
	return id, err
}

// StartTimeEntry starts a timer at the given instant.
func (s *Store) StartTimeEntry(ctx context.Context, taskID *string, description string, at time.Time) (*model.TimeEntry, error) {
	return s.CreateTimeEntry(ctx, model.TimeEntry{TaskID: taskID, Description: description, Start: at})
}

// StopTimeEntry stops a running timer. Stopping a stopped entry is a conflict.
func (s *Store) StopTimeEntry(ctx context.Context, id string, at time.Time) (*model.TimeEntry, error) {
	e, err := s.GetTimeEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Running() {
		return nil, invalidState("time entry %s is not running", id)
	}
	at = at.UTC()
	if at.Before(e.Start) {
		return nil, invalid("stop time is before start")
	}
	e.End = &at
	return s.UpdateTimeEntry(ctx, *e)
}

// RunningTimeEntry returns the active timer or ErrNotFound.
func (s *Store) RunningTimeEntry(ctx context.Context) (*model.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timeEntryColumns+` FROM time_entries WHERE end_at IS NULL LIMIT 1`)
	e, err := scanTimeEntry(row)
	if err != nil {
		return nil, classify("running time entry", err)
	}
	return e, nil
}

func (s *Store) GetTimeEntry(ctx context.Context, id string) (*model.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+timeEntryColumns+` FROM time_entries WHERE id = ?`, id)
	e, err := scanTimeEntry(row)
	if err != nil {
		return nil, classify("get time entry", err)
	}
	return e, nil
}

// ListTimeEntries lists entries newest first, optionally for one task.
func (s *Store) ListTimeEntries(ctx context.Context, taskID string) ([]*model.TimeEntry, error) {
	q := `SELECT ` + timeEntryColumns + ` FROM time_entries`
	var args []any
	if taskID != "" {
		q += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	q += ` ORDER BY start_at DESC, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list time entries", err)
	}
	defer rows.Close()

	out := make([]*model.TimeEntry, 0)
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, classify("list time entries", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTimeEntry(ctx context.Context, e model.TimeEntry) (*model.TimeEntry, error) {
	if err := validateTimeEntry(&e); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE time_entries SET task_id = ?, description = ?, start_at = ?, end_at = ?, updated_at = ? WHERE id = ?`,
		nullString(e.TaskID), e.Description, fmtTime(e.Start), fmtTimePtr(e.End), fmtTime(s.stamp()), e.ID)
	if err != nil {
		return nil, classify("update time entry", err)
	}
	if err := expectOne("update time entry", res); err != nil {
		return nil, err
	}
	return s.GetTimeEntry(ctx, e.ID)
}

func (s *Store) DeleteTimeEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_entries WHERE id = ?`, id)
	if err != nil {
		return classify("delete time entry", err)
	}
	return expectOne("delete time entry", res)
}
