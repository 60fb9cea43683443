package store

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"calendo/internal/model"
	"calendo/internal/recurrence"
)

const eventColumns = `id, title, description, location, start_local, end_local, all_day, timezone,
	category_id, recurring_rule_id, source, external_uid, created_at, updated_at`

// EventFilter narrows ListEvents. Zero fields do not filter.
type EventFilter struct {
	// From and To are instants. Non-recurring events are kept when their
	// wall-clock span could overlap [From, To) in any zone; recurring events
	// are always kept. Callers expand and filter precisely.
	From, To   time.Time
	CategoryID string
	Source     string
}

// Wall-clock readings differ from UTC by at most 14 hours; pad generously.
const wallPad = 26 * time.Hour

func scanEvent(row scanner) (*model.Event, error) {
	var (
		e                model.Event
		start, end       string
		allDay           int
		category, rule   sql.NullString
		created, updated string
	)
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.Location, &start, &end, &allDay, &e.Timezone,
		&category, &rule, &e.Source, &e.ExternalUID, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.Start = parseLocal(start)
	e.End = parseLocal(end)
	e.AllDay = allDay != 0
	e.CategoryID = stringPtr(category)
	e.RecurringRuleID = stringPtr(rule)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	e.ParticipantIDs = []string{}
	return &e, nil
}

func validateEvent(e *model.Event) error {
	e.Title = strings.TrimSpace(e.Title)
	e.Source = strings.TrimSpace(e.Source)
	e.ExternalUID = strings.TrimSpace(e.ExternalUID)
	if e.Title == "" {
		return invalid("event title is required")
	}
	if e.Start.IsZero() {
		return invalid("event start is required")
	}
	e.Timezone = strings.TrimSpace(e.Timezone)
	if e.Timezone == "" {
		e.Timezone = "UTC"
	}
	if _, err := recurrence.LoadLocation(e.Timezone); err != nil {
		return invalid("%v", err)
	}

	if e.AllDay {
		e.Start = recurrence.Date(e.Start.Year(), e.Start.Month(), e.Start.Day(), 0, 0, 0)
		if !e.End.IsZero() {
			e.End = recurrence.Date(e.End.Year(), e.End.Month(), e.End.Day(), 0, 0, 0)
		}
		if !e.End.After(e.Start.Time) {
			e.End = e.Start.Add(24 * time.Hour)
		}
	}
	if e.End.IsZero() {
		e.End = e.Start
	}
	if e.End.Before(e.Start.Time) {
		return invalid("event end %s is before start %s", e.End, e.Start)
	}

	seen := make(map[string]bool, len(e.ParticipantIDs))
	ids := make([]string, 0, len(e.ParticipantIDs))
	for _, id := range e.ParticipantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.ParticipantIDs = ids
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func setEventParticipants(ctx context.Context, tx execer, eventID string, ids []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM event_participants WHERE event_id = ?`, eventID); err != nil {
		return err
	}
	for _, pid := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_participants (event_id, participant_id) VALUES (?, ?)`, eventID, pid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateEvent(ctx context.Context, e model.Event) (*model.Event, error) {
	if err := validateEvent(&e); err != nil {
		return nil, err
	}
	now := s.stamp()
	e.ID = newID()
	e.CreatedAt, e.UpdatedAt = now, now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Title, e.Description, e.Location, fmtLocal(e.Start), fmtLocal(e.End), boolInt(e.AllDay),
			e.Timezone, nullString(e.CategoryID), nullString(e.RecurringRuleID), e.Source, e.ExternalUID,
			fmtTime(now), fmtTime(now))
		if err != nil {
			return err
		}
		return setEventParticipants(ctx, tx, e.ID, e.ParticipantIDs)
	})
	if err != nil {
		return nil, classify("create event", err)
	}
	return &e, nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, classify("get event", err)
	}
	if err := s.loadParticipants(ctx, []*model.Event{e}); err != nil {
		return nil, classify("get event", err)
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, error) {
	var (
		where []string
		args  []any
	)
	if !f.From.IsZero() || !f.To.IsZero() {
		span := []string{}
		if !f.From.IsZero() {
			span = append(span, "end_local >= ?")
			args = append(args, fmtLocal(recurrence.Wall(f.From.UTC().Add(-wallPad))))
		}
		if !f.To.IsZero() {
			span = append(span, "start_local < ?")
			args = append(args, fmtLocal(recurrence.Wall(f.To.UTC().Add(wallPad))))
		}
		where = append(where, "(recurring_rule_id IS NOT NULL OR ("+strings.Join(span, " AND ")+"))")
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, f.Source)
	}

	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY start_local, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list events", err)
	}
	out := make([]*model.Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, classify("list events", err)
		}
		out = append(out, e)
	}
	// Close before the next query: the pool holds a single connection.
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("list events", err)
	}

	if err := s.loadParticipants(ctx, out); err != nil {
		return nil, classify("list events", err)
	}
	return out, nil
}

func (s *Store) loadParticipants(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[string]*model.Event, len(events))
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for _, e := range events {
		byID[e.ID] = e
		placeholders = append(placeholders, "?")
		args = append(args, e.ID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, participant_id FROM event_participants WHERE event_id IN (`+
			strings.Join(placeholders, ",")+`) ORDER BY participant_id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var eid, pid string
		if err := rows.Scan(&eid, &pid); err != nil {
			return err
		}
		if e, ok := byID[eid]; ok {
			e.ParticipantIDs = append(e.ParticipantIDs, pid)
		}
	}
	return rows.Err()
}

func (s *Store) UpdateEvent(ctx context.Context, e model.Event) (*model.Event, error) {
	if err := validateEvent(&e); err != nil {
		return nil, err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE events SET title = ?, description = ?, location = ?, start_local = ?, end_local = ?,
				all_day = ?, timezone = ?, category_id = ?, recurring_rule_id = ?, source = ?, external_uid = ?,
				updated_at = ?
			WHERE id = ?`,
			e.Title, e.Description, e.Location, fmtLocal(e.Start), fmtLocal(e.End), boolInt(e.AllDay),
			e.Timezone, nullString(e.CategoryID), nullString(e.RecurringRuleID), e.Source, e.ExternalUID,
			fmtTime(s.stamp()), e.ID)
		if err != nil {
			return err
		}
		if err := expectOne("update event", res); err != nil {
			return err
		}
		return setEventParticipants(ctx, tx, e.ID, e.ParticipantIDs)
	})
	if err != nil {
		return nil, classify("update event", err)
	}
	return s.GetEvent(ctx, e.ID)
}

// DeleteEvent removes the event with its participant links and reminders.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return classify("delete event", err)
	}
	return expectOne("delete event", res)
}

// FindEventByExternalUID looks up an imported event by feed and UID.
func (s *Store) FindEventByExternalUID(ctx context.Context, source, uid string) (*model.Event, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE source = ? AND external_uid = ?`, source, uid).Scan(&id)
	if err != nil {
		return nil, classify("find event", err)
	}
	return s.GetEvent(ctx, id)
}

// PruneSourceEvents deletes the events of source whose UID is not in keep,
// along with recurring rules left without an owner. It returns the number of
// events removed.
func (s *Store) PruneSourceEvents(ctx context.Context, source string, keep []string) (int, error) {
	if source == "" {
		return 0, invalid("prune needs a source")
	}
	cond := `source = ?`
	args := []any{source}
	if len(keep) > 0 {
		cond += ` AND external_uid NOT IN (?` + strings.Repeat(",?", len(keep)-1) + `)`
		for _, uid := range keep {
			args = append(args, uid)
		}
	}

	var removed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ruleIDs, err := collectStrings(ctx, tx,
			`SELECT recurring_rule_id FROM events WHERE recurring_rule_id IS NOT NULL AND `+cond, args...)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE `+cond, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)
		for _, id := range ruleIDs {
			_, err := tx.ExecContext(ctx, `DELETE FROM recurring_rules WHERE id = ?
				AND NOT EXISTS (SELECT 1 FROM events WHERE recurring_rule_id = ?)
				AND NOT EXISTS (SELECT 1 FROM tasks WHERE recurring_rule_id = ?)`, id, id, id)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, classify("prune source events", err)
	}
	return removed, nil
}

func collectStrings(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
