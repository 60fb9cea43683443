package store

import (
	"context"
	"sort"
	"strings"

	"calendo/internal/model"
	"calendo/internal/recurrence"
)

const ruleColumns = `id, rrule, timezone, ex_dates, created_at, updated_at`

func scanRule(row scanner) (*model.RecurringRule, error) {
	var (
		r                model.RecurringRule
		exDates          string
		created, updated string
	)
	if err := row.Scan(&r.ID, &r.RRule, &r.Timezone, &exDates, &created, &updated); err != nil {
		return nil, err
	}
	for _, f := range strings.Fields(exDates) {
		r.ExDates = append(r.ExDates, parseLocal(f))
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// validateRule normalizes the stored text to the canonical RRULE form.
func validateRule(r *model.RecurringRule) error {
	parsed, err := recurrence.ParseRRULE(r.RRule)
	if err != nil {
		return invalid("%v", err)
	}
	if err := parsed.Validate(); err != nil {
		return invalid("%v", err)
	}
	r.RRule = parsed.String()
	r.Timezone = strings.TrimSpace(r.Timezone)
	if _, err := recurrence.LoadLocation(r.Timezone); err != nil {
		return invalid("%v", err)
	}
	sort.Slice(r.ExDates, func(i, j int) bool { return r.ExDates[i].Before(r.ExDates[j].Time) })
	return nil
}

// Ex-dates are stored as one space-separated column of wall-clock readings.
func fmtExDates(v []recurrence.LocalTime) string {
	parts := make([]string, len(v))
	for i, l := range v {
		parts[i] = fmtLocal(l)
	}
	return strings.Join(parts, " ")
}

func (s *Store) CreateRecurringRule(ctx context.Context, r model.RecurringRule) (*model.RecurringRule, error) {
	if err := validateRule(&r); err != nil {
		return nil, err
	}
	now := s.stamp()
	r.ID = newID()
	r.CreatedAt, r.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.RRule, r.Timezone, fmtExDates(r.ExDates), fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, classify("create recurring rule", err)
	}
	return &r, nil
}

func (s *Store) GetRecurringRule(ctx context.Context, id string) (*model.RecurringRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		return nil, classify("get recurring rule", err)
	}
	return r, nil
}

func (s *Store) ListRecurringRules(ctx context.Context) ([]*model.RecurringRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, classify("list recurring rules", err)
	}
	defer rows.Close()

	out := make([]*model.RecurringRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, classify("list recurring rules", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRecurringRule(ctx context.Context, r model.RecurringRule) (*model.RecurringRule, error) {
	if err := validateRule(&r); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recurring_rules SET rrule = ?, timezone = ?, ex_dates = ?, updated_at = ? WHERE id = ?`,
		r.RRule, r.Timezone, fmtExDates(r.ExDates), fmtTime(s.stamp()), r.ID)
	if err != nil {
		return nil, classify("update recurring rule", err)
	}
	if err := expectOne("update recurring rule", res); err != nil {
		return nil, err
	}
	return s.GetRecurringRule(ctx, r.ID)
}

// DeleteRecurringRule detaches the rule from its events and tasks, which
// become single occurrences.
func (s *Store) DeleteRecurringRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_rules WHERE id = ?`, id)
	if err != nil {
		return classify("delete recurring rule", err)
	}
	return expectOne("delete recurring rule", res)
}
