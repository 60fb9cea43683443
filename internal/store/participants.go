package store

import (
	"context"
	"net/mail"
	"strings"

	"calendo/internal/model"
)

const participantColumns = `id, name, email, created_at, updated_at`

func scanParticipant(row scanner) (*model.Participant, error) {
	var (
		p                model.Participant
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

func validateParticipant(p *model.Participant) error {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	if p.Name == "" {
		return invalid("participant name is required")
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return invalid("participant email %q: %v", p.Email, err)
		}
	}
	return nil
}

func (s *Store) CreateParticipant(ctx context.Context, p model.Participant) (*model.Participant, error) {
	if err := validateParticipant(&p); err != nil {
		return nil, err
	}
	now := s.stamp()
	p.ID = newID()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (`+participantColumns+`) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Email, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, classify("create participant", err)
	}
	return &p, nil
}

func (s *Store) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = ?`, id)
	p, err := scanParticipant(row)
	if err != nil {
		return nil, classify("get participant", err)
	}
	return p, nil
}

func (s *Store) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY name COLLATE NOCASE, id`)
	if err != nil {
		return nil, classify("list participants", err)
	}
	defer rows.Close()

	out := make([]*model.Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, classify("list participants", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateParticipant(ctx context.Context, p model.Participant) (*model.Participant, error) {
	if err := validateParticipant(&p); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET name = ?, email = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Email, fmtTime(s.stamp()), p.ID)
	if err != nil {
		return nil, classify("update participant", err)
	}
	if err := expectOne("update participant", res); err != nil {
		return nil, err
	}
	return s.GetParticipant(ctx, p.ID)
}

func (s *Store) DeleteParticipant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id = ?`, id)
	if err != nil {
		return classify("delete participant", err)
	}
	return expectOne("delete participant", res)
}
