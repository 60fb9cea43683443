package store

import (
	"context"
	"strings"

	"calendo/internal/model"
)

const categoryColumns = `id, name, color, created_at, updated_at`

func scanCategory(row scanner) (*model.Category, error) {
	var (
		c                  model.Category
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Color, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

func validateCategory(c *model.Category) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return invalid("category name is required")
	}
	return nil
}

func (s *Store) CreateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	if err := validateCategory(&c); err != nil {
		return nil, err
	}
	now := s.stamp()
	c.ID = newID()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (`+categoryColumns+`) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Color, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, classify("create category", err)
	}
	return &c, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*model.Category, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id = ?`, id)
	c, err := scanCategory(row)
	if err != nil {
		return nil, classify("get category", err)
	}
	return c, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]*model.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY name COLLATE NOCASE`)
	if err != nil {
		return nil, classify("list categories", err)
	}
	defer rows.Close()

	out := make([]*model.Category, 0)
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, classify("list categories", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCategory(ctx context.Context, c model.Category) (*model.Category, error) {
	if err := validateCategory(&c); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.stamp()

	res, err := s.db.ExecContext(ctx,
		`UPDATE categories SET name = ?, color = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Color, fmtTime(c.UpdatedAt), c.ID)
	if err != nil {
		return nil, classify("update category", err)
	}
	if err := expectOne("update category", res); err != nil {
		return nil, err
	}
	return s.GetCategory(ctx, c.ID)
}

// DeleteCategory removes a category. Events and tasks keep existing with no
// category.
func (s *Store) DeleteCategory(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = ?`, id)
	if err != nil {
		return classify("delete category", err)
	}
	return expectOne("delete category", res)
}
