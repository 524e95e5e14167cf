package store

import (
	"context"
	"fmt"
	"strings"

	"cfevents/internal/model"
)

// SearchQuery filters valid events. Empty fields do not filter.
type SearchQuery struct {
	// Date is a YYYY-MM-DD day; events starting that day are returned.
	Date     string
	Category string
	City     string
	Limit    int
}

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 500
)

// Search returns valid events matching q ordered by start.
func (s *Store) Search(ctx context.Context, q SearchQuery) ([]model.Event, error) {
	where := []string{"e.is_valid = 1"}
	var args []any
	if q.Date != "" {
		where = append(where, "e.start_date = ?")
		args = append(args, q.Date)
	}
	if q.City != "" {
		where = append(where, "LOWER(l.city) = LOWER(?)")
		args = append(args, q.City)
	}
	if q.Category != "" {
		where = append(where, `EXISTS (SELECT 1 FROM event_categories ec JOIN categories c ON c.id = ec.category_id
			WHERE ec.event_id = e.id AND LOWER(c.base_name) = LOWER(?))`)
		args = append(args, q.Category)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)
	args = append(args, limit)

	cols := "e." + strings.ReplaceAll(eventColumns, ", ", ", e.")
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+cols+` FROM events e
		JOIN locations l ON l.id = e.location_id
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY e.start_date, e.start_time, e.id LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("search events: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search events: rows: %w", err)
	}
	rows.Close()

	if err := s.attachCategories(ctx, out); err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	return out, nil
}

// Categories lists every category by name.
func (s *Store) Categories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, base_name, sub_category FROM categories ORDER BY base_name, sub_category`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := make([]model.Category, 0)
	for rows.Next() {
		var c model.Category
		if err := rows.Scan(&c.ID, &c.BaseName, &c.SubCategory); err != nil {
			return nil, fmt.Errorf("list categories: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Locations lists every location.
func (s *Store) Locations(ctx context.Context) ([]model.Location, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, city, state_province, country, zip_code, timezone
		FROM locations ORDER BY country, state_province, city`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Location, 0)
	for rows.Next() {
		var l model.Location
		if err := rows.Scan(&l.ID, &l.City, &l.StateProvince, &l.Country, &l.ZipCode, &l.Timezone); err != nil {
			return nil, fmt.Errorf("list locations: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
