package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
	"cfevents/internal/textutil"
)

// Store provides SQL persistence for events, their categories and
// locations, and the provenance links of imported source rows.
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

const eventColumns = `id, name, description, location_id, address, website, start_date, start_time, ` +
	`end_date, end_time, price, price_details, is_valid, created_at, updated_at`

// Open connects to the database, applies migrations and returns a Store.
// driver is "sqlite" (modernc.org/sqlite) or "pgx" (PostgreSQL).
func Open(driver, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open store: dsn is empty")
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if driver == "sqlite" {
		// One writer; avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open store: enable foreign keys: %w", err)
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open store: ping: %w", err)
	}
	if err := Migrate(db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	st, err := New(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// New returns a Store bound to an existing, migrated database handle.
func New(db *sql.DB, driver string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	d, ok := dialectFor(driver)
	if !ok {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	return &Store{db: db, dialect: d, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// MatchQuery selects events starting on Date between From and To (inclusive,
// "15:04:05" strings) whose name overlaps Name.
type MatchQuery struct {
	Date  string
	From  string
	To    string
	Name  string
	Limit int
}

// FindMatching returns events on q.Date whose start time falls in
// [q.From, q.To] and whose name contains q.Name or is contained by it,
// ignoring case. At most q.Limit events are returned when Limit > 0.
func (s *Store) FindMatching(ctx context.Context, q MatchQuery) ([]model.Event, error) {
	if q.Date == "" {
		return nil, fmt.Errorf("find matching: date is empty")
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+eventColumns+` FROM events
		WHERE start_date = ? AND start_time >= ? AND start_time <= ?
		ORDER BY start_time ASC, id ASC`), q.Date, q.From, q.To)
	if err != nil {
		return nil, fmt.Errorf("find matching: query: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("find matching: %w", err)
		}
		// Unicode case folding, and no LIKE escaping of % or _.
		if !textutil.ContainsFold(ev.Name, q.Name) {
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find matching: rows: %w", err)
	}
	rows.Close()

	if err := s.attachCategories(ctx, out); err != nil {
		return nil, fmt.Errorf("find matching: %w", err)
	}
	return out, nil
}

// Insert validates the draft against column limits and persists it with its
// categories. It returns the new event ID.
func (s *Store) Insert(ctx context.Context, draft model.Event) (int64, error) {
	if err := validateEvent(draft); err != nil {
		return -1, err
	}
	if draft.LocationID <= 0 {
		return -1, apperrors.NewValidationError("location_id", draft.LocationID, "location is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("insert event: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.timestamp()
	var id int64
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO events (name, description, location_id, address, website,
			start_date, start_time, end_date, end_time, price, price_details, is_valid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		draft.Name, draft.Description, draft.LocationID, draft.Address, draft.Website,
		draft.StartDate, draft.StartTime, draft.EndDate, draft.EndTime,
		nullFloat(draft.Price), draft.PriceDetails, boolInt(draft.Valid), now, now,
	).Scan(&id)
	if err != nil {
		return -1, fmt.Errorf("insert event: %w", err)
	}

	if err := s.linkCategories(ctx, tx, id, draft.CategoryIDs()); err != nil {
		return -1, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return -1, fmt.Errorf("insert event: commit: %w", err)
	}
	return id, nil
}

// Get loads one event with its categories. A missing ID yields an error
// matching errors.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (model.Event, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Event{}, apperrors.NewNotFoundError("event", strconv.FormatInt(id, 10))
		}
		return model.Event{}, fmt.Errorf("get event: %w", err)
	}
	list := []model.Event{ev}
	if err := s.attachCategories(ctx, list); err != nil {
		return model.Event{}, fmt.Errorf("get event: %w", err)
	}
	return list[0], nil
}

// Update applies only the fields set in p. A missing ID yields an error
// matching errors.ErrNotFound.
func (s *Store) Update(ctx context.Context, id int64, p model.Patch) error {
	if err := validatePatch(p); err != nil {
		return err
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Description != nil {
		set("description", *p.Description)
	}
	if p.LocationID != nil {
		set("location_id", *p.LocationID)
	}
	if p.Address != nil {
		set("address", *p.Address)
	}
	if p.Website != nil {
		set("website", *p.Website)
	}
	if p.StartDate != nil {
		set("start_date", *p.StartDate)
	}
	if p.StartTime != nil {
		set("start_time", *p.StartTime)
	}
	if p.EndDate != nil {
		set("end_date", *p.EndDate)
	}
	if p.EndTime != nil {
		set("end_time", *p.EndTime)
	}
	if p.Price != nil {
		set("price", nullFloat(*p.Price))
	}
	if p.PriceDetails != nil {
		set("price_details", *p.PriceDetails)
	}
	set("updated_at", s.timestamp())
	args = append(args, id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update event: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE events SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update event: rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError("event", strconv.FormatInt(id, 10))
	}

	if p.CategoryIDs != nil {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM event_categories WHERE event_id = ?`), id); err != nil {
			return fmt.Errorf("update event: clear categories: %w", err)
		}
		if err := s.linkCategories(ctx, tx, id, p.CategoryIDs); err != nil {
			return fmt.Errorf("update event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update event: commit: %w", err)
	}
	return nil
}

// AddCategories attaches categories to an existing event. Categories that
// are already attached are left as they are.
func (s *Store) AddCategories(ctx context.Context, eventID int64, categoryIDs []int64) error {
	if len(categoryIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add categories: begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := s.linkCategories(ctx, tx, eventID, categoryIDs); err != nil {
		return fmt.Errorf("add categories: %w", err)
	}
	return tx.Commit()
}

// SetValid flips the validity flag. Events are never deleted; invalid events
// are hidden from search.
func (s *Store) SetValid(ctx context.Context, id int64, valid bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE events SET is_valid = ?, updated_at = ? WHERE id = ?`),
		boolInt(valid), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set valid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set valid: rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.NewNotFoundError("event", strconv.FormatInt(id, 10))
	}
	return nil
}

// ResolveCategory returns the generic category with the given base name,
// creating it when missing. Lookup ignores case.
func (s *Store) ResolveCategory(ctx context.Context, baseName string) (model.Category, error) {
	baseName = strings.TrimSpace(baseName)
	if baseName == "" {
		return model.Category{}, apperrors.NewValidationError("category", baseName, "empty category name")
	}
	if textutil.RuneLen(baseName) > model.MaxCategoryLen {
		return model.Category{}, apperrors.NewValidationError("category", baseName, "exceeds 100 characters")
	}

	c, err := s.findCategory(ctx, baseName)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Category{}, fmt.Errorf("resolve category: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO categories (base_name, sub_category) VALUES (?, 'generic')
		ON CONFLICT DO NOTHING`), baseName)
	if err != nil {
		return model.Category{}, fmt.Errorf("resolve category: insert: %w", err)
	}
	c, err = s.findCategory(ctx, baseName)
	if err != nil {
		return model.Category{}, fmt.Errorf("resolve category: reload: %w", err)
	}
	return c, nil
}

func (s *Store) findCategory(ctx context.Context, baseName string) (model.Category, error) {
	var c model.Category
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, base_name, sub_category FROM categories
		WHERE LOWER(base_name) = LOWER(?) AND sub_category = 'generic' ORDER BY id LIMIT 1`), baseName).
		Scan(&c.ID, &c.BaseName, &c.SubCategory)
	return c, err
}

// ResolveLocation returns the stored location matching city, state, country
// and zip code, creating it when missing.
func (s *Store) ResolveLocation(ctx context.Context, loc model.Location) (model.Location, error) {
	if strings.TrimSpace(loc.City) == "" || strings.TrimSpace(loc.Country) == "" {
		return model.Location{}, apperrors.NewValidationError("location", loc.City, "city and country are required")
	}
	find := func() (model.Location, error) {
		var out model.Location
		err := s.db.QueryRowContext(ctx, s.q(`SELECT id, city, state_province, country, zip_code, timezone FROM locations
			WHERE city = ? AND state_province = ? AND country = ? AND zip_code = ?`),
			loc.City, loc.StateProvince, loc.Country, loc.ZipCode).
			Scan(&out.ID, &out.City, &out.StateProvince, &out.Country, &out.ZipCode, &out.Timezone)
		return out, err
	}

	out, err := find()
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Location{}, fmt.Errorf("resolve location: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO locations (city, state_province, country, zip_code, timezone)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		loc.City, loc.StateProvince, loc.Country, loc.ZipCode, loc.Timezone)
	if err != nil {
		return model.Location{}, fmt.Errorf("resolve location: insert: %w", err)
	}
	out, err = find()
	if err != nil {
		return model.Location{}, fmt.Errorf("resolve location: reload: %w", err)
	}
	return out, nil
}

func (s *Store) linkCategories(ctx context.Context, tx *sql.Tx, eventID int64, categoryIDs []int64) error {
	for _, cid := range categoryIDs {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO event_categories (event_id, category_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`), eventID, cid)
		if err != nil {
			return fmt.Errorf("link category %d: %w", cid, err)
		}
	}
	return nil
}

// attachCategories fills Categories for each event in place.
func (s *Store) attachCategories(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	byID := make(map[int64]int, len(events))
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events))
	for i, ev := range events {
		byID[ev.ID] = i
		events[i].Categories = []model.Category{}
		placeholders = append(placeholders, "?")
		args = append(args, ev.ID)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT ec.event_id, c.id, c.base_name, c.sub_category
		FROM event_categories ec JOIN categories c ON c.id = ec.category_id
		WHERE ec.event_id IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY ec.event_id, c.base_name`), args...)
	if err != nil {
		return fmt.Errorf("load categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID int64
		var c model.Category
		if err := rows.Scan(&eventID, &c.ID, &c.BaseName, &c.SubCategory); err != nil {
			return fmt.Errorf("load categories: scan: %w", err)
		}
		if i, ok := byID[eventID]; ok {
			events[i].Categories = append(events[i].Categories, c)
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (model.Event, error) {
	var ev model.Event
	var price sql.NullFloat64
	var valid int
	var createdAt, updatedAt string
	err := r.Scan(&ev.ID, &ev.Name, &ev.Description, &ev.LocationID, &ev.Address, &ev.Website,
		&ev.StartDate, &ev.StartTime, &ev.EndDate, &ev.EndTime, &price, &ev.PriceDetails,
		&valid, &createdAt, &updatedAt)
	if err != nil {
		return model.Event{}, err
	}
	if price.Valid {
		p := price.Float64
		ev.Price = &p
	}
	ev.Valid = valid != 0
	if ev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return model.Event{}, fmt.Errorf("parse created_at: %w", err)
	}
	if ev.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return model.Event{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return ev, nil
}

func validateEvent(ev model.Event) error {
	if strings.TrimSpace(ev.Name) == "" {
		return apperrors.NewValidationError("name", ev.Name, "name is required")
	}
	if ev.StartDate == "" || ev.StartTime == "" {
		return apperrors.NewValidationError("start", ev.StartDate, "start date and time are required")
	}
	if len(ev.Categories) == 0 {
		return apperrors.NewValidationError("categories", nil, "at least one category is required")
	}
	p := model.Patch{
		Name:         &ev.Name,
		Description:  &ev.Description,
		Address:      &ev.Address,
		Website:      &ev.Website,
		StartDate:    &ev.StartDate,
		StartTime:    &ev.StartTime,
		EndDate:      &ev.EndDate,
		EndTime:      &ev.EndTime,
		Price:        &ev.Price,
		PriceDetails: &ev.PriceDetails,
	}
	return validatePatch(p)
}

// validatePatch enforces the column limits on the fields a write touches.
func validatePatch(p model.Patch) error {
	limits := []struct {
		field string
		value *string
		max   int
	}{
		{"name", p.Name, model.MaxNameLen},
		{"description", p.Description, model.MaxDescriptionLen},
		{"address", p.Address, model.MaxAddressLen},
		{"website", p.Website, model.MaxWebsiteLen},
		{"price_details", p.PriceDetails, model.MaxPriceDetailsLen},
	}
	for _, l := range limits {
		if l.value == nil {
			continue
		}
		if n := textutil.RuneLen(*l.value); n > l.max {
			return apperrors.NewValidationError(l.field, n, fmt.Sprintf("exceeds %d characters", l.max))
		}
	}
	if p.Price != nil && *p.Price != nil && **p.Price < 0 {
		return apperrors.NewValidationError("price", **p.Price, "price cannot be negative")
	}
	for _, d := range []*string{p.StartDate, p.EndDate} {
		if d == nil || *d == "" {
			continue
		}
		if _, err := time.Parse(model.DateLayout, *d); err != nil {
			return apperrors.NewValidationError("date", *d, "not a YYYY-MM-DD date")
		}
	}
	for _, t := range []*string{p.StartTime, p.EndTime} {
		if t == nil || *t == "" {
			continue
		}
		if _, err := time.Parse(model.TimeLayout, *t); err != nil {
			return apperrors.NewValidationError("time", *t, "not a HH:MM:SS time")
		}
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DB exposes the underlying handle for maintenance commands and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}
