package source

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

// SheetAPI is the subset of the Google Sheets API the sheet source uses.
type SheetAPI interface {
	Read(ctx context.Context, spreadsheetID, rng string) ([][]string, error)
	Write(ctx context.Context, spreadsheetID, rng, value string) error
}

type sheetsService struct {
	srv *sheets.Service
}

// NewSheetsAPI authenticates with a service account key file.
func NewSheetsAPI(ctx context.Context, credentialsFile string) (SheetAPI, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", credentialsFile, err)
	}
	jwt, err := google.JWTConfigFromJSON(b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(jwt.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}
	return &sheetsService{srv: srv}, nil
}

func (s *sheetsService) Read(ctx context.Context, spreadsheetID, rng string) ([][]string, error) {
	resp, err := s.srv.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (s *sheetsService) Write(ctx context.Context, spreadsheetID, rng, value string) error {
	vr := &sheets.ValueRange{Values: [][]any{{value}}}
	_, err := s.srv.Spreadsheets.Values.Update(spreadsheetID, rng, vr).ValueInputOption("RAW").Context(ctx).Do()
	return err
}

// Sheet column names, matched against the header row ignoring case.
const (
	colName         = "name"
	colCategory     = "category"
	colDescription  = "description"
	colLocation     = "location"
	colAddress      = "address"
	colWebsite      = "website"
	colStartDate    = "start date"
	colStartTime    = "start time"
	colEndDate      = "end date"
	colEndTime      = "end time"
	colPrice        = "price"
	colPriceDetails = "pricing details"
	colEventID      = "event id"
	colUpdate       = "update"
)

var requiredColumns = []string{colName, colCategory, colStartDate, colStartTime, colEventID, colUpdate}

type sheetRow struct {
	eventID int64
	update  bool
}

// Sheet reads events maintained by hand in a Google spreadsheet. The sheet
// is also the provenance store for its rows: the "Event ID" column holds
// the imported event and "Update" set to Y flags the row for
// reconciliation.
type Sheet struct {
	base
	api SheetAPI

	mu     sync.Mutex
	cols   map[string]int
	rows   map[string]sheetRow
	loaded bool
}

// NewSheet connects to the Sheets API with the configured credentials.
func NewSheet(ctx context.Context, cfg config.SourceConfig, opts Options) (*Sheet, error) {
	api, err := NewSheetsAPI(ctx, cfg.CredentialsFile)
	if err != nil {
		return nil, apperrors.NewConfigError("source "+cfg.Name, "sheets client", err)
	}
	return NewSheetWithAPI(cfg, opts, api), nil
}

func NewSheetWithAPI(cfg config.SourceConfig, opts Options, api SheetAPI) *Sheet {
	return &Sheet{base: base{cfg: cfg, opts: opts.withDefaults(cfg)}, api: api}
}

func (s *Sheet) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return single(func() ([]model.CandidateEvent, error) {
		values, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]model.CandidateEvent, 0, len(values))
		for i, row := range values {
			if i == 0 {
				continue
			}
			if c, ok := s.candidate(i+1, row); ok {
				out = append(out, c)
			}
		}
		return out, nil
	})
}

// load reads the worksheet and refreshes the header and provenance columns.
func (s *Sheet) load(ctx context.Context) ([][]string, error) {
	values, err := s.api.Read(ctx, s.cfg.SpreadsheetID, quoteSheet(s.cfg.Worksheet))
	if err != nil {
		return nil, apperrors.NewSourceRetrievalError(s.Name(), "read worksheet", err)
	}
	if len(values) == 0 {
		return nil, apperrors.NewSourceRetrievalError(s.Name(), "read worksheet", fmt.Errorf("worksheet %q is empty", s.cfg.Worksheet))
	}
	cols := headerColumns(values[0])
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, apperrors.NewSourceRetrievalError(s.Name(), "parse header", fmt.Errorf("missing column %q", name))
		}
	}

	rows := make(map[string]sheetRow, len(values))
	for i, row := range values[1:] {
		key := strconv.Itoa(i + 2)
		id, _ := strconv.ParseInt(cell(row, cols, colEventID), 10, 64)
		rows[key] = sheetRow{
			eventID: id,
			update:  strings.EqualFold(cell(row, cols, colUpdate), "Y"),
		}
	}

	s.mu.Lock()
	s.cols = cols
	s.rows = rows
	s.loaded = true
	s.mu.Unlock()
	return values, nil
}

func headerColumns(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.Join(strings.Fields(h), " "))
		if _, dup := cols[h]; !dup && h != "" {
			cols[h] = i
		}
	}
	return cols
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (s *Sheet) candidate(rowNum int, row []string) (model.CandidateEvent, bool) {
	s.mu.Lock()
	cols := s.cols
	s.mu.Unlock()
	get := func(name string) string { return cell(row, cols, name) }

	c := model.CandidateEvent{
		Ref:          model.RowIndex(s.Name(), rowNum),
		Name:         get(colName),
		Description:  get(colDescription),
		Address:      get(colAddress),
		Website:      get(colWebsite),
		PriceDetails: get(colPriceDetails),
		Tags:         s.tags(strings.Split(get(colCategory), ",")),
	}

	loc := s.opts.Location
	start, err := parseSheetTime(get(colStartDate), get(colStartTime), loc)
	if err != nil {
		return c, false
	}
	c.Start = start
	if d := get(colEndDate); d != "" || get(colEndTime) != "" {
		if d == "" {
			d = get(colStartDate)
		}
		if end, err := parseSheetTime(d, get(colEndTime), loc); err == nil {
			c.End = &end
		}
	}
	if p := get(colPrice); p != "" {
		if v, err := parsePrice(p); err == nil {
			c.Price = &v
		}
	}
	if city := get(colLocation); city != "" {
		l := model.Location{City: city}
		if s.cfg.Location != nil {
			l = *s.cfg.Location
			l.ID = 0
			l.City = city
		}
		c.Location = &l
	}
	return c, keep(c)
}

var (
	sheetDateLayouts = []string{"2006-01-02", "1/2/2006", "01/02/2006", "January 2, 2006"}
	sheetTimeLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04:05 PM", "3:04PM"}
)

func parseSheetTime(date, clock string, loc *time.Location) (time.Time, error) {
	if date == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if clock == "" {
		clock = "00:00"
	}
	for _, dl := range sheetDateLayouts {
		for _, tl := range sheetTimeLayouts {
			if t, err := time.ParseInLocation(dl+" "+tl, date+" "+strings.ToUpper(clock), loc); err == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q %q", date, clock)
}

func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

// columnLetter converts a 0-based column index to A1 notation.
func columnLetter(i int) string {
	s := ""
	for i++; i > 0; i = (i - 1) / 26 {
		s = string(rune('A'+(i-1)%26)) + s
	}
	return s
}

func (s *Sheet) cellRange(rowKey, column string) (string, error) {
	i, ok := s.cols[column]
	if !ok {
		return "", fmt.Errorf("column %q not loaded", column)
	}
	return quoteSheet(s.cfg.Worksheet) + "!" + columnLetter(i) + rowKey, nil
}

func (s *Sheet) ensureLoaded(ctx context.Context) error {
	s.mu.Lock()
	loaded := s.loaded
	s.mu.Unlock()
	if loaded {
		return nil
	}
	_, err := s.load(ctx)
	return err
}

func (s *Sheet) GetLink(ctx context.Context, ref model.RowRef) (model.ProvenanceLink, error) {
	if err := s.ensureLoaded(ctx); err != nil {
		return model.ProvenanceLink{}, err
	}
	s.mu.Lock()
	row, ok := s.rows[ref.Key]
	s.mu.Unlock()
	if !ok || row.eventID <= 0 {
		return model.ProvenanceLink{}, apperrors.NewNotFoundError("provenance link", ref.String())
	}
	return model.ProvenanceLink{Ref: ref, EventID: row.eventID, NeedsUpdate: row.update}, nil
}

// SetLink writes the event ID into the row and resets its Update flag. The
// fingerprint is not kept; the sheet's own flag drives updates.
func (s *Sheet) SetLink(ctx context.Context, ref model.RowRef, eventID int64, _ string) error {
	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, ref.Key, colEventID, strconv.FormatInt(eventID, 10)); err != nil {
		return err
	}
	if err := s.write(ctx, ref.Key, colUpdate, "N"); err != nil {
		return err
	}
	s.rows[ref.Key] = sheetRow{eventID: eventID}
	return nil
}

func (s *Sheet) GetUpdateFlag(ctx context.Context, ref model.RowRef) (bool, error) {
	link, err := s.GetLink(ctx, ref)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return link.NeedsUpdate, nil
}

func (s *Sheet) SetUpdateFlag(ctx context.Context, ref model.RowRef) error {
	return s.setFlag(ctx, ref, true)
}

func (s *Sheet) ClearUpdateFlag(ctx context.Context, ref model.RowRef, _ string) error {
	return s.setFlag(ctx, ref, false)
}

func (s *Sheet) setFlag(ctx context.Context, ref model.RowRef, flag bool) error {
	if _, err := s.GetLink(ctx, ref); err != nil {
		return err
	}
	v := "N"
	if flag {
		v = "Y"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(ctx, ref.Key, colUpdate, v); err != nil {
		return err
	}
	row := s.rows[ref.Key]
	row.update = flag
	s.rows[ref.Key] = row
	return nil
}

// write must be called with s.mu held.
func (s *Sheet) write(ctx context.Context, rowKey, column, value string) error {
	rng, err := s.cellRange(rowKey, column)
	if err != nil {
		return err
	}
	if err := s.api.Write(ctx, s.cfg.SpreadsheetID, rng, value); err != nil {
		return apperrors.NewSourceRetrievalError(s.Name(), "write "+column, err)
	}
	return nil
}
