package source

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

type fakeSheet struct {
	mu     sync.Mutex
	values [][]string
	writes map[string]string
}

func (f *fakeSheet) Read(_ context.Context, _, _ string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values, nil
}

func (f *fakeSheet) Write(_ context.Context, _, rng, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.writes[rng] = value
	return nil
}

func newTestSheet(values [][]string) (*Sheet, *fakeSheet) {
	api := &fakeSheet{values: values}
	cfg := config.SourceConfig{
		Name:          "community",
		Type:          config.TypeSheet,
		SpreadsheetID: "sheet-1",
		Worksheet:     "Events",
		Location:      &model.Location{City: "Palo Alto", StateProvince: "CA", Country: "US"},
	}
	return NewSheetWithAPI(cfg, Options{Location: pacific}, api), api
}

var sheetHeader = []string{"Name", "Category", "Description", "Location", "Address", "Website",
	"Start Date", "Start Time", "End Date", "End Time", "Price", "Pricing Details", "Event ID", "Update"}

func TestSheetCandidates(t *testing.T) {
	s, _ := newTestSheet([][]string{
		sheetHeader,
		{"Jazz Night", "music, social", "Live", "Menlo Park", "1 Main St", "https://x.example", "2024-05-01", "8:00 PM", "", "10:00 PM", "$12.50", "cash", "", "N"},
		{"No date", "music", "", "", "", "", "", "", "", "", "", "", "", ""},
		{"No category", "", "", "", "", "", "5/2/2024", "19:00"},
	})

	got, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, model.RowRef{Source: "community", Key: "2"}, c.Ref)
	assert.Equal(t, []string{"music", "social"}, c.Tags)
	assert.Equal(t, 20, c.Start.Hour())
	require.NotNil(t, c.End)
	assert.Equal(t, 22, c.End.Hour())
	assert.Equal(t, 1, c.End.Day())
	require.NotNil(t, c.Price)
	assert.InDelta(t, 12.5, *c.Price, 0.001)
	require.NotNil(t, c.Location)
	assert.Equal(t, "Menlo Park", c.Location.City)
	assert.Equal(t, "US", c.Location.Country)
}

func TestSheetMissingColumn(t *testing.T) {
	s, _ := newTestSheet([][]string{{"Name", "Category"}})
	_, err := collect(t, s)
	assert.True(t, apperrors.IsSourceRetrievalError(err))
}

func TestSheetProvenanceColumns(t *testing.T) {
	s, api := newTestSheet([][]string{
		sheetHeader,
		{"Jazz Night", "music", "", "", "", "", "2024-05-01", "20:00", "", "", "", "", "", ""},
		{"Yoga", "sport", "", "", "", "", "2024-05-02", "07:00", "", "", "", "", "42", "Y"},
	})
	ctx := context.Background()

	_, err := s.GetLink(ctx, model.RowIndex("community", 2))
	assert.True(t, apperrors.IsNotFound(err))

	link, err := s.GetLink(ctx, model.RowIndex("community", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(42), link.EventID)
	assert.True(t, link.NeedsUpdate)

	require.NoError(t, s.SetLink(ctx, model.RowIndex("community", 2), 7, "ignored"))
	assert.Equal(t, "7", api.writes["'Events'!M2"])
	assert.Equal(t, "N", api.writes["'Events'!N2"])

	flag, err := s.GetUpdateFlag(ctx, model.RowIndex("community", 2))
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, s.ClearUpdateFlag(ctx, model.RowIndex("community", 3), ""))
	assert.Equal(t, "N", api.writes["'Events'!N3"])
	flag, err = s.GetUpdateFlag(ctx, model.RowIndex("community", 3))
	require.NoError(t, err)
	assert.False(t, flag)

	require.NoError(t, s.SetUpdateFlag(ctx, model.RowIndex("community", 3)))
	assert.Equal(t, "Y", api.writes["'Events'!N3"])

	err = s.SetUpdateFlag(ctx, model.RowIndex("community", 9))
	assert.True(t, apperrors.IsNotFound(err))
}

func TestColumnLetter(t *testing.T) {
	assert.Equal(t, "A", columnLetter(0))
	assert.Equal(t, "Z", columnLetter(25))
	assert.Equal(t, "AA", columnLetter(26))
	assert.Equal(t, "AZ", columnLetter(51))
}

func TestParseSheetTime(t *testing.T) {
	got, err := parseSheetTime("5/2/2024", "7:30 pm", pacific)
	require.NoError(t, err)
	assert.Equal(t, 19, got.Hour())
	assert.Equal(t, 30, got.Minute())

	_, err = parseSheetTime("", "10:00", pacific)
	assert.Error(t, err)
}
