package importer

import (
	"context"
	"errors"
	"iter"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/metrics"
	"cfevents/internal/model"
	"cfevents/internal/provenance"
	"cfevents/internal/source"
)

type fakeSource struct {
	name  string
	pages [][]model.CandidateEvent
	err   error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Kind() string { return config.KindFeed }

func (f *fakeSource) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return func(yield func([]model.CandidateEvent, error) bool) {
		for _, p := range f.pages {
			// Each run gets its own copy, as a real adapter re-fetches.
			cp := append([]model.CandidateEvent(nil), p...)
			if !yield(cp, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "events.db")
	cfg.Sources = []config.SourceConfig{
		{Name: "alpha", Type: config.TypeEventbrite, URL: "http://alpha.invalid"},
		{Name: "beta", Type: config.TypeRSS, URL: "http://beta.invalid"},
		{Name: "gamma", Type: config.TypeICS, URL: "http://gamma.invalid"},
	}
	cfg.Normalize()
	return cfg
}

func setup(t *testing.T, m *metrics.Metrics) *Env {
	t.Helper()
	env, err := Setup(testConfig(t), m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func row(src, key, name string, hh int) model.CandidateEvent {
	return model.CandidateEvent{
		Ref:   model.RowRef{Source: src, Key: key},
		Name:  name,
		Start: time.Date(2030, 5, 1, hh, 0, 0, 0, time.UTC),
		Tags:  []string{"music"},
	}
}

func countEvents(t *testing.T, env *Env) int {
	t.Helper()
	var n int
	require.NoError(t, env.Store.DB().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n))
	return n
}

func TestSelect(t *testing.T) {
	cfg := testConfig(t)

	all, err := Select(cfg, nil, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byName, err := Select(cfg, []string{"beta", " alpha ", "beta"}, "")
	require.NoError(t, err)
	require.Len(t, byName, 2)
	assert.Equal(t, "beta", byName[0].Name)
	assert.Equal(t, "alpha", byName[1].Name)

	feeds, err := Select(cfg, nil, "feeds")
	require.NoError(t, err)
	assert.Len(t, feeds, 2)

	apis, err := Select(cfg, nil, "APIs")
	require.NoError(t, err)
	require.Len(t, apis, 1)
	assert.Equal(t, "alpha", apis[0].Name)
}

func TestSelectRejectsBadInput(t *testing.T) {
	cfg := testConfig(t)

	_, err := Select(cfg, []string{"alpha"}, "feeds")
	assert.True(t, apperrors.IsConfigError(err))

	_, err = Select(cfg, []string{"alpha", "nope"}, "")
	assert.True(t, apperrors.IsConfigError(err))

	_, err = Select(cfg, nil, "carrier-pigeon")
	assert.True(t, apperrors.IsConfigError(err))
}

type ownLinks struct {
	fakeSource
	provenance.Store
}

func TestBuildRegistersOwnProvenance(t *testing.T) {
	links := provenance.NewProvider(nil)
	own := &ownLinks{fakeSource: fakeSource{name: "sheet"}}
	build := func(_ context.Context, sc config.SourceConfig, _ source.Options) (source.Source, error) {
		if sc.Name == "sheet" {
			return own, nil
		}
		return &fakeSource{name: sc.Name}, nil
	}

	srcs, err := Build(context.Background(), []config.SourceConfig{{Name: "sheet"}, {Name: "plain"}}, source.Options{}, links, build)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
	assert.Same(t, own, links.For("sheet"))
	assert.Nil(t, links.For("plain"))
}

func TestBuildFailureIsConfigError(t *testing.T) {
	build := func(context.Context, config.SourceConfig, source.Options) (source.Source, error) {
		return nil, errors.New("no credentials")
	}
	_, err := Build(context.Background(), []config.SourceConfig{{Name: "x"}}, source.Options{}, nil, build)
	assert.True(t, apperrors.IsConfigError(err))
}

func TestRunImportsOnceAcrossRuns(t *testing.T) {
	env := setup(t, nil)
	src := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{
		{row("alpha", "1", "Jazz Night", 20)},
		{row("alpha", "2", "Chess Club", 10)},
	}}

	sum, err := env.Importer.Run(context.Background(), []source.Source{src}, ModeImport)
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 2, sum.Totals().Imported)

	sum, err = env.Importer.Run(context.Background(), []source.Source{src}, ModeImport)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Totals().Imported)
	assert.Equal(t, 2, sum.Totals().AlreadyImported)
	assert.Equal(t, 2, countEvents(t, env))
}

func TestRunSourceErrorAbortsOnlyThatSource(t *testing.T) {
	env := setup(t, nil)
	boom := apperrors.NewSourceRetrievalError("alpha", "fetch page 2", errors.New("timeout"))
	bad := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{row("alpha", "1", "Jazz Night", 20)}}, err: boom}
	good := &fakeSource{name: "beta", pages: [][]model.CandidateEvent{{row("beta", "x", "Yoga", 7)}}}

	sum, err := env.Importer.Run(context.Background(), []source.Source{bad, good}, ModeImport)
	require.NoError(t, err)
	require.Len(t, sum.Sources, 2)
	assert.ErrorIs(t, sum.Sources[0].Err, boom)
	assert.Equal(t, 1, sum.Sources[0].Report.Imported)
	assert.NoError(t, sum.Sources[1].Err)
	assert.Equal(t, 1, sum.Sources[1].Report.Imported)
	assert.Equal(t, []string{"alpha"}, sum.Failed())
}

func TestRunFlagsRowsChangedUpstream(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	first := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{row("alpha", "1", "Jazz Night", 20)}}}
	_, err := env.Importer.Run(ctx, []source.Source{first}, ModeImport)
	require.NoError(t, err)

	changed := row("alpha", "1", "Jazz Night (moved)", 21)
	second := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{changed}}}
	sum, err := env.Importer.Run(ctx, []source.Source{second}, ModeImport)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Totals().Updated)
	assert.Equal(t, 0, sum.Totals().Imported)
	assert.Equal(t, 0, sum.Totals().AlreadyImported)

	link, err := env.Links.GetLink(ctx, changed.Ref)
	require.NoError(t, err)
	assert.False(t, link.NeedsUpdate)
	assert.Equal(t, provenance.Fingerprint(changed), link.Fingerprint)

	ev, err := env.Store.Get(ctx, link.EventID)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Night (moved)", ev.Name)
	assert.Equal(t, "21:00:00", ev.StartTime)

	// Same content again: nothing to do.
	sum, err = env.Importer.Run(ctx, []source.Source{second}, ModeImport)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Totals().Updated)
	assert.Equal(t, 1, sum.Totals().AlreadyImported)
}

func TestUpdateModeNeverInserts(t *testing.T) {
	env := setup(t, nil)
	src := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{row("alpha", "1", "Jazz Night", 20)}}}

	sum, err := env.Importer.Run(context.Background(), []source.Source{src}, ModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Totals().Imported)
	assert.Equal(t, 0, countEvents(t, env))
}

func TestRunAppliesSourceLocation(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	env.Importer.SetSourceLocation("beta", &model.Location{City: "Menlo Park", StateProvince: "CA", Country: "United States"})
	src := &fakeSource{name: "beta", pages: [][]model.CandidateEvent{{row("beta", "1", "Trivia", 19)}}}

	_, err := env.Importer.Run(ctx, []source.Source{src}, ModeImport)
	require.NoError(t, err)

	link, err := env.Links.GetLink(ctx, model.RowRef{Source: "beta", Key: "1"})
	require.NoError(t, err)
	ev, err := env.Store.Get(ctx, link.EventID)
	require.NoError(t, err)

	locs, err := env.Store.Locations(ctx)
	require.NoError(t, err)
	var city string
	for _, l := range locs {
		if l.ID == ev.LocationID {
			city = l.City
		}
	}
	assert.Equal(t, "Menlo Park", city)
}

func TestRunRecordsMetrics(t *testing.T) {
	m := metrics.New()
	env := setup(t, m)
	src := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{
		row("alpha", "1", "Jazz Night", 20),
		row("alpha", "2", "jazz night", 20),
	}}}

	_, err := env.Importer.Run(context.Background(), []source.Source{src}, ModeImport)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `cfevents_rows_total{outcome="imported",source="alpha"} 1`)
	assert.Contains(t, body, `cfevents_rows_total{outcome="duplicate",source="alpha"} 1`)
	assert.Contains(t, body, `cfevents_source_runs_total{result="ok",source="alpha"} 1`)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	env := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeSource{name: "alpha", pages: [][]model.CandidateEvent{{row("alpha", "1", "Jazz Night", 20)}}}

	_, err := env.Importer.Run(ctx, []source.Source{src}, ModeImport)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, countEvents(t, env))
}
