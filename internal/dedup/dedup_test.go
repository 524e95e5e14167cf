package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
	"cfevents/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st *store.Store, name string, start time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	loc, err := st.ResolveLocation(ctx, model.Location{City: "Palo Alto", Country: "USA"})
	require.NoError(t, err)
	cat, err := st.ResolveCategory(ctx, "music")
	require.NoError(t, err)
	id, err := st.Insert(ctx, model.Event{
		Name:       name,
		LocationID: loc.ID,
		StartDate:  start.Format(model.DateLayout),
		StartTime:  start.Format(model.TimeLayout),
		EndDate:    start.Format(model.DateLayout),
		EndTime:    start.Format(model.TimeLayout),
		Valid:      true,
		Categories: []model.Category{cat},
	})
	require.NoError(t, err)
	return id
}

func at(day, hh, mm int) time.Time {
	return time.Date(2024, 5, day, hh, mm, 0, 0, time.UTC)
}

func candidate(name string, start time.Time) model.CandidateEvent {
	return model.CandidateEvent{Ref: model.RowRef{Source: "test", Key: name}, Name: name, Start: start, Tags: []string{"music"}}
}

func TestJazzNightScenario(t *testing.T) {
	st := newStore(t)
	id := seed(t, st, "Jazz Night", at(1, 20, 0))
	e := New(st, 0)
	ctx := context.Background()

	ev, ok, err := e.FindDuplicate(ctx, candidate("Jazz night", at(1, 20, 15)))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, ev.ID)

	dup, err := e.IsDuplicate(ctx, candidate("Jazz Night", at(1, 21, 15)))
	require.NoError(t, err)
	assert.False(t, dup, "outside the 30 minute window")
}

func TestWindowEdgesAreInclusive(t *testing.T) {
	st := newStore(t)
	seed(t, st, "Jazz Night", at(1, 20, 0))
	e := New(st, 30*time.Minute)
	ctx := context.Background()

	dup, err := e.IsDuplicate(ctx, candidate("Jazz Night", at(1, 20, 30)))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = e.IsDuplicate(ctx, candidate("Jazz Night", at(1, 20, 31)))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestNameContainmentEitherWay(t *testing.T) {
	st := newStore(t)
	seed(t, st, "Jazz Night at the Blue Note", at(1, 20, 0))
	e := New(st, 0)
	ctx := context.Background()

	dup, err := e.IsDuplicate(ctx, candidate("jazz night", at(1, 20, 0)))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = e.IsDuplicate(ctx, candidate("Opera Night", at(1, 20, 0)))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestWindowClipsToDay(t *testing.T) {
	e := New(nil, 30*time.Minute)

	date, from, to := e.Window(time.Date(2024, 5, 1, 0, 10, 0, 0, time.UTC))
	assert.Equal(t, "2024-05-01", date)
	assert.Equal(t, "00:00:00", from)
	assert.Equal(t, "00:40:00", to)

	date, from, to = e.Window(time.Date(2024, 5, 1, 23, 45, 0, 0, time.UTC))
	assert.Equal(t, "2024-05-01", date)
	assert.Equal(t, "23:15:00", from)
	assert.Equal(t, "23:59:59", to)
}

func TestNoCrossDayMatching(t *testing.T) {
	st := newStore(t)
	seed(t, st, "Late Show", at(1, 23, 45))
	e := New(st, 0)

	dup, err := e.IsDuplicate(context.Background(), candidate("Late Show", at(2, 0, 10)))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestRemoveDuplicatesKeepsUnmatched(t *testing.T) {
	st := newStore(t)
	seed(t, st, "Jazz Night", at(1, 20, 0))
	e := New(st, 0)

	in := []model.CandidateEvent{
		candidate("Jazz Night", at(1, 20, 10)),
		candidate("Book Club", at(1, 20, 10)),
		candidate("Book Club", at(1, 20, 20)),
	}
	out, err := e.RemoveDuplicates(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 2, "no intra-batch detection")
	assert.Equal(t, "Book Club", out[0].Name)
	assert.Equal(t, "Book Club", out[1].Name)
}

type fakeFinder struct {
	err   error
	calls int
}

func (f *fakeFinder) FindMatching(context.Context, store.MatchQuery) ([]model.Event, error) {
	f.calls++
	return nil, f.err
}

func TestNotFoundIsNotDuplicate(t *testing.T) {
	f := &fakeFinder{err: apperrors.NewNotFoundError("event", "")}
	e := New(f, 0)

	out, err := e.RemoveDuplicates(context.Background(), []model.CandidateEvent{candidate("a", at(1, 10, 0))})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestStoreErrorAbortsBatch(t *testing.T) {
	boom := errors.New("connection reset")
	f := &fakeFinder{err: boom}
	e := New(f, 0)

	out, err := e.RemoveDuplicates(context.Background(), []model.CandidateEvent{
		candidate("a", at(1, 10, 0)),
		candidate("b", at(1, 11, 0)),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)
	assert.Equal(t, 1, f.calls)
}
