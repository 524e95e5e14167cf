package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "cfevents/internal/errors"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//cfevents//test//EN"}, lines...)
	all = append(all, "END:VCALENDAR", "")
	return []byte(strings.Join(all, "\r\n"))
}

var sample = calendar(
	"BEGIN:VEVENT",
	"UID:concert-1",
	"DTSTAMP:20240401T000000Z",
	"DTSTART:20240501T200000Z",
	"DTEND:20240501T220000Z",
	"SUMMARY:Jazz Night",
	`DESCRIPTION:Live jazz\, all ages`,
	"CATEGORIES:Music,Performances",
	"URL:https://example.com/jazz",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:club-1",
	"DTSTAMP:20240401T000000Z",
	"DTSTART:20240501T180000Z",
	"DTEND:20240501T190000Z",
	"SUMMARY:Book Club",
	"RRULE:FREQ=WEEKLY;COUNT=3",
	"EXDATE:20240508T180000Z",
	"CATEGORIES:Social",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:club-1",
	"DTSTAMP:20240401T000000Z",
	"RECURRENCE-ID:20240515T180000Z",
	"DTSTART:20240515T190000Z",
	"DTEND:20240515T200000Z",
	"SUMMARY:Book Club (late)",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"DTSTAMP:20240401T000000Z",
	"DTSTART:20240501T180000Z",
	"SUMMARY:No UID",
	"END:VEVENT",
)

func TestParseICS(t *testing.T) {
	events, err := ParseICS(Feed{Name: "cal"}, sample, time.UTC)
	require.NoError(t, err)
	require.Len(t, events, 3, "event without UID is skipped")

	jazz := events[0]
	assert.Equal(t, "concert-1", jazz.UID)
	assert.Equal(t, "Jazz Night", jazz.Summary)
	assert.Equal(t, "Live jazz, all ages", jazz.Description)
	assert.Equal(t, []string{"Music", "Performances"}, jazz.Categories)
	assert.Equal(t, "https://example.com/jazz", jazz.URL)
	assert.Equal(t, 2*time.Hour, jazz.End.Sub(jazz.Start))
	assert.False(t, jazz.AllDay)

	assert.True(t, events[2].IsOverride)
}

func TestParseICSEmpty(t *testing.T) {
	_, err := ParseICS(Feed{Name: "cal"}, nil, time.UTC)
	assert.Error(t, err)
}

func TestExpandOccurrences(t *testing.T) {
	events, err := ParseICS(Feed{Name: "cal"}, sample, time.UTC)
	require.NoError(t, err)

	occ, err := ExpandOccurrences(events, ExpandConfig{
		Location:   time.UTC,
		RangeStart: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, occ, 3)

	assert.Equal(t, "Book Club", occ[0].Summary)
	assert.Equal(t, 18, occ[0].Start.Hour())
	assert.Equal(t, "Jazz Night", occ[1].Summary)

	late := occ[2]
	assert.Equal(t, "Book Club (late)", late.Summary)
	assert.Equal(t, 19, late.Start.Hour())
	assert.Equal(t, "club-1@20240515T180000Z", late.Key)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}

func TestFetcherUsesConditionalRequests(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(sample)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir(), "cfevents-test")
	feed := Feed{Name: "cal", URL: srv.URL + "/cal.ics"}

	first, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetcherFallsBackToCache(t *testing.T) {
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write(sample)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir(), "")
	feed := Feed{Name: "cal", URL: srv.URL}
	_, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)

	fail.Store(true)
	res, err := f.Fetch(context.Background(), feed)
	require.NoError(t, err)
	assert.True(t, res.FromCache)

	empty := NewFetcher(srv.Client(), t.TempDir(), "")
	_, err = empty.Fetch(context.Background(), feed)
	require.Error(t, err)
	assert.True(t, apperrors.IsSourceRetrievalError(err))
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://calendar.example.com/...(redacted)", redactURL("https://calendar.example.com/private/abc.ics?token=x"))
	assert.Equal(t, "ics://...(redacted)", redactURL("not a url"))
}
