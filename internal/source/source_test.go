package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

var pacific = mustLoad("America/Los_Angeles")

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		Client:   srv.Client(),
		Location: pacific,
		Now:      func() time.Time { return time.Date(2024, 4, 30, 12, 0, 0, 0, pacific) },
	}
}

func sourceConfig(name, typ, url string) config.SourceConfig {
	return config.SourceConfig{Name: name, Type: typ, URL: url, MaxRetries: 1, Backoff: time.Millisecond}
}

func collect(t *testing.T, s Source) ([]model.CandidateEvent, error) {
	t.Helper()
	var all []model.CandidateEvent
	for page, err := range s.Pages(context.Background()) {
		if err != nil {
			return all, err
		}
		all = append(all, page...)
	}
	return all, nil
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), config.SourceConfig{Name: "x", Type: "fax"}, Options{})
	assert.Error(t, err)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	boom := errors.New("bad request")
	err := Retry(context.Background(), 5, time.Millisecond, 5*time.Millisecond, func() error {
		calls++
		return permanentError{boom}
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 5*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

const ebritePage1 = `{
  "pagination": {"page_number": 1, "page_count": 2, "has_more_items": true},
  "events": [
    {
      "id": "101",
      "name": {"text": "Jazz Night"},
      "description": {"text": "<p>Live jazz</p>"},
      "url": "https://eventbrite.example/e/101",
      "start": {"local": "2024-05-01T20:00:00", "timezone": "America/Los_Angeles"},
      "end": {"local": "2024-05-01T22:00:00", "timezone": "America/Los_Angeles"},
      "category": {"short_name": "Music", "name": "Music"},
      "venue": {"address": {"localized_address_display": "1 University Ave, Palo Alto, CA"}},
      "ticket_classes": [
        {"free": false, "cost": {"major_value": "1,200.00"}},
        {"free": false, "cost": {"major_value": "25.50"}}
      ]
    },
    {"id": "102", "name": {"text": "No start"}}
  ]
}`

const ebritePage2 = `{
  "pagination": {"page_number": 2, "page_count": 2, "has_more_items": false},
  "events": [
    {
      "id": "103",
      "name": {"text": "Free Yoga"},
      "start": {"local": "2024-05-02T07:00:00"},
      "ticket_classes": [{"free": true}]
    }
  ]
}`

func TestEventbritePages(t *testing.T) {
	var pages []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/events/search/", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("token"))
		pages = append(pages, r.URL.Query().Get("page"))
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(ebritePage1))
			return
		}
		_, _ = w.Write([]byte(ebritePage2))
	}))
	defer srv.Close()

	t.Setenv("EBRITE_TEST_TOKEN", "secret")
	cfg := sourceConfig("ebrite", config.TypeEventbrite, srv.URL+"/v3")
	cfg.TokenEnv = "EBRITE_TEST_TOKEN"
	cfg.DefaultTags = []string{"meetup"}

	src := NewEventbrite(cfg, testOptions(srv))
	assert.Equal(t, config.KindAPI, src.Kind())

	got, err := collect(t, src)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, pages)
	require.Len(t, got, 2, "event without start is dropped")

	jazz := got[0]
	assert.Equal(t, model.RowRef{Source: "ebrite", Key: "101"}, jazz.Ref)
	assert.Equal(t, 20, jazz.Start.Hour())
	require.NotNil(t, jazz.End)
	assert.Equal(t, 22, jazz.End.Hour())
	assert.Contains(t, jazz.Tags, "Music")
	assert.Equal(t, "1 University Ave, Palo Alto, CA", jazz.Address)
	require.NotNil(t, jazz.Price)
	assert.InDelta(t, 25.5, *jazz.Price, 0.001)

	yoga := got[1]
	assert.Equal(t, []string{"meetup"}, yoga.Tags)
	require.NotNil(t, yoga.Price)
	assert.Zero(t, *yoga.Price)
}

func TestEventbriteRetrievalError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := collect(t, NewEventbrite(sourceConfig("ebrite", config.TypeEventbrite, srv.URL), testOptions(srv)))
	require.Error(t, err)
	assert.True(t, apperrors.IsSourceRetrievalError(err))
}

func TestMeetupOffsetPaging(t *testing.T) {
	var offsets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offsets = append(offsets, r.URL.Query().Get("offset"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		switch r.URL.Query().Get("offset") {
		case "0":
			_, _ = w.Write([]byte(`{"meta": {"total_count": 3, "count": 2}, "results": [
				{"id": "m1", "name": "Go Meetup", "time": 1714618800000, "duration": 7200000,
				 "venue": {"address_1": "100 Main St", "address_3": "Suite 5"}, "event_url": "https://meetup.example/m1"},
				{"id": "m2", "name": "Paid Talk", "time": 1714622400000, "fee": {"amount": 10}}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"meta": {"total_count": 3, "count": 1}, "results": [
				{"id": "m3", "name": "No time"}
			]}`))
		}
	}))
	defer srv.Close()

	cfg := sourceConfig("meetup", config.TypeMeetup, srv.URL+"/2/open_events.json")
	cfg.PageSize = 2
	cfg.DefaultTags = []string{"meetup"}

	got, err := collect(t, NewMeetup(cfg, testOptions(srv)))
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1"}, offsets)
	require.Len(t, got, 2)

	first := got[0]
	assert.Equal(t, "m1", first.Ref.Key)
	assert.Equal(t, time.UnixMilli(1714618800000).Unix(), first.Start.Unix())
	require.NotNil(t, first.End)
	assert.Equal(t, 2*time.Hour, first.End.Sub(first.Start))
	require.NotNil(t, first.Price)
	assert.Zero(t, *first.Price, "no fee block means free")
	assert.Equal(t, "100 Main St, Suite 5", first.Address)
	assert.Equal(t, []string{"meetup"}, first.Tags)

	require.NotNil(t, got[1].Price)
	assert.InDelta(t, 10.0, *got[1].Price, 0.001)
}

func TestMeetupProblemEndsListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"problem": "rate limited"}`))
	}))
	defer srv.Close()

	got, err := collect(t, NewMeetup(sourceConfig("meetup", config.TypeMeetup, srv.URL), testOptions(srv)))
	require.NoError(t, err)
	assert.Empty(t, got)
}

const sportFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Schedules</title>
<item><guid>g1</guid><title>Baseball vs Cal</title><description>Sunken Diamond, Stanford, CA</description>
<pubDate>05/01/2024 06:00 PM</pubDate><link>https://gostanford.example/1</link></item>
<item><guid>g2</guid><title>Baseball at UCLA</title><description>Jackie Robinson Stadium, Los Angeles, CA</description>
<pubDate>05/03/2024 06:00 PM</pubDate></item>
<item><guid>g3</guid><title>Bad date</title><description>Maples, Stanford, CA</description><pubDate>soon</pubDate></item>
</channel></rss>`

const generalFeed = `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Events</title>
<item><guid>e1</guid><title>Lecture</title><description>Wednesday, May 1, 2024. 4:15 PM. Cubberley Auditorium</description></item>
<item><guid>e2</guid><title>No date</title><description>Sometime soon</description></item>
<item><guid>e3</guid><title>No description</title></item>
</channel></rss>`

func feedServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(body))
	}))
}

func TestRSSPubDateLayoutAndFilter(t *testing.T) {
	srv := feedServer(sportFeed)
	defer srv.Close()

	cfg := sourceConfig("stanford-sport", config.TypeRSS, srv.URL)
	cfg.DateSource = DateFromPubDate
	cfg.DateLayout = "01/02/2006 03:04 PM"
	cfg.RequireText = "Stanford, CA"
	cfg.DefaultTags = []string{"sport"}

	got, err := collect(t, NewRSS(cfg, testOptions(srv)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].Ref.Key)
	assert.Equal(t, time.Date(2024, 5, 1, 18, 0, 0, 0, pacific), got[0].Start)
	assert.Equal(t, []string{"sport"}, got[0].Tags)
	assert.Equal(t, "https://gostanford.example/1", got[0].Website)
}

func TestRSSDateFromDescription(t *testing.T) {
	srv := feedServer(generalFeed)
	defer srv.Close()

	cfg := sourceConfig("stanford-general", config.TypeRSS, srv.URL)
	cfg.DateSource = DateFromDescription
	cfg.DefaultTags = []string{"meetup"}

	src := NewRSS(cfg, testOptions(srv))
	assert.Equal(t, config.KindFeed, src.Kind())
	got, err := collect(t, src)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 16, 15, 0, 0, pacific), got[0].Start)
}

func TestRSSBadFeed(t *testing.T) {
	srv := feedServer("this is not xml")
	defer srv.Close()

	_, err := collect(t, NewRSS(sourceConfig("bad", config.TypeRSS, srv.URL), testOptions(srv)))
	require.Error(t, err)
	assert.True(t, apperrors.IsSourceRetrievalError(err))
}

const calendarBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:farmers-market\r\nDTSTAMP:20240401T000000Z\r\n" +
	"DTSTART;TZID=America/Los_Angeles:20240504T090000\r\nDTEND;TZID=America/Los_Angeles:20240504T130000\r\n" +
	"RRULE:FREQ=WEEKLY;COUNT=2\r\nSUMMARY:Farmers Market\r\nCATEGORIES:Food\r\nLOCATION:California Ave\r\n" +
	"END:VEVENT\r\nEND:VCALENDAR\r\n"

func TestICSSourceExpandsOccurrences(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(calendarBody))
	}))
	defer srv.Close()

	cfg := sourceConfig("market", config.TypeICS, srv.URL+"/market.ics")
	cfg.HorizonDays = 30
	opts := testOptions(srv)
	opts.CacheDir = t.TempDir()

	got, err := collect(t, NewICS(cfg, opts))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Farmers Market", got[0].Name)
	assert.Equal(t, 9, got[0].Start.Hour())
	assert.Equal(t, []string{"Food"}, got[0].Tags)
	assert.Equal(t, "California Ave", got[0].Address)
	assert.NotEqual(t, got[0].Ref.Key, got[1].Ref.Key)
	assert.True(t, strings.HasPrefix(got[1].Ref.Key, "farmers-market@"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestPageExtractsJSONLD(t *testing.T) {
	cfg := sourceConfig("city-calendar", config.TypePage, "https://city.example/events")
	cfg.DefaultTags = []string{"family"}
	p := NewPage(cfg, Options{Location: pacific})
	p.render = func(context.Context) ([]string, error) {
		return []string{
			`{"@context": "https://schema.org", "@graph": [
				{"@type": "Organization", "name": "City"},
				{"@type": "MusicEvent", "@id": "https://city.example/e/1", "name": "Concert in the Park",
				 "startDate": "2024-05-05T17:00:00-07:00", "endDate": "2024-05-05T19:00:00-07:00",
				 "keywords": "music, outdoors",
				 "location": {"@type": "Place", "name": "Mitchell Park",
				   "address": {"streetAddress": "600 E Meadow Dr", "addressLocality": "Palo Alto"}},
				 "offers": [{"price": "5.00"}, {"price": 0}]}
			]}`,
			`[{"@type": "Event", "name": "Storytime", "startDate": "2024-05-06", "url": "https://city.example/e/2", "location": "Main Library"}]`,
			`not json`,
			`{"@type": "Event", "name": "Missing start"}`,
		}, nil
	}

	got, err := collect(t, p)
	require.NoError(t, err)
	require.Len(t, got, 2)

	concert := got[0]
	assert.Equal(t, "https://city.example/e/1", concert.Ref.Key)
	assert.Equal(t, 17, concert.Start.Hour())
	assert.Equal(t, "600 E Meadow Dr, Palo Alto", concert.Address)
	assert.Equal(t, []string{"music", "outdoors"}, concert.Tags)
	require.NotNil(t, concert.Price)
	assert.Zero(t, *concert.Price)

	story := got[1]
	assert.Equal(t, "https://city.example/e/2", story.Ref.Key)
	assert.Equal(t, "Main Library", story.Address)
	assert.Equal(t, []string{"family"}, story.Tags)
}

func TestPageRenderFailure(t *testing.T) {
	p := NewPage(sourceConfig("page", config.TypePage, "https://x.example"), Options{Location: pacific})
	p.render = func(context.Context) ([]string, error) { return nil, errors.New("no browser") }
	_, err := collect(t, p)
	assert.True(t, apperrors.IsSourceRetrievalError(err))
}
