package source

import (
	"context"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

// Eventbrite pages through the event search API with category, venue and
// ticket classes expanded.
type Eventbrite struct {
	base
}

func NewEventbrite(cfg config.SourceConfig, opts Options) *Eventbrite {
	return &Eventbrite{base{cfg: cfg, opts: opts}}
}

type ebriteText struct {
	Text string `json:"text"`
}

type ebriteTime struct {
	Local    string `json:"local"`
	Timezone string `json:"timezone"`
}

type ebriteEvent struct {
	ID          string      `json:"id"`
	Name        ebriteText  `json:"name"`
	Description ebriteText  `json:"description"`
	URL         string      `json:"url"`
	Start       *ebriteTime `json:"start"`
	End         *ebriteTime `json:"end"`
	Category    *struct {
		ShortName string `json:"short_name"`
		Name      string `json:"name"`
	} `json:"category"`
	Subcategory *struct {
		Name string `json:"name"`
	} `json:"subcategory"`
	Venue *struct {
		Address struct {
			Display string `json:"localized_address_display"`
			Line1   string `json:"address_1"`
			Line2   string `json:"address_2"`
			City    string `json:"city"`
		} `json:"address"`
	} `json:"venue"`
	TicketClasses []struct {
		Free bool `json:"free"`
		Cost *struct {
			MajorValue string `json:"major_value"`
		} `json:"cost"`
	} `json:"ticket_classes"`
}

type ebritePage struct {
	Pagination struct {
		PageNumber   int  `json:"page_number"`
		PageCount    int  `json:"page_count"`
		HasMoreItems bool `json:"has_more_items"`
	} `json:"pagination"`
	Events []ebriteEvent `json:"events"`
	Error  string        `json:"error"`
}

func (e *Eventbrite) pageURL(page int) string {
	q := url.Values{}
	for k, v := range e.cfg.Query {
		q.Set(k, v)
	}
	q.Set("expand", "category,subcategory,venue,ticket_classes")
	q.Set("page", strconv.Itoa(page))
	if e.cfg.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(e.cfg.PageSize))
	}
	if tok := e.cfg.Token(); tok != "" {
		q.Set("token", tok)
	}
	return strings.TrimRight(e.cfg.URL, "/") + "/events/search/?" + q.Encode()
}

func (e *Eventbrite) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return func(yield func([]model.CandidateEvent, error) bool) {
		for page := 1; e.cfg.MaxPages <= 0 || page <= e.cfg.MaxPages; page++ {
			var body ebritePage
			if err := e.getJSON(ctx, e.pageURL(page), &body); err != nil {
				yield(nil, apperrors.NewSourceRetrievalError(e.Name(), "fetch page "+strconv.Itoa(page), err))
				return
			}
			// An API-level error ends the listing quietly.
			if body.Error != "" {
				return
			}
			out := make([]model.CandidateEvent, 0, len(body.Events))
			for _, ev := range body.Events {
				if c, ok := e.candidate(ev); ok {
					out = append(out, c)
				}
			}
			if !yield(out, nil) {
				return
			}
			if !body.Pagination.HasMoreItems || len(body.Events) == 0 {
				return
			}
		}
	}
}

func (e *Eventbrite) candidate(ev ebriteEvent) (model.CandidateEvent, bool) {
	c := model.CandidateEvent{
		Ref:         model.RowRef{Source: e.Name(), Key: ev.ID},
		Name:        strings.TrimSpace(ev.Name.Text),
		Description: ev.Description.Text,
		Website:     ev.URL,
	}
	if ev.Start == nil || ev.ID == "" {
		return c, false
	}
	start, err := e.localTime(*ev.Start)
	if err != nil {
		return c, false
	}
	c.Start = start
	if ev.End != nil {
		if end, err := e.localTime(*ev.End); err == nil {
			c.End = &end
		}
	}

	var raw []string
	if ev.Category != nil {
		for _, n := range []string{ev.Category.ShortName, ev.Category.Name} {
			raw = append(raw, strings.Split(n, ",")...)
		}
	}
	if ev.Subcategory != nil {
		raw = append(raw, ev.Subcategory.Name)
	}
	c.Tags = e.tags(raw)

	if ev.Venue != nil {
		a := ev.Venue.Address
		c.Address = a.Display
		if c.Address == "" {
			c.Address = strings.TrimSpace(a.Line1 + " " + a.Line2)
		}
	}
	c.Price = minTicketPrice(ev)
	return c, keep(c)
}

// localTime reads the event-local wall clock in the configured zone.
func (e *Eventbrite) localTime(t ebriteTime) (time.Time, error) {
	loc := e.opts.Location
	if t.Timezone != "" {
		if l, err := time.LoadLocation(t.Timezone); err == nil {
			loc = l
		}
	}
	parsed, err := time.ParseInLocation("2006-01-02T15:04:05", t.Local, loc)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.In(e.opts.Location), nil
}

// minTicketPrice is the cheapest priced ticket class; free classes count as
// zero. Events without ticket information have no price.
func minTicketPrice(ev ebriteEvent) *float64 {
	var best *float64
	for _, tc := range ev.TicketClasses {
		var v float64
		switch {
		case tc.Free:
			v = 0
		case tc.Cost != nil:
			p, err := parsePrice(tc.Cost.MajorValue)
			if err != nil {
				continue
			}
			v = p
		default:
			continue
		}
		if best == nil || v < *best {
			best = &v
		}
	}
	return best
}

// parsePrice accepts "1,200.00" style amounts.
func parsePrice(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	s = strings.TrimPrefix(s, "$")
	return strconv.ParseFloat(s, 64)
}
