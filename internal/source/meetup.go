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

// Meetup reads the open events listing. Pages are addressed by offset, the
// page index, and the listing ends once meta.total_count rows were seen.
type Meetup struct {
	base
}

func NewMeetup(cfg config.SourceConfig, opts Options) *Meetup {
	return &Meetup{base{cfg: cfg, opts: opts}}
}

type meetupEvent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Time        *int64 `json:"time"`
	Duration    *int64 `json:"duration"`
	Description string `json:"description"`
	EventURL    string `json:"event_url"`
	Fee         *struct {
		Amount *float64 `json:"amount"`
	} `json:"fee"`
	Venue *struct {
		Address1 string `json:"address_1"`
		Address2 string `json:"address_2"`
		Address3 string `json:"address_3"`
	} `json:"venue"`
	Group *struct {
		Category *struct {
			ShortName string `json:"shortname"`
		} `json:"category"`
	} `json:"group"`
}

type meetupPage struct {
	Meta *struct {
		TotalCount int `json:"total_count"`
		Count      int `json:"count"`
	} `json:"meta"`
	Results []meetupEvent `json:"results"`
	Problem string        `json:"problem"`
}

func (m *Meetup) pageURL(offset int) string {
	q := url.Values{}
	for k, v := range m.cfg.Query {
		q.Set(k, v)
	}
	size := m.cfg.PageSize
	if size <= 0 {
		size = 100
	}
	q.Set("page", strconv.Itoa(size))
	q.Set("offset", strconv.Itoa(offset))
	if tok := m.cfg.Token(); tok != "" {
		q.Set("key", tok)
	}
	sep := "?"
	if strings.Contains(m.cfg.URL, "?") {
		sep = "&"
	}
	return m.cfg.URL + sep + q.Encode()
}

func (m *Meetup) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return func(yield func([]model.CandidateEvent, error) bool) {
		seen := 0
		for offset := 0; m.cfg.MaxPages <= 0 || offset < m.cfg.MaxPages; offset++ {
			var body meetupPage
			if err := m.getJSON(ctx, m.pageURL(offset), &body); err != nil {
				yield(nil, apperrors.NewSourceRetrievalError(m.Name(), "fetch offset "+strconv.Itoa(offset), err))
				return
			}
			if body.Problem != "" || body.Meta == nil {
				return
			}
			out := make([]model.CandidateEvent, 0, len(body.Results))
			for _, ev := range body.Results {
				if c, ok := m.candidate(ev); ok {
					out = append(out, c)
				}
			}
			if !yield(out, nil) {
				return
			}
			seen += body.Meta.Count
			if body.Meta.Count == 0 || seen >= body.Meta.TotalCount {
				return
			}
		}
	}
}

func (m *Meetup) candidate(ev meetupEvent) (model.CandidateEvent, bool) {
	c := model.CandidateEvent{
		Ref:         model.RowRef{Source: m.Name(), Key: ev.ID},
		Name:        strings.TrimSpace(ev.Name),
		Description: ev.Description,
		Website:     ev.EventURL,
	}
	if ev.Time == nil || ev.ID == "" {
		return c, false
	}
	c.Start = time.UnixMilli(*ev.Time).In(m.opts.Location)
	if ev.Duration != nil {
		end := time.UnixMilli(*ev.Time + *ev.Duration).In(m.opts.Location)
		c.End = &end
	}

	// No fee block means the event is free.
	if ev.Fee == nil {
		zero := 0.0
		c.Price = &zero
	} else if ev.Fee.Amount != nil {
		p := *ev.Fee.Amount
		c.Price = &p
	}

	if ev.Venue != nil {
		parts := make([]string, 0, 3)
		for _, p := range []string{ev.Venue.Address1, ev.Venue.Address2, ev.Venue.Address3} {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		c.Address = strings.Join(parts, ", ")
	}

	var raw []string
	if ev.Group != nil && ev.Group.Category != nil {
		raw = append(raw, ev.Group.Category.ShortName)
	}
	c.Tags = m.tags(raw)
	return c, keep(c)
}
