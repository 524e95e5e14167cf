package source

import (
	"context"
	"iter"
	"path/filepath"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/ics"
	"cfevents/internal/model"
)

// ICS imports the occurrences of a calendar feed from now until the
// configured horizon. Each occurrence is its own row, keyed by UID and
// original start.
type ICS struct {
	base
	fetcher *ics.Fetcher
}

func NewICS(cfg config.SourceConfig, opts Options) *ICS {
	dir := ""
	if opts.CacheDir != "" {
		dir = filepath.Join(opts.CacheDir, "ics")
	}
	return &ICS{
		base:    base{cfg: cfg, opts: opts},
		fetcher: ics.NewFetcher(opts.Client, dir, cfg.UserAgent),
	}
}

func (s *ICS) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return single(func() ([]model.CandidateEvent, error) {
		feed := ics.Feed{Name: s.Name(), URL: s.cfg.URL}
		res, err := s.fetcher.Fetch(ctx, feed)
		if err != nil {
			return nil, err
		}
		parsed, err := ics.ParseICS(feed, res.Body, s.opts.Location)
		if err != nil {
			return nil, apperrors.NewSourceRetrievalError(s.Name(), "parse ics", err)
		}

		now := s.opts.Now().In(s.opts.Location)
		horizon := s.cfg.HorizonDays
		if horizon <= 0 {
			horizon = 90
		}
		occ, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
			Location:   s.opts.Location,
			RangeStart: now,
			RangeEnd:   now.AddDate(0, 0, horizon),
		})
		if err != nil {
			return nil, apperrors.NewSourceRetrievalError(s.Name(), "expand ics", err)
		}

		out := make([]model.CandidateEvent, 0, len(occ))
		for _, o := range occ {
			c := s.candidate(o)
			if keep(c) {
				out = append(out, c)
			}
		}
		return out, nil
	})
}

func (s *ICS) candidate(o ics.Occurrence) model.CandidateEvent {
	c := model.CandidateEvent{
		Ref:         model.RowRef{Source: s.Name(), Key: o.Key},
		Name:        o.Summary,
		Start:       o.Start,
		Description: o.Description,
		Address:     o.Location,
		Website:     o.URL,
		Tags:        s.tags(o.Categories),
	}
	if o.End.After(o.Start) {
		end := o.End
		c.End = &end
	}
	return c
}
