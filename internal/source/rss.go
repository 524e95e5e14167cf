package source

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

// Date sources for RSS items.
const (
	DateFromPubDate     = "pubdate"
	DateFromDescription = "description"
)

// RSS reads an RSS or Atom feed in a single page. Items need a title and a
// description; the start comes from pubDate or from a date and time written
// in the description.
type RSS struct {
	base
}

func NewRSS(cfg config.SourceConfig, opts Options) *RSS {
	return &RSS{base{cfg: cfg, opts: opts}}
}

var (
	descDatePattern = regexp.MustCompile(`(January|February|March|April|May|June|July|August|September|October|November|December)\W(\d{1,2})[,\W]+(\d{4})`)
	descTimePattern = regexp.MustCompile(`(\d{1,2}:\d{2})\W(AM|PM)`)
)

func (r *RSS) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return single(func() ([]model.CandidateEvent, error) {
		body, err := r.getBody(ctx, r.cfg.URL)
		if err != nil {
			return nil, apperrors.NewSourceRetrievalError(r.Name(), "fetch feed", err)
		}
		feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
		if err != nil {
			return nil, apperrors.NewSourceRetrievalError(r.Name(), "parse feed", err)
		}
		out := make([]model.CandidateEvent, 0, len(feed.Items))
		for _, item := range feed.Items {
			if c, ok := r.candidate(item); ok {
				out = append(out, c)
			}
		}
		return out, nil
	})
}

func (r *RSS) candidate(item *gofeed.Item) (model.CandidateEvent, bool) {
	desc := item.Description
	if desc == "" {
		desc = item.Content
	}
	c := model.CandidateEvent{
		Ref:         model.RowRef{Source: r.Name(), Key: itemKey(item)},
		Name:        strings.TrimSpace(item.Title),
		Description: desc,
		Website:     strings.TrimSpace(item.Link),
		Tags:        r.tags(item.Categories),
	}
	if strings.TrimSpace(desc) == "" {
		return c, false
	}
	if r.cfg.RequireText != "" && !strings.Contains(desc, r.cfg.RequireText) {
		return c, false
	}

	start, ok := r.start(item, desc)
	if !ok {
		return c, false
	}
	c.Start = start
	return c, keep(c)
}

func (r *RSS) start(item *gofeed.Item, desc string) (time.Time, bool) {
	loc := r.opts.Location
	if r.cfg.DateSource == DateFromDescription {
		return dateFromText(desc, loc)
	}
	if r.cfg.DateLayout != "" {
		t, err := time.ParseInLocation(r.cfg.DateLayout, strings.TrimSpace(item.Published), loc)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	if item.PublishedParsed != nil {
		return item.PublishedParsed.In(loc), true
	}
	return time.Time{}, false
}

// dateFromText finds "January 23, 2014" and "4:15 PM" in free text.
func dateFromText(s string, loc *time.Location) (time.Time, bool) {
	d := descDatePattern.FindStringSubmatch(s)
	tm := descTimePattern.FindStringSubmatch(s)
	if d == nil || tm == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("January 2 2006 3:04 PM", d[1]+" "+d[2]+" "+d[3]+" "+tm[1]+" "+tm[2], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func itemKey(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	sum := sha256.Sum256([]byte(item.Title + "\x00" + item.Published))
	return hex.EncodeToString(sum[:8])
}
