package source

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/model"
)

const defaultPageTimeout = 30 * time.Second

// Page renders a web page in headless Chromium and reads the schema.org
// Event objects embedded as JSON-LD. Pages that build their markup with
// JavaScript need the browser; static pages work the same way.
type Page struct {
	base
	// render returns the JSON-LD blocks of the page. Tests swap it out.
	render func(ctx context.Context) ([]string, error)
}

func NewPage(cfg config.SourceConfig, opts Options) *Page {
	p := &Page{base: base{cfg: cfg, opts: opts}}
	p.render = p.renderChromium
	return p
}

const jsonLDScript = `Array.from(document.querySelectorAll('script[type="application/ld+json"]')).map(s => s.textContent)`

func (p *Page) renderChromium(parent context.Context) ([]string, error) {
	ctx, cancel := chromedp.NewContext(parent)
	defer cancel()

	// Browser start-up alone can take several seconds.
	timeout := max(p.cfg.Timeout, defaultPageTimeout)
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	wait := p.cfg.WaitSelector
	if wait == "" {
		wait = "body"
	}
	var blocks []string
	tasks := chromedp.Tasks{
		chromedp.Navigate(p.cfg.URL),
		chromedp.WaitReady(wait, chromedp.ByQuery),
		chromedp.Evaluate(jsonLDScript, &blocks),
	}
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	return blocks, nil
}

func (p *Page) Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error] {
	return single(func() ([]model.CandidateEvent, error) {
		blocks, err := p.render(ctx)
		if err != nil {
			return nil, apperrors.NewSourceRetrievalError(p.Name(), "render page", err)
		}
		out := make([]model.CandidateEvent, 0)
		for _, ev := range extractEvents(blocks) {
			if c, ok := p.candidate(ev); ok {
				out = append(out, c)
			}
		}
		return out, nil
	})
}

// ldEvent is the part of a schema.org Event the importer reads.
type ldEvent struct {
	ID          string          `json:"@id"`
	Name        string          `json:"name"`
	StartDate   string          `json:"startDate"`
	EndDate     string          `json:"endDate"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	Keywords    json.RawMessage `json:"keywords"`
	Location    json.RawMessage `json:"location"`
	Offers      json.RawMessage `json:"offers"`
}

// extractEvents collects Event objects from JSON-LD blocks, descending into
// arrays and @graph containers. Malformed blocks are skipped.
func extractEvents(blocks []string) []ldEvent {
	var out []ldEvent
	var walk func(raw json.RawMessage)
	walk = func(raw json.RawMessage) {
		raw = json.RawMessage(strings.TrimSpace(string(raw)))
		if len(raw) == 0 {
			return
		}
		if raw[0] == '[' {
			var items []json.RawMessage
			if json.Unmarshal(raw, &items) == nil {
				for _, it := range items {
					walk(it)
				}
			}
			return
		}
		var head struct {
			Type  json.RawMessage   `json:"@type"`
			Graph []json.RawMessage `json:"@graph"`
		}
		if json.Unmarshal(raw, &head) != nil {
			return
		}
		for _, g := range head.Graph {
			walk(g)
		}
		if !isEventType(head.Type) {
			return
		}
		var ev ldEvent
		if json.Unmarshal(raw, &ev) == nil {
			out = append(out, ev)
		}
	}
	for _, b := range blocks {
		walk(json.RawMessage(b))
	}
	return out
}

// isEventType accepts "Event" and its subtypes such as "MusicEvent".
func isEventType(raw json.RawMessage) bool {
	var types []string
	var one string
	if json.Unmarshal(raw, &one) == nil {
		types = []string{one}
	} else if json.Unmarshal(raw, &types) != nil {
		return false
	}
	for _, t := range types {
		if strings.HasSuffix(t, "Event") {
			return true
		}
	}
	return false
}

func (p *Page) candidate(ev ldEvent) (model.CandidateEvent, bool) {
	key := ev.ID
	if key == "" {
		key = ev.URL
	}
	if key == "" {
		key = ev.Name + "@" + ev.StartDate
	}
	c := model.CandidateEvent{
		Ref:         model.RowRef{Source: p.Name(), Key: key},
		Name:        strings.TrimSpace(ev.Name),
		Description: ev.Description,
		Website:     ev.URL,
		Address:     ldAddress(ev.Location),
		Price:       ldPrice(ev.Offers),
		Tags:        p.tags(ldKeywords(ev.Keywords)),
	}
	start, err := p.ldTime(ev.StartDate)
	if err != nil {
		return c, false
	}
	c.Start = start
	if ev.EndDate != "" {
		if end, err := p.ldTime(ev.EndDate); err == nil {
			c.End = &end
		}
	}
	return c, keep(c)
}

func (p *Page) ldTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(p.opts.Location), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, p.opts.Location); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

func ldKeywords(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if json.Unmarshal(raw, &list) == nil {
		return list
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.Split(s, ",")
	}
	return nil
}

func ldAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var place struct {
		Name    string          `json:"name"`
		Address json.RawMessage `json:"address"`
	}
	if json.Unmarshal(raw, &place) != nil {
		return ""
	}
	if json.Unmarshal(place.Address, &s) == nil {
		return s
	}
	var postal struct {
		Street   string `json:"streetAddress"`
		Locality string `json:"addressLocality"`
		Region   string `json:"addressRegion"`
	}
	if json.Unmarshal(place.Address, &postal) == nil && postal.Street != "" {
		parts := []string{postal.Street}
		for _, p := range []string{postal.Locality, postal.Region} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		return strings.Join(parts, ", ")
	}
	return place.Name
}

// ldPrice returns the lowest offer price.
func ldPrice(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	type offer struct {
		Price json.RawMessage `json:"price"`
	}
	var offers []offer
	if json.Unmarshal(raw, &offers) != nil {
		var one offer
		if json.Unmarshal(raw, &one) != nil {
			return nil
		}
		offers = []offer{one}
	}
	var best *float64
	for _, o := range offers {
		var v float64
		var s string
		switch {
		case json.Unmarshal(o.Price, &v) == nil:
		case json.Unmarshal(o.Price, &s) == nil:
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				continue
			}
			v = f
		default:
			continue
		}
		if best == nil || v < *best {
			best = &v
		}
	}
	return best
}
