package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "cfevents/internal/log"
)

const defaultMaxOccurrencesPerEvent = 500

// Occurrence is one concrete instance of a (possibly recurring) event.
type Occurrence struct {
	Feed string
	UID  string
	// Key identifies the instance across runs: the UID plus the original
	// start of the instance.
	Key string

	Summary     string
	Description string
	Location    string
	URL         string
	Categories  []string

	AllDay bool
	Start  time.Time
	End    time.Time
}

// ExpandConfig bounds recurrence expansion.
type ExpandConfig struct {
	// Location is the timezone occurrences are converted to. Nil means
	// time.Local.
	Location *time.Location

	// RangeStart and RangeEnd are the inclusive window of occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps the expansion of a single rule.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences turns parsed events into concrete occurrences inside the
// configured range, applying RRULE, EXDATE and RECURRENCE-ID overrides. The
// result is ordered by start.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]Occurrence, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: range end is before range start")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	base := make(map[string][]ParsedEvent)
	overrides := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if ev.IsOverride && ev.Recurrence != nil {
			overrides[ev.UID] = append(overrides[ev.UID], ev)
			continue
		}
		if _, seen := base[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		base[ev.UID] = append(base[ev.UID], ev)
	}

	out := make([]Occurrence, 0)
	for _, uid := range uids {
		for _, ev := range base[uid] {
			if ev.RawRRule == "" {
				out = append(out, expandSingle(ev, overrides[uid], cfg)...)
				continue
			}
			occ, capped := expandRecurring(ev, overrides[uid], cfg)
			if capped {
				appLog.Error("ics recurrence truncated", errors.New("max occurrences reached"),
					"uid", uid, "cap", cfg.MaxOccurrencesPerEvent)
			}
			out = append(out, occ...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func expandSingle(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) []Occurrence {
	if !overlaps(ev.Start, ev.End, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	instance := ev
	if o, ok := findOverride(overrides, ev.Start); ok {
		instance = o
	}
	return []Occurrence{occurrence(instance, ev.Start, instance.Start, instance.End, cfg.Location)}
}

func expandRecurring(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("ics rrule invalid", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	times := set.Between(cfg.RangeStart.In(ev.Start.Location()), cfg.RangeEnd.In(ev.Start.Location()), true)
	capped := false
	if len(times) > cfg.MaxOccurrencesPerEvent {
		times = times[:cfg.MaxOccurrencesPerEvent]
		capped = true
	}

	dur := ev.End.Sub(ev.Start)
	out := make([]Occurrence, 0, len(times))
	for _, start := range times {
		end := start.Add(dur)
		if ev.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
			end = start
		}
		if o, ok := findOverride(overrides, start); ok {
			out = append(out, occurrence(o, start, o.Start, o.End, cfg.Location))
			continue
		}
		out = append(out, occurrence(ev, start, start, end, cfg.Location))
	}
	return out, capped
}

// findOverride returns the override whose RECURRENCE-ID equals start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, o := range overrides {
		if o.Recurrence != nil && o.Recurrence.Equal(start) {
			return o, true
		}
	}
	return ParsedEvent{}, false
}

func occurrence(ev ParsedEvent, original, start, end time.Time, loc *time.Location) Occurrence {
	if ev.AllDay {
		// All-day dates are calendar days, not instants; keep the date.
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		end = start
	} else {
		start = start.In(loc)
		end = end.In(loc)
	}
	return Occurrence{
		Feed:        ev.Feed.Name,
		UID:         ev.UID,
		Key:         ev.UID + "@" + original.UTC().Format("20060102T150405Z"),
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		URL:         ev.URL,
		Categories:  ev.Categories,
		AllDay:      ev.AllDay,
		Start:       start,
		End:         end,
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return !aEnd.Before(bStart) && !bEnd.Before(aStart)
}
