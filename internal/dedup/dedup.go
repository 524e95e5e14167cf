// Package dedup decides whether a candidate event already exists in the
// store. Two events are the same when they start on the same day, within
// the match window of each other, and one name contains the other.
//
// Matching never crosses midnight: the window is clipped to the candidate's
// start date, so 23:45 and 00:10 on the next day are never compared.
// Candidates of one batch are not compared with each other.
package dedup

import (
	"context"
	"fmt"
	"time"

	apperrors "cfevents/internal/errors"
	appLog "cfevents/internal/log"
	"cfevents/internal/model"
	"cfevents/internal/store"
)

// DefaultWindow is the default half-width of the start-time match window.
const DefaultWindow = 30 * time.Minute

const lastSecondOfDay = 24*60*60 - 1

// Finder is the store query the engine needs.
type Finder interface {
	FindMatching(ctx context.Context, q store.MatchQuery) ([]model.Event, error)
}

type Engine struct {
	finder Finder
	window time.Duration
}

// New returns an engine using window as the half-width of the match window.
// A non-positive window selects DefaultWindow.
func New(f Finder, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{finder: f, window: window}
}

// Window returns the start date of start and the inclusive time-of-day
// bounds searched for duplicates, clipped to that date.
func (e *Engine) Window(start time.Time) (date, from, to string) {
	h, m, s := start.Clock()
	secs := h*3600 + m*60 + s
	w := int(e.window / time.Second)
	lo := max(secs-w, 0)
	hi := min(secs+w, lastSecondOfDay)
	return start.Format(model.DateLayout), clock(lo), clock(hi)
}

func clock(secs int) string {
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

// FindDuplicate returns the first stored event matching c. A store error
// matching errors.ErrNotFound counts as no match; other errors are returned.
func (e *Engine) FindDuplicate(ctx context.Context, c model.CandidateEvent) (model.Event, bool, error) {
	date, from, to := e.Window(c.Start)
	matches, err := e.finder.FindMatching(ctx, store.MatchQuery{
		Date:  date,
		From:  from,
		To:    to,
		Name:  c.Name,
		Limit: 1,
	})
	if err != nil {
		if apperrors.IsNotFound(err) {
			return model.Event{}, false, nil
		}
		return model.Event{}, false, fmt.Errorf("dedup %s: %w", c.Ref, err)
	}
	if len(matches) == 0 {
		return model.Event{}, false, nil
	}
	appLog.Debug("duplicate candidate", "ref", c.Ref.String(), "name", c.Name, "event_id", matches[0].ID)
	return matches[0], true, nil
}

// IsDuplicate reports whether a stored event matches c.
func (e *Engine) IsDuplicate(ctx context.Context, c model.CandidateEvent) (bool, error) {
	_, ok, err := e.FindDuplicate(ctx, c)
	return ok, err
}

// RemoveDuplicates returns the candidates without a stored match, in input
// order. The first store error aborts the batch.
func (e *Engine) RemoveDuplicates(ctx context.Context, cs []model.CandidateEvent) ([]model.CandidateEvent, error) {
	out := make([]model.CandidateEvent, 0, len(cs))
	for _, c := range cs {
		dup, err := e.IsDuplicate(ctx, c)
		if err != nil {
			return nil, err
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out, nil
}
