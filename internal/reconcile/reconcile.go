// Package reconcile turns candidate events into persisted events. ImportNew
// inserts rows seen for the first time; ReconcileUpdates patches the events
// of rows their source flagged as changed.
//
// Rows are processed strictly in input order so a candidate is checked for
// duplicates against the events inserted earlier in the same batch.
package reconcile

import (
	"context"
	"fmt"
	"strings"

	"cfevents/internal/category"
	"cfevents/internal/dedup"
	apperrors "cfevents/internal/errors"
	appLog "cfevents/internal/log"
	"cfevents/internal/model"
	"cfevents/internal/provenance"
	"cfevents/internal/textutil"
)

// LongDescriptionPlaceholder replaces descriptions too long to store.
const LongDescriptionPlaceholder = "Please visit event website for the event description."

// EventStore is the persisted-store surface the reconciler writes through.
type EventStore interface {
	Insert(ctx context.Context, draft model.Event) (int64, error)
	Update(ctx context.Context, id int64, p model.Patch) error
	Get(ctx context.Context, id int64) (model.Event, error)
	AddCategories(ctx context.Context, eventID int64, categoryIDs []int64) error
	ResolveCategory(ctx context.Context, baseName string) (model.Category, error)
	ResolveLocation(ctx context.Context, loc model.Location) (model.Location, error)
}

type Reconciler struct {
	store    EventStore
	dedup    *dedup.Engine
	mapper   *category.Mapper
	links    provenance.Store
	fallback model.Location
}

// New wires a reconciler. loc is used for candidates without a location.
func New(st EventStore, eng *dedup.Engine, mapper *category.Mapper, links provenance.Store, loc model.Location) *Reconciler {
	return &Reconciler{
		store:    st,
		dedup:    eng,
		mapper:   mapper,
		links:    links,
		fallback: loc,
	}
}

// ImportNew inserts every candidate that has no provenance link and no
// stored duplicate. Failures of single rows are recorded in the report and
// the batch continues. A dedup store failure aborts the batch and is
// returned together with the partial report.
func (r *Reconciler) ImportNew(ctx context.Context, candidates []model.CandidateEvent) (Report, error) {
	var rep Report
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !complete(c) {
			rep.Dropped++
			continue
		}

		if link, err := r.links.GetLink(ctx, c.Ref); err == nil {
			// Flagged rows are counted by ReconcileUpdates.
			if !link.NeedsUpdate {
				rep.AlreadyImported++
			}
			continue
		} else if !apperrors.IsNotFound(err) {
			rep.fail(c.Ref, err)
			continue
		}

		draft, err := r.draft(ctx, c)
		if err != nil {
			rep.fail(c.Ref, err)
			continue
		}

		// Match on the name as it will be stored.
		norm := c
		norm.Name = draft.Name
		existing, dup, err := r.dedup.FindDuplicate(ctx, norm)
		if err != nil {
			return rep, err
		}
		if dup {
			if err := r.store.AddCategories(ctx, existing.ID, draft.CategoryIDs()); err != nil {
				rep.fail(c.Ref, fmt.Errorf("merge categories into event %d: %w", existing.ID, err))
				continue
			}
			rep.Duplicates++
			continue
		}

		id, err := r.store.Insert(ctx, draft)
		if err != nil {
			rep.fail(c.Ref, err)
			continue
		}
		if err := r.links.SetLink(ctx, c.Ref, id, provenance.Fingerprint(c)); err != nil {
			rep.fail(c.Ref, fmt.Errorf("link event %d: %w", id, err))
			continue
		}
		appLog.Debug("imported event", "ref", c.Ref.String(), "event_id", id, "name", draft.Name)
		rep.Imported++
	}
	return rep, nil
}

// ReconcileUpdates patches the linked event of every flagged candidate with
// the fields that changed, then clears the flag. A link pointing at a missing
// event is a ProvenanceInconsistencyError: the flag stays set and nothing is
// inserted. Unflagged candidates are ignored.
func (r *Reconciler) ReconcileUpdates(ctx context.Context, candidates []model.CandidateEvent) (Report, error) {
	var rep Report
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if !complete(c) {
			rep.Dropped++
			continue
		}

		flagged, err := r.links.GetUpdateFlag(ctx, c.Ref)
		if err != nil {
			rep.fail(c.Ref, err)
			continue
		}
		if !flagged {
			continue
		}
		link, err := r.links.GetLink(ctx, c.Ref)
		if err != nil {
			rep.fail(c.Ref, err)
			continue
		}

		cur, err := r.store.Get(ctx, link.EventID)
		if err != nil {
			if apperrors.IsNotFound(err) {
				err = apperrors.NewProvenanceInconsistencyError(c.Ref.Source, c.Ref.Key, link.EventID)
			}
			rep.fail(c.Ref, err)
			continue
		}

		next, err := r.draft(ctx, c)
		if err != nil {
			rep.fail(c.Ref, err)
			continue
		}

		patch := Diff(cur, next)
		if patch.Empty() {
			rep.Unchanged++
		} else {
			if err := r.store.Update(ctx, cur.ID, patch); err != nil {
				if apperrors.IsNotFound(err) {
					err = apperrors.NewProvenanceInconsistencyError(c.Ref.Source, c.Ref.Key, link.EventID)
				}
				rep.fail(c.Ref, err)
				continue
			}
			appLog.Debug("updated event", "ref", c.Ref.String(), "event_id", cur.ID, "fields", strings.Join(patch.Fields(), ","))
			rep.Updated++
		}

		if err := r.links.ClearUpdateFlag(ctx, c.Ref, provenance.Fingerprint(c)); err != nil {
			rep.fail(c.Ref, err)
		}
	}
	return rep, nil
}

// complete reports whether c carries the fields every row must have.
func complete(c model.CandidateEvent) bool {
	if strings.TrimSpace(c.Name) == "" || c.Start.IsZero() {
		return false
	}
	for _, t := range c.Tags {
		if strings.TrimSpace(t) != "" {
			return true
		}
	}
	return false
}

// draft builds the event a candidate would be stored as, resolving its
// categories and location.
func (r *Reconciler) draft(ctx context.Context, c model.CandidateEvent) (model.Event, error) {
	if c.Price != nil && *c.Price < 0 {
		return model.Event{}, apperrors.NewValidationError("price", *c.Price, "price cannot be negative")
	}
	end := c.Start
	if c.End != nil {
		if c.End.Before(c.Start) {
			return model.Event{}, apperrors.NewValidationError("end", c.End.Format(model.DateLayout+" "+model.TimeLayout), "end is before start")
		}
		end = *c.End
	}

	var cats []model.Category
	for _, name := range r.mapper.Resolve(c.Ref.Source, c.Tags) {
		cat, err := r.store.ResolveCategory(ctx, name)
		if err != nil {
			return model.Event{}, fmt.Errorf("resolve category %q: %w", name, err)
		}
		cats = append(cats, cat)
	}

	want := r.fallback
	if c.Location != nil {
		want = *c.Location
	}
	loc, err := r.store.ResolveLocation(ctx, want)
	if err != nil {
		return model.Event{}, fmt.Errorf("resolve location: %w", err)
	}

	desc := textutil.StripHTML(c.Description)
	if textutil.RuneLen(desc) > model.MaxDescriptionLen {
		desc = LongDescriptionPlaceholder
	}

	var price *float64
	if c.Price != nil {
		p := *c.Price
		price = &p
	}

	return model.Event{
		Name:         textutil.Truncate(textutil.CollapseSpace(c.Name), model.MaxNameLen),
		Description:  desc,
		LocationID:   loc.ID,
		Address:      textutil.CollapseSpace(c.Address),
		Website:      strings.TrimSpace(c.Website),
		StartDate:    c.Start.Format(model.DateLayout),
		StartTime:    c.Start.Format(model.TimeLayout),
		EndDate:      end.Format(model.DateLayout),
		EndTime:      end.Format(model.TimeLayout),
		Price:        price,
		PriceDetails: textutil.CollapseSpace(c.PriceDetails),
		Valid:        true,
		Categories:   cats,
	}, nil
}
