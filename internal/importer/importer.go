// Package importer runs adapters through the reconciler, one source at a
// time, and reports what each source did.
package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"cfevents/internal/category"
	"cfevents/internal/config"
	"cfevents/internal/dedup"
	apperrors "cfevents/internal/errors"
	appLog "cfevents/internal/log"
	"cfevents/internal/metrics"
	"cfevents/internal/model"
	"cfevents/internal/provenance"
	"cfevents/internal/reconcile"
	"cfevents/internal/source"
	"cfevents/internal/store"
)

// Mode selects the reconciler passes of a run.
type Mode int

const (
	// ModeImport inserts new rows and then reconciles flagged ones.
	ModeImport Mode = iota
	// ModeUpdate only reconciles flagged rows.
	ModeUpdate
)

func (m Mode) String() string {
	if m == ModeUpdate {
		return "update"
	}
	return "import"
}

// Importer drives sources through one reconciler.
type Importer struct {
	rec       *reconcile.Reconciler
	links     provenance.Store
	metrics   *metrics.Metrics
	locations map[string]*model.Location
	now       func() time.Time
}

// New returns an importer. links must be the store the reconciler writes
// provenance through; m may be nil.
func New(rec *reconcile.Reconciler, links provenance.Store, m *metrics.Metrics) *Importer {
	return &Importer{
		rec:       rec,
		links:     links,
		metrics:   m,
		locations: make(map[string]*model.Location),
		now:       time.Now,
	}
}

// SetSourceLocation makes loc the location of rows from source that do not
// name their own.
func (im *Importer) SetSourceLocation(source string, loc *model.Location) {
	if loc == nil {
		delete(im.locations, source)
		return
	}
	im.locations[source] = loc
}

// SourceResult is the outcome of one source within a run.
type SourceResult struct {
	Report   reconcile.Report
	Err      error
	Duration time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   string
	Mode    Mode
	Sources []SourceResult
}

// Totals adds up the reports of every source.
func (s Summary) Totals() reconcile.Report {
	var total reconcile.Report
	for _, r := range s.Sources {
		total.Merge(r.Report)
	}
	return total
}

// Failed lists the sources that aborted, sorted by name.
func (s Summary) Failed() []string {
	var out []string
	for _, r := range s.Sources {
		if r.Err != nil {
			out = append(out, r.Report.Source)
		}
	}
	sort.Strings(out)
	return out
}

// Run processes sources sequentially. An adapter error ends only that
// source. A store failure during deduplication ends the run and is
// returned with the partial summary.
func (im *Importer) Run(ctx context.Context, sources []source.Source, mode Mode) (Summary, error) {
	sum := Summary{RunID: uuid.NewString(), Mode: mode}
	appLog.Info("run starting", "run_id", sum.RunID, "mode", mode.String(), "sources", len(sources))

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, fatal := im.runSource(ctx, src, mode)
		sum.Sources = append(sum.Sources, res)
		im.record(sum.RunID, res)
		if fatal != nil {
			return sum, fmt.Errorf("run %s: source %s: %w", sum.RunID, src.Name(), fatal)
		}
	}

	total := sum.Totals()
	appLog.Info("run finished",
		"run_id", sum.RunID,
		"imported", total.Imported,
		"updated", total.Updated,
		"duplicates", total.Duplicates,
		"failed", total.Failed,
		"failed_sources", len(sum.Failed()),
	)
	return sum, nil
}

// runSource returns a non-nil fatal error only for failures that should stop
// the whole run.
func (im *Importer) runSource(ctx context.Context, src source.Source, mode Mode) (SourceResult, error) {
	started := im.now()
	res := SourceResult{Report: reconcile.Report{Source: src.Name()}}

	for page, err := range src.Pages(ctx) {
		if err != nil {
			res.Err = err
			res.Duration = im.now().Sub(started)
			return res, nil
		}
		im.localize(src.Name(), page)
		im.flagChanged(ctx, page)

		if mode == ModeImport {
			rep, err := im.rec.ImportNew(ctx, page)
			res.Report.Merge(rep)
			if err != nil {
				res.Err = err
				res.Duration = im.now().Sub(started)
				return res, err
			}
		}
		rep, err := im.rec.ReconcileUpdates(ctx, page)
		if mode == ModeImport {
			// Already counted by the import pass.
			rep.Dropped = 0
		}
		res.Report.Merge(rep)
		if err != nil {
			res.Err = err
			res.Duration = im.now().Sub(started)
			return res, err
		}
	}
	res.Duration = im.now().Sub(started)
	return res, nil
}

// localize applies the source location to rows without one.
func (im *Importer) localize(source string, page []model.CandidateEvent) {
	loc := im.locations[source]
	if loc == nil {
		return
	}
	for i := range page {
		if page[i].Location == nil {
			l := *loc
			page[i].Location = &l
		}
	}
}

// flagChanged sets the update flag of linked rows whose content no longer
// matches the fingerprint stored at import time. Links without a
// fingerprint belong to sources that flag rows themselves.
func (im *Importer) flagChanged(ctx context.Context, page []model.CandidateEvent) {
	for _, c := range page {
		link, err := im.links.GetLink(ctx, c.Ref)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				appLog.Error("read provenance link", err, "ref", c.Ref.String())
			}
			continue
		}
		if link.NeedsUpdate || link.Fingerprint == "" || link.Fingerprint == provenance.Fingerprint(c) {
			continue
		}
		if err := im.links.SetUpdateFlag(ctx, c.Ref); err != nil {
			appLog.Error("flag changed row", err, "ref", c.Ref.String())
			continue
		}
		appLog.Debug("row changed upstream", "ref", c.Ref.String(), "event_id", link.EventID)
	}
}

func (im *Importer) record(runID string, res SourceResult) {
	rep := res.Report
	im.metrics.AddRows(rep.Source, metrics.OutcomeImported, rep.Imported)
	im.metrics.AddRows(rep.Source, metrics.OutcomeUpdated, rep.Updated)
	im.metrics.AddRows(rep.Source, metrics.OutcomeDuplicate, rep.Duplicates)
	im.metrics.AddRows(rep.Source, metrics.OutcomeAlreadyImported, rep.AlreadyImported)
	im.metrics.AddRows(rep.Source, metrics.OutcomeUnchanged, rep.Unchanged)
	im.metrics.AddRows(rep.Source, metrics.OutcomeFailed, rep.Failed)
	im.metrics.AddRows(rep.Source, metrics.OutcomeDropped, rep.Dropped)
	im.metrics.ObserveRun(rep.Source, res.Duration, res.Err)

	for _, rowErr := range rep.Errors {
		appLog.Error("row failed", rowErr.Err, "run_id", runID, "source", rep.Source, "ref", rowErr.Ref.String())
	}
	kv := []any{
		"run_id", runID,
		"source", rep.Source,
		"imported", rep.Imported,
		"updated", rep.Updated,
		"duplicates", rep.Duplicates,
		"already_imported", rep.AlreadyImported,
		"unchanged", rep.Unchanged,
		"failed", rep.Failed,
		"dropped", rep.Dropped,
		"duration_ms", res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		appLog.Error("source aborted", res.Err, kv...)
		return
	}
	appLog.Info("source done", kv...)
}

// Env bundles the long-lived pieces the commands share.
type Env struct {
	Config   *config.Config
	Store    *store.Store
	Links    *provenance.Provider
	Importer *Importer
	Metrics  *metrics.Metrics
}

// Setup opens the store and wires the reconciler according to cfg. m may
// be nil.
func Setup(cfg *config.Config, m *metrics.Metrics) (*Env, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("setup: open store: %w", err)
	}

	var fallback provenance.Store = st
	if cfg.Provenance.Backend == "file" {
		fs, err := provenance.OpenFile(cfg.Provenance.Path)
		if err != nil {
			_ = st.Close()
			return nil, apperrors.NewConfigError("provenance", "open file index", err)
		}
		fallback = fs
	}
	links := provenance.NewProvider(fallback)

	mapper := category.NewMapper(cfg.Taxonomy)
	for _, sc := range cfg.Sources {
		if len(sc.Categories) > 0 {
			mapper.SetSourceMap(sc.Name, sc.Categories)
		}
	}

	rec := reconcile.New(st, dedup.New(st, cfg.Dedup.Window), mapper, links, cfg.DefaultLocation)
	im := New(rec, links, m)
	for _, sc := range cfg.Sources {
		im.SetSourceLocation(sc.Name, sc.Location)
	}

	return &Env{Config: cfg, Store: st, Links: links, Importer: im, Metrics: m}, nil
}

// Sources selects and builds adapters for a run.
func (e *Env) Sources(ctx context.Context, names []string, kind string) ([]source.Source, error) {
	cfgs, err := Select(e.Config, names, kind)
	if err != nil {
		return nil, err
	}
	opts := source.Options{Location: e.Config.Location(), CacheDir: e.Config.CacheDir}
	return Build(ctx, cfgs, opts, e.Links, nil)
}

func (e *Env) Close() error {
	return e.Store.Close()
}
