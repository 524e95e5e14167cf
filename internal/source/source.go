// Package source adapts external event sources into candidate events.
// Every adapter yields its rows page by page; rows missing a name, a start
// or any tag are dropped before they reach the reconciler.
package source

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"cfevents/internal/config"
	"cfevents/internal/model"
)

// Source is implemented by every adapter. Pages is lazy and restartable:
// each call issues fresh requests. A page error ends the sequence.
type Source interface {
	Name() string
	Kind() string
	Pages(ctx context.Context) iter.Seq2[[]model.CandidateEvent, error]
}

// Options carries process-wide dependencies shared by adapters.
type Options struct {
	// Client is used for HTTP requests. Nil builds one per source from the
	// source timeout.
	Client *http.Client
	// Location is the timezone naive source timestamps are read in.
	Location *time.Location
	// CacheDir holds conditional-GET caches.
	CacheDir string
	// Now is the clock used for feed horizons.
	Now func() time.Time
}

func (o Options) withDefaults(cfg config.SourceConfig) Options {
	if o.Client == nil {
		o.Client = NewHTTPClient(cfg.Timeout)
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New builds the adapter for cfg.
func New(ctx context.Context, cfg config.SourceConfig, opts Options) (Source, error) {
	opts = opts.withDefaults(cfg)
	switch cfg.Type {
	case config.TypeEventbrite:
		return NewEventbrite(cfg, opts), nil
	case config.TypeMeetup:
		return NewMeetup(cfg, opts), nil
	case config.TypeRSS:
		return NewRSS(cfg, opts), nil
	case config.TypeICS:
		return NewICS(cfg, opts), nil
	case config.TypeSheet:
		sh, err := NewSheet(ctx, cfg, opts)
		if err != nil {
			return nil, err
		}
		return sh, nil
	case config.TypePage:
		return NewPage(cfg, opts), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}

// base holds what every adapter shares.
type base struct {
	cfg  config.SourceConfig
	opts Options
}

func (b base) Name() string { return b.cfg.Name }
func (b base) Kind() string { return b.cfg.Kind() }

// tags returns raw, falling back to the configured default tags.
func (b base) tags(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		out = append(out, b.cfg.DefaultTags...)
	}
	return out
}

// keep reports whether c carries every mandatory field.
func keep(c model.CandidateEvent) bool {
	return strings.TrimSpace(c.Name) != "" && !c.Start.IsZero() && len(c.Tags) > 0
}

// single yields one page or one error.
func single(fn func() ([]model.CandidateEvent, error)) iter.Seq2[[]model.CandidateEvent, error] {
	return func(yield func([]model.CandidateEvent, error) bool) {
		page, err := fn()
		if err != nil {
			yield(nil, err)
			return
		}
		yield(page, nil)
	}
}
