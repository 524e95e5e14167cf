package importer

import (
	"context"
	"strings"

	"cfevents/internal/config"
	apperrors "cfevents/internal/errors"
	"cfevents/internal/provenance"
	"cfevents/internal/source"
)

// Select picks the configured sources to run. names and kind are mutually
// exclusive; with neither, every configured source is selected. Unknown
// names or kinds are configuration errors.
func Select(cfg *config.Config, names []string, kind string) ([]config.SourceConfig, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	var wanted []string
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			wanted = append(wanted, n)
		}
	}
	if len(wanted) > 0 && kind != "" {
		return nil, apperrors.NewConfigError("sources", "--sources and --source-type are mutually exclusive", nil)
	}

	switch {
	case len(wanted) > 0:
		out := make([]config.SourceConfig, 0, len(wanted))
		seen := make(map[string]bool, len(wanted))
		for _, n := range wanted {
			if seen[n] {
				continue
			}
			seen[n] = true
			sc, ok := cfg.Source(n)
			if !ok {
				return nil, apperrors.NewConfigError("sources", "unknown source: "+n, nil)
			}
			out = append(out, sc)
		}
		return out, nil
	case kind != "":
		if kind != config.KindAPI && kind != config.KindFeed {
			return nil, apperrors.NewConfigError("sources", "unknown source type: "+kind, nil)
		}
		var out []config.SourceConfig
		for _, sc := range cfg.Sources {
			if sc.Kind() == kind {
				out = append(out, sc)
			}
		}
		return out, nil
	default:
		return append([]config.SourceConfig(nil), cfg.Sources...), nil
	}
}

// Builder constructs an adapter from its configuration.
type Builder func(ctx context.Context, cfg config.SourceConfig, opts source.Options) (source.Source, error)

// Build constructs every selected adapter before any of them runs, so a
// broken source configuration stops the run before side effects. Adapters
// that keep their own provenance are registered with links.
func Build(ctx context.Context, cfgs []config.SourceConfig, opts source.Options, links *provenance.Provider, build Builder) ([]source.Source, error) {
	if build == nil {
		build = source.New
	}
	out := make([]source.Source, 0, len(cfgs))
	for _, sc := range cfgs {
		src, err := build(ctx, sc, opts)
		if err != nil {
			if apperrors.IsConfigError(err) {
				return nil, err
			}
			return nil, apperrors.NewConfigError("source "+sc.Name, "build adapter", err)
		}
		if own, ok := src.(provenance.Store); ok && links != nil {
			links.Register(src.Name(), own)
		}
		out = append(out, src)
	}
	return out, nil
}
