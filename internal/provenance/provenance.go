// Package provenance tracks which persisted event each external source row
// produced, and whether the row has been flagged for re-reconciliation.
package provenance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cfevents/internal/model"
)

// Store is implemented by every provenance backend. GetLink, SetUpdateFlag
// and ClearUpdateFlag return an error matching errors.ErrNotFound for rows
// that were never linked.
type Store interface {
	GetLink(ctx context.Context, ref model.RowRef) (model.ProvenanceLink, error)
	SetLink(ctx context.Context, ref model.RowRef, eventID int64, fingerprint string) error
	GetUpdateFlag(ctx context.Context, ref model.RowRef) (bool, error)
	SetUpdateFlag(ctx context.Context, ref model.RowRef) error
	ClearUpdateFlag(ctx context.Context, ref model.RowRef, fingerprint string) error
}

// Provider routes each row to the provenance store of its source. Sources
// without a dedicated store use the fallback.
type Provider struct {
	mu       sync.RWMutex
	fallback Store
	bySource map[string]Store
}

var _ Store = (*Provider)(nil)

func NewProvider(fallback Store) *Provider {
	return &Provider{fallback: fallback, bySource: make(map[string]Store)}
}

// Register makes st authoritative for rows of source.
func (p *Provider) Register(source string, st Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bySource[source] = st
}

// For returns the store used for rows of source.
func (p *Provider) For(source string) Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if st, ok := p.bySource[source]; ok {
		return st
	}
	return p.fallback
}

func (p *Provider) GetLink(ctx context.Context, ref model.RowRef) (model.ProvenanceLink, error) {
	return p.For(ref.Source).GetLink(ctx, ref)
}

func (p *Provider) SetLink(ctx context.Context, ref model.RowRef, eventID int64, fingerprint string) error {
	return p.For(ref.Source).SetLink(ctx, ref, eventID, fingerprint)
}

func (p *Provider) GetUpdateFlag(ctx context.Context, ref model.RowRef) (bool, error) {
	return p.For(ref.Source).GetUpdateFlag(ctx, ref)
}

func (p *Provider) SetUpdateFlag(ctx context.Context, ref model.RowRef) error {
	return p.For(ref.Source).SetUpdateFlag(ctx, ref)
}

func (p *Provider) ClearUpdateFlag(ctx context.Context, ref model.RowRef, fingerprint string) error {
	return p.For(ref.Source).ClearUpdateFlag(ctx, ref, fingerprint)
}

// Fingerprint digests the content of a candidate so a later run can tell
// whether the upstream row changed. The row reference itself is excluded.
func Fingerprint(c model.CandidateEvent) string {
	h := sha256.New()
	field := func(name, v string) {
		fmt.Fprintf(h, "%s=%s\x00", name, v)
	}
	field("name", c.Name)
	field("start", c.Start.Format(time.RFC3339))
	if c.End != nil {
		field("end", c.End.Format(time.RFC3339))
	}
	tags := append([]string(nil), c.Tags...)
	for i := range tags {
		tags[i] = strings.ToLower(strings.TrimSpace(tags[i]))
	}
	sort.Strings(tags)
	field("tags", strings.Join(tags, ","))
	field("description", c.Description)
	if c.Price != nil {
		field("price", fmt.Sprintf("%.2f", *c.Price))
	}
	field("price_details", c.PriceDetails)
	field("address", c.Address)
	field("website", c.Website)
	if c.Location != nil {
		field("location", c.Location.City+"|"+c.Location.StateProvince+"|"+c.Location.Country+"|"+c.Location.ZipCode)
	}
	return hex.EncodeToString(h.Sum(nil))
}
