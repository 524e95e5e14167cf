package model

import (
	"strconv"
	"time"
)

// Column limits of the persisted store.
const (
	MaxNameLen         = 100
	MaxDescriptionLen  = 500
	MaxAddressLen      = 120
	MaxWebsiteLen      = 200
	MaxPriceDetailsLen = 200
	MaxCategoryLen     = 100
)

// Date and time layouts used for the split start/end columns.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05"
)

// OtherCategory is the fallback category for events whose tags do not resolve.
const OtherCategory = "other"

// RowRef identifies one row of an external source: a spreadsheet row index,
// an API event ID or a feed item GUID.
type RowRef struct {
	Source string
	Key    string
}

// RowIndex builds a RowRef for index-addressed sources such as spreadsheets.
func RowIndex(source string, n int) RowRef {
	return RowRef{Source: source, Key: strconv.Itoa(n)}
}

func (r RowRef) String() string {
	return r.Source + "#" + r.Key
}

// CandidateEvent is a not-yet-persisted event extracted from a source.
// Name, Start and at least one raw tag are mandatory; adapters drop rows
// that cannot supply them.
type CandidateEvent struct {
	Ref RowRef

	Name  string
	Start time.Time
	End   *time.Time

	// Tags are raw source categories, resolved against the taxonomy by the
	// reconciler.
	Tags []string

	Description  string
	Price        *float64
	PriceDetails string
	Address      string
	Website      string

	// Location overrides the source's default location when set.
	Location *Location
}

// Category is a taxonomy entry. Events usually reference one base category
// with the "generic" sub-category.
type Category struct {
	ID          int64  `json:"id"`
	BaseName    string `json:"base_name"`
	SubCategory string `json:"sub_category"`
}

// Location is a pre-approved place where events happen.
type Location struct {
	ID            int64  `json:"id" yaml:"-"`
	City          string `json:"city" yaml:"city"`
	StateProvince string `json:"state_province" yaml:"state_province"`
	Country       string `json:"country" yaml:"country"`
	ZipCode       string `json:"zip_code" yaml:"zip_code"`
	Timezone      string `json:"timezone" yaml:"timezone"`
}

// Event is a persisted event row together with its category associations.
type Event struct {
	ID int64 `json:"id"`

	Name         string     `json:"name"`
	Description  string     `json:"description"`
	LocationID   int64      `json:"location_id"`
	Address      string     `json:"address"`
	Website      string     `json:"website"`
	StartDate    string     `json:"start_date"`
	StartTime    string     `json:"start_time"`
	EndDate      string     `json:"end_date"`
	EndTime      string     `json:"end_time"`
	Price        *float64   `json:"price,omitempty"`
	PriceDetails string     `json:"price_details"`
	Valid        bool       `json:"valid"`
	Categories   []Category `json:"categories"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CategoryIDs returns the IDs of the event's categories in order.
func (e Event) CategoryIDs() []int64 {
	ids := make([]int64, 0, len(e.Categories))
	for _, c := range e.Categories {
		ids = append(ids, c.ID)
	}
	return ids
}

// Start returns the event start as a wall-clock time in loc.
func (e Event) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+TimeLayout, e.StartDate+" "+e.StartTime, loc)
}

// ProvenanceLink maps a source row to the event it produced.
type ProvenanceLink struct {
	Ref         RowRef
	EventID     int64
	NeedsUpdate bool
	// Fingerprint is a digest of the row content at the time it was last
	// imported or reconciled.
	Fingerprint string
	UpdatedAt   time.Time
}

// Patch carries only the fields that changed. Nil pointers are left alone.
type Patch struct {
	Name         *string
	Description  *string
	LocationID   *int64
	Address      *string
	Website      *string
	StartDate    *string
	StartTime    *string
	EndDate      *string
	EndTime      *string
	Price        **float64
	PriceDetails *string
	// CategoryIDs replaces the category set when non-nil.
	CategoryIDs []int64
}

// Fields lists the names of the columns the patch touches.
func (p Patch) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.Name != nil, "name")
	add(p.Description != nil, "description")
	add(p.LocationID != nil, "location_id")
	add(p.Address != nil, "address")
	add(p.Website != nil, "website")
	add(p.StartDate != nil, "start_date")
	add(p.StartTime != nil, "start_time")
	add(p.EndDate != nil, "end_date")
	add(p.EndTime != nil, "end_time")
	add(p.Price != nil, "price")
	add(p.PriceDetails != nil, "price_details")
	add(p.CategoryIDs != nil, "categories")
	return out
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields()) == 0
}
