package reconcile

import (
	"slices"

	"cfevents/internal/model"
)

// Diff returns the patch turning cur into next. Bookkeeping fields (ID,
// validity, timestamps) are never compared.
func Diff(cur, next model.Event) model.Patch {
	var p model.Patch
	str := func(a, b string) *string {
		if a == b {
			return nil
		}
		return &b
	}
	p.Name = str(cur.Name, next.Name)
	p.Description = str(cur.Description, next.Description)
	p.Address = str(cur.Address, next.Address)
	p.Website = str(cur.Website, next.Website)
	p.StartDate = str(cur.StartDate, next.StartDate)
	p.StartTime = str(cur.StartTime, next.StartTime)
	p.EndDate = str(cur.EndDate, next.EndDate)
	p.EndTime = str(cur.EndTime, next.EndTime)
	p.PriceDetails = str(cur.PriceDetails, next.PriceDetails)

	if cur.LocationID != next.LocationID {
		id := next.LocationID
		p.LocationID = &id
	}
	if !samePrice(cur.Price, next.Price) {
		price := next.Price
		p.Price = &price
	}

	a, b := cur.CategoryIDs(), next.CategoryIDs()
	slices.Sort(a)
	slices.Sort(b)
	if !slices.Equal(slices.Compact(a), slices.Compact(b)) {
		p.CategoryIDs = next.CategoryIDs()
	}
	return p
}

func samePrice(a, b *float64) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return *a == *b
	}
}
