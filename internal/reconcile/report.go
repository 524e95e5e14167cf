package reconcile

import (
	"fmt"
	"strings"

	"cfevents/internal/model"
)

// RowError is a failure confined to one source row.
type RowError struct {
	Ref model.RowRef
	Err error
}

func (e RowError) Error() string {
	return e.Ref.String() + ": " + e.Err.Error()
}

// Report counts what a batch did. Errors holds one entry per failed row.
type Report struct {
	Source string

	Imported        int
	Updated         int
	Duplicates      int
	AlreadyImported int
	Unchanged       int
	Failed          int
	Dropped         int

	Errors []RowError
}

func (r *Report) fail(ref model.RowRef, err error) {
	r.Failed++
	r.Errors = append(r.Errors, RowError{Ref: ref, Err: err})
}

// Merge adds the counters and errors of o to r.
func (r *Report) Merge(o Report) {
	r.Imported += o.Imported
	r.Updated += o.Updated
	r.Duplicates += o.Duplicates
	r.AlreadyImported += o.AlreadyImported
	r.Unchanged += o.Unchanged
	r.Failed += o.Failed
	r.Dropped += o.Dropped
	r.Errors = append(r.Errors, o.Errors...)
}

func (r Report) String() string {
	var b strings.Builder
	if r.Source != "" {
		b.WriteString(r.Source)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "imported=%d updated=%d duplicates=%d already_imported=%d unchanged=%d failed=%d dropped=%d",
		r.Imported, r.Updated, r.Duplicates, r.AlreadyImported, r.Unchanged, r.Failed, r.Dropped)
	return b.String()
}
