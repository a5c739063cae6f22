// Package view holds the current filtered view of a record set, its
// pagination and the selections made against it.
package view

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/dhcgn/mbox-curate/model"
)

const DefaultPageSize = 100

var (
	// ErrStaleSelection is returned for a selection made against an earlier
	// view. Indices are view-relative, so they cannot be carried over.
	ErrStaleSelection = errors.New("selection belongs to a previous view")
	ErrOutOfRange     = errors.New("index out of range")
)

// View is an immutable filtered view plus a current page. Every change to the
// underlying set or filter produces a new View with a higher generation.
type View struct {
	records    []model.Record
	generation uint64
	pageSize   int
	page       int
}

func New(records []model.Record, generation uint64, pageSize int) *View {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &View{records: records, generation: generation, pageSize: pageSize}
}

func (v *View) Generation() uint64 { return v.generation }
func (v *View) Len() int           { return len(v.records) }
func (v *View) PageSize() int      { return v.pageSize }
func (v *View) CurrentPage() int   { return v.page }

// Records returns the view's records. Callers must not modify them.
func (v *View) Records() []model.Record {
	return v.records
}

// Pages is the number of pages; an empty view still has one.
func (v *View) Pages() int {
	return max(1, (len(v.records)+v.pageSize-1)/v.pageSize)
}

// SetPage moves to page (0-based), clamped to the valid range.
func (v *View) SetPage(page int) {
	v.page = min(max(page, 0), v.Pages()-1)
}

// PageBounds returns the half-open index range of page.
func (v *View) PageBounds(page int) (start, end int) {
	page = min(max(page, 0), v.Pages()-1)
	start = page * v.pageSize
	end = min(start+v.pageSize, len(v.records))
	return min(start, end), end
}

// Page returns the records of page (0-based).
func (v *View) Page(page int) []model.Record {
	start, end := v.PageBounds(page)
	return v.records[start:end]
}

// NewSelection returns an empty selection bound to this view.
func (v *View) NewSelection() *Selection {
	return &Selection{generation: v.generation, size: len(v.records), pageSize: v.pageSize, bm: roaring.New()}
}

// Resolve returns the selected records in view order.
func (v *View) Resolve(sel *Selection) ([]model.Record, error) {
	if sel == nil || sel.generation != v.generation {
		return nil, ErrStaleSelection
	}
	out := make([]model.Record, 0, sel.Len())
	it := sel.bm.Iterator()
	for it.HasNext() {
		out = append(out, v.records[it.Next()])
	}
	return out, nil
}

// Selection is a set of view indices. It is valid only for the view that
// created it.
type Selection struct {
	generation uint64
	size       int
	pageSize   int
	bm         *roaring.Bitmap
}

func (s *Selection) Generation() uint64 { return s.generation }

func (s *Selection) check(i int) error {
	if i < 0 || i >= s.size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, i, s.size)
	}
	return nil
}

// Select adds indices to the selection.
func (s *Selection) Select(indices ...int) error {
	for _, i := range indices {
		if err := s.check(i); err != nil {
			return err
		}
		s.bm.Add(uint32(i))
	}
	return nil
}

func (s *Selection) Deselect(indices ...int) {
	for _, i := range indices {
		if i >= 0 {
			s.bm.Remove(uint32(i))
		}
	}
}

// Toggle flips index i and reports whether it is now selected.
func (s *Selection) Toggle(i int) (bool, error) {
	if err := s.check(i); err != nil {
		return false, err
	}
	if s.bm.CheckedRemove(uint32(i)) {
		return false, nil
	}
	s.bm.Add(uint32(i))
	return true, nil
}

// SelectPage selects every index on page (0-based).
func (s *Selection) SelectPage(page int) {
	pages := max(1, (s.size+s.pageSize-1)/s.pageSize)
	page = min(max(page, 0), pages-1)
	start := page * s.pageSize
	end := min(start+s.pageSize, s.size)
	if start < end {
		s.bm.AddRange(uint64(start), uint64(end))
	}
}

func (s *Selection) SelectAll() {
	if s.size > 0 {
		s.bm.AddRange(0, uint64(s.size))
	}
}

func (s *Selection) Clear() {
	s.bm.Clear()
}

func (s *Selection) Contains(i int) bool {
	return i >= 0 && s.bm.Contains(uint32(i))
}

func (s *Selection) Len() int {
	return int(s.bm.GetCardinality())
}

// Indices returns the selected indices in ascending order.
func (s *Selection) Indices() []int {
	out := make([]int, 0, s.Len())
	it := s.bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}
