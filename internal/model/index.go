package model

import (
	"fmt"
	"strings"
	"time"
)

// IndexFamily is the typed family of a search-index row.
type IndexFamily string

const (
	FamilyToken     IndexFamily = "token"
	FamilyString    IndexFamily = "string"
	FamilyReference IndexFamily = "reference"
	FamilyQuantity  IndexFamily = "quantity"
	FamilyDate      IndexFamily = "date"
	FamilyNumber    IndexFamily = "number"
	FamilyURI       IndexFamily = "uri"
	FamilyComposite IndexFamily = "composite"
)

// IndexRow is one extracted search-index entry for a record. Only the fields
// relevant to the family are populated.
type IndexRow struct {
	ParamID string
	Family  IndexFamily

	System string // token, quantity
	Code   string // token, quantity
	Value  string // string, reference, uri

	Number float64 // number, quantity

	Start time.Time // date
	End   time.Time // date

	// Components holds the member rows of a composite entry.
	Components []IndexRow
}

// DistinctKey is the identity used to collapse duplicate rows within a family
// for the same (record, param).
func (r IndexRow) DistinctKey() string {
	var b strings.Builder
	b.WriteString(r.ParamID)
	b.WriteByte('|')
	b.WriteString(string(r.Family))
	b.WriteByte('|')
	b.WriteString(r.System)
	b.WriteByte('|')
	b.WriteString(r.Code)
	b.WriteByte('|')
	b.WriteString(r.Value)
	if r.Family == FamilyNumber || r.Family == FamilyQuantity {
		fmt.Fprintf(&b, "|%g", r.Number)
	}
	if r.Family == FamilyDate {
		fmt.Fprintf(&b, "|%d|%d", r.Start.UnixNano(), r.End.UnixNano())
	}
	for _, c := range r.Components {
		b.WriteByte('+')
		b.WriteString(c.DistinctKey())
	}
	return b.String()
}

// DedupeIndexRows collapses duplicate rows, preserving first-seen order.
func DedupeIndexRows(rows []IndexRow) []IndexRow {
	seen := make(map[string]struct{}, len(rows))
	out := rows[:0:0]
	for _, r := range rows {
		k := r.DistinctKey()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r)
	}
	return out
}
