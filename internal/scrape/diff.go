package scrape

import (
	"strconv"

	"github.com/casewatch/casewatch/internal/model"
)

// Change is one detected difference, ready to become a ChangeLogEntry.
type Change struct {
	Type      model.ChangeType
	FieldName *string
	OldValue  *string
	NewValue  *string
}

// diffFields are the per-entry fields compared for MODIFIED_BINNACLE, in
// emission order. Identity fields (resolutionDate, entryDate, resolution)
// are excluded: a change there makes the entry a different one.
var diffFields = []string{
	"notificationType",
	"acto",
	"fojas",
	"folios",
	"provedioDate",
	"sumilla",
	"userDescription",
	"notificationCount",
}

func fieldValueOf(e CanonicalBinnacle, field string) *string {
	switch field {
	case "fojas":
		return intToString(e.Fojas)
	case "folios":
		return intToString(e.Folios)
	case "notificationCount":
		s := strconv.Itoa(e.NotificationCount)
		return &s
	}
	return stringField(e, field)
}

func intToString(v *int64) *string {
	if v == nil {
		return nil
	}
	s := strconv.FormatInt(*v, 10)
	return &s
}

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// summary is the human-readable identity used on NEW/REMOVED entries.
func summary(e CanonicalBinnacle) *string {
	s := "entry " + strconv.Itoa(e.Index)
	if e.EntryDate != nil {
		s += " (" + *e.EntryDate + ")"
	}
	if e.Resolution != nil {
		s += " " + *e.Resolution
	}
	return &s
}

// Diff computes the structured difference between two canonical lists.
// Entries are matched by identity key; new entries are walked by index, then
// unmatched old entries in their original order.
func Diff(oldEntries, newEntries []CanonicalBinnacle) []Change {
	oldByKey := make(map[EntryKey]CanonicalBinnacle, len(oldEntries))
	for _, e := range oldEntries {
		k := KeyOf(e)
		if _, dup := oldByKey[k]; !dup {
			oldByKey[k] = e
		}
	}

	var changes []Change
	matched := make(map[EntryKey]bool, len(newEntries))
	for _, ne := range newEntries {
		k := KeyOf(ne)
		oe, ok := oldByKey[k]
		if !ok {
			changes = append(changes, Change{
				Type:     model.ChangeNewBinnacle,
				NewValue: summary(ne),
			})
			continue
		}
		matched[k] = true
		for _, field := range diffFields {
			oldV, newV := fieldValueOf(oe, field), fieldValueOf(ne, field)
			if !strEq(oldV, newV) {
				f := field
				changes = append(changes, Change{
					Type:      model.ChangeModifiedBinnacle,
					FieldName: &f,
					OldValue:  oldV,
					NewValue:  newV,
				})
			}
		}
	}

	for _, oe := range oldEntries {
		if !matched[KeyOf(oe)] {
			changes = append(changes, Change{
				Type:     model.ChangeRemovedBinnacle,
				OldValue: summary(oe),
			})
		}
	}
	return changes
}
