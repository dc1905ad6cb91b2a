// Package scrape turns raw Portal extractions into canonical form and
// detects changes against the stored snapshot.
package scrape

import (
	"strconv"
	"strings"
	"time"

	"github.com/casewatch/casewatch/internal/portal"
)

// CanonicalBinnacle is one normalized timeline entry, exactly the fields
// that participate in hashing and diffing.
type CanonicalBinnacle struct {
	Index             int     `json:"index"`
	ResolutionDate    *string `json:"resolutionDate"`
	EntryDate         *string `json:"entryDate"`
	Resolution        *string `json:"resolution"`
	NotificationType  *string `json:"notificationType"`
	Acto              *string `json:"acto"`
	Fojas             *int64  `json:"fojas"`
	Folios            *int64  `json:"folios"`
	ProvedioDate      *string `json:"provedioDate"`
	Sumilla           *string `json:"sumilla"`
	UserDescription   *string `json:"userDescription"`
	NotificationCount int     `json:"notificationCount"`
}

// NormalizeString trims; empty or whitespace-only becomes nil.
func NormalizeString(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	return &t
}

// NormalizeInt parses a base-10 integer; failure becomes nil.
func NormalizeInt(s string) *int64 {
	t := strings.TrimSpace(s)
	if t == "" {
		return nil
	}
	n, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// Portal date layouts, most specific first.
var portalDateLayouts = []struct {
	in, out string
}{
	{"02/01/2006 15:04:05", "2006-01-02T15:04:05"},
	{"02/01/2006 15:04", "2006-01-02T15:04:00"},
	{"02/01/2006", "2006-01-02"},
}

// NormalizeDate parses the Portal's DD/MM/YYYY[ HH:MM[:SS]] format into
// ISO-8601. Unparseable input and the literal "-" become nil.
func NormalizeDate(s string) *string {
	t := strings.TrimSpace(s)
	if t == "" || t == "-" {
		return nil
	}
	for _, layout := range portalDateLayouts {
		if parsed, err := time.Parse(layout.in, t); err == nil {
			out := parsed.Format(layout.out)
			return &out
		}
	}
	return nil
}

// Canonicalize normalizes one raw extraction. notificationCount participates
// in the hash so added notifications change it even when every binnacle
// field matches.
func Canonicalize(raw portal.RawBinnacle, notificationCount int) CanonicalBinnacle {
	return CanonicalBinnacle{
		Index:             raw.Index,
		ResolutionDate:    NormalizeDate(raw.ResolutionDate),
		EntryDate:         NormalizeDate(raw.EntryDate),
		Resolution:        NormalizeString(raw.Resolution),
		NotificationType:  NormalizeString(raw.NotificationType),
		Acto:              NormalizeString(raw.Acto),
		Fojas:             NormalizeInt(raw.Fojas),
		Folios:            NormalizeInt(raw.Folios),
		ProvedioDate:      NormalizeDate(raw.ProvedioDate),
		Sumilla:           NormalizeString(raw.Sumilla),
		UserDescription:   NormalizeString(raw.UserDescription),
		NotificationCount: notificationCount,
	}
}

// Valid reports whether an entry satisfies the minimal schema: a positive
// index and at least one identifying field. Invalid entries are dropped
// before hashing.
func (b CanonicalBinnacle) Valid() bool {
	if b.Index < 1 {
		return false
	}
	return b.EntryDate != nil || b.ResolutionDate != nil || b.Resolution != nil || b.Sumilla != nil
}
