package scrape

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// EntryKey is a 128-bit identity for one timeline entry, derived from the
// (resolutionDate, entryDate, resolution) triple. The diff matches old and
// new entries by this key, not by index, so inserted rows don't cascade
// into false modifications.
type EntryKey [16]byte

// KeyOf computes the identity key of an entry.
func KeyOf(b CanonicalBinnacle) EntryKey {
	buf := make([]byte, 0, 64)
	for _, f := range []*string{b.ResolutionDate, b.EntryDate, b.Resolution} {
		if f != nil {
			buf = append(buf, *f...)
		}
		buf = append(buf, 0)
	}
	h128 := xxh3.Hash128(buf)
	var k EntryKey
	binary.LittleEndian.PutUint64(k[:8], h128.Lo)
	binary.LittleEndian.PutUint64(k[8:], h128.Hi)
	return k
}
