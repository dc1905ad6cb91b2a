package scrape

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// canonicalKeys is the fixed serialization order: lexicographic over the
// canonical field names. Serialization must be byte-stable across processes,
// so the order is spelled out rather than derived from struct reflection.
var canonicalKeys = []string{
	"acto",
	"entryDate",
	"fojas",
	"folios",
	"index",
	"notificationCount",
	"notificationType",
	"provedioDate",
	"resolution",
	"resolutionDate",
	"sumilla",
	"userDescription",
}

// Serialize produces the canonical payload: entries sorted by index
// ascending, keys in fixed lexicographic order, JSON-encoded values. The
// same bytes feed the hasher and the snapshot's canonicalPayload column.
func Serialize(entries []CanonicalBinnacle) string {
	sorted := make([]CanonicalBinnacle, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var sb strings.Builder
	sb.WriteByte('[')
	for i, e := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		writeEntry(&sb, e)
	}
	sb.WriteByte(']')
	return sb.String()
}

func writeEntry(sb *strings.Builder, e CanonicalBinnacle) {
	sb.WriteByte('{')
	for i, key := range canonicalKeys {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(sb, "%q:", key)
		switch key {
		case "index":
			sb.WriteString(strconv.Itoa(e.Index))
		case "notificationCount":
			sb.WriteString(strconv.Itoa(e.NotificationCount))
		case "fojas":
			writeInt(sb, e.Fojas)
		case "folios":
			writeInt(sb, e.Folios)
		default:
			writeString(sb, stringField(e, key))
		}
	}
	sb.WriteByte('}')
}

func stringField(e CanonicalBinnacle, key string) *string {
	switch key {
	case "acto":
		return e.Acto
	case "entryDate":
		return e.EntryDate
	case "notificationType":
		return e.NotificationType
	case "provedioDate":
		return e.ProvedioDate
	case "resolution":
		return e.Resolution
	case "resolutionDate":
		return e.ResolutionDate
	case "sumilla":
		return e.Sumilla
	case "userDescription":
		return e.UserDescription
	}
	return nil
}

func writeString(sb *strings.Builder, v *string) {
	if v == nil {
		sb.WriteString("null")
		return
	}
	b, _ := json.Marshal(*v)
	sb.Write(b)
}

func writeInt(sb *strings.Builder, v *int64) {
	if v == nil {
		sb.WriteString("null")
		return
	}
	sb.WriteString(strconv.FormatInt(*v, 10))
}

// Hash computes the content hash: SHA-256 over the canonical serialization,
// as a 64-char lowercase hex string.
func Hash(entries []CanonicalBinnacle) string {
	sum := sha256.Sum256([]byte(Serialize(entries)))
	return hex.EncodeToString(sum[:])
}

// ParsePayload decodes a stored canonical payload back into entries. The
// canonical serialization is plain JSON, so stdlib decoding round-trips it.
func ParsePayload(payload string) ([]CanonicalBinnacle, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, nil
	}
	var entries []CanonicalBinnacle
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("scrape: parse canonical payload: %w", err)
	}
	return entries, nil
}
