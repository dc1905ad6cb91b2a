package scrape

import "strings"

// Detection is the outcome of comparing a fresh scrape against the snapshot.
type Detection struct {
	IsFirstScrape bool
	HasChanges    bool
	Changes       []Change
	NewHash       string
	OldHash       string
	// Payload is the canonical serialization of the new list, stored back
	// into the snapshot.
	Payload string
}

// Detect compares the new canonical list against the stored snapshot state.
// The hash comparison is the fast path; the structured diff runs only when
// hashes differ. A first scrape reports hasChanges with no change entries:
// the initial state is not a "change".
func Detect(newEntries []CanonicalBinnacle, prevPayload, prevHash string) (Detection, error) {
	d := Detection{
		NewHash: Hash(newEntries),
		OldHash: prevHash,
		Payload: Serialize(newEntries),
	}

	if strings.TrimSpace(prevPayload) == "" {
		d.IsFirstScrape = true
		d.HasChanges = true
		d.OldHash = ""
		return d, nil
	}

	if d.NewHash == prevHash {
		return d, nil
	}

	oldEntries, err := ParsePayload(prevPayload)
	if err != nil {
		return d, err
	}
	d.HasChanges = true
	d.Changes = Diff(oldEntries, newEntries)
	return d, nil
}
