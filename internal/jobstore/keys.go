package jobstore

import "fmt"

// Dedup key builders. Initial and monitor jobs collapse to one live job per
// case file per calendar day; priority jobs are keyed by enqueue time and
// effectively never collapse.

func InitialKey(caseFileID, dayStamp string) string {
	return fmt.Sprintf("initial:%s:%s", caseFileID, dayStamp)
}

func MonitorKey(caseFileID, dayStamp string) string {
	return fmt.Sprintf("monitor:%s:%s", caseFileID, dayStamp)
}

func PriorityKey(caseFileID string, unixMillis int64) string {
	return fmt.Sprintf("priority:%s:%d", caseFileID, unixMillis)
}
