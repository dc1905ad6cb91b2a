package repo

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/samber/lo"

	"github.com/casewatch/casewatch/internal/model"
)

const snapshotColumns = `case_file_id, tenant_id, content_hash, binnacle_count,
	canonical_payload, last_scraped_at_ns, last_changed_at_ns, scrape_count,
	consecutive_no_change, error_count, last_error`

func scanSnapshot(row interface{ Scan(...any) error }) (*model.Snapshot, error) {
	var s model.Snapshot
	if err := row.Scan(&s.CaseFileID, &s.TenantID, &s.ContentHash, &s.BinnacleCount,
		&s.CanonicalPayload, &s.LastScrapedAtNs, &s.LastChangedAtNs, &s.ScrapeCount,
		&s.ConsecutiveNoChange, &s.ErrorCount, &s.LastError); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSnapshot loads the snapshot for a case file; nil if none exists yet.
func (r *Queries) GetSnapshot(caseFileID string) (*model.Snapshot, error) {
	s, err := scanSnapshot(r.q.QueryRow(
		"SELECT "+snapshotColumns+" FROM snapshots WHERE case_file_id = ?", caseFileID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// GetSnapshotsByCaseFiles batch-loads snapshots for the given case file IDs,
// keyed by case file ID. Missing snapshots are simply absent from the map.
func (r *Queries) GetSnapshotsByCaseFiles(ids []string) (map[string]model.Snapshot, error) {
	out := make(map[string]model.Snapshot, len(ids))
	// SQLite caps bound parameters; chunk the IN list.
	for _, chunk := range lo.Chunk(ids, 500) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := lo.Map(chunk, func(id string, _ int) any { return id })
		rows, err := r.q.Query(
			"SELECT "+snapshotColumns+" FROM snapshots WHERE case_file_id IN ("+placeholders+")",
			args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			s, err := scanSnapshot(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[s.CaseFileID] = *s
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// UpsertSnapshot writes the snapshot row for a case file. Exactly one row per
// case file ever exists; case_file_id is the primary key.
func (r *Queries) UpsertSnapshot(s model.Snapshot) error {
	_, err := r.q.Exec(`
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_file_id) DO UPDATE SET
			tenant_id             = excluded.tenant_id,
			content_hash          = excluded.content_hash,
			binnacle_count        = excluded.binnacle_count,
			canonical_payload     = excluded.canonical_payload,
			last_scraped_at_ns    = excluded.last_scraped_at_ns,
			last_changed_at_ns    = excluded.last_changed_at_ns,
			scrape_count          = excluded.scrape_count,
			consecutive_no_change = excluded.consecutive_no_change,
			error_count           = excluded.error_count,
			last_error            = excluded.last_error
	`, s.CaseFileID, s.TenantID, s.ContentHash, s.BinnacleCount, s.CanonicalPayload,
		s.LastScrapedAtNs, s.LastChangedAtNs, s.ScrapeCount, s.ConsecutiveNoChange,
		s.ErrorCount, s.LastError)
	return err
}

// RecordScrapeError notes a failed attempt on the snapshot: bumps error_count
// and stores the message. Creates the row if the first scrape never succeeded.
func (r *Queries) RecordScrapeError(caseFileID, tenantID, message string) error {
	_, err := r.q.Exec(`
		INSERT INTO snapshots (case_file_id, tenant_id, content_hash, error_count, last_error)
		VALUES (?, ?, '', 1, ?)
		ON CONFLICT(case_file_id) DO UPDATE SET
			error_count = error_count + 1,
			last_error  = excluded.last_error
	`, caseFileID, tenantID, message)
	return err
}
