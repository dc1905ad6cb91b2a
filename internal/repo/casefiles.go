package repo

import (
	"github.com/casewatch/casewatch/internal/model"
)

// UpsertCaseFile inserts or updates a case file by ID.
// On update, created_at_ns is preserved (not overwritten).
func (r *Queries) UpsertCaseFile(cf model.CaseFile) error {
	_, err := r.q.Exec(`
		INSERT INTO case_files (id, tenant_id, case_number, party_name, scrape_enabled,
		                        scan_valid, archived, was_scanned, has_pending_changes,
		                        created_at_ns, last_scraped_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id           = excluded.tenant_id,
			case_number         = excluded.case_number,
			party_name          = excluded.party_name,
			scrape_enabled      = excluded.scrape_enabled,
			scan_valid          = excluded.scan_valid,
			archived            = excluded.archived,
			was_scanned         = excluded.was_scanned,
			has_pending_changes = excluded.has_pending_changes,
			last_scraped_at_ns  = excluded.last_scraped_at_ns
	`, cf.ID, cf.TenantID, cf.CaseNumber, cf.PartyName, cf.ScrapeEnabled,
		cf.ScanValid, cf.Archived, cf.WasScanned, cf.HasPendingChanges,
		cf.CreatedAtNs, cf.LastScrapedAtNs)
	return err
}

const caseFileColumns = `id, tenant_id, case_number, party_name, scrape_enabled,
	scan_valid, archived, was_scanned, has_pending_changes, created_at_ns, last_scraped_at_ns`

func scanCaseFile(row interface{ Scan(...any) error }) (*model.CaseFile, error) {
	var cf model.CaseFile
	if err := row.Scan(&cf.ID, &cf.TenantID, &cf.CaseNumber, &cf.PartyName,
		&cf.ScrapeEnabled, &cf.ScanValid, &cf.Archived, &cf.WasScanned,
		&cf.HasPendingChanges, &cf.CreatedAtNs, &cf.LastScrapedAtNs); err != nil {
		return nil, err
	}
	return &cf, nil
}

// GetCaseFile loads a case file by ID.
func (r *Queries) GetCaseFile(id string) (*model.CaseFile, error) {
	return scanCaseFile(r.q.QueryRow(
		"SELECT "+caseFileColumns+" FROM case_files WHERE id = ?", id))
}

// ListEligibleCaseFiles returns a tenant's case files that may ever be
// scraped: scrape-enabled, scan-valid, and not archived.
func (r *Queries) ListEligibleCaseFiles(tenantID string) ([]model.CaseFile, error) {
	rows, err := r.q.Query(`
		SELECT `+caseFileColumns+`
		FROM case_files
		WHERE tenant_id = ? AND scrape_enabled = 1 AND scan_valid = 1 AND archived = 0
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.CaseFile
	for rows.Next() {
		cf, err := scanCaseFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cf)
	}
	return result, rows.Err()
}

// MarkScanInvalid permanently disables scraping for a case file whose number
// the Portal rejects. Re-enabling is an external operation.
func (r *Queries) MarkScanInvalid(id string) error {
	_, err := r.q.Exec("UPDATE case_files SET scan_valid = 0 WHERE id = ?", id)
	return err
}

// UpdateAfterScrape records a completed scrape on the case file row.
func (r *Queries) UpdateAfterScrape(id string, lastScrapedAtNs int64, hasPendingChanges bool) error {
	_, err := r.q.Exec(`
		UPDATE case_files
		SET last_scraped_at_ns = ?, has_pending_changes = ?, was_scanned = 1
		WHERE id = ?
	`, lastScrapedAtNs, hasPendingChanges, id)
	return err
}
