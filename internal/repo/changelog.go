package repo

import (
	"strings"

	"github.com/samber/lo"

	"github.com/casewatch/casewatch/internal/model"
)

// InsertChangeLogEntries bulk-appends change records. This is the single
// write path into change_log; entries are born with notified=0 and the
// engine never flips that bit.
func (r *Queries) InsertChangeLogEntries(entries []model.ChangeLogEntry) error {
	for _, e := range entries {
		_, err := r.q.Exec(`
			INSERT INTO change_log (case_file_id, tenant_id, change_type, field_name,
			                        old_value, new_value, detected_at_ns, notified, notified_at_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0)
		`, e.CaseFileID, e.TenantID, string(e.ChangeType), nullStr(e.FieldName),
			nullStr(e.OldValue), nullStr(e.NewValue), e.DetectedAtNs)
		if err != nil {
			return err
		}
	}
	return nil
}

const changeLogColumns = `id, case_file_id, tenant_id, change_type, field_name,
	old_value, new_value, detected_at_ns, notified, notified_at_ns`

// ListUnnotified returns up to limit unnotified change entries for a tenant,
// oldest first. This implements the storage side of the consumer contract.
func (r *Queries) ListUnnotified(tenantID string, limit int) ([]model.ChangeLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.Query(`
		SELECT `+changeLogColumns+`
		FROM change_log
		WHERE tenant_id = ? AND notified = 0
		ORDER BY id
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeLogRows(rows)
}

// ListChangeLog returns all change entries for a case file, oldest first.
func (r *Queries) ListChangeLog(caseFileID string) ([]model.ChangeLogEntry, error) {
	rows, err := r.q.Query(`
		SELECT `+changeLogColumns+`
		FROM change_log
		WHERE case_file_id = ?
		ORDER BY id
	`, caseFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChangeLogRows(rows)
}

func scanChangeLogRows(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]model.ChangeLogEntry, error) {
	var result []model.ChangeLogEntry
	for rows.Next() {
		var e model.ChangeLogEntry
		var changeType string
		var fieldName, oldValue, newValue *string
		if err := rows.Scan(&e.ID, &e.CaseFileID, &e.TenantID, &changeType,
			&fieldName, &oldValue, &newValue, &e.DetectedAtNs, &e.Notified,
			&e.NotifiedAtNs); err != nil {
			return nil, err
		}
		e.ChangeType = model.ChangeType(changeType)
		e.FieldName = fieldName
		e.OldValue = oldValue
		e.NewValue = newValue
		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkNotified flips the notified bit for the given entries. Exposed for the
// consumer contract; the scrape engine itself never calls it.
func (r *Queries) MarkNotified(ids []int64, notifiedAtNs int64) error {
	for _, chunk := range lo.Chunk(ids, 500) {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		args := append([]any{notifiedAtNs}, lo.Map(chunk, func(id int64, _ int) any { return id })...)
		_, err := r.q.Exec(
			"UPDATE change_log SET notified = 1, notified_at_ns = ? WHERE id IN ("+placeholders+")",
			args...)
		if err != nil {
			return err
		}
	}
	return nil
}
