package repo

import (
	"github.com/casewatch/casewatch/internal/model"
)

// InsertJobLog appends one job-attempt row and returns its ID.
func (r *Queries) InsertJobLog(e model.JobLogEntry) (int64, error) {
	res, err := r.q.Exec(`
		INSERT INTO job_log (case_file_id, tenant_id, job_kind, status, attempt,
		                     duration_ms, binnacles_found, changes_detected,
		                     error_kind, error_message, worker_id,
		                     started_at_ns, completed_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.CaseFileID, e.TenantID, string(e.JobKind), string(e.Status), e.Attempt,
		nullInt(e.DurationMs), nullInt(e.BinnaclesFound), nullInt(e.ChangesDetected),
		nullStr(e.ErrorKind), nullStr(e.ErrorMessage), nullStr(e.WorkerID),
		e.StartedAtNs, e.CompletedAtNs)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListJobLog returns all attempts for a case file, oldest first.
func (r *Queries) ListJobLog(caseFileID string) ([]model.JobLogEntry, error) {
	rows, err := r.q.Query(`
		SELECT id, case_file_id, tenant_id, job_kind, status, attempt,
		       duration_ms, binnacles_found, changes_detected,
		       error_kind, error_message, worker_id, started_at_ns, completed_at_ns
		FROM job_log
		WHERE case_file_id = ?
		ORDER BY id
	`, caseFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.JobLogEntry
	for rows.Next() {
		var e model.JobLogEntry
		var kind, status string
		if err := rows.Scan(&e.ID, &e.CaseFileID, &e.TenantID, &kind, &status,
			&e.Attempt, &e.DurationMs, &e.BinnaclesFound, &e.ChangesDetected,
			&e.ErrorKind, &e.ErrorMessage, &e.WorkerID,
			&e.StartedAtNs, &e.CompletedAtNs); err != nil {
			return nil, err
		}
		e.JobKind = model.JobKind(kind)
		e.Status = model.JobStatus(status)
		result = append(result, e)
	}
	return result, rows.Err()
}

// DeleteJobLogBefore prunes attempt rows started before the cutoff.
// Returns the number of rows removed.
func (r *Queries) DeleteJobLogBefore(cutoffNs int64) (int64, error) {
	res, err := r.q.Exec("DELETE FROM job_log WHERE started_at_ns < ?", cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
