package repo

import (
	"database/sql"

	"github.com/casewatch/casewatch/internal/model"
)

// UpsertBinnacle inserts or updates one binnacle by (case_file_id, idx) and
// returns its row ID. Rows are never deleted here; removals surface only as
// change-log entries.
func (r *Queries) UpsertBinnacle(b model.Binnacle) (int64, error) {
	_, err := r.q.Exec(`
		INSERT INTO binnacles (case_file_id, idx, resolution_date, entry_date, resolution,
		                       acto, fojas, folios, provedio_date, sumilla, user_description,
		                       notification_type, type_tag, procedural_stage,
		                       created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_file_id, idx) DO UPDATE SET
			resolution_date   = excluded.resolution_date,
			entry_date        = excluded.entry_date,
			resolution        = excluded.resolution,
			acto              = excluded.acto,
			fojas             = excluded.fojas,
			folios            = excluded.folios,
			provedio_date     = excluded.provedio_date,
			sumilla           = excluded.sumilla,
			user_description  = excluded.user_description,
			notification_type = excluded.notification_type,
			type_tag          = excluded.type_tag,
			procedural_stage  = excluded.procedural_stage,
			updated_at_ns     = excluded.updated_at_ns
	`, b.CaseFileID, b.Index, nullStr(b.ResolutionDate), nullStr(b.EntryDate),
		nullStr(b.Resolution), nullStr(b.Acto), nullInt(b.Fojas), nullInt(b.Folios),
		nullStr(b.ProvedioDate), nullStr(b.Sumilla), nullStr(b.UserDescription),
		nullStr(b.NotificationType), string(b.TypeTag), nullStr(b.ProceduralStage),
		b.CreatedAtNs, b.UpdatedAtNs)
	if err != nil {
		return 0, err
	}

	var id int64
	err = r.q.QueryRow(
		"SELECT id FROM binnacles WHERE case_file_id = ? AND idx = ?",
		b.CaseFileID, b.Index,
	).Scan(&id)
	return id, err
}

// ListBinnacles returns a case file's binnacles ordered by index.
func (r *Queries) ListBinnacles(caseFileID string) ([]model.Binnacle, error) {
	rows, err := r.q.Query(`
		SELECT id, case_file_id, idx, resolution_date, entry_date, resolution, acto,
		       fojas, folios, provedio_date, sumilla, user_description,
		       notification_type, type_tag, procedural_stage, created_at_ns, updated_at_ns
		FROM binnacles WHERE case_file_id = ? ORDER BY idx
	`, caseFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Binnacle
	for rows.Next() {
		var b model.Binnacle
		var resDate, entryDate, resolution, acto, provDate, sumilla, userDesc, notifType, stage sql.NullString
		var fojas, folios sql.NullInt64
		var typeTag string
		if err := rows.Scan(&b.ID, &b.CaseFileID, &b.Index, &resDate, &entryDate,
			&resolution, &acto, &fojas, &folios, &provDate, &sumilla, &userDesc,
			&notifType, &typeTag, &stage, &b.CreatedAtNs, &b.UpdatedAtNs); err != nil {
			return nil, err
		}
		b.ResolutionDate = strPtr(resDate)
		b.EntryDate = strPtr(entryDate)
		b.Resolution = strPtr(resolution)
		b.Acto = strPtr(acto)
		b.Fojas = intPtr(fojas)
		b.Folios = intPtr(folios)
		b.ProvedioDate = strPtr(provDate)
		b.Sumilla = strPtr(sumilla)
		b.UserDescription = strPtr(userDesc)
		b.NotificationType = strPtr(notifType)
		b.TypeTag = model.BinnacleType(typeTag)
		b.ProceduralStage = strPtr(stage)
		result = append(result, b)
	}
	return result, rows.Err()
}

// InsertNotifications bulk-inserts notification rows for one binnacle.
// Duplicate (binnacle, code) pairs are silently collapsed; the Portal is the
// source of truth and re-reporting the same notification is not an error.
func (r *Queries) InsertNotifications(binnacleID int64, list []model.Notification) error {
	for _, n := range list {
		_, err := r.q.Exec(`
			INSERT INTO notifications (binnacle_id, code, addressee, ship_date, attachments,
			                           delivery_method, sent_date, received_date, returned_date,
			                           resent_date, delivered_date, read_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(binnacle_id, code) DO NOTHING
		`, binnacleID, n.Code, nullStr(n.Addressee), nullStr(n.ShipDate),
			nullStr(n.Attachments), nullStr(n.DeliveryMethod), nullStr(n.SentDate),
			nullStr(n.ReceivedDate), nullStr(n.ReturnedDate), nullStr(n.ResentDate),
			nullStr(n.DeliveredDate), nullStr(n.ReadDate))
		if err != nil {
			return err
		}
	}
	return nil
}

// CountNotifications returns the number of notification rows for a binnacle.
func (r *Queries) CountNotifications(binnacleID int64) (int, error) {
	var n int
	err := r.q.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE binnacle_id = ?", binnacleID,
	).Scan(&n)
	return n, err
}

// HasAttachment reports whether (binnacle, originalName) is already recorded.
func (r *Queries) HasAttachment(binnacleID int64, originalName string) (bool, error) {
	var n int
	err := r.q.QueryRow(
		"SELECT COUNT(*) FROM file_attachments WHERE binnacle_id = ? AND original_name = ?",
		binnacleID, originalName,
	).Scan(&n)
	return n > 0, err
}

// InsertAttachment records an uploaded binnacle document.
func (r *Queries) InsertAttachment(a model.FileAttachment) error {
	_, err := r.q.Exec(`
		INSERT INTO file_attachments (binnacle_id, original_name, size_bytes, object_key, created_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(binnacle_id, original_name) DO NOTHING
	`, a.BinnacleID, a.OriginalName, a.SizeBytes, a.ObjectKey, a.CreatedAtNs)
	return err
}
