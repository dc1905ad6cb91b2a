package repo

import (
	"encoding/json"
	"fmt"

	"github.com/casewatch/casewatch/internal/model"
)

// UpsertTenant inserts or updates a tenant by ID.
func (r *Queries) UpsertTenant(t model.Tenant) error {
	_, err := r.q.Exec(`
		INSERT INTO tenants (id, name, scrape_enabled)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name           = excluded.name,
			scrape_enabled = excluded.scrape_enabled
	`, t.ID, t.Name, t.ScrapeEnabled)
	return err
}

// GetTenant loads a tenant by ID.
func (r *Queries) GetTenant(id string) (*model.Tenant, error) {
	row := r.q.QueryRow("SELECT id, name, scrape_enabled FROM tenants WHERE id = ?", id)
	var t model.Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.ScrapeEnabled); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertSchedule adds a notification schedule and returns its ID.
func (r *Queries) InsertSchedule(s model.NotificationSchedule) (int64, error) {
	times, err := json.Marshal(s.Times)
	if err != nil {
		return 0, fmt.Errorf("marshal schedule times: %w", err)
	}
	res, err := r.q.Exec(`
		INSERT INTO notification_schedules (tenant_id, logic_key, times_json, enabled)
		VALUES (?, ?, ?, ?)
	`, s.TenantID, s.LogicKey, string(times), s.Enabled)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMonitoringSchedules returns all enabled portal-monitoring schedules
// whose tenant has scraping enabled. This is the scheduler's entry query.
func (r *Queries) ListMonitoringSchedules() ([]model.NotificationSchedule, error) {
	rows, err := r.q.Query(`
		SELECT s.id, s.tenant_id, s.logic_key, s.times_json, s.enabled
		FROM notification_schedules s
		JOIN tenants t ON t.id = s.tenant_id
		WHERE s.logic_key = ? AND s.enabled = 1 AND t.scrape_enabled = 1
		ORDER BY s.tenant_id, s.id
	`, model.MonitoringLogicKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.NotificationSchedule
	for rows.Next() {
		var s model.NotificationSchedule
		var timesJSON string
		if err := rows.Scan(&s.ID, &s.TenantID, &s.LogicKey, &timesJSON, &s.Enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(timesJSON), &s.Times); err != nil {
			return nil, fmt.Errorf("unmarshal schedule %d times: %w", s.ID, err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}
