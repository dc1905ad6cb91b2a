package repo_test

import (
	"errors"
	"testing"

	"github.com/casewatch/casewatch/internal/model"
	"github.com/casewatch/casewatch/internal/repo"
	"github.com/casewatch/casewatch/internal/testutil"
)

func newTestRepo(t *testing.T) *repo.DB {
	t.Helper()
	db, err := repo.New(testutil.OpenCoreDB(t))
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	return db
}

func seed(t *testing.T, db *repo.DB) {
	t.Helper()
	if err := db.UpsertTenant(model.Tenant{ID: "t1", Name: "Estudio Uno", ScrapeEnabled: true}); err != nil {
		t.Fatalf("tenant: %v", err)
	}
	err := db.UpsertCaseFile(model.CaseFile{
		ID: "cf1", TenantID: "t1", CaseNumber: "00123-2024",
		PartyName: "PEREZ", ScrapeEnabled: true, ScanValid: true,
		CreatedAtNs: 1000,
	})
	if err != nil {
		t.Fatalf("case file: %v", err)
	}
}

func strp(s string) *string { return &s }

func TestCaseFileEligibility(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)
	add := func(id string, enabled, valid, archived bool) {
		t.Helper()
		err := db.UpsertCaseFile(model.CaseFile{
			ID: id, TenantID: "t1", CaseNumber: id, PartyName: "X",
			ScrapeEnabled: enabled, ScanValid: valid, Archived: archived,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	add("cf-disabled", false, true, false)
	add("cf-invalid", true, false, false)
	add("cf-archived", true, true, true)

	list, err := db.ListEligibleCaseFiles("t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "cf1" {
		t.Fatalf("eligible = %+v", list)
	}
}

func TestMarkScanInvalid(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	if err := db.MarkScanInvalid("cf1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	cf, _ := db.GetCaseFile("cf1")
	if cf.ScanValid {
		t.Fatalf("still valid")
	}
	if list, _ := db.ListEligibleCaseFiles("t1"); len(list) != 0 {
		t.Fatalf("invalid case still eligible")
	}
}

func TestSnapshotUpsertIsUniquePerCaseFile(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	first := model.Snapshot{
		CaseFileID: "cf1", TenantID: "t1", ContentHash: "aa",
		BinnacleCount: 1, CanonicalPayload: "[1]", ScrapeCount: 1,
	}
	if err := db.UpsertSnapshot(first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second := first
	second.ContentHash = "bb"
	second.ScrapeCount = 2
	if err := db.UpsertSnapshot(second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	snap, err := db.GetSnapshot("cf1")
	if err != nil || snap == nil {
		t.Fatalf("get: %v, %v", snap, err)
	}
	if snap.ContentHash != "bb" || snap.ScrapeCount != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if snap, _ := db.GetSnapshot("missing"); snap != nil {
		t.Fatalf("snapshot for unknown case = %+v", snap)
	}
}

func TestGetSnapshotsByCaseFiles(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)
	db.UpsertSnapshot(model.Snapshot{CaseFileID: "cf1", TenantID: "t1", ContentHash: "aa"})

	got, err := db.GetSnapshotsByCaseFiles([]string{"cf1", "cf-missing"})
	if err != nil {
		t.Fatalf("batch get: %v", err)
	}
	if len(got) != 1 || got["cf1"].ContentHash != "aa" {
		t.Fatalf("batch = %+v", got)
	}
}

func TestRecordScrapeError(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	// First failure creates the row.
	if err := db.RecordScrapeError("cf1", "t1", "captcha rejected"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := db.RecordScrapeError("cf1", "t1", "portal down"); err != nil {
		t.Fatalf("record: %v", err)
	}

	snap, _ := db.GetSnapshot("cf1")
	if snap.ErrorCount != 2 || snap.LastError != "portal down" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// A later successful scrape clears the error state.
	db.UpsertSnapshot(model.Snapshot{CaseFileID: "cf1", TenantID: "t1", ContentHash: "aa", ScrapeCount: 1})
	snap, _ = db.GetSnapshot("cf1")
	if snap.ErrorCount != 0 || snap.LastError != "" {
		t.Fatalf("error state survived success: %+v", snap)
	}
}

func TestBinnacleUpsertAndNotifications(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	id1, err := db.UpsertBinnacle(model.Binnacle{
		CaseFileID: "cf1", Index: 1, Acto: strp("NOTIFICACION"), TypeTag: model.BinnacleWrit,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := db.UpsertBinnacle(model.Binnacle{
		CaseFileID: "cf1", Index: 1, Acto: strp("RESOLUCION"), TypeTag: model.BinnacleResolution,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("upsert created a second row: %d != %d", id1, id2)
	}

	bins, _ := db.ListBinnacles("cf1")
	if len(bins) != 1 || *bins[0].Acto != "RESOLUCION" {
		t.Fatalf("binnacles = %+v", bins)
	}

	notifs := []model.Notification{{Code: "n-1"}, {Code: "n-2"}}
	if err := db.InsertNotifications(id1, notifs); err != nil {
		t.Fatalf("notifications: %v", err)
	}
	// Re-reporting the same codes collapses silently.
	if err := db.InsertNotifications(id1, notifs); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if n, _ := db.CountNotifications(id1); n != 2 {
		t.Fatalf("notifications = %d", n)
	}
}

func TestAttachmentDedup(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)
	id, _ := db.UpsertBinnacle(model.Binnacle{CaseFileID: "cf1", Index: 1, TypeTag: model.BinnacleWrit})

	a := model.FileAttachment{BinnacleID: id, OriginalName: "resolucion.pdf", SizeBytes: 10, ObjectKey: "k1"}
	if err := db.InsertAttachment(a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.InsertAttachment(a); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}

	has, err := db.HasAttachment(id, "resolucion.pdf")
	if err != nil || !has {
		t.Fatalf("has = %v, %v", has, err)
	}
	if has, _ := db.HasAttachment(id, "otro.pdf"); has {
		t.Fatalf("unknown name reported present")
	}
}

func TestChangeLogConsumerContract(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	entries := []model.ChangeLogEntry{
		{CaseFileID: "cf1", TenantID: "t1", ChangeType: model.ChangeNewBinnacle, DetectedAtNs: 1},
		{CaseFileID: "cf1", TenantID: "t1", ChangeType: model.ChangeModifiedBinnacle, FieldName: strp("acto"), DetectedAtNs: 2},
	}
	if err := db.InsertChangeLogEntries(entries); err != nil {
		t.Fatalf("insert: %v", err)
	}

	unnotified, err := db.ListUnnotified("t1", 10)
	if err != nil || len(unnotified) != 2 {
		t.Fatalf("unnotified = %+v, %v", unnotified, err)
	}
	if unnotified[0].Notified {
		t.Fatalf("entry born notified")
	}

	if err := db.MarkNotified([]int64{unnotified[0].ID}, 99); err != nil {
		t.Fatalf("mark: %v", err)
	}
	unnotified, _ = db.ListUnnotified("t1", 10)
	if len(unnotified) != 1 || unnotified[0].ChangeType != model.ChangeModifiedBinnacle {
		t.Fatalf("after mark = %+v", unnotified)
	}

	all, _ := db.ListChangeLog("cf1")
	if len(all) != 2 || all[0].NotifiedAtNs != 99 {
		t.Fatalf("change log = %+v", all)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	sentinel := errors.New("boom")
	err := db.WithTx(func(q *repo.Queries) error {
		if _, err := q.UpsertBinnacle(model.Binnacle{CaseFileID: "cf1", Index: 1, TypeTag: model.BinnacleWrit}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}

	if bins, _ := db.ListBinnacles("cf1"); len(bins) != 0 {
		t.Fatalf("write survived rollback: %+v", bins)
	}
}

func TestPartyNameCached(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	name, err := db.GetPartyName("cf1")
	if err != nil || name != "PEREZ" {
		t.Fatalf("party = %q, %v", name, err)
	}

	// The cached value survives a row update until the cache entry expires;
	// callers only need the lookup to be stable within a job.
	if name, _ := db.GetPartyName("cf1"); name != "PEREZ" {
		t.Fatalf("cached party = %q", name)
	}
}

func TestMonitoringSchedules(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)
	db.UpsertTenant(model.Tenant{ID: "t2", Name: "Paused", ScrapeEnabled: false})

	mustInsert := func(s model.NotificationSchedule) {
		t.Helper()
		if _, err := db.InsertSchedule(s); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	mustInsert(model.NotificationSchedule{TenantID: "t1", LogicKey: model.MonitoringLogicKey, Times: []string{"09:00", "17:00"}, Enabled: true})
	mustInsert(model.NotificationSchedule{TenantID: "t1", LogicKey: "email-digest", Times: []string{"08:00"}, Enabled: true})
	mustInsert(model.NotificationSchedule{TenantID: "t1", LogicKey: model.MonitoringLogicKey, Times: []string{"12:00"}, Enabled: false})
	mustInsert(model.NotificationSchedule{TenantID: "t2", LogicKey: model.MonitoringLogicKey, Times: []string{"12:00"}, Enabled: true})

	list, err := db.ListMonitoringSchedules()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("schedules = %+v", list)
	}
	if len(list[0].Times) != 2 || list[0].Times[0] != "09:00" {
		t.Fatalf("times = %v", list[0].Times)
	}
}

func TestJobLogRoundTrip(t *testing.T) {
	db := newTestRepo(t)
	seed(t, db)

	worker := "worker-0"
	if _, err := db.InsertJobLog(model.JobLogEntry{
		CaseFileID: "cf1", TenantID: "t1", JobKind: model.JobMonitor,
		Status: model.JobStarted, Attempt: 1, WorkerID: &worker, StartedAtNs: 100,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	log, err := db.ListJobLog("cf1")
	if err != nil || len(log) != 1 {
		t.Fatalf("log = %+v, %v", log, err)
	}
	e := log[0]
	if e.JobKind != model.JobMonitor || e.Status != model.JobStarted || *e.WorkerID != "worker-0" {
		t.Fatalf("entry = %+v", e)
	}

	if n, err := db.DeleteJobLogBefore(200); err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	if log, _ := db.ListJobLog("cf1"); len(log) != 0 {
		t.Fatalf("log survived prune")
	}
}
