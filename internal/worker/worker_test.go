package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/captcha"
	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/model"
	"github.com/casewatch/casewatch/internal/objectstore"
	"github.com/casewatch/casewatch/internal/portal"
	"github.com/casewatch/casewatch/internal/repo"
	"github.com/casewatch/casewatch/internal/testutil"
)

const (
	testTenant = "tenant-1"
	testCaseID = "cf-100"
	testCaseNo = "00123-2024-0-1801-JR-CI-01"
)

var testNow = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

// fakeSubmitter scripts the Portal side of a job.
type fakeSubmitter struct {
	navErr    error
	openErr   error
	state     portal.PageState
	submitErr error

	binnacles    []portal.RawBinnacle
	notifs       map[int][]portal.RawNotification
	fileLinks    map[int]string
	extractPanic bool

	tempDir   string
	downloads int
	failDL    bool
}

func (f *fakeSubmitter) Navigate(context.Context, browser.Page, *captcha.Chain) error {
	return f.navErr
}

func (f *fakeSubmitter) Submit(context.Context, browser.Page, string, string, *captcha.Chain) (portal.PageState, error) {
	return f.state, f.submitErr
}

func (f *fakeSubmitter) OpenDetail(context.Context, browser.Page) error {
	return f.openErr
}

func (f *fakeSubmitter) ExtractBinnacles(browser.Page) ([]portal.RawBinnacle, error) {
	if f.extractPanic {
		panic("tab crashed")
	}
	return f.binnacles, nil
}

func (f *fakeSubmitter) ExtractNotifications(_ browser.Page, idx int) ([]portal.RawNotification, error) {
	return f.notifs[idx], nil
}

func (f *fakeSubmitter) ExtractFileLink(_ browser.Page, idx int) (string, bool, error) {
	url, ok := f.fileLinks[idx]
	return url, ok, nil
}

func (f *fakeSubmitter) DownloadFile(_ context.Context, url string) (string, string, bool) {
	f.downloads++
	if f.failDL {
		return "", "", false
	}
	path := filepath.Join(f.tempDir, "dl.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		return "", "", false
	}
	return path, portal.AttachmentName(url), true
}

type fixture struct {
	repo  *repo.DB
	sub   *fakeSubmitter
	blobs *objectstore.Memory
	w     *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rdb, err := repo.New(testutil.OpenCoreDB(t))
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	sub := &fakeSubmitter{
		state:   portal.StateResults,
		notifs:  map[int][]portal.RawNotification{},
		tempDir: t.TempDir(),
	}
	blobs := objectstore.NewMemory()
	pool := browser.NewPool(browser.PoolConfig{
		Launcher:   &testutil.FakeLauncher{},
		Size:       1,
		MaxPages:   100,
		PageConfig: browser.NewPageConfig(time.Second, time.Second),
	})
	t.Cleanup(pool.Drain)

	w := New(Config{
		Repo:         rdb,
		Pool:         pool,
		Submitter:    sub,
		Chain:        captcha.NewChain(),
		Blobs:        blobs,
		Clock:        clock.NewFixed(testNow),
		ObjectPrefix: "casewatch",
	})
	return &fixture{repo: rdb, sub: sub, blobs: blobs, w: w}
}

func (f *fixture) seedCase(t *testing.T) {
	t.Helper()
	if err := f.repo.UpsertTenant(model.Tenant{ID: testTenant, Name: "Estudio Uno", ScrapeEnabled: true}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	err := f.repo.UpsertCaseFile(model.CaseFile{
		ID:            testCaseID,
		TenantID:      testTenant,
		CaseNumber:    testCaseNo,
		PartyName:     "PEREZ QUISPE",
		ScrapeEnabled: true,
		ScanValid:     true,
		CreatedAtNs:   testNow.Add(-30 * 24 * time.Hour).UnixNano(),
	})
	if err != nil {
		t.Fatalf("seed case file: %v", err)
	}
}

func testJob() *jobstore.Job {
	return &jobstore.Job{
		ID:         1,
		Lane:       jobstore.LaneInitial,
		CaseFileID: testCaseID,
		CaseNumber: testCaseNo,
		TenantID:   testTenant,
		Attempt:    1,
	}
}

// rawEntry builds a valid Portal entry. resolution is an identity field; acto
// is a mutable one.
func rawEntry(index int, resolution, acto string) portal.RawBinnacle {
	return portal.RawBinnacle{
		Index:          index,
		ResolutionDate: "15/03/2026",
		EntryDate:      "16/03/2026 09:30",
		Resolution:     resolution,
		Acto:           acto,
		Fojas:          "12",
		Sumilla:        "TRASLADO DE LA DEMANDA",
		Type:           "RESOLUTION",
	}
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	var jerr *JobError
	if !errors.As(err, &jerr) {
		t.Fatalf("err = %v, want *JobError", err)
	}
	if jerr.Kind != kind {
		t.Fatalf("kind = %s, want %s", jerr.Kind, kind)
	}
}

func TestProcessFirstScrape(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}
	f.sub.notifs[1] = []portal.RawNotification{{Code: "123-2026", Addressee: "PEREZ QUISPE"}}

	out, err := f.w.Process(context.Background(), testJob())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.BinnaclesFound != 1 || out.ChangesDetected != 0 {
		t.Fatalf("outcome = %+v", out)
	}

	snap, err := f.repo.GetSnapshot(testCaseID)
	if err != nil || snap == nil {
		t.Fatalf("snapshot = %v, %v", snap, err)
	}
	if snap.ScrapeCount != 1 || snap.ConsecutiveNoChange != 0 {
		t.Fatalf("scrapeCount = %d, consecutiveNoChange = %d", snap.ScrapeCount, snap.ConsecutiveNoChange)
	}
	if len(snap.ContentHash) != 64 {
		t.Fatalf("content hash = %q", snap.ContentHash)
	}
	if snap.LastChangedAtNs != 0 {
		t.Fatalf("first scrape must not count as a change, lastChangedAtNs = %d", snap.LastChangedAtNs)
	}

	if changes, _ := f.repo.ListChangeLog(testCaseID); len(changes) != 0 {
		t.Fatalf("change log has %d entries after first scrape", len(changes))
	}

	cf, err := f.repo.GetCaseFile(testCaseID)
	if err != nil {
		t.Fatalf("case file: %v", err)
	}
	if !cf.WasScanned || cf.HasPendingChanges {
		t.Fatalf("case file flags = %+v", cf)
	}
	if cf.LastScrapedAtNs != testNow.UnixNano() {
		t.Fatalf("lastScrapedAtNs = %d", cf.LastScrapedAtNs)
	}

	bins, err := f.repo.ListBinnacles(testCaseID)
	if err != nil || len(bins) != 1 {
		t.Fatalf("binnacles = %v, %v", bins, err)
	}
	if bins[0].Acto == nil || *bins[0].Acto != "NOTIFICACION" {
		t.Fatalf("acto = %v", bins[0].Acto)
	}
	if bins[0].EntryDate == nil || *bins[0].EntryDate != "2026-03-16T09:30:00" {
		t.Fatalf("entry date not normalized: %v", bins[0].EntryDate)
	}
	if n, _ := f.repo.CountNotifications(bins[0].ID); n != 1 {
		t.Fatalf("notifications = %d", n)
	}
}

func TestProcessRescrapeNoChange(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}

	for i := 0; i < 2; i++ {
		if _, err := f.w.Process(context.Background(), testJob()); err != nil {
			t.Fatalf("process %d: %v", i+1, err)
		}
	}

	snap, _ := f.repo.GetSnapshot(testCaseID)
	if snap.ScrapeCount != 2 || snap.ConsecutiveNoChange != 1 {
		t.Fatalf("scrapeCount = %d, consecutiveNoChange = %d", snap.ScrapeCount, snap.ConsecutiveNoChange)
	}
	if changes, _ := f.repo.ListChangeLog(testCaseID); len(changes) != 0 {
		t.Fatalf("change log has %d entries", len(changes))
	}
	cf, _ := f.repo.GetCaseFile(testCaseID)
	if cf.HasPendingChanges {
		t.Fatalf("pending changes flagged without a change")
	}
}

func TestProcessModifiedEntry(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}
	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("first scrape: %v", err)
	}

	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "RESOLUCION")}
	out, err := f.w.Process(context.Background(), testJob())
	if err != nil {
		t.Fatalf("second scrape: %v", err)
	}
	if out.ChangesDetected != 1 {
		t.Fatalf("changesDetected = %d", out.ChangesDetected)
	}

	changes, _ := f.repo.ListChangeLog(testCaseID)
	if len(changes) != 1 {
		t.Fatalf("change log = %+v", changes)
	}
	c := changes[0]
	if c.ChangeType != model.ChangeModifiedBinnacle {
		t.Fatalf("change type = %s", c.ChangeType)
	}
	if c.FieldName == nil || *c.FieldName != "acto" {
		t.Fatalf("field = %v", c.FieldName)
	}
	if *c.OldValue != "NOTIFICACION" || *c.NewValue != "RESOLUCION" {
		t.Fatalf("values = %v -> %v", c.OldValue, c.NewValue)
	}
	if c.Notified {
		t.Fatalf("entries must be born unnotified")
	}

	snap, _ := f.repo.GetSnapshot(testCaseID)
	if snap.ConsecutiveNoChange != 0 {
		t.Fatalf("consecutiveNoChange = %d after a change", snap.ConsecutiveNoChange)
	}
	if snap.LastChangedAtNs != testNow.UnixNano() {
		t.Fatalf("lastChangedAtNs = %d", snap.LastChangedAtNs)
	}
	cf, _ := f.repo.GetCaseFile(testCaseID)
	if !cf.HasPendingChanges {
		t.Fatalf("pending changes not flagged")
	}
}

func TestProcessNewAndRemovedEntries(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{
		rawEntry(1, "UNO", "NOTIFICACION"),
		rawEntry(2, "DOS", "DECRETO"),
	}
	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("first scrape: %v", err)
	}

	// DOS is gone, TRES arrives.
	f.sub.binnacles = []portal.RawBinnacle{
		rawEntry(1, "UNO", "NOTIFICACION"),
		rawEntry(2, "TRES", "AUTO ADMISORIO"),
	}
	out, err := f.w.Process(context.Background(), testJob())
	if err != nil {
		t.Fatalf("second scrape: %v", err)
	}
	if out.ChangesDetected != 2 {
		t.Fatalf("changesDetected = %d", out.ChangesDetected)
	}

	changes, _ := f.repo.ListChangeLog(testCaseID)
	if len(changes) != 2 {
		t.Fatalf("change log = %+v", changes)
	}
	if changes[0].ChangeType != model.ChangeNewBinnacle {
		t.Fatalf("first change = %s", changes[0].ChangeType)
	}
	if changes[1].ChangeType != model.ChangeRemovedBinnacle {
		t.Fatalf("second change = %s", changes[1].ChangeType)
	}
}

func TestProcessInvalidCaseNumber(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.state = portal.StateNoResults

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindInvalidCaseNumber)

	var jerr *JobError
	errors.As(err, &jerr)
	if jerr.Kind.Retryable() {
		t.Fatalf("invalid case number must not retry")
	}

	cf, _ := f.repo.GetCaseFile(testCaseID)
	if cf.ScanValid {
		t.Fatalf("scanValid still set")
	}
	if snap, _ := f.repo.GetSnapshot(testCaseID); snap != nil {
		t.Fatalf("snapshot written for invalid case")
	}
}

func TestProcessBotDetected(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.state = portal.StateAntibot

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindBotDetected)
}

func TestProcessCaptchaRejected(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.state = portal.StateCaptchaError

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindCaptchaFailed)
}

func TestProcessPortalUnreachable(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.navErr = portal.ErrPortalUnreachable

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindPortalUnreachable)
}

func TestProcessEmptyResultsFailValidation(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = nil // results page, nothing extractable

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindValidationFailed)

	var jerr *JobError
	errors.As(err, &jerr)
	if jerr.Kind.Retryable() {
		t.Fatalf("validation failures must not retry")
	}
}

func TestProcessDropsInvalidEntries(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{
		rawEntry(1, "UNO", "NOTIFICACION"),
		{Index: 2}, // all-empty row from a broken table
	}

	out, err := f.w.Process(context.Background(), testJob())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.BinnaclesFound != 1 {
		t.Fatalf("binnaclesFound = %d", out.BinnaclesFound)
	}
}

func TestProcessPanicRecovered(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.extractPanic = true

	_, err := f.w.Process(context.Background(), testJob())
	wantKind(t, err, KindUnknown)

	// The pool must still hand out sessions afterwards.
	f.sub.extractPanic = false
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}
	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("process after panic: %v", err)
	}
}

func TestProcessStoresAttachments(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}
	f.sub.fileLinks = map[int]string{1: "https://portal.example/docs/resolucion.pdf"}

	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.sub.downloads != 1 {
		t.Fatalf("downloads = %d", f.sub.downloads)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("stored objects = %d", f.blobs.Len())
	}

	bins, _ := f.repo.ListBinnacles(testCaseID)
	has, err := f.repo.HasAttachment(bins[0].ID, "resolucion.pdf")
	if err != nil || !has {
		t.Fatalf("attachment row = %v, %v", has, err)
	}

	// Re-scrape must not re-download a recorded file.
	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("second process: %v", err)
	}
	if f.sub.downloads != 1 {
		t.Fatalf("downloads after re-scrape = %d", f.sub.downloads)
	}
	if f.blobs.Len() != 1 {
		t.Fatalf("stored objects after re-scrape = %d", f.blobs.Len())
	}
}

func TestProcessAttachmentFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.seedCase(t)
	f.sub.binnacles = []portal.RawBinnacle{rawEntry(1, "UNO", "NOTIFICACION")}
	f.sub.fileLinks = map[int]string{1: "https://portal.example/docs/escrito.pdf"}
	f.sub.failDL = true

	if _, err := f.w.Process(context.Background(), testJob()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if snap, _ := f.repo.GetSnapshot(testCaseID); snap == nil || snap.ScrapeCount != 1 {
		t.Fatalf("scrape result not persisted despite download failure")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"portal unreachable", portal.ErrPortalUnreachable, KindPortalUnreachable},
		{"chain exhausted", captcha.ErrChainExhausted, KindCaptchaFailed},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"passthrough", failf(KindBrowserCrash, "tab gone"), KindBrowserCrash},
		{"unknown", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.want)
			}
		})
	}
}
