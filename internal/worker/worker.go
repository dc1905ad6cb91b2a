// Package worker processes scrape jobs end to end: drive the Portal through
// a pooled browser page, normalize and diff the extraction, and persist the
// result as one transaction.
package worker

import (
	"context"
	"errors"
	"log"
	"os"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/captcha"
	"github.com/casewatch/casewatch/internal/clock"
	"github.com/casewatch/casewatch/internal/jobstore"
	"github.com/casewatch/casewatch/internal/metrics"
	"github.com/casewatch/casewatch/internal/model"
	"github.com/casewatch/casewatch/internal/objectstore"
	"github.com/casewatch/casewatch/internal/portal"
	"github.com/casewatch/casewatch/internal/repo"
	"github.com/casewatch/casewatch/internal/scrape"
)

// Config wires one Worker.
type Config struct {
	Repo         *repo.DB
	Pool         *browser.Pool
	Submitter    portal.FormSubmitter
	Chain        *captcha.Chain
	Blobs        objectstore.Store
	Clock        *clock.Clock
	ObjectPrefix string
}

// Worker processes one job at a time.
type Worker struct {
	repo         *repo.DB
	pool         *browser.Pool
	submitter    portal.FormSubmitter
	chain        *captcha.Chain
	blobs        objectstore.Store
	clk          *clock.Clock
	objectPrefix string
}

// Outcome summarizes a successful job for the job log.
type Outcome struct {
	BinnaclesFound  int
	ChangesDetected int
}

func New(cfg Config) *Worker {
	return &Worker{
		repo:         cfg.Repo,
		pool:         cfg.Pool,
		submitter:    cfg.Submitter,
		chain:        cfg.Chain,
		blobs:        cfg.Blobs,
		clk:          cfg.Clock,
		objectPrefix: cfg.ObjectPrefix,
	}
}

// extraction pairs one canonical entry with everything persisted alongside it.
type extraction struct {
	canonical     scrape.CanonicalBinnacle
	raw           portal.RawBinnacle
	notifications []model.Notification
	fileURL       string
}

// Process runs one job to success or classified failure. The browser page
// is released on every control-flow path, panics included; a panic marks
// the session fatal so the pool recycles it.
func (w *Worker) Process(ctx context.Context, job *jobstore.Job) (out Outcome, err error) {
	session, aerr := w.pool.Acquire(ctx)
	if aerr != nil {
		return out, Classify(aerr)
	}
	defer w.pool.Release(session)
	defer func() {
		if r := recover(); r != nil {
			session.MarkFatal()
			err = failf(KindUnknown, "panic: %v", r)
		}
	}()

	page, perr := session.OpenPage(w.pool.PageConfig())
	if perr != nil {
		return out, fail(KindBrowserCrash, perr)
	}
	defer page.Close()

	out, err = w.scrapeCase(ctx, page, job)
	if err != nil {
		var jerr *JobError
		if errors.As(err, &jerr) && jerr.Kind == KindBrowserCrash {
			session.MarkFatal()
		}
		return out, err
	}
	return out, nil
}

func (w *Worker) scrapeCase(ctx context.Context, page browser.Page, job *jobstore.Job) (Outcome, error) {
	var out Outcome

	partyName, err := w.repo.GetPartyName(job.CaseFileID)
	if err != nil {
		return out, fail(KindRepositoryFailure, err)
	}

	if err := w.submitter.Navigate(ctx, page, w.chain); err != nil {
		return out, Classify(err)
	}
	state, err := w.submitter.Submit(ctx, page, job.CaseNumber, partyName, w.chain)
	if err != nil && state != portal.StateAntibot {
		return out, Classify(err)
	}
	switch state {
	case portal.StateAntibot:
		return out, failf(KindBotDetected, "antibot page persisted after submit retries")
	case portal.StateCaptchaError:
		return out, failf(KindCaptchaFailed, "portal rejected the captcha answer")
	case portal.StateNoResults:
		if err := w.repo.MarkScanInvalid(job.CaseFileID); err != nil {
			return out, fail(KindRepositoryFailure, err)
		}
		return out, failf(KindInvalidCaseNumber, "no results for case number %s", job.CaseNumber)
	}

	if err := w.submitter.OpenDetail(ctx, page); err != nil {
		return out, Classify(err)
	}

	extractions, err := w.extract(page)
	if err != nil {
		return out, err
	}
	out.BinnaclesFound = len(extractions)

	detection, snap, err := w.detect(job.CaseFileID, extractions)
	if err != nil {
		return out, err
	}
	out.ChangesDetected = len(detection.Changes)

	binnacleIDs, err := w.persist(job, extractions, detection, snap)
	if err != nil {
		return out, fail(KindRepositoryFailure, err)
	}

	// Attachments are best effort and run outside the main transaction: a
	// single failed download or upload logs a warning and never fails the
	// job.
	w.storeAttachments(ctx, job.TenantID, extractions, binnacleIDs)

	return out, nil
}

// extract pulls every timeline entry plus its notifications and file link,
// dropping entries that fail the canonical schema.
func (w *Worker) extract(page browser.Page) ([]extraction, error) {
	raws, err := w.submitter.ExtractBinnacles(page)
	if err != nil {
		return nil, Classify(err)
	}

	var extractions []extraction
	for _, raw := range raws {
		rawNotifs, err := w.submitter.ExtractNotifications(page, raw.Index)
		if err != nil {
			return nil, Classify(err)
		}
		canonical := scrape.Canonicalize(raw, len(rawNotifs))
		if !canonical.Valid() {
			log.Printf("[worker] dropping invalid entry %d: %+v", raw.Index, raw)
			continue
		}

		fileURL := ""
		if url, ok, err := w.submitter.ExtractFileLink(page, raw.Index); err == nil && ok {
			fileURL = url
		}
		extractions = append(extractions, extraction{
			canonical:     canonical,
			raw:           raw,
			notifications: normalizeNotifications(rawNotifs),
			fileURL:       fileURL,
		})
	}

	// A results page with nothing extractable is a broken extraction, not
	// an empty case.
	if len(extractions) == 0 {
		return nil, failf(KindValidationFailed, "results page yielded no valid entries (%d raw)", len(raws))
	}
	return extractions, nil
}

func (w *Worker) detect(caseFileID string, extractions []extraction) (scrape.Detection, *model.Snapshot, error) {
	snap, err := w.repo.GetSnapshot(caseFileID)
	if err != nil {
		return scrape.Detection{}, nil, fail(KindRepositoryFailure, err)
	}
	prevPayload, prevHash := "", ""
	if snap != nil {
		prevPayload, prevHash = snap.CanonicalPayload, snap.ContentHash
	}

	entries := make([]scrape.CanonicalBinnacle, len(extractions))
	for i, e := range extractions {
		entries[i] = e.canonical
	}
	detection, err := scrape.Detect(entries, prevPayload, prevHash)
	if err != nil {
		return detection, snap, failf(KindValidationFailed, "stored snapshot payload unreadable: %v", err)
	}
	return detection, snap, nil
}

// persist commits the scrape result as one unit of work and returns the
// binnacle row IDs keyed by index for the attachment pass.
func (w *Worker) persist(job *jobstore.Job, extractions []extraction, detection scrape.Detection, prev *model.Snapshot) (map[int]int64, error) {
	now := w.clk.Now().UnixNano()
	binnacleIDs := make(map[int]int64, len(extractions))

	// First scrape reports hasChanges but the initial state is not a
	// change: no change-log entries and no pending-changes flag.
	hasChanges := detection.HasChanges && !detection.IsFirstScrape

	next := model.Snapshot{
		CaseFileID:       job.CaseFileID,
		TenantID:         job.TenantID,
		ContentHash:      detection.NewHash,
		BinnacleCount:    len(extractions),
		CanonicalPayload: detection.Payload,
		LastScrapedAtNs:  now,
		ScrapeCount:      1,
	}
	if prev != nil {
		next.ScrapeCount = prev.ScrapeCount + 1
		next.LastChangedAtNs = prev.LastChangedAtNs
		if !detection.HasChanges {
			next.ConsecutiveNoChange = prev.ConsecutiveNoChange + 1
		}
	}
	if hasChanges {
		next.LastChangedAtNs = now
	}

	err := w.repo.WithTx(func(q *repo.Queries) error {
		for _, e := range extractions {
			id, err := q.UpsertBinnacle(w.toBinnacle(job.CaseFileID, e, now))
			if err != nil {
				return err
			}
			binnacleIDs[e.canonical.Index] = id
			if err := q.InsertNotifications(id, e.notifications); err != nil {
				return err
			}
		}

		if err := q.UpsertSnapshot(next); err != nil {
			return err
		}

		if hasChanges {
			entries := make([]model.ChangeLogEntry, len(detection.Changes))
			for i, c := range detection.Changes {
				entries[i] = model.ChangeLogEntry{
					CaseFileID:   job.CaseFileID,
					TenantID:     job.TenantID,
					ChangeType:   c.Type,
					FieldName:    c.FieldName,
					OldValue:     c.OldValue,
					NewValue:     c.NewValue,
					DetectedAtNs: now,
				}
			}
			if err := q.InsertChangeLogEntries(entries); err != nil {
				return err
			}
		}

		return q.UpdateAfterScrape(job.CaseFileID, now, hasChanges)
	})
	if err != nil {
		return nil, err
	}

	if hasChanges {
		metrics.Add("changes_detected", int64(len(detection.Changes)))
	}
	return binnacleIDs, nil
}

func (w *Worker) toBinnacle(caseFileID string, e extraction, now int64) model.Binnacle {
	typeTag := model.BinnacleWrit
	if e.raw.Type == string(model.BinnacleResolution) {
		typeTag = model.BinnacleResolution
	}
	return model.Binnacle{
		CaseFileID:       caseFileID,
		Index:            e.canonical.Index,
		ResolutionDate:   e.canonical.ResolutionDate,
		EntryDate:        e.canonical.EntryDate,
		Resolution:       e.canonical.Resolution,
		Acto:             e.canonical.Acto,
		Fojas:            e.canonical.Fojas,
		Folios:           e.canonical.Folios,
		ProvedioDate:     e.canonical.ProvedioDate,
		Sumilla:          e.canonical.Sumilla,
		UserDescription:  e.canonical.UserDescription,
		NotificationType: e.canonical.NotificationType,
		TypeTag:          typeTag,
		ProceduralStage:  scrape.NormalizeString(e.raw.ProceduralStage),
		CreatedAtNs:      now,
		UpdatedAtNs:      now,
	}
}

func normalizeNotifications(raws []portal.RawNotification) []model.Notification {
	out := make([]model.Notification, 0, len(raws))
	for _, r := range raws {
		code := scrape.NormalizeString(r.Code)
		if code == nil {
			continue
		}
		out = append(out, model.Notification{
			Code:           *code,
			Addressee:      scrape.NormalizeString(r.Addressee),
			ShipDate:       scrape.NormalizeDate(r.ShipDate),
			Attachments:    scrape.NormalizeString(r.Attachments),
			DeliveryMethod: scrape.NormalizeString(r.DeliveryMethod),
			SentDate:       scrape.NormalizeDate(r.SentDate),
			ReceivedDate:   scrape.NormalizeDate(r.ReceivedDate),
			ReturnedDate:   scrape.NormalizeDate(r.ReturnedDate),
			ResentDate:     scrape.NormalizeDate(r.ResentDate),
			DeliveredDate:  scrape.NormalizeDate(r.DeliveredDate),
			ReadDate:       scrape.NormalizeDate(r.ReadDate),
		})
	}
	return out
}

// storeAttachments downloads and uploads new attachment files. Every
// failure here is a warning: attachments never fail the job.
func (w *Worker) storeAttachments(ctx context.Context, tenantID string, extractions []extraction, binnacleIDs map[int]int64) {
	for _, e := range extractions {
		if e.fileURL == "" {
			continue
		}
		binnacleID, ok := binnacleIDs[e.canonical.Index]
		if !ok {
			continue
		}

		// Skip the download entirely when this file is already recorded.
		exists, err := w.repo.HasAttachment(binnacleID, portal.AttachmentName(e.fileURL))
		if err != nil || exists {
			continue
		}

		tempPath, name, ok := w.submitter.DownloadFile(ctx, e.fileURL)
		if !ok {
			metrics.Inc("attachment_download_failures")
			continue
		}

		if err := w.uploadAttachment(ctx, tenantID, binnacleID, tempPath, name); err != nil {
			log.Printf("[worker] attachment %s for binnacle %d: %v", name, binnacleID, err)
			metrics.Inc("attachment_upload_failures")
		}
		os.Remove(tempPath)
	}
}

func (w *Worker) uploadAttachment(ctx context.Context, tenantID string, binnacleID int64, tempPath, name string) error {
	f, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	key := objectstore.AttachmentKey(w.objectPrefix, tenantID, name)
	if err := w.blobs.Put(ctx, key, f); err != nil {
		return err
	}
	return w.repo.InsertAttachment(model.FileAttachment{
		BinnacleID:   binnacleID,
		OriginalName: name,
		SizeBytes:    info.Size(),
		ObjectKey:    key,
		CreatedAtNs:  w.clk.Now().UnixNano(),
	})
}
