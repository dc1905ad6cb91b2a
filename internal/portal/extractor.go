package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/captcha"
	"github.com/casewatch/casewatch/internal/netutil"
)

// Extractor is the live-Portal FormSubmitter.
type Extractor struct {
	BaseURL    string
	Selectors  Selectors
	Downloader netutil.Downloader
	TempDir    string
	// NavRetries is how many times Navigate re-tries a failed load.
	NavRetries int
	// SubmitRetries bounds the interposed-antibot loop.
	SubmitRetries int
	// OutcomeTimeout bounds the wait for a classifiable page after submit.
	OutcomeTimeout time.Duration
}

func NewExtractor(baseURL, tempDir string, downloader netutil.Downloader) *Extractor {
	return &Extractor{
		BaseURL:        baseURL,
		Selectors:      DefaultSelectors(),
		Downloader:     downloader,
		TempDir:        tempDir,
		NavRetries:     2,
		SubmitRetries:  2,
		OutcomeTimeout: 30 * time.Second,
	}
}

// Navigate loads the search form, clearing an interposed antibot page if one
// shows up. Gives up with ErrPortalUnreachable after the retry budget.
func (e *Extractor) Navigate(ctx context.Context, page browser.Page, chain *captcha.Chain) error {
	var lastErr error
	for attempt := 0; attempt <= e.NavRetries; attempt++ {
		if err := page.Navigate(ctx, e.BaseURL); err != nil {
			lastErr = err
			continue
		}
		if ok, _ := page.Exists(e.Selectors.Antibot); ok {
			if _, err := chain.Solve(ctx, page); err != nil {
				lastErr = err
				continue
			}
			continue // re-navigate after clearing the interstitial
		}
		if err := page.WaitVisible(ctx, e.Selectors.Form); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPortalUnreachable, lastErr)
}

// Submit fills the form, clears the CAPTCHA, clicks search, and classifies
// the resulting page. An antibot interposition is retried up to
// SubmitRetries times; if it persists the antibot state is returned.
func (e *Extractor) Submit(ctx context.Context, page browser.Page, caseNumber, partyName string, chain *captcha.Chain) (PageState, error) {
	for attempt := 0; ; attempt++ {
		if err := page.Fill(e.Selectors.CaseNumber, caseNumber); err != nil {
			return StateAntibot, fmt.Errorf("portal: fill case number: %w", err)
		}
		if partyName != "" {
			if err := page.Fill(e.Selectors.PartyName, partyName); err != nil {
				return StateAntibot, fmt.Errorf("portal: fill party name: %w", err)
			}
		}
		if _, err := chain.Solve(ctx, page); err != nil {
			return StateCaptchaError, err
		}
		if err := page.Click(e.Selectors.SubmitButton); err != nil {
			return StateAntibot, fmt.Errorf("portal: click submit: %w", err)
		}

		state, err := e.waitOutcome(ctx, page)
		if err != nil {
			return state, err
		}
		if state != StateAntibot {
			return state, nil
		}
		if attempt >= e.SubmitRetries {
			return StateAntibot, nil
		}
		log.Printf("[portal] antibot interposed after submit, retry %d/%d", attempt+1, e.SubmitRetries)
		if _, err := chain.Solve(ctx, page); err != nil {
			return StateAntibot, nil
		}
		if err := e.Navigate(ctx, page, chain); err != nil {
			return StateAntibot, err
		}
	}
}

// waitOutcome polls for one of the four terminal page states.
func (e *Extractor) waitOutcome(ctx context.Context, page browser.Page) (PageState, error) {
	deadline := time.Now().Add(e.OutcomeTimeout)
	checks := []struct {
		selector string
		state    PageState
	}{
		{e.Selectors.Results, StateResults},
		{e.Selectors.NoResults, StateNoResults},
		{e.Selectors.CaptchaError, StateCaptchaError},
		{e.Selectors.Antibot, StateAntibot},
	}
	for {
		for _, c := range checks {
			ok, err := page.Exists(c.selector)
			if err != nil {
				return StateAntibot, fmt.Errorf("portal: classify page: %w", err)
			}
			if ok {
				return c.state, nil
			}
		}
		if time.Now().After(deadline) {
			return StateAntibot, fmt.Errorf("portal: no classifiable state within %s", e.OutcomeTimeout)
		}
		select {
		case <-ctx.Done():
			return StateAntibot, ctx.Err()
		case <-time.After(outcomePollInterval):
		}
	}
}

// OpenDetail clicks through from the results list to the detail view.
func (e *Extractor) OpenDetail(ctx context.Context, page browser.Page) error {
	if err := page.Click(e.Selectors.DetailButton); err != nil {
		return fmt.Errorf("portal: open detail: %w", err)
	}
	if err := page.WaitVisible(ctx, e.Selectors.DetailLoaded); err != nil {
		return fmt.Errorf("portal: detail view: %w", err)
	}
	return nil
}

// binnaclesScript walks the detail view timeline and serializes each entry.
// Extraction happens in-page so one Eval round trip covers the whole list.
const binnaclesScript = `
JSON.stringify(Array.from(document.querySelectorAll('#divDetalle .entrada')).map((el, i) => {
	const cell = cls => {
		const n = el.querySelector('.' + cls);
		return n ? n.textContent : '';
	};
	return {
		index: i + 1,
		resolutionDate: cell('fechaResolucion'),
		entryDate: cell('fechaIngreso'),
		resolution: cell('resolucion'),
		acto: cell('acto'),
		fojas: cell('fojas'),
		folios: cell('folios'),
		provedioDate: cell('fechaProveido'),
		sumilla: cell('sumilla'),
		userDescription: cell('descripcionUsuario'),
		notificationType: cell('tipoNotificacion'),
		type: el.querySelector('.resolucion') ? 'RESOLUTION' : 'WRIT',
		proceduralStage: cell('etapaProcesal'),
	};
}))`

// ExtractBinnacles returns the timeline entries in Portal order.
func (e *Extractor) ExtractBinnacles(page browser.Page) ([]RawBinnacle, error) {
	out, err := page.Eval(binnaclesScript)
	if err != nil {
		return nil, fmt.Errorf("portal: extract binnacles: %w", err)
	}
	var entries []RawBinnacle
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, fmt.Errorf("portal: decode binnacles: %w", err)
	}
	return entries, nil
}

const notificationsScriptFmt = `
JSON.stringify(Array.from(document.querySelectorAll(
	'#divDetalle .entrada:nth-of-type(%d) .notificacion')).map(el => {
	const cell = cls => {
		const n = el.querySelector('.' + cls);
		return n ? n.textContent : '';
	};
	return {
		code: cell('codigo'),
		addressee: cell('destinatario'),
		shipDate: cell('fechaEnvio'),
		attachments: cell('anexos'),
		deliveryMethod: cell('formaEntrega'),
		sentDate: cell('fechaRemision'),
		receivedDate: cell('fechaRecepcion'),
		returnedDate: cell('fechaDevolucion'),
		resentDate: cell('fechaReenvio'),
		deliveredDate: cell('fechaEntrega'),
		readDate: cell('fechaLectura'),
	};
}))`

// ExtractNotifications returns the delivery records of one timeline entry.
func (e *Extractor) ExtractNotifications(page browser.Page, binnacleIndex int) ([]RawNotification, error) {
	out, err := page.Eval(fmt.Sprintf(notificationsScriptFmt, binnacleIndex))
	if err != nil {
		return nil, fmt.Errorf("portal: extract notifications: %w", err)
	}
	var records []RawNotification
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		return nil, fmt.Errorf("portal: decode notifications: %w", err)
	}
	return records, nil
}

const fileLinkScriptFmt = `(() => {
	const a = document.querySelector('#divDetalle .entrada:nth-of-type(%d) a.descarga');
	return a ? a.href : '';
})()`

// ExtractFileLink returns the attachment URL of one entry, if present.
func (e *Extractor) ExtractFileLink(page browser.Page, binnacleIndex int) (string, bool, error) {
	out, err := page.Eval(fmt.Sprintf(fileLinkScriptFmt, binnacleIndex))
	if err != nil {
		return "", false, fmt.Errorf("portal: extract file link: %w", err)
	}
	return out, out != "", nil
}

// DownloadFile fetches an attachment into TempDir. Any failure, including
// HTTP errors, is logged and reported as ok=false; attachments are best
// effort and never fail the job.
func (e *Extractor) DownloadFile(ctx context.Context, rawURL string) (string, string, bool) {
	body, err := e.Downloader.Download(ctx, rawURL)
	if err != nil {
		log.Printf("[portal] download %s: %v", rawURL, err)
		return "", "", false
	}

	name := AttachmentName(rawURL)
	f, err := os.CreateTemp(e.TempDir, "attachment-*"+path.Ext(name))
	if err != nil {
		log.Printf("[portal] temp file for %s: %v", rawURL, err)
		return "", "", false
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(f.Name())
		log.Printf("[portal] write %s: %v", f.Name(), err)
		return "", "", false
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", "", false
	}
	return f.Name(), name, true
}

// AttachmentName derives the original filename from a download URL. The
// worker uses it to skip downloads for already-recorded attachments.
func AttachmentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "document.pdf"
	}
	return path.Base(u.Path)
}
