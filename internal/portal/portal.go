// Package portal implements the Extractor side of Portal scraping: form
// navigation and submission, result-page classification, and raw data
// extraction. Everything DOM-specific lives here; the worker only sees the
// FormSubmitter contract and raw records.
package portal

import (
	"context"
	"errors"
	"time"

	"github.com/casewatch/casewatch/internal/browser"
	"github.com/casewatch/casewatch/internal/captcha"
)

// ErrPortalUnreachable means navigation kept failing past the retry budget.
var ErrPortalUnreachable = errors.New("portal: unreachable")

// PageState classifies the page after a form submission.
type PageState int

const (
	StateResults PageState = iota
	StateNoResults
	StateCaptchaError
	StateAntibot
)

func (s PageState) String() string {
	switch s {
	case StateResults:
		return "results"
	case StateNoResults:
		return "no-results"
	case StateCaptchaError:
		return "captcha-error"
	case StateAntibot:
		return "antibot"
	}
	return "unknown"
}

// RawBinnacle is one timeline entry exactly as extracted, all fields as
// strings. Index is 1-based in Portal order.
type RawBinnacle struct {
	Index            int    `json:"index"`
	ResolutionDate   string `json:"resolutionDate"`
	EntryDate        string `json:"entryDate"`
	Resolution       string `json:"resolution"`
	Acto             string `json:"acto"`
	Fojas            string `json:"fojas"`
	Folios           string `json:"folios"`
	ProvedioDate     string `json:"provedioDate"`
	Sumilla          string `json:"sumilla"`
	UserDescription  string `json:"userDescription"`
	NotificationType string `json:"notificationType"`
	Type             string `json:"type"`
	ProceduralStage  string `json:"proceduralStage"`
}

// RawNotification is one delivery record as extracted.
type RawNotification struct {
	Code           string `json:"code"`
	Addressee      string `json:"addressee"`
	ShipDate       string `json:"shipDate"`
	Attachments    string `json:"attachments"`
	DeliveryMethod string `json:"deliveryMethod"`
	SentDate       string `json:"sentDate"`
	ReceivedDate   string `json:"receivedDate"`
	ReturnedDate   string `json:"returnedDate"`
	ResentDate     string `json:"resentDate"`
	DeliveredDate  string `json:"deliveredDate"`
	ReadDate       string `json:"readDate"`
}

// FormSubmitter is the contract the worker drives. The concrete Extractor
// implements it against the live Portal; tests use fakes.
type FormSubmitter interface {
	// Navigate leaves the page on the search form view.
	Navigate(ctx context.Context, page browser.Page, chain *captcha.Chain) error
	// Submit enters the case data, clears the CAPTCHA, submits, and
	// classifies the outcome. Handles interposed antibot pages with a
	// bounded retry loop.
	Submit(ctx context.Context, page browser.Page, caseNumber, partyName string, chain *captcha.Chain) (PageState, error)
	// OpenDetail navigates from the results list into the detail view.
	OpenDetail(ctx context.Context, page browser.Page) error
	// ExtractBinnacles returns the timeline entries, 1-based index.
	ExtractBinnacles(page browser.Page) ([]RawBinnacle, error)
	// ExtractNotifications returns the delivery records of one entry.
	ExtractNotifications(page browser.Page, binnacleIndex int) ([]RawNotification, error)
	// ExtractFileLink returns the entry's attachment URL, if any.
	ExtractFileLink(page browser.Page, binnacleIndex int) (string, bool, error)
	// DownloadFile fetches an attachment to a temp file. Never fails the
	// job: any error returns ok=false.
	DownloadFile(ctx context.Context, url string) (path string, name string, ok bool)
}

// Selectors identifies the Portal DOM elements the extractor touches.
type Selectors struct {
	Form         string
	CaseNumber   string
	PartyName    string
	SubmitButton string
	Results      string
	NoResults    string
	CaptchaError string
	Antibot      string
	DetailButton string
	DetailLoaded string
}

// DefaultSelectors returns the current Portal markup contract.
func DefaultSelectors() Selectors {
	return Selectors{
		Form:         "#frmBusqueda",
		CaseNumber:   "#nroExpediente",
		PartyName:    "#nomParte",
		SubmitButton: "#btnBuscar",
		Results:      "#divResultados .resultado",
		NoResults:    "#mensajeNoResultados",
		CaptchaError: "#mensajeCodigoIncorrecto",
		Antibot:      "#interstitial-challenge",
		DetailButton: "#divResultados .resultado a.detalle",
		DetailLoaded: "#divDetalle",
	}
}

// outcomePollInterval is how often Submit re-checks the page for one of the
// four terminal states.
const outcomePollInterval = 250 * time.Millisecond
