// Package browser manages headless browser sessions for Portal scraping:
// a bounded pool of long-lived sessions, per-session page budgets, and
// anti-detection page preparation.
package browser

import (
	"context"
	"time"
)

// Page is one open browser tab. Implementations wrap a real automation
// engine; tests use fakes.
type Page interface {
	// Navigate loads a URL and waits for the navigation to settle.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until the selector matches a visible element or the
	// page timeout elapses.
	WaitVisible(ctx context.Context, selector string) error
	// Exists reports whether the selector currently matches anything.
	Exists(selector string) (bool, error)
	// Text returns the trimmed text content of the first match.
	Text(selector string) (string, error)
	// Fill types a value into the first matching input.
	Fill(selector, value string) error
	// Click clicks the first matching element.
	Click(selector string) error
	// Eval runs a JavaScript expression in the page and returns its result
	// serialized as a string (objects come back as JSON).
	Eval(js string) (string, error)
	// ElementImage returns a PNG capture of the first matching element.
	ElementImage(selector string) ([]byte, error)
	// URL returns the page's current location.
	URL() string
	// Close closes the tab.
	Close() error
}

// Browser is one running browser process.
type Browser interface {
	// NewPage opens a tab prepared per cfg.
	NewPage(cfg PageConfig) (Page, error)
	Close() error
}

// Launcher starts browser processes. The pool calls it whenever it needs a
// fresh session.
type Launcher interface {
	Launch() (Browser, error)
}

// PageConfig is applied to every new page before it is handed out.
type PageConfig struct {
	PageTimeout       time.Duration
	NavigationTimeout time.Duration
	UserAgent         string
	// BlockedResources lists resource types to abort (bandwidth control).
	// Images, scripts and stylesheets must stay unblocked: the Portal's
	// captcha image has to load for the image strategy to see it.
	BlockedResources []string
	// InitScripts run in every new document before page scripts.
	InitScripts []string
}
