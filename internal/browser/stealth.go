package browser

import "time"

// chromeUserAgent matches the Chrome major version the bundled engine ships
// with. The raw HeadlessChrome UA is an instant antibot tell.
const chromeUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// stealthScript patches the usual headless fingerprints before any page
// script runs: webdriver flag, empty plugins array, languages, and the
// chrome runtime object.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'plugins', {
	get: () => [
		{ name: 'Chrome PDF Plugin' },
		{ name: 'Chrome PDF Viewer' },
		{ name: 'Native Client' },
	],
});
Object.defineProperty(navigator, 'languages', { get: () => ['es-PE', 'es', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`

// NewPageConfig builds the standard page preparation: timeouts, stealth
// patches, and the resource-blocking policy (fonts and media only).
func NewPageConfig(pageTimeout, navigationTimeout time.Duration) PageConfig {
	return PageConfig{
		PageTimeout:       pageTimeout,
		NavigationTimeout: navigationTimeout,
		UserAgent:         chromeUserAgent,
		BlockedResources:  []string{"font", "media"},
		InitScripts:       []string{stealthScript},
	}
}
