package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/casewatch/casewatch/internal/browser"
)

// FakePage is a scriptable Page: selectors resolve against the maps, and the
// hook fields override individual methods when set.
type FakePage struct {
	mu        sync.Mutex
	Location  string
	Texts     map[string]string // selector -> text (presence implies Exists)
	EvalOut   map[string]string // script substring -> result
	Images    map[string][]byte // selector -> PNG bytes
	Filled    map[string]string
	Clicked   []string
	Navigated []string
	Closed    bool

	NavigateErr error
	EvalErr     error
	ExistsFn    func(selector string) bool
}

func NewFakePage() *FakePage {
	return &FakePage{
		Texts:   map[string]string{},
		EvalOut: map[string]string{},
		Images:  map[string][]byte{},
		Filled:  map[string]string{},
	}
}

func (p *FakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.Navigated = append(p.Navigated, url)
	p.Location = url
	return nil
}

func (p *FakePage) WaitVisible(_ context.Context, selector string) error {
	if ok, _ := p.Exists(selector); !ok {
		return context.DeadlineExceeded
	}
	return nil
}

func (p *FakePage) Exists(selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ExistsFn != nil {
		return p.ExistsFn(selector), nil
	}
	_, ok := p.Texts[selector]
	if !ok {
		_, ok = p.Images[selector]
	}
	return ok, nil
}

func (p *FakePage) Text(selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Texts[selector], nil
}

func (p *FakePage) Fill(selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Filled[selector] = value
	return nil
}

func (p *FakePage) Click(selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Clicked = append(p.Clicked, selector)
	return nil
}

func (p *FakePage) Eval(js string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EvalErr != nil {
		return "", p.EvalErr
	}
	for sub, out := range p.EvalOut {
		if strings.Contains(js, sub) {
			return out, nil
		}
	}
	return "", nil
}

func (p *FakePage) ElementImage(selector string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Images[selector], nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Location
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// FakeBrowser counts pages and records Close.
type FakeBrowser struct {
	mu         sync.Mutex
	PagesMade  int
	Closed     bool
	NewPageErr error
	// MakePage, when set, supplies the page returned by NewPage.
	MakePage func() *FakePage
}

func (b *FakeBrowser) NewPage(browser.PageConfig) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	b.PagesMade++
	if b.MakePage != nil {
		return b.MakePage(), nil
	}
	return NewFakePage(), nil
}

func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// FakeLauncher launches FakeBrowsers and keeps them for inspection.
type FakeLauncher struct {
	mu       sync.Mutex
	Browsers []*FakeBrowser
	Err      error
	MakePage func() *FakePage
}

func (l *FakeLauncher) Launch() (browser.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	b := &FakeBrowser{MakePage: l.MakePage}
	l.Browsers = append(l.Browsers, b)
	return b, nil
}

// Launched returns how many browsers have been started.
func (l *FakeLauncher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Browsers)
}
