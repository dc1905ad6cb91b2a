package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// ChromeConfig configures the Chrome launcher.
type ChromeConfig struct {
	// ExecPath is the Chrome binary. Empty means search the usual names.
	ExecPath string
	// TempDir hosts per-session user data dirs.
	TempDir   string
	ExtraArgs []string
}

// ChromeLauncher starts headless Chrome processes and drives them over the
// DevTools protocol.
type ChromeLauncher struct {
	cfg ChromeConfig
}

func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg}
}

var chromeNames = []string{
	"google-chrome", "google-chrome-stable", "chromium", "chromium-browser",
}

func findChrome(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, name := range chromeNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("browser: no chrome binary found, set the exec path")
}

const devToolsStartTimeout = 20 * time.Second

func (l *ChromeLauncher) Launch() (Browser, error) {
	execPath, err := findChrome(l.cfg.ExecPath)
	if err != nil {
		return nil, err
	}
	dataDir, err := os.MkdirTemp(l.cfg.TempDir, "casewatch-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("browser: user data dir: %w", err)
	}

	args := append([]string{
		"--headless=new",
		"--disable-gpu",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-blink-features=AutomationControlled",
		"--remote-debugging-port=0",
		"--user-data-dir=" + dataDir,
		"--lang=es-PE",
		"--window-size=1366,768",
	}, l.cfg.ExtraArgs...)

	cmd := exec.Command(execPath, args...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return nil, fmt.Errorf("browser: start chrome: %w", err)
	}

	port, err := waitDevToolsPort(filepath.Join(dataDir, "DevToolsActivePort"), devToolsStartTimeout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(dataDir)
		return nil, err
	}
	return &chromeBrowser{cmd: cmd, dataDir: dataDir, port: port}, nil
}

// waitDevToolsPort polls Chrome's DevToolsActivePort file. Chrome writes it
// once the debugging endpoint is up; the first line is the port.
func waitDevToolsPort(path string, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if data, err := os.ReadFile(path); err == nil {
			if port, err := parseDevToolsPort(data); err == nil {
				return port, nil
			}
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("browser: devtools endpoint not ready within %s", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func parseDevToolsPort(data []byte) (int, error) {
	line, _, _ := strings.Cut(string(data), "\n")
	port, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("browser: malformed DevToolsActivePort %q", line)
	}
	return port, nil
}

type chromeBrowser struct {
	cmd     *exec.Cmd
	dataDir string
	port    int
}

// devToolsTarget is one entry of the /json HTTP endpoint.
type devToolsTarget struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (b *chromeBrowser) NewPage(cfg PageConfig) (Page, error) {
	// PUT /json/new opens a fresh target (GET on older builds; Chrome
	// accepts both until 111, PUT after).
	url := fmt.Sprintf("http://127.0.0.1:%d/json/new?about:blank", b.port)
	req, err := http.NewRequest(http.MethodPut, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: open target: %w", err)
	}
	defer resp.Body.Close()

	var target devToolsTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("browser: decode target: %w", err)
	}

	conn, err := websocket.Dial(target.WebSocketDebuggerURL, "", "http://127.0.0.1")
	if err != nil {
		return nil, fmt.Errorf("browser: attach to target: %w", err)
	}

	p := &chromePage{conn: conn, cfg: cfg, targetID: target.ID, port: b.port}
	if err := p.prepare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (b *chromeBrowser) Close() error {
	err := b.cmd.Process.Kill()
	b.cmd.Wait()
	os.RemoveAll(b.dataDir)
	return err
}

// blockedURLPatterns maps abstract resource types to URL glob patterns for
// Network.setBlockedURLs, which matches URLs rather than resource types.
func blockedURLPatterns(types []string) []string {
	byType := map[string][]string{
		"font":  {"*.woff", "*.woff2", "*.ttf", "*.otf", "*.eot"},
		"media": {"*.mp4", "*.webm", "*.mp3", "*.wav", "*.ogg", "*.avi", "*.m3u8"},
	}
	var patterns []string
	for _, t := range types {
		patterns = append(patterns, byType[t]...)
	}
	return patterns
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"` // set on events
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

// chromePage drives one DevTools page target. Commands are serialized; the
// page is owned by one worker at a time anyway.
type chromePage struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	cfg      PageConfig
	targetID string
	port     int
	nextID   int64
	location string
	closed   bool
}

func (p *chromePage) call(method string, params any) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("browser: page closed")
	}

	p.nextID++
	id := p.nextID
	if err := websocket.JSON.Send(p.conn, cdpRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, fmt.Errorf("browser: %s: %w", method, err)
	}

	p.conn.SetReadDeadline(time.Now().Add(p.cfg.PageTimeout))
	for {
		var resp cdpResponse
		if err := websocket.JSON.Receive(p.conn, &resp); err != nil {
			return nil, fmt.Errorf("browser: %s: %w", method, err)
		}
		if resp.Method != "" || resp.ID != id {
			continue // event or stale response
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("browser: %s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	}
}

func (p *chromePage) prepare() error {
	steps := []struct {
		method string
		params any
	}{
		{"Page.enable", nil},
		{"Network.enable", nil},
		{"Network.setUserAgentOverride", map[string]any{"userAgent": p.cfg.UserAgent}},
	}
	if patterns := blockedURLPatterns(p.cfg.BlockedResources); len(patterns) > 0 {
		steps = append(steps, struct {
			method string
			params any
		}{"Network.setBlockedURLs", map[string]any{"urls": patterns}})
	}
	for _, s := range steps {
		if _, err := p.call(s.method, s.params); err != nil {
			return err
		}
	}
	for _, script := range p.cfg.InitScripts {
		if _, err := p.call("Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": script}); err != nil {
			return err
		}
	}
	return nil
}

// evalResult is the Runtime.evaluate response envelope.
type evalResult struct {
	Result struct {
		Type    string          `json:"type"`
		Subtype string          `json:"subtype"`
		Value   json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

func (p *chromePage) eval(js string) (json.RawMessage, error) {
	raw, err := p.call("Runtime.evaluate", map[string]any{
		"expression":    js,
		"returnByValue": true,
	})
	if err != nil {
		return nil, err
	}
	var res evalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("browser: decode eval result: %w", err)
	}
	if res.ExceptionDetails != nil {
		return nil, fmt.Errorf("browser: page script: %s", res.ExceptionDetails.Text)
	}
	return res.Result.Value, nil
}

func (p *chromePage) evalBool(js string) (bool, error) {
	v, err := p.eval(js)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return false, nil
	}
	return b, nil
}

func (p *chromePage) evalString(js string) (string, error) {
	v, err := p.eval(js)
	if err != nil {
		return "", err
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s, nil
	}
	// Non-string result: hand back its JSON form.
	return string(v), nil
}

const pollInterval = 100 * time.Millisecond

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	if _, err := p.call("Page.navigate", map[string]any{"url": url}); err != nil {
		return err
	}
	p.location = url

	deadline := time.Now().Add(p.cfg.NavigationTimeout)
	for {
		done, err := p.evalBool(`document.readyState === 'complete' || document.readyState === 'interactive'`)
		if err == nil && done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("browser: navigation to %s timed out", url)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	})()`, selector)

	deadline := time.Now().Add(p.cfg.PageTimeout)
	for {
		visible, err := p.evalBool(js)
		if err != nil {
			return err
		}
		if visible {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("browser: %s not visible within %s", selector, p.cfg.PageTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (p *chromePage) Exists(selector string) (bool, error) {
	return p.evalBool(fmt.Sprintf("!!document.querySelector(%q)", selector))
}

func (p *chromePage) Text(selector string) (string, error) {
	return p.evalString(fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		return el ? el.textContent.trim() : '';
	})()`, selector))
}

func (p *chromePage) Fill(selector, value string) error {
	_, err := p.eval(fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error('no element');
		el.value = %q;
		el.dispatchEvent(new Event('input', {bubbles: true}));
		el.dispatchEvent(new Event('change', {bubbles: true}));
	})()`, selector, value))
	if err != nil {
		return fmt.Errorf("browser: fill %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Click(selector string) error {
	_, err := p.eval(fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error('no element');
		el.click();
	})()`, selector))
	if err != nil {
		return fmt.Errorf("browser: click %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Eval(js string) (string, error) {
	return p.evalString(js)
}

// ElementImage re-draws the element through a canvas. Portal captcha images
// are same-origin, so the canvas stays untainted.
func (p *chromePage) ElementImage(selector string) ([]byte, error) {
	data, err := p.evalString(fmt.Sprintf(`(() => {
		const el = document.querySelector(%q);
		if (!el) throw new Error('no element');
		const canvas = document.createElement('canvas');
		canvas.width = el.naturalWidth || el.width;
		canvas.height = el.naturalHeight || el.height;
		canvas.getContext('2d').drawImage(el, 0, 0);
		return canvas.toDataURL('image/png');
	})()`, selector))
	if err != nil {
		return nil, err
	}
	_, b64, ok := strings.Cut(data, ",")
	if !ok {
		return nil, fmt.Errorf("browser: unexpected data URL for %s", selector)
	}
	return base64.StdEncoding.DecodeString(b64)
}

func (p *chromePage) URL() string {
	if href, err := p.evalString("location.href"); err == nil && href != "" {
		return href
	}
	return p.location
}

func (p *chromePage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	url := fmt.Sprintf("http://127.0.0.1:%d/json/close/%s", p.port, p.targetID)
	if resp, err := http.Get(url); err == nil {
		resp.Body.Close()
	}
	return conn.Close()
}
