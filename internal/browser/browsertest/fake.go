// Package browsertest provides in-memory engines and backends for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shehryarbajwa/browserplane/internal/browser"
)

// Titles served by every FakeEngine unless a test overrides them.
var DefaultTitles = map[string]string{
	"https://example.com":  "Example Domain",
	"https://example.com/": "Example Domain",
	"about:blank":          "",
}

type tab struct {
	id    string
	url   string
	stack []string
	pos   int
}

// Engine is a scripted browser.Engine
type Engine struct {
	mu      sync.Mutex
	tabs    []*tab
	current int
	nextTab int
	closed  bool
	dead    bool

	Titles map[string]string
	// Elements maps a selector to the elements it matches on any page.
	Elements map[string][]browser.Element
	// HangReady makes WaitFor block until ctx is done.
	HangReady bool
	// Errors forces a method (by name) to fail with the given error.
	Errors map[string]error

	url string
}

// NewEngine returns an engine with one blank tab.
func NewEngine() *Engine {
	e := &Engine{
		Titles:   make(map[string]string),
		Elements: make(map[string][]browser.Element),
		Errors:   make(map[string]error),
		url:      "ws://fake/devtools/browser",
	}
	for k, v := range DefaultTitles {
		e.Titles[k] = v
	}
	e.tabs = []*tab{e.newTab("about:blank")}
	return e
}

func (e *Engine) newTab(url string) *tab {
	e.nextTab++
	return &tab{id: fmt.Sprintf("TAB-%d", e.nextTab), url: url, stack: []string{url}}
}

// Kill simulates the engine process dying.
func (e *Engine) Kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dead = true
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// check must be called with mu held.
func (e *Engine) check(ctx context.Context, method string) error {
	if e.dead || e.closed {
		return fmt.Errorf("%s: %w", method, net.ErrClosed)
	}
	if err := e.Errors[method]; err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Engine) cur() *tab { return e.tabs[e.current] }

func (e *Engine) Navigate(ctx context.Context, url string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Navigate"); err != nil {
		return err
	}
	t := e.cur()
	t.stack = append(t.stack[:t.pos+1], url)
	t.pos = len(t.stack) - 1
	t.url = url
	return nil
}

func (e *Engine) Back(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Back"); err != nil {
		return err
	}
	t := e.cur()
	if t.pos > 0 {
		t.pos--
		t.url = t.stack[t.pos]
	}
	return nil
}

func (e *Engine) Forward(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Forward"); err != nil {
		return err
	}
	t := e.cur()
	if t.pos < len(t.stack)-1 {
		t.pos++
		t.url = t.stack[t.pos]
	}
	return nil
}

func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(ctx, "Reload")
}

func (e *Engine) Title(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Title"); err != nil {
		return "", err
	}
	return e.Titles[e.cur().url], nil
}

func (e *Engine) URL(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "URL"); err != nil {
		return "", err
	}
	return e.cur().url, nil
}

func (e *Engine) PageSource(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "PageSource"); err != nil {
		return "", err
	}
	return fmt.Sprintf("<html><head><title>%s</title></head><body></body></html>", e.Titles[e.cur().url]), nil
}

func (e *Engine) FindElements(ctx context.Context, by browser.Locator, selector string) ([]browser.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "FindElements"); err != nil {
		return nil, err
	}
	return append([]browser.Element(nil), e.Elements[selector]...), nil
}

func (e *Engine) match(selector string) error {
	if len(e.Elements[selector]) == 0 {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return nil
}

func (e *Engine) Click(ctx context.Context, by browser.Locator, selector string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Click"); err != nil {
		return err
	}
	return e.match(selector)
}

func (e *Engine) Type(ctx context.Context, by browser.Locator, selector, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Type"); err != nil {
		return err
	}
	return e.match(selector)
}

func (e *Engine) WaitFor(ctx context.Context, by browser.Locator, selector string) error {
	e.mu.Lock()
	hang := e.HangReady
	err := e.check(ctx, "WaitFor")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (e *Engine) ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "ExecuteScript"); err != nil {
		return nil, err
	}
	switch strings.TrimSpace(script) {
	case "return document.title":
		return e.Titles[e.cur().url], nil
	case "return arguments.length":
		return float64(len(args)), nil
	case "throw new Error('boom')":
		return nil, errors.New("eval error: boom")
	}
	return nil, nil
}

func (e *Engine) Screenshot(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "Screenshot"); err != nil {
		return nil, err
	}
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

func (e *Engine) NewTab(ctx context.Context, url string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "NewTab"); err != nil {
		return "", err
	}
	if url == "" {
		url = "about:blank"
	}
	t := e.newTab(url)
	e.tabs = append(e.tabs, t)
	e.current = len(e.tabs) - 1
	return t.id, nil
}

func (e *Engine) index(handle string) int {
	for i, t := range e.tabs {
		if t.id == handle {
			return i
		}
	}
	return -1
}

func (e *Engine) SwitchTab(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "SwitchTab"); err != nil {
		return err
	}
	i := e.index(handle)
	if i < 0 {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchTab, handle)
	}
	e.current = i
	return nil
}

func (e *Engine) CloseTab(ctx context.Context, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "CloseTab"); err != nil {
		return err
	}
	if handle == "" {
		handle = e.cur().id
	}
	i := e.index(handle)
	if i < 0 {
		return fmt.Errorf("%w: %s", browser.ErrNoSuchTab, handle)
	}
	if len(e.tabs) == 1 {
		return browser.ErrLastTab
	}
	curID := e.cur().id
	e.tabs = append(e.tabs[:i], e.tabs[i+1:]...)
	if j := e.index(curID); j >= 0 {
		e.current = j
	} else {
		e.current = 0
	}
	return nil
}

func (e *Engine) WindowHandles(ctx context.Context) ([]string, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.check(ctx, "WindowHandles"); err != nil {
		return nil, "", err
	}
	handles := make([]string, 0, len(e.tabs))
	for _, t := range e.tabs {
		handles = append(handles, t.id)
	}
	return handles, e.cur().id, nil
}

func (e *Engine) SetViewport(ctx context.Context, width, height int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check(ctx, "SetViewport")
}

func (e *Engine) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || e.closed {
		return net.ErrClosed
	}
	return ctx.Err()
}

func (e *Engine) ControlURL() string { return e.url }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Backend is a browser.Backend that hands out Engines and counts live
// processes, so tests can check that every start is matched by a stop.
type Backend struct {
	name string

	live    atomic.Int64
	started atomic.Int64

	mu      sync.Mutex
	engines map[string]*Engine

	// StartErr fails Start before any process exists.
	StartErr error
	// FailAfterStart fails Start after the process exists.
	FailAfterStart error
	// Configure is applied to each new engine before it is handed out.
	Configure func(*Engine)
}

// NewBackend returns a fake backend registered under name.
func NewBackend(name string) *Backend {
	return &Backend{name: name, engines: make(map[string]*Engine)}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Start(ctx context.Context, opts browser.StartOptions) (*browser.Process, error) {
	if b.StartErr != nil {
		return nil, b.StartErr
	}

	e := NewEngine()
	e.url = "ws://fake/" + opts.SessionID
	if b.Configure != nil {
		b.Configure(e)
	}

	b.mu.Lock()
	b.engines[e.url] = e
	b.mu.Unlock()

	b.live.Add(1)
	b.started.Add(1)
	var once sync.Once
	proc := &browser.Process{
		ControlURL: e.url,
		Stop: func(context.Context) error {
			once.Do(func() { b.live.Add(-1) })
			return nil
		},
	}
	if b.FailAfterStart != nil {
		return proc, b.FailAfterStart
	}
	return proc, nil
}

func (b *Backend) Close() error { return nil }

// Connect is a browser.Connector resolving control URLs handed out by Start.
func (b *Backend) Connect(ctx context.Context, controlURL string) (browser.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.engines[controlURL]
	if !ok {
		return nil, fmt.Errorf("no fake engine at %s", controlURL)
	}
	return e, nil
}

// Engine returns the engine handed out for a session.
func (b *Backend) Engine(sessionID string) *Engine {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.engines["ws://fake/"+sessionID]
}

// Live is the number of started processes not yet stopped.
func (b *Backend) Live() int { return int(b.live.Load()) }

// Started is the total number of processes started.
func (b *Backend) Started() int { return int(b.started.Load()) }
