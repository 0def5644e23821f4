package browser

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

const closeTimeout = 5 * time.Second

// rodEngine drives one Chrome instance over CDP. The current tab is the
// target of page-level commands.
type rodEngine struct {
	browser    *rod.Browser
	controlURL string

	mu      sync.Mutex
	current *rod.Page
	width   int
	height  int
}

// deadlineDialer applies the dial context's deadline to the connection so
// the websocket handshake and the initial CDP calls are bounded too.
type deadlineDialer struct {
	net.Dialer
	conn net.Conn
}

func (d *deadlineDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	d.conn = conn
	return conn, nil
}

// ConnectRod attaches to the browser behind controlURL and opens (or adopts)
// the first tab. ctx bounds the connect; the connection itself outlives it.
func ConnectRod(ctx context.Context, controlURL string) (Engine, error) {
	dialer := &deadlineDialer{}
	ws := &cdp.WebSocket{Dialer: dialer}
	if err := ws.Connect(ctx, controlURL, nil); err != nil {
		if dialer.conn != nil {
			_ = dialer.conn.Close()
		}
		return nil, fmt.Errorf("connect to %s: %w", controlURL, err)
	}

	b := rod.New().ControlURL("").Client(cdp.New().Start(ws)).NoDefaultDevice()
	if err := b.Connect(); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("attach to %s: %w", controlURL, err)
	}

	e := &rodEngine{browser: b, controlURL: controlURL}
	if err := e.adoptTab(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}

	if err := dialer.conn.SetDeadline(time.Time{}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("clear deadline: %w", err)
	}
	return e, nil
}

// adoptTab keeps the current tab if it still exists, otherwise switches to a
// surviving tab or opens a new one.
func (e *rodEngine) adoptTab(ctx context.Context) error {
	b := e.browser.Context(ctx)
	pages, err := b.Pages()
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	e.mu.Lock()
	cur := e.current
	e.mu.Unlock()
	if cur != nil {
		for _, p := range pages {
			if p.TargetID == cur.TargetID {
				return nil
			}
		}
	}

	page := pages.First()
	if page == nil {
		page, err = b.Page(proto.TargetCreateTarget{})
		if err != nil {
			return fmt.Errorf("create page: %w", err)
		}
	}

	e.mu.Lock()
	if e.current == cur {
		e.current = page
	}
	e.mu.Unlock()
	return nil
}

func (e *rodEngine) page(ctx context.Context) *rod.Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Context(ctx)
}

func (e *rodEngine) Navigate(ctx context.Context, url string) error {
	p := e.page(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load of %s: %w", url, err)
	}
	return nil
}

func (e *rodEngine) Back(ctx context.Context) error {
	return e.page(ctx).NavigateBack()
}

func (e *rodEngine) Forward(ctx context.Context) error {
	return e.page(ctx).NavigateForward()
}

func (e *rodEngine) Reload(ctx context.Context) error {
	return e.page(ctx).Reload()
}

func (e *rodEngine) Title(ctx context.Context) (string, error) {
	res, err := e.page(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

func (e *rodEngine) URL(ctx context.Context) (string, error) {
	res, err := e.page(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.String(), nil
}

func (e *rodEngine) PageSource(ctx context.Context) (string, error) {
	return e.page(ctx).HTML()
}

func (e *rodEngine) FindElements(ctx context.Context, by Locator, selector string) ([]Element, error) {
	p := e.page(ctx)

	var els rod.Elements
	var err error
	if by == ByXPath {
		els, err = p.ElementsX(selector)
	} else {
		els, err = p.Elements(selector)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Element, 0, len(els))
	for _, el := range els {
		text, err := el.Text()
		if err != nil {
			return nil, err
		}
		html, err := el.HTML()
		if err != nil {
			return nil, err
		}
		out = append(out, Element{Text: text, HTML: html})
	}
	return out, nil
}

// first returns the first match without waiting for it to appear.
func (e *rodEngine) first(ctx context.Context, by Locator, selector string) (*rod.Element, error) {
	p := e.page(ctx)

	var found bool
	var el *rod.Element
	var err error
	if by == ByXPath {
		found, el, err = p.HasX(selector)
	} else {
		found, el, err = p.Has(selector)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return el, nil
}

func (e *rodEngine) Click(ctx context.Context, by Locator, selector string) error {
	el, err := e.first(ctx, by, selector)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (e *rodEngine) Type(ctx context.Context, by Locator, selector, text string) error {
	el, err := e.first(ctx, by, selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (e *rodEngine) WaitFor(ctx context.Context, by Locator, selector string) error {
	p := e.page(ctx)
	var err error
	if by == ByXPath {
		_, err = p.ElementX(selector)
	} else {
		_, err = p.Element(selector)
	}
	return err
}

func (e *rodEngine) ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error) {
	opts := rod.Eval(fmt.Sprintf("function() { %s }", script), args...).ByPromise()
	res, err := e.page(ctx).Evaluate(opts)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return scriptValue(res.Value), nil
}

// scriptValue converts a remote object value into plain JSON types.
func scriptValue(v gson.JSON) interface{} {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

func (e *rodEngine) Screenshot(ctx context.Context) ([]byte, error) {
	return e.page(ctx).Screenshot(false, nil)
}

func (e *rodEngine) NewTab(ctx context.Context, url string) (string, error) {
	page, err := e.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	width, height := e.width, e.height
	e.mu.Unlock()
	if width > 0 && height > 0 {
		if err := page.SetViewport(viewport(width, height)); err != nil {
			return "", err
		}
	}

	if url != "" {
		if err := page.Navigate(url); err != nil {
			return "", fmt.Errorf("navigate to %s: %w", url, err)
		}
		if err := page.WaitLoad(); err != nil {
			return "", err
		}
	}

	e.mu.Lock()
	e.current = page
	e.mu.Unlock()
	return string(page.TargetID), nil
}

func (e *rodEngine) findTab(ctx context.Context, handle string) (*rod.Page, rod.Pages, error) {
	pages, err := e.browser.Context(ctx).Pages()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range pages {
		if string(p.TargetID) == handle {
			return p, pages, nil
		}
	}
	return nil, pages, fmt.Errorf("%w: %s", ErrNoSuchTab, handle)
}

func (e *rodEngine) SwitchTab(ctx context.Context, handle string) error {
	page, _, err := e.findTab(ctx, handle)
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Activate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.current = page
	e.mu.Unlock()
	return nil
}

func (e *rodEngine) CloseTab(ctx context.Context, handle string) error {
	e.mu.Lock()
	if handle == "" {
		handle = string(e.current.TargetID)
	}
	e.mu.Unlock()

	page, pages, err := e.findTab(ctx, handle)
	if err != nil {
		return err
	}
	if len(pages) == 1 {
		return ErrLastTab
	}
	if err := page.Context(ctx).Close(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current.TargetID == page.TargetID {
		for _, p := range pages {
			if p.TargetID != page.TargetID {
				e.current = p
				break
			}
		}
	}
	return nil
}

func (e *rodEngine) WindowHandles(ctx context.Context) ([]string, string, error) {
	pages, err := e.browser.Context(ctx).Pages()
	if err != nil {
		return nil, "", err
	}
	handles := make([]string, 0, len(pages))
	for _, p := range pages {
		handles = append(handles, string(p.TargetID))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return handles, string(e.current.TargetID), nil
}

func (e *rodEngine) SetViewport(ctx context.Context, width, height int) error {
	e.mu.Lock()
	e.width, e.height = width, height
	e.mu.Unlock()
	return e.page(ctx).SetViewport(viewport(width, height))
}

// Ping checks the connection and moves off a tab that has gone away.
func (e *rodEngine) Ping(ctx context.Context) error {
	if _, err := e.browser.Context(ctx).Version(); err != nil {
		return err
	}
	return e.adoptTab(ctx)
}

func (e *rodEngine) ControlURL() string {
	return e.controlURL
}

func (e *rodEngine) Close() error {
	return e.browser.Timeout(closeTimeout).Close()
}

func viewport(width, height int) *proto.EmulationSetDeviceMetricsOverride {
	return &proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}
}
