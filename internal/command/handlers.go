package command

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/shehryarbajwa/browserplane/internal/browser"
)

func navigate(ctx context.Context, e browser.Engine, p params) (Result, error) {
	url, err := p.requireString("url")
	if err != nil {
		return nil, err
	}
	if err := e.Navigate(ctx, url); err != nil {
		return nil, err
	}

	current, err := e.URL(ctx)
	if err != nil {
		return nil, err
	}
	title, err := e.Title(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"url": current, "title": title}, nil
}

func getTitle(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	title, err := e.Title(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"title": title}, nil
}

func getURL(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	url, err := e.URL(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"url": url}, nil
}

func getPageSource(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	src, err := e.PageSource(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"source": src}, nil
}

// findElement reports found=false instead of failing when nothing matches.
func findElement(ctx context.Context, e browser.Engine, p params) (Result, error) {
	by, selector, err := p.target()
	if err != nil {
		return nil, err
	}
	els, err := e.FindElements(ctx, by, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return Result{"found": false}, nil
	}
	return Result{"found": true, "text": els[0].Text, "html": els[0].HTML}, nil
}

func findElements(ctx context.Context, e browser.Engine, p params) (Result, error) {
	by, selector, err := p.target()
	if err != nil {
		return nil, err
	}
	els, err := e.FindElements(ctx, by, selector)
	if err != nil {
		return nil, err
	}

	texts := make([]string, 0, len(els))
	for _, el := range els {
		texts = append(texts, el.Text)
	}
	return Result{"count": len(els), "texts": texts}, nil
}

func click(ctx context.Context, e browser.Engine, p params) (Result, error) {
	by, selector, err := p.target()
	if err != nil {
		return nil, err
	}
	return nil, e.Click(ctx, by, selector)
}

func typeText(ctx context.Context, e browser.Engine, p params) (Result, error) {
	by, selector, err := p.target()
	if err != nil {
		return nil, err
	}
	text, ok := p["text"].(string)
	if !ok {
		return nil, p.invalid("text must be a string")
	}
	return nil, e.Type(ctx, by, selector, text)
}

func waitFor(ctx context.Context, e browser.Engine, p params) (Result, error) {
	by, selector, err := p.target()
	if err != nil {
		return nil, err
	}
	timeout, err := p.optionalSeconds("timeout")
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return nil, e.WaitFor(ctx, by, selector)
}

func executeScript(ctx context.Context, e browser.Engine, p params) (Result, error) {
	script, err := p.requireString("script")
	if err != nil {
		return nil, err
	}
	args, err := p.optionalList("args")
	if err != nil {
		return nil, err
	}
	value, err := e.ExecuteScript(ctx, script, args)
	if err != nil {
		return nil, err
	}
	return Result{"value": value}, nil
}

func screenshot(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	png, err := e.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"data": base64.StdEncoding.EncodeToString(png)}, nil
}

func newTab(ctx context.Context, e browser.Engine, p params) (Result, error) {
	url, err := p.optionalString("url")
	if err != nil {
		return nil, err
	}
	handle, err := e.NewTab(ctx, url)
	if err != nil {
		return nil, err
	}
	return Result{"handle": handle}, nil
}

func switchTab(ctx context.Context, e browser.Engine, p params) (Result, error) {
	handle, err := p.requireString("handle")
	if err != nil {
		return nil, err
	}
	return nil, tabError(e.SwitchTab(ctx, handle))
}

func closeTab(ctx context.Context, e browser.Engine, p params) (Result, error) {
	handle, err := p.optionalString("handle")
	if err != nil {
		return nil, err
	}
	return nil, tabError(e.CloseTab(ctx, handle))
}

// tabError reports a bad handle as a caller mistake.
func tabError(err error) error {
	if errors.Is(err, browser.ErrNoSuchTab) || errors.Is(err, browser.ErrLastTab) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return err
}

func listWindowHandles(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	handles, current, err := e.WindowHandles(ctx)
	if err != nil {
		return nil, err
	}
	return Result{"handles": handles, "current": current}, nil
}

func back(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	return nil, e.Back(ctx)
}

func forward(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	return nil, e.Forward(ctx)
}

func reload(ctx context.Context, e browser.Engine, _ params) (Result, error) {
	return nil, e.Reload(ctx)
}
