package browser

import "context"

// Locator selects how a selector string is interpreted
type Locator string

const (
	ByCSS   Locator = "css"
	ByXPath Locator = "xpath"
)

// ParseLocator maps a user-supplied strategy onto a Locator. Empty means CSS.
func ParseLocator(s string) (Locator, bool) {
	switch Locator(s) {
	case "", ByCSS:
		return ByCSS, true
	case ByXPath:
		return ByXPath, true
	}
	return "", false
}

// Element is a snapshot of a matched DOM node
type Element struct {
	Text string `json:"text"`
	HTML string `json:"html"`
}

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/shehryarbajwa/browserplane/internal/browser Engine

// Engine is one running browser-control engine. Every method blocks until the
// browser answers or ctx is done, so callers run them on the worker pool.
type Engine interface {
	Navigate(ctx context.Context, url string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	Title(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	PageSource(ctx context.Context) (string, error)

	FindElements(ctx context.Context, by Locator, selector string) ([]Element, error)
	Click(ctx context.Context, by Locator, selector string) error
	Type(ctx context.Context, by Locator, selector, text string) error
	WaitFor(ctx context.Context, by Locator, selector string) error

	ExecuteScript(ctx context.Context, script string, args []interface{}) (interface{}, error)
	Screenshot(ctx context.Context) ([]byte, error)

	NewTab(ctx context.Context, url string) (string, error)
	SwitchTab(ctx context.Context, handle string) error
	CloseTab(ctx context.Context, handle string) error
	WindowHandles(ctx context.Context) (handles []string, current string, err error)

	SetViewport(ctx context.Context, width, height int) error

	// Ping checks that the channel to the engine is still alive.
	Ping(ctx context.Context) error
	// ControlURL is the CDP websocket endpoint of the engine.
	ControlURL() string
	Close() error
}
