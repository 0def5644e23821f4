// Package command maps named session commands onto engine calls.
package command

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shehryarbajwa/browserplane/internal/browser"
)

var (
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrInvalidParams      = errors.New("invalid command parameters")
)

// Command is one request against a session's engine
type Command struct {
	Type   string                 `json:"type"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Result holds the fields returned by a command. Commands without output
// return an empty, non-nil Result.
type Result map[string]interface{}

type handlerFunc func(ctx context.Context, e browser.Engine, p params) (Result, error)

// Executor dispatches commands by name. It is stateless and safe for
// concurrent use.
type Executor struct {
	handlers map[string]handlerFunc
	aliases  map[string]string
}

// NewExecutor returns an executor with every built-in command registered.
func NewExecutor() *Executor {
	x := &Executor{
		handlers: map[string]handlerFunc{
			"navigate":            navigate,
			"get-title":           getTitle,
			"get-url":             getURL,
			"get-page-source":     getPageSource,
			"find-element":        findElement,
			"find-elements":       findElements,
			"click":               click,
			"type":                typeText,
			"wait-for":            waitFor,
			"execute-script":      executeScript,
			"screenshot":          screenshot,
			"new-tab":             newTab,
			"switch-tab":          switchTab,
			"close-tab":           closeTab,
			"list-window-handles": listWindowHandles,
			"back":                back,
			"forward":             forward,
			"reload":              reload,
		},
		aliases: map[string]string{
			"get":         "navigate",
			"current-url": "get-url",
			"send-keys":   "type",
		},
	}
	return x
}

// Canonical resolves aliases. ok is false for unknown names.
func (x *Executor) Canonical(name string) (string, bool) {
	if target, ok := x.aliases[name]; ok {
		name = target
	}
	_, ok := x.handlers[name]
	return name, ok
}

// Names lists the canonical command names.
func (x *Executor) Names() []string {
	names := make([]string, 0, len(x.handlers))
	for name := range x.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs cmd against e. It blocks until the engine answers or ctx is
// done.
func (x *Executor) Dispatch(ctx context.Context, e browser.Engine, cmd Command) (Result, error) {
	name, ok := x.Canonical(cmd.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Type)
	}

	res, err := x.handlers[name](ctx, e, params(cmd.Params))
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = Result{}
	}
	return res, nil
}
