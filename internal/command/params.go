package command

import (
	"fmt"
	"math"
	"time"

	"github.com/shehryarbajwa/browserplane/internal/browser"
)

// maxWait caps caller-supplied timeouts. The command deadline set by the
// session manager is usually shorter still.
const maxWait = time.Hour

// params wraps the decoded JSON params of a command.
type params map[string]interface{}

func (p params) invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

func (p params) requireString(name string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", p.invalid("%s is required", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", p.invalid("%s must be a string", name)
	}
	if s == "" {
		return "", p.invalid("%s must not be empty", name)
	}
	return s, nil
}

func (p params) optionalString(name string) (string, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", p.invalid("%s must be a string", name)
	}
	return s, nil
}

// optionalSeconds reads a positive number of seconds. Zero means unset.
func (p params) optionalSeconds(name string) (time.Duration, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return 0, nil
	}

	var secs float64
	switch n := v.(type) {
	case float64:
		secs = n
	case int:
		secs = float64(n)
	default:
		return 0, p.invalid("%s must be a number of seconds", name)
	}
	if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, p.invalid("%s must be positive", name)
	}
	if secs >= maxWait.Seconds() {
		return maxWait, nil
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (p params) optionalList(name string) ([]interface{}, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, p.invalid("%s must be an array", name)
	}
	return list, nil
}

// target reads the selector and locator strategy shared by element commands.
func (p params) target() (browser.Locator, string, error) {
	selector, err := p.requireString("selector")
	if err != nil {
		return "", "", err
	}
	by, err := p.optionalString("by")
	if err != nil {
		return "", "", err
	}
	loc, ok := browser.ParseLocator(by)
	if !ok {
		return "", "", p.invalid("by must be css or xpath, got %q", by)
	}
	return loc, selector, nil
}
