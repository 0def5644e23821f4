package command

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/internal/browser/mocks"
)

func setupMockEngine(t *testing.T) *mocks.MockEngine {
	ctrl := gomock.NewController(t)
	return mocks.NewMockEngine(ctrl)
}

func TestDispatch_Unsupported(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	_, err := x.Dispatch(context.Background(), engine, Command{Type: "unknown-type"})
	assert.ErrorIs(t, err, ErrUnsupportedCommand)
}

func TestDispatch_Navigate(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)
	ctx := context.Background()

	gomock.InOrder(
		engine.EXPECT().Navigate(ctx, "https://example.com").Return(nil),
		engine.EXPECT().URL(ctx).Return("https://example.com/", nil),
		engine.EXPECT().Title(ctx).Return("Example Domain", nil),
	)

	res, err := x.Dispatch(ctx, engine, Command{
		Type:   "get",
		Params: map[string]interface{}{"url": "https://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{"url": "https://example.com/", "title": "Example Domain"}, res)
}

func TestDispatch_NavigateRequiresURL(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	for _, p := range []map[string]interface{}{
		nil,
		{"url": ""},
		{"url": 42.0},
	} {
		_, err := x.Dispatch(context.Background(), engine, Command{Type: "navigate", Params: p})
		assert.ErrorIs(t, err, ErrInvalidParams)
	}
}

func TestDispatch_EngineErrorPassesThrough(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)
	boom := errors.New("net::ERR_NAME_NOT_RESOLVED")

	engine.EXPECT().Navigate(gomock.Any(), "https://nope.invalid").Return(boom)

	_, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "navigate",
		Params: map[string]interface{}{"url": "https://nope.invalid"},
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_SimpleReads(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().Title(gomock.Any()).Return("Example Domain", nil)
	engine.EXPECT().URL(gomock.Any()).Return("https://example.com/", nil)
	engine.EXPECT().PageSource(gomock.Any()).Return("<html></html>", nil)

	res, err := x.Dispatch(context.Background(), engine, Command{Type: "get-title"})
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", res["title"])

	res, err = x.Dispatch(context.Background(), engine, Command{Type: "current-url"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", res["url"])

	res, err = x.Dispatch(context.Background(), engine, Command{Type: "get-page-source"})
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", res["source"])
}

func TestDispatch_FindElement(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().FindElements(gomock.Any(), browser.ByCSS, "h1").
		Return([]browser.Element{{Text: "Example Domain", HTML: "<h1>Example Domain</h1>"}}, nil)
	engine.EXPECT().FindElements(gomock.Any(), browser.ByXPath, "//table").Return(nil, nil)

	res, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "find-element",
		Params: map[string]interface{}{"selector": "h1"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["found"])
	assert.Equal(t, "Example Domain", res["text"])

	res, err = x.Dispatch(context.Background(), engine, Command{
		Type:   "find-element",
		Params: map[string]interface{}{"selector": "//table", "by": "xpath"},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{"found": false}, res)
}

func TestDispatch_FindElementsBadLocator(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	_, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "find-elements",
		Params: map[string]interface{}{"selector": "a", "by": "link-text"},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_FindElements(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().FindElements(gomock.Any(), browser.ByCSS, "p").
		Return([]browser.Element{{Text: "one"}, {Text: "two"}}, nil)

	res, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "find-elements",
		Params: map[string]interface{}{"selector": "p"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res["count"])
	assert.Equal(t, []string{"one", "two"}, res["texts"])
}

func TestDispatch_ClickAndType(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().Click(gomock.Any(), browser.ByCSS, "#submit").Return(nil)
	engine.EXPECT().Type(gomock.Any(), browser.ByCSS, "#q", "rod").Return(nil)

	res, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "click",
		Params: map[string]interface{}{"selector": "#submit"},
	})
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.Empty(t, res)

	_, err = x.Dispatch(context.Background(), engine, Command{
		Type:   "send-keys",
		Params: map[string]interface{}{"selector": "#q", "text": "rod"},
	})
	require.NoError(t, err)

	_, err = x.Dispatch(context.Background(), engine, Command{
		Type:   "type",
		Params: map[string]interface{}{"selector": "#q"},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_WaitForTimeout(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().WaitFor(gomock.Any(), browser.ByCSS, "#late").
		DoAndReturn(func(ctx context.Context, _ browser.Locator, _ string) error {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, time.Second)
			return nil
		})

	_, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "wait-for",
		Params: map[string]interface{}{"selector": "#late", "timeout": 2.0},
	})
	require.NoError(t, err)

	_, err = x.Dispatch(context.Background(), engine, Command{
		Type:   "wait-for",
		Params: map[string]interface{}{"selector": "#late", "timeout": -1.0},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_WaitForHugeTimeoutIsCapped(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().WaitFor(gomock.Any(), browser.ByCSS, "#late").
		DoAndReturn(func(ctx context.Context, _ browser.Locator, _ string) error {
			require.NoError(t, ctx.Err())
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			assert.WithinDuration(t, time.Now().Add(maxWait), deadline, time.Second)
			return nil
		}).Times(2)

	for _, timeout := range []interface{}{1e300, 3600 * 24 * 365 * 1000} {
		_, err := x.Dispatch(context.Background(), engine, Command{
			Type:   "wait-for",
			Params: map[string]interface{}{"selector": "#late", "timeout": timeout},
		})
		require.NoError(t, err)
	}
}

func TestDispatch_ExecuteScript(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	args := []interface{}{"a", 1.0}
	engine.EXPECT().ExecuteScript(gomock.Any(), "return arguments.length", args).Return(2.0, nil)

	res, err := x.Dispatch(context.Background(), engine, Command{
		Type:   "execute-script",
		Params: map[string]interface{}{"script": "return arguments.length", "args": args},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res["value"])

	_, err = x.Dispatch(context.Background(), engine, Command{
		Type:   "execute-script",
		Params: map[string]interface{}{"script": "return 1", "args": "nope"},
	})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_Screenshot(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)
	png := []byte("\x89PNG\r\n\x1a\n")

	engine.EXPECT().Screenshot(gomock.Any()).Return(png, nil)

	res, err := x.Dispatch(context.Background(), engine, Command{Type: "screenshot"})
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(png), res["data"])
}

func TestDispatch_Tabs(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)
	ctx := context.Background()

	engine.EXPECT().NewTab(ctx, "https://example.com").Return("T2", nil)
	engine.EXPECT().WindowHandles(ctx).Return([]string{"T1", "T2"}, "T2", nil)
	engine.EXPECT().SwitchTab(ctx, "T1").Return(nil)
	engine.EXPECT().SwitchTab(ctx, "T9").Return(browser.ErrNoSuchTab)
	engine.EXPECT().CloseTab(ctx, "").Return(browser.ErrLastTab)

	res, err := x.Dispatch(ctx, engine, Command{Type: "new-tab", Params: map[string]interface{}{"url": "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "T2", res["handle"])

	res, err = x.Dispatch(ctx, engine, Command{Type: "list-window-handles"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, res["handles"])
	assert.Equal(t, "T2", res["current"])

	_, err = x.Dispatch(ctx, engine, Command{Type: "switch-tab", Params: map[string]interface{}{"handle": "T1"}})
	require.NoError(t, err)

	_, err = x.Dispatch(ctx, engine, Command{Type: "switch-tab", Params: map[string]interface{}{"handle": "T9"}})
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = x.Dispatch(ctx, engine, Command{Type: "close-tab"})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestDispatch_History(t *testing.T) {
	x := NewExecutor()
	engine := setupMockEngine(t)

	engine.EXPECT().Back(gomock.Any()).Return(nil)
	engine.EXPECT().Forward(gomock.Any()).Return(nil)
	engine.EXPECT().Reload(gomock.Any()).Return(nil)

	for _, name := range []string{"back", "forward", "reload"} {
		_, err := x.Dispatch(context.Background(), engine, Command{Type: name})
		require.NoError(t, err, name)
	}
}

func TestCanonical(t *testing.T) {
	x := NewExecutor()

	name, ok := x.Canonical("get")
	assert.True(t, ok)
	assert.Equal(t, "navigate", name)

	_, ok = x.Canonical("unknown-type")
	assert.False(t, ok)

	assert.Len(t, x.Names(), 18)
	assert.Contains(t, x.Names(), "list-window-handles")
}
