//go:build integration

package browser_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/internal/command"
	"github.com/shehryarbajwa/browserplane/internal/session"
	"github.com/shehryarbajwa/browserplane/internal/worker"
	"github.com/shehryarbajwa/browserplane/pkg/models"
)

// Run with: go test -tags integration ./internal/browser/...
// CHROME_BIN selects the browser; otherwise rod finds or downloads one.
func TestIntegration_RealChrome(t *testing.T) {
	logger := zaptest.NewLogger(t)
	local := browser.NewLocalBackend(os.Getenv("CHROME_BIN"), true, logger)
	launcher := browser.NewLauncher(browser.LauncherConfig{
		Headless:         true,
		ViewportWidth:    1280,
		ViewportHeight:   720,
		ReadinessTimeout: time.Minute,
	}, logger, local)
	defer launcher.Close()

	m := session.NewManager(session.Config{}, launcher, worker.New(2), logger)
	defer func() {
		require.NoError(t, m.Shutdown(context.Background()))
	}()

	ctx := context.Background()
	s, err := m.Create(ctx, models.CreateSessionRequest{ProjectID: "integration"})
	require.NoError(t, err)

	res, err := m.Execute(ctx, s.ID, command.Command{
		Type:   "navigate",
		Params: map[string]interface{}{"url": "https://example.com"},
	})
	require.NoError(t, err)
	assert.Contains(t, res["title"], "Example Domain")

	res, err = m.Execute(ctx, s.ID, command.Command{Type: "get-title"})
	require.NoError(t, err)
	assert.Contains(t, res["title"], "Example Domain")

	res, err = m.Execute(ctx, s.ID, command.Command{
		Type:   "find-element",
		Params: map[string]interface{}{"selector": "h1"},
	})
	require.NoError(t, err)
	assert.Equal(t, true, res["found"])

	res, err = m.Execute(ctx, s.ID, command.Command{Type: "new-tab"})
	require.NoError(t, err)
	handle, _ := res["handle"].(string)
	require.NotEmpty(t, handle)

	res, err = m.Execute(ctx, s.ID, command.Command{Type: "list-window-handles"})
	require.NoError(t, err)
	assert.Len(t, res["handles"], 2)

	_, err = m.Execute(ctx, s.ID, command.Command{
		Type:   "close-tab",
		Params: map[string]interface{}{"handle": handle},
	})
	require.NoError(t, err)

	res, err = m.Execute(ctx, s.ID, command.Command{Type: "screenshot"})
	require.NoError(t, err)
	assert.NotEmpty(t, res["data"])

	require.NoError(t, m.Delete(ctx, s.ID))

	_, err = m.Execute(ctx, s.ID, command.Command{Type: "get-title"})
	assert.True(t, errors.Is(err, session.ErrSessionNotFound))
}
