package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/internal/browser/browsertest"
)

func newLauncher(t *testing.T, cfg browser.LauncherConfig, backends ...*browsertest.Backend) *browser.Launcher {
	t.Helper()

	bs := make([]browser.Backend, 0, len(backends))
	for _, b := range backends {
		bs = append(bs, b)
	}
	l := browser.NewLauncher(cfg, zap.NewNop(), bs...)
	if len(backends) > 0 {
		l.WithConnector(backends[0].Connect)
	}
	return l
}

func TestLauncher_LaunchReady(t *testing.T) {
	fake := browsertest.NewBackend("local")
	l := newLauncher(t, browser.LauncherConfig{ViewportWidth: 1280, ViewportHeight: 720}, fake)

	h := browser.NewHandle()
	require.NoError(t, l.Launch(context.Background(), h, browser.LaunchOptions{SessionID: "s1"}))
	assert.Equal(t, browser.Allocated, h.State())
	assert.Equal(t, "local", h.Backend())
	assert.Equal(t, 1, fake.Live())

	err := h.Use(func(e browser.Engine) error {
		url, err := e.URL(context.Background())
		assert.Equal(t, "about:blank", url)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, l.Shutdown(context.Background(), h))
	assert.Equal(t, browser.Released, h.State())
	assert.Equal(t, 0, fake.Live())
	assert.True(t, fake.Engine("s1").Closed())
}

func TestLauncher_ReadinessTimeout(t *testing.T) {
	fake := browsertest.NewBackend("local")
	fake.Configure = func(e *browsertest.Engine) { e.HangReady = true }
	l := newLauncher(t, browser.LauncherConfig{ReadinessTimeout: 50 * time.Millisecond}, fake)

	h := browser.NewHandle()
	start := time.Now()
	err := l.Launch(context.Background(), h, browser.LaunchOptions{SessionID: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNotReady)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The process exists and is owned by the handle until shut down.
	assert.Equal(t, browser.Allocated, h.State())
	assert.Equal(t, 1, fake.Live())

	require.NoError(t, l.Shutdown(context.Background(), h))
	assert.Equal(t, 0, fake.Live())
}

func TestLauncher_PartialStartIsOwned(t *testing.T) {
	fake := browsertest.NewBackend("docker")
	fake.FailAfterStart = errors.New("devtools endpoint never answered")
	l := newLauncher(t, browser.LauncherConfig{}, fake)

	h := browser.NewHandle()
	err := l.Launch(context.Background(), h, browser.LaunchOptions{SessionID: "p"})
	require.Error(t, err)
	assert.Equal(t, browser.Allocated, h.State())
	assert.Equal(t, 1, fake.Live())

	require.NoError(t, l.Shutdown(context.Background(), h))
	assert.Equal(t, 0, fake.Live())
}

func TestLauncher_StartFailureLeavesNothing(t *testing.T) {
	fake := browsertest.NewBackend("local")
	fake.StartErr = errors.New("chrome binary not found")
	l := newLauncher(t, browser.LauncherConfig{}, fake)

	h := browser.NewHandle()
	err := l.Launch(context.Background(), h, browser.LaunchOptions{SessionID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome binary not found")
	assert.Equal(t, browser.Uninitialized, h.State())
	assert.Equal(t, 0, fake.Started())

	assert.NoError(t, l.Shutdown(context.Background(), h))
}

func TestLauncher_ReleasedHandleStopsNewProcess(t *testing.T) {
	fake := browsertest.NewBackend("local")
	l := newLauncher(t, browser.LauncherConfig{}, fake)

	h := browser.NewHandle()
	require.NoError(t, l.Shutdown(context.Background(), h))

	err := l.Launch(context.Background(), h, browser.LaunchOptions{SessionID: "late"})
	assert.ErrorIs(t, err, browser.ErrHandleReleased)
	assert.Equal(t, 1, fake.Started())
	assert.Equal(t, 0, fake.Live())
}

func TestLauncher_Route(t *testing.T) {
	local := browsertest.NewBackend("local")
	docker := browsertest.NewBackend("docker")
	l := newLauncher(t, browser.LauncherConfig{DefaultBackend: "docker"}, local, docker)

	assert.Equal(t, "local", l.Route("local"))
	assert.Equal(t, "docker", l.Route(""))
	assert.Equal(t, "docker", l.Route("lambda"))
	assert.Equal(t, []string{"docker", "local"}, l.Backends())
}

func TestLauncher_NoBackends(t *testing.T) {
	l := browser.NewLauncher(browser.LauncherConfig{}, zap.NewNop())

	err := l.Launch(context.Background(), browser.NewHandle(), browser.LaunchOptions{SessionID: "n"})
	assert.ErrorIs(t, err, browser.ErrUnknownBackend)
}

func TestLauncher_ShutdownNil(t *testing.T) {
	l := browser.NewLauncher(browser.LauncherConfig{}, zap.NewNop())
	assert.NoError(t, l.Shutdown(context.Background(), nil))
}
