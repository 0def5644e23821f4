package browser_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserplane/internal/browser"
)

const containerID = "3f4e5d6c7b8a9f0e1d2c3b4a"

// dockerAPI fakes the few Engine API endpoints the backend calls.
type dockerAPI struct {
	mu       sync.Mutex
	calls    []string
	startErr bool
	cdpPort  string
}

func (d *dockerAPI) called(op string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.calls {
		if c == op {
			return true
		}
	}
	return false
}

func (d *dockerAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	op := ""
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/containers/create"):
		op = "create"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"Id": containerID, "Warnings": []string{}})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/start"):
		op = "start"
		if d.startErr {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "port is already allocated"})
			break
		}
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/json"):
		op = "inspect"
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"Id": containerID,
			"NetworkSettings": map[string]interface{}{
				"Ports": map[string]interface{}{
					"3000/tcp": []map[string]string{{"HostIp": "127.0.0.1", "HostPort": d.cdpPort}},
				},
			},
		})
	case r.Method == http.MethodPost && strings.HasSuffix(path, "/stop"):
		op = "stop"
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete && strings.Contains(path, "/containers/"):
		op = "remove"
		if r.URL.Query().Get("force") != "1" {
			op = "remove-unforced"
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
		return
	}

	d.mu.Lock()
	d.calls = append(d.calls, op)
	d.mu.Unlock()
}

func newDockerBackend(t *testing.T, api *dockerAPI) *browser.DockerBackend {
	t.Helper()

	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	b, err := browser.NewDockerBackend("browserless/chrome:latest", zap.NewNop(),
		client.WithHost("tcp://"+srv.Listener.Addr().String()),
		client.WithVersion("1.47"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestDockerBackend_StartFailureReturnsRemovableContainer(t *testing.T) {
	api := &dockerAPI{startErr: true}
	b := newDockerBackend(t, api)

	proc, err := b.Start(context.Background(), browser.StartOptions{SessionID: "session-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start container")
	require.NotNil(t, proc)
	require.NotNil(t, proc.Stop)
	assert.False(t, api.called("remove"))

	require.NoError(t, proc.Stop(context.Background()))
	assert.True(t, api.called("stop"))
	assert.True(t, api.called("remove"))
}

func TestDockerBackend_Start(t *testing.T) {
	chrome := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"Browser": "HeadlessChrome/120.0"})
	}))
	defer chrome.Close()

	_, port, err := net.SplitHostPort(chrome.Listener.Addr().String())
	require.NoError(t, err)

	api := &dockerAPI{cdpPort: port}
	b := newDockerBackend(t, api)
	assert.Equal(t, "docker", b.Name())

	proc, err := b.Start(context.Background(), browser.StartOptions{SessionID: "session-2", Headless: true})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:"+port, proc.ControlURL)
	assert.True(t, api.called("inspect"))

	require.NoError(t, proc.Stop(context.Background()))
	assert.True(t, api.called("remove"))
}

func TestDockerBackend_NotReadyIsBoundedByContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	api := &dockerAPI{cdpPort: port}
	b := newDockerBackend(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	proc, err := b.Start(ctx, browser.StartOptions{SessionID: "session-3"})
	require.Error(t, err)
	require.NotNil(t, proc)
	require.NoError(t, proc.Stop(context.Background()))
	assert.True(t, api.called("remove"))
}
