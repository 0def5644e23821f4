package proxy

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticEndpoints map[string]string

func (s staticEndpoints) DebugURL(id string) (string, error) {
	url, ok := s[id]
	if !ok {
		return "", errors.New("session not found")
	}
	return url, nil
}

// echoEngine stands in for a CDP endpoint and answers every frame with
// "ack:" plus the frame.
func echoEngine(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("ack:"), msg...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHandleDebugConnection_Relays(t *testing.T) {
	engine := echoEngine(t)
	p := NewServer(staticEndpoints{"s1": wsURL(engine.URL)}, zap.NewNop())

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.HandleDebugConnection(w, r, "s1")
	}))
	defer front.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(front.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))

	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `ack:{"id":1,"method":"Browser.getVersion"}`, string(msg))
}

func TestHandleDebugConnection_UnknownSession(t *testing.T) {
	p := NewServer(staticEndpoints{}, zap.NewNop())

	rec := httptest.NewRecorder()
	p.HandleDebugConnection(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/x/ws", nil), "x")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDebugConnection_EngineDown(t *testing.T) {
	engine := echoEngine(t)
	url := wsURL(engine.URL)
	engine.Close()

	p := NewServer(staticEndpoints{"s1": url}, zap.NewNop())

	rec := httptest.NewRecorder()
	p.HandleDebugConnection(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/ws", nil), "s1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
