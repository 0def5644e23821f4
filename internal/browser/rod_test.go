package browser

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func TestScriptValue(t *testing.T) {
	assert.Nil(t, scriptValue(gson.JSON{}))
	assert.Nil(t, scriptValue(gson.New(nil)))
	assert.Equal(t, "Example Domain", scriptValue(gson.New("Example Domain")))
	assert.Equal(t, map[string]interface{}{"ok": true}, scriptValue(gson.New(map[string]interface{}{"ok": true})))
}

func TestViewport(t *testing.T) {
	v := viewport(800, 600)
	assert.Equal(t, 800, v.Width)
	assert.Equal(t, 600, v.Height)
	assert.Equal(t, 1.0, v.DeviceScaleFactor)
	assert.False(t, v.Mobile)
}

func TestConnectRod_CanceledContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ConnectRod(ctx, "ws://"+ln.Addr().String()+"/devtools/browser/x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectRod_HandshakeBoundedByContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// Accept connections and never answer the handshake.
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = ConnectRod(ctx, "ws://"+ln.Addr().String()+"/devtools/browser/x")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
