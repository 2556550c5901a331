// Package testutil starts complete service instances on loopback ports and
// provides the helpers tests use to talk to them.
package testutil

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/bootstrap"
	"github.com/Tyrowin/taskboard/internal/client"
	"github.com/Tyrowin/taskboard/internal/config"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// Config returns a configuration for an isolated instance: ephemeral
// ports, the in-process chat bus and a SQLite file in a temp dir.
func Config(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		App:     config.AppCfg{Name: "taskboard-test", Host: "127.0.0.1", Port: 0},
		Control: config.ControlCfg{Port: 0, AllowedOrigins: []string{"*"}},
		Server: config.ServerCfg{
			Workers:         4,
			MaxFrameSize:    1 << 20,
			RateLimit:       config.RateLimitCfg{Burst: 1000, RefillInterval: time.Millisecond},
			ShutdownTimeout: 5 * time.Second,
		},
		Log:      config.LogCfg{Level: "error"},
		Database: config.DBCfg{DSN: filepath.Join(t.TempDir(), "taskboard.db"), AutoMigrate: true},
		Chat:     config.ChatCfg{Backend: config.ChatLocal, BaseAddress: "239.0.0.0", BasePort: 10000},
	}
}

// StartApp builds and starts an instance from cfg. It is shut down when
// the test ends; an explicit Shutdown before that is fine.
func StartApp(t *testing.T, cfg *config.Config) *bootstrap.App {
	t.Helper()
	app, err := bootstrap.NewApp(bootstrap.BuildContainer(cfg))
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

// Dial opens a client connection to app, closed when the test ends.
func Dial(t *testing.T, app *bootstrap.App) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, client.Options{
		RequestAddr:  app.RequestAddr(),
		ControlURL:   app.ControlURL(),
		Bus:          app.Bus(),
		MaxFrameSize: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// MakeRequest executes an HTTP request with a 5-second timeout. A nil body
// sends no content.
func MakeRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err, "create request")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	require.NoError(t, err, "execute request")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ConnectWebSocket dials the push stream of nickname on the control port
// at baseURL.
func ConnectWebSocket(t *testing.T, baseURL, nickname string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/api/v1/subscribe?nickname=" + nickname

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err, "connect websocket")
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReceivePush reads the next push from conn, failing after timeout.
func ReceivePush(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.Push {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "receive push")

	var push protocol.Push
	require.NoError(t, protocol.Unmarshal(raw, &push))
	return push
}
