package control

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/fanout"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	mu    sync.Mutex
	users map[string]bool // nickname -> online
	calls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]bool)}
}

func (d *fakeDirectory) Register(nickname, password string) workflow.Code {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if _, ok := d.users[nickname]; ok {
		return workflow.UserExists
	}
	d.users[nickname] = false
	return workflow.OK
}

func (d *fakeDirectory) IsOnline(nickname string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[nickname]
}

func (d *fakeDirectory) setOnline(nickname string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[nickname] = true
}

func (d *fakeDirectory) Users() []workflow.UserView {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []workflow.UserView
	for nick, online := range d.users {
		out = append(out, workflow.UserView{Nickname: nick, Online: online})
	}
	return out
}

func (d *fakeDirectory) Projects() []workflow.ProjectView {
	return []workflow.ProjectView{{Name: "P", Members: []string{"alice"}}}
}

type testEnv struct {
	dir *fakeDirectory
	hub *fanout.Hub
	srv *httptest.Server
}

func setup(t *testing.T, origins ...string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := newFakeDirectory()
	hub := fanout.NewHub(dir, nil)
	go hub.Run()

	h := NewHandler(dir, dir, hub, NewOriginPolicy(origins, nil), nil)
	srv := httptest.NewServer(NewRouter(RouterDeps{Handler: h}))
	t.Cleanup(func() {
		_ = hub.Shutdown(time.Second)
		srv.Close()
	})
	return &testEnv{dir: dir, hub: hub, srv: srv}
}

func (e *testEnv) wsURL(nick string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/subscribe?nickname=" + nick
}

func postRegister(t *testing.T, url, body string) (int, CodeResponse) {
	t.Helper()
	resp, err := http.Post(url+"/api/v1/register", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out CodeResponse
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.NoError(t, sonic.Unmarshal(buf.Bytes(), &out))
	return resp.StatusCode, out
}

func TestRegister(t *testing.T) {
	env := setup(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   workflow.Code
	}{
		{"created", `{"nickname":"alice","password":"pw"}`, http.StatusCreated, workflow.OK},
		{"duplicate", `{"nickname":"alice","password":"other"}`, http.StatusConflict, workflow.UserExists},
		{"missing password", `{"nickname":"bob"}`, http.StatusBadRequest, workflow.UnknownError},
		{"not json", `nickname=bob`, http.StatusBadRequest, workflow.UnknownError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := postRegister(t, env.srv.URL, tt.body)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
	assert.Equal(t, 2, env.dir.calls)
}

func TestHealth(t *testing.T) {
	env := setup(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil)
	env.srv.Config.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func readPush(t *testing.T, conn *websocket.Conn) protocol.Push {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var p protocol.Push
	require.NoError(t, protocol.Unmarshal(raw, &p))
	return p
}

func TestSubscribeReceivesSnapshotsAndUnsubscribes(t *testing.T) {
	env := setup(t)
	env.dir.Register("alice", "pw")
	env.dir.setOnline("alice")

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("alice"), nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readPush(t, conn)
	assert.Equal(t, protocol.PushUsers, first.Kind)
	assert.Equal(t, []workflow.UserView{{Nickname: "alice", Online: true}}, first.Users)
	assert.Equal(t, protocol.PushProjects, readPush(t, conn).Kind)
	assert.Equal(t, 1, env.hub.Len())

	env.hub.PushUsers()
	assert.Equal(t, protocol.PushUsers, readPush(t, conn).Kind)

	require.NoError(t, conn.WriteJSON(protocol.ControlMessage{Type: protocol.ControlUnsubscribe}))
	require.Eventually(t, func() bool { return env.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestSubscribeClosingSocketRemovesSubscriber(t *testing.T) {
	env := setup(t)
	env.dir.Register("alice", "pw")
	env.dir.setOnline("alice")

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("alice"), nil)
	require.NoError(t, err)
	readPush(t, conn)
	readPush(t, conn)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeRequiresOnlineUser(t *testing.T) {
	env := setup(t)
	env.dir.Register("alice", "pw")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("alice"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL(""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeChecksBrowserOrigin(t *testing.T) {
	env := setup(t, "http://localhost:3000")
	env.dir.Register("alice", "pw")
	env.dir.setOnline("alice")

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("alice"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"HTTP://LOCALHOST:3000"}}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL("alice"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{" https://app.example.com ", "not a url", ""}, nil)
	assert.True(t, p.Allowed(""))
	assert.True(t, p.Allowed("https://APP.example.com"))
	assert.False(t, p.Allowed("https://other.example.com"))
	assert.False(t, p.Allowed("::bad"))

	all := NewOriginPolicy([]string{"*"}, nil)
	assert.True(t, all.Allowed("https://anything.example"))
}
