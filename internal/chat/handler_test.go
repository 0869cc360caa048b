package chat_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-groupchat/internal/chat"
	myMiddleware "go-groupchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, hub *chat.Hub) *httptest.Server {
	t.Helper()
	h := chat.NewHandler(hub)
	r := chi.NewRouter()
	r.Get("/ws", h.ServeWs)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]any
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestHandshakeRefusesBadCredential(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	srv := startServer(t, hub)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Zero(t, hub.Registry.Count())
	assert.Equal(t, float64(2), testutil.ToFloat64(hub.Metrics().HandshakeFailures))
}

func TestSessionEndToEnd(t *testing.T) {
	hub, fs := newTestHub(t, "alice", "bob")
	srv := startServer(t, hub)
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	alice := dial(t, srv, "token-alice")
	bob := dial(t, srv, "token-bob")
	waitFor(t, func() bool { return hub.Registry.Count() == 2 })

	require.NoError(t, alice.WriteJSON(joinFrame(gid)))
	waitFor(t, func() bool { return len(hub.Registry.Subscribers(gid)) == 1 })
	require.NoError(t, bob.WriteJSON(joinFrame(gid)))

	f := readFrame(t, alice)
	assert.Equal(t, chat.ActionGroupJoin, f["action"])
	assert.Equal(t, "bob", f["userId"])
	f = readFrame(t, bob)
	assert.Equal(t, chat.ActionGroupJoin, f["action"])

	require.NoError(t, alice.WriteJSON(text(gid, "hi bob")))
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readFrame(t, conn)
		assert.Equal(t, "hi bob", f["content"])
		assert.Equal(t, gid, f["receiveId"])
		assert.Equal(t, "alice", f["sendId"])
		assert.NotEmpty(t, f["uuid"])
		assert.NotZero(t, f["createdAt"])
	}

	// fileSize may arrive as a number.
	require.NoError(t, bob.WriteJSON(map[string]any{
		"type": 1, "receiveId": "alice", "content": "https://files.example/a.pdf",
		"fileName": "a.pdf", "fileType": "application/pdf", "fileSize": 1234,
	}))
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readFrame(t, conn)
		assert.Equal(t, float64(1), f["type"])
		assert.Equal(t, "https://files.example/a.pdf", f["url"])
		assert.Equal(t, "1234", f["fileSize"])
	}
	assert.Len(t, fs.Messages(), 2)
}

func TestSessionRejectsBadFramesWithoutClosing(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	srv := startServer(t, hub)
	alice := dial(t, srv, "token-alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, alice)
	assert.Equal(t, chat.ActionError, f["action"])
	assert.Equal(t, "invalid_frame", f["code"])

	require.NoError(t, alice.WriteJSON(map[string]any{"type": 9, "receiveId": "alice", "content": "x"}))
	f = readFrame(t, alice)
	assert.Equal(t, "invalid_frame", f["code"])

	require.NoError(t, alice.WriteJSON(map[string]any{"action": "launch_rockets"}))
	f = readFrame(t, alice)
	assert.Equal(t, "invalid_frame", f["code"])

	require.NoError(t, alice.WriteJSON(text("G-missing", "x")))
	f = readFrame(t, alice)
	assert.Equal(t, "not_found", f["code"])
	assert.Equal(t, "G-missing", f["receiveId"])

	// Still usable afterwards.
	require.NoError(t, alice.WriteJSON(text("alice", "note to self")))
	f = readFrame(t, alice)
	assert.Equal(t, "note to self", f["content"])
}

func TestSessionCloseUnregisters(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	srv := startServer(t, hub)
	gid := mustCreate(t, hub, "alice", chat.AddModeOpen)

	alice := dial(t, srv, "token-alice")
	require.NoError(t, alice.WriteJSON(joinFrame(gid)))
	waitFor(t, func() bool { return len(hub.Registry.Subscribers(gid)) == 1 })

	alice.Close()
	waitFor(t, func() bool { return hub.Registry.Count() == 0 })
	assert.Empty(t, hub.Registry.Subscribers(gid))
	assert.Equal(t, float64(0), testutil.ToFloat64(hub.Metrics().Connections))

	// A reconnect starts with no subscriptions.
	again := dial(t, srv, "token-alice")
	waitFor(t, func() bool { return hub.Registry.Count() == 1 })
	assert.Empty(t, hub.Registry.Subscribers(gid))
	again.Close()
}

func TestFramesBeforeActivationAreIgnored(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	c := chat.NewClient(hub, nil, "alice")
	require.Equal(t, chat.StateAuthenticated, c.State())

	raw, _ := json.Marshal(text("alice", "too early"))
	c.HandleFrame(raw)
	expectNone(t, c)
	assert.Equal(t, float64(1), testutil.ToFloat64(hub.Metrics().RejectedFrames.WithLabelValues("inactive")))

	require.NoError(t, hub.Attach(c))
	assert.Equal(t, chat.StateActive, c.State())
	assert.Error(t, hub.Attach(c), "attaching twice")
}

func TestShutdownClosesConnections(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	a := connect(t, hub, "alice")
	hub.Shutdown()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("connection still open after shutdown")
	}
	assert.Zero(t, hub.Registry.Count())
}

func TestAttachAfterShutdownIsRefused(t *testing.T) {
	hub, _ := newTestHub(t, "alice")
	srv := startServer(t, hub)
	hub.Shutdown()
	require.True(t, hub.Closed())

	c := chat.NewClient(hub, nil, "alice")
	err := hub.Attach(c)
	require.ErrorIs(t, err, chat.ErrShuttingDown)
	assert.Equal(t, chat.StateClosed, c.State())
	assert.Zero(t, hub.Registry.Count())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=token-alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Zero(t, hub.Registry.Count())
}

// restServer mounts the REST surface with the identity taken from X-User.
func restServer(t *testing.T, hub *chat.Hub) *httptest.Server {
	t.Helper()
	h := chat.NewHandler(hub)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := r.Header.Get("X-User"); id != "" {
				r = r.WithContext(myMiddleware.WithIdentity(r.Context(), id, id))
			}
			next.ServeHTTP(w, r)
		})
	})
	h.Mount(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, user string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("X-User", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestGroupRESTLifecycle(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	srv := restServer(t, hub)

	status, _ := call(t, srv, http.MethodPost, "/api/groups", "", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, g := call(t, srv, http.MethodPost, "/api/groups", "alice", map[string]any{"name": "book club", "addMode": 0})
	require.Equal(t, http.StatusCreated, status)
	gid := g["id"].(string)

	b := connect(t, hub, "bob")

	status, out := call(t, srv, http.MethodPost, "/api/groups/"+gid+"/join", "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), out["memberCount"])
	expectNone(t, b)

	status, out = call(t, srv, http.MethodGet, "/api/groups/"+gid, "bob", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"alice", "bob"}, out["members"])

	status, _ = call(t, srv, http.MethodPatch, "/api/groups/"+gid, "bob", map[string]any{"name": "mine now"})
	assert.Equal(t, http.StatusForbidden, status)

	status, out = call(t, srv, http.MethodPatch, "/api/groups/"+gid, "alice", map[string]any{"notice": "read ch. 3"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "read ch. 3", out["notice"])

	status, _ = call(t, srv, http.MethodDelete, "/api/groups/"+gid+"/members/alice", "alice", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, srv, http.MethodDelete, "/api/groups/"+gid, "bob", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = call(t, srv, http.MethodDelete, "/api/groups/"+gid, "alice", nil)
	require.Equal(t, http.StatusOK, status)
	f := next(t, b)
	assert.Equal(t, chat.ActionGroupDismissed, f["action"])

	status, out = call(t, srv, http.MethodPost, "/api/groups/"+gid+"/join", "bob", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out["code"])
}

func TestHistoryAndPresenceREST(t *testing.T) {
	hub, _ := newTestHub(t, "alice", "bob")
	srv := restServer(t, hub)

	for _, s := range []string{"one", "two"} {
		_, err := hub.Router.Send(t.Context(), "alice", "bob", chat.TextPayload{Content: s})
		require.NoError(t, err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/messages?target=alice&limit=10", nil)
	require.NoError(t, err)
	req.Header.Set("X-User", "bob")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var frames []chat.ChatFrame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	require.Len(t, frames, 2)
	assert.Equal(t, "one", frames[0].Content)
	assert.Equal(t, "two", frames[1].Content)

	status, _ := call(t, srv, http.MethodGet, "/api/messages?target=alice&limit=abc", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, out := call(t, srv, http.MethodGet, "/api/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, out["online"])

	connect(t, hub, "bob")
	_, out = call(t, srv, http.MethodGet, "/api/presence/bob", "alice", nil)
	assert.Equal(t, true, out["online"])
}
