package synchub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/frostwatch/syncplay/internal/authstore"
	"github.com/frostwatch/syncplay/internal/catalog"
	"github.com/frostwatch/syncplay/internal/models"
	"github.com/frostwatch/syncplay/internal/syncstate"
)

type noopEncoder struct{}

func (noopEncoder) Encode(ctx context.Context, sourcePath, outputName, processedDir string) error {
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *authstore.Store) {
	t.Helper()
	auth := authstore.New("adminsecret", "viewsecret", time.Hour)
	cat := catalog.New(t.TempDir(), noopEncoder{})
	hub := New(nil, auth, cat)

	state := syncstate.New(syncstate.Params{
		DriftLow:        500 * time.Millisecond,
		DriftHigh:       1500 * time.Millisecond,
		MinSyncInterval: 200 * time.Millisecond,
		MaxSyncInterval: 2 * time.Second,
		SyncStep:        100 * time.Millisecond,
		RateStep:        0.01,
		BehindThreshold: -time.Second,
		RateTickPeriod:  50 * time.Millisecond,
	}, hub.Observer())
	hub.BindState(state)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hub, auth
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(v))
}

func TestAuthWithValidPasswordSucceeds(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "password": "adminsecret", "name": "Op"}))

	var resp map[string]interface{}
	readJSON(t, conn, &resp)
	require.Equal(t, "auth_success", resp["type"])
	require.Equal(t, "operator", resp["role"])
}

func TestAuthWithInvalidPasswordFails(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "password": "wrong"}))

	var resp map[string]interface{}
	readJSON(t, conn, &resp)
	require.Equal(t, "auth_fail", resp["type"])
}

func TestMessageBeforeAuthRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "play"}))

	var resp map[string]interface{}
	readJSON(t, conn, &resp)
	require.Equal(t, "error", resp["type"])
}

func TestViewerCannotOperatorCommand(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "password": "viewsecret", "name": "V1"}))
	var authResp map[string]interface{}
	readJSON(t, conn, &authResp)
	require.Equal(t, "auth_success", authResp["type"])

	var snap map[string]interface{}
	readJSON(t, conn, &snap) // immediate syncState on registration

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "play"}))
	var errResp map[string]interface{}
	readJSON(t, conn, &errResp)
	require.Equal(t, "error", errResp["type"])
	require.Equal(t, "Permission denied", errResp["message"])
}

func TestOperatorPlayBroadcastsSyncState(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "password": "adminsecret", "name": "Op"}))
	var authResp map[string]interface{}
	readJSON(t, conn, &authResp)

	var initSnap map[string]interface{}
	readJSON(t, conn, &initSnap)

	// operators also receive the stream list and viewer table on auth
	var videoList, viewerList map[string]interface{}
	readJSON(t, conn, &videoList)
	require.Equal(t, "videoList", videoList["type"])
	readJSON(t, conn, &viewerList)
	require.Equal(t, "viewerList", viewerList["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "play"}))
	var snap map[string]interface{}
	readJSON(t, conn, &snap)
	require.Equal(t, "syncState", snap["type"])
	require.Equal(t, true, snap["isPlaying"])
}

func TestSessionTokenReusableAcrossConnections(t *testing.T) {
	srv, _, auth := newTestServer(t)

	sess, err := auth.CreateSession(models.RoleOperator, "Op")
	require.NoError(t, err)

	conn := dial(t, srv)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": sess.Token}))

	var resp map[string]interface{}
	readJSON(t, conn, &resp)
	require.Equal(t, "auth_success", resp["type"])
	require.Equal(t, "Op", resp["name"])
}

func TestInvalidTokenFailsAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": "deadbeef"}))
	var resp map[string]interface{}
	readJSON(t, conn, &resp)
	require.Equal(t, "auth_fail", resp["type"])
}
