// Package synchub terminates the message-channel connections from
// browser clients, authenticates them against authstore, and shuttles
// messages to and from syncstate.
//
// Connections are tracked in a map with best-effort per-client sends
// so a slow or dead client never blocks a broadcast to the rest.
// Transport is gorilla/websocket rather than one-way server-sent
// events, since a client must be able to report its own playback time
// back to the server.
package synchub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/frostwatch/syncplay/internal/authstore"
	"github.com/frostwatch/syncplay/internal/catalog"
	"github.com/frostwatch/syncplay/internal/metrics"
	"github.com/frostwatch/syncplay/internal/models"
	"github.com/frostwatch/syncplay/internal/syncstate"
)

const (
	authTimeout          = 5 * time.Second
	heartbeatPeriod      = 10 * time.Second
	maxMissedHeartbeats  = 2
	writeWait            = 5 * time.Second
	maxNameLen           = 30
	sendBufferSize       = 32
)

// Upgrader is exported so the HTTP surface can reuse it with its own
// origin policy if needed; default accepts any origin, matching the
// single-deployment trust model this server assumes.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection is one live message-channel endpoint. It is addressed
// from State only by ClientId (models.ClientId); the hub never hands
// that pointer across its own lock boundary to StateCore.
type connection struct {
	id   models.ClientId
	conn *websocket.Conn
	send chan []byte

	mu               sync.Mutex
	authenticated    bool
	role             models.Role
	name             string
	missedHeartbeats int

	closeOnce sync.Once
}

// Hub wires the wire protocol to StateCore, AuthStore and Catalog.
type Hub struct {
	state   *syncstate.State
	auth    *authstore.Store
	catalog *catalog.Catalog

	mu          sync.Mutex
	connections map[models.ClientId]*connection

	heartbeatCancel context.CancelFunc
}

// New builds a Hub. Call BindState after construction to attach the
// StateCore instance: Hub and State are mutually referential (State
// raises events Hub delivers; Hub reads snapshots and viewer tables
// State owns), so construction happens in two phases instead of a
// mutual field.
func New(state *syncstate.State, auth *authstore.Store, cat *catalog.Catalog) *Hub {
	return &Hub{
		state:       state,
		auth:        auth,
		catalog:     cat,
		connections: make(map[models.ClientId]*connection),
	}
}

// BindState completes the two-phase construction described in New's
// doc comment: attaches the StateCore instance whose Observer this
// hub already implements.
func (h *Hub) BindState(state *syncstate.State) {
	h.state = state
}

// Observer returns the syncstate.Observer this hub implements, to be
// passed into syncstate.New at construction time.
func (h *Hub) Observer() syncstate.Observer {
	return syncstate.Observer{
		OnStateChanged:       h.broadcastSnapshot,
		OnClientNeedsSync:    h.unicastSnapshot,
		OnViewerTableChanged: h.pushViewerTableToOperators,
	}
}

// ServeHTTP upgrades the connection and runs its lifecycle until
// close. Intended to be mounted at GET /ws by the HTTP surface.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("upgrade failed", "component", "sync", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := &connection{
		id:   models.ClientId(uuid.NewString()),
		conn: wsConn,
		send: make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	h.connections[c.id] = c
	h.mu.Unlock()

	slog.Info("connection opened", "component", "sync", "client", c.id, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	authTimer := time.AfterFunc(authTimeout, func() {
		h.sendError(c, "Authentication timed out")
		h.closeConnection(c, models.CloseAuthFailure, "auth timeout")
	})
	defer authTimer.Stop()

	go h.writePump(c)
	h.readPump(ctx, c, authTimer, r.RemoteAddr)
}

// ── Connection lifecycle ─────────────────────────────────────

func (h *Hub) readPump(ctx context.Context, c *connection, authTimer *time.Timer, peer string) {
	defer h.handleDisconnect(c)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("readPump panic", "component", "sync", "client", c.id, "panic", r)
		}
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame models.InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendError(c, "Malformed message")
			continue
		}

		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()

		if !authed {
			if frame.Type != "auth" {
				h.sendError(c, "Not authenticated")
				continue
			}
			if h.handleAuth(ctx, c, frame, peer) {
				authTimer.Stop()
			}
			continue
		}

		h.resetHeartbeat(c)
		h.dispatch(ctx, c, frame)
	}
}

func (h *Hub) writePump(c *connection) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("writePump panic", "component", "sync", "client", c.id, "panic", r)
		}
	}()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) handleDisconnect(c *connection) {
	c.mu.Lock()
	wasAuthed := c.authenticated
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.connections, c.id)
	h.mu.Unlock()

	if wasAuthed {
		h.state.UnregisterClient(c.id)
		metrics.ConnectedClients.Set(float64(h.state.ClientCount()))
		h.pushViewerTableToOperators()
	}
	c.closeOnce.Do(func() { close(c.send) })
	c.conn.Close()
	slog.Info("connection closed", "component", "sync", "client", c.id)
}

func (h *Hub) closeConnection(c *connection, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

// ── Authentication ───────────────────────────────────────────

// handleAuth returns true iff authentication succeeded.
func (h *Hub) handleAuth(ctx context.Context, c *connection, frame models.InboundFrame, peer string) bool {
	if frame.Token != "" {
		sess, ok := h.auth.ValidateSession(frame.Token)
		if !ok {
			h.sendAuthFail(c, "Invalid or expired token")
			h.closeConnection(c, models.CloseAuthFailure, "auth failure")
			return false
		}
		h.completeAuth(ctx, c, sess.Role, sess.Name, sess.Token, peer)
		return true
	}

	if frame.Password == "" {
		h.sendAuthFail(c, "Missing credentials")
		h.closeConnection(c, models.CloseAuthFailure, "auth failure")
		return false
	}

	role, ok := h.auth.ValidatePassword(frame.Password)
	if !ok {
		h.sendAuthFail(c, "Invalid password")
		h.closeConnection(c, models.CloseAuthFailure, "auth failure")
		return false
	}

	name := truncateName(frame.Name)
	sess, err := h.auth.CreateSession(role, name)
	if err != nil {
		h.sendAuthFail(c, "Could not create session")
		h.closeConnection(c, models.CloseInternalErr, "session error")
		return false
	}
	h.completeAuth(ctx, c, role, name, sess.Token, peer)
	return true
}

func truncateName(name string) string {
	runes := []rune(name)
	if len(runes) > maxNameLen {
		runes = runes[:maxNameLen]
	}
	return string(runes)
}

func (h *Hub) completeAuth(ctx context.Context, c *connection, role models.Role, name, token, peer string) {
	c.mu.Lock()
	c.authenticated = true
	c.role = role
	c.name = name
	c.mu.Unlock()

	h.state.RegisterClient(ctx, c.id, role, name, token, peer)
	metrics.ConnectedClients.Set(float64(h.state.ClientCount()))

	h.send(c, models.OutboundAuthSuccess{Type: "auth_success", Role: role, Name: name, Token: token})
	h.send(c, h.state.ClientSnapshot())

	if role == models.RoleOperator {
		h.send(c, buildVideoList(h.catalog))
		h.send(c, buildViewerList(h.state))
	}
	h.pushViewerTableToOtherOperators(c.id)
}

func (h *Hub) sendAuthFail(c *connection, message string) {
	h.send(c, models.OutboundAuthFail{Type: "auth_fail", Message: message})
}

func (h *Hub) sendError(c *connection, message string) {
	h.send(c, models.OutboundError{Type: "error", Message: message})
}

// ── Inbound message taxonomy ─────────────────────────────────

func (h *Hub) dispatch(ctx context.Context, c *connection, frame models.InboundFrame) {
	c.mu.Lock()
	role := c.role
	c.mu.Unlock()

	switch frame.Type {
	case "play":
		if !h.requireOperator(c, role) {
			return
		}
		h.state.Play(ctx)
	case "pause":
		if !h.requireOperator(c, role) {
			return
		}
		h.state.Pause()
	case "seek":
		if !h.requireOperator(c, role) {
			return
		}
		if frame.Time == nil {
			h.sendError(c, "Missing time")
			return
		}
		if err := h.state.Seek(*frame.Time); err != nil {
			h.sendError(c, "Invalid seek time")
		}
	case "changeVideo":
		if !h.requireOperator(c, role) {
			return
		}
		if err := h.state.ChangeVideo(frame.Video); err != nil {
			h.sendError(c, "Invalid video reference")
		}
	case "syncAll":
		if !h.requireOperator(c, role) {
			return
		}
		h.state.SyncAll()
	case "requestVideoList":
		if !h.requireOperator(c, role) {
			return
		}
		h.send(c, buildVideoList(h.catalog))
	case "requestViewerList":
		if !h.requireOperator(c, role) {
			return
		}
		h.send(c, buildViewerList(h.state))
	case "requestSync":
		h.send(c, h.state.ClientSnapshot())
	case "clientTimeUpdate":
		h.handleClientTimeUpdate(ctx, c, frame)
	default:
		h.sendError(c, "Unknown message type")
	}
}

func (h *Hub) handleClientTimeUpdate(ctx context.Context, c *connection, frame models.InboundFrame) {
	if frame.ClientTime == nil || frame.PlaybackRate == nil || frame.IsPlaying == nil {
		h.sendError(c, "Missing clientTimeUpdate fields")
		return
	}
	if *frame.ClientTime < 0 || *frame.PlaybackRate <= 0 {
		h.sendError(c, "Invalid clientTimeUpdate fields")
		return
	}
	if err := h.state.ReportClientTime(ctx, c.id, *frame.ClientTime, *frame.PlaybackRate, *frame.IsPlaying); err != nil {
		h.sendError(c, "Client not registered")
	}
}

func (h *Hub) requireOperator(c *connection, role models.Role) bool {
	if role == models.RoleOperator {
		return true
	}
	h.sendError(c, "Permission denied")
	return false
}

// ── Heartbeat / liveness ──────────────────────────────────────

func (h *Hub) resetHeartbeat(c *connection) {
	c.mu.Lock()
	c.missedHeartbeats = 0
	c.mu.Unlock()
}

// StartHeartbeatLoop launches the background liveness sweep. Call
// once from the composition root; stop with StopHeartbeatLoop.
func (h *Hub) StartHeartbeatLoop(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	h.heartbeatCancel = cancel

	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.heartbeatTick()
			}
		}
	}()
}

// StopHeartbeatLoop stops the background liveness sweep.
func (h *Hub) StopHeartbeatLoop() {
	if h.heartbeatCancel != nil {
		h.heartbeatCancel()
	}
}

func (h *Hub) heartbeatTick() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.missedHeartbeats++
		expired := c.missedHeartbeats > maxMissedHeartbeats
		c.mu.Unlock()

		if expired {
			slog.Info("heartbeat expired", "component", "sync", "client", c.id)
			h.closeConnection(c, models.CloseInternalErr, "heartbeat timeout")
		}
	}
}

// ── Outbound protocol ─────────────────────────────────────────

func (h *Hub) send(c *connection, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal failed", "component", "sync", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("send buffer full, dropping", "component", "sync", "client", c.id)
	}
}

func (h *Hub) broadcastSnapshot(snap models.SyncSnapshot) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()
		if authed {
			h.send(c, snap)
		}
	}
}

func (h *Hub) unicastSnapshot(id models.ClientId, snap models.SyncSnapshot) {
	h.mu.Lock()
	c, ok := h.connections[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.send(c, snap)
}

func (h *Hub) pushViewerTableToOperators() {
	table := buildViewerList(h.state)
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		isOp := c.authenticated && c.role == models.RoleOperator
		c.mu.Unlock()
		if isOp {
			h.send(c, table)
		}
	}
}

func (h *Hub) pushViewerTableToOtherOperators(exclude models.ClientId) {
	table := buildViewerList(h.state)
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for id, c := range h.connections {
		if id != exclude {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		isOp := c.authenticated && c.role == models.RoleOperator
		c.mu.Unlock()
		if isOp {
			h.send(c, table)
		}
	}
}

func buildVideoList(cat *catalog.Catalog) models.OutboundVideoList {
	entries := cat.List()
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.StreamId)
	}
	return models.OutboundVideoList{Type: "videoList", Videos: ids}
}

func buildViewerList(state *syncstate.State) models.OutboundViewerList {
	table := state.ViewerTable()
	return models.OutboundViewerList{Type: "viewerList", Viewers: table, Count: len(table)}
}

// Shutdown closes every connection with the "going away" close code,
// for a graceful composition-root teardown.
func (h *Hub) Shutdown() {
	h.StopHeartbeatLoop()
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.closeConnection(c, models.CloseShutdown, models.CloseGoingAwayMsg)
	}
}

// ConnectionCount reports the number of live connections, for the
// logging rollup and metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
