// Package models holds the value types shared across the sync server:
// the wire protocol exchanged over the client channel, and the
// domain records owned by StateCore and VideoCatalog.
package models

// Role distinguishes a privileged operator from a regular viewer.
type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ClientId identifies one live channel connection. Stable for the
// connection's lifetime; never reused.
type ClientId string

// StreamEntry describes one ready-to-play HLS stream discovered on disk.
type StreamEntry struct {
	StreamId           string `json:"streamId"`
	MasterPlaylistPath string `json:"-"`
}

// ViewerInfo is the operator-facing projection of one connected client.
type ViewerInfo struct {
	Role         Role    `json:"role"`
	Name         string  `json:"name"`
	IP           string  `json:"ip"`
	CurrentTime  float64 `json:"currentTime"`
	Drift        float64 `json:"drift"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
}

// SyncSnapshot is the idempotent, absolute-valued state pushed to a
// single client, either on its own timer or in response to a request.
type SyncSnapshot struct {
	Type         string  `json:"type"`
	CurrentVideo string  `json:"currentVideo"`
	TargetTime   float64 `json:"targetTime"`
	IsPlaying    bool    `json:"isPlaying"`
	PlaybackRate float64 `json:"playbackRate"`
}

// ── Inbound wire frames ─────────────────────────────────────

// InboundFrame is the envelope every inbound message is first decoded
// into; Type selects how the remaining fields are interpreted.
type InboundFrame struct {
	Type string `json:"type"`

	// auth
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
	Name     string `json:"name,omitempty"`

	// seek
	Time *float64 `json:"time,omitempty"`

	// changeVideo
	Video string `json:"video,omitempty"`

	// clientTimeUpdate
	ClientTime   *float64 `json:"clientTime,omitempty"`
	PlaybackRate *float64 `json:"playbackRate,omitempty"`
	IsPlaying    *bool    `json:"isPlaying,omitempty"`
}

// ── Outbound wire frames ────────────────────────────────────

// OutboundAuthSuccess replies to a successful auth frame.
type OutboundAuthSuccess struct {
	Type  string `json:"type"`
	Role  Role   `json:"role"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// OutboundAuthFail replies to a rejected auth attempt.
type OutboundAuthFail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OutboundError is the generic protocol/validation error frame.
type OutboundError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// OutboundVideoList replies to requestVideoList.
type OutboundVideoList struct {
	Type   string   `json:"type"`
	Videos []string `json:"videos"`
}

// OutboundViewerList replies to requestViewerList and is broadcast to
// operators whenever the viewer table changes.
type OutboundViewerList struct {
	Type    string       `json:"type"`
	Viewers []ViewerInfo `json:"viewers"`
	Count   int          `json:"count"`
}

// Close codes for the message-channel connection.
const (
	CloseNormal      = 1000
	CloseShutdown    = 1001
	CloseAuthFailure = 1008
	CloseInternalErr = 1011
)

// CloseGoingAwayMsg is the reason sent with CloseShutdown on graceful exit.
const CloseGoingAwayMsg = "server shutting down"
