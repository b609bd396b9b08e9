package gateway

import "encoding/json"

// Message is the wire envelope for every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSessionCreate  = "session-create"
	TypeSessionJoin    = "session-join"
	TypeSessionLeave   = "session-leave"
	TypeSessionList    = "session-list"
	TypeTerminalInput  = "terminal-input"
	TypeTerminalResize = "terminal-resize"
	TypeFileWatch      = "file-watch"
	TypeFileUnwatch    = "file-unwatch"
	TypeFileChange     = "file-change"
	TypeTerminalOutput = "terminal-output"
	TypeSystemStatus   = "system-status"
	TypeError          = "error"
)

// Client-visible error codes. Authorization denials are reported as not-found
// so a foreign session id cannot be probed for existence.
const (
	CodeUnauthorized = "unauthorized"
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionCreateData struct {
	WorkingDirectory string            `json:"workingDirectory"`
	Environment      map[string]string `json:"environment,omitempty"`
	Settings         map[string]any    `json:"settings,omitempty"`
}

type terminalInputData struct {
	Input []byte `json:"input"`
}

type terminalOutputData struct {
	Output []byte `json:"output"`
}

type terminalResizeData struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type fileWatchData struct {
	Path           string   `json:"path"`
	Recursive      bool     `json:"recursive"`
	IgnorePatterns []string `json:"ignorePatterns,omitempty"`
}

type fileUnwatchData struct {
	WatchID string `json:"watchId"`
}

type ackData struct {
	OK bool `json:"ok"`
}

type watchAckData struct {
	WatchID string `json:"watchId"`
}

type sessionListData struct {
	Sessions []sessionInfo `json:"sessions"`
}

type systemStatusData struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

type sessionInfo struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	DeviceID         string `json:"deviceId"`
	WorkingDirectory string `json:"workingDirectory"`
	Status           string `json:"status"`
	CreatedAt        int64  `json:"createdAt"`
	LastActivityAt   int64  `json:"lastActivityAt"`
}
