package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"termbroker/internal/session"
)

// conn binds one websocket to its authenticated identity. It lives only as
// long as the network connection; nothing here is persisted.
type conn struct {
	ws       *websocket.Conn
	userID   string
	deviceID string

	sendMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	sub       *session.Subscription
	watches   map[string]struct{}

	alive        atomic.Bool
	dropped      atomic.Bool
	lastSeenSync atomic.Int64
}

func newConn(ws *websocket.Conn, userID, deviceID string) *conn {
	c := &conn{
		ws:       ws,
		userID:   userID,
		deviceID: deviceID,
		watches:  make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *conn) send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

func (c *conn) close() {
	_ = c.ws.Close()
}

// shouldSyncLastSeen throttles device last-seen writes to once per interval
// so per-keystroke traffic does not hammer the store.
func (c *conn) shouldSyncLastSeen(interval time.Duration) bool {
	now := time.Now().UnixMilli()
	last := c.lastSeenSync.Load()
	if now-last < interval.Milliseconds() {
		return false
	}
	return c.lastSeenSync.CompareAndSwap(last, now)
}
