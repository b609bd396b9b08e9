// Package gateway accepts duplex client connections, authenticates them, and
// bridges inbound messages to the auth service and session registry while
// pushing session output and file events back out.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"termbroker/internal/auth"
	"termbroker/internal/session"
	"termbroker/internal/watcher"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second
)

type Deps struct {
	Auth      *auth.Service
	Sessions  *session.Registry
	Watcher   *watcher.Watcher
	Heartbeat time.Duration
	Log       *slog.Logger
}

type Gateway struct {
	auth      *auth.Service
	sessions  *session.Registry
	watcher   *watcher.Watcher
	heartbeat time.Duration
	log       *slog.Logger

	upgrader websocket.Upgrader

	mu             sync.RWMutex
	connsByUser    map[string]map[*conn]struct{}
	connsBySession map[string]map[*conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func New(deps Deps) *Gateway {
	hb := deps.Heartbeat
	if hb <= 0 {
		hb = 30 * time.Second
	}
	return &Gateway{
		auth:      deps.Auth,
		sessions:  deps.Sessions,
		watcher:   deps.Watcher,
		heartbeat: hb,
		log:       deps.Log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connsByUser:    make(map[string]map[*conn]struct{}),
		connsBySession: make(map[string]map[*conn]struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the heartbeat supervisor. Call once after construction.
func (g *Gateway) Start() {
	go g.supervise()
}

// Close terminates every open connection and stops the supervisor.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
	for _, c := range g.snapshotConns() {
		g.drop(c)
	}
}

// Serve authenticates the upgrade request from its token query parameter and
// runs the connection's read loop. No anonymous connection is ever admitted.
func (g *Gateway) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := g.auth.Verify(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	cn := newConn(ws, claims.UserID, claims.DeviceID)
	ws.SetPongHandler(func(string) error {
		cn.alive.Store(true)
		return nil
	})

	g.register(cn)
	defer g.drop(cn)

	go g.auth.UpdateDeviceLastSeen(c.Request.Context(), cn.userID, cn.deviceID)
	g.log.Info("connection opened", "userId", cn.userID, "deviceId", cn.deviceID)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(cn, data)
	}
}

func (g *Gateway) register(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connsByUser[c.userID] == nil {
		g.connsByUser[c.userID] = make(map[*conn]struct{})
	}
	g.connsByUser[c.userID][c] = struct{}{}
}

// drop removes the connection everywhere and releases what it held: its
// output subscription (pausing the session if it was the last subscriber)
// and its file watches.
func (g *Gateway) drop(c *conn) {
	if c.dropped.Swap(true) {
		return
	}

	g.mu.Lock()
	if set := g.connsByUser[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(g.connsByUser, c.userID)
		}
	}
	g.mu.Unlock()

	g.detachSession(c)

	c.mu.Lock()
	watches := make([]string, 0, len(c.watches))
	for id := range c.watches {
		watches = append(watches, id)
	}
	c.watches = make(map[string]struct{})
	c.mu.Unlock()
	for _, id := range watches {
		g.watcher.Unwatch(id)
	}

	c.close()
	g.log.Info("connection closed", "userId", c.userID, "deviceId", c.deviceID)
}

// detachSession cancels the connection's subscription and leaves the session
// room. Safe to call with no session attached.
func (g *Gateway) detachSession(c *conn) {
	c.mu.Lock()
	sub := c.sub
	sessionID := c.sessionID
	c.sub = nil
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID != "" {
		g.mu.Lock()
		if set := g.connsBySession[sessionID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(g.connsBySession, sessionID)
			}
		}
		g.mu.Unlock()
	}
	if sub != nil {
		sub.Cancel()
	}
}

func (g *Gateway) attachSession(c *conn, sessionID string, sub *session.Subscription) {
	g.detachSession(c)

	c.mu.Lock()
	c.sub = sub
	c.sessionID = sessionID
	c.mu.Unlock()

	g.mu.Lock()
	if g.connsBySession[sessionID] == nil {
		g.connsBySession[sessionID] = make(map[*conn]struct{})
	}
	g.connsBySession[sessionID][c] = struct{}{}
	g.mu.Unlock()

	// Pump session output to this connection until the subscription ends.
	go func() {
		for chunk := range sub.C {
			g.push(c, Message{
				Type:      TypeTerminalOutput,
				SessionID: sessionID,
				Data:      mustMarshal(terminalOutputData{Output: chunk}),
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}()
}

func (g *Gateway) snapshotConns() []*conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var conns []*conn
	for _, set := range g.connsByUser {
		for c := range set {
			conns = append(conns, c)
		}
	}
	return conns
}

// supervise pings every connection each interval and marks it presumptively
// dead; a pong (control frame or ping message) clears the mark. A connection
// still marked at the next interval is forcibly terminated, which pauses its
// session via drop.
func (g *Gateway) supervise() {
	ticker := time.NewTicker(g.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			for _, c := range g.snapshotConns() {
				if !c.alive.Swap(false) {
					g.log.Warn("heartbeat timeout, reaping connection",
						"userId", c.userID, "deviceId", c.deviceID)
					g.drop(c)
					continue
				}
				deadline := time.Now().Add(writeTimeout)
				if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					g.drop(c)
				}
			}
		}
	}
}

// BroadcastToUser delivers to all of the user's open connections. Best
// effort: a connection that cannot accept the write is dropped, not retried.
func (g *Gateway) BroadcastToUser(userID string, msg Message) {
	g.mu.RLock()
	set := g.connsByUser[userID]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	g.broadcast(conns, msg)
}

// BroadcastToSession delivers only to connections currently attached to the
// session.
func (g *Gateway) BroadcastToSession(sessionID string, msg Message) {
	g.mu.RLock()
	set := g.connsBySession[sessionID]
	conns := make([]*conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	g.broadcast(conns, msg)
}

func (g *Gateway) broadcast(conns []*conn, msg Message) {
	for _, c := range conns {
		if err := c.send(msg); err != nil {
			g.drop(c)
		}
	}
}

// push sends one outbound message, dropping the connection on failure.
func (g *Gateway) push(c *conn, msg Message) {
	if err := c.send(msg); err != nil {
		g.drop(c)
	}
}
