package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"termbroker/internal/model"
	"termbroker/internal/session"
	"termbroker/internal/store"
	"termbroker/internal/watcher"
)

const (
	dispatchTimeout  = 5 * time.Second
	lastSeenInterval = time.Minute
)

func (g *Gateway) dispatch(c *conn, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.pushError(c, "", CodeValidation, "Malformed message")
		return
	}

	if c.shouldSyncLastSeen(lastSeenInterval) {
		go g.auth.UpdateDeviceLastSeen(context.Background(), c.userID, c.deviceID)
	}

	switch msg.Type {
	case TypePing:
		c.alive.Store(true)
		g.push(c, Message{Type: TypePong, Timestamp: time.Now().UnixMilli()})
	case TypeSessionCreate:
		g.handleSessionCreate(c, msg)
	case TypeSessionJoin:
		g.handleSessionJoin(c, msg)
	case TypeSessionLeave:
		g.handleSessionLeave(c, msg)
	case TypeSessionList:
		g.handleSessionList(c)
	case TypeTerminalInput:
		g.handleTerminalInput(c, msg)
	case TypeTerminalResize:
		g.handleTerminalResize(c, msg)
	case TypeFileWatch:
		g.handleFileWatch(c, msg)
	case TypeFileUnwatch:
		g.handleFileUnwatch(c, msg)
	default:
		g.pushError(c, msg.SessionID, CodeValidation, "Unknown message type")
	}
}

// ownedSession loads the session and enforces the ownership rule for every
// session-scoped message. A foreign user's session reads as not found so its
// existence never leaks; the denial is logged server-side.
func (g *Gateway) ownedSession(c *conn, sessionID string) (*model.Session, bool) {
	if sessionID == "" {
		g.pushError(c, "", CodeValidation, "Missing sessionId")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	sess, err := g.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.pushError(c, sessionID, CodeNotFound, "Session not found")
		} else {
			g.log.Error("session lookup failed", "sessionId", sessionID, "error", err)
			g.pushError(c, sessionID, CodeInternal, "Operation failed")
		}
		return nil, false
	}
	if sess.UserID != c.userID {
		g.log.Warn("session access denied", "sessionId", sessionID,
			"ownerId", sess.UserID, "userId", c.userID)
		g.pushError(c, sessionID, CodeNotFound, "Session not found")
		return nil, false
	}
	return sess, true
}

func (g *Gateway) handleSessionCreate(c *conn, msg Message) {
	var data sessionCreateData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.WorkingDirectory == "" {
		g.pushError(c, "", CodeValidation, "Missing workingDirectory")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	sess, err := g.sessions.CreateSession(ctx, c.userID, c.deviceID,
		data.WorkingDirectory, data.Environment, data.Settings)
	if err != nil {
		g.log.Error("session create failed", "userId", c.userID, "error", err)
		g.pushError(c, "", CodeInternal, "Could not create session")
		return
	}

	sub, err := g.sessions.Subscribe(sess.ID)
	if err != nil {
		g.log.Error("subscribe after create failed", "sessionId", sess.ID, "error", err)
		g.pushError(c, sess.ID, CodeInternal, "Could not create session")
		return
	}
	g.attachSession(c, sess.ID, sub)

	g.push(c, Message{
		Type:      TypeSessionCreate,
		SessionID: sess.ID,
		Data:      mustMarshal(toSessionInfo(sess)),
		Timestamp: time.Now().UnixMilli(),
	})
	// Every device of the user learns the new session is live.
	g.BroadcastToUser(c.userID, g.systemStatusMessage(sess.ID, model.SessionActive))
}

func (g *Gateway) handleSessionJoin(c *conn, msg Message) {
	sess, ok := g.ownedSession(c, msg.SessionID)
	if !ok {
		return
	}

	sub, err := g.sessions.Subscribe(sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrNotLive) {
			g.pushError(c, sess.ID, CodeValidation, "Session is inactive; create a new session")
		} else {
			g.log.Error("subscribe failed", "sessionId", sess.ID, "error", err)
			g.pushError(c, sess.ID, CodeInternal, "Could not join session")
		}
		return
	}
	g.attachSession(c, sess.ID, sub)

	g.push(c, Message{
		Type:      TypeSessionJoin,
		SessionID: sess.ID,
		Data:      mustMarshal(toSessionInfo(sess)),
		Timestamp: time.Now().UnixMilli(),
	})
	// Everyone attached sees the subscriber count change.
	g.BroadcastToSession(sess.ID, g.systemStatusMessage(sess.ID, model.SessionActive))
}

func (g *Gateway) handleSessionLeave(c *conn, msg Message) {
	c.mu.Lock()
	attached := c.sessionID
	c.mu.Unlock()
	if msg.SessionID == "" || msg.SessionID != attached {
		g.pushError(c, msg.SessionID, CodeValidation, "Not attached to session")
		return
	}

	g.detachSession(c)
	g.push(c, Message{
		Type:      TypeSessionLeave,
		SessionID: msg.SessionID,
		Data:      mustMarshal(ackData{OK: true}),
		Timestamp: time.Now().UnixMilli(),
	})

	sess, err := g.sessions.GetSession(context.Background(), msg.SessionID)
	if err == nil {
		g.BroadcastToSession(sess.ID, g.systemStatusMessage(sess.ID, sess.Status))
	}
}

func (g *Gateway) handleSessionList(c *conn) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	sessions, err := g.sessions.GetUserSessions(ctx, c.userID)
	if err != nil {
		g.log.Error("session list failed", "userId", c.userID, "error", err)
		g.pushError(c, "", CodeInternal, "Could not list sessions")
		return
	}

	infos := make([]sessionInfo, 0, len(sessions))
	for i := range sessions {
		infos = append(infos, toSessionInfo(&sessions[i]))
	}
	g.push(c, Message{
		Type:      TypeSessionList,
		Data:      mustMarshal(sessionListData{Sessions: infos}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleTerminalInput(c *conn, msg Message) {
	sess, ok := g.ownedSession(c, msg.SessionID)
	if !ok {
		return
	}
	var data terminalInputData
	if err := json.Unmarshal(msg.Data, &data); err != nil || len(data.Input) == 0 {
		g.pushError(c, sess.ID, CodeValidation, "Missing input")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	if err := g.sessions.WriteToTerminal(ctx, sess.ID, data.Input); err != nil {
		switch {
		case errors.Is(err, session.ErrPaused):
			g.pushError(c, sess.ID, CodeValidation, "Session is paused")
		case errors.Is(err, session.ErrNotLive):
			g.pushError(c, sess.ID, CodeValidation, "Session is inactive; create a new session")
		default:
			g.log.Error("terminal write failed", "sessionId", sess.ID, "error", err)
			g.pushError(c, sess.ID, CodeInternal, "Write failed")
		}
		return
	}

	g.push(c, Message{
		Type:      TypeTerminalInput,
		SessionID: sess.ID,
		Data:      mustMarshal(ackData{OK: true}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleTerminalResize(c *conn, msg Message) {
	sess, ok := g.ownedSession(c, msg.SessionID)
	if !ok {
		return
	}
	var data terminalResizeData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Cols == 0 || data.Rows == 0 {
		g.pushError(c, sess.ID, CodeValidation, "Invalid terminal size")
		return
	}

	if err := g.sessions.ResizeTerminal(sess.ID, data.Cols, data.Rows); err != nil {
		g.log.Warn("resize failed", "sessionId", sess.ID, "error", err)
	}
	g.push(c, Message{
		Type:      TypeTerminalResize,
		SessionID: sess.ID,
		Data:      mustMarshal(ackData{OK: true}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleFileWatch(c *conn, msg Message) {
	var data fileWatchData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.Path == "" {
		g.pushError(c, "", CodeValidation, "Missing path")
		return
	}

	watchID, err := g.watcher.Watch(data.Path, data.Recursive, data.IgnorePatterns, func(ev watcher.Event) {
		g.push(c, Message{
			Type:      TypeFileChange,
			Data:      mustMarshal(ev),
			Timestamp: time.Now().UnixMilli(),
		})
	})
	if err != nil {
		g.log.Warn("watch failed", "path", data.Path, "error", err)
		g.pushError(c, "", CodeValidation, "Could not watch path")
		return
	}

	c.mu.Lock()
	c.watches[watchID] = struct{}{}
	c.mu.Unlock()

	g.push(c, Message{
		Type:      TypeFileWatch,
		Data:      mustMarshal(watchAckData{WatchID: watchID}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) handleFileUnwatch(c *conn, msg Message) {
	var data fileUnwatchData
	if err := json.Unmarshal(msg.Data, &data); err != nil || data.WatchID == "" {
		g.pushError(c, "", CodeValidation, "Missing watchId")
		return
	}

	c.mu.Lock()
	_, owned := c.watches[data.WatchID]
	delete(c.watches, data.WatchID)
	c.mu.Unlock()
	if !owned {
		g.pushError(c, "", CodeNotFound, "Watch not found")
		return
	}

	g.watcher.Unwatch(data.WatchID)
	g.push(c, Message{
		Type:      TypeFileUnwatch,
		Data:      mustMarshal(ackData{OK: true}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (g *Gateway) systemStatusMessage(sessionID string, status model.SessionStatus) Message {
	return Message{
		Type:      TypeSystemStatus,
		SessionID: sessionID,
		Data: mustMarshal(systemStatusData{
			Status:      string(status),
			Subscribers: g.sessions.SubscriberCount(sessionID),
		}),
		Timestamp: time.Now().UnixMilli(),
	}
}

func (g *Gateway) pushError(c *conn, sessionID, code, message string) {
	g.push(c, Message{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      mustMarshal(errorData{Code: code, Message: message}),
		Timestamp: time.Now().UnixMilli(),
	})
}

func toSessionInfo(sess *model.Session) sessionInfo {
	return sessionInfo{
		ID:               sess.ID,
		UserID:           sess.UserID,
		DeviceID:         sess.DeviceID,
		WorkingDirectory: sess.WorkingDirectory,
		Status:           string(sess.Status),
		CreatedAt:        sess.CreatedAt,
		LastActivityAt:   sess.LastActivityAt,
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
