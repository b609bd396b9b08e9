// Package session owns the lifecycle of terminal sessions: creation, the
// active/paused/inactive state machine, serialized terminal input and
// multi-subscriber output fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"termbroker/internal/model"
	"termbroker/internal/store"
	"termbroker/internal/terminal"
)

var (
	// ErrNotLive means the session has no attached terminal process. An
	// inactive session must be recreated, never silently resurrected.
	ErrNotLive = errors.New("session is not live")
	// ErrPaused means the session rejects writes until a subscriber resumes it.
	ErrPaused = errors.New("session is paused")
)

const (
	inputQueueSize      = 256
	subscriberQueueSize = 256
)

type Registry struct {
	store   store.Store
	spawner terminal.Spawner
	log     *slog.Logger

	mu   sync.Mutex
	live map[string]*liveSession
}

func NewRegistry(st store.Store, spawner terminal.Spawner, log *slog.Logger) *Registry {
	return &Registry{
		store:   st,
		spawner: spawner,
		log:     log,
		live:    make(map[string]*liveSession),
	}
}

// liveSession is a session with a terminal process attached (status active or
// paused). Input is funneled through a single writer goroutine so concurrent
// subscribers never interleave partial writes; output runs through one
// fan-out goroutine feeding isolated per-subscriber queues.
type liveSession struct {
	id     string
	userID string
	proc   terminal.Process
	reg    *Registry

	input chan []byte
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	paused bool
}

// Subscription is one subscriber's handle on a session's output stream. The
// channel closes when the subscription is cancelled or the session's process
// is released.
type Subscription struct {
	C         <-chan []byte
	SessionID string

	ch   chan []byte
	sess *liveSession
	once sync.Once
}

// Cancel detaches the subscriber. The last cancellation pauses the session.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.sess.removeSubscriber(s)
		close(s.ch)
	})
}

func (r *Registry) CreateSession(ctx context.Context, userID, deviceID, workingDirectory string, environment map[string]string, settings map[string]any) (*model.Session, error) {
	proc, err := r.spawner.Spawn(workingDirectory, environment)
	if err != nil {
		return nil, fmt.Errorf("spawn terminal: %w", err)
	}

	now := time.Now().UnixMilli()
	sess := &model.Session{
		ID:               uuid.NewString(),
		UserID:           userID,
		DeviceID:         deviceID,
		WorkingDirectory: workingDirectory,
		Environment:      environment,
		Status:           model.SessionActive,
		Settings:         settings,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := r.store.SaveSession(ctx, sess); err != nil {
		_ = proc.Close()
		return nil, err
	}

	ls := &liveSession{
		id:     sess.ID,
		userID: userID,
		proc:   proc,
		reg:    r,
		input:  make(chan []byte, inputQueueSize),
		done:   make(chan struct{}),
		subs:   make(map[*Subscription]struct{}),
	}

	r.mu.Lock()
	r.live[sess.ID] = ls
	r.mu.Unlock()

	go ls.writeLoop()
	go ls.fanOut()

	r.log.Info("session created", "sessionId", sess.ID, "userId", userID, "dir", workingDirectory)
	return sess, nil
}

func (r *Registry) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return r.store.GetSession(ctx, id)
}

func (r *Registry) GetUserSessions(ctx context.Context, userID string) ([]model.Session, error) {
	return r.store.GetUserSessions(ctx, userID)
}

func (r *Registry) lookup(id string) (*liveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.live[id]
	return ls, ok
}

// Subscribe attaches a new output subscriber. Subscribing to a paused session
// resumes it. Ownership must already have been checked by the caller.
func (r *Registry) Subscribe(sessionID string) (*Subscription, error) {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return nil, ErrNotLive
	}

	ch := make(chan []byte, subscriberQueueSize)
	sub := &Subscription{C: ch, SessionID: sessionID, ch: ch, sess: ls}

	ls.mu.Lock()
	select {
	case <-ls.done:
		ls.mu.Unlock()
		return nil, ErrNotLive
	default:
	}
	wasPaused := ls.paused && len(ls.subs) == 0
	ls.subs[sub] = struct{}{}
	ls.paused = false
	ls.mu.Unlock()

	if wasPaused {
		r.setStatus(sessionID, model.SessionActive)
	}
	return sub, nil
}

// WriteToTerminal queues input for the session's single writer. Concurrent
// callers are serialized in arrival order; a full queue is an infrastructure
// failure, not a block.
func (r *Registry) WriteToTerminal(ctx context.Context, sessionID string, data []byte) error {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return ErrNotLive
	}

	ls.mu.Lock()
	if ls.paused {
		ls.mu.Unlock()
		return ErrPaused
	}
	ls.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case ls.input <- buf:
	case <-ls.done:
		return ErrNotLive
	default:
		return fmt.Errorf("input queue full for session %s", sessionID)
	}

	if err := r.store.UpdateSessionActivity(ctx, sessionID, time.Now().UnixMilli()); err != nil {
		r.log.Warn("activity update failed", "sessionId", sessionID, "error", err)
	}
	return nil
}

// ResizeTerminal forwards the new size; a released process makes this a no-op.
func (r *Registry) ResizeTerminal(sessionID string, cols, rows uint16) error {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return nil
	}
	return ls.proc.Resize(cols, rows)
}

// PauseSession stops accepting writes but keeps the terminal process so a
// quickly reconnecting client can resume where it left off.
func (r *Registry) PauseSession(sessionID string) {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	ls.mu.Lock()
	already := ls.paused
	ls.paused = true
	ls.mu.Unlock()
	if !already {
		r.setStatus(sessionID, model.SessionPaused)
		r.log.Info("session paused", "sessionId", sessionID)
	}
}

// ResumeSession re-enables writes on a paused session.
func (r *Registry) ResumeSession(sessionID string) {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return
	}
	ls.mu.Lock()
	wasPaused := ls.paused
	ls.paused = false
	ls.mu.Unlock()
	if wasPaused {
		r.setStatus(sessionID, model.SessionActive)
	}
}

// SubscriberCount reports the number of live subscribers, 0 for non-live
// sessions.
func (r *Registry) SubscriberCount(sessionID string) int {
	ls, ok := r.lookup(sessionID)
	if !ok {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.subs)
}

// CleanupInactiveSessions marks sessions idle past the threshold as inactive
// and releases their terminal processes. Sessions with live subscribers are
// skipped; the sweep is idempotent and guarded per session id.
func (r *Registry) CleanupInactiveSessions(ctx context.Context, idle time.Duration) (int, error) {
	cutoff := time.Now().Add(-idle).UnixMilli()
	stale, err := r.store.GetInactiveSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, sess := range stale {
		if ls, ok := r.lookup(sess.ID); ok {
			ls.mu.Lock()
			busy := len(ls.subs) > 0
			ls.mu.Unlock()
			if busy {
				continue
			}
			r.release(ls)
		}
		sess.Status = model.SessionInactive
		if err := r.store.UpdateSession(ctx, &sess); err != nil {
			r.log.Warn("inactive mark failed", "sessionId", sess.ID, "error", err)
			continue
		}
		reclaimed++
		r.log.Info("session reclaimed", "sessionId", sess.ID)
	}
	return reclaimed, nil
}

// Shutdown releases every live terminal process and persists sessions as
// paused so they survive a broker restart as resumable records.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	live := make([]*liveSession, 0, len(r.live))
	for _, ls := range r.live {
		live = append(live, ls)
	}
	r.mu.Unlock()

	for _, ls := range live {
		r.release(ls)
		sess, err := r.store.GetSession(ctx, ls.id)
		if err != nil {
			continue
		}
		sess.Status = model.SessionPaused
		if err := r.store.UpdateSession(ctx, sess); err != nil {
			r.log.Warn("shutdown persist failed", "sessionId", ls.id, "error", err)
		}
	}
}

// release kills the terminal process and drops the session from the live set.
func (r *Registry) release(ls *liveSession) {
	ls.once.Do(func() {
		close(ls.done)
		_ = ls.proc.Close()
	})
	r.mu.Lock()
	delete(r.live, ls.id)
	r.mu.Unlock()
}

func (r *Registry) setStatus(sessionID string, status model.SessionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		r.log.Warn("status load failed", "sessionId", sessionID, "error", err)
		return
	}
	if sess.Status == status {
		return
	}
	sess.Status = status
	sess.LastActivityAt = time.Now().UnixMilli()
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		r.log.Warn("status update failed", "sessionId", sessionID, "status", status, "error", err)
	}
}

func (ls *liveSession) writeLoop() {
	for {
		select {
		case <-ls.done:
			return
		case data := <-ls.input:
			if err := ls.proc.Write(data); err != nil {
				ls.reg.log.Warn("terminal write failed", "sessionId", ls.id, "error", err)
				return
			}
		}
	}
}

// fanOut delivers every output chunk to every subscriber in producer order.
// A subscriber whose queue is full has the chunk dropped for it alone; it
// never blocks the process or its peers.
func (ls *liveSession) fanOut() {
	for chunk := range ls.proc.Output() {
		ls.mu.Lock()
		for sub := range ls.subs {
			select {
			case sub.ch <- chunk:
			default:
				ls.reg.log.Warn("subscriber queue full, dropping chunk", "sessionId", ls.id)
			}
		}
		ls.mu.Unlock()
	}

	// Process exited: close subscriber streams and drop the live entry.
	ls.mu.Lock()
	subs := make([]*Subscription, 0, len(ls.subs))
	for sub := range ls.subs {
		subs = append(subs, sub)
	}
	ls.subs = make(map[*Subscription]struct{})
	ls.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	ls.reg.release(ls)
}

func (ls *liveSession) removeSubscriber(sub *Subscription) {
	ls.mu.Lock()
	_, present := ls.subs[sub]
	delete(ls.subs, sub)
	last := present && len(ls.subs) == 0
	ls.mu.Unlock()
	if last {
		ls.reg.PauseSession(ls.id)
	}
}
