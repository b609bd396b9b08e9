package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termbroker/internal/model"
	"termbroker/internal/store"
	"termbroker/internal/terminal"
)

type fakeProcess struct {
	mu     sync.Mutex
	writes [][]byte
	out    chan []byte
	closed bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{out: make(chan []byte, 64)}
}

func (p *fakeProcess) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	p.writes = append(p.writes, buf)
	return nil
}

func (p *fakeProcess) Resize(cols, rows uint16) error { return nil }

func (p *fakeProcess) Output() <-chan []byte { return p.out }

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

func (p *fakeProcess) emit(data string) {
	p.out <- []byte(data)
}

func (p *fakeProcess) writeLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]string, 0, len(p.writes))
	for _, w := range p.writes {
		result = append(result, string(w))
	}
	return result
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	fail  bool
}

func (s *fakeSpawner) Spawn(workingDirectory string, environment map[string]string) (terminal.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("spawn refused")
	}
	p := newFakeProcess()
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func newTestRegistry(t *testing.T) (*Registry, *fakeSpawner, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	user := &model.User{
		ID: "u1", Username: "alice", PasswordHash: "hash",
		CreatedAt: time.Now().UnixMilli(),
	}
	require.NoError(t, st.SaveUser(context.Background(), user))

	spawner := &fakeSpawner{}
	return NewRegistry(st, spawner, slog.Default()), spawner, st
}

func createTestSession(t *testing.T, reg *Registry) *model.Session {
	t.Helper()
	sess, err := reg.CreateSession(context.Background(), "u1", "d1",
		"/home/alice/project", map[string]string{"TERM": "xterm"}, nil)
	require.NoError(t, err)
	return sess
}

func recv(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return string(data)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for output")
		return ""
	}
}

func TestCreateSession(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	sess := createTestSession(t, reg)

	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, model.SessionActive, sess.Status)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, persisted.Status)
}

func TestCreateSession_SpawnFailure(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	spawner.fail = true
	_, err := reg.CreateSession(context.Background(), "u1", "d1", "/tmp", nil, nil)
	require.Error(t, err)
}

func TestFanOut_EverySubscriberGetsEveryChunkInOrder(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	sub1, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	sub2, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)

	chunks := []string{"one", "two", "three", "four"}
	for _, c := range chunks {
		proc.emit(c)
	}

	for _, sub := range []*Subscription{sub1, sub2} {
		for _, want := range chunks {
			assert.Equal(t, want, recv(t, sub.C))
		}
	}
}

func TestWriteToTerminal_FIFO(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, reg.WriteToTerminal(context.Background(), sess.ID, []byte(fmt.Sprintf("w%d", i))))
	}

	require.Eventually(t, func() bool {
		return len(proc.writeLog()) == 10
	}, 2*time.Second, 10*time.Millisecond)

	log := proc.writeLog()
	for i, w := range log {
		assert.Equal(t, fmt.Sprintf("w%d", i), w)
	}
}

func TestWriteToTerminal_ConcurrentWritersLoseNothing(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Cancel()

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = reg.WriteToTerminal(context.Background(), sess.ID, []byte{byte(w)})
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(proc.writeLog()) == writers*perWriter
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPauseOnLastUnsubscribe(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	sess := createTestSession(t, reg)

	sub1, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	sub2, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)

	sub1.Cancel()
	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, persisted.Status)

	sub2.Cancel()
	persisted, err = st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, persisted.Status)

	err = reg.WriteToTerminal(context.Background(), sess.ID, []byte("x"))
	require.ErrorIs(t, err, ErrPaused)
}

func TestSubscribeResumesPausedSession(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	sess := createTestSession(t, reg)

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	sub.Cancel()

	again, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	defer again.Cancel()

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, persisted.Status)

	require.NoError(t, reg.WriteToTerminal(context.Background(), sess.ID, []byte("x")))
}

func TestCancelTwiceIsSafe(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel()
}

func TestCleanupInactiveSessions(t *testing.T) {
	reg, spawner, st := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	require.NoError(t, st.UpdateSessionActivity(context.Background(), sess.ID, 1))

	n, err := reg.CleanupInactiveSessions(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionInactive, persisted.Status)

	proc.mu.Lock()
	closed := proc.closed
	proc.mu.Unlock()
	assert.True(t, closed)

	// A reclaimed session is not silently resurrected.
	_, err = reg.Subscribe(sess.ID)
	require.ErrorIs(t, err, ErrNotLive)

	// Running the sweep again is a no-op.
	n, err = reg.CleanupInactiveSessions(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupSkipsSessionsWithSubscribers(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	sess := createTestSession(t, reg)

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, st.UpdateSessionActivity(context.Background(), sess.ID, 1))

	n, err := reg.CleanupInactiveSessions(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, persisted.Status)
}

func TestProcessExitClosesSubscribers(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	sub, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)

	proc.emit("bye")
	require.Equal(t, "bye", recv(t, sub.C))
	_ = proc.Close()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber channel not closed")
	}

	require.Eventually(t, func() bool {
		return reg.WriteToTerminal(context.Background(), sess.ID, []byte("x")) == ErrNotLive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownPersistsPausedSessions(t *testing.T) {
	reg, spawner, st := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	reg.Shutdown(context.Background())

	persisted, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, persisted.Status)

	proc.mu.Lock()
	closed := proc.closed
	proc.mu.Unlock()
	assert.True(t, closed)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	reg, spawner, _ := newTestRegistry(t)
	sess := createTestSession(t, reg)
	proc := spawner.last()

	slow, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	fast, err := reg.Subscribe(sess.ID)
	require.NoError(t, err)
	defer slow.Cancel()
	defer fast.Cancel()

	// Overfill the slow subscriber's queue; the fast one must keep
	// receiving everything that fits in its own queue.
	total := subscriberQueueSize + 16
	go func() {
		for i := 0; i < total; i++ {
			proc.emit("chunk")
		}
	}()

	for i := 0; i < subscriberQueueSize; i++ {
		require.Equal(t, "chunk", recv(t, fast.C))
	}
}
