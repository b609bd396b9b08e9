package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"termbroker/internal/model"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testUser(username string) *model.User {
	return &model.User{
		ID:           "user-" + username,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash",
		Settings:     map[string]any{"theme": "dark"},
		CreatedAt:    time.Now().UnixMilli(),
	}
}

func TestSQLiteStore_UserRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	user.Devices = []model.Device{{
		ID: "d1", UserID: user.ID, Name: "laptop", Type: model.DeviceDesktop,
		Platform: "linux", LastSeenAt: 100, Trusted: true, PublicKey: "pk",
	}}
	require.NoError(t, st.SaveUser(ctx, user))

	got, err := st.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, map[string]any{"theme": "dark"}, got.Settings)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, "laptop", got.Devices[0].Name)
	assert.True(t, got.Devices[0].Trusted)

	byName, err := st.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)

	byEmail, err := st.GetUserByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
}

func TestSQLiteStore_GetUserNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetUser(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DuplicateUsername(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveUser(ctx, testUser("alice")))
	dup := testUser("alice")
	dup.ID = "other-id"
	dup.Email = "other@example.com"
	err := st.SaveUser(ctx, dup)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLiteStore_UpdateUserReplacesDevices(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	user.Devices = []model.Device{
		{ID: "d1", UserID: user.ID, Name: "laptop", Type: model.DeviceDesktop},
		{ID: "d2", UserID: user.ID, Name: "phone", Type: model.DeviceMobile},
	}
	require.NoError(t, st.SaveUser(ctx, user))

	user.Devices = []model.Device{
		{ID: "d2", UserID: user.ID, Name: "phone", Type: model.DeviceMobile, LastSeenAt: 42},
	}
	require.NoError(t, st.UpdateUser(ctx, user))

	got, err := st.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, "d2", got.Devices[0].ID)
	assert.Equal(t, int64(42), got.Devices[0].LastSeenAt)
}

func TestSQLiteStore_DuplicateDeviceName(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	user.Devices = []model.Device{
		{ID: "d1", UserID: user.ID, Name: "laptop", Type: model.DeviceDesktop},
		{ID: "d2", UserID: user.ID, Name: "laptop", Type: model.DeviceMobile},
	}
	err := st.SaveUser(ctx, user)
	require.ErrorIs(t, err, ErrConflict)

	// The transaction must roll back entirely: no user row either.
	_, err = st.GetUser(ctx, user.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func deviceFor(userID, name string) *model.Device {
	return &model.Device{
		ID: "dev-" + name, UserID: userID, Name: name, Type: model.DeviceDesktop,
	}
}

func testSession(id, userID string, lastActivity int64) *model.Session {
	return &model.Session{
		ID:               id,
		UserID:           userID,
		DeviceID:         "d1",
		WorkingDirectory: "/home/alice/project",
		Environment:      map[string]string{"TERM": "xterm-256color"},
		Status:           model.SessionActive,
		Settings:         map[string]any{},
		CreatedAt:        lastActivity,
		LastActivityAt:   lastActivity,
	}
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	require.NoError(t, st.SaveUser(ctx, user))
	sess := testSession("s1", user.ID, 1000)
	require.NoError(t, st.SaveSession(ctx, sess))

	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "/home/alice/project", got.WorkingDirectory)
	assert.Equal(t, model.SessionActive, got.Status)
	assert.Equal(t, map[string]string{"TERM": "xterm-256color"}, got.Environment)

	got.Status = model.SessionPaused
	require.NoError(t, st.UpdateSession(ctx, got))
	got, err = st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionPaused, got.Status)
}

func TestSQLiteStore_UserSessionsOrdering(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	require.NoError(t, st.SaveUser(ctx, user))
	require.NoError(t, st.SaveSession(ctx, testSession("old", user.ID, 1000)))
	require.NoError(t, st.SaveSession(ctx, testSession("new", user.ID, 2000)))

	sessions, err := st.GetUserSessions(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "old", sessions[1].ID)
}

func TestSQLiteStore_UpdateSessionActivity(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	require.NoError(t, st.SaveUser(ctx, user))
	require.NoError(t, st.SaveSession(ctx, testSession("s1", user.ID, 1000)))

	require.NoError(t, st.UpdateSessionActivity(ctx, "s1", 5000))
	got, err := st.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.LastActivityAt)

	require.ErrorIs(t, st.UpdateSessionActivity(ctx, "missing", 5000), ErrNotFound)
}

func TestSQLiteStore_GetInactiveSessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	require.NoError(t, st.SaveUser(ctx, user))
	require.NoError(t, st.SaveSession(ctx, testSession("stale", user.ID, 1000)))
	require.NoError(t, st.SaveSession(ctx, testSession("fresh", user.ID, 9000)))

	marked := testSession("already", user.ID, 500)
	marked.Status = model.SessionInactive
	require.NoError(t, st.SaveSession(ctx, marked))

	stale, err := st.GetInactiveSessions(ctx, 5000)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "stale", stale[0].ID)
}

func TestSQLiteStore_CleanupOldSessions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	user := testUser("alice")
	require.NoError(t, st.SaveUser(ctx, user))

	old := testSession("old-inactive", user.ID, 1)
	old.Status = model.SessionInactive
	require.NoError(t, st.SaveSession(ctx, old))

	// Equally old but not yet inactive: must survive the sweep.
	oldActive := testSession("old-active", user.ID, 1)
	require.NoError(t, st.SaveSession(ctx, oldActive))

	n, err := st.CleanupOldSessions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = st.GetSession(ctx, "old-inactive")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetSession(ctx, "old-active")
	require.NoError(t, err)
}

func TestSQLiteStore_Vacuum(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.Vacuum(context.Background()))
}
